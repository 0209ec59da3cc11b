package mem

import "testing"

import "github.com/andrewimm/idos-nx/defs"

func TestMapReadWrite(t *testing.T) {
	pm := Mkphysmem()
	sp := Mkspace(pm)
	if err := sp.Map(0x4000, 2*PGSIZE, PERM_R|PERM_W); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	msg := []uint8("page boundary crossing write")
	// straddle the page boundary
	va := Va_t(0x5000 - 8)
	if err := sp.Write(va, msg); err != 0 {
		t.Fatalf("write failed: %v", err)
	}
	got := make([]uint8, len(msg))
	if err := sp.Read(va, got); err != 0 {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
	if err := sp.Read(0x9000, got); err != -defs.EFAULT {
		t.Fatalf("unmapped read: got %v, want EFAULT", err)
	}
}

func TestMapOverlap(t *testing.T) {
	pm := Mkphysmem()
	sp := Mkspace(pm)
	if err := sp.Map(0x4000, PGSIZE, PERM_R); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	if err := sp.Map(0x4000, PGSIZE, PERM_R); err != -defs.EEXIST {
		t.Fatalf("overlap map: got %v, want EEXIST", err)
	}
	if err := sp.Map(0x4001, PGSIZE, PERM_R); err != -defs.EINVAL {
		t.Fatalf("unaligned map: got %v, want EINVAL", err)
	}
}

func TestUnmapPartialRange(t *testing.T) {
	pm := Mkphysmem()
	sp := Mkspace(pm)
	if err := sp.Map(0x4000, PGSIZE, PERM_R|PERM_W); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	if err := sp.Write(0x4000, []uint8("keep")); err != 0 {
		t.Fatalf("write failed: %v", err)
	}
	// the second page was never mapped; the whole unmap must be refused
	if err := sp.Unmap(0x4000, 2*PGSIZE); err != -defs.EINVAL {
		t.Fatalf("partial unmap: got %v, want EINVAL", err)
	}
	got := make([]uint8, 4)
	if err := sp.Read(0x4000, got); err != 0 || string(got) != "keep" {
		t.Fatalf("failed unmap took the mapped page with it: %v %q", err, got)
	}
	if err := sp.Unmap(0x4000, PGSIZE); err != 0 {
		t.Fatalf("unmap failed: %v", err)
	}
	if err := sp.Read(0x4000, got); err != -defs.EFAULT {
		t.Fatalf("read after unmap: got %v, want EFAULT", err)
	}
}

func TestIsolation(t *testing.T) {
	pm := Mkphysmem()
	a := Mkspace(pm)
	b := Mkspace(pm)
	for _, sp := range []*Space_t{a, b} {
		if err := sp.Map(0x1000, PGSIZE, PERM_R|PERM_W); err != 0 {
			t.Fatalf("map failed: %v", err)
		}
	}
	if err := a.Write(0x1000, []uint8("task a secret")); err != 0 {
		t.Fatalf("write failed: %v", err)
	}
	got := make([]uint8, 13)
	if err := b.Read(0x1000, got); err != 0 {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) == "task a secret" {
		t.Fatalf("write in one space visible in another")
	}
}

func TestGrantRevoke(t *testing.T) {
	pm := Mkphysmem()
	owner := Mkspace(pm)
	target := Mkspace(pm)
	if err := owner.Map(0x8000, PGSIZE, PERM_R|PERM_W); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	if err := owner.Write(0x8010, []uint8("shared")); err != 0 {
		t.Fatalf("write failed: %v", err)
	}
	g, err := owner.Grant(target, 0x8010, 64, PERM_R|PERM_W)
	if err != 0 {
		t.Fatalf("grant failed: %v", err)
	}

	got := make([]uint8, 6)
	if err := target.Read(g.Base, got); err != 0 {
		t.Fatalf("read through window failed: %v", err)
	}
	if string(got) != "shared" {
		t.Fatalf("got %q through window", got)
	}
	// a write through the window lands in the owner's mapping
	if err := target.Write(g.Base, []uint8("SHARED")); err != 0 {
		t.Fatalf("write through window failed: %v", err)
	}
	if err := owner.Read(0x8010, got); err != 0 {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "SHARED" {
		t.Fatalf("window write not visible to owner: %q", got)
	}

	if err := owner.Revoke(g); err != 0 {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := target.Read(g.Base, got); err != -defs.EPERM {
		t.Fatalf("read after revoke: got %v, want EPERM", err)
	}
	if err := target.Write(g.Base, got); err != -defs.EPERM {
		t.Fatalf("write after revoke: got %v, want EPERM", err)
	}
	// revoking twice is harmless to the owner's own mapping
	if err := owner.Read(0x8010, got); err != 0 || string(got) != "SHARED" {
		t.Fatalf("owner mapping damaged by revoke: %v %q", err, got)
	}
}

// the window a grant hands back is complete: every page is mapped before
// the grant becomes visible, and a revoke tears out every page
func TestGrantWholeWindow(t *testing.T) {
	pm := Mkphysmem()
	owner := Mkspace(pm)
	target := Mkspace(pm)
	if err := owner.Map(0x8000, 2*PGSIZE, PERM_R|PERM_W); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	msg := []uint8("straddles the page boundary")
	va := Va_t(0x9000 - 8)
	if err := owner.Write(va, msg); err != 0 {
		t.Fatalf("write failed: %v", err)
	}
	g, err := owner.Grant(target, va, len(msg), PERM_R)
	if err != 0 {
		t.Fatalf("grant failed: %v", err)
	}
	got := make([]uint8, len(msg))
	if err := target.Read(g.Base, got); err != 0 || string(got) != string(msg) {
		t.Fatalf("window incomplete: %v %q", err, got)
	}
	if err := owner.Revoke(g); err != 0 {
		t.Fatalf("revoke failed: %v", err)
	}
	// both pages of the window are gone
	if err := target.Read(g.Base, got[:1]); err != -defs.EPERM {
		t.Fatalf("first window page after revoke: got %v, want EPERM", err)
	}
	if err := target.Read(g.Base+Va_t(len(msg)-1), got[:1]); err != -defs.EPERM {
		t.Fatalf("last window page after revoke: got %v, want EPERM", err)
	}
}

func TestGrantUnownedRange(t *testing.T) {
	pm := Mkphysmem()
	owner := Mkspace(pm)
	target := Mkspace(pm)
	if _, err := owner.Grant(target, 0x8000, 64, PERM_R); err != -defs.EPERM {
		t.Fatalf("grant of unmapped range: got %v, want EPERM", err)
	}
}

func TestTranslate(t *testing.T) {
	pm := Mkphysmem()
	sp := Mkspace(pm)
	if err := sp.Map(0x2000, PGSIZE, PERM_R|PERM_W); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	pa, err := sp.Translate(0x2abc)
	if err != 0 {
		t.Fatalf("translate failed: %v", err)
	}
	if uint32(pa)&PGOFFSET != 0xabc {
		t.Fatalf("offset not preserved: %#x", pa)
	}
	if err := pm.Storew(pa, 0xdeadbeef); err != 0 {
		t.Fatalf("storew failed: %v", err)
	}
	v, err := pm.Loadw(pa)
	if err != 0 || v != 0xdeadbeef {
		t.Fatalf("loadw: %#x %v", v, err)
	}
}
