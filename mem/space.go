package mem

import "sync"

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/limits"

type Perms_t uint8

const (
	PERM_R Perms_t = 1 << iota
	PERM_W
)

// Space_t holds one task's private mappings over the lower address range.
// the upper kernel range is identically mapped in every space and never
// appears here, so a syscall trap never switches page tables. nothing in a
// space is visible to another task unless an explicit grant exists.
type Space_t struct {
	sync.Mutex
	pm *Physmem_t
	// page-granular mappings, keyed by page base
	pages map[Va_t]pte_t
	// next hint for free-range searches
	maphint Va_t
	// grants this space has given out, keyed by grant id
	grants  map[uint32]*Grant_t
	grantid uint32
}

type pte_t struct {
	pa    Pa_t
	perms Perms_t
	// set when the page belonged to a grant window that was revoked;
	// accesses through it fail with EPERM instead of EFAULT.
	revoked bool
}

// Grant_t is a revocable window one task opened into another task's space.
// it is tracked by the granting space and scoped, for arbiter grants, to
// the lifetime of one in-flight op.
type Grant_t struct {
	Id     uint32
	owner  *Space_t
	target *Space_t
	// where the window landed in the target space
	Base  Va_t
	npags int
	pas   []Pa_t
	live  bool
}

func Mkspace(pm *Physmem_t) *Space_t {
	return &Space_t{
		pm:      pm,
		pages:   make(map[Va_t]pte_t),
		maphint: 0x1000,
		grants:  make(map[uint32]*Grant_t),
	}
}

// Map establishes an anonymous mapping at [va, va+len). fails with EEXIST
// when the range intersects an existing mapping and ENOMEM when the frame
// arena is exhausted.
func (sp *Space_t) Map(va Va_t, length int, perms Perms_t) defs.Err_t {
	if length <= 0 || uint32(va)+uint32(length) > USERMAX || va.Pgoff() != 0 {
		return -defs.EINVAL
	}
	sp.Lock()
	defer sp.Unlock()
	n := Pgcount(va, length)
	for i := 0; i < n; i++ {
		if _, ok := sp.pages[va+Va_t(i*PGSIZE)]; ok {
			return -defs.EEXIST
		}
	}
	done := make([]Pa_t, 0, n)
	for i := 0; i < n; i++ {
		_, pa, ok := sp.pm.Refpg_new()
		if !ok {
			for _, p := range done {
				sp.pm.Refdown(p)
			}
			return -defs.ENOMEM
		}
		done = append(done, pa)
		sp.pages[va+Va_t(i*PGSIZE)] = pte_t{pa: pa, perms: perms}
	}
	return 0
}

// Mapany picks a free range of the requested length, maps it, and returns
// its base.
func (sp *Space_t) Mapany(length int, perms Perms_t) (Va_t, defs.Err_t) {
	sp.Lock()
	base, err := sp.findfree(Pgcount(Va_t(0), length))
	sp.Unlock()
	if err != 0 {
		return 0, err
	}
	if err := sp.Map(base, length, perms); err != 0 {
		return 0, err
	}
	return base, 0
}

// caller holds sp lock
func (sp *Space_t) findfree(npags int) (Va_t, defs.Err_t) {
	va := sp.maphint
	for uint32(va)+uint32(npags*PGSIZE) <= USERMAX {
		clear := true
		for i := 0; i < npags; i++ {
			if _, ok := sp.pages[va+Va_t(i*PGSIZE)]; ok {
				clear = false
				va += Va_t((i + 1) * PGSIZE)
				break
			}
		}
		if clear {
			sp.maphint = va + Va_t(npags*PGSIZE)
			return va, 0
		}
	}
	return 0, -defs.ENOMEM
}

// Unmap removes [va, va+len). the whole range must be mapped; a bad range
// fails before any page is touched.
func (sp *Space_t) Unmap(va Va_t, length int) defs.Err_t {
	sp.Lock()
	defer sp.Unlock()
	n := Pgcount(va, length)
	for i := 0; i < n; i++ {
		if _, ok := sp.pages[va.Pgbase()+Va_t(i*PGSIZE)]; !ok {
			return -defs.EINVAL
		}
	}
	for i := 0; i < n; i++ {
		pva := va.Pgbase() + Va_t(i*PGSIZE)
		pte := sp.pages[pva]
		if !pte.revoked {
			sp.pm.Refdown(pte.pa)
		}
		delete(sp.pages, pva)
	}
	return 0
}

// Uvmfree releases every mapping and revokes every outstanding grant; used
// when the owning task terminates.
func (sp *Space_t) Uvmfree() {
	sp.Lock()
	gs := make([]*Grant_t, 0, len(sp.grants))
	for _, g := range sp.grants {
		gs = append(gs, g)
	}
	sp.Unlock()
	for _, g := range gs {
		sp.Revoke(g)
	}
	sp.Lock()
	for va, pte := range sp.pages {
		if !pte.revoked {
			sp.pm.Refdown(pte.pa)
		}
		delete(sp.pages, va)
	}
	sp.Unlock()
}

func (sp *Space_t) lookup(va Va_t) (pte_t, defs.Err_t) {
	pte, ok := sp.pages[va.Pgbase()]
	if !ok {
		return pte_t{}, -defs.EFAULT
	}
	if pte.revoked {
		return pte_t{}, -defs.EPERM
	}
	return pte, 0
}

// Translate resolves a virtual address to the physical address backing it.
// used to pin completion-signal words so they stay reachable when the
// submitting task is not the one completing the op.
func (sp *Space_t) Translate(va Va_t) (Pa_t, defs.Err_t) {
	sp.Lock()
	defer sp.Unlock()
	pte, err := sp.lookup(va)
	if err != 0 {
		return 0, err
	}
	return pte.pa + Pa_t(va.Pgoff()), 0
}

// Read copies len(dst) bytes out of the space starting at va.
func (sp *Space_t) Read(va Va_t, dst []uint8) defs.Err_t {
	sp.Lock()
	defer sp.Unlock()
	for len(dst) > 0 {
		pte, err := sp.lookup(va)
		if err != 0 {
			return err
		}
		if pte.perms&PERM_R == 0 {
			return -defs.EPERM
		}
		pg, err := sp.pm.Dmap(pte.pa)
		if err != 0 {
			return err
		}
		off := va.Pgoff()
		c := copy(dst, pg[off:])
		dst = dst[c:]
		va += Va_t(c)
	}
	return 0
}

// Write copies src into the space starting at va.
func (sp *Space_t) Write(va Va_t, src []uint8) defs.Err_t {
	sp.Lock()
	defer sp.Unlock()
	for len(src) > 0 {
		pte, err := sp.lookup(va)
		if err != 0 {
			return err
		}
		if pte.perms&PERM_W == 0 {
			return -defs.EPERM
		}
		pg, err := sp.pm.Dmap(pte.pa)
		if err != 0 {
			return err
		}
		off := va.Pgoff()
		c := copy(pg[off:], src)
		src = src[c:]
		va += Va_t(c)
	}
	return 0
}

// Grant maps the pages backing [va, va+len) of this space into target at a
// free range, returning the window. sharing is page granular: the window
// base preserves va's offset within its first page. fails with EPERM when
// any page of the range is not owned by this space.
func (sp *Space_t) Grant(target *Space_t, va Va_t, length int, perms Perms_t) (*Grant_t, defs.Err_t) {
	if length <= 0 {
		return nil, -defs.EINVAL
	}
	sp.Lock()
	if len(sp.grants) >= limits.Syslimit.Grants {
		sp.Unlock()
		return nil, -defs.ENOMEM
	}
	n := Pgcount(va, length)
	pas := make([]Pa_t, 0, n)
	for i := 0; i < n; i++ {
		pte, err := sp.lookup(va.Pgbase() + Va_t(i*PGSIZE))
		if err != 0 {
			sp.Unlock()
			return nil, -defs.EPERM
		}
		pas = append(pas, pte.pa)
	}
	// the refs keep the frames alive while the window is built
	for _, pa := range pas {
		sp.pm.Refup(pa)
	}
	sp.Unlock()

	target.Lock()
	base, err := target.findfree(n)
	if err != 0 {
		target.Unlock()
		for _, pa := range pas {
			sp.pm.Refdown(pa)
		}
		return nil, err
	}
	for i, pa := range pas {
		target.pages[base+Va_t(i*PGSIZE)] = pte_t{pa: pa, perms: perms}
	}
	target.Unlock()

	// published only once the window is complete, so a revoke always sees
	// every target page
	g := &Grant_t{owner: sp, target: target, Base: base + Va_t(va.Pgoff()),
		npags: n, pas: pas, live: true}
	sp.Lock()
	sp.grantid++
	g.Id = sp.grantid
	sp.grants[g.Id] = g
	sp.Unlock()
	return g, 0
}

// Revoke tears the window out of the target space. subsequent accesses
// through the formerly granted range fail with EPERM.
func (sp *Space_t) Revoke(g *Grant_t) defs.Err_t {
	sp.Lock()
	if _, ok := sp.grants[g.Id]; !ok || !g.live {
		sp.Unlock()
		return -defs.EINVAL
	}
	g.live = false
	delete(sp.grants, g.Id)
	sp.Unlock()

	g.target.Lock()
	for i := 0; i < g.npags; i++ {
		pva := g.Base.Pgbase() + Va_t(i*PGSIZE)
		pte, ok := g.target.pages[pva]
		if !ok || pte.revoked {
			continue
		}
		sp.pm.Refdown(pte.pa)
		g.target.pages[pva] = pte_t{revoked: true}
	}
	g.target.Unlock()
	return 0
}
