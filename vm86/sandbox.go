package vm86

import "github.com/andrewimm/idos-nx/aio"
import "github.com/andrewimm/idos-nx/arbiter"
import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/mem"
import "github.com/andrewimm/idos-nx/task"

// real-mode low memory layout inside the owning task's space. the sandbox
// occupies the conventional 640K; the monitor keeps a scratch page above
// 1M for op records it submits on the program's behalf.
const (
	IVTBASE  = 0x0000
	BDABASE  = 0x0400
	STUBSEG  = 0x0060 // kernel interrupt stubs
	FIRSTMCB = 0x0100 // start of the DOS allocation arena
	TOPSEG   = 0x9fff // last usable paragraph
	LOWTOP   = 0xa0000
	SCRATCH  = mem.Va_t(0x100000)
)

// flag bits the monitor virtualizes
const (
	FL_CF = 0x0001
	FL_ZF = 0x0040
	FL_IF = 0x0200
)

type Regs_t struct {
	AX, BX, CX, DX uint16
	SI, DI, BP, SP uint16
	IP, CS         uint16
	DS, ES, SS     uint16
	FLAGS          uint16
}

func (r *Regs_t) Ah() uint8     { return uint8(r.AX >> 8) }
func (r *Regs_t) Al() uint8     { return uint8(r.AX) }
func (r *Regs_t) Setal(v uint8) { r.AX = r.AX&0xff00 | uint16(v) }
func (r *Regs_t) Setcf()        { r.FLAGS |= FL_CF }
func (r *Regs_t) Clearcf()      { r.FLAGS &^= FL_CF }

func linear(seg, off uint16) mem.Va_t {
	return mem.Va_t(uint32(seg)<<4 + uint32(off))
}

// Trap_t is what a runner reports back to the monitor.
type Trap_t int

const (
	TRAP_NONE Trap_t = iota // execution budget expired
	TRAP_GPF                // privileged instruction at CS:IP
	TRAP_EXIT               // runner has nothing left to execute
)

// Runner_i executes real-mode instructions until one traps. the monitor
// owns everything after the trap: decode, emulation, and resumption.
// scripted runners drive the monitor in tests.
type Runner_i interface {
	Step(sb *Sandbox_t, r *Regs_t) Trap_t
}

// Sandbox_t is one DOS program's execution environment: the low-memory
// image, its PSP and file table, the MCB allocation chain, and the handles
// the monitor opened for it.
type Sandbox_t struct {
	T    *task.Task_t
	Regs Regs_t
	run  Runner_i

	s   *task.Sched_t
	a   *aio.Aio_t
	arb *arbiter.Arbiter_t

	psp uint16
	// system file table: JFT bytes index into this. slot 0 is the console.
	sft []defs.Handle_t
	// hooked vectors in registration order
	hooks []uint8
	// next free offset in the stub segment
	stuboff uint16

	done   bool
	status uint32
}

// Mksandbox maps the low-memory image into t's space and initializes the
// IVT, the BIOS data area, the stub segment, and the MCB chain.
func Mksandbox(s *task.Sched_t, a *aio.Aio_t, arb *arbiter.Arbiter_t, t *task.Task_t, run Runner_i) (*Sandbox_t, defs.Err_t) {
	if err := t.Space.Map(0, LOWTOP, mem.PERM_R|mem.PERM_W); err != 0 {
		return nil, err
	}
	if err := t.Space.Map(SCRATCH, mem.PGSIZE, mem.PERM_R|mem.PERM_W); err != 0 {
		return nil, err
	}
	ch, err := a.Opencons(t.Tid)
	if err != 0 {
		return nil, err
	}
	sb := &Sandbox_t{T: t, run: run, s: s, a: a, arb: arb,
		sft: []defs.Handle_t{ch}, stuboff: 4}

	// default interrupt handler: a lone IRET at stub offset 0
	sb.wr8(linear(STUBSEG, 0), 0xcf)
	for v := 0; v < 256; v++ {
		sb.wr16(mem.Va_t(v*4), 0)
		sb.wr16(mem.Va_t(v*4+2), STUBSEG)
	}
	// BDA: base memory size in K at 40:13
	sb.wr16(linear(0x40, 0x13), 640)

	// one free block spanning the whole arena
	sb.wr8(mcbva(FIRSTMCB), 'Z')
	sb.wr16(mcbva(FIRSTMCB)+1, 0)
	sb.wr16(mcbva(FIRSTMCB)+3, TOPSEG-FIRSTMCB)

	// drivers registered before the sandbox existed get their vectors
	// hooked now, signature bytes and all
	for _, hk := range arb.Hooks() {
		sb.Installhook(hk.Vector, hk.Stub)
	}
	return sb, 0
}

func mcbva(seg uint16) mem.Va_t {
	return linear(seg, 0)
}

// the program controls every address the accessors see. an access outside
// the mapped image terminates the program with a fault status; faulted
// reads yield zero.
func (sb *Sandbox_t) fault() {
	if !sb.done {
		sb.terminate(defs.Opret(0, -defs.EFAULT))
	}
}

func (sb *Sandbox_t) rd8(va mem.Va_t) uint8 {
	var b [1]uint8
	if err := sb.T.Space.Read(va, b[:]); err != 0 {
		sb.fault()
		return 0
	}
	return b[0]
}

func (sb *Sandbox_t) rd16(va mem.Va_t) uint16 {
	var b [2]uint8
	if err := sb.T.Space.Read(va, b[:]); err != 0 {
		sb.fault()
		return 0
	}
	return uint16(b[0]) | uint16(b[1])<<8
}

func (sb *Sandbox_t) wr8(va mem.Va_t, v uint8) {
	b := [1]uint8{v}
	if err := sb.T.Space.Write(va, b[:]); err != 0 {
		sb.fault()
	}
}

func (sb *Sandbox_t) wr16(va mem.Va_t, v uint16) {
	b := [2]uint8{uint8(v), uint8(v >> 8)}
	if err := sb.T.Space.Write(va, b[:]); err != 0 {
		sb.fault()
	}
}

// JFT geometry inside the PSP
const (
	pspJFT    = 0x18
	pspJFTLEN = 20
	pspENV    = 0x2c
	pspHCOUNT = 0x32
	pspHPTR   = 0x34
	pspTAIL   = 0x80
)

// Loadprog builds the PSP and lays the program image out .COM style:
// everything in one segment, entry at offset 0x100, stack at the top. a
// .COM program owns the largest free block, so its stack and its heap
// games stay inside its own allocation.
func (sb *Sandbox_t) Loadprog(image []uint8, tail string) defs.Err_t {
	_, maxfree, _ := sb.mcballoc(0xffff, 0)
	need := uint16((0x100+len(image))/16) + 1
	if maxfree < need {
		return -defs.ENOMEM
	}
	seg, _, err := sb.mcballoc(maxfree, 0)
	if err != 0 {
		return err
	}
	sb.psp = seg
	// the block owns itself, as DOS marks program blocks
	sb.wr16(mcbva(seg-1)+1, seg)
	sb.buildpsp(seg, tail)
	if err := sb.T.Space.Write(linear(seg, 0x100), image); err != 0 {
		return err
	}
	sb.Regs = Regs_t{
		CS: seg, DS: seg, ES: seg, SS: seg,
		IP: 0x100, SP: 0xfffe,
		FLAGS: FL_IF,
	}
	return 0
}

func (sb *Sandbox_t) buildpsp(seg uint16, tail string) {
	base := linear(seg, 0)
	// INT 20h at offset 0
	sb.wr8(base, 0xcd)
	sb.wr8(base+1, 0x20)
	// termination vector: copied from IVT[0x22] by real DOS; the default
	// stub works here
	sb.wr16(base+0x0a, 0)
	sb.wr16(base+0x0c, STUBSEG)
	// JFT: 0,1,2 are the console; the rest free
	for i := 0; i < pspJFTLEN; i++ {
		v := uint8(0xff)
		if i < 3 {
			v = 0
		}
		sb.wr8(base+pspJFT+mem.Va_t(i), v)
	}
	sb.wr16(base+pspHCOUNT, pspJFTLEN)
	sb.wr16(base+pspHPTR, pspJFT)
	sb.wr16(base+pspHPTR+2, seg)
	if len(tail) > 126 {
		tail = tail[:126]
	}
	sb.wr8(base+pspTAIL, uint8(len(tail)))
	for i := 0; i < len(tail); i++ {
		sb.wr8(base+pspTAIL+1+mem.Va_t(i), tail[i])
	}
	sb.wr8(base+pspTAIL+1+mem.Va_t(len(tail)), 0x0d)
}

func (sb *Sandbox_t) Psp() uint16 {
	return sb.psp
}

// Installhook points IVT[vector] at a fresh stub in the kernel stub
// segment: the trap sequence, then the driver's identification bytes, so a
// program that scans installed handlers for a signature (packet driver
// style) finds the driver's. stubs are laid out in installation order.
func (sb *Sandbox_t) Installhook(vector uint8, ident []uint8) {
	off := sb.stuboff
	stub := linear(STUBSEG, off)
	sb.wr8(stub, 0xf4) // hlt traps to the monitor
	sb.wr8(stub+1, vector)
	sb.wr8(stub+2, 0xcf)
	for i := 0; i < len(ident); i++ {
		sb.wr8(stub+3+mem.Va_t(i), ident[i])
	}
	sb.wr16(mem.Va_t(vector)*4, off)
	sb.wr16(mem.Va_t(vector)*4+2, STUBSEG)
	sb.hooks = append(sb.hooks, vector)
	// next stub starts at the following 4-byte boundary
	sb.stuboff = (off + 3 + uint16(len(ident)) + 3) &^ 3
}

// MCB chain. each control block is one paragraph: a type byte ('M' in the
// middle, 'Z' at the end), the owner PSP segment, and the block size in
// paragraphs. the block itself starts at the following paragraph.

func (sb *Sandbox_t) mcballoc(paras uint16, owner uint16) (uint16, uint16, defs.Err_t) {
	seg := uint16(FIRSTMCB)
	maxfree := uint16(0)
	for {
		typ := sb.rd8(mcbva(seg))
		own := sb.rd16(mcbva(seg) + 1)
		size := sb.rd16(mcbva(seg) + 3)
		if typ != 'M' && typ != 'Z' {
			return 0, 0, -defs.EIO
		}
		if own == 0 {
			if size >= paras {
				if size > paras {
					// split: a new free block follows the allocation
					nseg := seg + 1 + paras
					sb.wr8(mcbva(nseg), typ)
					sb.wr16(mcbva(nseg)+1, 0)
					sb.wr16(mcbva(nseg)+3, size-paras-1)
					sb.wr8(mcbva(seg), 'M')
				}
				sb.wr16(mcbva(seg)+1, owner)
				sb.wr16(mcbva(seg)+3, paras)
				return seg + 1, 0, 0
			}
			if size > maxfree {
				maxfree = size
			}
		}
		if typ == 'Z' {
			return 0, maxfree, -defs.ENOMEM
		}
		seg += size + 1
	}
}

func (sb *Sandbox_t) mcbfree(blockseg uint16) defs.Err_t {
	seg := blockseg - 1
	if sb.rd8(mcbva(seg)) != 'M' && sb.rd8(mcbva(seg)) != 'Z' {
		return -defs.EINVAL
	}
	sb.wr16(mcbva(seg)+1, 0)
	sb.coalesce()
	return 0
}

func (sb *Sandbox_t) coalesce() {
	seg := uint16(FIRSTMCB)
	for {
		typ := sb.rd8(mcbva(seg))
		own := sb.rd16(mcbva(seg) + 1)
		size := sb.rd16(mcbva(seg) + 3)
		if typ == 'Z' {
			return
		}
		nseg := seg + size + 1
		ntyp := sb.rd8(mcbva(nseg))
		nown := sb.rd16(mcbva(nseg) + 1)
		nsize := sb.rd16(mcbva(nseg) + 3)
		if own == 0 && nown == 0 {
			sb.wr8(mcbva(seg), ntyp)
			sb.wr16(mcbva(seg)+3, size+nsize+1)
			continue
		}
		seg = nseg
	}
}

func (sb *Sandbox_t) mcbresize(blockseg uint16, paras uint16) (uint16, defs.Err_t) {
	seg := blockseg - 1
	typ := sb.rd8(mcbva(seg))
	if typ != 'M' && typ != 'Z' {
		return 0, -defs.EINVAL
	}
	size := sb.rd16(mcbva(seg) + 3)
	if paras == size {
		return size, 0
	}
	if paras < size {
		// shrink: the remainder becomes a free block
		nseg := seg + 1 + paras
		sb.wr8(mcbva(nseg), typ)
		sb.wr16(mcbva(nseg)+1, 0)
		sb.wr16(mcbva(nseg)+3, size-paras-1)
		sb.wr8(mcbva(seg), 'M')
		sb.wr16(mcbva(seg)+3, paras)
		sb.coalesce()
		return paras, 0
	}
	// grow into an adjacent free block
	if typ == 'M' {
		nseg := seg + size + 1
		ntyp := sb.rd8(mcbva(nseg))
		nown := sb.rd16(mcbva(nseg) + 1)
		nsize := sb.rd16(mcbva(nseg) + 3)
		if nown == 0 && size+nsize+1 >= paras {
			sb.wr8(mcbva(seg), ntyp)
			sb.wr16(mcbva(seg)+3, size+nsize+1)
			got, err := sb.mcbresize(blockseg, paras)
			if err != 0 {
				return got, err
			}
			return paras, 0
		}
		if nown == 0 {
			return size + nsize + 1, -defs.ENOMEM
		}
	}
	return size, -defs.ENOMEM
}

// JFT helpers

func (sb *Sandbox_t) jftget(dh uint8) (defs.Handle_t, bool) {
	if int(dh) >= pspJFTLEN {
		return defs.NOHANDLE, false
	}
	idx := sb.rd8(linear(sb.psp, pspJFT) + mem.Va_t(dh))
	if idx == 0xff || int(idx) >= len(sb.sft) {
		return defs.NOHANDLE, false
	}
	return sb.sft[idx], true
}

// jftalloc binds a kernel handle to the lowest free DOS handle.
func (sb *Sandbox_t) jftalloc(h defs.Handle_t) (uint8, bool) {
	sb.sft = append(sb.sft, h)
	idx := uint8(len(sb.sft) - 1)
	for dh := 0; dh < pspJFTLEN; dh++ {
		va := linear(sb.psp, pspJFT) + mem.Va_t(dh)
		if sb.rd8(va) == 0xff {
			sb.wr8(va, idx)
			return uint8(dh), true
		}
	}
	sb.sft = sb.sft[:len(sb.sft)-1]
	return 0, false
}

func (sb *Sandbox_t) jftfree(dh uint8) {
	if int(dh) < pspJFTLEN {
		sb.wr8(linear(sb.psp, pspJFT)+mem.Va_t(dh), 0xff)
	}
}
