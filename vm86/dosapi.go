package vm86

import "github.com/andrewimm/idos-nx/aio"
import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/mem"

// DOS error codes returned in AX with the carry flag set
const (
	doserrFUNC   = 1
	doserrNOFILE = 2
	doserrACCESS = 5
	doserrHANDLE = 6
	doserrNOMEM  = 8
	doserrMCB    = 9
)

func doserr(err defs.Err_t) uint16 {
	switch err {
	case -defs.ENOENT, -defs.ENODRIVER:
		return doserrNOFILE
	case -defs.EBADF:
		return doserrHANDLE
	case -defs.ENOMEM:
		return doserrNOMEM
	default:
		return doserrACCESS
	}
}

// submit builds an op record in the scratch page, queues it on the handle,
// and waits passively for completion. DOS calls are synchronous, so every
// proxied file method is one op and one wait.
func (sb *Sandbox_t) submit(h defs.Handle_t, code uint32, a0, a1, a2 uint32) (uint32, defs.Err_t) {
	if err := aio.Mkop(sb.T.Space, SCRATCH, code, a0, a1, a2); err != 0 {
		return 0, err
	}
	if sb.a.Submit(sb.T, h, SCRATCH) == defs.SUBMIT_REJECT {
		return 0, -defs.EIO
	}
	rv, err := aio.Opwait(sb.s, sb.T, SCRATCH)
	if err != 0 {
		return 0, err
	}
	return defs.Opreterr(rv)
}

// rdasciiz reads a NUL-terminated string from sandbox memory.
func (sb *Sandbox_t) rdasciiz(va mem.Va_t) string {
	var out []uint8
	for len(out) < 128 {
		b := sb.rd8(va + mem.Va_t(len(out)))
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out)
}

// dos21 dispatches an INT 21h call on AH.
func (sb *Sandbox_t) dos21() {
	r := &sb.Regs
	r.Clearcf()
	switch r.Ah() {
	case defs.DOS_TERMINATE:
		sb.dosterminate()
	case defs.DOS_CHAROUT:
		buf := SCRATCH + 64
		sb.wr8(buf, uint8(r.DX))
		sb.submit(sb.sft[0], defs.OP_WRITE, uint32(buf), 1, 0)
		r.Setal(uint8(r.DX))
	case defs.DOS_PRINTSTR:
		start := linear(r.DS, r.DX)
		n := 0
		for n < 4096 && sb.rd8(start+mem.Va_t(n)) != '$' {
			n++
		}
		sb.submit(sb.sft[0], defs.OP_WRITE, uint32(start), uint32(n), 0)
		r.Setal('$')
	case defs.DOS_VERSION:
		r.AX = 0x0005
		r.BX = 0
		r.CX = 0
	case defs.DOS_MKFILE, defs.DOS_OPEN:
		sb.dosopen()
	case defs.DOS_CLOSE:
		sb.dosclose()
	case defs.DOS_READ:
		sb.dosxfer(defs.OP_READ)
	case defs.DOS_WRITE:
		sb.dosxfer(defs.OP_WRITE)
	case defs.DOS_IOCTL:
		sb.dosioctl()
	case defs.DOS_ALLOCMCB:
		seg, maxfree, err := sb.mcballoc(r.BX, sb.psp)
		if err != 0 {
			r.Setcf()
			r.AX = doserrNOMEM
			r.BX = maxfree
			return
		}
		r.AX = seg
	case defs.DOS_FREEMCB:
		if sb.mcbfree(r.ES) != 0 {
			r.Setcf()
			r.AX = doserrMCB
		}
	case defs.DOS_RESIZEMCB:
		got, err := sb.mcbresize(r.ES, r.BX)
		if err != 0 {
			r.Setcf()
			r.AX = doserrNOMEM
			r.BX = got
		}
	case defs.DOS_EXIT:
		sb.terminate(uint32(r.Al()))
	case defs.DOS_LEADBYTE:
		// empty lead-byte table: two zero bytes parked in the stub segment
		sb.wr16(linear(STUBSEG, 0x80), 0)
		r.DS = STUBSEG
		r.SI = 0x80
		r.Setal(0)
	default:
		r.Setcf()
		r.AX = doserrFUNC
	}
}

// dosterminate is the legacy AH=00 exit: control unwinds through the PSP
// termination vector. a program launched directly terminates the task; a
// vector pointing back into the sandbox resumes the parent program there.
func (sb *Sandbox_t) dosterminate() {
	r := &sb.Regs
	toff := sb.rd16(linear(sb.psp, 0x0a))
	tseg := sb.rd16(linear(sb.psp, 0x0c))
	if tseg == STUBSEG {
		sb.terminate(0)
		return
	}
	r.IP = toff
	r.CS = tseg
}

func (sb *Sandbox_t) dosopen() {
	r := &sb.Regs
	path := sb.rdasciiz(linear(r.DS, r.DX))
	h, err := sb.arb.Open(sb.T.Tid, path)
	if err != 0 {
		r.Setcf()
		r.AX = doserr(err)
		return
	}
	mode := uint32(r.Al())
	if r.Ah() == defs.DOS_MKFILE {
		mode = uint32(r.CX) | 0x10000
	}
	if _, err := sb.submit(h, defs.OP_OPEN, uint32(linear(r.DS, r.DX)), uint32(len(path)), mode); err != 0 {
		sb.a.Close(sb.T.Tid, h)
		r.Setcf()
		r.AX = doserr(err)
		return
	}
	dh, ok := sb.jftalloc(h)
	if !ok {
		sb.a.Close(sb.T.Tid, h)
		r.Setcf()
		r.AX = 4 // too many open files
		return
	}
	r.AX = uint16(dh)
}

func (sb *Sandbox_t) dosclose() {
	r := &sb.Regs
	if r.BX < 3 {
		return
	}
	h, ok := sb.jftget(uint8(r.BX))
	if !ok {
		r.Setcf()
		r.AX = doserrHANDLE
		return
	}
	sb.submit(h, defs.OP_CLOSE, 0, 0, 0)
	sb.jftfree(uint8(r.BX))
}

// dosxfer proxies AH=3F/40 through the async layer: the sandbox buffer at
// DS:DX is already task memory, so the op references it in place and the
// arbiter grants exactly that window to the driver.
func (sb *Sandbox_t) dosxfer(code uint32) {
	r := &sb.Regs
	h, ok := sb.jftget(uint8(r.BX))
	if !ok {
		r.Setcf()
		r.AX = doserrHANDLE
		return
	}
	n, err := sb.submit(h, code, uint32(linear(r.DS, r.DX)), uint32(r.CX), 0)
	if err != 0 {
		r.Setcf()
		r.AX = doserr(err)
		return
	}
	r.AX = uint16(n)
}

func (sb *Sandbox_t) dosioctl() {
	r := &sb.Regs
	if r.Al() != 0 {
		r.Setcf()
		r.AX = doserrFUNC
		return
	}
	h, ok := sb.jftget(uint8(r.BX))
	if !ok {
		r.Setcf()
		r.AX = doserrHANDLE
		return
	}
	info, err := sb.submit(h, defs.OP_IOCTL, 0, 0, 0)
	if err != 0 {
		r.Setcf()
		r.AX = doserr(err)
		return
	}
	r.DX = uint16(info)
	r.AX = r.DX
}
