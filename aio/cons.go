package aio

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/mem"

// device-info word reported by OP_IOCTL: character device, console
// input/output.
const CONS_DEVINFO = 0x80d3

// Cons_t is the kernel console: writes land in the output buffer, reads
// drain the input buffer fed by Input. one console is shared by every
// console handle.
type Cons_t struct {
	out []uint8
	in  []uint8
}

func mkcons() *Cons_t {
	return &Cons_t{}
}

// Consout drains and returns everything written to the console so far.
func (a *Aio_t) Consout() []uint8 {
	a.Lock()
	defer a.Unlock()
	o := a.cons.out
	a.cons.out = nil
	return o
}

// Input feeds bytes to the console and re-attempts queued reads.
func (a *Aio_t) Input(b []uint8) {
	a.Lock()
	defer a.Unlock()
	a.cons.in = append(a.cons.in, b...)
	for _, io := range a.consios {
		a.kick(io)
	}
}

// trycons: writes never block; reads wait for input.
func (a *Aio_t) trycons(io *Io_t, op *Op_t) (bool, uint32) {
	c := io.cons
	bufva := mem.Va_t(op.Args[0])
	n := int(op.Args[1])
	switch op.Code {
	case defs.OP_WRITE:
		src, err := a.uread(op, bufva, n)
		if err != 0 {
			return true, defs.Opret(0, err)
		}
		c.out = append(c.out, src...)
		return true, defs.Opret(uint32(n), 0)
	case defs.OP_READ:
		if len(c.in) == 0 {
			return false, 0
		}
		if n > len(c.in) {
			n = len(c.in)
		}
		if err := a.uwrite(op, bufva, c.in[:n]); err != 0 {
			return true, defs.Opret(0, err)
		}
		c.in = c.in[n:]
		return true, defs.Opret(uint32(n), 0)
	case defs.OP_IOCTL:
		return true, defs.Opret(CONS_DEVINFO, 0)
	case defs.OP_STAT:
		return true, defs.Opret(uint32(len(c.in)), 0)
	default:
		return true, defs.Opret(0, -defs.EINVAL)
	}
}
