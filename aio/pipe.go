package aio

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/limits"
import "github.com/andrewimm/idos-nx/mem"

const PIPESZ = 4096

// Pipe_t is one circular buffer shared by the two handles a pipe creation
// returns. either end may read or write; "the peer" is the other end. reads
// on an empty pipe and writes on a full pipe stay queued; a read against an
// empty pipe whose peer end is fully closed completes with 0 (end of
// stream), and a write against a closed peer fails with EPIPE.
type Pipe_t struct {
	buf  [PIPESZ]uint8
	head int // next byte to write
	tail int // next byte to read
	// live handles per end; a dup raises the count for its end
	ends [2][]*Io_t
}

func (p *Pipe_t) used() int {
	return p.head - p.tail
}

func (p *Pipe_t) left() int {
	return PIPESZ - p.used()
}

func (p *Pipe_t) write(src []uint8) int {
	c := 0
	for len(src) > 0 && p.left() > 0 {
		off := p.head % PIPESZ
		n := PIPESZ - off
		if n > p.left() {
			n = p.left()
		}
		if n > len(src) {
			n = len(src)
		}
		copy(p.buf[off:off+n], src)
		p.head += n
		src = src[n:]
		c += n
	}
	return c
}

func (p *Pipe_t) read(dst []uint8) int {
	c := 0
	for len(dst) > 0 && p.used() > 0 {
		off := p.tail % PIPESZ
		n := PIPESZ - off
		if n > p.used() {
			n = p.used()
		}
		if n > len(dst) {
			n = len(dst)
		}
		copy(dst, p.buf[off:off+n])
		p.tail += n
		dst = dst[n:]
		c += n
	}
	return c
}

func (p *Pipe_t) addend(side int, io *Io_t) {
	p.ends[side] = append(p.ends[side], io)
}

// closeend drops io from its end and returns the handles whose queued ops
// may now complete (a drained peer sees end-of-stream, a blocked writer
// sees EPIPE). caller holds the aio lock.
func (p *Pipe_t) closeend(side int, io *Io_t) []*Io_t {
	p.ends[side] = rmio(p.ends[side], io)
	if len(p.ends[side]) != 0 {
		return nil
	}
	return append([]*Io_t{}, p.ends[1-side]...)
}

// Mkpipe creates a pipe and returns both end handles, owned by tid. the
// system-wide pipe count is given back when the last handle on the last
// live end closes.
func (a *Aio_t) Mkpipe(tid defs.Tid_t) (defs.Handle_t, defs.Handle_t, defs.Err_t) {
	if !limits.Syslimit.Pipes.Take() {
		return defs.NOHANDLE, defs.NOHANDLE, -defs.ENOMEM
	}
	a.Lock()
	defer a.Unlock()
	p := &Pipe_t{}
	io0 := &Io_t{tag: BPIPE, pipe: p, side: 0}
	io1 := &Io_t{tag: BPIPE, pipe: p, side: 1}
	h0, err := a.insert(tid, io0)
	if err != 0 {
		limits.Syslimit.Pipes.Give()
		return defs.NOHANDLE, defs.NOHANDLE, err
	}
	h1, err := a.insert(tid, io1)
	if err != 0 {
		delete(a.tables[tid].ents, h0)
		limits.Syslimit.Pipes.Give()
		return defs.NOHANDLE, defs.NOHANDLE, err
	}
	p.addend(0, io0)
	p.addend(1, io1)
	return h0, h1, 0
}

// trypipe attempts a pipe op at queue head. partial transfers complete: an
// op finishes as soon as at least one byte moved. the third result names
// the peer handles a successful transfer may have unblocked.
func (a *Aio_t) trypipe(io *Io_t, op *Op_t) (bool, uint32, []*Io_t) {
	p := io.pipe
	bufva := mem.Va_t(op.Args[0])
	n := int(op.Args[1])
	switch op.Code {
	case defs.OP_READ:
		if p.used() == 0 {
			if len(p.ends[1-io.side]) == 0 {
				return true, defs.Opret(0, 0), nil
			}
			return false, 0, nil
		}
		if n > p.used() {
			n = p.used()
		}
		dst := make([]uint8, n)
		c := p.read(dst)
		if err := a.uwrite(op, bufva, dst[:c]); err != 0 {
			// the bytes are gone either way; the op reports the fault
			return true, defs.Opret(0, err), a.peers(io)
		}
		return true, defs.Opret(uint32(c), 0), a.peers(io)
	case defs.OP_WRITE:
		if len(p.ends[1-io.side]) == 0 {
			return true, defs.Opret(0, -defs.EPIPE), nil
		}
		if p.left() == 0 {
			return false, 0, nil
		}
		if n > p.left() {
			n = p.left()
		}
		src, err := a.uread(op, bufva, n)
		if err != 0 {
			return true, defs.Opret(0, err), nil
		}
		c := p.write(src)
		return true, defs.Opret(uint32(c), 0), a.peers(io)
	case defs.OP_STAT:
		return true, defs.Opret(uint32(p.used()), 0), nil
	default:
		return true, defs.Opret(0, -defs.EINVAL), nil
	}
}

// peers lists every other handle on io's pipe. caller holds the aio lock.
func (a *Aio_t) peers(io *Io_t) []*Io_t {
	p := io.pipe
	out := make([]*Io_t, 0, len(p.ends[0])+len(p.ends[1]))
	for side := 0; side < 2; side++ {
		for _, e := range p.ends[side] {
			if e != io {
				out = append(out, e)
			}
		}
	}
	return out
}
