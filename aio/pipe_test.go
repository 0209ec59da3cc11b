package aio

import "testing"

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/mem"
import "github.com/andrewimm/idos-nx/task"

func mkaiotest() (*task.Sched_t, *Aio_t) {
	s := task.Mksched(mem.Mkphysmem())
	return s, Mkaio(s)
}

// mapscratch maps a page for op records and buffers.
func mapscratch(t *task.Task_t) mem.Va_t {
	base, err := t.Space.Mapany(mem.PGSIZE, mem.PERM_R|mem.PERM_W)
	if err != 0 {
		panic("mapany failed")
	}
	return base
}

// submitwait builds, submits, and waits out one op.
func submitwait(s *task.Sched_t, a *Aio_t, t *task.Task_t, opva mem.Va_t, h defs.Handle_t, code, a0, a1, a2 uint32) (uint32, defs.Err_t) {
	if err := Mkop(t.Space, opva, code, a0, a1, a2); err != 0 {
		panic("mkop failed")
	}
	if a.Submit(t, h, opva) == defs.SUBMIT_REJECT {
		panic("submit rejected")
	}
	rv, err := Opwait(s, t, opva)
	if err != 0 {
		return 0, err
	}
	return defs.Opreterr(rv)
}

// a pipe carries ten bytes from a write op to a read op, in order
func TestPipeRoundtrip(t *testing.T) {
	s, a := mkaiotest()
	res := make(chan string, 1)
	s.CreateTask(0, "pipe", func(tk *task.Task_t) {
		h0, h1, err := a.Mkpipe(tk.Tid)
		if err != 0 {
			panic("mkpipe failed")
		}
		base := mapscratch(tk)
		wbuf := base + 0x100
		rbuf := base + 0x200
		tk.Space.Write(wbuf, []uint8("0123456789"))

		n, err := submitwait(s, a, tk, base, h0, defs.OP_WRITE, uint32(wbuf), 10, 0)
		if err != 0 || n != 10 {
			panic("write op failed")
		}
		n, err = submitwait(s, a, tk, base+OPSZ, h1, defs.OP_READ, uint32(rbuf), 10, 0)
		if err != 0 || n != 10 {
			panic("read op failed")
		}
		got := make([]uint8, 10)
		tk.Space.Read(rbuf, got)
		res <- string(got)
	}, [3]uint32{})
	if got := <-res; got != "0123456789" {
		t.Fatalf("got %q through pipe", got)
	}
}

// ops on one handle complete strictly in submission order
func TestPipeFifoOrder(t *testing.T) {
	s, a := mkaiotest()
	type result struct {
		first, second string
	}
	res := make(chan result, 1)
	s.CreateTask(0, "fifo", func(tk *task.Task_t) {
		h0, h1, _ := a.Mkpipe(tk.Tid)
		base := mapscratch(tk)
		rop1, rop2 := base, base+OPSZ
		rbuf1, rbuf2 := base+0x100, base+0x180
		// two reads queued against an empty pipe
		Mkop(tk.Space, rop1, defs.OP_READ, uint32(rbuf1), 16, 0)
		Mkop(tk.Space, rop2, defs.OP_READ, uint32(rbuf2), 16, 0)
		a.Submit(tk, h1, rop1)
		a.Submit(tk, h1, rop2)

		wbuf := base + 0x200
		tk.Space.Write(wbuf, []uint8("aaaa"))
		submitwait(s, a, tk, base+2*OPSZ, h0, defs.OP_WRITE, uint32(wbuf), 4, 0)
		tk.Space.Write(wbuf, []uint8("bbbbbb"))
		submitwait(s, a, tk, base+3*OPSZ, h0, defs.OP_WRITE, uint32(wbuf), 6, 0)

		n1, err := Opwait(s, tk, rop1)
		if err != 0 {
			panic("wait rop1")
		}
		n2, err := Opwait(s, tk, rop2)
		if err != 0 {
			panic("wait rop2")
		}
		b1 := make([]uint8, n1&0x7fffffff)
		b2 := make([]uint8, n2&0x7fffffff)
		tk.Space.Read(rbuf1, b1)
		tk.Space.Read(rbuf2, b2)
		res <- result{string(b1), string(b2)}
	}, [3]uint32{})
	r := <-res
	if r.first != "aaaa" || r.second != "bbbbbb" {
		t.Fatalf("reads out of order: %q then %q", r.first, r.second)
	}
}

// a completion signal fires exactly once and the return value never changes
func TestSignalExactlyOnce(t *testing.T) {
	s, a := mkaiotest()
	res := make(chan [2]uint32, 1)
	s.CreateTask(0, "once", func(tk *task.Task_t) {
		h0, _, _ := a.Mkpipe(tk.Tid)
		base := mapscratch(tk)
		wbuf := base + 0x100
		tk.Space.Write(wbuf, []uint8("x"))
		submitwait(s, a, tk, base, h0, defs.OP_WRITE, uint32(wbuf), 1, 0)

		sigpa, _ := tk.Space.Translate(base + OPOFF_SIG)
		retpa, _ := tk.Space.Translate(base + OPOFF_RET)
		sig1, _ := s.Physmem().Loadw(sigpa)
		ret1, _ := s.Physmem().Loadw(retpa)
		// more traffic on the same pipe must not touch the old op
		for i := 0; i < 4; i++ {
			submitwait(s, a, tk, base+OPSZ, h0, defs.OP_WRITE, uint32(wbuf), 1, 0)
		}
		sig2, _ := s.Physmem().Loadw(sigpa)
		ret2, _ := s.Physmem().Loadw(retpa)
		if sig1 != sig2 || ret1 != ret2 {
			panic("completed op rewritten")
		}
		res <- [2]uint32{sig1, ret1}
	}, [3]uint32{})
	r := <-res
	if r[0] != 1 {
		t.Fatalf("signal word %d, want 1", r[0])
	}
	if r[1] != 1 {
		t.Fatalf("return value %d, want 1", r[1])
	}
}

// closing the last handle on an end drains to end-of-stream for readers and
// EPIPE for writers
func TestPipeClose(t *testing.T) {
	s, a := mkaiotest()
	res := make(chan [3]defs.Err_t, 1)
	ns := make(chan [2]uint32, 1)
	s.CreateTask(0, "close", func(tk *task.Task_t) {
		h0, h1, _ := a.Mkpipe(tk.Tid)
		base := mapscratch(tk)
		wbuf := base + 0x100
		tk.Space.Write(wbuf, []uint8("end"))
		submitwait(s, a, tk, base, h0, defs.OP_WRITE, uint32(wbuf), 3, 0)
		a.Close(tk.Tid, h0)

		// buffered bytes still drain
		rbuf := base + 0x200
		n1, err1 := submitwait(s, a, tk, base+OPSZ, h1, defs.OP_READ, uint32(rbuf), 8, 0)
		// then end of stream
		n2, err2 := submitwait(s, a, tk, base+2*OPSZ, h1, defs.OP_READ, uint32(rbuf), 8, 0)
		// and writes towards the closed end fail
		_, err3 := submitwait(s, a, tk, base+3*OPSZ, h1, defs.OP_WRITE, uint32(wbuf), 1, 0)
		ns <- [2]uint32{n1, n2}
		res <- [3]defs.Err_t{err1, err2, err3}
	}, [3]uint32{})
	errs := <-res
	n := <-ns
	if errs[0] != 0 || n[0] != 3 {
		t.Fatalf("drain read: n %d err %v", n[0], errs[0])
	}
	if errs[1] != 0 || n[1] != 0 {
		t.Fatalf("eof read: n %d err %v", n[1], errs[1])
	}
	if errs[2] != -defs.EPIPE {
		t.Fatalf("write to closed end: got %v, want EPIPE", errs[2])
	}
}

// closing a handle cancels its queued ops
func TestCloseCancelsPending(t *testing.T) {
	s, a := mkaiotest()
	res := make(chan defs.Err_t, 1)
	s.CreateTask(0, "cancel", func(tk *task.Task_t) {
		_, h1, _ := a.Mkpipe(tk.Tid)
		base := mapscratch(tk)
		Mkop(tk.Space, base, defs.OP_READ, uint32(base+0x100), 8, 0)
		a.Submit(tk, h1, base)
		a.Close(tk.Tid, h1)
		rv, err := Opwait(s, tk, base)
		if err != 0 {
			panic("opwait failed")
		}
		_, operr := defs.Opreterr(rv)
		res <- operr
	}, [3]uint32{})
	if err := <-res; err != -defs.ECANCELED {
		t.Fatalf("cancelled op: got %v, want ECANCELED", err)
	}
}
