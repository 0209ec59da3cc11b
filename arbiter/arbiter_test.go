package arbiter

import "testing"

import "github.com/andrewimm/idos-nx/aio"
import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/ipc"
import "github.com/andrewimm/idos-nx/mem"
import "github.com/andrewimm/idos-nx/task"

func mkarbtest(t *testing.T) (*task.Sched_t, *aio.Aio_t, *Arbiter_t) {
	s := task.Mksched(mem.Mkphysmem())
	a := aio.Mkaio(s)
	arb, err := Mkarbiter(s, a)
	if err != 0 {
		t.Fatalf("mkarbiter: %v", err)
	}
	return s, a, arb
}

func drvreply(s *task.Sched_t, tk *task.Task_t, arb *Arbiter_t, reqid, result uint32) {
	msg := ipc.Msg_t{Mtype: defs.DRV_REPLY, Reqid: reqid, Args: [6]uint32{result}}
	if err := s.Sendmsg(tk.Tid, arb.Tid(), msg, 0); err != 0 {
		panic("reply failed")
	}
}

func opxchg(s *task.Sched_t, a *aio.Aio_t, tk *task.Task_t, opva mem.Va_t, h defs.Handle_t, code, a0, a1, a2 uint32) (uint32, defs.Err_t) {
	if err := aio.Mkop(tk.Space, opva, code, a0, a1, a2); err != 0 {
		panic("mkop failed")
	}
	if a.Submit(tk, h, opva) == defs.SUBMIT_REJECT {
		panic("submit rejected")
	}
	rv, err := aio.Opwait(s, tk, opva)
	if err != 0 {
		return 0, err
	}
	return defs.Opreterr(rv)
}

// a client op travels to the driver and back: open binds an instance, a read
// fills the client's buffer through the granted window, and the window dies
// with the op
func TestDriverRoundtrip(t *testing.T) {
	s, a, arb := mkarbtest(t)
	regd := make(chan bool, 1)
	gone := make(chan bool)
	winres := make(chan defs.Err_t, 1)
	res := make(chan string, 1)

	s.CreateTask(0, "nicdrv", func(tk *task.Task_t) {
		if _, err := arb.Register(tk.Tid, "nic", 0, nil); err != 0 {
			panic("register failed")
		}
		regd <- true
		var window mem.Va_t
		for {
			pkt, err := s.Recvmsg(tk, 0)
			if err != 0 {
				return
			}
			switch pkt.Msg.Mtype {
			case defs.DRV_OPEN:
				drvreply(s, tk, arb, pkt.Msg.Reqid, 7)
			case defs.DRV_READ:
				window = mem.Va_t(pkt.Msg.Args[1])
				n := pkt.Msg.Args[2]
				if pkt.Msg.Args[0] != 7 {
					panic("wrong instance")
				}
				if err := tk.Space.Write(window, []uint8("0123456789")[:n]); err != 0 {
					panic("write into granted window failed")
				}
				drvreply(s, tk, arb, pkt.Msg.Reqid, defs.Opret(n, 0))
			case defs.DRV_CLOSE:
				// the client is gone; the read's window must be too
				<-gone
				winres <- tk.Space.Write(window, []uint8("x"))
				return
			}
		}
	}, [3]uint32{})

	s.CreateTask(0, "client", func(tk *task.Task_t) {
		<-regd
		if _, err := arb.Open(tk.Tid, "nope"); err != -defs.ENODRIVER {
			panic("open without driver succeeded")
		}
		h, err := arb.Open(tk.Tid, "nic")
		if err != 0 {
			panic("open failed")
		}
		base, err := tk.Space.Mapany(mem.PGSIZE, mem.PERM_R|mem.PERM_W)
		if err != 0 {
			panic("mapany failed")
		}
		n, operr := opxchg(s, a, tk, base, h, defs.OP_OPEN, 0, 0, 0)
		if operr != 0 || n != 1 {
			panic("open op failed")
		}
		rbuf := base + 0x100
		n, operr = opxchg(s, a, tk, base+aio.OPSZ, h, defs.OP_READ, uint32(rbuf), 10, 0)
		if operr != 0 || n != 10 {
			panic("read op failed")
		}
		got := make([]uint8, 10)
		tk.Space.Read(rbuf, got)
		res <- string(got)
	}, [3]uint32{})

	if got := <-res; got != "0123456789" {
		t.Fatalf("got %q through driver", got)
	}
	gone <- true
	if err := <-winres; err != -defs.EPERM {
		t.Fatalf("granted window survived the op: %v", err)
	}
}

// one class, one owner; one vector, one owner
func TestRegisterConflict(t *testing.T) {
	s, _, arb := mkarbtest(t)
	res := make(chan bool, 1)
	first, _ := s.CreateTask(0, "first", func(tk *task.Task_t) {
		if _, err := arb.Register(tk.Tid, "com1", 0x14, nil); err != 0 {
			panic("register failed")
		}
		res <- true
		s.Recvmsg(tk, 0)
	}, [3]uint32{})
	<-res
	s.CreateTask(0, "second", func(tk *task.Task_t) {
		if _, err := arb.Register(tk.Tid, "com1", 0, nil); err != -defs.EEXIST {
			panic("class claimed twice")
		}
		if _, err := arb.Register(tk.Tid, "com2", 0x14, nil); err != -defs.EEXIST {
			panic("vector claimed twice")
		}
		if _, err := arb.Register(tk.Tid, "com2", 0x15, nil); err != 0 {
			panic("free class and vector rejected")
		}
		res <- true
	}, [3]uint32{})
	<-res
	if tid, ok := arb.Vectordriver(0x14); !ok || tid != first {
		t.Fatalf("vector 0x14 resolves to %d, want %d", tid, first)
	}
	if _, ok := arb.Vectordriver(0x16); ok {
		t.Fatalf("unhooked vector resolved")
	}
}

// a dying driver fails its own in-flight ops and only those; the class can
// then be claimed again
func TestDriverCrash(t *testing.T) {
	s, a, arb := mkarbtest(t)
	flakyup := make(chan bool, 1)
	solidup := make(chan bool, 1)
	gotflaky := make(chan bool, 2)
	gotsolid := make(chan uint32, 1)
	res := make(chan [3]defs.Err_t, 1)

	flaky, _ := s.CreateTask(0, "flaky", func(tk *task.Task_t) {
		if _, err := arb.Register(tk.Tid, "tape", 0, nil); err != 0 {
			panic("register failed")
		}
		flakyup <- true
		for i := 0; i < 2; i++ {
			if _, err := s.Recvmsg(tk, 0); err != 0 {
				return
			}
			gotflaky <- true
		}
		s.Recvmsg(tk, 0)
		// falls off the end; exit sweeps its pending ops
	}, [3]uint32{})

	solid, _ := s.CreateTask(0, "solid", func(tk *task.Task_t) {
		if _, err := arb.Register(tk.Tid, "disk", 0, nil); err != 0 {
			panic("register failed")
		}
		solidup <- true
		pkt, err := s.Recvmsg(tk, 0)
		if err != 0 {
			return
		}
		gotsolid <- pkt.Msg.Reqid
		s.Recvmsg(tk, 0)
		drvreply(s, tk, arb, pkt.Msg.Reqid, 3)
		s.Recvmsg(tk, 0)
	}, [3]uint32{})

	s.CreateTask(0, "client", func(tk *task.Task_t) {
		<-flakyup
		<-solidup
		h1, _ := arb.Open(tk.Tid, "tape")
		h2, _ := arb.Open(tk.Tid, "tape")
		h3, _ := arb.Open(tk.Tid, "disk")
		base, err := tk.Space.Mapany(mem.PGSIZE, mem.PERM_R|mem.PERM_W)
		if err != 0 {
			panic("mapany failed")
		}
		op1, op2, op3 := base, base+aio.OPSZ, base+2*aio.OPSZ
		for _, v := range []struct {
			va mem.Va_t
			h  defs.Handle_t
		}{{op1, h1}, {op2, h2}, {op3, h3}} {
			aio.Mkop(tk.Space, v.va, defs.OP_OPEN, 0, 0, 0)
			if a.Submit(tk, v.h, v.va) == defs.SUBMIT_REJECT {
				panic("submit rejected")
			}
		}
		_, e1 := waitop(s, tk, op1)
		_, e2 := waitop(s, tk, op2)
		_, e3 := waitop(s, tk, op3)
		res <- [3]defs.Err_t{e1, e2, e3}
	}, [3]uint32{})

	// the flaky driver holds two ops, the solid one holds one
	<-gotflaky
	<-gotflaky
	<-gotsolid
	s.Sendmsg(0, flaky, ipc.Msg_t{}, 0)
	if fdead, _ := s.Get(flaky); fdead != nil {
		<-fdead.Deadch()
	}
	// the crash must not have touched the solid driver's op
	s.Sendmsg(0, solid, ipc.Msg_t{}, 0)

	errs := <-res
	if errs[0] != -defs.ENODRIVER || errs[1] != -defs.ENODRIVER {
		t.Fatalf("crashed driver's ops: %v %v, want ENODRIVER", errs[0], errs[1])
	}
	if errs[2] != 0 {
		t.Fatalf("surviving driver's op failed: %v", errs[2])
	}

	// the dead registration no longer owns the class
	ft, _ := s.Get(flaky)
	if ft != nil {
		<-ft.Deadch()
	}
	redo := make(chan defs.Err_t, 1)
	s.CreateTask(0, "tape2", func(tk *task.Task_t) {
		_, err := arb.Register(tk.Tid, "tape", 0, nil)
		redo <- err
		s.Recvmsg(tk, 0)
	}, [3]uint32{})
	if err := <-redo; err != 0 {
		t.Fatalf("reclaiming a dead driver's class: %v", err)
	}
}

// a driver that waits for requests through a wake set over its own message
// queue wakes when the arbiter forwards an op
func TestDriverOverWakeset(t *testing.T) {
	s, a, arb := mkarbtest(t)
	regd := make(chan bool, 1)
	seen := make(chan string, 1)
	res := make(chan bool, 1)

	s.CreateTask(0, "kbddrv", func(tk *task.Task_t) {
		if _, err := arb.Register(tk.Tid, "kbd", 0, nil); err != 0 {
			panic("register failed")
		}
		mh, err := a.Openmsgq(tk.Tid, tk.Tid)
		if err != 0 {
			panic("openmsgq failed")
		}
		ws, err := a.Mkwset(tk.Tid)
		if err != 0 {
			panic("mkwset failed")
		}
		if err := a.Wsadd(tk.Tid, ws, mh); err != 0 {
			panic("wsadd failed")
		}
		base, err := tk.Space.Mapany(mem.PGSIZE, mem.PERM_R|mem.PERM_W)
		if err != 0 {
			panic("mapany failed")
		}
		regd <- true
		rbuf := base + 0x200
		for i := 0; i < 2; i++ {
			if err := aio.Mkop(tk.Space, base, defs.OP_READ, uint32(rbuf), aio.PACKETSZ, 0); err != 0 {
				panic("mkop failed")
			}
			if a.Submit(tk, mh, base) == defs.SUBMIT_REJECT {
				panic("submit rejected")
			}
			h, err := a.Blockon(tk, ws, 0)
			if err != 0 || h != mh {
				panic("blockon failed")
			}
			if _, operr := waitop(s, tk, base); operr != 0 {
				panic("msgq read failed")
			}
			var rec [aio.PACKETSZ]uint8
			tk.Space.Read(rbuf, rec[:])
			getw := func(off int) uint32 {
				return uint32(rec[off]) | uint32(rec[off+1])<<8 |
					uint32(rec[off+2])<<16 | uint32(rec[off+3])<<24
			}
			reqid := getw(8)
			switch getw(4) {
			case defs.DRV_OPEN:
				drvreply(s, tk, arb, reqid, 5)
			case defs.DRV_WRITE:
				window := mem.Va_t(getw(16))
				n := getw(20)
				got := make([]uint8, n)
				if err := tk.Space.Read(window, got); err != 0 {
					panic("grant read failed")
				}
				seen <- string(got)
				drvreply(s, tk, arb, reqid, defs.Opret(n, 0))
			default:
				panic("unexpected request")
			}
		}
		s.Recvmsg(tk, 0)
	}, [3]uint32{})

	s.CreateTask(0, "client", func(tk *task.Task_t) {
		<-regd
		h, err := arb.Open(tk.Tid, "kbd")
		if err != 0 {
			panic("open failed")
		}
		base, err := tk.Space.Mapany(mem.PGSIZE, mem.PERM_R|mem.PERM_W)
		if err != 0 {
			panic("mapany failed")
		}
		n, operr := opxchg(s, a, tk, base, h, defs.OP_OPEN, 0, 0, 0)
		if operr != 0 || n != 1 {
			panic("open op failed")
		}
		wbuf := base + 0x100
		tk.Space.Write(wbuf, []uint8("scancode"))
		n, operr = opxchg(s, a, tk, base+aio.OPSZ, h, defs.OP_WRITE, uint32(wbuf), 8, 0)
		if operr != 0 || n != 8 {
			panic("write op failed")
		}
		res <- true
	}, [3]uint32{})

	<-res
	if got := <-seen; got != "scancode" {
		t.Fatalf("driver read %q through the window", got)
	}
}

func waitop(s *task.Sched_t, tk *task.Task_t, opva mem.Va_t) (uint32, defs.Err_t) {
	rv, err := aio.Opwait(s, tk, opva)
	if err != 0 {
		return 0, err
	}
	return defs.Opreterr(rv)
}
