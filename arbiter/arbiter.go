package arbiter

import "sync"

import "github.com/andrewimm/idos-nx/aio"
import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/ipc"
import "github.com/andrewimm/idos-nx/mem"
import "github.com/andrewimm/idos-nx/task"

// Reg_t is one driver registration: a driver task claiming a device class
// and optionally a DOS interrupt vector. a registration dies with its task
// and the class may then be claimed again.
type Reg_t struct {
	Id     uint32
	Class  string
	Vector uint8
	// identification bytes copied into each sandbox's hook stub so legacy
	// programs can recognize the handler by scanning the IVT
	Stub   []uint8
	Tid    defs.Tid_t
	active bool
}

// pending_t is one op in flight at a driver.
type pending_t struct {
	op   *aio.Op_t
	reg  *Reg_t
	conn *aio.Drvconn_t
	// buffer window granted to the driver for this op, revoked on reply
	grant   *mem.Grant_t
	ownersp *mem.Space_t
}

// Arbiter_t routes async ops on driver-backed handles to driver tasks over
// messages, granting the driver a window over the op's buffer for exactly
// the op's lifetime. drivers never see a client's address space beyond the
// granted window.
type Arbiter_t struct {
	sync.Mutex
	s   *task.Sched_t
	a   *aio.Aio_t
	tid defs.Tid_t

	regs     map[uint32]*Reg_t
	byclass  map[string]*Reg_t
	byvector map[uint8]*Reg_t
	nextreg  uint32
	nextreq  uint32
	pending  map[uint32]*pending_t
}

// Mkarbiter builds the arbiter and starts its daemon task.
func Mkarbiter(s *task.Sched_t, a *aio.Aio_t) (*Arbiter_t, defs.Err_t) {
	arb := &Arbiter_t{
		s:        s,
		a:        a,
		regs:     make(map[uint32]*Reg_t),
		byclass:  make(map[string]*Reg_t),
		byvector: make(map[uint8]*Reg_t),
		pending:  make(map[uint32]*pending_t),
	}
	tid, err := s.CreateTask(1, "arbiter", arb.run, [3]uint32{})
	if err != 0 {
		return nil, err
	}
	arb.tid = tid
	s.Onexit(arb.taskexit)
	return arb, 0
}

func (arb *Arbiter_t) Tid() defs.Tid_t {
	return arb.tid
}

// run is the daemon loop: every message the arbiter receives is a driver
// reply completing a forwarded op.
func (arb *Arbiter_t) run(t *task.Task_t) {
	for {
		pkt, err := arb.s.Recvmsg(t, 0)
		if err != 0 {
			return
		}
		if pkt.Msg.Mtype != defs.DRV_REPLY {
			continue
		}
		arb.reply(pkt.From, pkt.Msg.Reqid, pkt.Msg.Args[0])
	}
}

// Register claims a device class for the calling task, with an optional
// hooked DOS vector and stub identification bytes. EEXIST when a live
// registration already holds the class or vector.
func (arb *Arbiter_t) Register(tid defs.Tid_t, class string, vector uint8, stub []uint8) (uint32, defs.Err_t) {
	t, ok := arb.s.Get(tid)
	if !ok {
		return 0, -defs.ENOENT
	}
	arb.Lock()
	defer arb.Unlock()
	if r, ok := arb.byclass[class]; ok && r.active {
		return 0, -defs.EEXIST
	}
	if vector != 0 {
		if r, ok := arb.byvector[vector]; ok && r.active {
			return 0, -defs.EEXIST
		}
	}
	arb.nextreg++
	r := &Reg_t{Id: arb.nextreg, Class: class, Vector: vector,
		Stub: append([]uint8{}, stub...), Tid: tid, active: true}
	arb.regs[r.Id] = r
	arb.byclass[class] = r
	if vector != 0 {
		arb.byvector[vector] = r
	}
	t.Isdriver = true
	return r.Id, 0
}

// Hook_t is what a sandbox wires into its IVT for one live vector
// registration.
type Hook_t struct {
	Vector uint8
	Stub   []uint8
}

// Hooks lists the live vector registrations in registration order; called
// at sandbox creation.
func (arb *Arbiter_t) Hooks() []Hook_t {
	arb.Lock()
	defer arb.Unlock()
	var out []Hook_t
	for id := uint32(1); id <= arb.nextreg; id++ {
		r, ok := arb.regs[id]
		if !ok || !r.active || r.Vector == 0 {
			continue
		}
		out = append(out, Hook_t{Vector: r.Vector, Stub: r.Stub})
	}
	return out
}

// Vectordriver resolves a hooked DOS interrupt vector to its driver task.
func (arb *Arbiter_t) Vectordriver(vector uint8) (defs.Tid_t, bool) {
	arb.Lock()
	defer arb.Unlock()
	r, ok := arb.byvector[vector]
	if !ok || !r.active {
		return 0, false
	}
	return r.Tid, true
}

// Open resolves a device class and hands tid a driver-backed handle. the
// handle's first op is conventionally OP_OPEN, whose reply binds the
// driver-side instance.
func (arb *Arbiter_t) Open(tid defs.Tid_t, class string) (defs.Handle_t, defs.Err_t) {
	arb.Lock()
	r, ok := arb.byclass[class]
	if !ok || !r.active {
		arb.Unlock()
		return defs.NOHANDLE, -defs.ENODRIVER
	}
	regid := r.Id
	arb.Unlock()

	conn := &aio.Drvconn_t{Drvtid: r.Tid}
	conn.Route = func(op *aio.Op_t) defs.Err_t {
		return arb.route(regid, conn, op)
	}
	conn.Onclose = func() {
		arb.connclosed(regid, conn)
	}
	return arb.a.Opendrv(tid, conn)
}

// route forwards one op to the registered driver. called from the io layer
// with its lock held; the arbiter lock nests inside it. a synchronous error
// completes the op without involving the driver.
func (arb *Arbiter_t) route(regid uint32, conn *aio.Drvconn_t, op *aio.Op_t) defs.Err_t {
	arb.Lock()
	r, ok := arb.regs[regid]
	if !ok || !r.active {
		arb.Unlock()
		return -defs.ENODRIVER
	}
	if op.Code != defs.OP_OPEN && !conn.Bound {
		arb.Unlock()
		return -defs.EINVAL
	}

	p := &pending_t{op: op, reg: r, conn: conn}
	var base uint32
	length := op.Args[1]
	if op.Code == defs.OP_READ || op.Code == defs.OP_WRITE {
		st, ok := arb.s.Get(op.Tid)
		if !ok {
			arb.Unlock()
			return -defs.EFAULT
		}
		dt, ok := arb.s.Get(r.Tid)
		if !ok {
			arb.Unlock()
			return -defs.ENODRIVER
		}
		perms := mem.PERM_R
		if op.Code == defs.OP_READ {
			// the driver fills the client's buffer
			perms = mem.PERM_R | mem.PERM_W
		}
		g, err := st.Space.Grant(dt.Space, mem.Va_t(op.Args[0]), int(length), perms)
		if err != 0 {
			arb.Unlock()
			return err
		}
		p.grant = g
		p.ownersp = st.Space
		base = uint32(g.Base)
	}

	arb.nextreq++
	reqid := arb.nextreq
	arb.pending[reqid] = p

	msg := ipc.Msg_t{
		Mtype: drvmtype(op.Code),
		Reqid: reqid,
		Args: [6]uint32{conn.Instance, base, length, op.Args[0], op.Args[2],
			uint32(op.Tid)},
	}
	if op.Code == defs.OP_OPEN || op.Code == defs.OP_IOCTL {
		msg.Args[1] = op.Args[0]
		msg.Args[2] = op.Args[1]
	}
	drvtid := r.Tid
	arb.Unlock()

	if err := arb.s.Sendmsg(arb.tid, drvtid, msg, 0); err != 0 {
		arb.Lock()
		delete(arb.pending, reqid)
		arb.Unlock()
		if p.grant != nil {
			p.ownersp.Revoke(p.grant)
		}
		return -defs.ENODRIVER
	}
	return 0
}

func drvmtype(code uint32) uint32 {
	switch code {
	case defs.OP_OPEN:
		return defs.DRV_OPEN
	case defs.OP_READ:
		return defs.DRV_READ
	case defs.OP_WRITE:
		return defs.DRV_WRITE
	case defs.OP_CLOSE:
		return defs.DRV_CLOSE
	case defs.OP_STAT:
		return defs.DRV_STAT
	default:
		return defs.DRV_IOCTL
	}
}

// reply finishes a forwarded op with the driver's result. the buffer
// window is revoked before the submitter sees the completion, so the
// driver's access ends exactly when the op does.
func (arb *Arbiter_t) reply(from defs.Tid_t, reqid uint32, result uint32) {
	arb.Lock()
	p, ok := arb.pending[reqid]
	if !ok || p.reg.Tid != from {
		arb.Unlock()
		return
	}
	delete(arb.pending, reqid)
	arb.Unlock()

	if p.grant != nil {
		p.ownersp.Revoke(p.grant)
	}
	rv := result
	if p.op.Code == defs.OP_OPEN && result&defs.OPERR_FLAG == 0 {
		// a successful open binds the driver instance; the client just
		// sees success
		p.conn.Instance = result
		p.conn.Bound = true
		rv = defs.Opret(1, 0)
	}
	arb.a.Finish(p.op, rv)
}

// connclosed tells the driver its instance went away; fire and forget.
func (arb *Arbiter_t) connclosed(regid uint32, conn *aio.Drvconn_t) {
	arb.Lock()
	r, ok := arb.regs[regid]
	if !ok || !r.active || !conn.Bound {
		arb.Unlock()
		return
	}
	arb.nextreq++
	msg := ipc.Msg_t{
		Mtype: defs.DRV_CLOSE,
		Reqid: arb.nextreq,
		Args:  [6]uint32{conn.Instance},
	}
	drvtid := r.Tid
	arb.Unlock()
	arb.s.Sendmsg(arb.tid, drvtid, msg, 0)
}

// taskexit sweeps a dead driver: its registrations deactivate and every op
// in flight at it completes with ENODRIVER. ops at other drivers are
// untouched.
func (arb *Arbiter_t) taskexit(t *task.Task_t) {
	if !t.Isdriver {
		return
	}
	arb.Lock()
	for _, r := range arb.regs {
		if r.Tid == t.Tid {
			r.active = false
		}
	}
	var dead []*pending_t
	for reqid, p := range arb.pending {
		if p.reg.Tid == t.Tid {
			dead = append(dead, p)
			delete(arb.pending, reqid)
		}
	}
	arb.Unlock()

	for _, p := range dead {
		if p.grant != nil {
			p.ownersp.Revoke(p.grant)
		}
		arb.a.Finish(p.op, defs.Opret(0, -defs.ENODRIVER))
	}
}
