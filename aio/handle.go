package aio

import "sync"

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/limits"
import "github.com/andrewimm/idos-nx/mem"
import "github.com/andrewimm/idos-nx/task"

type btag_t int

const (
	BPIPE btag_t = iota + 1
	BCONS
	BMSGQ
	BIRQ
	BDRV
)

// Io_t is the open instance a handle refers to: one FIFO op queue over a
// backend. dup and transfer share the Io_t across table entries, so every
// holder sees the same queue and every subscribed wake set sees the same
// completions. the head of ops is the op in flight; everything behind it
// waits.
type Io_t struct {
	tag    btag_t
	closed bool
	// table entries referring to this instance; the backend is released
	// when the last one closes
	refs int
	ops  []*Op_t
	// wake sets notified when an op on this instance completes
	subs []sub_t

	pipe    *Pipe_t
	side    int // BPIPE: which end of the pipe
	cons    *Cons_t
	mtid    defs.Tid_t // BMSGQ: whose message queue
	irqpend uint32     // BIRQ: raises since the last read
	irqline uint32
	drv     *Drvconn_t
}

type sub_t struct {
	ws *Wakeset_t
	h  defs.Handle_t
}

// Drvconn_t ties a driver-backed handle to its registration. Route hands
// an op to the arbiter and fails synchronously when the registration is
// gone; the instance id is bound by the arbiter on OP_OPEN completion.
type Drvconn_t struct {
	Route   func(op *Op_t) defs.Err_t
	Onclose func()
	// the driver task behind the registration. forwarding an op puts a
	// message on its queue, so handles watching that queue are re-kicked.
	Drvtid defs.Tid_t

	Instance uint32
	Bound    bool
}

type Iotable_t struct {
	ents  map[defs.Handle_t]*Io_t
	nexth defs.Handle_t
}

// Aio_t owns every task's handle table and wake sets. one lock covers all
// tables and backends; lock order is aio, then arbiter, then futex table,
// then scheduler.
type Aio_t struct {
	sync.Mutex
	s      *task.Sched_t
	tables map[defs.Tid_t]*Iotable_t
	irqs   map[uint32][]*Io_t
	cons   *Cons_t
	// all console-backed ios; kicked when input arrives
	consios []*Io_t
	// all message-queue-backed ios, by watched task
	msgios map[defs.Tid_t][]*Io_t
	// wake sets are named globally so any task may block on one; only the
	// owner manages membership
	wsets  map[defs.Wsid_t]*Wakeset_t
	nextws defs.Wsid_t
	// arena for wake-set signal words
	sigpa  mem.Pa_t
	sigoff uint32
}

func Mkaio(s *task.Sched_t) *Aio_t {
	a := &Aio_t{
		s:      s,
		tables: make(map[defs.Tid_t]*Iotable_t),
		irqs:   make(map[uint32][]*Io_t),
		cons:   mkcons(),
		msgios: make(map[defs.Tid_t][]*Io_t),
		wsets:  make(map[defs.Wsid_t]*Wakeset_t),
	}
	s.Onexit(a.taskexit)
	return a
}

// caller holds a lock
func (a *Aio_t) table(tid defs.Tid_t) *Iotable_t {
	tbl, ok := a.tables[tid]
	if !ok {
		tbl = &Iotable_t{
			ents: make(map[defs.Handle_t]*Io_t),
		}
		a.tables[tid] = tbl
	}
	return tbl
}

// caller holds a lock
func (a *Aio_t) insert(tid defs.Tid_t, io *Io_t) (defs.Handle_t, defs.Err_t) {
	tbl := a.table(tid)
	if len(tbl.ents) >= limits.Syslimit.Handles {
		return defs.NOHANDLE, -defs.ENOMEM
	}
	tbl.nexth++
	io.refs++
	tbl.ents[tbl.nexth] = io
	return tbl.nexth, 0
}

// caller holds a lock
func (a *Aio_t) lookup(tid defs.Tid_t, h defs.Handle_t) *Io_t {
	tbl, ok := a.tables[tid]
	if !ok {
		return nil
	}
	io := tbl.ents[h]
	if io == nil || io.closed {
		return nil
	}
	return io
}

// Opencons gives tid a fresh handle on the kernel console.
func (a *Aio_t) Opencons(tid defs.Tid_t) (defs.Handle_t, defs.Err_t) {
	a.Lock()
	defer a.Unlock()
	io := &Io_t{tag: BCONS, cons: a.cons}
	h, err := a.insert(tid, io)
	if err != 0 {
		return defs.NOHANDLE, err
	}
	a.consios = append(a.consios, io)
	return h, 0
}

// Openmsgq gives tid a handle whose reads complete when the watched task
// has a message queued.
func (a *Aio_t) Openmsgq(tid defs.Tid_t, watch defs.Tid_t) (defs.Handle_t, defs.Err_t) {
	if _, ok := a.s.Get(watch); !ok {
		return defs.NOHANDLE, -defs.ENOENT
	}
	a.Lock()
	defer a.Unlock()
	io := &Io_t{tag: BMSGQ, mtid: watch}
	h, err := a.insert(tid, io)
	if err != 0 {
		return defs.NOHANDLE, err
	}
	a.msgios[watch] = append(a.msgios[watch], io)
	return h, 0
}

// Openirq gives tid a handle whose reads complete when the interrupt line
// is raised, returning the number of raises since the previous read.
func (a *Aio_t) Openirq(tid defs.Tid_t, line uint32) (defs.Handle_t, defs.Err_t) {
	a.Lock()
	defer a.Unlock()
	io := &Io_t{tag: BIRQ, irqline: line}
	h, err := a.insert(tid, io)
	if err != 0 {
		return defs.NOHANDLE, err
	}
	a.irqs[line] = append(a.irqs[line], io)
	return h, 0
}

// Opendrv is the arbiter's entry point: it hands out a driver-backed handle
// once path resolution picked a registration.
func (a *Aio_t) Opendrv(tid defs.Tid_t, conn *Drvconn_t) (defs.Handle_t, defs.Err_t) {
	a.Lock()
	defer a.Unlock()
	io := &Io_t{tag: BDRV, drv: conn}
	h, err := a.insert(tid, io)
	if err != 0 {
		return defs.NOHANDLE, err
	}
	return h, 0
}

// Submit resolves the op record at opva and queues it on the handle. the
// only synchronous outcome is acceptance or the rejection sentinel; every
// accepted op eventually completes through its signal word.
func (a *Aio_t) Submit(t *task.Task_t, h defs.Handle_t, opva mem.Va_t) uint32 {
	op, err := resolveop(t, opva)
	if err != 0 {
		return defs.SUBMIT_REJECT
	}
	a.Lock()
	io := a.lookup(t.Tid, h)
	if io == nil || len(io.ops) >= limits.Syslimit.Opqueue {
		a.Unlock()
		return defs.SUBMIT_REJECT
	}
	op.io = io
	op.ch = h
	io.ops = append(io.ops, op)
	a.kick(io)
	a.Unlock()
	return 0
}

// kick processes ops at the head of io's queue until one cannot make
// progress. an attempt may unblock ops queued on other handles (a pipe's
// peers, a driver's message-queue watchers); those are kicked from here
// too, through a work list rather than recursion.
func (a *Aio_t) kick(io *Io_t) {
	work := []*Io_t{io}
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		for len(cur.ops) > 0 {
			op := cur.ops[0]
			done, rv, more := a.try(cur, op)
			work = append(work, more...)
			if !done {
				break
			}
			cur.ops = cur.ops[1:]
			a.finish(cur, op, rv)
			if op.Code == defs.OP_CLOSE {
				a.closeent(op.Tid, op.ch, cur)
				if cur.closed {
					break
				}
			}
		}
	}
}

// finish completes one op and notifies every wake set subscribed to the
// handle. caller holds a lock.
func (a *Aio_t) finish(io *Io_t, op *Op_t, rv uint32) {
	if op.cancelled {
		rv = defs.Opret(0, -defs.ECANCELED)
	}
	op.complete(a.s, rv)
	for _, sub := range io.subs {
		a.wsnotify(sub.ws, sub.h)
	}
}

// try attempts the op at the head of io's queue. it returns whether the op
// finished, its completion value, and any other handles that may have been
// unblocked by the attempt. caller holds a lock.
func (a *Aio_t) try(io *Io_t, op *Op_t) (bool, uint32, []*Io_t) {
	if op.cancelled {
		return true, defs.Opret(0, -defs.ECANCELED), nil
	}
	if op.Code == defs.OP_CLOSE {
		return true, defs.Opret(0, 0), nil
	}
	switch io.tag {
	case BPIPE:
		return a.trypipe(io, op)
	case BCONS:
		done, rv := a.trycons(io, op)
		return done, rv, nil
	case BMSGQ:
		done, rv := a.trymsgq(io, op)
		return done, rv, nil
	case BIRQ:
		if op.Code != defs.OP_READ {
			return true, defs.Opret(0, -defs.EINVAL), nil
		}
		if io.irqpend == 0 {
			return false, 0, nil
		}
		n := io.irqpend
		io.irqpend = 0
		return true, defs.Opret(n, 0), nil
	case BDRV:
		if op.forwarded {
			// in flight at the driver; the arbiter finishes it
			return false, 0, nil
		}
		op.forwarded = true
		if err := io.drv.Route(op); err != 0 {
			return true, defs.Opret(0, err), nil
		}
		// the forwarded request landed on the driver's message queue
		return false, 0, a.msgios[io.drv.Drvtid]
	}
	panic("io with no backend")
}

// trymsgq: reads on a message-queue handle complete when the watched task
// has a message; the packet is copied into the submitter's buffer.
func (a *Aio_t) trymsgq(io *Io_t, op *Op_t) (bool, uint32) {
	if op.Code != defs.OP_READ {
		return true, defs.Opret(0, -defs.EINVAL)
	}
	if int(op.Args[1]) < PACKETSZ {
		return true, defs.Opret(0, -defs.EINVAL)
	}
	wt, ok := a.s.Get(io.mtid)
	if !ok {
		return true, defs.Opret(0, -defs.ENOENT)
	}
	pkt, ok := a.s.Tryrecvmsg(wt)
	if !ok {
		return false, 0
	}
	var rec [PACKETSZ]uint8
	putw(rec[:], 0, uint32(pkt.From))
	putw(rec[:], 4, pkt.Msg.Mtype)
	putw(rec[:], 8, pkt.Msg.Reqid)
	for i, w := range pkt.Msg.Args {
		putw(rec[:], 12+4*i, w)
	}
	if err := a.uwrite(op, mem.Va_t(op.Args[0]), rec[:]); err != 0 {
		return true, defs.Opret(0, err)
	}
	return true, defs.Opret(PACKETSZ, 0)
}

// PACKETSZ is the wire size of one delivered message: sender, type, request
// id, six argument words.
const PACKETSZ = 36

// uread copies n bytes from the submitter's space.
func (a *Aio_t) uread(op *Op_t, va mem.Va_t, n int) ([]uint8, defs.Err_t) {
	t, ok := a.s.Get(op.Tid)
	if !ok {
		return nil, -defs.EFAULT
	}
	buf := make([]uint8, n)
	if err := t.Space.Read(va, buf); err != 0 {
		return nil, err
	}
	return buf, 0
}

// uwrite copies into the submitter's space.
func (a *Aio_t) uwrite(op *Op_t, va mem.Va_t, src []uint8) defs.Err_t {
	t, ok := a.s.Get(op.Tid)
	if !ok {
		return -defs.EFAULT
	}
	return t.Space.Write(va, src)
}

// closeent closes one table entry: the mapping disappears, the closing
// owner's wake-set subscriptions for the handle are dropped, and the
// instance itself retires when this was the last entry. caller holds a
// lock.
func (a *Aio_t) closeent(tid defs.Tid_t, h defs.Handle_t, io *Io_t) {
	if tbl, ok := a.tables[tid]; ok {
		delete(tbl.ents, h)
	}
	out := io.subs[:0]
	for _, sub := range io.subs {
		if sub.ws.owner == tid && sub.h == h {
			sub.ws.drop(h)
			continue
		}
		out = append(out, sub)
	}
	io.subs = out
	io.refs--
	if io.refs > 0 {
		return
	}
	a.retire(io)
}

// retire releases the instance: remaining queued ops complete with
// ECANCELED and the backend reference goes away. caller holds a lock.
func (a *Aio_t) retire(io *Io_t) {
	if io.closed {
		return
	}
	io.closed = true
	for _, op := range io.ops {
		if op.forwarded {
			// the driver still owns it; the arbiter's reply completes it
			// as cancelled
			op.cancelled = true
			continue
		}
		a.finish(io, op, defs.Opret(0, -defs.ECANCELED))
	}
	io.ops = nil
	for _, sub := range io.subs {
		sub.ws.drop(sub.h)
	}
	io.subs = nil

	switch io.tag {
	case BPIPE:
		for _, other := range io.pipe.closeend(io.side, io) {
			a.kick(other)
		}
		if len(io.pipe.ends[0]) == 0 && len(io.pipe.ends[1]) == 0 {
			limits.Syslimit.Pipes.Give()
		}
	case BCONS:
		a.consios = rmio(a.consios, io)
	case BMSGQ:
		a.msgios[io.mtid] = rmio(a.msgios[io.mtid], io)
	case BIRQ:
		a.irqs[io.irqline] = rmio(a.irqs[io.irqline], io)
	case BDRV:
		if io.drv.Onclose != nil {
			io.drv.Onclose()
			// the close notice landed on the driver's message queue
			for _, mio := range a.msgios[io.drv.Drvtid] {
				a.kick(mio)
			}
		}
	}
}

func rmio(ios []*Io_t, io *Io_t) []*Io_t {
	for i := range ios {
		if ios[i] == io {
			return append(ios[:i], ios[i+1:]...)
		}
	}
	return ios
}

// Close closes a handle synchronously, outside the op queue.
func (a *Aio_t) Close(tid defs.Tid_t, h defs.Handle_t) defs.Err_t {
	a.Lock()
	defer a.Unlock()
	io := a.lookup(tid, h)
	if io == nil {
		return -defs.EBADF
	}
	a.closeent(tid, h, io)
	return 0
}

// Dup hands out a second handle on the same open instance: same backend,
// same op queue.
func (a *Aio_t) Dup(tid defs.Tid_t, h defs.Handle_t) (defs.Handle_t, defs.Err_t) {
	a.Lock()
	defer a.Unlock()
	io := a.lookup(tid, h)
	if io == nil {
		return defs.NOHANDLE, -defs.EBADF
	}
	return a.insert(tid, io)
}

// Transfer moves a handle to another task's table. pending ops ride along;
// their completion signals still point into the original submitter's
// memory.
func (a *Aio_t) Transfer(from defs.Tid_t, h defs.Handle_t, to defs.Tid_t) (defs.Handle_t, defs.Err_t) {
	if _, ok := a.s.Get(to); !ok {
		return defs.NOHANDLE, -defs.ENOENT
	}
	a.Lock()
	defer a.Unlock()
	io := a.lookup(from, h)
	if io == nil {
		return defs.NOHANDLE, -defs.EBADF
	}
	// membership in the old owner's wake sets does not follow the handle
	out := io.subs[:0]
	for _, sub := range io.subs {
		if sub.ws.owner == from && sub.h == h {
			sub.ws.drop(h)
			continue
		}
		out = append(out, sub)
	}
	io.subs = out
	delete(a.tables[from].ents, h)
	io.refs--
	nh, err := a.insert(to, io)
	if err != 0 {
		// put it back; insert into the original table cannot fail since a
		// slot just opened
		rh, _ := a.insert(from, io)
		if rh == defs.NOHANDLE {
			panic("lost handle on failed transfer")
		}
		return defs.NOHANDLE, err
	}
	return nh, 0
}

// Finish completes a forwarded op with the driver's result; called by the
// arbiter with no arbiter lock held.
func (a *Aio_t) Finish(op *Op_t, rv uint32) {
	a.Lock()
	defer a.Unlock()
	io := op.io
	if io == nil || op.completed {
		return
	}
	if io.closed || len(io.ops) == 0 || io.ops[0] != op {
		// the handle went away underneath the driver
		op.cancelled = true
		a.finish(io, op, rv)
		return
	}
	io.ops = io.ops[1:]
	a.finish(io, op, rv)
	a.kick(io)
}

// Kickmsgq re-attempts reads on every handle watching tid's message queue;
// called after a message is delivered.
func (a *Aio_t) Kickmsgq(tid defs.Tid_t) {
	a.Lock()
	defer a.Unlock()
	for _, io := range a.msgios[tid] {
		a.kick(io)
	}
}

// Raiseirq records a raise on the line and re-attempts queued reads.
func (a *Aio_t) Raiseirq(line uint32) {
	a.Lock()
	defer a.Unlock()
	for _, io := range a.irqs[line] {
		io.irqpend++
		a.kick(io)
	}
}

// taskexit is the scheduler exit hook: every handle the task still holds is
// retired, cancelling its queued ops, and its wake sets are torn down.
func (a *Aio_t) taskexit(t *task.Task_t) {
	a.Lock()
	defer a.Unlock()
	tbl, ok := a.tables[t.Tid]
	if !ok {
		return
	}
	hs := make([]defs.Handle_t, 0, len(tbl.ents))
	for h := range tbl.ents {
		hs = append(hs, h)
	}
	for _, h := range hs {
		if io := tbl.ents[h]; io != nil {
			a.closeent(t.Tid, h, io)
		}
	}
	for id, ws := range a.wsets {
		if ws.owner == t.Tid {
			ws.unlink()
			delete(a.wsets, id)
		}
	}
	delete(a.tables, t.Tid)
	// handles other tasks hold on this task's message queue stop making
	// progress; their queued reads stay pending until those handles close
	delete(a.msgios, t.Tid)
}
