package aio

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/limits"
import "github.com/andrewimm/idos-nx/mem"
import "github.com/andrewimm/idos-nx/task"

// Wakeset_t groups handles so a task can block until any of them completes
// an op. readiness is level triggered: every completion on a member handle
// leaves an entry in the ready queue until a blocker consumes it. the set's
// state is summarized in a kernel-owned signal word so blocking rides the
// same futex path as op waits, and a notification is a broadcast: the word
// changes and every waiter wakes.
type Wakeset_t struct {
	id      defs.Wsid_t
	owner   defs.Tid_t
	members map[defs.Handle_t]*Io_t
	readyq  []defs.Handle_t
	sigpa   mem.Pa_t
	dead    bool
}

// sigword hands out 4-byte signal words from kernel frames. caller holds
// the aio lock.
func (a *Aio_t) sigword() (mem.Pa_t, defs.Err_t) {
	if a.sigpa == 0 || a.sigoff > mem.PGSIZE-4 {
		_, pa, ok := a.s.Physmem().Refpg_new()
		if !ok {
			return 0, -defs.ENOMEM
		}
		a.sigpa = pa
		a.sigoff = 0
	}
	pa := a.sigpa + mem.Pa_t(a.sigoff)
	a.sigoff += 4
	return pa, 0
}

// Mkwset creates an empty wake set owned by tid. ownership gates
// membership changes; any task may block on the set.
func (a *Aio_t) Mkwset(tid defs.Tid_t) (defs.Wsid_t, defs.Err_t) {
	a.Lock()
	defer a.Unlock()
	owned := 0
	for _, ws := range a.wsets {
		if ws.owner == tid {
			owned++
		}
	}
	if owned >= limits.Syslimit.Wakesets {
		return 0, -defs.ENOMEM
	}
	pa, err := a.sigword()
	if err != 0 {
		return 0, err
	}
	a.nextws++
	ws := &Wakeset_t{
		id:      a.nextws,
		owner:   tid,
		members: make(map[defs.Handle_t]*Io_t),
		sigpa:   pa,
	}
	a.wsets[ws.id] = ws
	return ws.id, 0
}

// caller holds the aio lock
func (a *Aio_t) wslookup(id defs.Wsid_t) *Wakeset_t {
	ws := a.wsets[id]
	if ws == nil || ws.dead {
		return nil
	}
	return ws
}

// Wsadd subscribes a handle to the wake set. completions that happened
// before the handle joined do not count.
func (a *Aio_t) Wsadd(tid defs.Tid_t, id defs.Wsid_t, h defs.Handle_t) defs.Err_t {
	a.Lock()
	defer a.Unlock()
	ws := a.wslookup(id)
	if ws == nil || ws.owner != tid {
		return -defs.EINVAL
	}
	io := a.lookup(tid, h)
	if io == nil {
		return -defs.EBADF
	}
	if _, ok := ws.members[h]; ok {
		return -defs.EEXIST
	}
	ws.members[h] = io
	io.subs = append(io.subs, sub_t{ws: ws, h: h})
	return 0
}

// Wsdel unsubscribes a handle; its unconsumed completions leave the ready
// queue with it.
func (a *Aio_t) Wsdel(tid defs.Tid_t, id defs.Wsid_t, h defs.Handle_t) defs.Err_t {
	a.Lock()
	defer a.Unlock()
	ws := a.wslookup(id)
	if ws == nil || ws.owner != tid {
		return -defs.EINVAL
	}
	io, ok := ws.members[h]
	if !ok {
		return -defs.EBADF
	}
	ws.drop(h)
	for i := range io.subs {
		if io.subs[i].ws == ws && io.subs[i].h == h {
			io.subs = append(io.subs[:i], io.subs[i+1:]...)
			break
		}
	}
	return 0
}

// drop removes a handle's membership and ready entries. caller holds the
// aio lock.
func (ws *Wakeset_t) drop(h defs.Handle_t) {
	delete(ws.members, h)
	out := ws.readyq[:0]
	for _, r := range ws.readyq {
		if r != h {
			out = append(out, r)
		}
	}
	ws.readyq = out
}

func (ws *Wakeset_t) unlink() {
	ws.dead = true
	for h, io := range ws.members {
		for i := range io.subs {
			if io.subs[i].ws == ws {
				io.subs = append(io.subs[:i], io.subs[i+1:]...)
				break
			}
		}
		delete(ws.members, h)
	}
	ws.readyq = nil
}

// wsnotify records a completion on a member handle and wakes every blocked
// waiter. caller holds the aio lock.
func (a *Aio_t) wsnotify(ws *Wakeset_t, h defs.Handle_t) {
	if ws.dead {
		return
	}
	ws.readyq = append(ws.readyq, h)
	pm := a.s.Physmem()
	seq, err := pm.Loadw(ws.sigpa)
	if err != 0 {
		panic("wake set signal word gone")
	}
	pm.Storew(ws.sigpa, seq+1)
	a.s.Futwake(uint32(ws.sigpa), 1<<30)
}

// Blockon blocks the caller until a member handle of the wake set has an
// unconsumed completion, returning that handle. toticks of 0 waits forever.
// an empty set simply waits; there is no spurious readiness.
func (a *Aio_t) Blockon(t *task.Task_t, id defs.Wsid_t, toticks uint64) (defs.Handle_t, defs.Err_t) {
	pm := a.s.Physmem()
	for {
		a.Lock()
		ws := a.wslookup(id)
		if ws == nil {
			a.Unlock()
			return defs.NOHANDLE, -defs.EINVAL
		}
		if len(ws.readyq) > 0 {
			h := ws.readyq[0]
			ws.readyq = ws.readyq[1:]
			a.Unlock()
			return h, 0
		}
		seq, err := pm.Loadw(ws.sigpa)
		sigpa := ws.sigpa
		a.Unlock()
		if err != 0 {
			return defs.NOHANDLE, err
		}
		// the futex compares the word against seq, so a completion that
		// slips in here is not lost
		if err := a.s.Futwait(t, uint32(sigpa), seq, toticks); err != 0 {
			return defs.NOHANDLE, err
		}
	}
}

// Wsready reports without blocking whether the set has an unconsumed
// completion.
func (a *Aio_t) Wsready(id defs.Wsid_t) bool {
	a.Lock()
	defer a.Unlock()
	ws := a.wslookup(id)
	return ws != nil && len(ws.readyq) > 0
}
