package task

import "sync"

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/limits"
import "github.com/andrewimm/idos-nx/mem"

// futtab_t maps signal-word physical addresses to the queue of tasks
// blocked on them. keyed by physical address so it works across address
// spaces and is independent of any space's page tables. queue entries are
// relation-only task ids: a woken or exited task leaves a stale entry
// behind, which wake simply skips.
type futtab_t struct {
	sync.Mutex
	s       *Sched_t
	waiters map[uint32][]defs.Tid_t
}

func mkfuttab(s *Sched_t) *futtab_t {
	return &futtab_t{s: s, waiters: make(map[uint32][]defs.Tid_t)}
}

// Futwait blocks the caller while the word at key still holds val. the
// check and the enqueue are atomic with respect to Futwake. wakeups may be
// spurious; callers re-check the signal in a loop. toticks of 0 waits
// forever. the wait has no side effect on whatever op the signal belongs
// to: on timeout the op remains pending and may be waited on again.
func (f *futtab_t) Futwait(t *Task_t, key uint32, val uint32, toticks uint64) defs.Err_t {
	f.Lock()
	cur, err := f.s.pm.Loadw(mem.Pa_t(key))
	if err != 0 {
		f.Unlock()
		return err
	}
	if cur != val {
		f.Unlock()
		return 0
	}
	q := f.waiters[key]
	if len(q) >= limits.Syslimit.Futexes {
		f.Unlock()
		return -defs.ENOMEM
	}
	f.waiters[key] = append(q, t.Tid)

	// hold the scheduler lock before releasing the table lock so a racing
	// wake cannot observe the queue entry before the task is blocked
	f.s.Lock()
	f.Unlock()
	t.waitkey = key
	f.s.blocklocked(t, SBLOCKFUT, toticks)
	if t.timedout {
		f.remove(key, t.Tid)
		return -defs.ETIMEDOUT
	}
	return 0
}

// Futwake wakes up to n tasks blocked on the signal word at key, returning
// how many were made runnable.
func (f *futtab_t) Futwake(key uint32, n int) int {
	f.Lock()
	q := f.waiters[key]
	woke := 0
	for n > 0 && len(q) > 0 {
		tid := q[0]
		q = q[1:]
		f.s.Lock()
		t, ok := f.s.tasks[tid]
		if ok && t.state == SBLOCKFUT && t.waitkey == key {
			f.s.mkready(t)
			woke++
			n--
		}
		f.s.Unlock()
	}
	if len(q) == 0 {
		delete(f.waiters, key)
	} else {
		f.waiters[key] = q
	}
	f.Unlock()
	return woke
}

func (f *futtab_t) remove(key uint32, tid defs.Tid_t) {
	f.Lock()
	q := f.waiters[key]
	for i := range q {
		if q[i] == tid {
			copy(q[i:], q[i+1:])
			q = q[:len(q)-1]
			break
		}
	}
	if len(q) == 0 {
		delete(f.waiters, key)
	} else {
		f.waiters[key] = q
	}
	f.Unlock()
}

// droptask purges a terminating task's entries. purging is hygiene only;
// wake already skips entries whose task is gone.
func (f *futtab_t) droptask(tid defs.Tid_t) {
	f.Lock()
	for key, q := range f.waiters {
		out := q[:0]
		for _, id := range q {
			if id != tid {
				out = append(out, id)
			}
		}
		if len(out) == 0 {
			delete(f.waiters, key)
		} else {
			f.waiters[key] = out
		}
	}
	f.Unlock()
}

// Futwait and Futwake on the scheduler itself.

func (s *Sched_t) Futwait(t *Task_t, key uint32, val uint32, toticks uint64) defs.Err_t {
	return s.fut.Futwait(t, key, val, toticks)
}

func (s *Sched_t) Futwake(key uint32, n int) int {
	return s.fut.Futwake(key, n)
}
