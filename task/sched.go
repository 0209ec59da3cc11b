package task

import "fmt"

import "github.com/andrewimm/idos-nx/defs"

// run queue helpers; caller holds the scheduler lock.

func (s *Sched_t) rqpush(tid defs.Tid_t) {
	s.runq = append(s.runq, tid)
}

func (s *Sched_t) rqpop() (defs.Tid_t, bool) {
	for len(s.runq) > 0 {
		tid := s.runq[0]
		s.runq = s.runq[1:]
		t, ok := s.tasks[tid]
		// enqueued ids may have gone stale; skip anything not ready
		if ok && t.state == SREADY {
			return tid, true
		}
	}
	return 0, false
}

// dispatch promotes a ready task to running and hands it the cpu token.
// caller holds the scheduler lock.
func (s *Sched_t) dispatch(tid defs.Tid_t) {
	t, ok := s.tasks[tid]
	if !ok || t.state != SREADY {
		panic("dispatch of non-ready task")
	}
	t.state = SRUNNING
	s.running = tid
	t.runch <- true
}

// dispatchidle starts the next ready task if the cpu is idle.
func (s *Sched_t) dispatchidle() {
	if s.running != 0 {
		return
	}
	if next, ok := s.rqpop(); ok {
		s.dispatch(next)
	}
}

func (s *Sched_t) mkready(t *Task_t) {
	t.state = SREADY
	t.timeout = 0
	s.rqpush(t.Tid)
	s.dispatchidle()
}

// Yield re-enqueues the caller and promotes the next ready task.
func (s *Sched_t) Yield(t *Task_t) {
	s.Lock()
	next, ok := s.rqpop()
	if !ok {
		// nothing else to run
		s.Unlock()
		return
	}
	t.state = SREADY
	s.rqpush(t.Tid)
	s.running = 0
	s.dispatch(next)
	s.Unlock()
	t.park()
	s.Lock()
	s.running = t.Tid
	t.state = SRUNNING
	s.Unlock()
}

// blocklocked parks the caller in the given state. caller holds the
// scheduler lock; it is released before parking and the block outcome is
// left in t.timedout. toticks of 0 means no timeout.
func (s *Sched_t) blocklocked(t *Task_t, st State_t, toticks uint64) {
	t.state = st
	t.timedout = false
	if toticks != 0 {
		t.timeout = s.ticks + toticks
	} else {
		t.timeout = 0
	}
	s.running = 0
	if next, ok := s.rqpop(); ok {
		s.dispatch(next)
	}
	s.Unlock()
	t.park()
	s.Lock()
	s.running = t.Tid
	t.state = SRUNNING
	s.Unlock()
}

// Wake moves a blocked task back to ready. wakes targeting a task that is
// no longer blocked (stale ids, already-woken tasks) are ignored.
func (s *Sched_t) Wake(tid defs.Tid_t) bool {
	s.Lock()
	defer s.Unlock()
	return s.wakelocked(tid)
}

func (s *Sched_t) wakelocked(tid defs.Tid_t) bool {
	t, ok := s.tasks[tid]
	if !ok {
		return false
	}
	switch t.state {
	case SSLEEP, SBLOCKFUT, SBLOCKMSG, SBLOCKCLD:
		s.mkready(t)
		return true
	}
	return false
}

// Sleep blocks the caller for the given number of ticks.
func (s *Sched_t) Sleep(t *Task_t, ticks uint64) {
	if ticks == 0 {
		s.Yield(t)
		return
	}
	s.Lock()
	s.blocklocked(t, SSLEEP, ticks)
}

// Tick advances system time: expires sleeps and block timeouts and arms
// preemption. the preempt flag is honored at the next syscall boundary,
// since syscalls are the only suspension points.
func (s *Sched_t) Tick() {
	s.Lock()
	s.ticks++
	for _, t := range s.tasks {
		if t.timeout != 0 && s.ticks >= t.timeout {
			switch t.state {
			case SSLEEP:
				s.mkready(t)
			case SBLOCKFUT, SBLOCKMSG, SBLOCKCLD:
				t.timedout = true
				s.mkready(t)
			}
		}
	}
	if s.running != 0 {
		s.preempt = true
	}
	s.dispatchidle()
	s.Unlock()
}

// Maybeyield is called on syscall entry; it consumes a pending preemption.
func (s *Sched_t) Maybeyield(t *Task_t) {
	s.Lock()
	p := s.preempt
	s.preempt = false
	s.Unlock()
	if p {
		s.Yield(t)
	}
}

// Runqueue snapshots the ready queue order; scheduling is FIFO round-robin
// and no ready task is starved.
func (s *Sched_t) Runqueue() []defs.Tid_t {
	s.Lock()
	defer s.Unlock()
	out := make([]defs.Tid_t, 0, len(s.runq))
	for _, tid := range s.runq {
		if t, ok := s.tasks[tid]; ok && t.state == SREADY {
			out = append(out, tid)
		}
	}
	return out
}

func (s *Sched_t) String() string {
	s.Lock()
	defer s.Unlock()
	return fmt.Sprintf("sched{tasks %d, runq %v, running %d, ticks %d}",
		len(s.tasks), s.runq, s.running, s.ticks)
}
