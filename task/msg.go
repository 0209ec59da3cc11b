package task

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/ipc"

// Sendmsg delivers a message to another task's queue. expticks bounds how
// long an unread message stays valid. a receiver blocked on its queue is
// made runnable.
func (s *Sched_t) Sendmsg(from defs.Tid_t, to defs.Tid_t, msg ipc.Msg_t, expticks uint64) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	t, ok := s.tasks[to]
	if !ok {
		return -defs.ENOENT
	}
	exp := s.ticks + expticks
	if expticks == 0 {
		exp = ^uint64(0)
	}
	if !t.msgq.Add(from, msg, s.ticks, exp) {
		return -defs.ENOSPC
	}
	if t.state == SBLOCKMSG {
		s.mkready(t)
	}
	return 0
}

// Recvmsg pops the oldest message for the caller, blocking until one
// arrives. toticks of 0 waits forever.
func (s *Sched_t) Recvmsg(t *Task_t, toticks uint64) (*ipc.Packet_t, defs.Err_t) {
	for {
		s.Lock()
		if pkt, _ := t.msgq.Read(s.ticks); pkt != nil {
			s.Unlock()
			return pkt, 0
		}
		s.blocklocked(t, SBLOCKMSG, toticks)
		if t.timedout {
			return nil, -defs.ETIMEDOUT
		}
	}
}

// Tryrecvmsg pops the oldest message for t without blocking.
func (s *Sched_t) Tryrecvmsg(t *Task_t) (*ipc.Packet_t, bool) {
	s.Lock()
	defer s.Unlock()
	pkt, _ := t.msgq.Read(s.ticks)
	return pkt, pkt != nil
}

// Peekmsg reports without blocking whether the caller has a message.
func (s *Sched_t) Peekmsg(t *Task_t) bool {
	s.Lock()
	defer s.Unlock()
	return t.msgq.Has(s.ticks)
}
