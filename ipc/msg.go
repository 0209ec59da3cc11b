package ipc

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/limits"

// Msg_t is the fixed eight-word IPC payload passed between tasks. the first
// two words conventionally carry a message type and a request id used to
// pair replies; all eight may be used freely by the application.
type Msg_t struct {
	Mtype uint32
	Reqid uint32
	Args  [6]uint32
}

// Packet_t associates a message with its sender.
type Packet_t struct {
	From defs.Tid_t
	Msg  Msg_t
}

type qent_t struct {
	pkt Packet_t
	// system tick after which the entry is no longer valid. expiry keeps
	// queues of never-read messages from growing without bound; stale
	// entries are dropped whenever the queue is touched.
	expiry uint64
}

// Msgq_t is one task's receive queue. not locked; callers serialize through
// the scheduler lock.
type Msgq_t struct {
	q []qent_t
}

func Mkmsgq() *Msgq_t {
	return &Msgq_t{}
}

func (mq *Msgq_t) dropexpired(now uint64) {
	for len(mq.q) > 0 && mq.q[0].expiry <= now {
		mq.q = mq.q[1:]
	}
}

// Add enqueues an incoming message. returns false when the queue is full.
func (mq *Msgq_t) Add(from defs.Tid_t, msg Msg_t, now, expiry uint64) bool {
	mq.dropexpired(now)
	if len(mq.q) >= limits.Syslimit.Msgs {
		return false
	}
	mq.q = append(mq.q, qent_t{pkt: Packet_t{From: from, Msg: msg}, expiry: expiry})
	return true
}

// Read pops the oldest live packet. the second return reports whether more
// packets remain.
func (mq *Msgq_t) Read(now uint64) (*Packet_t, bool) {
	mq.dropexpired(now)
	if len(mq.q) == 0 {
		return nil, false
	}
	pkt := mq.q[0].pkt
	mq.q = mq.q[1:]
	return &pkt, len(mq.q) > 0
}

func (mq *Msgq_t) Has(now uint64) bool {
	mq.dropexpired(now)
	return len(mq.q) > 0
}
