package ipc

import "testing"

import "github.com/andrewimm/idos-nx/limits"

func TestAddAndRead(t *testing.T) {
	mq := Mkmsgq()
	for i := uint32(0); i < 3; i++ {
		if !mq.Add(5, Msg_t{Mtype: i}, 0, ^uint64(0)) {
			t.Fatalf("add %d failed", i)
		}
	}
	for i := uint32(0); i < 3; i++ {
		pkt, more := mq.Read(0)
		if pkt == nil {
			t.Fatalf("read %d returned nothing", i)
		}
		if pkt.From != 5 || pkt.Msg.Mtype != i {
			t.Fatalf("out of order: got from %d type %d, want 5 %d",
				pkt.From, pkt.Msg.Mtype, i)
		}
		if more != (i < 2) {
			t.Fatalf("more flag wrong at %d", i)
		}
	}
	if pkt, _ := mq.Read(0); pkt != nil {
		t.Fatalf("read from empty queue returned %v", pkt)
	}
}

func TestExpiration(t *testing.T) {
	mq := Mkmsgq()
	mq.Add(1, Msg_t{Mtype: 1}, 0, 10)
	mq.Add(1, Msg_t{Mtype: 2}, 0, ^uint64(0))
	if !mq.Has(5) {
		t.Fatalf("live message not visible")
	}
	// past the first message's expiry
	pkt, _ := mq.Read(11)
	if pkt == nil || pkt.Msg.Mtype != 2 {
		t.Fatalf("expired message not dropped: %v", pkt)
	}
	if mq.Has(11) {
		t.Fatalf("queue should be empty")
	}
}

func TestBounded(t *testing.T) {
	mq := Mkmsgq()
	for i := 0; i < limits.Syslimit.Msgs; i++ {
		if !mq.Add(1, Msg_t{}, 0, ^uint64(0)) {
			t.Fatalf("add %d failed below the limit", i)
		}
	}
	if mq.Add(1, Msg_t{}, 0, ^uint64(0)) {
		t.Fatalf("add beyond the limit succeeded")
	}
	mq.Read(0)
	if !mq.Add(1, Msg_t{}, 0, ^uint64(0)) {
		t.Fatalf("add after drain failed")
	}
}
