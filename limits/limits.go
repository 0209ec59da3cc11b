package limits

import "sync/atomic"

type Sysatomic_t int64

type Syslimit_t struct {
	// fixed task arena slots; protected by the scheduler lock
	Systasks int
	// per-task handle table entries
	Handles int
	// pending ops per handle before submission is rejected
	Opqueue int
	// protected by the futex table lock
	Futexes int
	// queued messages per task message queue
	Msgs int
	// wake sets per task
	Wakesets int
	// physical frames in the arena
	Frames int
	// grants outstanding per space
	Grants int
	// pipes system-wide
	Pipes Sysatomic_t
}

var Syslimit *Syslimit_t = MkSysLimit()

func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Systasks: 64,
		Handles:  128,
		Opqueue:  32,
		Futexes:  1024,
		Msgs:     64,
		Wakesets: 16,
		Frames:   1024,
		Grants:   64,
		Pipes:    256,
	}
}

func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64((*int64)(s), int64(n))
}

func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64((*int64)(s), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), int64(n))
	return false
}

// returns false if the limit has been reached.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

func (s *Sysatomic_t) Give() {
	s.Given(1)
}
