package aio

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/mem"
import "github.com/andrewimm/idos-nx/task"

// op record layout in task memory. the record crosses the kernel/task
// boundary by shared memory, never by copy, so the layout is fixed: op
// code, completion signal, return value, three argument words.
const (
	OPOFF_CODE = 0
	OPOFF_SIG  = 4
	OPOFF_RET  = 8
	OPOFF_ARG0 = 12
	OPOFF_ARG1 = 16
	OPOFF_ARG2 = 20
	OPSZ       = 24
)

// Op_t is the kernel's resolved view of a submitted op. the signal and
// return-value words are pinned to physical addresses at submission so the
// completing side (a driver, the arbiter, an interrupt) can finish the op
// without the submitter's page tables.
type Op_t struct {
	Code uint32
	Args [3]uint32
	// submitting task; reads the result after the signal fires
	Tid   defs.Tid_t
	sigpa uint32
	retpa uint32
	// set once the op has been handed to the arbiter; such ops are not
	// cancelled locally but complete with ECANCELED through the driver path
	forwarded bool
	cancelled bool
	completed bool
	// queue the op sits on and the handle it came in through, set at
	// submission
	io *Io_t
	ch defs.Handle_t
}

func (op *Op_t) Cancelled() bool {
	return op.cancelled
}

// Mkop writes a fresh op record into a space and returns its address.
// signal and return value start at zero.
func Mkop(sp *mem.Space_t, va mem.Va_t, code uint32, a0, a1, a2 uint32) defs.Err_t {
	var rec [OPSZ]uint8
	putw(rec[:], OPOFF_CODE, code)
	putw(rec[:], OPOFF_ARG0, a0)
	putw(rec[:], OPOFF_ARG1, a1)
	putw(rec[:], OPOFF_ARG2, a2)
	return sp.Write(va, rec[:])
}

func putw(b []uint8, off int, v uint32) {
	b[off] = uint8(v)
	b[off+1] = uint8(v >> 8)
	b[off+2] = uint8(v >> 16)
	b[off+3] = uint8(v >> 24)
}

func getw(b []uint8, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 |
		uint32(b[off+3])<<24
}

// resolveop reads the op record at va in the submitter's space and pins
// its completion words.
func resolveop(t *task.Task_t, va mem.Va_t) (*Op_t, defs.Err_t) {
	var rec [OPSZ]uint8
	if err := t.Space.Read(va, rec[:]); err != 0 {
		return nil, err
	}
	sigpa, err := t.Space.Translate(va + OPOFF_SIG)
	if err != 0 {
		return nil, err
	}
	retpa, err := t.Space.Translate(va + OPOFF_RET)
	if err != 0 {
		return nil, err
	}
	return &Op_t{
		Code:  getw(rec[:], OPOFF_CODE),
		Args:  [3]uint32{getw(rec[:], OPOFF_ARG0), getw(rec[:], OPOFF_ARG1), getw(rec[:], OPOFF_ARG2)},
		Tid:   t.Tid,
		sigpa: uint32(sigpa),
		retpa: uint32(retpa),
	}, 0
}

// complete writes the return value, then flips the completion signal from
// 0 to non-zero, exactly once, and wakes every futex waiter on the signal
// word. a second completion attempt is ignored; the first write wins.
func (op *Op_t) complete(s *task.Sched_t, rv uint32) bool {
	if op.completed {
		return false
	}
	op.completed = true
	pm := s.Physmem()
	if err := pm.Storew(mem.Pa_t(op.retpa), rv); err != 0 {
		// the submitter tore down the op's backing memory; nothing to
		// signal into
		return false
	}
	if err := pm.Storew(mem.Pa_t(op.sigpa), 1); err != 0 {
		return false
	}
	s.Futwake(op.sigpa, 1<<30)
	return true
}

// Sigkey returns the futex key for the op's completion signal.
func (op *Op_t) Sigkey() uint32 {
	return op.sigpa
}

// Opwait is the passive wait: block via the futex keyed on the signal's
// address until it leaves zero. spurious wakeups are legal, so the signal
// is re-checked in a loop. returns the op's return value.
func Opwait(s *task.Sched_t, t *task.Task_t, opva mem.Va_t) (uint32, defs.Err_t) {
	sigpa, err := t.Space.Translate(opva + OPOFF_SIG)
	if err != 0 {
		return 0, err
	}
	pm := s.Physmem()
	for {
		v, err := pm.Loadw(sigpa)
		if err != 0 {
			return 0, err
		}
		if v != 0 {
			break
		}
		if err := s.Futwait(t, uint32(sigpa), 0, 0); err != 0 {
			return 0, err
		}
	}
	retpa, err := t.Space.Translate(opva + OPOFF_RET)
	if err != 0 {
		return 0, err
	}
	return pm.Loadw(retpa)
}

// Oppoll is the active wait: yield and re-check the signal until it fires.
// observable results match Opwait exactly.
func Oppoll(s *task.Sched_t, t *task.Task_t, opva mem.Va_t) (uint32, defs.Err_t) {
	sigpa, err := t.Space.Translate(opva + OPOFF_SIG)
	if err != 0 {
		return 0, err
	}
	pm := s.Physmem()
	for {
		v, err := pm.Loadw(sigpa)
		if err != 0 {
			return 0, err
		}
		if v != 0 {
			break
		}
		s.Yield(t)
	}
	retpa, err := t.Space.Translate(opva + OPOFF_RET)
	if err != 0 {
		return 0, err
	}
	return pm.Loadw(retpa)
}
