package task

import "runtime"
import "sync"

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/ipc"
import "github.com/andrewimm/idos-nx/limits"
import "github.com/andrewimm/idos-nx/mem"

type State_t int

const (
	SREADY State_t = iota
	SRUNNING
	SSLEEP
	SBLOCKFUT // blocked on a completion-signal word
	SBLOCKMSG // blocked on the message queue
	SBLOCKCLD // blocked waiting for a child to exit
	SDEAD
)

type Task_t struct {
	Tid    defs.Tid_t
	Parent defs.Tid_t
	Name   string
	// one owned address space; freed on exit
	Space *mem.Space_t
	Args  [3]uint32

	state State_t
	// run token; a dispatched task holds exactly one
	runch chan bool
	// closed when the task reaches SDEAD
	deadch chan bool

	// valid while blocked: absolute tick at which the block times out
	// (0 = no timeout), and what the task is blocked on
	timeout  uint64
	timedout bool
	waitkey  uint32     // SBLOCKFUT: signal word physical address
	waitcld  defs.Tid_t // SBLOCKCLD
	waitret  uint32     // exit status delivered by the child

	msgq   *ipc.Msgq_t
	exitst uint32
	// set by the arbiter when the task registers as a driver
	Isdriver bool
}

func (t *Task_t) park() {
	<-t.runch
}

// Deadch lets an outside observer (the kernel test harness) wait for the
// task to fully terminate.
func (t *Task_t) Deadch() <-chan bool {
	return t.deadch
}

func (t *Task_t) Exitstatus() uint32 {
	return t.exitst
}

// Sched_t is the kernel-wide task arena and run queue. there is exactly one
// logical CPU: the mutex stands in for the interrupt-disable discipline
// that guards structural mutation on real hardware.
type Sched_t struct {
	sync.Mutex
	pm      *mem.Physmem_t
	tasks   map[defs.Tid_t]*Task_t
	runq    []defs.Tid_t
	running defs.Tid_t
	nexttid defs.Tid_t
	ticks   uint64
	preempt bool
	// cascading-cleanup hooks run on task exit, registered by the layers
	// above (handle tables, arbiter, vm86 monitor)
	onexit []func(*Task_t)

	fut *futtab_t
}

func Mksched(pm *mem.Physmem_t) *Sched_t {
	s := &Sched_t{
		pm:    pm,
		tasks: make(map[defs.Tid_t]*Task_t),
	}
	s.fut = mkfuttab(s)
	return s
}

func (s *Sched_t) Onexit(f func(*Task_t)) {
	s.Lock()
	s.onexit = append(s.onexit, f)
	s.Unlock()
}

func (s *Sched_t) Physmem() *mem.Physmem_t {
	return s.pm
}

// Get resolves a tid. stale ids resolve to not-found rather than dangling.
func (s *Sched_t) Get(tid defs.Tid_t) (*Task_t, bool) {
	s.Lock()
	t, ok := s.tasks[tid]
	s.Unlock()
	return t, ok
}

func (s *Sched_t) Ticks() uint64 {
	s.Lock()
	n := s.ticks
	s.Unlock()
	return n
}

// CreateTask allocates a task slot, its address space, and its run
// goroutine. fails with ENOMEM when the arena is full; no partial task is
// left behind.
func (s *Sched_t) CreateTask(parent defs.Tid_t, name string, entry func(*Task_t), args [3]uint32) (defs.Tid_t, defs.Err_t) {
	s.Lock()
	if len(s.tasks) >= limits.Syslimit.Systasks {
		s.Unlock()
		return 0, -defs.ENOMEM
	}
	s.nexttid++
	t := &Task_t{
		Tid:    s.nexttid,
		Parent: parent,
		Name:   name,
		Space:  mem.Mkspace(s.pm),
		Args:   args,
		state:  SREADY,
		runch:  make(chan bool, 1),
		deadch: make(chan bool),
		msgq:   ipc.Mkmsgq(),
	}
	s.tasks[t.Tid] = t
	s.rqpush(t.Tid)
	s.dispatchidle()
	s.Unlock()

	go func() {
		t.park()
		entry(t)
		// entry fell off the end without an explicit exit
		s.Exit(t, 0)
	}()
	return t.Tid, 0
}

// Exit terminates the calling task: cascading release of its handles and
// grants, re-parenting of children, and wake of any waiter blocked on this
// task's completion. never returns.
func (s *Sched_t) Exit(t *Task_t, status uint32) {
	s.Lock()
	hooks := make([]func(*Task_t), len(s.onexit))
	copy(hooks, s.onexit)
	s.Unlock()
	for _, h := range hooks {
		h(t)
	}
	t.Space.Uvmfree()
	s.fut.droptask(t.Tid)

	s.Lock()
	t.exitst = status
	t.state = SDEAD
	delete(s.tasks, t.Tid)

	// re-parent children to the nearest live ancestor, or the root task
	newp := t.Parent
	if _, ok := s.tasks[newp]; !ok {
		newp = 1
	}
	for _, c := range s.tasks {
		if c.Parent == t.Tid {
			c.Parent = newp
		}
	}
	// wake waiters blocked on this task's completion
	for _, w := range s.tasks {
		if w.state == SBLOCKCLD && w.waitcld == t.Tid {
			w.waitret = status
			w.timedout = false
			s.mkready(w)
		}
	}
	if s.running == t.Tid {
		s.running = 0
	}
	s.dispatchidle()
	s.Unlock()
	close(t.deadch)
	// an explicit exit must not resume the caller
	runtime.Goexit()
}

// Fault terminates a task from monitor context with an error status; the
// rest of the system continues.
func (s *Sched_t) Fault(t *Task_t, err defs.Err_t) {
	s.Exit(t, defs.Opret(0, err))
}

// Waitchild blocks until the named child exits, returning its status.
func (s *Sched_t) Waitchild(t *Task_t, child defs.Tid_t, toticks uint64) (uint32, defs.Err_t) {
	s.Lock()
	c, ok := s.tasks[child]
	if !ok || c.Parent != t.Tid {
		s.Unlock()
		return 0, -defs.ENOENT
	}
	t.waitcld = child
	s.blocklocked(t, SBLOCKCLD, toticks)
	if t.timedout {
		return 0, -defs.ETIMEDOUT
	}
	return t.waitret, 0
}
