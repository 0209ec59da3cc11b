package kernel

import "github.com/andrewimm/idos-nx/aio"
import "github.com/andrewimm/idos-nx/arbiter"
import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/mem"
import "github.com/andrewimm/idos-nx/task"
import "github.com/andrewimm/idos-nx/vm86"

// Kernel_t wires the subsystems together: the frame arena, the scheduler,
// the async io layer, and the arbiter daemon. the first task (tid 1) is
// init, which adopts orphans and otherwise sleeps on its message queue.
type Kernel_t struct {
	Pm  *mem.Physmem_t
	S   *task.Sched_t
	A   *aio.Aio_t
	Arb *arbiter.Arbiter_t
	Log *Klog_t
	// runner used for sandboxes spawned through SYS_CREATE
	Runner vm86.Runner_i
}

func Mkkernel() (*Kernel_t, defs.Err_t) {
	pm := mem.Mkphysmem()
	s := task.Mksched(pm)
	a := aio.Mkaio(s)
	k := &Kernel_t{Pm: pm, S: s, A: a, Log: Mklog(256)}

	s.Onexit(func(t *task.Task_t) {
		k.Log.Printf("task %d (%s) exited, status %#x", t.Tid, t.Name,
			t.Exitstatus())
	})

	if _, err := s.CreateTask(0, "init", k.initmain, [3]uint32{}); err != 0 {
		return nil, err
	}
	arb, err := arbiter.Mkarbiter(s, a)
	if err != 0 {
		return nil, err
	}
	k.Arb = arb
	k.Log.Printf("boot: init %d, arbiter %d", 1, arb.Tid())
	return k, 0
}

// initmain is tid 1: it exists to own orphans and never exits.
func (k *Kernel_t) initmain(t *task.Task_t) {
	for {
		k.S.Recvmsg(t, 0)
	}
}

// Spawn starts a kernel task running entry as a child of parent.
func (k *Kernel_t) Spawn(parent defs.Tid_t, name string, entry func(*task.Task_t)) (defs.Tid_t, defs.Err_t) {
	return k.S.CreateTask(parent, name, entry, [3]uint32{})
}

// Spawndos starts a sandboxed DOS program under the given runner. the task
// exits with the program's exit status, or a fault status if the monitor
// hit an instruction it cannot emulate.
func (k *Kernel_t) Spawndos(parent defs.Tid_t, name string, image []uint8, tail string, run vm86.Runner_i) (defs.Tid_t, defs.Err_t) {
	return k.S.CreateTask(parent, name, func(t *task.Task_t) {
		sb, err := vm86.Mksandbox(k.S, k.A, k.Arb, t, run)
		if err != 0 {
			k.S.Fault(t, err)
			return
		}
		if err := sb.Loadprog(image, tail); err != 0 {
			k.S.Fault(t, err)
			return
		}
		k.S.Exit(t, sb.Run())
	}, [3]uint32{})
}
