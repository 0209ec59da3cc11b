package kernel

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/ipc"
import "github.com/andrewimm/idos-nx/mem"
import "github.com/andrewimm/idos-nx/task"

func errret(err defs.Err_t) uint32 {
	return uint32(int32(err))
}

// Syscall is the single numeric entry point: four register arguments in,
// one result word out. syscall entry is the preemption point, so a pending
// tick is consumed before the call runs.
func (k *Kernel_t) Syscall(t *task.Task_t, num int, a0, a1, a2, a3 uint32) uint32 {
	k.S.Maybeyield(t)
	switch num {
	case defs.SYS_EXIT:
		k.S.Exit(t, a0)
		panic("exit returned")
	case defs.SYS_YIELD:
		k.S.Yield(t)
		return 0
	case defs.SYS_SLEEP:
		k.S.Sleep(t, uint64(a0))
		return 0
	case defs.SYS_GETID:
		return uint32(t.Tid)
	case defs.SYS_GETPID:
		return uint32(t.Parent)
	case defs.SYS_SUBMITIO:
		return k.A.Submit(t, defs.Handle_t(a0), mem.Va_t(a1))
	case defs.SYS_SENDMSG:
		return k.sendmsg(t, a0, a1, a2)
	case defs.SYS_FUTWAIT:
		key, err := t.Space.Translate(mem.Va_t(a0))
		if err != 0 {
			return errret(err)
		}
		if err := k.S.Futwait(t, uint32(key), a1, uint64(a2)); err != 0 {
			return errret(err)
		}
		return 0
	case defs.SYS_FUTWAKE:
		key, err := t.Space.Translate(mem.Va_t(a0))
		if err != 0 {
			return errret(err)
		}
		return uint32(k.S.Futwake(uint32(key), int(a1)))
	case defs.SYS_MKWSET:
		ws, err := k.A.Mkwset(t.Tid)
		if err != 0 {
			return errret(err)
		}
		return uint32(ws)
	case defs.SYS_BLOCKWS:
		h, err := k.A.Blockon(t, defs.Wsid_t(a0), uint64(a1))
		if err != 0 {
			return errret(err)
		}
		return uint32(h)
	case defs.SYS_WSADD:
		return errret(k.A.Wsadd(t.Tid, defs.Wsid_t(a0), defs.Handle_t(a1)))
	case defs.SYS_WSDEL:
		return errret(k.A.Wsdel(t.Tid, defs.Wsid_t(a0), defs.Handle_t(a1)))
	case defs.SYS_CREATE:
		return k.createdos(t, a0, a1)
	case defs.SYS_OPENMSGQ:
		h, err := k.A.Openmsgq(t.Tid, defs.Tid_t(a0))
		if err != 0 {
			return errret(err)
		}
		return uint32(h)
	case defs.SYS_OPENIRQ:
		h, err := k.A.Openirq(t.Tid, a0)
		if err != 0 {
			return errret(err)
		}
		return uint32(h)
	case defs.SYS_OPENFILE:
		class, err := rdstr(t, mem.Va_t(a0), int(a1))
		if err != 0 {
			return errret(err)
		}
		h, err := k.Arb.Open(t.Tid, class)
		if err != 0 {
			return errret(err)
		}
		return uint32(h)
	case defs.SYS_MKPIPE:
		h0, h1, err := k.A.Mkpipe(t.Tid)
		if err != 0 {
			return errret(err)
		}
		// both handles in one result word; handle ids stay small
		return uint32(h0)<<16 | uint32(h1)
	case defs.SYS_REGDRV:
		class, err := rdstr(t, mem.Va_t(a0), int(a1))
		if err != 0 {
			return errret(err)
		}
		// a2 packs the hooked vector in the low byte and the length of
		// the ivt stub identification bytes above it; the bytes are at a3
		var stub []uint8
		if n := int(a2 >> 8); n > 0 {
			if n > 64 {
				return errret(-defs.EINVAL)
			}
			stub = make([]uint8, n)
			if err := t.Space.Read(mem.Va_t(a3), stub); err != 0 {
				return errret(err)
			}
		}
		regid, err := k.Arb.Register(t.Tid, class, uint8(a2), stub)
		if err != 0 {
			return errret(err)
		}
		k.Log.Printf("driver %d registered class %q vector %#x", t.Tid,
			class, uint8(a2))
		return regid
	case defs.SYS_XFER:
		h, err := k.A.Transfer(t.Tid, defs.Handle_t(a0), defs.Tid_t(a1))
		if err != 0 {
			return errret(err)
		}
		return uint32(h)
	case defs.SYS_DUP:
		h, err := k.A.Dup(t.Tid, defs.Handle_t(a0))
		if err != 0 {
			return errret(err)
		}
		return uint32(h)
	case defs.SYS_MAPMEM:
		if a0 == 0 {
			base, err := t.Space.Mapany(int(a1), mem.PERM_R|mem.PERM_W)
			if err != 0 {
				return errret(err)
			}
			return uint32(base)
		}
		if err := t.Space.Map(mem.Va_t(a0), int(a1), mem.PERM_R|mem.PERM_W); err != 0 {
			return errret(err)
		}
		return a0
	case defs.SYS_MAPFILE:
		// reserved opcode; file contents arrive over driver-backed handles
		return errret(-defs.ENOSYS)
	}
	return errret(-defs.ENOSYS)
}

func rdstr(t *task.Task_t, va mem.Va_t, n int) (string, defs.Err_t) {
	if n <= 0 || n > 256 {
		return "", -defs.EINVAL
	}
	buf := make([]uint8, n)
	if err := t.Space.Read(va, buf); err != 0 {
		return "", err
	}
	return string(buf), 0
}

// message record as passed to SYS_SENDMSG: type, request id, six argument
// words.
const msgrecsz = 32

func (k *Kernel_t) sendmsg(t *task.Task_t, to uint32, msgva uint32, expticks uint32) uint32 {
	var rec [msgrecsz]uint8
	if err := t.Space.Read(mem.Va_t(msgva), rec[:]); err != 0 {
		return errret(err)
	}
	rdw := func(off int) uint32 {
		return uint32(rec[off]) | uint32(rec[off+1])<<8 |
			uint32(rec[off+2])<<16 | uint32(rec[off+3])<<24
	}
	msg := ipc.Msg_t{Mtype: rdw(0), Reqid: rdw(4)}
	for i := range msg.Args {
		msg.Args[i] = rdw(8 + 4*i)
	}
	if err := k.S.Sendmsg(t.Tid, defs.Tid_t(to), msg, uint64(expticks)); err != 0 {
		return errret(err)
	}
	// handles watching the target's queue become ready
	k.A.Kickmsgq(defs.Tid_t(to))
	return 0
}

// createdos spawns a sandboxed DOS child from an image in the caller's
// memory, under the kernel's configured runner.
func (k *Kernel_t) createdos(t *task.Task_t, imgva uint32, imglen uint32) uint32 {
	if k.Runner == nil || imglen == 0 || imglen > 0x10000 {
		return errret(-defs.EINVAL)
	}
	img := make([]uint8, imglen)
	if err := t.Space.Read(mem.Va_t(imgva), img); err != 0 {
		return errret(err)
	}
	tid, err := k.Spawndos(t.Tid, "dos", img, "", k.Runner)
	if err != 0 {
		return errret(err)
	}
	return uint32(tid)
}
