package vm86

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/ipc"
import "github.com/andrewimm/idos-nx/mem"

// instruction prefixes skipped before classifying a trapped instruction
var prefixes = map[uint8]bool{
	0x2e: true, 0x3e: true, 0x26: true, 0x36: true, // segment overrides
	0x65: true, 0x64: true, // gs, fs
	0x66: true, 0x67: true, // operand/address size
	0xf2: true, 0xf3: true, // rep
}

// Run drives the sandbox to completion: the runner executes until a
// privileged instruction traps, and the monitor emulates it. returns the
// program's exit status. an instruction the monitor cannot emulate
// terminates the program with a fault status; the rest of the system is
// untouched.
func (sb *Sandbox_t) Run() uint32 {
	for !sb.done {
		sb.s.Maybeyield(sb.T)
		switch sb.run.Step(sb, &sb.Regs) {
		case TRAP_EXIT:
			sb.done = true
		case TRAP_NONE:
		case TRAP_GPF:
			sb.gpf()
		}
	}
	return sb.status
}

func (sb *Sandbox_t) terminate(status uint32) {
	sb.done = true
	sb.status = status
}

func (sb *Sandbox_t) push16(v uint16) {
	sb.Regs.SP -= 2
	sb.wr16(linear(sb.Regs.SS, sb.Regs.SP), v)
}

func (sb *Sandbox_t) pop16() uint16 {
	v := sb.rd16(linear(sb.Regs.SS, sb.Regs.SP))
	sb.Regs.SP += 2
	return v
}

// gpf classifies and emulates the instruction at CS:IP.
func (sb *Sandbox_t) gpf() {
	r := &sb.Regs
	off := uint16(0)
	var op uint8
	for {
		op = sb.rd8(linear(r.CS, r.IP+off))
		if !prefixes[op] {
			break
		}
		off++
		if off > 14 {
			sb.terminate(defs.Opret(0, -defs.EFAULT))
			return
		}
	}
	switch op {
	case 0x9c: // pushf
		sb.push16(r.FLAGS)
		r.IP += off + 1
	case 0x9d: // popf
		r.FLAGS = sb.pop16()
		r.IP += off + 1
	case 0xfa: // cli
		r.FLAGS &^= FL_IF
		r.IP += off + 1
	case 0xfb: // sti
		r.FLAGS |= FL_IF
		r.IP += off + 1
	case 0xcd: // int imm8
		vec := sb.rd8(linear(r.CS, r.IP+off+1))
		sb.intn(vec, off+2)
	case 0xcf: // iret
		r.IP = sb.pop16()
		r.CS = sb.pop16()
		r.FLAGS = sb.pop16()
	case 0xf4: // hlt
		if r.CS == STUBSEG {
			// a reflected interrupt landed in a kernel hook stub; the
			// vector byte follows the hlt
			vec := sb.rd8(linear(r.CS, r.IP+off+1))
			sb.hookfire(vec)
			r.IP = sb.pop16()
			r.CS = sb.pop16()
			r.FLAGS = sb.pop16()
			return
		}
		sb.s.Yield(sb.T)
		r.IP += off + 1
	case 0xe4, 0xe5: // in al/ax, imm8
		r.AX |= 0x00ff
		if op == 0xe5 {
			r.AX = 0xffff
		}
		r.IP += off + 2
	case 0xe6, 0xe7: // out imm8, al/ax
		r.IP += off + 2
	case 0xec, 0xed: // in al/ax, dx
		r.AX |= 0x00ff
		if op == 0xed {
			r.AX = 0xffff
		}
		r.IP += off + 1
	case 0xee, 0xef: // out dx, al/ax
		r.IP += off + 1
	default:
		sb.terminate(defs.Opret(0, -defs.EFAULT))
	}
}

// intn dispatches a software interrupt: the DOS API and kernel-hooked
// vectors are handled here, everything else reflects through the sandbox
// IVT.
func (sb *Sandbox_t) intn(vec uint8, ilen uint16) {
	r := &sb.Regs
	switch {
	case vec == 0x20:
		sb.terminate(0)
	case vec == 0x21:
		r.IP += ilen
		sb.dos21()
	default:
		if _, ok := sb.arb.Vectordriver(vec); ok {
			sb.hookfire(vec)
			r.IP += ilen
			return
		}
		sb.push16(r.FLAGS)
		sb.push16(r.CS)
		sb.push16(r.IP + ilen)
		r.FLAGS &^= FL_IF
		r.IP = sb.rd16(mem.Va_t(vec) * 4)
		r.CS = sb.rd16(mem.Va_t(vec)*4 + 2)
	}
}

// hookfire notifies the driver that hooked the vector; the program resumes
// without waiting for the driver.
func (sb *Sandbox_t) hookfire(vec uint8) {
	drv, ok := sb.arb.Vectordriver(vec)
	if !ok {
		return
	}
	r := &sb.Regs
	msg := ipc.Msg_t{
		Mtype: defs.DRV_INT,
		Args: [6]uint32{uint32(vec), uint32(r.AX), uint32(r.BX),
			uint32(r.CX), uint32(r.DX), uint32(sb.T.Tid)},
	}
	sb.s.Sendmsg(sb.T.Tid, drv, msg, 0)
	sb.a.Kickmsgq(drv)
}
