// Package trap implements §4.3 and §4.4 of spec.md: IDT/TSS
// construction, the common dispatch policy every trap vector shares,
// and the page-fault-specific synthesis of a user-trap-frame upcall.
// It is the one package that reaches into every other kernel package
// (archio for the architectural surface, env for the current
// environment, vm for the faulting address space, kclock for the RTC
// ack, monitor for the breakpoint drop-in) — exactly the role
// spec.md §2 describes for "trap dispatch + IDT/TSS bring-up".
package trap

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"exonix/kern/archio"
	"exonix/kern/defs"
	"exonix/kern/env"
	"exonix/kern/kclock"
	"exonix/kern/mem"
	"exonix/kern/monitor"
)

// Trap vector numbers, named the way original_source/inc/trap.h names
// them.
const (
	TDivide = 0
	TDebug  = 1
	TNMI    = 2
	TBrkpt  = 3
	TOflow  = 4
	TBound  = 5
	TIllop  = 6
	TDevice = 7
	TDblFlt = 8
	TTSS    = 10
	TSegNP  = 11
	TStack  = 12
	TGPFlt  = 13
	TPgFlt  = 14
	TFPErr  = 16
	TAlign  = 17
	TMChk   = 18
	TSimdEr = 19

	// IRQOffset is the vector at which hardware IRQs begin, after the
	// 32 architectural exception vectors.
	IRQOffset = 32

	IRQTimer    = 0
	IRQKbd      = 1
	IRQSerial   = 4
	IRQSpurious = 7
	IRQClock    = 8 // RTC, wired to IRQ8 on the slave PIC
	IRQIDE      = 14
	IRQError    = 19

	// TSyscall is the software-interrupt vector user code uses to make
	// system calls; DPL 3 so it is callable from ring 3.
	TSyscall = 48
)

// SyscallArgs is the register convention spec.md §6 fixes: call
// number in eax, up to five arguments in edx, ecx, ebx, edi, esi.
type SyscallArgs struct {
	Num                uintptr
	A1, A2, A3, A4, A5 uintptr
}

// SyscallFunc is the shape every entry in a Dispatcher's syscall
// table must have.
type SyscallFunc func(e *env.Env, args SyscallArgs) uintptr

// Dispatcher is the aggregate §4.3 describes depending on archio.CPU,
// kern/env.Manager, kern/kclock, and kern/monitor. KernelText and
// KernelTextBase are optional (kern/kernel's Boot leaves them unset):
// when the caller sets them, a kernel-mode panic decodes the faulting
// instruction via x86asm before halting; when unset, the panic message
// omits the decode rather than guessing.
type Dispatcher struct {
	CPU     archio.CPU
	Manager *env.Manager
	Syscalls map[uintptr]SyscallFunc

	KernelText     []byte
	KernelTextBase uint32

	Out func(format string, a ...any)
}

func (d *Dispatcher) out(format string, a ...any) {
	if d.Out != nil {
		d.Out(format, a...)
		return
	}
	monitor.Printf(format, a...)
}

// BuildGates returns one interrupt-gate descriptor per architectural
// exception vector and per hardware IRQ in use, all DPL 0 except the
// breakpoint and syscall gates (DPL 3, callable from user mode), per
// spec.md §4.3. The real stub addresses are supplied by the
// assembly-level entry points this module does not contain (spec.md
// §9's "Assembly surface"); Offset is left at the vector number as a
// placeholder a real boot sequence would overwrite.
func BuildGates(codeSelector uint16) []archio.GateDesc {
	const nVectors = IRQOffset + IRQError + 1
	gates := make([]archio.GateDesc, nVectors)
	for v := range gates {
		dpl := uint8(0)
		if v == TBrkpt || v == TSyscall {
			dpl = 3
		}
		gates[v] = archio.GateDesc{
			Selector: codeSelector,
			Offset:   uint32(v),
			DPL:      dpl,
			Present:  true,
		}
	}
	return gates
}

// Install loads the gate table and the task-state segment that
// supplies the kernel stack pointer used on ring-3-to-ring-0
// transitions.
func Install(cpu archio.CPU, codeSelector uint16, kernStackTop uint32, stackSelector uint16) {
	cpu.LoadIDT(BuildGates(codeSelector))
	cpu.LoadTSS(archio.TSSDesc{ESP0: kernStackTop, SS0: stackSelector})
}

// Dispatch implements §4.3's common policy: garbage-collect the
// current environment if Dying, copy the on-stack trap frame into its
// saved frame, then switch on trap number. trapno and errcode are the
// values the entry stub pushed; frame is the remaining on-stack
// layout beginning at the saved general registers.
func (d *Dispatcher) Dispatch(cpu int, trapno, errcode uint32, frame []byte) {
	cur := d.Manager.Current[cpu]
	if cur == nil {
		panic("trap: dispatch invoked with no current environment")
	}
	if cur.Status == env.Dying {
		d.Manager.Destroy(cpu, cur)
		d.yield(cpu)
		return
	}

	if err := cur.Tf.FromBytes(frame); err != nil {
		panic("trap: malformed trap frame: " + err.Error())
	}
	cur.Tf.TrapNo = trapno
	cur.Tf.Err = errcode

	switch {
	case trapno == TPgFlt:
		d.HandlePageFault(cpu, cur)
		if cur.Status == env.Running {
			cur.Status = env.Runnable
		}
		d.yield(cpu)
		return

	case trapno == TSyscall:
		d.dispatchSyscall(cur)
		if cur.Status == env.Running {
			cur.Status = env.Runnable
		}
		d.yield(cpu)
		return

	case trapno == TBrkpt:
		d.dropToMonitor(cur)
		// falls through to the resume-if-still-running tail below

	case trapno == IRQOffset+IRQSpurious:
		d.out("trap: spurious IRQ, ignoring\n")

	case trapno == IRQOffset+IRQClock:
		kclock.AckInterrupt(d.CPU)
		if cur.Status == env.Running {
			cur.Status = env.Runnable
		}
		d.yield(cpu)
		return

	default:
		d.printTrapFrame(cur)
		if cur.Tf.CS&3 == 0 {
			panic(d.kernelFaultMessage(cur))
		}
		d.Manager.Destroy(cpu, cur)
		d.yield(cpu)
		return
	}

	if cur.Status == env.Running {
		d.Manager.Run(cpu, d.CPU, cur)
	} else {
		d.yield(cpu)
	}
}

func (d *Dispatcher) dispatchSyscall(cur *env.Env) {
	args := SyscallArgs{
		Num: uintptr(cur.Tf.Regs.EAX),
		A1:  uintptr(cur.Tf.Regs.EDX),
		A2:  uintptr(cur.Tf.Regs.ECX),
		A3:  uintptr(cur.Tf.Regs.EBX),
		A4:  uintptr(cur.Tf.Regs.EDI),
		A5:  uintptr(cur.Tf.Regs.ESI),
	}
	fn, ok := d.Syscalls[args.Num]
	if !ok {
		cur.Tf.Regs.EAX = uint32(int32(defs.Inval))
		return
	}
	cur.Tf.Regs.EAX = uint32(fn(cur, args))
}

// dropToMonitor prints the monitor banner; it reads and runs no
// monitor commands, so the breakpoint arm resumes right after it.
func (d *Dispatcher) dropToMonitor(cur *env.Env) {
	d.out("Welcome to the kernel monitor!\nType 'help' for a list of commands.\n")
}

// yield selects the next Runnable environment round-robin, starting
// just after the slot most recently current on cpu, and resumes it.
func (d *Dispatcher) yield(cpu int) {
	start := 0
	if cur := d.Manager.Current[cpu]; cur != nil {
		start = int(uint32(cur.Handle)&(env.NENV-1)) + 1
	}
	for i := 0; i < len(d.Manager.Envs); i++ {
		idx := (start + i) % len(d.Manager.Envs)
		if d.Manager.Envs[idx].Status == env.Runnable {
			d.Manager.Run(cpu, d.CPU, &d.Manager.Envs[idx])
			return
		}
	}
	panic("trap: no runnable environment to yield to")
}

func (d *Dispatcher) printTrapFrame(cur *env.Env) {
	d.out("TRAP frame at env %#08x\n", uint32(cur.Handle))
	d.out("  trapno %#02x  err %#08x\n", cur.Tf.TrapNo, cur.Tf.Err)
	d.out("  eip %#08x  esp %#08x  eflags %#08x\n", cur.Tf.EIP, cur.Tf.ESP, cur.Tf.EFlags)
	d.out("  cs %#04x  ss %#04x\n", cur.Tf.CS, cur.Tf.SS)
}

// kernelFaultMessage formats the panic string for a kernel-mode fault,
// including a best-effort instruction decode via x86asm when the
// kernel's text bytes were registered at boot (golang.org/x/arch,
// grounded in the teacher's own dependency on that module).
func (d *Dispatcher) kernelFaultMessage(cur *env.Env) string {
	msg := fmt.Sprintf("trap: fault in kernel mode at eip %#08x, trapno %d", cur.Tf.EIP, cur.Tf.TrapNo)
	if d.KernelText == nil {
		return msg
	}
	off := int(cur.Tf.EIP - d.KernelTextBase)
	if off < 0 || off >= len(d.KernelText) {
		return msg
	}
	inst, err := x86asm.Decode(d.KernelText[off:], 32)
	if err != nil {
		return msg
	}
	return fmt.Sprintf("%s\n  faulting instruction: %s", msg, inst.String())
}

// HandlePageFault implements §4.4's policy. faultVA is read from the
// CPU's fault-address register (CR2 on real x86).
func (d *Dispatcher) HandlePageFault(cpu int, cur *env.Env) {
	faultVA := d.CPU.ReadCR2()

	if cur.Tf.CS&3 == 0 {
		panic(fmt.Sprintf("trap: page fault in kernel mode, va %#08x eip %#08x", faultVA, cur.Tf.EIP))
	}

	if cur.UpcallVA == 0 {
		d.out("user fault va %#08x ip %#08x\n", faultVA, cur.Tf.EIP)
		d.printTrapFrame(cur)
		d.Manager.Destroy(cpu, cur)
		return
	}

	espPage := uint32(mem.UXSTACKTOP) - mem.PGSIZE
	sp := cur.Tf.ESP
	var newTop uint32
	if sp >= espPage && sp < uint32(mem.UXSTACKTOP) {
		// Recursive fault: the user was already on the exception stack
		// when it faulted again.
		newTop = sp - 4 - env.UserTrapFrameSize
	} else {
		newTop = uint32(mem.UXSTACKTOP) - 4 - env.UserTrapFrameSize
	}
	if newTop < espPage || newTop+env.UserTrapFrameSize > uint32(mem.UXSTACKTOP) {
		// The synthesised frame would spill outside the single
		// exception-stack page: treat as a stack overflow.
		d.Manager.Destroy(cpu, cur)
		return
	}

	utf := env.UserTrapFrame{
		FaultVA: faultVA,
		Err:     cur.Tf.Err,
		Regs:    cur.Tf.Regs,
		EIP:     cur.Tf.EIP,
		EFlags:  cur.Tf.EFlags,
		ESP:     cur.Tf.ESP,
	}

	cur.AS.Lock()
	ok := cur.AS.WriteAt(mem.Va_t(newTop), utf.Bytes())
	cur.AS.Unlock()
	if !ok {
		d.Manager.Destroy(cpu, cur)
		return
	}

	cur.Tf.EIP = cur.UpcallVA
	cur.Tf.ESP = newTop
}
