package trap

import (
	"strings"
	"testing"

	"exonix/kern/archio"
	"exonix/kern/defs"
	"exonix/kern/env"
	"exonix/kern/mem"
)

func newTestDispatcher(t *testing.T, nPages int) (*Dispatcher, *env.Manager, *archio.Fake) {
	t.Helper()
	var tpl [mem.NPTENTRIES]mem.PTE
	alloc := mem.NewArena(nPages)
	m := env.NewManager(alloc, &tpl, 1)
	cpu := archio.NewFake()
	var out []string
	d := &Dispatcher{
		CPU:      cpu,
		Manager:  m,
		Syscalls: map[uintptr]SyscallFunc{},
		Out: func(format string, a ...any) {
			out = append(out, format)
		},
	}
	_ = out
	return d, m, cpu
}

func TestBuildGatesOnlyBreakpointAndSyscallAreUserCallable(t *testing.T) {
	gates := BuildGates(0x08)
	for v, g := range gates {
		if !g.Present {
			t.Fatalf("gate %d not marked present", v)
		}
		wantDPL := uint8(0)
		if v == TBrkpt || v == TSyscall {
			wantDPL = 3
		}
		if g.DPL != wantDPL {
			t.Errorf("gate %d DPL = %d, want %d", v, g.DPL, wantDPL)
		}
	}
}

// userEnv builds a Runnable user environment with a plausible ring-3
// trap frame, ready to be set as the current environment on cpu 0.
func userEnv(t *testing.T, m *env.Manager) *env.Env {
	t.Helper()
	e, err := m.Alloc(0, env.User)
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	return e
}

func TestDispatchUnknownSyscallReturnsInval(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running

	e.Tf.Regs.EAX = 999 // no such syscall registered
	frame := e.Tf.Bytes()

	d.Dispatch(0, TSyscall, 0, frame)

	if e.Tf.Regs.EAX != uint32(int32(defs.Inval)) {
		t.Errorf("EAX after unknown syscall = %#08x, want %#08x", e.Tf.Regs.EAX, uint32(int32(defs.Inval)))
	}
}

func TestDispatchKnownSyscallInvokesHandler(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running

	const callNum = 7
	d.Syscalls[callNum] = func(e *env.Env, args SyscallArgs) uintptr {
		return args.A1 + 1
	}
	e.Tf.Regs.EAX = callNum
	e.Tf.Regs.EDX = 41
	frame := e.Tf.Bytes()

	d.Dispatch(0, TSyscall, 0, frame)

	if e.Tf.Regs.EAX != 42 {
		t.Errorf("EAX after known syscall = %d, want 42", e.Tf.Regs.EAX)
	}
}

func TestDispatchBreakpointPrintsBannerAndResumes(t *testing.T) {
	d, m, cpu := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running

	var lines []string
	d.Out = func(format string, a ...any) { lines = append(lines, format) }

	d.Dispatch(0, TBrkpt, 0, e.Tf.Bytes())

	found := false
	for _, l := range lines {
		if strings.Contains(l, "kernel monitor") {
			found = true
		}
	}
	if !found {
		t.Error("breakpoint dispatch did not print the monitor banner")
	}
	if cpu.ResumeCount != 1 {
		t.Errorf("ResumeCount = %d, want 1 (breakpoint resumes the same env)", cpu.ResumeCount)
	}
}

func TestDispatchSpuriousIRQIgnoredAndResumes(t *testing.T) {
	d, m, cpu := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running

	d.Dispatch(0, IRQOffset+IRQSpurious, 0, e.Tf.Bytes())

	if cpu.ResumeCount != 1 {
		t.Errorf("ResumeCount = %d, want 1", cpu.ResumeCount)
	}
}

func TestDispatchClockIRQAcksRTCAndYields(t *testing.T) {
	d, m, cpu := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running

	d.Dispatch(0, IRQOffset+IRQClock, 0, e.Tf.Bytes())

	if cpu.Ports[0x70] != 0x0C {
		t.Errorf("CMOS index port = %#02x, want 0x0C (register C ack)", cpu.Ports[0x70])
	}
	if cpu.ResumeCount != 1 {
		t.Errorf("ResumeCount after clock IRQ = %d, want 1 (yield resumed the only runnable env)", cpu.ResumeCount)
	}
}

func TestDispatchUnhandledUserTrapDestroysEnv(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	other := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running

	d.Dispatch(0, TDivide, 0, e.Tf.Bytes())

	if e.Status != env.Free {
		t.Errorf("faulting user env status = %v, want Free (destroyed)", e.Status)
	}
	if m.Current[0] != other {
		t.Errorf("yield did not resume the remaining runnable env")
	}
}

func TestDispatchUnhandledKernelTrapPanics(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running
	e.Tf.CS = 0x08 // GD_KT, ring 0

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected a panic for an unhandled kernel-mode trap")
		}
	}()
	d.Dispatch(0, TDivide, 0, e.Tf.Bytes())
}

func TestHandlePageFaultNoUpcallDestroysEnv(t *testing.T) {
	d, m, cpu := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running
	e.Tf.CS = 0x1b // ring 3
	cpu.CR2 = 0xDEADB000

	d.HandlePageFault(0, e)

	if e.Status != env.Free {
		t.Errorf("status after fault with no upcall = %v, want Free", e.Status)
	}
}

func TestHandlePageFaultSynthesisesUpcallFrame(t *testing.T) {
	d, m, cpu := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running
	e.Tf.CS = 0x1b
	e.Tf.EIP = 0x00800123
	e.Tf.ESP = mem.USTACKTOP - 16
	e.UpcallVA = 0x00801000
	cpu.CR2 = 0x00900000

	e.AS.Lock()
	e.AS.AddPage(mem.UXSTACKTOP - mem.PGSIZE)
	e.AS.Unlock()

	d.HandlePageFault(0, e)

	if e.Status != env.Running {
		t.Fatalf("status after successful upcall synthesis = %v, want Running (HandlePageFault does not destroy on success)", e.Status)
	}
	if e.Tf.EIP != e.UpcallVA {
		t.Errorf("EIP after page fault = %#08x, want upcall %#08x", e.Tf.EIP, e.UpcallVA)
	}
	wantTop := uint32(mem.UXSTACKTOP) - 4 - env.UserTrapFrameSize
	if e.Tf.ESP != wantTop {
		t.Errorf("ESP after page fault = %#08x, want %#08x", e.Tf.ESP, wantTop)
	}

	e.AS.Lock()
	pte, ok := e.AS.Lookup(mem.Va_t(wantTop))
	e.AS.Unlock()
	if !ok || pte == nil {
		t.Fatal("no mapping found for synthesised frame")
	}
}

func TestHandlePageFaultRecursiveFaultUsesOffsetArithmetic(t *testing.T) {
	d, m, cpu := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running
	e.Tf.CS = 0x1b
	e.UpcallVA = 0x00801000
	cpu.CR2 = 0x00900000

	e.AS.Lock()
	e.AS.AddPage(mem.UXSTACKTOP - mem.PGSIZE)
	e.AS.Unlock()

	// Simulate the user already being on the exception stack (as if a
	// prior upcall had been delivered and then faulted again) by
	// setting ESP somewhere inside the exception-stack page.
	recursiveSP := uint32(mem.UXSTACKTOP) - 100
	e.Tf.ESP = recursiveSP

	d.HandlePageFault(0, e)

	wantTop := recursiveSP - 4 - env.UserTrapFrameSize
	if e.Tf.ESP != wantTop {
		t.Errorf("ESP after recursive page fault = %#08x, want %#08x", e.Tf.ESP, wantTop)
	}
}

func TestHandlePageFaultStackOverflowDestroysEnv(t *testing.T) {
	d, m, cpu := newTestDispatcher(t, 64)
	e := userEnv(t, m)
	m.Current[0] = e
	e.Status = env.Running
	e.Tf.CS = 0x1b
	e.UpcallVA = 0x00801000
	cpu.CR2 = 0x00900000

	e.AS.Lock()
	e.AS.AddPage(mem.UXSTACKTOP - mem.PGSIZE)
	e.AS.Unlock()

	// ESP sitting right at the bottom of the exception-stack page: the
	// synthesised frame would spill below it.
	e.Tf.ESP = uint32(mem.UXSTACKTOP) - mem.PGSIZE

	d.HandlePageFault(0, e)

	if e.Status != env.Free {
		t.Errorf("status after exception-stack overflow = %v, want Free (destroyed)", e.Status)
	}
}
