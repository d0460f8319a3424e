package env

import (
	"testing"

	"exonix/kern/archio"
	"exonix/kern/defs"
	"exonix/kern/mem"
)

func newTestManager(t *testing.T, nPages int) *Manager {
	t.Helper()
	var tpl [mem.NPTENTRIES]mem.PTE
	a := mem.NewArena(nPages)
	return NewManager(a, &tpl, 1)
}

func TestTrapFrameBytesRoundTrip(t *testing.T) {
	tf := TrapFrame{
		Regs:   Regs{EDI: 1, ESI: 2, EBP: 3, OESP: 4, EBX: 5, EDX: 6, ECX: 7, EAX: 8},
		ES:     0x23,
		DS:     0x23,
		TrapNo: 14,
		Err:    2,
		EIP:    0xDEADBEEF,
		CS:     0x1b,
		EFlags: 0x202,
		ESP:    0xF0000000,
		SS:     0x23,
	}
	var got TrapFrame
	if err := got.FromBytes(tf.Bytes()); err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if got.Regs != tf.Regs || got.EIP != tf.EIP || got.TrapNo != tf.TrapNo ||
		got.Err != tf.Err || got.CS != tf.CS || got.EFlags != tf.EFlags ||
		got.ESP != tf.ESP || got.SS != tf.SS || got.ES != tf.ES || got.DS != tf.DS {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, tf)
	}
}

func TestAllocFirstSlotIsZeroAndHandleMatchesWorkedExample(t *testing.T) {
	m := newTestManager(t, 64)
	e, err := m.Alloc(0, User)
	if err != 0 {
		t.Fatalf("Alloc failed: %v", err)
	}
	want := defs.Handle(1<<EnvGenShift | 0)
	if e.Handle != want {
		t.Errorf("first allocation handle = %#08x, want %#08x (spec.md's worked example)", e.Handle, want)
	}
	if e.Status != Runnable {
		t.Errorf("status after Alloc = %v, want Runnable", e.Status)
	}
	if e.Tf.ESP != uint32(mem.USTACKTOP) {
		t.Errorf("Tf.ESP = %#08x, want %#08x (the initial user stack LoadImage maps)", e.Tf.ESP, uint32(mem.USTACKTOP))
	}
}

func TestAllocFileServerAlsoGetsInitialStackPointer(t *testing.T) {
	m := newTestManager(t, 64)
	e, err := m.Alloc(0, FileServer)
	if err != 0 {
		t.Fatalf("Alloc failed: %v", err)
	}
	if e.Tf.ESP != uint32(mem.USTACKTOP) {
		t.Errorf("Tf.ESP = %#08x, want %#08x", e.Tf.ESP, uint32(mem.USTACKTOP))
	}
}

func TestFreeListOrderMatchesArrayOrder(t *testing.T) {
	m := newTestManager(t, 64)
	e, _ := m.Alloc(0, User)
	if slotOf(e.Handle) != 0 {
		t.Fatalf("first allocation did not come from slot 0")
	}
	e2, _ := m.Alloc(0, User)
	if slotOf(e2.Handle) != 1 {
		t.Errorf("second allocation came from slot %d, want 1", slotOf(e2.Handle))
	}
}

func TestStaleHandleAfterReuseIsBadEnv(t *testing.T) {
	m := newTestManager(t, 64)
	e, _ := m.Alloc(0, User)
	staleHandle := e.Handle

	m.Destroy(0, e) // not Running on this cpu, so freed immediately

	// A fresh alloc reuses slot 0 with an advanced generation, per
	// spec.md's end-to-end scenario 2 (handle becomes (2<<12)|0).
	e2, err := m.Alloc(0, User)
	if err != 0 {
		t.Fatalf("realloc failed: %v", err)
	}
	wantHandle := defs.Handle(2<<EnvGenShift | 0)
	if e2.Handle != wantHandle {
		t.Errorf("reused-slot handle = %#08x, want %#08x", e2.Handle, wantHandle)
	}

	if _, err := m.Resolve(0, staleHandle, false); err != defs.BadEnv {
		t.Errorf("Resolve(stale handle) = %v, want BadEnv", err)
	}
}

func TestResolveRequireRightsParentChild(t *testing.T) {
	m := newTestManager(t, 64)
	parent, _ := m.Alloc(0, User)
	m.Current[0] = parent
	child, _ := m.Alloc(parent.Handle, User)
	stranger, _ := m.Alloc(0, User)

	if _, err := m.Resolve(0, child.Handle, true); err != 0 {
		t.Errorf("Resolve(child, requireRights) = %v, want success", err)
	}
	if _, err := m.Resolve(0, stranger.Handle, true); err != defs.BadEnv {
		t.Errorf("Resolve(unrelated env, requireRights) = %v, want BadEnv", err)
	}
	if _, err := m.Resolve(0, 0, true); err != 0 {
		t.Errorf("Resolve(0, requireRights) for self = %v, want success", err)
	}
}

func TestFreeReturnsSlotToFreeListAndTearsDownAddressSpace(t *testing.T) {
	m := newTestManager(t, 64)
	e, _ := m.Alloc(0, User)
	e.AS.Lock()
	a := e.AS // capture before Destroy clears it
	_ = a
	e.AS.Unlock()

	dirPA := e.AS.DirPA
	m.Destroy(0, e)

	arena := m.alloc.(*mem.Arena)
	if got := arena.Refcnt(dirPA); got != 0 {
		t.Errorf("directory refcount after free = %d, want 0", got)
	}

	// The freed slot must be the next one handed out.
	e2, _ := m.Alloc(0, User)
	if slotOf(e2.Handle) != slotOf(e.Handle) {
		t.Errorf("freed slot was not reused first: got slot %d, want %d", slotOf(e2.Handle), slotOf(e.Handle))
	}
}

func TestRunPromotesAndLoadsDirectory(t *testing.T) {
	m := newTestManager(t, 64)
	e, _ := m.Alloc(0, User)
	cpu := archio.NewFake()

	m.Run(0, cpu, e)

	if e.Status != Running {
		t.Errorf("status after Run = %v, want Running", e.Status)
	}
	if e.RunCount != 1 {
		t.Errorf("RunCount after one Run = %d, want 1", e.RunCount)
	}
	if cpu.CR3 != uint32(e.AS.DirPA) {
		t.Errorf("CR3 = %#08x, want directory %#08x", cpu.CR3, e.AS.DirPA)
	}
	if cpu.ResumeCount != 1 {
		t.Errorf("ResumeCount = %d, want 1", cpu.ResumeCount)
	}
}

func TestRunDemotesPreviousCurrent(t *testing.T) {
	m := newTestManager(t, 64)
	e1, _ := m.Alloc(0, User)
	e2, _ := m.Alloc(0, User)
	cpu := archio.NewFake()

	m.Run(0, cpu, e1)
	m.Run(0, cpu, e2)

	if e1.Status != Runnable {
		t.Errorf("previous current status = %v, want Runnable", e1.Status)
	}
	if e2.Status != Running {
		t.Errorf("new current status = %v, want Running", e2.Status)
	}
}
