// Package env implements §4.1 of spec.md: environment identity,
// allocation, lifecycle, and context switch. It is the Go analogue of
// the teacher's proc package (biscuit/src/proc), cut down to the
// single-process-per-protection-domain model spec.md describes (no
// threads, no scheduler groups — just one register frame and one
// address space per environment).
package env

import (
	"encoding/binary"
	"fmt"

	"exonix/kern/archio"
	"exonix/kern/defs"
	"exonix/kern/mem"
	"exonix/kern/vm"
)

// EnvGenShift is the width of the slot-index field within a handle.
// The spec's worked example (N_ENV=1024, first handle = (1<<12)|0)
// uses 12 even though log2(1024) is 10; 12 only needs to be
// >= log2(N_ENV), matching original_source/kern/env.c's own comment
// on ENVGENSHIFT ("this allows 2^12 envs, ... must be >= LOGNENV").
const EnvGenShift = 12

// NENV is the fixed size of the environment table.
const NENV = 1024

// Status is an environment's scheduling state.
type Status int

const (
	Free Status = iota
	Runnable
	Running
	NotRunnable
	Dying
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case NotRunnable:
		return "not-runnable"
	case Dying:
		return "dying"
	default:
		return "unknown"
	}
}

// Type distinguishes ordinary user environments from the two
// privileged kinds spec.md §3 names.
type Type int

const (
	User Type = iota
	KernelSpace
	FileServer
)

// Regs is the general-purpose register block pushed by the trap
// entry stub's `pusha`, in the order the x86 architecture defines it.
// OESP is the useless (pre-pusha) stack-pointer slot `pusha`
// leaves behind; nothing reads it, but it occupies its four bytes in
// the on-stack layout, so it must be kept for Bytes() to round-trip.
type Regs struct {
	EDI, ESI, EBP, OESP uint32
	EBX, EDX, ECX, EAX  uint32
}

// TrapFrame is the exact on-stack layout the trap entry stub
// produces: general registers, segment selectors, trap number, error
// code, instruction pointer, code selector, flags, and (present
// whenever a privilege change occurred) user stack pointer and stack
// selector. Segment selectors are 16-bit but each occupies a 32-bit
// slot on the stack (the upper half is padding the CPU never reads),
// mirrored here as explicit padding fields so Bytes() reproduces the
// real layout byte-for-byte.
type TrapFrame struct {
	Regs                   Regs
	ES, esPad              uint16
	DS, dsPad              uint16
	TrapNo, Err            uint32
	EIP                    uint32
	CS, csPad              uint16
	EFlags                 uint32
	ESP                    uint32
	SS, ssPad              uint16
}

// Bytes marshals the trap frame into the byte-for-byte on-stack
// layout the return-from-trap instruction sequence expects.
func (tf *TrapFrame) Bytes() []byte {
	buf := make([]byte, 0, 64)
	le := binary.LittleEndian
	put32 := func(v uint32) { buf = le.AppendUint32(buf, v) }
	put16 := func(v uint16) { buf = le.AppendUint16(buf, v) }
	put32(tf.Regs.EDI)
	put32(tf.Regs.ESI)
	put32(tf.Regs.EBP)
	put32(tf.Regs.OESP)
	put32(tf.Regs.EBX)
	put32(tf.Regs.EDX)
	put32(tf.Regs.ECX)
	put32(tf.Regs.EAX)
	put16(tf.ES)
	put16(0)
	put16(tf.DS)
	put16(0)
	put32(tf.TrapNo)
	put32(tf.Err)
	put32(tf.EIP)
	put16(tf.CS)
	put16(0)
	put32(tf.EFlags)
	put32(tf.ESP)
	put16(tf.SS)
	put16(0)
	return buf
}

// FromBytes unmarshals a trap frame previously produced by Bytes.
func (tf *TrapFrame) FromBytes(b []byte) error {
	if len(b) < 60 {
		return fmt.Errorf("env: trap frame too short: %d bytes", len(b))
	}
	le := binary.LittleEndian
	tf.Regs.EDI = le.Uint32(b[0:])
	tf.Regs.ESI = le.Uint32(b[4:])
	tf.Regs.EBP = le.Uint32(b[8:])
	tf.Regs.OESP = le.Uint32(b[12:])
	tf.Regs.EBX = le.Uint32(b[16:])
	tf.Regs.EDX = le.Uint32(b[20:])
	tf.Regs.ECX = le.Uint32(b[24:])
	tf.Regs.EAX = le.Uint32(b[28:])
	tf.ES = le.Uint16(b[32:])
	tf.DS = le.Uint16(b[36:])
	tf.TrapNo = le.Uint32(b[40:])
	tf.Err = le.Uint32(b[44:])
	tf.EIP = le.Uint32(b[48:])
	tf.CS = le.Uint16(b[52:])
	tf.EFlags = le.Uint32(b[56:])
	if len(b) >= 68 {
		tf.ESP = le.Uint32(b[60:])
		tf.SS = le.Uint16(b[64:])
	}
	return nil
}

// UserTrapFrame is the smaller frame synthesised on the user
// exception stack before a page-fault upcall, per spec.md §3/§4.4.
type UserTrapFrame struct {
	FaultVA uint32
	Err     uint32
	Regs    Regs
	EIP     uint32
	EFlags  uint32
	ESP     uint32
}

// Bytes marshals a user trap frame for writing onto the exception stack.
func (u *UserTrapFrame) Bytes() []byte {
	buf := make([]byte, 0, 40)
	le := binary.LittleEndian
	put32 := func(v uint32) { buf = le.AppendUint32(buf, v) }
	put32(u.FaultVA)
	put32(u.Err)
	put32(u.Regs.EDI)
	put32(u.Regs.ESI)
	put32(u.Regs.EBP)
	put32(u.Regs.OESP)
	put32(u.Regs.EBX)
	put32(u.Regs.EDX)
	put32(u.Regs.ECX)
	put32(u.Regs.EAX)
	put32(u.EIP)
	put32(u.EFlags)
	put32(u.ESP)
	return buf
}

// UserTrapFrameSize is the fixed on-stack size of a UserTrapFrame (13
// four-byte words, as Bytes writes them), used by the page-fault
// handler's recursive-fault arithmetic.
const UserTrapFrameSize = 52

// Env is one environment: identity, lifecycle state, saved register
// frame, and address space.
type Env struct {
	Handle       defs.Handle
	Status       Status
	ParentHandle defs.Handle
	Type         Type
	Tf           TrapFrame
	AS           *vm.AddressSpace
	UpcallVA     uint32 // 0 means "no upcall registered"
	IPCRecving   bool
	RunCount     uint64

	link int // free-list next index, or -1
}

// Manager owns the environment table, free list, and one
// current-environment pointer per hypothetical CPU — §5's "a curenv
// per CPU" without implementing cross-CPU scheduling itself.
//
// Grounded on original_source/kern/env.c's env_init/env_alloc/
// env_free/env_destroy/env_run, adapted from a global `envs` array
// and bare `curenv` pointer to an injected aggregate so tests can
// construct independent Managers.
type Manager struct {
	Envs     []Env
	freeHead int

	Current []*Env // indexed by CPUID

	kernTemplate *[mem.NPTENTRIES]mem.PTE
	alloc        mem.PageAllocator

	// KernelStackWatermark documents §9 Open Question 1: the
	// kernel-stack carve-out for KernelSpace environments is a
	// monotonically decreasing watermark that is never reclaimed,
	// exactly as the original source leaves it. It is exposed here so
	// callers can observe the limitation rather than have it silently
	// patched over.
	KernelStackWatermark uint32
}

// NewManager builds an environment table of NENV slots, all initially
// free in array order (slot 0 is the first allocation), and nCPU
// current-environment slots.
func NewManager(alloc mem.PageAllocator, kernTemplate *[mem.NPTENTRIES]mem.PTE, nCPU int) *Manager {
	m := &Manager{
		Envs:         make([]Env, NENV),
		alloc:        alloc,
		kernTemplate: kernTemplate,
		Current:      make([]*Env, nCPU),
	}
	for i := range m.Envs {
		m.Envs[i].link = i + 1
		m.Envs[i].Status = Free
	}
	m.Envs[NENV-1].link = -1
	m.freeHead = 0
	return m
}

func slotOf(handle defs.Handle) int {
	return int(uint32(handle) & (NENV - 1))
}

// Resolve looks up the environment named by handle. Handle 0 means
// "the environment belonging to cpu". If requireRights is set, the
// resolved environment must be either the current one on cpu or an
// immediate child of it.
func (m *Manager) Resolve(cpu int, handle defs.Handle, requireRights bool) (*Env, defs.Err_t) {
	if handle == 0 {
		if m.Current[cpu] == nil {
			return nil, defs.BadEnv
		}
		return m.Current[cpu], 0
	}
	slot := slotOf(handle)
	if slot < 0 || slot >= len(m.Envs) {
		return nil, defs.BadEnv
	}
	e := &m.Envs[slot]
	if e.Status == Free || e.Handle != handle {
		return nil, defs.BadEnv
	}
	if requireRights {
		cur := m.Current[cpu]
		if cur == nil || (e != cur && e.ParentHandle != cur.Handle) {
			return nil, defs.BadEnv
		}
	}
	return e, 0
}

// Alloc pops the free list, builds the new environment's address
// space, assigns it a fresh generation-tagged handle, and marks it
// Runnable. parent is 0 if the kernel itself is the creator.
//
// Grounded on original_source/kern/env.c's env_alloc.
func (m *Manager) Alloc(parent defs.Handle, typ Type) (*Env, defs.Err_t) {
	if m.freeHead == -1 {
		return nil, defs.NoFreeEnv
	}
	slot := m.freeHead
	e := &m.Envs[slot]

	as, err := vm.New(m.alloc, m.kernTemplate)
	if err != 0 {
		return nil, err
	}

	m.freeHead = e.link

	gen := (uint32(e.Handle) >> EnvGenShift) + 1
	handle := defs.Handle(gen<<EnvGenShift | uint32(slot))
	if int32(handle) <= 0 {
		// Handles must be positive when interpreted as signed; restart
		// the generation counter rather than wrap into negative space.
		handle = defs.Handle(uint32(1)<<EnvGenShift | uint32(slot))
	}

	*e = Env{
		Handle:       handle,
		Status:       Runnable,
		ParentHandle: parent,
		Type:         typ,
		AS:           as,
		link:         e.link,
	}

	switch typ {
	case User, FileServer:
		e.Tf.DS = 0x23 // GD_UT | 3
		e.Tf.ES = 0x23
		e.Tf.SS = 0x23 // set before CS, per §9 decision 3
		e.Tf.CS = 0x1b // GD_UT | 3
		e.Tf.ESP = uint32(mem.USTACKTOP)
	case KernelSpace:
		e.Tf.DS = 0x10 // GD_KD
		e.Tf.ES = 0x10
		e.Tf.SS = 0x10
		e.Tf.CS = 0x08 // GD_KT
		e.Tf.ESP = m.carveKernelStack()
	}
	const FLEnableInterrupt = 1 << 9 // EFLAGS.IF
	e.Tf.EFlags = FLEnableInterrupt

	return e, 0
}

// carveKernelStack hands out the next slice of a monotonically
// decreasing kernel-stack region for KernelSpace environments.
// Reclamation is the unresolved concern §9 documents: this watermark
// only ever moves down, matching the original source's global_esp.
func (m *Manager) carveKernelStack() uint32 {
	const kstackBase = 0xF0000000
	const kstackSize = 8 * mem.PGSIZE
	if m.KernelStackWatermark == 0 {
		m.KernelStackWatermark = kstackBase
	}
	top := m.KernelStackWatermark
	m.KernelStackWatermark -= kstackSize
	return top
}

// Create allocates an environment of type typ, granting the elevated
// I/O privilege bit (EFLAGS.IOPL=3) iff typ is FileServer. It does not
// load image into the new address space; kern/kernel's
// CreateFromImage does that after Create returns. Used only at boot.
func (m *Manager) Create(image []byte, typ Type) (*Env, defs.Err_t) {
	e, err := m.Alloc(0, typ)
	if err != 0 {
		return nil, err
	}
	if typ == FileServer {
		const FLIOPL3 = 3 << 12
		e.Tf.EFlags |= FLIOPL3
	}
	return e, 0
}

// Destroy implements §4.1's destruction rule: if env is Running on a
// different CPU than the one making the call, it is merely marked
// Dying for that CPU to reap at its next trap; otherwise it is freed
// immediately. If env was the caller's own current environment, the
// caller's current pointer is cleared (the caller must yield next;
// Destroy itself never resumes anything).
func (m *Manager) Destroy(cpu int, e *Env) {
	if e.Status == Running && m.Current[cpu] != e {
		e.Status = Dying
		return
	}
	m.free(e)
	if m.Current[cpu] == e {
		m.Current[cpu] = nil
	}
}

// free walks the user region of env's address space, releasing every
// present mapping, its page-table pages, and finally the directory
// itself, then returns the slot to the free list.
//
// Grounded on original_source/kern/env.c's env_free.
func (m *Manager) free(e *Env) {
	e.AS.Lock()
	e.AS.Free()
	e.AS.Unlock()

	e.Status = Free
	e.AS = nil
	slot := slotOf(e.Handle)
	m.Envs[slot].link = m.freeHead
	m.freeHead = slot
}

// Run promotes env to Running on cpu, demoting whatever was
// previously current there to Runnable, loads env's page directory
// into the address-translation register, and restores its saved
// frame via cpu's ReturnFromTrap. It never returns on real hardware;
// the Fake CPU used in tests returns normally after recording the
// resumed frame.
//
// Grounded on original_source/kern/env.c's env_run.
func (m *Manager) Run(cpu int, cpuio archio.CPU, e *Env) {
	if prev := m.Current[cpu]; prev != nil && prev != e && prev.Status == Running {
		prev.Status = Runnable
	}
	e.Status = Running
	e.RunCount++
	m.Current[cpu] = e

	cpuio.LoadCR3(uint32(e.AS.DirPA))
	cpuio.ReturnFromTrap(e.Tf.Bytes())
}
