// Package archio isolates the one piece of this kernel that spec.md
// explicitly declines to specify in Go: raw port I/O, control-register
// access, descriptor-table loads, and the return-from-trap instruction
// sequence (spec.md §9, "Assembly surface"). Everything else in this
// module is ordinary, architecture-agnostic, testable Go; only the
// CPU interface below would, on real hardware, be backed by a few
// lines of inline assembly or Plan 9 assembly stubs — mirroring how
// biscuit funnels the same handful of operations through a handful of
// runtime.* intrinsics (runtime.Cpuid, runtime.Rcr4, runtime.Vtop, ...)
// rather than scattering asm across the kernel.
package archio

// GateDesc is one interrupt-gate descriptor: target selector/offset
// and the descriptor privilege level needed to invoke it via `int`.
type GateDesc struct {
	Selector uint16
	Offset   uint32
	DPL      uint8 // 0 or 3
	Present  bool
}

// TSSDesc configures the single task-state segment used to supply a
// kernel stack pointer on ring-3-to-ring-0 transitions.
type TSSDesc struct {
	ESP0 uint32
	SS0  uint16
}

// CPU is the architectural surface: port I/O, CR2/CR3 access, and the
// descriptor-table/TSS loads that must happen once at boot (and once
// per logical CPU, in an SMP build this module does not attempt).
type CPU interface {
	// Inb/Outb perform single-byte port I/O (CMOS/RTC register access,
	// PIC EOI).
	Inb(port uint16) uint8
	Outb(port uint16, v uint8)

	// ReadCR2 returns the faulting virtual address recorded by the
	// last page fault.
	ReadCR2() uint32

	// LoadCR3 switches the active page directory, the "address-
	// translation register" spec.md §4.1 refers to.
	LoadCR3(pa uint32)
	ReadCR3() uint32

	// LoadIDT installs the interrupt descriptor table.
	LoadIDT(gates []GateDesc)

	// LoadTSS installs the task-state segment descriptor and loads it
	// into the task register.
	LoadTSS(t TSSDesc)

	// ReturnFromTrap restores a trap frame's registers and returns to
	// the interrupted context via the architectural return-from-trap
	// sequence (loads seven general registers, pushes IP and flags,
	// loads eax, pops flags, returns — spec.md §9). It never returns
	// to its caller on real hardware; the fake implementation used in
	// tests instead records the frame and returns normally so test
	// code can inspect the outcome.
	ReturnFromTrap(tf []byte)
}

// Fake is a CPU implementation for tests: it records every call
// instead of touching hardware. ReturnFromTrap does return (unlike
// the real thing), storing the frame bytes it was asked to resume so
// a test can assert on them.
type Fake struct {
	Ports       map[uint16]uint8
	CR2         uint32 // settable by tests to simulate a fault address
	CR3         uint32
	Gates       []GateDesc
	TSS         TSSDesc
	LastResumed []byte
	ResumeCount int
}

// NewFake returns a ready-to-use Fake CPU.
func NewFake() *Fake {
	return &Fake{Ports: make(map[uint16]uint8)}
}

func (f *Fake) Inb(port uint16) uint8     { return f.Ports[port] }
func (f *Fake) Outb(port uint16, v uint8) { f.Ports[port] = v }
func (f *Fake) ReadCR2() uint32           { return f.CR2 }
func (f *Fake) LoadCR3(pa uint32)         { f.CR3 = pa }
func (f *Fake) ReadCR3() uint32           { return f.CR3 }
func (f *Fake) LoadIDT(gates []GateDesc) {
	f.Gates = append([]GateDesc(nil), gates...)
}
func (f *Fake) LoadTSS(t TSSDesc) { f.TSS = t }
func (f *Fake) ReturnFromTrap(tf []byte) {
	f.LastResumed = append([]byte(nil), tf...)
	f.ResumeCount++
}
