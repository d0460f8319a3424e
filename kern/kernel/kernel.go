// Package kernel wires the environment manager, VM subsystem, trap
// dispatcher, and their ambient collaborators into a single boot
// sequence. spec.md §9's design note asks that the core's many
// interacting globals be modeled "as a single Kernel value... passed
// by reference through every operation"; this package is that value.
package kernel

import (
	"golang.org/x/text/language"

	"exonix/kern/archio"
	"exonix/kern/bootlog"
	"exonix/kern/defs"
	"exonix/kern/elf"
	"exonix/kern/env"
	"exonix/kern/mem"
	"exonix/kern/trap"
)

// Kernel is the process-wide aggregate: one environment manager, one
// trap dispatcher, and the CPU/allocator collaborators both depend
// on. NCPU current-environment slots follow the data layout spec.md
// §5 allows for multi-CPU configurations, without this package
// attempting any cross-CPU scheduling itself.
type Kernel struct {
	Alloc mem.PageAllocator
	CPU   archio.CPU
	Env   *env.Manager
	Trap  *trap.Dispatcher
	Log   *bootlog.Logger
}

// Boot constructs a Kernel: builds the environment table on top of
// the kernel's template page directory (the aliased second-level
// tables every environment shares above UTOP), loads the interrupt
// gate table, and builds the trap dispatcher, logging a banner line
// for each step.
//
// kernTemplate is the pre-built kernel-region page directory; its
// construction (identity-mapping physical memory, mapping the kernel
// ELF sections) is the responsibility of the out-of-scope bootloader
// per spec.md §1, so Boot takes it as an input rather than building
// it.
func Boot(alloc mem.PageAllocator, cpu archio.CPU, kernTemplate *[mem.NPTENTRIES]mem.PTE, nCPU int, out func(string)) *Kernel {
	log := bootlog.New(language.English, out)

	mgr := env.NewManager(alloc, kernTemplate, nCPU)
	log.EnvTable(env.NENV)

	disp := &trap.Dispatcher{
		CPU:      cpu,
		Manager:  mgr,
		Syscalls: make(map[uintptr]trap.SyscallFunc),
	}
	gates := trap.BuildGates(0x08)
	cpu.LoadIDT(gates)
	log.TrapGates(len(gates))

	return &Kernel{Alloc: alloc, CPU: cpu, Env: mgr, Trap: disp, Log: log}
}

// RegisterSyscall installs a handler for a syscall number, called by
// kernel setup code before any environment starts executing.
func (k *Kernel) RegisterSyscall(num uintptr, fn trap.SyscallFunc) {
	k.Trap.Syscalls[num] = fn
}

// CreateFromImage is the boot-time-only image loader spec.md §4.1
// names: allocate an environment, load an ELF binary into it, and
// leave it Runnable.
func (k *Kernel) CreateFromImage(cpu int, binary []byte, typ env.Type) (*env.Env, defs.Err_t) {
	img, err := elf.Parse(binary)
	if err != nil {
		return nil, defs.Inval
	}
	e, everr := k.Env.Create(binary, typ)
	if everr != 0 {
		return nil, everr
	}
	e.AS.Lock()
	entry := e.AS.LoadImage(img)
	e.AS.Unlock()
	e.Tf.EIP = entry
	return e, 0
}

// RunFirst starts the scheduler on cpu by resuming the first Runnable
// environment found, the same round-robin search the trap
// dispatcher's yield path performs, used once to kick off execution
// after boot.
func (k *Kernel) RunFirst(cpu int) {
	for i := range k.Env.Envs {
		if k.Env.Envs[i].Status == env.Runnable {
			k.Env.Run(cpu, k.CPU, &k.Env.Envs[i])
			return
		}
	}
	panic("kernel: no runnable environment at boot")
}
