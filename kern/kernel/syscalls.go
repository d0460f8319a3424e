package kernel

import (
	"exonix/kern/defs"
	"exonix/kern/env"
	"exonix/kern/mem"
)

// SyscallAdapter implements the privileged-primitive surface
// user/fork.Syscalls needs (page_alloc, page_map, exofork, and the
// two bookkeeping calls) directly against this Kernel's environment
// manager. It deliberately never imports user/fork — Go's structural
// interface satisfaction lets it conform to that interface's method
// set without a kern/... package reaching into user/..., preserving
// the layering cmd/kernlint checks for. Composition happens where
// both sides are already in scope (a boot command or a test), not
// here.
type SyscallAdapter struct {
	K   *Kernel
	CPU int
}

// PageAlloc implements the privileged page_alloc primitive.
func (a *SyscallAdapter) PageAlloc(e *env.Env, va uint32, perm mem.Pa_t) defs.Err_t {
	e.AS.Lock()
	defer e.AS.Unlock()
	return e.AS.AllocAt(mem.Va_t(va), perm)
}

// PageMap implements the privileged page_map primitive, sharing one
// physical page between two (possibly identical) address spaces.
func (a *SyscallAdapter) PageMap(srcEnv *env.Env, srcVA uint32, dstEnv *env.Env, dstVA uint32, perm mem.Pa_t) defs.Err_t {
	srcEnv.AS.Lock()
	pte, ok := srcEnv.AS.Lookup(mem.Va_t(srcVA))
	if !ok || *pte&mem.PTE(mem.PTE_P) == 0 {
		srcEnv.AS.Unlock()
		return defs.Inval
	}
	pa := mem.PTE(*pte).Addr()

	if srcEnv == dstEnv {
		defer srcEnv.AS.Unlock()
		if _, ok := srcEnv.AS.Insert(mem.Va_t(dstVA), pa, perm); !ok {
			return defs.NoMem
		}
		return 0
	}
	srcEnv.AS.Unlock()

	dstEnv.AS.Lock()
	defer dstEnv.AS.Unlock()
	if _, ok := dstEnv.AS.Insert(mem.Va_t(dstVA), pa, perm); !ok {
		return defs.NoMem
	}
	return 0
}

// PageUnmap implements the privileged page_unmap primitive.
func (a *SyscallAdapter) PageUnmap(e *env.Env, va uint32) defs.Err_t {
	e.AS.Lock()
	defer e.AS.Unlock()
	e.AS.Remove(mem.Va_t(va))
	return 0
}

// Exofork implements exofork(): allocate a child sharing nothing, in
// state NotRunnable (spec.md §4.5's "allocate a child in state
// NotRunnable, sharing nothing"; env.Alloc's default of Runnable is
// corrected here before the caller observes it).
func (a *SyscallAdapter) Exofork(parent *env.Env) (*env.Env, defs.Err_t) {
	child, err := a.K.Env.Alloc(parent.Handle, env.User)
	if err != 0 {
		return nil, err
	}
	child.Status = env.NotRunnable
	return child, 0
}

// SetPageFaultUpcall registers e's page-fault upcall address.
func (a *SyscallAdapter) SetPageFaultUpcall(e *env.Env, upcallVA uint32) defs.Err_t {
	e.UpcallVA = upcallVA
	return 0
}

// SetStatus sets e's scheduling status directly, used by fork to mark
// the newly built child Runnable once setup completes.
func (a *SyscallAdapter) SetStatus(e *env.Env, status env.Status) defs.Err_t {
	e.Status = status
	return 0
}
