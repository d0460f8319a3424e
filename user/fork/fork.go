// Package fork implements §4.5 of spec.md: the user-space
// copy-on-write fork protocol and its cooperating page-fault handler.
// It is the principal client of kern/trap's page-fault upcall
// synthesis and kern/vm's permission bits, but deliberately never
// imports either directly — the three privileged operations it needs
// (page_alloc, page_map, exofork) cross the user/kernel boundary
// through the Syscalls interface below, so this package's logic is
// exercised in tests without any real ring-3 transition.
//
// Grounded on original_source/lib/fork.c's pgfault/duppage/fork/sfork.
package fork

import (
	"exonix/kern/defs"
	"exonix/kern/env"
	"exonix/kern/mem"
	"exonix/user/uenv"
)

// FECWR is the page-fault error code's write bit: set when the fault
// was caused by a write, as opposed to a read or an instruction fetch.
const FECWR = 1 << 1

// Syscalls is the privileged primitive surface this package consumes,
// corresponding to spec.md §4.5's page_alloc/page_map/exofork plus the
// two bookkeeping calls (registering the upcall, marking the child
// Runnable) the protocol also requires, and PageUnmap, which
// CowHandler uses to drop its scratch mapping. kern/kernel's
// SyscallAdapter implements it directly against the kernel's
// environment manager and kern/vm address spaces; the tests use that
// same adapter over an in-memory page arena.
type Syscalls interface {
	PageAlloc(e *env.Env, va uint32, perm mem.Pa_t) defs.Err_t
	PageMap(srcEnv *env.Env, srcVA uint32, dstEnv *env.Env, dstVA uint32, perm mem.Pa_t) defs.Err_t
	PageUnmap(e *env.Env, va uint32) defs.Err_t
	Exofork(parent *env.Env) (*env.Env, defs.Err_t)
	SetPageFaultUpcall(e *env.Env, upcallVA uint32) defs.Err_t
	SetStatus(e *env.Env, status env.Status) defs.Err_t
}

// excStackVA is the one page below UTOP that fork must never
// duplicate through the ordinary per-page loop: the user exception
// stack, which the upcall itself runs on.
func excStackVA() uint32 { return uint32(mem.UXSTACKTOP) - mem.PGSIZE }

// duppage implements §4.5's duppage policy for one virtual page,
// shared by both Fork and SFork modes.
func duppage(sys Syscalls, parent, child *env.Env, va uint32, shareMode bool) defs.Err_t {
	perm, present := uenv.PageEntry(parent, va)
	if !present {
		return defs.Inval
	}

	switch {
	case shareMode || perm&mem.PTE_SHARE != 0:
		// Explicitly shareable, or the whole-fork is in share mode:
		// map into the child with the parent's permission bits
		// unchanged; the parent mapping is never touched.
		return sys.PageMap(parent, va, child, va, perm|mem.PTE_U)

	case perm&(mem.PTE_W|mem.PTE_COW) != 0:
		// Writable or already COW: both parent and child must end up
		// copy-on-write. Map the child first, then re-map the parent:
		// a fault between the two calls can leave the parent still
		// writable, but never gives the child a writable view.
		cowPerm := (perm &^ mem.PTE_W) | mem.PTE_COW | mem.PTE_U
		if err := sys.PageMap(parent, va, child, va, cowPerm); err != 0 {
			return err
		}
		return sys.PageMap(parent, va, parent, va, cowPerm)

	default:
		// Read-only: map into the child read-only, parent untouched.
		return sys.PageMap(parent, va, child, va, perm)
	}
}

// forkWith implements the shared skeleton of Fork and SFork: install
// the upcall, exofork a child, duplicate every page below UTOP except
// the exception stack (in the mode the caller selects), give the
// child its own exception-stack page, and mark it Runnable.
func forkWith(sys Syscalls, parent *env.Env, upcall uint32, shareMode bool) (*env.Env, defs.Err_t) {
	if err := sys.SetPageFaultUpcall(parent, upcall); err != 0 {
		return nil, err
	}

	child, err := sys.Exofork(parent)
	if err != 0 {
		return nil, err
	}

	exc := excStackVA()
	utop := uint32(mem.UTOP)
	for va := uint32(0); va < utop; va += mem.PGSIZE {
		if va == exc {
			continue
		}
		if _, present := uenv.PageDirEntry(parent, va); !present {
			// Skip whole 4MB regions with no page table at all,
			// mirroring the uvpd short-circuit the original fork()
			// performs before even consulting uvpt.
			va += mem.PTSIZE - mem.PGSIZE
			continue
		}
		if _, present := uenv.PageEntry(parent, va); !present {
			continue
		}
		if err := duppage(sys, parent, child, va, shareMode); err != 0 {
			return nil, err
		}
	}

	if err := sys.PageAlloc(child, exc, mem.PTE_U|mem.PTE_W); err != 0 {
		return nil, err
	}
	if !parent.AS.CopyPageBytes(mem.Va_t(exc), child.AS, mem.Va_t(exc)) {
		return nil, defs.Inval
	}

	if err := sys.SetPageFaultUpcall(child, upcall); err != 0 {
		return nil, err
	}
	if err := sys.SetStatus(child, env.Runnable); err != 0 {
		return nil, err
	}

	return child, 0
}

// Fork implements the standard copy-on-write fork protocol: every
// writable or already-COW page is shared copy-on-write; explicitly
// PTE_SHARE pages are shared outright; everything else is mapped
// read-only in the child.
//
// Unlike a real fork(), which returns twice (0 in the child after
// updating thisenv, the child's handle in the parent), this in-process
// simulation has no second call stack to return into: it returns the
// new child's descriptor to its single caller, which continues
// playing the role of the parent. A caller that wants to exercise the
// child's own continuation should do so explicitly against the
// returned *env.Env, setting uenv.ThisEnv itself.
func Fork(sys Syscalls, parent *env.Env, upcall uint32) (*env.Env, defs.Err_t) {
	return forkWith(sys, parent, upcall, false)
}

// SFork is the share-everything fork variant named but left as
// `panic("sfork not implemented")` in original_source/lib/fork.c.
// spec.md's Non-goals do not exclude it, so it is implemented here in
// full, reusing duppage's PTE_SHARE arm for every page instead of
// only explicitly-shared ones.
func SFork(sys Syscalls, parent *env.Env, upcall uint32) (*env.Env, defs.Err_t) {
	return forkWith(sys, parent, upcall, true)
}

// CowHandler implements §4.5's copy-on-write page-fault handler: it
// validates the fault was a write against a COW page, stages a fresh
// private copy at the scratch address PFTEMP, then remaps it at the
// faulting address with user+write permission, dropping the COW bit.
func CowHandler(sys Syscalls, self *env.Env, utf *env.UserTrapFrame) defs.Err_t {
	if utf.Err&FECWR == 0 {
		return defs.Inval
	}
	perm, present := uenv.PageEntry(self, utf.FaultVA)
	if !present || perm&mem.PTE_COW == 0 {
		return defs.Inval
	}

	faultPage := utf.FaultVA &^ uint32(mem.PGOFFSET)
	pftemp := uint32(mem.PFTEMP)

	if err := sys.PageAlloc(self, pftemp, mem.PTE_U|mem.PTE_W); err != 0 {
		return err
	}
	if !self.AS.CopyPageBytes(mem.Va_t(faultPage), self.AS, mem.Va_t(pftemp)) {
		return defs.Inval
	}
	if err := sys.PageMap(self, pftemp, self, faultPage, mem.PTE_U|mem.PTE_W); err != 0 {
		return err
	}
	return sys.PageUnmap(self, pftemp)
}
