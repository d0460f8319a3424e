// Package uenv provides the handful of globals and introspection
// helpers every piece of user code in this system relies on: the
// `thisenv` pointer and the uvpt/uvpd self-map windows spec.md §3
// describes ("the directory's own PDX(UVPT) slot points back at
// itself, enabling user code to introspect its own mappings").
//
// In a real JOS-style system these are literal virtual-memory
// windows a user program dereferences directly; since this module has
// no separate user address space to fault into, PageEntry here goes
// through vm.AddressSpace.Introspect, which performs the equivalent
// read without requiring the caller to hold the kernel's pagetable
// lock — exactly the asymmetry a real uvpt read has with respect to
// the kernel's own pagetable-walking code.
package uenv

import (
	"exonix/kern/env"
	"exonix/kern/mem"
)

// ThisEnv is the user-space analogue of the classic `struct Env
// *thisenv` global: the environment descriptor for "the process I am
// currently running as". Nothing in user/fork sets it: fork.Fork has
// no child branch and returns the child's descriptor to its single
// caller, which sets ThisEnv itself when it acts as the child.
var ThisEnv *env.Env

// PageEntry reports whether va is present in e's address space and,
// if so, its permission bits — the uvpt self-map read spec.md's COW
// fork protocol relies on to test PTE_COW/PTE_SHARE/writability
// before deciding how to duplicate a page.
func PageEntry(e *env.Env, va uint32) (perm mem.Pa_t, present bool) {
	return e.AS.Introspect(mem.Va_t(va))
}

// PageDirEntry reports the permission bits of va's governing
// page-table page itself — the uvpd read — which fork.go's walk
// uses to skip over page-table regions with nothing mapped in them.
func PageDirEntry(e *env.Env, va uint32) (perm mem.Pa_t, present bool) {
	return e.AS.DirEntryPresent(mem.Va_t(va))
}
