// Package vm implements §4.2 of spec.md: constructing a fresh
// environment's page directory (sharing the kernel region by
// aliasing, self-mapping UVPT), loading an ELF image into the user
// region, and mapping/unmapping individual user pages. It is the Go
// analogue of biscuit's vm.Vm_t, cut down from a four-level,
// region-tracked address space to the two-level, PTE-at-a-time one
// spec.md describes (there is no Vmregion_t here: this core has no
// deferred/lazy mapping beyond what §4.2's load_icode and §4.4's
// page-fault handler need).
package vm

import (
	"sync"

	"exonix/kern/defs"
	"exonix/kern/elf"
	"exonix/kern/mem"
)

// AddressSpace is one environment's page directory plus the
// allocator it draws pages from. The mutex guards every mutation of
// the directory and its page tables, exactly as biscuit's Vm_t
// documents for Vmregion/Pmap/P_pmap.
type AddressSpace struct {
	mu        sync.Mutex
	alloc     mem.PageAllocator
	DirPA     mem.Pa_t
	pgfltaken bool
}

// Lock acquires the address-space mutex, recording that pagetable
// manipulation is in progress (mirrors biscuit's Lock_pmap/pgfltaken
// pair, used there to catch single-CPU deadlocks).
func (as *AddressSpace) Lock() {
	as.mu.Lock()
	as.pgfltaken = true
}

// Unlock releases the address-space mutex.
func (as *AddressSpace) Unlock() {
	as.pgfltaken = false
	as.mu.Unlock()
}

// lockAssert panics if the caller forgot to hold the address-space
// lock before walking or mutating the page directory.
func (as *AddressSpace) lockAssert() {
	if !as.pgfltaken {
		panic("vm: address space lock must be held")
	}
}

// Dir returns the live page directory as a 1024-entry array,
// reinterpreting the backing physical page's bytes in place (so
// writes through it mutate the real page-table contents).
func (as *AddressSpace) Dir() *[mem.NPTENTRIES]mem.PTE {
	return mem.AsTable(as.alloc.KVA(as.DirPA))
}

// New builds the page directory for a fresh environment: one zeroed
// physical page, the kernel's template directory copied into it
// verbatim (aliasing every kernel-region second-level table, per
// spec.md §4.2), and the UVPT self-reference installed. The
// directory's own reference count is raised to exactly 1.
//
// Grounded on original_source/kern/env.c's env_setup_vm: "copy the
// kernel's template page directory into it verbatim... overwrite
// UVPT with a self-reference... increment pp_ref".
func New(alloc mem.PageAllocator, kernTemplate *[mem.NPTENTRIES]mem.PTE) (*AddressSpace, defs.Err_t) {
	pa, ok := alloc.Alloc()
	if !ok {
		return nil, defs.NoMem
	}
	as := &AddressSpace{alloc: alloc, DirPA: pa}
	dir := as.Dir()
	*dir = *kernTemplate

	uvptIdx := mem.PDX(mem.UVPT)
	dir[uvptIdx] = mem.PTE(pa) | mem.PTE(mem.PTE_P|mem.PTE_U)

	alloc.Refup(pa)
	return as, 0
}

// walk returns the PTE governing va, allocating and linking a new
// page-table page if none exists yet and create is true. It never
// allocates above UTOP: kernel-region page tables are shared by
// aliasing and must never be privately extended.
func (as *AddressSpace) walk(va mem.Va_t, create bool) (*mem.PTE, defs.Err_t) {
	as.lockAssert()
	dir := as.Dir()
	pde := &dir[mem.PDX(va)]
	if *pde&mem.PTE(mem.PTE_P) == 0 {
		if !create || uint32(va) >= uint32(mem.UTOP) {
			return nil, defs.Inval
		}
		ptPA, ok := as.alloc.Alloc()
		if !ok {
			return nil, defs.NoMem
		}
		as.alloc.Refup(ptPA)
		*pde = mem.PTE(ptPA) | mem.PTE(mem.PTE_P|mem.PTE_W|mem.PTE_U)
	}
	table := mem.AsTable(as.alloc.KVA(mem.PTE(*pde).Addr()))
	return &table[mem.PTX(va)], 0
}

// Lookup returns the PTE governing va without creating anything,
// reporting ok=false if no page table exists yet at that index.
func (as *AddressSpace) Lookup(va mem.Va_t) (*mem.PTE, bool) {
	as.lockAssert()
	pte, err := as.walk(va, false)
	return pte, err == 0
}

// Introspect reports the permission bits and presence of the PTE
// governing va, acquiring and releasing the address-space lock itself
// rather than requiring the caller to hold it. This is the Go
// analogue of a user program reading its own mappings through the
// uvpt/uvpd self-map (see user/uenv): real user code never holds the
// kernel's pagetable lock, it just dereferences a read-only virtual
// window, so this method's self-contained locking mirrors that.
func (as *AddressSpace) Introspect(va mem.Va_t) (perm mem.Pa_t, present bool) {
	as.Lock()
	defer as.Unlock()
	pte, ok := as.Lookup(va)
	if !ok || *pte&mem.PTE(mem.PTE_P) == 0 {
		return 0, false
	}
	return mem.Pa_t(*pte) &^ mem.PTE_ADDR, true
}

// DirEntryPresent reports the permission bits and presence of the
// page-directory entry governing va, i.e. whether any page table is
// linked in for that 4MB region at all — the uvpd self-map read.
func (as *AddressSpace) DirEntryPresent(va mem.Va_t) (perm mem.Pa_t, present bool) {
	as.Lock()
	defer as.Unlock()
	pde := as.Dir()[mem.PDX(va)]
	if pde&mem.PTE(mem.PTE_P) == 0 {
		return 0, false
	}
	return mem.Pa_t(pde) &^ mem.PTE_ADDR, true
}

// Insert maps physical page pa at va with the given permission bits,
// incrementing pa's reference count. It reports whether an existing
// present mapping was replaced (so the caller knows to flush the
// TLB) and whether the insertion succeeded.
//
// Grounded on biscuit/src/vm/as.go's Page_insert/_page_insert.
func (as *AddressSpace) Insert(va mem.Va_t, pa mem.Pa_t, perm mem.Pa_t) (replaced bool, ok bool) {
	as.lockAssert()
	pte, err := as.walk(va, true)
	if err != 0 {
		return false, false
	}
	as.alloc.Refup(pa)
	var old mem.Pa_t
	wasPresent := *pte&mem.PTE(mem.PTE_P) != 0
	if wasPresent {
		old = mem.PTE(*pte).Addr()
	}
	*pte = mem.PTE(pa) | mem.PTE(perm|mem.PTE_P)
	if wasPresent {
		as.alloc.Refdown(old)
	}
	return wasPresent, true
}

// Remove unmaps the page at va, if any, decrementing its reference
// count. It reports whether a mapping was actually removed.
func (as *AddressSpace) Remove(va mem.Va_t) bool {
	as.lockAssert()
	pte, ok := as.Lookup(va)
	if !ok || *pte&mem.PTE(mem.PTE_P) == 0 {
		return false
	}
	old := mem.PTE(*pte).Addr()
	as.alloc.Refdown(old)
	*pte = 0
	return true
}

// AddPage allocates a fresh physical page and maps it at va (which
// must be page-aligned) with user+write permission, returning a
// kernel-visible window onto it so the caller can populate it
// directly. It panics on allocation failure: image loading is a
// boot-time operation where OOM is fatal, exactly as spec.md §4.2
// describes for env_add_page.
func (as *AddressSpace) AddPage(va mem.Va_t) []byte {
	as.lockAssert()
	if uint32(va)&mem.PGOFFSET != 0 {
		panic("vm: AddPage va must be page-aligned")
	}
	pa, ok := as.alloc.Alloc()
	if !ok {
		panic("vm: out of memory during boot-time page add")
	}
	if _, ok := as.Insert(va, pa, mem.PTE_U|mem.PTE_W); !ok {
		panic("vm: failed to insert boot-time page")
	}
	return as.alloc.KVA(pa)
}

// AllocAt allocates a fresh physical page and maps it at va with the
// given permission bits, returning NoMem on allocator exhaustion
// instead of panicking. This is the runtime page_alloc syscall's
// variant of AddPage, which panics because image loading is a
// boot-time operation where OOM is fatal (spec.md §4.2); a running
// environment asking for a page is not.
func (as *AddressSpace) AllocAt(va mem.Va_t, perm mem.Pa_t) defs.Err_t {
	as.lockAssert()
	if uint32(va)&mem.PGOFFSET != 0 {
		return defs.Inval
	}
	pa, ok := as.alloc.Alloc()
	if !ok {
		return defs.NoMem
	}
	if _, ok := as.Insert(va, pa, perm); !ok {
		return defs.NoMem
	}
	return 0
}

// LoadImage loads every PT_LOAD program header of img into the
// environment's user region, page at a time, honouring an unaligned
// p_va by rounding the first page down and writing starting at the
// intra-page offset; memsz-filesz trailing bytes are left zeroed
// (BSS). It maps the initial user stack at USTACKTOP-PGSIZE and
// returns the entry point to be installed as the environment's saved
// instruction pointer.
//
// Grounded on original_source/kern/env.c's load_icode.
func (as *AddressSpace) LoadImage(img *elf.Image) uint32 {
	as.lockAssert()
	for _, ph := range img.Headers {
		mod := int(ph.VAddr) % mem.PGSIZE
		destEVA := int(ph.VAddr)
		src := img.Payload(ph)

		destKVA := as.AddPage(mem.Va_t(destEVA - mod))
		pageEnd := mem.PGSIZE
		cursor := mod

		count := 0
		for count < int(ph.MemSz) {
			if cursor == pageEnd {
				destEVA = int(ph.VAddr) + count
				destKVA = as.AddPage(mem.Va_t(destEVA))
				cursor = 0
				pageEnd = mem.PGSIZE
			}
			if count < int(ph.FileSz) {
				destKVA[cursor] = src[count]
			} else {
				destKVA[cursor] = 0
			}
			cursor++
			count++
		}
	}
	as.AddPage(mem.USTACKTOP - mem.PGSIZE)
	return img.Entry
}

// WriteAt copies data into the user page backing va, which must
// already be present and user-writable, and must not allow data to
// spill past the end of that single page (callers — the page-fault
// upcall synthesiser, chiefly — are expected to have already bounded
// the write to one page). Reports false if there is no such mapping
// or data would not fit.
func (as *AddressSpace) WriteAt(va mem.Va_t, data []byte) bool {
	as.lockAssert()
	pte, ok := as.Lookup(va)
	if !ok || *pte&mem.PTE(mem.PTE_P) == 0 {
		return false
	}
	off := mem.PGOFF(va)
	if int(off)+len(data) > mem.PGSIZE {
		return false
	}
	kva := as.alloc.KVA(mem.PTE(*pte).Addr())
	copy(kva[off:], data)
	return true
}

// CopyPageBytes copies the full contents of the page backing srcVA in
// as into the page backing dstVA in dst. It is the Go stand-in for
// the "temporary mapping at a scratch address" spec.md §4.5 step 4
// describes for staging the child's exception-stack contents: both
// address spaces in this implementation draw pages from the same
// underlying PageAllocator, so the copy is a direct slice copy rather
// than a real scratch-VA remap, but the two address spaces are still
// addressed and locked independently, exactly as the real staging
// step treats the source and destination as distinct environments.
func (as *AddressSpace) CopyPageBytes(srcVA mem.Va_t, dst *AddressSpace, dstVA mem.Va_t) bool {
	as.Lock()
	srcPTE, ok := as.Lookup(srcVA)
	var srcBytes []byte
	if ok && *srcPTE&mem.PTE(mem.PTE_P) != 0 {
		srcBytes = as.alloc.KVA(mem.PTE(*srcPTE).Addr())
	}
	as.Unlock()
	if srcBytes == nil {
		return false
	}

	dst.Lock()
	defer dst.Unlock()
	dstPTE, ok := dst.Lookup(dstVA)
	if !ok || *dstPTE&mem.PTE(mem.PTE_P) == 0 {
		return false
	}
	dstBytes := dst.alloc.KVA(mem.PTE(*dstPTE).Addr())
	copy(dstBytes[:mem.PGSIZE], srcBytes[:mem.PGSIZE])
	return true
}

// Free tears down the environment's user-region mappings and page
// tables, then releases the directory page itself. It must only be
// called once, at environment destruction: it iterates strictly
// below UTOP, never touching the UVPT self-reference (spec.md §9's
// "not a memory-management cycle, but the implementation must avoid
// treating UVPT as a normal mapping during teardown").
//
// Grounded on original_source/kern/env.c's env_free.
func (as *AddressSpace) Free() {
	as.lockAssert()
	dir := as.Dir()
	utopPDX := mem.PDX(mem.UTOP)
	for pdx := uint32(0); pdx < utopPDX; pdx++ {
		pde := dir[pdx]
		if pde&mem.PTE(mem.PTE_P) == 0 {
			continue
		}
		table := mem.AsTable(as.alloc.KVA(mem.PTE(pde).Addr()))
		for ptx := range table {
			if table[ptx]&mem.PTE(mem.PTE_P) != 0 {
				as.alloc.Refdown(mem.PTE(table[ptx]).Addr())
			}
		}
		as.alloc.Refdown(mem.PTE(pde).Addr())
		dir[pdx] = 0
	}
	as.alloc.Refdown(as.DirPA)
}
