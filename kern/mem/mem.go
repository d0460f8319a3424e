// Package mem defines the physical-address type, the two-level x86
// page-table bit layout, and the fixed virtual addresses every
// environment's address space shares. It mirrors the role biscuit's
// own mem package plays (Pa_t, PTE bit constants, the Page_i
// allocator interface) but for a 32-bit, two-level page table instead
// of biscuit's 64-bit four-level one.
package mem

import (
	"sync/atomic"
	"unsafe"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks the intra-page offset of an address.
const PGOFFSET = PGSIZE - 1

// NPTENTRIES is the number of entries in a page table or directory.
const NPTENTRIES = 1024

// PTSIZE is the span of virtual memory mapped by one page table
// (and hence one page-directory entry): 1024 pages of 4KB each.
const PTSIZE = NPTENTRIES * PGSIZE

// PDXSHIFT is the bit position of the page-directory index field.
const PDXSHIFT = 22

// PTXSHIFT is the bit position of the page-table index field.
const PTXSHIFT = PGSHIFT

// Pa_t is a physical address.
type Pa_t uint32

// Va_t is a virtual address.
type Va_t uint32

// PDX extracts the page-directory index (bits 31:22) of a VA.
func PDX(va Va_t) uint32 {
	return (uint32(va) >> PDXSHIFT) & (NPTENTRIES - 1)
}

// PTX extracts the page-table index (bits 21:12) of a VA.
func PTX(va Va_t) uint32 {
	return (uint32(va) >> PTXSHIFT) & (NPTENTRIES - 1)
}

// PGOFF extracts the intra-page offset (bits 11:0) of a VA.
func PGOFF(va Va_t) uint32 {
	return uint32(va) & PGOFFSET
}

// PGADDR reassembles a VA from directory index, table index, and offset.
func PGADDR(pdx, ptx, off uint32) Va_t {
	return Va_t(pdx<<PDXSHIFT | ptx<<PTXSHIFT | off)
}

// PTE is one page-table or page-directory entry: a physical page
// number plus permission bits, exactly as x86 defines it.
type PTE uint32

// Addr extracts the physical page address from a PTE, discarding
// permission bits.
func (p PTE) Addr() Pa_t { return Pa_t(p) &^ Pa_t(PGOFFSET) }

// PTE permission and status bits. COW and SHARE occupy two of the
// three bits the architecture reserves for OS use (bits 9-11); the
// third is left unused, as the teacher's mem.go leaves PTE_PCD/PTE_PS
// unused by most callers.
const (
	PTE_P     Pa_t = 1 << 0 // present
	PTE_W     Pa_t = 1 << 1 // writable
	PTE_U     Pa_t = 1 << 2 // user-accessible
	PTE_A     Pa_t = 1 << 5 // accessed
	PTE_D     Pa_t = 1 << 6 // dirty
	PTE_COW   Pa_t = 1 << 9 // copy-on-write (available bit)
	PTE_SHARE Pa_t = 1 << 10 // explicitly shared (available bit)

	// PTE_ADDR masks the physical page number out of a PTE.
	PTE_ADDR Pa_t = ^Pa_t(PGOFFSET)

	// PTE_SYSCALL names the user and writable bits. No syscall in this
	// module checks requested permissions against it: user/fork passes
	// PTE_COW and PTE_SHARE to PageMap by name.
	PTE_SYSCALL = PTE_U | PTE_W
)

// Fixed virtual addresses, identical in every environment's page
// directory above UTOP (the kernel-region sharing invariant in
// spec.md §3). Derived the way the original JOS memlayout.h derives
// them: walking down from a kernel/user split, PTSIZE at a time.
const (
	// ULIM is the top of the shared kernel region visible (read-only,
	// where applicable) to user code.
	ULIM Va_t = 0xEF800000

	// UVPT is the self-referencing window exposing the environment's
	// own page table entries for introspection (the UVPT invariant:
	// the directory's own PDX(UVPT) slot points back at itself).
	UVPT Va_t = ULIM - PTSIZE

	// UTOP is the top of user-accessible VA space; UVPT is not user
	// writable but sits at the boundary.
	UTOP = UVPT

	// UXSTACKTOP is the top of the one-page user exception stack.
	UXSTACKTOP = UTOP

	// USTACKTOP is the top of the initial user stack; USTACKTOP-PGSIZE
	// is mapped at image-load time.
	USTACKTOP = UTOP - 2*PTSIZE

	// PFTEMP is the scratch VA the copy-on-write handler uses to stage
	// a freshly allocated page before remapping it at the fault
	// address.
	PFTEMP = USTACKTOP - PTSIZE
)

// UVPD is the virtual address at which the environment's page
// directory appears as though it were itself a page table, a
// consequence of the UVPT self-map: PDX(UVPT) is made to point at the
// directory's own physical page, so indexing into the UVPT window at
// slot PDX(UVPT) yields the directory itself.
var UVPD = PGADDR(PDX(UVPT), PDX(UVPT), 0)

// PageAllocator abstracts the physical page allocator, which spec.md
// §1 names as an external collaborator with a fixed interface but
// unspecified internals. It mirrors biscuit's Page_i interface
// shape (Refpg_new/Refcnt/Dmap/Refup/Refdown) so the rest of the
// kernel never touches physical memory directly.
type PageAllocator interface {
	// Alloc returns a zeroed physical page with ref count 0, or ok=false
	// if none remain.
	Alloc() (pa Pa_t, ok bool)
	// KVA returns the kernel-virtual alias of a physical page — the
	// "direct map" window biscuit calls Dmap.
	KVA(pa Pa_t) []byte
	// Refcnt reports the current reference count of a physical page.
	Refcnt(pa Pa_t) int
	// Refup increments the reference count of a physical page.
	Refup(pa Pa_t)
	// Refdown decrements the reference count, returning true if the
	// page was freed as a result.
	Refdown(pa Pa_t) bool
}

// Arena is a PageAllocator backed by ordinary Go memory, used by
// kernel-package tests in place of real physical memory (the
// physical allocator itself is out of scope per spec.md §1).
type Arena struct {
	pages [][PGSIZE]byte
	ref   []int32
	free  []int
}

// NewArena allocates n simulated physical pages, all initially free.
func NewArena(n int) *Arena {
	a := &Arena{
		pages: make([][PGSIZE]byte, n),
		ref:   make([]int32, n),
		free:  make([]int, n),
	}
	for i := range a.free {
		a.free[i] = n - 1 - i
	}
	return a
}

// Alloc implements PageAllocator.
func (a *Arena) Alloc() (Pa_t, bool) {
	if len(a.free) == 0 {
		return 0, false
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.pages[idx] = [PGSIZE]byte{}
	return Pa_t(idx * PGSIZE), true
}

func (a *Arena) idx(pa Pa_t) int {
	i := int(pa) / PGSIZE
	if i < 0 || i >= len(a.pages) {
		panic("mem: physical address out of arena range")
	}
	return i
}

// KVA implements PageAllocator.
func (a *Arena) KVA(pa Pa_t) []byte {
	return a.pages[a.idx(pa)][:]
}

// Refcnt implements PageAllocator.
func (a *Arena) Refcnt(pa Pa_t) int {
	return int(atomic.LoadInt32(&a.ref[a.idx(pa)]))
}

// Refup implements PageAllocator.
func (a *Arena) Refup(pa Pa_t) {
	atomic.AddInt32(&a.ref[a.idx(pa)], 1)
}

// Refdown implements PageAllocator.
func (a *Arena) Refdown(pa Pa_t) bool {
	i := a.idx(pa)
	c := atomic.AddInt32(&a.ref[i], -1)
	if c < 0 {
		panic("mem: refcount went negative")
	}
	if c == 0 {
		a.free = append(a.free, i)
		return true
	}
	return false
}

// AsTable reinterprets a physical page's bytes (as returned by
// PageAllocator.KVA) as an array of 1024 page-table/page-directory
// entries, the same unsafe-pointer-cast idiom biscuit's mem package
// uses in pg2pmap to view a Pg_t as a Pmap_t.
func AsTable(b []byte) *[NPTENTRIES]PTE {
	if len(b) < PGSIZE {
		panic("mem: page too small to hold a table")
	}
	return (*[NPTENTRIES]PTE)(unsafe.Pointer(&b[0]))
}

// roundDown aligns v down to the nearest multiple of b.
func roundDown(v, b int) int { return v - (v % b) }

// roundUp aligns v up to the nearest multiple of b.
func roundUp(v, b int) int { return roundDown(v+b-1, b) }
