package uenv

import (
	"testing"

	"exonix/kern/env"
	"exonix/kern/mem"
)

func newTestEnv(t *testing.T) *env.Env {
	t.Helper()
	var tpl [mem.NPTENTRIES]mem.PTE
	a := mem.NewArena(64)
	m := env.NewManager(a, &tpl, 1)
	e, err := m.Alloc(0, env.User)
	if err != 0 {
		t.Fatalf("Alloc failed: %v", err)
	}
	return e
}

func TestPageEntryReflectsPresenceAndPermissions(t *testing.T) {
	e := newTestEnv(t)
	const va = 0x00100000

	if _, present := PageEntry(e, va); present {
		t.Fatal("PageEntry reported present before any mapping existed")
	}

	e.AS.Lock()
	e.AS.AddPage(mem.Va_t(va))
	e.AS.Unlock()

	perm, present := PageEntry(e, va)
	if !present {
		t.Fatal("PageEntry did not find the freshly mapped page")
	}
	if perm&mem.PTE_U == 0 || perm&mem.PTE_W == 0 {
		t.Errorf("PageEntry perm = %#x, want user+writable", perm)
	}
}

func TestPageDirEntryReportsWholeRegionPresence(t *testing.T) {
	e := newTestEnv(t)
	const va = 0x00200000

	if _, present := PageDirEntry(e, va); present {
		t.Fatal("PageDirEntry reported present before any page table was linked in")
	}

	e.AS.Lock()
	e.AS.AddPage(mem.Va_t(va))
	e.AS.Unlock()

	if _, present := PageDirEntry(e, va); !present {
		t.Error("PageDirEntry did not find the linked-in page table after AddPage")
	}

	// A different 4MB region, even one that shares no page, must still
	// report absent.
	if _, present := PageDirEntry(e, va+mem.PTSIZE); present {
		t.Error("PageDirEntry reported present for an unrelated 4MB region")
	}
}
