package pmm

import (
	"tutos/kernel"
	"tutos/kernel/kfmt"
)

var errMultipageFull = &kernel.Error{Module: "pgalloc", Message: "no free entries in the multipage list", Kind: kernel.KindCapacityExceeded}

// multipageRecord remembers the page count of an allocation spanning more
// than one page, since Free only receives the base address.
//
// A record with base 0 is an empty slot. As a consequence, physical address
// 0 can never be tracked as the base of a multi-page allocation. The
// allocator never hands out memory below 2M so this does not happen in
// practice.
type multipageRecord struct {
	base  uintptr
	pages uint32
}

type multipageTable struct {
	records []multipageRecord
}

func newMultipageTable(capacity int) multipageTable {
	return multipageTable{records: make([]multipageRecord, capacity)}
}

// register stores a record in the first empty slot.
func (t *multipageTable) register(base uintptr, pages uint32) *kernel.Error {
	for i := range t.records {
		if t.records[i].base == 0 {
			t.records[i] = multipageRecord{base: base, pages: pages}
			return nil
		}
	}

	kfmt.Printf("[pgalloc] no free entries in the multipage list\n")
	return errMultipageFull
}

// take looks up the record for base and clears it. It returns false if base
// is not the start of a multi-page allocation.
func (t *multipageTable) take(base uintptr) (uint32, bool) {
	if base == 0 {
		return 0, false
	}

	for i := range t.records {
		if t.records[i].base == base {
			pages := t.records[i].pages
			t.records[i] = multipageRecord{}
			return pages, true
		}
	}

	return 0, false
}

// used returns the number of occupied slots.
func (t *multipageTable) used() int {
	var n int
	for i := range t.records {
		if t.records[i].base != 0 {
			n++
		}
	}
	return n
}
