// Package pmm implements the physical page allocator.
//
// Free memory is tracked as a singly linked list of descriptors, each one
// covering a run of contiguous free pages. Descriptors live in a fixed-size
// pool so that the allocator never needs memory for its own bookkeeping.
// Allocations are first-fit in list order and are carved from the high end of
// the selected run. Freed runs are merged with adjacent free runs or pushed to
// the front of the list, so recently released memory is reused first while
// the large runs reported by the boot loader stay at the tail.
//
// The allocator is not reentrant. Callers must serialize access to it, e.g.
// by masking interrupts for the duration of each call.
package pmm

import (
	"io"
	"strings"

	"tutos/kernel"
	"tutos/kernel/kfmt"
	"tutos/kernel/mm"
	"tutos/multiboot"
)

const (
	// DefaultPoolSize is the default number of free-list descriptors.
	DefaultPoolSize = 64

	// DefaultMultipageSlots is the default number of multi-page
	// allocations that can be outstanding at the same time.
	DefaultMultipageSlots = 64

	// lowMemoryLimit marks the end of the region reserved for early
	// kernel structures. Memory below it is never handed out.
	lowMemoryLimit = uint64(2 * mm.Mb)
)

var (
	errZeroPages       = &kernel.Error{Module: "pgalloc", Message: "tried to allocate less than 1 page", Kind: kernel.KindInvalidArgument}
	errNoFreePages     = &kernel.Error{Module: "pgalloc", Message: "no free pages", Kind: kernel.KindOutOfMemory}
	errNoBlockLarge    = &kernel.Error{Module: "pgalloc", Message: "no blocks large enough to fill request", Kind: kernel.KindOutOfMemory}
	errUnalignedFree   = &kernel.Error{Module: "pgalloc", Message: "tried to free an address that is not page-aligned", Kind: kernel.KindInvalidArgument}
	errNullFree        = &kernel.Error{Module: "pgalloc", Message: "tried to free the null page", Kind: kernel.KindInvalidArgument}
	errInvalidConfig   = &kernel.Error{Module: "pgalloc", Message: "pool size and multipage slots must not be negative", Kind: kernel.KindInvalidArgument}
	errNotInitialized  = &kernel.Error{Module: "pgalloc", Message: "allocator not initialized", Kind: kernel.KindInvalidArgument}
)

// Config holds the page allocator tunables. Zero fields select the defaults.
type Config struct {
	// PoolSize is the capacity of the free-list descriptor pool.
	PoolSize int

	// MultipageSlots is the capacity of the multi-page allocation table.
	MultipageSlots int
}

// DefaultConfig returns the configuration used by the kernel.
func DefaultConfig() Config {
	return Config{PoolSize: DefaultPoolSize, MultipageSlots: DefaultMultipageSlots}
}

func (c Config) withDefaults() (Config, *kernel.Error) {
	if c.PoolSize < 0 || c.MultipageSlots < 0 {
		return c, errInvalidConfig
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MultipageSlots == 0 {
		c.MultipageSlots = DefaultMultipageSlots
	}
	return c, nil
}

// RegionSource invokes a visitor for each entry of a physical memory map.
// Both multiboot.VisitMemRegions and multiboot.MemoryMap.Visit satisfy it.
type RegionSource func(multiboot.MemRegionVisitor)

// PageAllocator manages physical memory in PageSize units.
type PageAllocator struct {
	pool      descriptorPool
	multipage multipageTable

	head, tail blockIndex

	// The kernel image, rounded out to page boundaries. kernelEnd is the
	// first byte past the image.
	kernelStart, kernelEnd uint64
}

// Init sets up the allocator from the physical memory map. Every available
// region is clipped to [2M, 4G), stripped of the kernel image and appended
// to the free list in map order.
func (alloc *PageAllocator) Init(cfg Config, kernelStart, kernelEnd uintptr, visitRegions RegionSource) *kernel.Error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		kfmt.Printf("[pgalloc] %s\n", err.Message)
		return err
	}

	alloc.pool = newDescriptorPool(cfg.PoolSize)
	alloc.multipage = newMultipageTable(cfg.MultipageSlots)
	alloc.head, alloc.tail = nilBlock, nilBlock
	alloc.kernelStart = uint64(mm.PageAlignDown(kernelStart))
	alloc.kernelEnd = uint64(mm.PageAlignUp(kernelEnd))

	visitRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		base, pages, ok := alloc.clipRegion(region.PhysAddress, region.Length)
		if !ok {
			return true
		}

		kfmt.Printf("[pgalloc] adding block starting at 0x%x of length 0x%x to the free pool\n", base, uint64(pages)<<mm.PageShift)
		if err = alloc.appendBlock(base, pages); err != nil {
			kfmt.Printf("[pgalloc] unable to add free block to pool\n")
			return false
		}
		return true
	})

	return err
}

// clipRegion returns the page-aligned part of [addr, addr+length) that the
// allocator may hand out.
func (alloc *PageAllocator) clipRegion(addr, length uint64) (uintptr, uint32, bool) {
	end := addr + length
	if length == 0 || end < addr {
		return 0, 0, false
	}

	// Only the 32-bit physical address space is managed.
	if addr >= mm.MaxPhysAddr {
		return 0, 0, false
	}
	if end > mm.MaxPhysAddr {
		end = mm.MaxPhysAddr
	}

	// Low memory is reserved for early structures.
	if end <= lowMemoryLimit {
		return 0, 0, false
	}
	if addr < lowMemoryLimit {
		addr = lowMemoryLimit
	}

	// Keep only the part above the kernel image. A region that merely
	// overlaps the image loses the overlapping part.
	if addr < alloc.kernelEnd && end > alloc.kernelStart {
		switch {
		case addr <= alloc.kernelStart && end >= alloc.kernelEnd:
			addr = alloc.kernelEnd
		case addr < alloc.kernelStart:
			end = alloc.kernelStart
		default:
			addr = alloc.kernelEnd
		}
	}

	addr = uint64(mm.PageAlignUp(uintptr(addr)))
	if end <= addr || (end-addr)>>mm.PageShift == 0 {
		kfmt.Printf("[pgalloc] skipping region of less than a page at 0x%x\n", addr)
		return 0, 0, false
	}

	return uintptr(addr), uint32((end - addr) >> mm.PageShift), true
}

// appendBlock adds a run of free pages at the tail of the free list.
func (alloc *PageAllocator) appendBlock(base uintptr, pages uint32) *kernel.Error {
	idx, err := alloc.pool.acquire()
	if err != nil {
		return err
	}

	blk := alloc.pool.get(idx)
	blk.base, blk.pages = base, pages

	if alloc.head == nilBlock {
		alloc.head = idx
	} else {
		alloc.pool.get(alloc.tail).next = idx
	}
	alloc.tail = idx

	return nil
}

// pushBlock adds a run of free pages at the head of the free list.
func (alloc *PageAllocator) pushBlock(base uintptr, pages uint32) (blockIndex, *kernel.Error) {
	idx, err := alloc.pool.acquire()
	if err != nil {
		return nilBlock, err
	}

	blk := alloc.pool.get(idx)
	blk.base, blk.pages, blk.next = base, pages, alloc.head

	if alloc.tail == nilBlock {
		alloc.tail = idx
	}
	alloc.head = idx

	return idx, nil
}

// unlink removes idx from the free list and returns it to the pool.
func (alloc *PageAllocator) unlink(idx blockIndex) {
	prev := nilBlock
	for cur := alloc.head; cur != idx; cur = alloc.pool.get(cur).next {
		if cur == nilBlock {
			kfmt.Printf("[pgalloc] absorbed block is not in the list\n")
			return
		}
		prev = cur
	}

	next := alloc.pool.get(idx).next
	if prev == nilBlock {
		alloc.head = next
	} else {
		alloc.pool.get(prev).next = next
	}
	if alloc.tail == idx {
		alloc.tail = prev
	}

	alloc.pool.release(idx)
}

// Allocate reserves pages contiguous pages and returns the physical address
// of the first one.
func (alloc *PageAllocator) Allocate(pages uint32) (uintptr, *kernel.Error) {
	if pages < 1 {
		kfmt.Printf("[pgalloc] tried to allocate less than 1 page\n")
		return 0, errZeroPages
	}

	if alloc.pool.capacity() == 0 {
		return 0, errNotInitialized
	}

	if alloc.head == nilBlock {
		kfmt.Printf("[pgalloc] no free pages\n")
		return 0, errNoFreePages
	}

	idx := alloc.head
	for idx != nilBlock && alloc.pool.get(idx).pages < pages {
		idx = alloc.pool.get(idx).next
	}

	if idx == nilBlock {
		kfmt.Printf("[pgalloc] no blocks large enough to fill request of %d pages\n", pages)
		return 0, errNoBlockLarge
	}

	// Allocate from the end of the run; the descriptor keeps the low part.
	blk := alloc.pool.get(idx)
	blk.pages -= pages
	allocation := blk.end()

	if pages > 1 {
		if err := alloc.multipage.register(allocation, pages); err != nil {
			blk.pages += pages
			kfmt.Printf("[pgalloc] unable to register multipage allocation\n")
			return 0, err
		}
	}

	return allocation, nil
}

// Free releases an allocation previously returned by Allocate.
func (alloc *PageAllocator) Free(ptr uintptr) *kernel.Error {
	switch {
	case alloc.pool.capacity() == 0:
		return errNotInitialized
	case ptr == 0:
		kfmt.Printf("[pgalloc] tried to free the null page\n")
		return errNullFree
	case !mm.IsPageAligned(ptr):
		kfmt.Printf("[pgalloc] tried to free unaligned address 0x%x\n", ptr)
		return errUnalignedFree
	}

	pages, multipage := alloc.multipage.take(ptr)
	if !multipage {
		pages = 1
	}
	end := ptr + uintptr(pages)<<mm.PageShift

	changed := nilBlock
	for idx := alloc.head; idx != nilBlock; idx = alloc.pool.get(idx).next {
		if blk := alloc.pool.get(idx); blk.end() == ptr {
			kfmt.Printf("[pgfree] adjacent after\n")
			blk.pages += pages
			changed = idx
			break
		}
	}

	if changed == nilBlock {
		for idx := alloc.head; idx != nilBlock; idx = alloc.pool.get(idx).next {
			if blk := alloc.pool.get(idx); blk.base == end {
				kfmt.Printf("[pgfree] adjacent before\n")
				blk.base = ptr
				blk.pages += pages
				changed = idx
				break
			}
		}
	}

	if changed == nilBlock {
		kfmt.Printf("[pgfree] non-adjacent\n")

		idx, err := alloc.pushBlock(ptr, pages)
		if err != nil {
			kfmt.Printf("[pgfree] unable to allocate free block list entry\n")
			if multipage {
				alloc.multipage.register(ptr, pages)
			}
			return err
		}
		changed = idx
	}

	alloc.coalesce(changed)
	return nil
}

// coalesce lets the descriptor at idx absorb every other descriptor that
// touches its run. Each absorption can expose a new neighbour, so passes are
// repeated until one completes without a merge. Zero-length descriptors that
// ended up inside the run are absorbed as well.
func (alloc *PageAllocator) coalesce(idx blockIndex) {
	blk := alloc.pool.get(idx)

	for merged := true; merged; {
		merged = false

		for cur := alloc.head; cur != nilBlock; cur = alloc.pool.get(cur).next {
			other := alloc.pool.get(cur)
			if cur == idx || other.base > blk.end() || other.end() < blk.base {
				continue
			}

			kfmt.Printf("[pgfree] absorbing block at 0x%x\n", other.base)
			start, end := blk.base, blk.end()
			if other.base < start {
				start = other.base
			}
			if other.end() > end {
				end = other.end()
			}
			blk.base, blk.pages = start, uint32((end-start)>>mm.PageShift)

			alloc.unlink(cur)
			merged = true
			break
		}
	}
}

// FreePages returns the total number of free pages.
func (alloc *PageAllocator) FreePages() uint64 {
	var total uint64
	for idx := alloc.head; idx != nilBlock; idx = alloc.pool.get(idx).next {
		total += uint64(alloc.pool.get(idx).pages)
	}
	return total
}

// WriteDiagnostics writes the free list to w as <base:pages,...>.
func (alloc *PageAllocator) WriteDiagnostics(w io.Writer) {
	kfmt.Fprintf(w, "<")
	for idx := alloc.head; idx != nilBlock; {
		blk := alloc.pool.get(idx)
		kfmt.Fprintf(w, "0x%x:%d", blk.base, blk.pages)
		if idx = blk.next; idx != nilBlock {
			kfmt.Fprintf(w, ",")
		}
	}
	kfmt.Fprintf(w, ">")
}

// Diagnostics returns the free list rendered by WriteDiagnostics.
func (alloc *PageAllocator) Diagnostics() string {
	var sb strings.Builder
	alloc.WriteDiagnostics(&sb)
	return sb.String()
}
