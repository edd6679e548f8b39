// Package heap implements the kernel's byte-granular allocator.
//
// The heap borrows single pages from a page allocator and splits them into
// blocks, each one preceded by an 8-byte header. Free blocks are kept in a
// singly linked list threaded through their headers. Requests of
// LargeAllocThreshold bytes or more bypass the heap and are served as whole,
// headerless pages; Free tells the two apart by the page alignment of the
// pointer.
//
// Blocks are never merged across page boundaries. Once the blocks of a page
// coalesce back into a single free block spanning the entire page, the page
// is returned to the page allocator.
package heap

import (
	"io"
	"math"
	"strings"

	"tutos/kernel"
	"tutos/kernel/kfmt"
	"tutos/kernel/mm"
)

// LargeAllocThreshold is the smallest request size that is served directly
// by the page allocator.
const LargeAllocThreshold = 3072

var (
	errZeroSize       = &kernel.Error{Module: "heap", Message: "size was zero", Kind: kernel.KindInvalidArgument}
	errTooLarge       = &kernel.Error{Module: "heap", Message: "request exceeds the addressable page count", Kind: kernel.KindOutOfMemory}
	errInvalidPointer = &kernel.Error{Module: "heap", Message: "pointer does not reference a heap block", Kind: kernel.KindInvalidArgument}
	errDoubleFree     = &kernel.Error{Module: "heap", Message: "block is already free", Kind: kernel.KindInvalidArgument}
	errNotInitialized = &kernel.Error{Module: "heap", Message: "allocator not initialized", Kind: kernel.KindInvalidArgument}
)

// PageSource supplies the pages that back the heap.
type PageSource interface {
	Allocate(pages uint32) (uintptr, *kernel.Error)
	Free(ptr uintptr) *kernel.Error
}

// Allocator is a first-fit heap allocator. It is not reentrant.
type Allocator struct {
	mem   mm.Memory
	pages PageSource

	head, tail uintptr
}

// Init sets up an empty heap that stores block headers through mem and grows
// by borrowing pages from pages.
func (a *Allocator) Init(mem mm.Memory, pages PageSource) {
	a.mem = mem
	a.pages = pages
	a.head, a.tail = nullBlock, nullBlock
}

func roundUp(size uintptr) uintptr {
	return (size + blockAlign - 1) &^ (blockAlign - 1)
}

// Malloc reserves size bytes and returns the address of the first one.
func (a *Allocator) Malloc(size uintptr) (uintptr, *kernel.Error) {
	if a.pages == nil {
		return 0, errNotInitialized
	}

	if size == 0 {
		kfmt.Printf("[heap] size was zero\n")
		return 0, errZeroSize
	}

	if size >= LargeAllocThreshold {
		pages := mm.Size(roundUp(size)).Pages()
		if pages > math.MaxUint32 {
			kfmt.Printf("[heap] request of %d bytes is too large\n", size)
			return 0, errTooLarge
		}

		kfmt.Printf("[heap] using pgalloc for size %d (%d pages)\n", size, pages)
		return a.pages.Allocate(uint32(pages))
	}

	size = roundUp(size)

	blk, found := a.findExact(size)
	if !found {
		blk, found = a.findLargest(size)
	}
	if !found {
		var err *kernel.Error
		if blk, err = a.grow(); err != nil {
			kfmt.Printf("[heap] could not obtain a page to fill request\n")
			return 0, err
		}
	}

	if blk.size() >= size+headerSize+blockAlign {
		remaining := blk.size() - size - headerSize
		blk.setSize(remaining)

		carved := a.at(blk.addr + headerSize + remaining)
		carved.setNext(nullBlock)
		carved.setSize(size)
		return carved.payload(), nil
	}

	a.unlink(blk.addr)
	return blk.payload(), nil
}

// findExact returns the first free block whose payload is exactly size bytes.
func (a *Allocator) findExact(size uintptr) (blockHeader, bool) {
	for cur := a.head; cur != nullBlock; {
		blk := a.at(cur)
		if blk.size() == size {
			return blk, true
		}
		cur = blk.next()
	}
	return blockHeader{}, false
}

// findLargest returns the largest free block if it can hold size bytes.
func (a *Allocator) findLargest(size uintptr) (blockHeader, bool) {
	if a.head == nullBlock {
		return blockHeader{}, false
	}

	largest := a.at(a.head)
	for cur := largest.next(); cur != nullBlock; {
		blk := a.at(cur)
		if blk.size() > largest.size() {
			largest = blk
		}
		cur = blk.next()
	}

	if largest.size() < size {
		return blockHeader{}, false
	}
	return largest, true
}

// grow borrows a page and appends it to the tail of the free list as a single
// free block.
func (a *Allocator) grow() (blockHeader, *kernel.Error) {
	kfmt.Printf("[heap] expanding from pgalloc\n")

	addr, err := a.pages.Allocate(1)
	if err != nil {
		return blockHeader{}, err
	}

	blk, err := a.header(addr)
	if err != nil {
		a.pages.Free(addr)
		return blockHeader{}, err
	}

	blk.setNext(nullBlock)
	blk.setSize(mm.PageSize - headerSize)
	if a.head == nullBlock {
		a.head = addr
	} else {
		a.at(a.tail).setNext(addr)
	}
	a.tail = addr

	return blk, nil
}

// pushFront inserts blk at the head of the free list.
func (a *Allocator) pushFront(blk blockHeader) {
	blk.setNext(a.head)
	if a.head == nullBlock {
		a.tail = blk.addr
	}
	a.head = blk.addr
}

// unlink removes the block at addr from the free list.
func (a *Allocator) unlink(addr uintptr) {
	prev := nullBlock
	for cur := a.head; cur != addr; {
		if cur == nullBlock {
			kfmt.Printf("[heap] tried to remove block 0x%x which is not in the free list\n", addr)
			return
		}
		prev, cur = cur, a.at(cur).next()
	}

	a.link(prev, a.at(addr).next())
	if a.tail == addr {
		a.tail = prev
	}
}

// replace puts blk in the list position currently occupied by old.
func (a *Allocator) replace(prev uintptr, old, blk blockHeader) {
	blk.setNext(old.next())
	a.link(prev, blk.addr)
	if a.tail == old.addr {
		a.tail = blk.addr
	}
}

// link points prev, or the list head if prev is null, to addr.
func (a *Allocator) link(prev, addr uintptr) {
	if prev == nullBlock {
		a.head = addr
		return
	}
	a.at(prev).setNext(addr)
}

// isFree returns true if addr lies inside a block of the free list.
func (a *Allocator) isFree(addr uintptr) bool {
	for cur := a.head; cur != nullBlock; {
		blk := a.at(cur)
		if addr >= blk.addr && addr < blk.end() {
			return true
		}
		cur = blk.next()
	}
	return false
}

// Free releases memory previously returned by Malloc.
func (a *Allocator) Free(ptr uintptr) *kernel.Error {
	if a.pages == nil {
		return errNotInitialized
	}

	if mm.IsPageAligned(ptr) {
		return a.pages.Free(ptr)
	}

	blk, err := a.header(ptr - headerSize)
	if err != nil || !blk.wellFormed() {
		kfmt.Printf("[heap] tried to free invalid pointer 0x%x\n", ptr)
		return errInvalidPointer
	}

	if a.isFree(blk.addr) {
		kfmt.Printf("[heap] tried to free block 0x%x twice\n", blk.addr)
		return errDoubleFree
	}

	merged := false
	start := blk.addr

	// Blocks that start a page have no predecessor in the same page.
	if !mm.IsPageAligned(start) {
		for cur := a.head; cur != nullBlock; {
			pred := a.at(cur)
			if pred.end() == start {
				kfmt.Printf("[heap] free: adjacent after\n")
				pred.setSize(pred.size() + headerSize + blk.size())
				blk, merged = pred, true
				break
			}
			cur = pred.next()
		}
	}

	// Likewise, blocks that end a page have no successor in the same page.
	if end := blk.end(); !mm.IsPageAligned(end) {
		prev := nullBlock
		for cur := a.head; cur != nullBlock; {
			succ := a.at(cur)
			if succ.addr == end {
				kfmt.Printf("[heap] free: adjacent before\n")
				blk.setSize(blk.size() + headerSize + succ.size())
				if merged {
					a.unlink(succ.addr)
				} else {
					a.replace(prev, succ, blk)
					merged = true
				}
				break
			}
			prev, cur = cur, succ.next()
		}
	}

	if !merged {
		kfmt.Printf("[heap] free: block not merged, adding to the list\n")
		a.pushFront(blk)
	}

	if mm.IsPageAligned(blk.addr) && blk.size() == mm.PageSize-headerSize {
		a.unlink(blk.addr)
		if err := a.pages.Free(blk.addr); err != nil {
			kfmt.Printf("[heap] unable to return page 0x%x to pgalloc\n", blk.addr)
			a.pushFront(blk)
			return err
		}
	}

	return nil
}

// FreeBytes returns the total payload size of all free heap blocks.
func (a *Allocator) FreeBytes() uint64 {
	var total uint64
	for cur := a.head; cur != nullBlock; {
		blk := a.at(cur)
		total += uint64(blk.size())
		cur = blk.next()
	}
	return total
}

// WriteDiagnostics writes the free list to w as <header:size,...>.
func (a *Allocator) WriteDiagnostics(w io.Writer) {
	kfmt.Fprintf(w, "<")
	for cur := a.head; cur != nullBlock; {
		blk := a.at(cur)
		kfmt.Fprintf(w, "0x%x:%d", blk.addr, blk.size())
		if cur = blk.next(); cur != nullBlock {
			kfmt.Fprintf(w, ",")
		}
	}
	kfmt.Fprintf(w, ">")
}

// Diagnostics returns the free list rendered by WriteDiagnostics.
func (a *Allocator) Diagnostics() string {
	var sb strings.Builder
	a.WriteDiagnostics(&sb)
	return sb.String()
}
