package pmm

import (
	"tutos/kernel"
	"tutos/kernel/kfmt"
	"tutos/kernel/mm"
)

// blockIndex is a handle to a descriptor slot in a descriptorPool.
type blockIndex int32

// nilBlock terminates the free list.
const nilBlock blockIndex = -1

// blockStatus tracks whether a pool slot is checked out. It says nothing
// about the pages that the descriptor covers.
type blockStatus uint8

const (
	blockFree blockStatus = iota
	blockInUse
)

// freeBlock describes a run of contiguous free pages.
type freeBlock struct {
	status blockStatus

	// base is the page-aligned physical address of the first page.
	base uintptr

	// pages is the run length. It may drop to zero after an allocation
	// consumes the whole run; such descriptors stay in the list.
	pages uint32

	next blockIndex
}

// end returns the address of the first byte past the run.
func (b *freeBlock) end() uintptr {
	return b.base + uintptr(b.pages)<<mm.PageShift
}

var errPoolExhausted = &kernel.Error{Module: "pgalloc", Message: "no list entries left in pool", Kind: kernel.KindPoolExhausted}

// descriptorPool is a fixed-capacity arena of free-list descriptors. The
// free list links descriptors by index so that no memory is allocated while
// the list is mutated.
type descriptorPool struct {
	blocks []freeBlock
	inUse  int
}

func newDescriptorPool(capacity int) descriptorPool {
	return descriptorPool{blocks: make([]freeBlock, capacity)}
}

// acquire checks out the first free slot.
func (p *descriptorPool) acquire() (blockIndex, *kernel.Error) {
	for i := range p.blocks {
		if p.blocks[i].status == blockFree {
			p.blocks[i] = freeBlock{status: blockInUse, next: nilBlock}
			p.inUse++
			return blockIndex(i), nil
		}
	}

	kfmt.Printf("[pgalloc] no list entries left in pool\n")
	return nilBlock, errPoolExhausted
}

// release returns a slot to the pool. Invalid or already free slots are
// ignored.
func (p *descriptorPool) release(idx blockIndex) {
	if idx < 0 || int(idx) >= len(p.blocks) || p.blocks[idx].status == blockFree {
		kfmt.Printf("[pgalloc] ignoring release of invalid pool entry %d\n", int32(idx))
		return
	}

	p.blocks[idx].status = blockFree
	p.inUse--
}

// get returns the descriptor stored in slot idx.
func (p *descriptorPool) get(idx blockIndex) *freeBlock {
	return &p.blocks[idx]
}

// capacity returns the number of slots in the pool.
func (p *descriptorPool) capacity() int {
	return len(p.blocks)
}
