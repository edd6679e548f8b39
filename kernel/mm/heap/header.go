package heap

import (
	"encoding/binary"

	"tutos/kernel"
	"tutos/kernel/kfmt"
	"tutos/kernel/mm"
)

const (
	// headerSize is the size of the header that precedes every heap block.
	headerSize = 8

	// blockAlign is the granularity of heap block payloads.
	blockAlign = 8

	// nullBlock terminates the heap free list.
	nullBlock = uintptr(0)
)

var errCorruptList = &kernel.Error{Module: "heap", Message: "free list points outside of physical memory"}

// blockHeader is a typed view over the header stored at the start of a heap
// block. The header layout is:
//
//	offset 0: next  uint32 physical address of the next free block, 0 = none
//	offset 4: size  uint32 payload length in bytes
//
// Both fields are little endian.
type blockHeader struct {
	addr uintptr
	raw  []byte
}

func (h blockHeader) next() uintptr {
	return uintptr(binary.LittleEndian.Uint32(h.raw[0:4]))
}

func (h blockHeader) setNext(addr uintptr) {
	binary.LittleEndian.PutUint32(h.raw[0:4], uint32(addr))
}

func (h blockHeader) size() uintptr {
	return uintptr(binary.LittleEndian.Uint32(h.raw[4:8]))
}

func (h blockHeader) setSize(size uintptr) {
	binary.LittleEndian.PutUint32(h.raw[4:8], uint32(size))
}

// payload returns the address handed out to callers.
func (h blockHeader) payload() uintptr {
	return h.addr + headerSize
}

// end returns the address of the first byte past the block payload.
func (h blockHeader) end() uintptr {
	return h.addr + headerSize + h.size()
}

// wellFormed returns true if the block has a non-empty, aligned payload and
// does not cross a page boundary.
func (h blockHeader) wellFormed() bool {
	size := h.size()
	return size != 0 && size%blockAlign == 0 && mm.PageAlignDown(h.addr) == mm.PageAlignDown(h.end()-1)
}

// header builds a view over the header located at addr.
func (a *Allocator) header(addr uintptr) (blockHeader, *kernel.Error) {
	raw, err := a.mem.Bytes(addr, headerSize)
	if err != nil {
		return blockHeader{}, err
	}
	return blockHeader{addr: addr, raw: raw}, nil
}

// at returns the header of a block that is known to be valid, i.e. one that
// is linked in the free list or was just carved by the allocator.
func (a *Allocator) at(addr uintptr) blockHeader {
	h, err := a.header(addr)
	if err != nil {
		kfmt.Panic(errCorruptList)
	}
	return h
}
