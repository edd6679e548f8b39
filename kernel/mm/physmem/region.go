package physmem

import (
	"fmt"

	"tutos/kernel"
	"tutos/kernel/mm"
)

var errOutOfWindow = &kernel.Error{Module: "physmem", Message: "access outside of the physical memory window", Kind: kernel.KindInvalidArgument}

// Region emulates the physical range [Base(), Base()+Size()) using host
// memory. Any access outside of the range fails.
type Region struct {
	base uintptr
	data []byte
}

// NewRegion reserves host memory for the physical range [base, base+size).
// Both base and size are rounded out to page boundaries.
func NewRegion(base uintptr, size mm.Size) (*Region, error) {
	start := mm.PageAlignDown(base)
	end := mm.PageAlignUp(base + uintptr(size))
	if end <= start {
		return nil, fmt.Errorf("physmem: invalid region [0x%x, 0x%x)", start, end)
	}

	data, err := mapMemory(int(end - start))
	if err != nil {
		return nil, fmt.Errorf("physmem: reserve %d bytes: %w", end-start, err)
	}

	return &Region{base: start, data: data}, nil
}

// Base returns the first physical address covered by the region.
func (r *Region) Base() uintptr { return r.base }

// Size returns the region size in bytes.
func (r *Region) Size() mm.Size { return mm.Size(len(r.data)) }

// Contains returns true if [addr, addr+size) lies within the region.
func (r *Region) Contains(addr, size uintptr) bool {
	return addr >= r.base && size <= uintptr(len(r.data)) && addr-r.base <= uintptr(len(r.data))-size
}

// Bytes returns a slice that overlays the physical range [addr, addr+size).
func (r *Region) Bytes(addr, size uintptr) ([]byte, *kernel.Error) {
	if !r.Contains(addr, size) {
		return nil, errOutOfWindow
	}

	off := addr - r.base
	return r.data[off : off+size : off+size], nil
}

// Close releases the host memory backing the region. The region must not be
// used afterwards.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}

	err := unmapMemory(r.data)
	r.data = nil
	return err
}
