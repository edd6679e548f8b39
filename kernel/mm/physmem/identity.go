// Package physmem provides mm.Memory implementations.
//
// Identity is used by the kernel proper where physical memory is identity
// mapped. Region backs a window of the physical address space with host
// memory so that the allocators can be driven from tests and tools.
package physmem

import (
	"unsafe"

	"tutos/kernel"
)

var errNullAccess = &kernel.Error{Module: "physmem", Message: "access to the null page", Kind: kernel.KindInvalidArgument}

// Identity overlays byte slices directly on top of identity-mapped physical
// memory.
type Identity struct{}

// Bytes returns a slice that overlays the physical range [addr, addr+size).
func (Identity) Bytes(addr, size uintptr) ([]byte, *kernel.Error) {
	if addr < 0x1000 {
		return nil, errNullAccess
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}
