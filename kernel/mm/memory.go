package mm

import "tutos/kernel"

// Memory provides access to physical memory. Implementations return a byte
// slice that overlays the physical range [addr, addr+size) or an error if
// the range cannot be reached.
//
// The heap allocator stores its block headers inside the pages it manages
// and uses a Memory to build typed views over them.
type Memory interface {
	Bytes(addr, size uintptr) ([]byte, *kernel.Error)
}
