//go:build unix

package physmem

import "golang.org/x/sys/unix"

// mapMemory reserves zero-filled anonymous memory. Pages are only committed
// by the host when they are first touched, so large physical windows are
// cheap.
func mapMemory(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapMemory(data []byte) error {
	return unix.Munmap(data)
}
