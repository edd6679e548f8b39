// Package kmem exposes the kernel memory allocators.
//
// A single page allocator and a heap layered on top of it are shared by the
// whole kernel. The allocators themselves are not reentrant, so every call
// below runs with interrupts masked and the allocator lock held. Failures are
// logged and reported as a null (0) address.
package kmem

import (
	"io"

	"tutos/kernel"
	"tutos/kernel/cpu"
	"tutos/kernel/kfmt"
	"tutos/kernel/mm"
	"tutos/kernel/mm/heap"
	"tutos/kernel/mm/pmm"
	"tutos/kernel/sync"
)

var (
	lock      sync.Spinlock
	pageAlloc pmm.PageAllocator
	heapAlloc heap.Allocator
)

// enter starts a critical section and returns the interrupt state that must
// be passed to leave.
func enter() bool {
	wasEnabled := cpu.MaskInterrupts()
	lock.Acquire()
	return wasEnabled
}

func leave(wasEnabled bool) {
	lock.Release()
	cpu.RestoreInterrupts(wasEnabled)
}

// Init sets up the page allocator from the supplied memory map and an empty
// heap on top of it. Heap block headers are accessed through mem. Once Init
// succeeds, the page allocator also serves mm.AllocFrame requests.
//
// Init may be invoked again to discard all allocator state.
func Init(mem mm.Memory, kernelStart, kernelEnd uintptr, visitRegions pmm.RegionSource, cfg pmm.Config) *kernel.Error {
	wasEnabled := enter()
	defer leave(wasEnabled)

	mm.SetFrameAllocator(nil)
	heapAlloc = heap.Allocator{}

	if err := pageAlloc.Init(cfg, kernelStart, kernelEnd, visitRegions); err != nil {
		kfmt.Printf("[kmem] page allocator init failed: %s\n", err.Message)
		return err
	}

	heapAlloc.Init(mem, &pageAlloc)
	mm.SetFrameAllocator(allocFrame)
	return nil
}

// allocFrame adapts PageAlloc to mm.FrameAllocatorFn.
func allocFrame() (mm.Frame, *kernel.Error) {
	wasEnabled := enter()
	defer leave(wasEnabled)

	addr, err := pageAlloc.Allocate(1)
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// PageAlloc reserves pages contiguous physical pages. It returns 0 if the
// request cannot be satisfied.
func PageAlloc(pages uint32) uintptr {
	wasEnabled := enter()
	defer leave(wasEnabled)

	addr, err := pageAlloc.Allocate(pages)
	if err != nil {
		kfmt.Printf("[kmem] page_alloc(%d) failed: %s\n", pages, err.Message)
		return 0
	}
	return addr
}

// PageFree releases pages obtained from PageAlloc.
func PageFree(ptr uintptr) {
	wasEnabled := enter()
	defer leave(wasEnabled)

	if err := pageAlloc.Free(ptr); err != nil {
		kfmt.Printf("[kmem] page_free(0x%x) failed: %s\n", ptr, err.Message)
	}
}

// HeapAlloc reserves size bytes. It returns 0 if the request cannot be
// satisfied.
func HeapAlloc(size uintptr) uintptr {
	wasEnabled := enter()
	defer leave(wasEnabled)

	addr, err := heapAlloc.Malloc(size)
	if err != nil {
		kfmt.Printf("[kmem] heap_alloc(%d) failed: %s\n", size, err.Message)
		return 0
	}
	return addr
}

// HeapFree releases memory obtained from HeapAlloc.
func HeapFree(ptr uintptr) {
	wasEnabled := enter()
	defer leave(wasEnabled)

	if err := heapAlloc.Free(ptr); err != nil {
		kfmt.Printf("[kmem] heap_free(0x%x) failed: %s\n", ptr, err.Message)
	}
}

// PageDiagnostics returns the page allocator free list as <base:pages,...>.
func PageDiagnostics() string {
	wasEnabled := enter()
	defer leave(wasEnabled)

	return pageAlloc.Diagnostics()
}

// HeapDiagnostics returns the heap free list as <header:size,...>.
func HeapDiagnostics() string {
	wasEnabled := enter()
	defer leave(wasEnabled)

	return heapAlloc.Diagnostics()
}

// WriteDiagnostics writes both free lists to w, one per line.
func WriteDiagnostics(w io.Writer) {
	wasEnabled := enter()
	defer leave(wasEnabled)

	kfmt.Fprintf(w, "page free list: ")
	pageAlloc.WriteDiagnostics(w)
	kfmt.Fprintf(w, "\nheap free list: ")
	heapAlloc.WriteDiagnostics(w)
	kfmt.Fprintf(w, "\n")
}

// Stats returns the number of free pages and free heap bytes.
func Stats() (freePages, freeHeapBytes uint64) {
	wasEnabled := enter()
	defer leave(wasEnabled)

	return pageAlloc.FreePages(), heapAlloc.FreeBytes()
}
