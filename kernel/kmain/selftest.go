package kmain

import (
	"tutos/kernel/kfmt"
	"tutos/kernel/kmem"
)

// logWriter forwards writes to the active kfmt output sink.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	kfmt.Printf("%s", p)
	return len(p), nil
}

var diagWriter = &kfmt.PrefixWriter{Sink: logWriter{}, Prefix: []byte("[kmain] ")}

// runAllocatorSelfTest allocates and releases a mix of small and large heap
// blocks, dumping the allocator state after each step. Once everything is
// released, both free lists must match their initial state.
func runAllocatorSelfTest() bool {
	initialPages, initialHeap := kmem.PageDiagnostics(), kmem.HeapDiagnostics()
	kmem.WriteDiagnostics(diagWriter)

	sizes := [...]uintptr{64, 16, 1234, 12345}
	var ptrs [len(sizes)]uintptr
	for i, size := range sizes {
		ptrs[i] = kmem.HeapAlloc(size)
		kfmt.Printf("[kmain] malloc(%d) gave 0x%x\n", size, ptrs[i])
		kmem.WriteDiagnostics(diagWriter)
	}

	// Free one in between, then the first one, then the rest.
	for _, i := range [...]int{1, 0, 2, 3} {
		kmem.HeapFree(ptrs[i])
		kfmt.Printf("[kmain] free(0x%x)\n", ptrs[i])
		kmem.WriteDiagnostics(diagWriter)
	}

	if kmem.PageDiagnostics() != initialPages || kmem.HeapDiagnostics() != initialHeap {
		kfmt.Printf("[kmain] allocator self test failed: free lists differ from their initial state\n")
		return false
	}

	kfmt.Printf("[kmain] allocator self test passed\n")
	return true
}
