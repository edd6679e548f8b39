package main

import (
	"fmt"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"tutos/kernel/kmem"
	"tutos/kernel/mm"
	"tutos/kernel/mm/physmem"
	"tutos/multiboot"
)

const (
	// Memory outside of [lowMemoryLimit, maxPhysAddr) is never handed out
	// by the page allocator and does not need to be emulated.
	lowMemoryLimit = uint64(2 * mm.Mb)
	maxPhysAddr    = mm.MaxPhysAddr
)

// usableSpan returns the physical range covering all available regions that
// the page allocator can hand out.
func usableSpan(memMap multiboot.MemoryMap) (start, end uint64) {
	start = maxPhysAddr
	memMap.Visit(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		rStart, rEnd := region.PhysAddress, region.PhysAddress+region.Length
		if rStart < lowMemoryLimit {
			rStart = lowMemoryLimit
		}
		if rEnd > maxPhysAddr {
			rEnd = maxPhysAddr
		}
		if rStart >= rEnd {
			return true
		}

		if rStart < start {
			start = rStart
		}
		if rEnd > end {
			end = rEnd
		}
		return true
	})

	if end <= start {
		return lowMemoryLimit, lowMemoryLimit + uint64(mm.PageSize)
	}
	return start, end
}

// simulator executes scenario steps against the kernel allocators.
type simulator struct {
	out     io.Writer
	printer *message.Printer
	labels  map[string]uintptr
}

func newSimulator(out io.Writer) *simulator {
	return &simulator{
		out:     out,
		printer: message.NewPrinter(language.English),
		labels:  make(map[string]uintptr),
	}
}

// run sets up an emulated physical address space for sc and executes its
// steps.
func (s *simulator) run(sc *Scenario) error {
	memMap := sc.memoryMap()

	start, end := usableSpan(memMap)
	if end-start > maxMemory {
		return fmt.Errorf("usable memory spans %d bytes which exceeds --max-memory (%d)", end-start, maxMemory)
	}

	region, err := physmem.NewRegion(uintptr(start), mm.Size(end-start))
	if err != nil {
		return fmt.Errorf("failed to emulate physical memory: %w", err)
	}
	defer region.Close()

	if sc.Name != "" {
		fmt.Fprintf(s.out, "scenario: %s\n", sc.Name)
	}
	s.printMemoryMap(memMap)

	restoreLog := redirectKernelLog(s.out)
	defer restoreLog()

	if kerr := kmem.Init(region, uintptr(sc.Kernel.Start), uintptr(sc.Kernel.End), memMap.Visit, sc.config()); kerr != nil {
		return fmt.Errorf("allocator init failed: %w", kerr)
	}

	for i, step := range sc.Steps {
		if err := s.exec(i, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}

	freePages, freeHeap := kmem.Stats()
	s.printer.Fprintf(s.out, "free pages: %d (%d bytes), free heap bytes: %d\n",
		freePages, freePages*uint64(mm.PageSize), freeHeap)
	return nil
}

func (s *simulator) exec(index int, step Step) error {
	switch step.Op {
	case opPageAlloc:
		ptr := kmem.PageAlloc(step.Pages)
		fmt.Fprintf(s.out, "[%d] palloc(%d) -> %s\n", index, step.Pages, fmtPtr(ptr))
		return s.bind(step, ptr)
	case opMalloc:
		ptr := kmem.HeapAlloc(uintptr(step.Size))
		fmt.Fprintf(s.out, "[%d] malloc(%d) -> %s\n", index, step.Size, fmtPtr(ptr))
		return s.bind(step, ptr)
	case opPageFree, opFree:
		ptr, ok := s.labels[step.Label]
		if !ok {
			return fmt.Errorf("unknown label %q", step.Label)
		}
		delete(s.labels, step.Label)

		if step.Op == opPageFree {
			kmem.PageFree(ptr)
		} else {
			kmem.HeapFree(ptr)
		}
		fmt.Fprintf(s.out, "[%d] %s(%s) [%s]\n", index, step.Op, fmtPtr(ptr), step.Label)
	case opDump:
		pages, heap := kmem.PageDiagnostics(), kmem.HeapDiagnostics()
		fmt.Fprintf(s.out, "[%d] page free list: %s\n", index, pages)
		fmt.Fprintf(s.out, "[%d] heap free list: %s\n", index, heap)

		if step.ExpectPages != "" && step.ExpectPages != pages {
			return fmt.Errorf("expected page free list %s; got %s", step.ExpectPages, pages)
		}
		if step.ExpectHeap != "" && step.ExpectHeap != heap {
			return fmt.Errorf("expected heap free list %s; got %s", step.ExpectHeap, heap)
		}
	}
	return nil
}

// bind records the result of an allocation step under its label.
func (s *simulator) bind(step Step, ptr uintptr) error {
	if (ptr == 0) != step.ExpectNull {
		if step.ExpectNull {
			return fmt.Errorf("expected allocation to fail; got %s", fmtPtr(ptr))
		}
		return fmt.Errorf("allocation failed")
	}

	if ptr != 0 {
		s.labels[step.Label] = ptr
	}
	return nil
}

func (s *simulator) printMemoryMap(memMap multiboot.MemoryMap) {
	var available uint64
	fmt.Fprintln(s.out, "memory map:")
	memMap.Visit(func(region *multiboot.MemoryMapEntry) bool {
		s.printer.Fprintf(s.out, "  [%#010x - %#010x] %15d bytes  %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type)
		if region.Type == multiboot.MemAvailable {
			available += region.Length
		}
		return true
	})
	s.printer.Fprintf(s.out, "available: %d bytes\n", available)
}

func fmtPtr(ptr uintptr) string {
	if ptr == 0 {
		return "null"
	}
	return fmt.Sprintf("0x%x", ptr)
}
