package kmain

import (
	"strconv"

	"tutos/kernel"
	"tutos/kernel/kfmt"
	"tutos/kernel/kmem"
	"tutos/kernel/mm"
	"tutos/kernel/mm/physmem"
	"tutos/kernel/mm/pmm"
	"tutos/multiboot"
)

var (
	errKmainReturned   = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoMultibootInfo = &kernel.Error{Module: "kmain", Message: "unable to read multiboot info", Kind: kernel.KindInvalidArgument}

	// physMem provides access to physical memory. Tests replace it with a
	// host-backed region.
	physMem mm.Memory = physmem.Identity{}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the address of the multiboot info
// payload provided by the bootloader as well as the physical addresses for
// the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	if !multiboot.SetInfo(physMem, multibootInfoPtr) {
		panicFn(errNoMultibootInfo)
		return
	}

	kfmt.Printf("Hello, kernel World!\n")
	if name := multiboot.GetBootLoaderName(); name != "" {
		kfmt.Printf("[kmain] booted by %s\n", name)
	}
	if lowerKb, upperKb, ok := multiboot.GetBasicMemoryInfo(); ok {
		kfmt.Printf("[kmain] lower memory: %dKb, upper memory: %dKb\n", lowerKb, upperKb)
	}
	pmm.PrintMemoryMap(kernelStart, kernelEnd, multiboot.VisitMemRegions)

	if err := kmem.Init(physMem, kernelStart, kernelEnd, multiboot.VisitMemRegions, allocatorConfig()); err != nil {
		panicFn(err)
		return
	}

	runAllocatorSelfTest()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// allocatorConfig returns the allocator configuration, applying any overrides
// from the boot command line:
//
//	pgalloc.pool=N       descriptor pool capacity
//	pgalloc.multipage=N  multi-page allocation table capacity
func allocatorConfig() pmm.Config {
	cfg := pmm.DefaultConfig()
	cmdLine := multiboot.GetBootCmdLine()

	for key, dst := range map[string]*int{
		"pgalloc.pool":      &cfg.PoolSize,
		"pgalloc.multipage": &cfg.MultipageSlots,
	} {
		value, ok := cmdLine[key]
		if !ok {
			continue
		}

		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			kfmt.Printf("[kmain] ignoring invalid value '%s' for %s\n", value, key)
			continue
		}
		*dst = n
	}

	return cfg
}
