package pmm

import (
	"tutos/kernel/kfmt"
	"tutos/kernel/mm"
	"tutos/multiboot"
)

// PrintMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map along with the pages
// reserved by the kernel image.
func PrintMemoryMap(kernelStart, kernelEnd uintptr, visitRegions RegionSource) {
	kfmt.Printf("[pgalloc] system memory map:\n")
	var totalFree mm.Size
	visitRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pgalloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))

	start, end := mm.PageAlignDown(kernelStart), mm.PageAlignUp(kernelEnd)
	kfmt.Printf("[pgalloc] kernel loaded at 0x%x - 0x%x\n", kernelStart, kernelEnd)
	kfmt.Printf("[pgalloc] size: %d bytes, reserved pages: %d\n",
		uint64(kernelEnd-kernelStart),
		uint64((end-start)>>mm.PageShift),
	)
}
