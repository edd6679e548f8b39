package pmm

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"tutos/kernel"
	"tutos/kernel/mm"
	"tutos/multiboot"
)

const (
	testKernelStart = 0x100000
	testKernelEnd   = 0x102000
)

var oneMegMap = multiboot.MemoryMap{
	{PhysAddress: 0x200000, Length: 0x100000, Type: multiboot.MemAvailable},
}

func newTestAllocator(t *testing.T, cfg Config, memMap multiboot.MemoryMap) *PageAllocator {
	t.Helper()

	var alloc PageAllocator
	require.Nil(t, alloc.Init(cfg, testKernelStart, testKernelEnd, memMap.Visit))
	return &alloc
}

func mustAllocate(t *testing.T, alloc *PageAllocator, pages uint32) uintptr {
	t.Helper()

	ptr, err := alloc.Allocate(pages)
	require.Nil(t, err, "allocate(%d)", pages)
	return ptr
}

func TestPageAllocatorInit(t *testing.T) {
	out := captureOutput(t)
	alloc := newTestAllocator(t, Config{}, oneMegMap)

	require.Equal(t, "<0x200000:256>", alloc.Diagnostics())
	require.Equal(t, uint64(256), alloc.FreePages())
	require.Contains(t, out.String(), "[pgalloc] adding block starting at 0x200000 of length 0x100000 to the free pool\n")
}

func TestPageAllocatorInitRegionFiltering(t *testing.T) {
	captureOutput(t)

	specs := []struct {
		descr                  string
		kernelStart, kernelEnd uintptr
		memMap                 multiboot.MemoryMap
		exp                    string
	}{
		{
			"empty map",
			testKernelStart, testKernelEnd,
			nil,
			"<>",
		},
		{
			"reserved regions are ignored",
			testKernelStart, testKernelEnd,
			multiboot.MemoryMap{
				{PhysAddress: 0x200000, Length: 0x100000, Type: multiboot.MemReserved},
				{PhysAddress: 0x400000, Length: 0x100000, Type: multiboot.MemAcpiReclaimable},
			},
			"<>",
		},
		{
			"regions below 2M are dropped and straddling regions are clipped",
			testKernelStart, testKernelEnd,
			multiboot.MemoryMap{
				{PhysAddress: 0x0, Length: 0x9fc00, Type: multiboot.MemAvailable},
				{PhysAddress: 0x100000, Length: 0x7ee0000, Type: multiboot.MemAvailable},
			},
			"<0x200000:32224>",
		},
		{
			"regions at or above 4G are dropped and straddling regions are truncated",
			testKernelStart, testKernelEnd,
			multiboot.MemoryMap{
				{PhysAddress: 0xfff00000, Length: 0x200000, Type: multiboot.MemAvailable},
				{PhysAddress: 0x100000000, Length: 0x10000000, Type: multiboot.MemAvailable},
			},
			"<0xfff00000:256>",
		},
		{
			"kernel image inside the region",
			0x300800, 0x301800,
			multiboot.MemoryMap{
				{PhysAddress: 0x200000, Length: 0x200000, Type: multiboot.MemAvailable},
			},
			"<0x302000:254>",
		},
		{
			"region starts inside the kernel image",
			0x300000, 0x302000,
			multiboot.MemoryMap{
				{PhysAddress: 0x301000, Length: 0xff000, Type: multiboot.MemAvailable},
			},
			"<0x302000:254>",
		},
		{
			"region ends inside the kernel image",
			0x300000, 0x302000,
			multiboot.MemoryMap{
				{PhysAddress: 0x200000, Length: 0x101000, Type: multiboot.MemAvailable},
			},
			"<0x200000:256>",
		},
		{
			"unaligned regions are rounded to whole pages",
			testKernelStart, testKernelEnd,
			multiboot.MemoryMap{
				{PhysAddress: 0x200800, Length: 0x2800, Type: multiboot.MemAvailable},
				{PhysAddress: 0x300800, Length: 0x800, Type: multiboot.MemAvailable},
				{PhysAddress: 0x400000, Length: 0x1fff, Type: multiboot.MemAvailable},
			},
			"<0x201000:2,0x400000:1>",
		},
		{
			"regions are kept in map order",
			testKernelStart, testKernelEnd,
			multiboot.MemoryMap{
				{PhysAddress: 0x800000, Length: 0x4000, Type: multiboot.MemAvailable},
				{PhysAddress: 0x200000, Length: 0x1000, Type: multiboot.MemAvailable},
				{PhysAddress: 0x201000, Length: 0x1000, Type: multiboot.MemAvailable},
			},
			"<0x800000:4,0x200000:1,0x201000:1>",
		},
	}

	for specIndex, spec := range specs {
		var alloc PageAllocator
		err := alloc.Init(Config{}, spec.kernelStart, spec.kernelEnd, spec.memMap.Visit)
		require.Nil(t, err, "[spec %d] %s", specIndex, spec.descr)
		require.Equal(t, spec.exp, alloc.Diagnostics(), "[spec %d] %s", specIndex, spec.descr)
	}
}

func TestPageAllocatorInitErrors(t *testing.T) {
	captureOutput(t)

	t.Run("pool exhausted", func(t *testing.T) {
		var alloc PageAllocator
		memMap := multiboot.MemoryMap{
			{PhysAddress: 0x200000, Length: 0x1000, Type: multiboot.MemAvailable},
			{PhysAddress: 0x400000, Length: 0x1000, Type: multiboot.MemAvailable},
		}

		err := alloc.Init(Config{PoolSize: 1}, testKernelStart, testKernelEnd, memMap.Visit)
		require.Equal(t, errPoolExhausted, err)
		require.Equal(t, "<0x200000:1>", alloc.Diagnostics())
	})

	t.Run("negative config", func(t *testing.T) {
		var alloc PageAllocator
		err := alloc.Init(Config{MultipageSlots: -1}, testKernelStart, testKernelEnd, oneMegMap.Visit)
		require.True(t, errors.Is(err, kernel.ErrInvalidArgument))
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg, err := Config{}.withDefaults()
	require.Nil(t, err)
	require.Equal(t, DefaultConfig(), cfg)

	cfg, err = Config{PoolSize: 8}.withDefaults()
	require.Nil(t, err)
	require.Equal(t, Config{PoolSize: 8, MultipageSlots: DefaultMultipageSlots}, cfg)
}

func TestPageAllocatorAllocate(t *testing.T) {
	captureOutput(t)
	alloc := newTestAllocator(t, Config{}, oneMegMap)

	// Pages are carved from the high end of the run.
	require.Equal(t, uintptr(0x2ff000), mustAllocate(t, alloc, 1))
	require.Equal(t, uintptr(0x2fc000), mustAllocate(t, alloc, 3))
	require.Equal(t, "<0x200000:252>", alloc.Diagnostics())
	require.Equal(t, 1, alloc.multipage.used())

	// The descriptor is kept when its run is used up.
	require.Equal(t, uintptr(0x200000), mustAllocate(t, alloc, 252))
	require.Equal(t, "<0x200000:0>", alloc.Diagnostics())
	require.Zero(t, alloc.FreePages())

	_, err := alloc.Allocate(1)
	require.Equal(t, errNoBlockLarge, err)
	require.Equal(t, kernel.KindOutOfMemory, err.Kind)
}

func TestPageAllocatorFirstFit(t *testing.T) {
	captureOutput(t)
	alloc := newTestAllocator(t, Config{}, multiboot.MemoryMap{
		{PhysAddress: 0x200000, Length: 0x2000, Type: multiboot.MemAvailable},
		{PhysAddress: 0x400000, Length: 0x8000, Type: multiboot.MemAvailable},
		{PhysAddress: 0x800000, Length: 0x4000, Type: multiboot.MemAvailable},
	})

	// The first run large enough wins, not the tightest one.
	require.Equal(t, uintptr(0x405000), mustAllocate(t, alloc, 3))
	require.Equal(t, uintptr(0x201000), mustAllocate(t, alloc, 1))
	require.Equal(t, "<0x200000:1,0x400000:5,0x800000:4>", alloc.Diagnostics())
}

func TestPageAllocatorAllocateErrors(t *testing.T) {
	captureOutput(t)

	t.Run("uninitialized", func(t *testing.T) {
		var alloc PageAllocator
		_, err := alloc.Allocate(1)
		require.Equal(t, errNotInitialized, err)
		require.Equal(t, errNotInitialized, alloc.Free(0x200000))
	})

	t.Run("zero pages", func(t *testing.T) {
		alloc := newTestAllocator(t, Config{}, oneMegMap)
		_, err := alloc.Allocate(0)
		require.Equal(t, errZeroPages, err)
		require.Equal(t, kernel.KindInvalidArgument, err.Kind)
	})

	t.Run("empty free list", func(t *testing.T) {
		alloc := newTestAllocator(t, Config{}, nil)
		_, err := alloc.Allocate(1)
		require.Equal(t, errNoFreePages, err)
		require.True(t, errors.Is(err, kernel.ErrOutOfMemory))
	})

	t.Run("request larger than any run", func(t *testing.T) {
		alloc := newTestAllocator(t, Config{}, oneMegMap)
		_, err := alloc.Allocate(257)
		require.Equal(t, errNoBlockLarge, err)
		require.Equal(t, "<0x200000:256>", alloc.Diagnostics())
	})

	t.Run("multipage table full", func(t *testing.T) {
		alloc := newTestAllocator(t, Config{MultipageSlots: 1}, oneMegMap)
		mustAllocate(t, alloc, 2)

		_, err := alloc.Allocate(2)
		require.Equal(t, errMultipageFull, err)
		require.Equal(t, kernel.KindCapacityExceeded, err.Kind)
		require.Equal(t, "<0x200000:254>", alloc.Diagnostics(), "failed allocation must be rolled back")

		// Single pages do not need a record.
		require.Equal(t, uintptr(0x2fd000), mustAllocate(t, alloc, 1))
	})
}

func TestPageAllocatorFreeErrors(t *testing.T) {
	captureOutput(t)
	alloc := newTestAllocator(t, Config{}, oneMegMap)

	specs := []struct {
		ptr    uintptr
		expErr *kernel.Error
	}{
		{0, errNullFree},
		{0x200001, errUnalignedFree},
		{0x2ff800, errUnalignedFree},
	}

	for specIndex, spec := range specs {
		err := alloc.Free(spec.ptr)
		require.Equal(t, spec.expErr, err, "[spec %d]", specIndex)
		require.Equal(t, kernel.KindInvalidArgument, err.Kind, "[spec %d]", specIndex)
	}
	require.Equal(t, "<0x200000:256>", alloc.Diagnostics())
}

func TestPageAllocatorFreePoolExhausted(t *testing.T) {
	captureOutput(t)
	alloc := newTestAllocator(t, Config{PoolSize: 1}, oneMegMap)

	p := mustAllocate(t, alloc, 2)
	q := mustAllocate(t, alloc, 1)

	// p is not adjacent to the only descriptor and there is no room for
	// another one.
	require.Equal(t, errPoolExhausted, alloc.Free(p))
	require.Equal(t, "<0x200000:253>", alloc.Diagnostics())
	require.Equal(t, 1, alloc.multipage.used(), "multipage record must survive a failed free")

	require.Nil(t, alloc.Free(q))
	require.Nil(t, alloc.Free(p))
	require.Equal(t, "<0x200000:256>", alloc.Diagnostics())
	require.Zero(t, alloc.multipage.used())
}

func TestPageAllocatorFragmentationAndCoalescing(t *testing.T) {
	captureOutput(t)
	alloc := newTestAllocator(t, Config{}, oneMegMap)

	p1 := mustAllocate(t, alloc, 1)
	p2 := mustAllocate(t, alloc, 1)
	p3 := mustAllocate(t, alloc, 10)
	p4 := mustAllocate(t, alloc, 1)
	require.Equal(t, []uintptr{0x2ff000, 0x2fe000, 0x2f4000, 0x2f3000}, []uintptr{p1, p2, p3, p4})
	require.Equal(t, "<0x200000:243>", alloc.Diagnostics())

	require.Nil(t, alloc.Free(p1))
	require.Equal(t, "<0x2ff000:1,0x200000:243>", alloc.Diagnostics())

	require.Nil(t, alloc.Free(p3))
	require.Equal(t, "<0x2f4000:10,0x2ff000:1,0x200000:243>", alloc.Diagnostics())

	// The most recently freed run is reused first.
	p5 := mustAllocate(t, alloc, 1)
	require.Equal(t, uintptr(0x2fd000), p5)
	require.Equal(t, "<0x2f4000:9,0x2ff000:1,0x200000:243>", alloc.Diagnostics())

	// p2 joins p1 but p5 still separates it from the rest of p3.
	require.Nil(t, alloc.Free(p2))
	require.Equal(t, "<0x2f4000:9,0x2fe000:2,0x200000:243>", alloc.Diagnostics())

	// Freeing p5 bridges the gap: all three freed ranges become one run.
	require.Nil(t, alloc.Free(p5))
	require.Equal(t, "<0x2f4000:12,0x200000:243>", alloc.Diagnostics())
	require.Equal(t, 2, alloc.pool.inUse, "absorbed descriptors must be released")

	require.Nil(t, alloc.Free(p4))
	require.Equal(t, "<0x200000:256>", alloc.Diagnostics())
	require.Equal(t, 1, alloc.pool.inUse)
}

type allocation struct {
	base  uintptr
	pages uint32
}

func (a allocation) end() uintptr { return a.base + uintptr(a.pages)<<mm.PageShift }

func TestPageAllocatorDisjointAndRoundTrip(t *testing.T) {
	captureOutput(t)
	alloc := newTestAllocator(t, Config{}, oneMegMap)
	before := alloc.Diagnostics()

	var allocs []allocation
	for pages := uint32(1); ; pages = pages%8 + 1 {
		ptr, err := alloc.Allocate(pages)
		if err != nil {
			break
		}
		allocs = append(allocs, allocation{ptr, pages})
	}
	for {
		ptr, err := alloc.Allocate(1)
		if err != nil {
			break
		}
		allocs = append(allocs, allocation{ptr, 1})
	}
	require.Zero(t, alloc.FreePages())

	sorted := append([]allocation(nil), allocs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].base < sorted[j].base })

	var total uint32
	for i, a := range sorted {
		require.True(t, mm.IsPageAligned(a.base))
		require.True(t, a.base >= 0x200000 && a.end() <= 0x300000, "allocation %d outside managed memory", i)
		if i > 0 {
			require.LessOrEqual(t, sorted[i-1].end(), a.base, "allocations %d and %d overlap", i-1, i)
		}
		total += a.pages
	}
	require.Equal(t, uint32(256), total)

	// Free every other allocation first to fragment the list, then the rest.
	for i := 0; i < len(allocs); i += 2 {
		require.Nil(t, alloc.Free(allocs[i].base))
	}
	for i := 1; i < len(allocs); i += 2 {
		require.Nil(t, alloc.Free(allocs[i].base))
	}

	require.Equal(t, before, alloc.Diagnostics())
	require.Zero(t, alloc.multipage.used())
	require.Equal(t, 1, alloc.pool.inUse)
}

func TestPrintMemoryMap(t *testing.T) {
	out := captureOutput(t)

	PrintMemoryMap(0x100800, 0x102000, multiboot.MemoryMap{
		{PhysAddress: 0x0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
	}.Visit)

	exp := "[pgalloc] system memory map:\n" +
		"\t[0x0000000000 - 0x000009fc00], size:     654336, type: available\n" +
		"\t[0x000009fc00 - 0x00000a0000], size:       1024, type: reserved\n" +
		"[pgalloc] available memory: 639Kb\n" +
		"[pgalloc] kernel loaded at 0x100800 - 0x102000\n" +
		"[pgalloc] size: 6144 bytes, reserved pages: 2\n"
	require.Equal(t, exp, out.String())
}

func TestPageAllocatorZeroLengthDescriptors(t *testing.T) {
	captureOutput(t)
	alloc := newTestAllocator(t, Config{}, oneMegMap)

	p := mustAllocate(t, alloc, 2)
	q := mustAllocate(t, alloc, 1)
	require.Nil(t, alloc.Free(p))
	require.Equal(t, "<0x2fe000:2,0x200000:253>", alloc.Diagnostics())

	// Consuming a run entirely leaves an empty descriptor behind so that a
	// matching free restores the exact same list.
	require.Equal(t, p, mustAllocate(t, alloc, 2))
	require.Equal(t, "<0x2fe000:0,0x200000:253>", alloc.Diagnostics())
	require.Nil(t, alloc.Free(p))
	require.Equal(t, "<0x2fe000:2,0x200000:253>", alloc.Diagnostics())

	// Empty descriptors touching a growing run are absorbed.
	require.Equal(t, p, mustAllocate(t, alloc, 2))
	require.Nil(t, alloc.Free(q))
	require.Equal(t, "<0x200000:254>", alloc.Diagnostics())
	require.Equal(t, 1, alloc.pool.inUse)

	require.Nil(t, alloc.Free(p))
	require.Equal(t, "<0x200000:256>", alloc.Diagnostics())
}
