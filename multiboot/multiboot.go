// Package multiboot decodes the boot information structure that a
// multiboot-compliant boot loader passes to the kernel.
//
// Only the parts that the kernel consumes are decoded: the basic memory
// information, the kernel command line, the boot loader name and the physical
// memory map.
package multiboot

import (
	"encoding/binary"
	"strings"

	"tutos/kernel/mm"
)

// infoFlag describes which fields of the info structure are valid.
type infoFlag uint32

// nolint
const (
	flagMemory infoFlag = 1 << iota
	flagBootDevice
	flagCmdLine
	flagModules
	flagAoutSymbols
	flagElfSections
	flagMemoryMap
	flagDrives
	flagConfigTable
	flagBootLoaderName
)

// Field offsets inside the info structure.
const (
	offFlags          = 0
	offMemLower       = 4
	offMemUpper       = 8
	offCmdLine        = 16
	offMmapLength     = 44
	offMmapAddr       = 48
	offBootLoaderName = 64

	infoSize = 88

	// mmapEntrySize is the size of a memory map entry excluding its
	// leading size field.
	mmapEntrySize = 20

	// maxStringLen bounds the scan for the NULL terminator of C strings.
	maxStringLen = 4096
)

var (
	mem       mm.Memory
	infoData  []byte
	cmdLineKV map[string]string
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMap is a memory map that was not obtained from a boot loader, e.g. one
// loaded from a simulator scenario. Its Visit method has the same signature
// as VisitMemRegions.
type MemoryMap []MemoryMapEntry

// Visit invokes visitor for each entry in the map.
func (m MemoryMap) Visit(visitor MemRegionVisitor) {
	for i := range m {
		entry := m[i]
		if !visitor(&entry) {
			return
		}
	}
}

// SetInfo installs the multiboot info structure located at physical address
// infoPtr. The structure and everything it points to is read through m. This
// function must be invoked before invoking any other function exported by
// this package. It returns false if the info structure cannot be read.
func SetInfo(m mm.Memory, infoPtr uintptr) bool {
	mem, infoData, cmdLineKV = m, nil, nil

	data, err := m.Bytes(infoPtr, infoSize)
	if err != nil {
		return false
	}

	infoData = data
	return true
}

func hasFlag(f infoFlag) bool {
	return infoData != nil && infoFlag(binary.LittleEndian.Uint32(infoData[offFlags:]))&f != 0
}

func readU32(off int) uint32 {
	return binary.LittleEndian.Uint32(infoData[off:])
}

// GetBasicMemoryInfo returns the amount of lower and upper memory in
// kilobytes as reported by the boot loader. The last return value is false
// if the boot loader did not provide this information.
func GetBasicMemoryInfo() (lowerKb, upperKb uint32, ok bool) {
	if !hasFlag(flagMemory) {
		return 0, 0, false
	}

	return readU32(offMemLower), readU32(offMemUpper), true
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	if !hasFlag(flagMemoryMap) {
		return
	}

	var (
		curPtr = uintptr(readU32(offMmapAddr))
		endPtr = curPtr + uintptr(readU32(offMmapLength))
		entry  MemoryMapEntry
	)

	for curPtr < endPtr {
		data, err := mem.Bytes(curPtr, 4+mmapEntrySize)
		if err != nil {
			return
		}

		entry.PhysAddress = binary.LittleEndian.Uint64(data[4:])
		entry.Length = binary.LittleEndian.Uint64(data[12:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(data[20:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}

		// The size field does not account for itself.
		curPtr += uintptr(binary.LittleEndian.Uint32(data)) + 4
	}
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)
	if !hasFlag(flagCmdLine) {
		return cmdLineKV
	}

	for _, pair := range strings.Fields(readCString(uintptr(readU32(offCmdLine)))) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}

// GetBootLoaderName returns the name of the boot loader or an empty string if
// it was not provided.
func GetBootLoaderName() string {
	if !hasFlag(flagBootLoaderName) {
		return ""
	}

	return readCString(uintptr(readU32(offBootLoaderName)))
}

// readCString reads a NULL-terminated string one byte at a time so that a
// string ending near the edge of readable memory can still be decoded.
func readCString(ptr uintptr) string {
	var sb strings.Builder
	for i := uintptr(0); i < maxStringLen; i++ {
		b, err := mem.Bytes(ptr+i, 1)
		if err != nil || b[0] == 0 {
			break
		}
		sb.WriteByte(b[0])
	}

	return sb.String()
}
