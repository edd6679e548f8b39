package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tutos/kernel/mm/pmm"
	"tutos/multiboot"
)

// Scenario describes a simulation run.
type Scenario struct {
	Name   string `yaml:"name"`
	Kernel struct {
		Start uint64 `yaml:"start"`
		End   uint64 `yaml:"end"`
	} `yaml:"kernel"`
	PoolSize       int           `yaml:"pool_size"`
	MultipageSlots int           `yaml:"multipage_slots"`
	MemoryMap      []RegionEntry `yaml:"memory_map"`
	Steps          []Step        `yaml:"steps"`
}

// RegionEntry is a memory map entry as written in a scenario file.
type RegionEntry struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

// Step is a single scenario operation.
type Step struct {
	Op    string `yaml:"op"`
	Label string `yaml:"label"`
	Size  uint64 `yaml:"size"`
	Pages uint32 `yaml:"pages"`

	// Expectations for dump steps; empty values are not checked.
	ExpectPages string `yaml:"expect_pages"`
	ExpectHeap  string `yaml:"expect_heap"`

	// ExpectNull marks allocation steps that must fail.
	ExpectNull bool `yaml:"expect_null"`
}

// Supported step operations.
const (
	opPageAlloc = "palloc"
	opPageFree  = "pfree"
	opMalloc    = "malloc"
	opFree      = "free"
	opDump      = "dump"
)

var regionTypes = map[string]multiboot.MemoryEntryType{
	"available": multiboot.MemAvailable,
	"reserved":  multiboot.MemReserved,
	"acpi":      multiboot.MemAcpiReclaimable,
	"nvs":       multiboot.MemNvs,
}

// loadScenario reads and validates a scenario file.
func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}

	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if sc.Kernel.End < sc.Kernel.Start {
		return fmt.Errorf("kernel end 0x%x is below kernel start 0x%x", sc.Kernel.End, sc.Kernel.Start)
	}
	if sc.PoolSize < 0 || sc.MultipageSlots < 0 {
		return fmt.Errorf("pool_size and multipage_slots must not be negative")
	}

	for i, region := range sc.MemoryMap {
		if _, ok := regionTypes[strings.ToLower(region.Type)]; !ok {
			return fmt.Errorf("memory_map[%d]: unknown region type %q", i, region.Type)
		}
	}

	for i, step := range sc.Steps {
		switch step.Op {
		case opPageAlloc, opMalloc, opPageFree, opFree:
			if step.Label == "" {
				return fmt.Errorf("steps[%d]: %s requires a label", i, step.Op)
			}
		case opDump:
		default:
			return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
		}
	}

	return nil
}

// memoryMap converts the scenario regions to a multiboot memory map.
func (sc *Scenario) memoryMap() multiboot.MemoryMap {
	memMap := make(multiboot.MemoryMap, 0, len(sc.MemoryMap))
	for _, region := range sc.MemoryMap {
		memMap = append(memMap, multiboot.MemoryMapEntry{
			PhysAddress: region.Base,
			Length:      region.Length,
			Type:        regionTypes[strings.ToLower(region.Type)],
		})
	}
	return memMap
}

func (sc *Scenario) config() pmm.Config {
	return pmm.Config{PoolSize: sc.PoolSize, MultipageSlots: sc.MultipageSlots}
}

// demoScenario reproduces the allocator walkthrough that the kernel runs at
// boot.
func demoScenario() *Scenario {
	sc := &Scenario{Name: "malloc demo"}
	sc.Kernel.Start, sc.Kernel.End = 0x100000, 0x102000
	sc.MemoryMap = []RegionEntry{
		{Base: 0x0, Length: 0x9fc00, Type: "available"},
		{Base: 0x9fc00, Length: 0x400, Type: "reserved"},
		{Base: 0x200000, Length: 0x100000, Type: "available"},
	}
	sc.Steps = []Step{
		{Op: opDump, ExpectPages: "<0x200000:256>", ExpectHeap: "<>"},
		{Op: opMalloc, Label: "p1", Size: 64},
		{Op: opMalloc, Label: "p2", Size: 16},
		{Op: opMalloc, Label: "p3", Size: 1234},
		{Op: opMalloc, Label: "pbig", Size: 12345},
		{Op: opDump, ExpectPages: "<0x200000:251>", ExpectHeap: "<0x2ff000:2744>"},
		{Op: opFree, Label: "p2"},
		{Op: opFree, Label: "p1"},
		{Op: opFree, Label: "p3"},
		{Op: opDump, ExpectPages: "<0x2ff000:1,0x200000:251>", ExpectHeap: "<>"},
		{Op: opFree, Label: "pbig"},
		{Op: opDump, ExpectPages: "<0x200000:256>", ExpectHeap: "<>"},
	}
	return sc
}
