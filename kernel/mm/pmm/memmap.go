package pmm

import (
	"strings"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
)

// RegionType describes the type of a memory region reported by the firmware.
type RegionType uint8

const (
	// RegionAvailable indicates that the region is available for use.
	RegionAvailable RegionType = iota + 1

	// RegionReserved indicates that the region is reserved and cannot be used.
	RegionReserved

	// RegionACPIReclaimable indicates that the region holds ACPI tables
	// that may be reclaimed once they have been parsed.
	RegionACPIReclaimable

	// RegionNVS indicates that the region must be preserved across
	// hibernation.
	RegionNVS
)

var regionTypeNames = map[RegionType]string{
	RegionAvailable:       "available",
	RegionReserved:        "reserved",
	RegionACPIReclaimable: "acpi",
	RegionNVS:             "nvs",
}

var errUnknownRegionType = &kernel.Error{Module: "pmm", Message: "unknown memory region type", Kind: kernel.KindInvalid}

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	if name, ok := regionTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseRegionType returns the RegionType with the given name.
func ParseRegionType(name string) (RegionType, error) {
	for t, tName := range regionTypeNames {
		if strings.EqualFold(name, tName) {
			return t, nil
		}
	}
	return 0, errUnknownRegionType
}

// Region is an entry in the firmware-provided memory map.
type Region struct {
	Start  uint64
	Length uint64
	Type   RegionType
}

// frames returns the range of whole frames [first, last) inside the region.
// Reported addresses may not be page-aligned; the start is rounded up and the
// end is rounded down.
func (r Region) frames() (mm.Frame, mm.Frame) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	first := mm.Frame(((r.Start + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
	last := mm.Frame(((r.Start + r.Length) & ^pageSizeMinus1) >> mm.PageShift)
	if last < first {
		last = first
	}
	return first, last
}

// coveredFrames returns the range of frames [first, last) that overlap the
// region, rounding outwards.
func (r Region) coveredFrames() (mm.Frame, mm.Frame) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	first := mm.Frame(r.Start >> mm.PageShift)
	last := mm.Frame(((r.Start + r.Length + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
	return first, last
}

// NodeRange assigns the physical range [Start, End) to a NUMA node.
type NodeRange struct {
	Node  int
	Start uint64
	End   uint64
}

// Options configure an Allocator.
type Options struct {
	// MemoryMap is the firmware-provided memory map.
	MemoryMap []Region

	// KernelStart and KernelEnd delimit the physical range occupied by
	// the kernel image. Frames inside it are never handed out.
	KernelStart, KernelEnd uintptr

	// DMALimit and NormalLimit are the physical addresses where the DMA
	// and the normal zones end.
	DMALimit, NormalLimit uint64

	// Nodes assigns physical ranges to NUMA nodes. When empty, all memory
	// belongs to node 0.
	Nodes []NodeRange

	// NodeFallback lists, for each node, the other nodes to try (in
	// order) when the node cannot satisfy a request.
	NodeFallback [][]int
}

// printMemoryMap logs the system's memory map.
func printMemoryMap(opts *Options) {
	log.Info("system memory map:")
	var totalFree mm.Size
	for _, region := range opts.MemoryMap {
		log.Infof("\t[0x%10x - 0x%10x], size: %10d, type: %s", region.Start, region.Start+region.Length, region.Length, region.Type.String())

		if region.Type == RegionAvailable {
			totalFree += mm.Size(region.Length)
		}
	}
	log.Infof("available memory: %dKb", uint64(totalFree/mm.Kb))
	if opts.KernelEnd > opts.KernelStart {
		log.Infof("kernel loaded at 0x%x - 0x%x", opts.KernelStart, opts.KernelEnd)
	}
}
