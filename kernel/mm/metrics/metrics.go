// Package metrics exports the statistics of a booted memory-management core
// as prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nassro199/Horizon-sub003/kernel/kmain"
)

const namespace = "mm"

const (
	descZoneManaged = iota
	descZoneFree
	descZoneUsed
	descZoneFreeBlocks
	descFailedAllocs
	descFrameReclaims
	descSlabObjects
	descSlabSlabs
	descAddressSpaces
	descResidentPages
	descSwappedPages
	descPageTables
	descFaults
	descTLBEvents
	descCoherencyEvents
	descSwapEvents
	descSwapSlots
	descSwapThreshold
	descMemoryPressure
	descSwapRate
	descPlacements
	descNodeAccesses
	descMigrations
)

var descriptors = []*prometheus.Desc{
	descZoneManaged: prometheus.NewDesc(
		namespace+"_zone_managed_pages",
		"Frames managed by a zone.",
		[]string{"node", "zone"},
		nil,
	),
	descZoneFree: prometheus.NewDesc(
		namespace+"_zone_free_pages",
		"Free frames of a zone.",
		[]string{"node", "zone"},
		nil,
	),
	descZoneUsed: prometheus.NewDesc(
		namespace+"_zone_used_pages",
		"Allocated frames of a zone.",
		[]string{"node", "zone"},
		nil,
	),
	descZoneFreeBlocks: prometheus.NewDesc(
		namespace+"_zone_free_blocks",
		"Free buddy blocks of a zone by order.",
		[]string{"node", "zone", "order"},
		nil,
	),
	descFailedAllocs: prometheus.NewDesc(
		namespace+"_frame_alloc_failures_total",
		"Frame allocations that could not be satisfied.",
		nil,
		nil,
	),
	descFrameReclaims: prometheus.NewDesc(
		namespace+"_frame_reclaim_runs_total",
		"Reclaim passes run by the frame allocator.",
		nil,
		nil,
	),
	descSlabObjects: prometheus.NewDesc(
		namespace+"_slab_objects",
		"Objects of a slab cache by state.",
		[]string{"cache", "state"},
		nil,
	),
	descSlabSlabs: prometheus.NewDesc(
		namespace+"_slab_slabs",
		"Slabs of a slab cache by state.",
		[]string{"cache", "state"},
		nil,
	),
	descAddressSpaces: prometheus.NewDesc(
		namespace+"_address_spaces",
		"Live address spaces.",
		nil,
		nil,
	),
	descResidentPages: prometheus.NewDesc(
		namespace+"_resident_pages",
		"Resident user pages.",
		nil,
		nil,
	),
	descSwappedPages: prometheus.NewDesc(
		namespace+"_swapped_pages",
		"User pages held by the swap store.",
		nil,
		nil,
	),
	descPageTables: prometheus.NewDesc(
		namespace+"_page_tables",
		"Frames used as page tables.",
		nil,
		nil,
	),
	descFaults: prometheus.NewDesc(
		namespace+"_page_faults_total",
		"Page faults by outcome.",
		[]string{"kind"},
		nil,
	),
	descTLBEvents: prometheus.NewDesc(
		namespace+"_tlb_events_total",
		"TLB lookups and invalidations by kind.",
		[]string{"event"},
		nil,
	),
	descCoherencyEvents: prometheus.NewDesc(
		namespace+"_coherency_events_total",
		"Cache coherency events by kind.",
		[]string{"event"},
		nil,
	),
	descSwapEvents: prometheus.NewDesc(
		namespace+"_swap_events_total",
		"Swap engine events by kind.",
		[]string{"event"},
		nil,
	),
	descSwapSlots: prometheus.NewDesc(
		namespace+"_swap_slots",
		"Swap store slots by state.",
		[]string{"state"},
		nil,
	),
	descSwapThreshold: prometheus.NewDesc(
		namespace+"_swap_threshold_pages",
		"Resident page target of threshold reclaim.",
		nil,
		nil,
	),
	descMemoryPressure: prometheus.NewDesc(
		namespace+"_memory_pressure_ratio",
		"Fraction of managed frames in use at the last monitor sample.",
		nil,
		nil,
	),
	descSwapRate: prometheus.NewDesc(
		namespace+"_swap_rate_pages_per_second",
		"Swap rate at the last monitor sample.",
		[]string{"direction"},
		nil,
	),
	descPlacements: prometheus.NewDesc(
		namespace+"_numa_placements_total",
		"NUMA frame placements by outcome.",
		[]string{"outcome"},
		nil,
	),
	descNodeAccesses: prometheus.NewDesc(
		namespace+"_numa_accesses_total",
		"Sampled accesses to tracked frames by locality.",
		[]string{"locality"},
		nil,
	),
	descMigrations: prometheus.NewDesc(
		namespace+"_numa_migrations_total",
		"NUMA page migrations by cause.",
		[]string{"cause"},
		nil,
	),
}

// Source provides the statistics exported by a Collector.
type Source interface {
	Snapshot() kmain.Snapshot
}

// Collector is a prometheus.Collector that samples a Source on every scrape.
type Collector struct {
	src Source
}

// NewCollector returns a collector for src.
func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range collect(c.src.Snapshot()) {
		ch <- m
	}
}

func gauge(desc int, value float64, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(descriptors[desc], prometheus.GaugeValue, value, labels...)
}

func counter(desc int, value uint64, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(descriptors[desc], prometheus.CounterValue, float64(value), labels...)
}

func collect(s kmain.Snapshot) []prometheus.Metric {
	var metrics []prometheus.Metric

	for _, z := range s.PMM.Zones {
		node := strconv.Itoa(z.Node)
		metrics = append(metrics,
			gauge(descZoneManaged, float64(z.Managed), node, z.Zone),
			gauge(descZoneFree, float64(z.Free), node, z.Zone),
			gauge(descZoneUsed, float64(z.Used), node, z.Zone),
		)
		for order, blocks := range z.FreeBlocks {
			metrics = append(metrics, gauge(descZoneFreeBlocks, float64(blocks), node, z.Zone, strconv.Itoa(order)))
		}
	}
	metrics = append(metrics,
		counter(descFailedAllocs, s.PMM.FailedAllocs),
		counter(descFrameReclaims, s.PMM.ReclaimRuns),
	)

	for _, cs := range s.Slab {
		metrics = append(metrics,
			gauge(descSlabObjects, float64(cs.InUse), cs.Name, "inuse"),
			gauge(descSlabObjects, float64(cs.Free), cs.Name, "free"),
			gauge(descSlabSlabs, float64(cs.FullSlabs), cs.Name, "full"),
			gauge(descSlabSlabs, float64(cs.PartialSlabs), cs.Name, "partial"),
			gauge(descSlabSlabs, float64(cs.FreeSlabs), cs.Name, "free"),
		)
	}

	v := s.VMM
	metrics = append(metrics,
		gauge(descAddressSpaces, float64(v.AddressSpaces)),
		gauge(descResidentPages, float64(v.ResidentPages)),
		gauge(descSwappedPages, float64(v.SwappedPages)),
		gauge(descPageTables, float64(v.PageTables)),
		counter(descFaults, v.Faults-v.SpuriousFaults-v.FatalFaults, "resolved"),
		counter(descFaults, v.SpuriousFaults, "spurious"),
		counter(descFaults, v.MajorFaults, "major"),
		counter(descFaults, v.CoWBreaks, "cow"),
		counter(descFaults, v.FatalFaults, "fatal"),
	)

	t := s.TLB
	metrics = append(metrics,
		counter(descTLBEvents, t.Hits, "hit"),
		counter(descTLBEvents, t.Misses, "miss"),
		counter(descTLBEvents, t.Fills, "fill"),
		counter(descTLBEvents, t.SingleInvalidations, "invalidate"),
		counter(descTLBEvents, t.RangeInvalidations, "invalidate_range"),
		counter(descTLBEvents, t.FullFlushes, "flush"),
		counter(descTLBEvents, t.Shootdowns, "shootdown"),
		counter(descTLBEvents, t.Deferred, "deferred"),
	)

	cs := s.Coherency
	metrics = append(metrics,
		counter(descCoherencyEvents, cs.ReadHits, "read_hit"),
		counter(descCoherencyEvents, cs.ReadMisses, "read_miss"),
		counter(descCoherencyEvents, cs.WriteHits, "write_hit"),
		counter(descCoherencyEvents, cs.WriteMisses, "write_miss"),
		counter(descCoherencyEvents, cs.Invalidations, "invalidation"),
		counter(descCoherencyEvents, cs.WriteBacks, "writeback"),
	)

	sw := s.Swap
	metrics = append(metrics,
		counter(descSwapEvents, sw.SwapOuts, "swap_out"),
		counter(descSwapEvents, sw.SwapIns, "swap_in"),
		counter(descSwapEvents, sw.Compressed, "compressed"),
		counter(descSwapEvents, sw.Fallbacks, "compression_fallback"),
		counter(descSwapEvents, sw.Exempted, "exempted"),
		counter(descSwapEvents, sw.EvictFailures, "evict_failure"),
		counter(descSwapEvents, sw.StoreFailures, "store_failure"),
		counter(descSwapEvents, sw.ReadFailures, "read_failure"),
		counter(descSwapEvents, sw.RateLimited, "rate_limited"),
		gauge(descSwapSlots, float64(sw.SlotsUsed), "used"),
		gauge(descSwapSlots, float64(sw.Slots-sw.SlotsUsed), "free"),
		gauge(descSwapThreshold, float64(sw.Threshold)),
	)

	m := s.Monitor
	metrics = append(metrics,
		gauge(descMemoryPressure, m.Pressure),
		gauge(descSwapRate, m.SwapOutRate, "out"),
		gauge(descSwapRate, m.SwapInRate, "in"),
	)

	p := s.Placer
	metrics = append(metrics,
		counter(descPlacements, p.Placements-p.Fallbacks, "local"),
		counter(descPlacements, p.Fallbacks, "fallback"),
		counter(descNodeAccesses, p.LocalAccesses, "local"),
		counter(descNodeAccesses, p.RemoteAccesses, "remote"),
	)

	b := s.Balancer
	metrics = append(metrics,
		counter(descMigrations, b.RemoteMigrations, "remote_access"),
		counter(descMigrations, b.ImbalanceMigrations, "imbalance"),
		counter(descMigrations, b.MigrationFailures, "failed"),
	)

	return metrics
}
