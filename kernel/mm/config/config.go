// Package config defines the YAML configuration of the memory-management
// core.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/coherency"
	"github.com/nassro199/Horizon-sub003/kernel/mm/numa"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/swap"
)

var (
	errInvalidConfig = &kernel.Error{Module: "config", Message: "invalid configuration", Kind: kernel.KindInvalid}
	errReadConfig    = &kernel.Error{Module: "config", Message: "unable to read configuration", Kind: kernel.KindIO}
)

// Store types.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
)

// Duration is a time.Duration that is written as a Go duration string
// ("250ms"). Plain numbers are read as nanoseconds.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return errors.Errorf("invalid duration %s", data)
	}
	return nil
}

// Config is the configuration of the memory-management core.
type Config struct {
	LogLevel string `json:"log_level"`

	// PageSize must match the page size of the MMU format.
	PageSize uint64 `json:"page_size"`

	// CPUNodes assigns processor i to NUMA node CPUNodes[i].
	CPUNodes []int `json:"cpu_nodes"`

	Memory    MemoryConfig    `json:"memory"`
	NUMA      NUMAConfig      `json:"numa"`
	Swap      SwapConfig      `json:"swap"`
	Coherency CoherencyConfig `json:"coherency"`
	TLB       TLBConfig       `json:"tlb"`
}

// RegionConfig is an entry of the firmware memory map.
type RegionConfig struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
	Type   string `json:"type"`
}

// MemoryConfig describes physical memory.
type MemoryConfig struct {
	Map []RegionConfig `json:"map"`

	// DMALimit and NormalLimit are the physical addresses where the DMA
	// and the normal zones end.
	DMALimit    uint64 `json:"dma_limit,omitempty"`
	NormalLimit uint64 `json:"normal_limit,omitempty"`

	// KernelStart and KernelEnd delimit the kernel image.
	KernelStart uint64 `json:"kernel_start,omitempty"`
	KernelEnd   uint64 `json:"kernel_end,omitempty"`
}

// NodeConfig assigns the physical range [Start, End) to a NUMA node.
type NodeConfig struct {
	ID    int    `json:"id"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// NUMAConfig configures placement and balancing.
type NUMAConfig struct {
	// Nodes is empty on single node systems.
	Nodes     []NodeConfig `json:"nodes,omitempty"`
	Distances [][]int      `json:"distances,omitempty"`

	Policy        string `json:"policy"`
	PreferredNode int    `json:"preferred_node"`

	RemoteAccessThreshold uint64   `json:"remote_access_threshold"`
	ImbalanceThreshold    float64  `json:"imbalance_threshold"`
	Batch                 int      `json:"batch"`
	Interval              Duration `json:"interval"`
}

// NodeCount returns the number of configured nodes.
func (c *NUMAConfig) NodeCount() int {
	count := 1
	for _, n := range c.Nodes {
		if n.ID+1 > count {
			count = n.ID + 1
		}
	}
	return count
}

// StoreConfig selects the swap backing store.
type StoreConfig struct {
	Type        string   `json:"type"`
	Path        string   `json:"path,omitempty"`
	Slots       int      `json:"slots"`
	ReadTimeout Duration `json:"read_timeout"`
}

// SwapConfig configures the swap engine and its monitor.
type SwapConfig struct {
	Policy      string `json:"policy"`
	Compression string `json:"compression"`
	Prioritizer string `json:"prioritizer"`

	ExemptThreshold int    `json:"exempt_threshold"`
	RecencyWindow   uint64 `json:"recency_window"`

	// Threshold is the number of resident pages reclaim brings memory
	// back to.
	Threshold         int      `json:"threshold"`
	Interval          Duration `json:"interval"`
	PressureThreshold float64  `json:"pressure_threshold"`
	AutoAdjust        bool     `json:"auto_adjust"`

	MaxEvictionsPerSecond float64 `json:"max_evictions_per_second"`
	Seed                  int64   `json:"seed"`

	Store StoreConfig `json:"store"`
}

// CoherencyConfig configures the cache coherency directory.
type CoherencyConfig struct {
	Protocol string `json:"protocol"`
	LineSize int    `json:"line_size"`
}

// TLBConfig configures the per-processor TLBs.
type TLBConfig struct {
	Capacity           int  `json:"capacity"`
	FullFlushThreshold int  `json:"full_flush_threshold"`
	DeferInactive      bool `json:"defer_inactive"`
}

// Default returns the configuration of a single processor system with
// 64MB of memory.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		PageSize: uint64(mm.PageSize),
		CPUNodes: []int{0},
		Memory: MemoryConfig{
			Map: []RegionConfig{{Start: 0, Length: uint64(64 * mm.Mb), Type: pmm.RegionAvailable.String()}},
		},
		NUMA: NUMAConfig{
			Policy:                numa.PolicyLocal.String(),
			RemoteAccessThreshold: 64,
			ImbalanceThreshold:    0.25,
			Batch:                 32,
			Interval:              Duration(time.Second),
		},
		Swap: SwapConfig{
			Policy:            swap.PolicyLRU.String(),
			Compression:       swap.CompressLZ4.String(),
			Prioritizer:       swap.PriorityNone.String(),
			ExemptThreshold:   swap.MaxPriority,
			RecencyWindow:     1024,
			Interval:          Duration(100 * time.Millisecond),
			PressureThreshold: 0.8,
			Store: StoreConfig{
				Type:        StoreMemory,
				Slots:       1024,
				ReadTimeout: Duration(time.Second),
			},
		},
		Coherency: CoherencyConfig{
			Protocol: coherency.ProtocolMESI.String(),
			LineSize: 64,
		},
		TLB: TLBConfig{
			Capacity:           64,
			FullFlushThreshold: 32,
			DeferInactive:      true,
		},
	}
}

// Parse reads a YAML configuration. Options missing from data keep their
// default value and unknown options are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(errInvalidConfig, "%v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errReadConfig, "%v", err)
	}
	return Parse(data)
}

// Marshal returns the YAML encoding of c.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks every option and returns all the problems found.
func (c *Config) Validate() error {
	var result *multierror.Error
	invalid := func(format string, args ...interface{}) {
		result = multierror.Append(result, errors.Wrapf(errInvalidConfig, format, args...))
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		invalid("log_level: %v", err)
	}
	if c.PageSize != uint64(mm.PageSize) {
		invalid("page_size: %d is not supported by the page table format; use %d", c.PageSize, mm.PageSize)
	}

	nodes := c.NUMA.NodeCount()
	switch {
	case len(c.CPUNodes) == 0:
		invalid("cpu_nodes: at least one processor is required")
	case len(c.CPUNodes) > cpu.MaxCPUs:
		invalid("cpu_nodes: %d processors exceed the maximum of %d", len(c.CPUNodes), cpu.MaxCPUs)
	}
	for id, node := range c.CPUNodes {
		if node < 0 || node >= nodes {
			invalid("cpu_nodes[%d]: unknown node %d", id, node)
		}
	}

	c.validateMemory(invalid)
	c.validateNUMA(invalid, nodes)
	c.validateSwap(invalid)

	if _, err := coherency.ParseProtocol(c.Coherency.Protocol); err != nil {
		invalid("coherency.protocol: %q: %v", c.Coherency.Protocol, err)
	}
	if ls := c.Coherency.LineSize; ls < 0 || ls&(ls-1) != 0 || uint64(ls) > c.PageSize {
		invalid("coherency.line_size: %d is not a power of two up to the page size", ls)
	}

	if c.TLB.Capacity < 0 {
		invalid("tlb.capacity: %d is negative", c.TLB.Capacity)
	}
	if c.TLB.FullFlushThreshold < 0 {
		invalid("tlb.full_flush_threshold: %d is negative", c.TLB.FullFlushThreshold)
	}

	return result.ErrorOrNil()
}

type invalidFn func(format string, args ...interface{})

func (c *Config) validateMemory(invalid invalidFn) {
	if len(c.Memory.Map) == 0 {
		invalid("memory.map: at least one region is required")
	}
	for i, region := range c.Memory.Map {
		if _, err := pmm.ParseRegionType(region.Type); err != nil {
			invalid("memory.map[%d].type: %q: %v", i, region.Type, err)
		}
		if region.Length == 0 {
			invalid("memory.map[%d].length: empty region", i)
		}
	}

	if c.Memory.NormalLimit != 0 && c.Memory.NormalLimit < c.Memory.DMALimit {
		invalid("memory.normal_limit: 0x%x is below the DMA limit 0x%x", c.Memory.NormalLimit, c.Memory.DMALimit)
	}
	if c.Memory.KernelEnd < c.Memory.KernelStart {
		invalid("memory.kernel_end: 0x%x is below the kernel start 0x%x", c.Memory.KernelEnd, c.Memory.KernelStart)
	}
}

func (c *Config) validateNUMA(invalid invalidFn, nodes int) {
	for i, n := range c.NUMA.Nodes {
		if n.ID < 0 || n.Start >= n.End {
			invalid("numa.nodes[%d]: node %d range [0x%x, 0x%x)", i, n.ID, n.Start, n.End)
		}
	}

	policy, err := numa.ParsePolicy(c.NUMA.Policy)
	if err != nil {
		invalid("numa.policy: %q: %v", c.NUMA.Policy, err)
	}
	if policy == numa.PolicyPreferred && (c.NUMA.PreferredNode < 0 || c.NUMA.PreferredNode >= nodes) {
		invalid("numa.preferred_node: unknown node %d", c.NUMA.PreferredNode)
	}

	if c.NUMA.Distances != nil {
		if len(c.NUMA.Distances) != nodes {
			invalid("numa.distances: %d rows for %d nodes", len(c.NUMA.Distances), nodes)
		}
		for i, row := range c.NUMA.Distances {
			if len(row) != nodes {
				invalid("numa.distances[%d]: %d columns for %d nodes", i, len(row), nodes)
			}
		}
	}

	if t := c.NUMA.ImbalanceThreshold; t < 0 || t > 1 {
		invalid("numa.imbalance_threshold: %g is outside [0, 1]", t)
	}
	if c.NUMA.Batch < 0 {
		invalid("numa.batch: %d is negative", c.NUMA.Batch)
	}
	if c.NUMA.Interval < 0 {
		invalid("numa.interval: %s is negative", time.Duration(c.NUMA.Interval))
	}
}

func (c *Config) validateSwap(invalid invalidFn) {
	s := &c.Swap
	if _, err := swap.ParsePolicy(s.Policy); err != nil {
		invalid("swap.policy: %q: %v", s.Policy, err)
	}
	if _, err := swap.ParseCompression(s.Compression); err != nil {
		invalid("swap.compression: %q: %v", s.Compression, err)
	}
	if _, err := swap.ParsePrioritizer(s.Prioritizer); err != nil {
		invalid("swap.prioritizer: %q: %v", s.Prioritizer, err)
	}

	if s.ExemptThreshold < 0 || s.ExemptThreshold > swap.MaxPriority {
		invalid("swap.exempt_threshold: %d is outside [0, %d]", s.ExemptThreshold, swap.MaxPriority)
	}
	if s.Threshold < 0 {
		invalid("swap.threshold: %d is negative", s.Threshold)
	}
	if s.Interval < 0 {
		invalid("swap.interval: %s is negative", time.Duration(s.Interval))
	}
	if s.PressureThreshold <= 0 || s.PressureThreshold > 1 {
		invalid("swap.pressure_threshold: %g is outside (0, 1]", s.PressureThreshold)
	}
	if s.MaxEvictionsPerSecond < 0 {
		invalid("swap.max_evictions_per_second: %g is negative", s.MaxEvictionsPerSecond)
	}

	switch s.Store.Type {
	case StoreMemory:
	case StoreFile:
		if s.Store.Path == "" {
			invalid("swap.store.path: required by file stores")
		}
	default:
		invalid("swap.store.type: %q is neither %q nor %q", s.Store.Type, StoreMemory, StoreFile)
	}
	if s.Store.Slots <= 0 {
		invalid("swap.store.slots: %d is not positive", s.Store.Slots)
	}
	if s.Store.ReadTimeout < 0 {
		invalid("swap.store.read_timeout: %s is negative", time.Duration(s.Store.ReadTimeout))
	}
}
