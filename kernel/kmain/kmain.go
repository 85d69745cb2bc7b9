// Package kmain boots the memory-management core from a configuration and
// wires its subsystems together. The Kernel value it returns is the handle
// through which every registry is reached.
package kmain

import (
	"context"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/irq"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/coherency"
	"github.com/nassro199/Horizon-sub003/kernel/mm/config"
	"github.com/nassro199/Horizon-sub003/kernel/mm/numa"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/slab"
	"github.com/nassro199/Horizon-sub003/kernel/mm/swap"
	"github.com/nassro199/Horizon-sub003/kernel/mm/tlb"
	"github.com/nassro199/Horizon-sub003/kernel/mm/vmm"
	"github.com/nassro199/Horizon-sub003/kernel/task"
)

var (
	log = kfmt.Get("kmain")

	errNoConfig    = &kernel.Error{Module: "kmain", Message: "a configuration is required", Kind: kernel.KindInvalid}
	errShutdown    = &kernel.Error{Module: "kmain", Message: "kernel is shut down", Kind: kernel.KindInvalid}
	errLeakedPages = &kernel.Error{Module: "kmain", Message: "frames still in use after shutdown", Kind: kernel.KindInconsistent}
)

// Kernel holds every subsystem of a booted memory-management core.
type Kernel struct {
	Config *config.Config

	CPUs *cpu.Topology
	NUMA *numa.Topology

	PMM       *pmm.Allocator
	Slab      *slab.Allocator
	TLB       *tlb.Manager
	Coherency *coherency.Directory
	Scheduler *task.Recorder
	IRQ       *irq.Dispatcher
	VMM       *vmm.Registry

	Placer   *numa.Placer
	Balancer *numa.Balancer

	Swap    *swap.Engine
	Monitor *swap.Monitor

	store    swap.Backing
	bootFree uint64
	shutdown bool
}

// Boot initializes every subsystem described by cfg. fs serves the
// file-backed mappings and may be nil.
func Boot(cfg *config.Config, fs vmm.FileSystem) (*Kernel, error) {
	if cfg == nil {
		return nil, errNoConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := kfmt.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	k := &Kernel{Config: cfg, Scheduler: task.NewRecorder(), IRQ: irq.NewDispatcher()}

	var err error
	if k.CPUs, err = cpu.NewTopology(cfg.CPUNodes); err != nil {
		return nil, err
	}
	if k.NUMA, err = numa.NewTopology(k.CPUs, cfg.NUMA.NodeCount(), cfg.NUMA.Distances); err != nil {
		return nil, err
	}

	pmmOpts, err := pmmOptions(cfg, k.NUMA)
	if err != nil {
		return nil, err
	}
	if k.PMM, err = pmm.New(pmmOpts); err != nil {
		return nil, errors.Wrap(err, "frame allocator")
	}
	k.Slab = slab.New(k.PMM)

	k.TLB = tlb.New(tlb.Options{
		CPUs:               k.CPUs.Count(),
		Capacity:           cfg.TLB.Capacity,
		FullFlushThreshold: cfg.TLB.FullFlushThreshold,
		DeferInactive:      cfg.TLB.DeferInactive,
	})

	protocol, _ := coherency.ParseProtocol(cfg.Coherency.Protocol)
	if k.Coherency, err = coherency.New(coherency.Options{Protocol: protocol, LineSize: cfg.Coherency.LineSize, CPUs: k.CPUs.Count()}); err != nil {
		return nil, err
	}

	policy, _ := numa.ParsePolicy(cfg.NUMA.Policy)
	if k.Placer, err = numa.NewPlacer(k.PMM, k.NUMA, numa.PlacerOptions{Policy: policy, Preferred: cfg.NUMA.PreferredNode}); err != nil {
		return nil, err
	}

	if k.VMM, err = vmm.NewRegistry(vmm.Options{
		PMM:        k.PMM,
		Slab:       k.Slab,
		TLB:        k.TLB,
		Coherency:  k.Coherency,
		Scheduler:  k.Scheduler,
		FileSystem: fs,
		Dispatcher: k.IRQ,
		Placer:     k.Placer,
	}); err != nil {
		return nil, err
	}

	k.Balancer = numa.NewBalancer(k.VMM, k.Placer, numa.BalancerOptions{
		RemoteAccessThreshold: cfg.NUMA.RemoteAccessThreshold,
		ImbalanceThreshold:    cfg.NUMA.ImbalanceThreshold,
		Batch:                 cfg.NUMA.Batch,
		Interval:              time.Duration(cfg.NUMA.Interval),
	})

	if err = k.initSwap(cfg); err != nil {
		return nil, err
	}

	k.PMM.SetReclaimer(k.reclaim)
	k.bootFree = k.PMM.FreePages()

	log.Infof("booted: %d cpus, %d nodes, %d managed pages, swap %s/%s, coherency %s, placement %s",
		k.CPUs.Count(), k.NUMA.Nodes(), k.PMM.ManagedPages(), cfg.Swap.Policy, cfg.Swap.Compression, protocol, policy)
	return k, nil
}

func pmmOptions(cfg *config.Config, topo *numa.Topology) (pmm.Options, error) {
	opts := pmm.Options{
		KernelStart:  uintptr(cfg.Memory.KernelStart),
		KernelEnd:    uintptr(cfg.Memory.KernelEnd),
		DMALimit:     cfg.Memory.DMALimit,
		NormalLimit:  cfg.Memory.NormalLimit,
		NodeFallback: topo.FallbackTable(),
	}

	for _, r := range cfg.Memory.Map {
		typ, err := pmm.ParseRegionType(r.Type)
		if err != nil {
			return opts, err
		}
		opts.MemoryMap = append(opts.MemoryMap, pmm.Region{Start: r.Start, Length: r.Length, Type: typ})
	}

	for _, n := range cfg.NUMA.Nodes {
		opts.Nodes = append(opts.Nodes, pmm.NodeRange{Node: n.ID, Start: n.Start, End: n.End})
	}
	return opts, nil
}

func (k *Kernel) initSwap(cfg *config.Config) error {
	var (
		s        = cfg.Swap
		slotSize = int(mm.PageSize) + 1
		err      error
	)

	switch s.Store.Type {
	case config.StoreFile:
		if k.store, err = swap.NewFileStore(s.Store.Path, s.Store.Slots, slotSize, time.Duration(s.Store.ReadTimeout)); err != nil {
			return err
		}
	default:
		k.store = swap.NewMemStore(s.Store.Slots, slotSize)
	}

	policy, _ := swap.ParsePolicy(s.Policy)
	compression, _ := swap.ParseCompression(s.Compression)
	prioritizer, _ := swap.ParsePrioritizer(s.Prioritizer)

	if k.Swap, err = swap.New(swap.Options{
		Registry:              k.VMM,
		Backing:               k.store,
		Policy:                policy,
		Compression:           compression,
		Prioritizer:           prioritizer,
		ExemptThreshold:       s.ExemptThreshold,
		RecencyWindow:         s.RecencyWindow,
		Threshold:             s.Threshold,
		MaxEvictionsPerSecond: s.MaxEvictionsPerSecond,
		Seed:                  s.Seed,
	}); err != nil {
		k.closeStore()
		return err
	}

	k.Monitor = swap.NewMonitor(k.Swap, swap.MonitorOptions{
		Interval:          time.Duration(s.Interval),
		PressureThreshold: s.PressureThreshold,
		AutoAdjust:        s.AutoAdjust,
	})
	return nil
}

// reclaim is invoked by the frame allocator when it runs out of memory.
// Empty slabs are released first, then resident pages are swapped out.
func (k *Kernel) reclaim(pages uint64) uint64 {
	released := uint64(k.Slab.ShrinkAll())
	if released < pages {
		released += k.Swap.ReclaimFrames(pages - released)
	}
	return released
}

// Run drives the background work of the kernel until ctx is cancelled: the
// swap monitor and, on NUMA systems, the node balancer.
func (k *Kernel) Run(ctx context.Context) error {
	if k.shutdown {
		return errShutdown
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Monitor.Run(ctx) })
	if k.NUMA.Nodes() > 1 {
		g.Go(func() error { return k.Balancer.Run(ctx) })
	}

	if err := g.Wait(); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return err
	}
	return nil
}

// Verify checks the invariants of the frame allocator and of the coherency
// directory.
func (k *Kernel) Verify() error {
	var result *multierror.Error
	if err := k.PMM.Verify(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := k.Coherency.Verify(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Shutdown destroys every address space, releases the swap store and
// checks that no user frame or page table leaked.
func (k *Kernel) Shutdown() error {
	if k.shutdown {
		return errShutdown
	}
	k.shutdown = true

	var result *multierror.Error
	for _, as := range k.VMM.AddressSpaces() {
		if err := as.Destroy(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "address space %d", as.ID()))
		}
	}

	k.Swap.Close()
	if err := k.closeStore(); err != nil {
		result = multierror.Append(result, err)
	}

	k.Slab.ShrinkAll()
	if free := k.PMM.FreePages(); free < k.bootFree {
		result = multierror.Append(result, errors.Wrapf(errLeakedPages, "%d frames", k.bootFree-free))
	}
	if used := k.Swap.Stats().SlotsUsed; used != 0 {
		result = multierror.Append(result, errors.Wrapf(errLeakedPages, "%d swap slots", used))
	}
	if stats := k.VMM.Stats(); stats.ResidentPages != 0 {
		result = multierror.Append(result, errors.Wrapf(errLeakedPages, "%d resident pages", stats.ResidentPages))
	}
	if err := k.Verify(); err != nil {
		result = multierror.Append(result, err)
	}

	log.Info("shutdown complete")
	return result.ErrorOrNil()
}

func (k *Kernel) closeStore() error {
	if c, ok := k.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
