package numa

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/vmm"
)

const (
	defaultRemoteAccessThreshold = 64
	defaultImbalanceThreshold    = 0.25
	defaultBatch                 = 32
	defaultBalanceInterval       = time.Second
)

var (
	errUnmanagedFrame = &kernel.Error{Module: "numa", Message: "frame is not managed by the frame allocator", Kind: kernel.KindInvalid}
	errAlreadyLocal   = &kernel.Error{Module: "numa", Message: "frame already belongs to the target node", Kind: kernel.KindInvalid}
)

// BalancerOptions configure a Balancer.
type BalancerOptions struct {
	// RemoteAccessThreshold is the number of accesses from a single remote
	// node, within one balancing period, that makes a frame migrate to
	// that node.
	RemoteAccessThreshold uint64

	// ImbalanceThreshold is the difference between the largest and the
	// smallest per-node free memory ratio above which frames move from the
	// fullest node to the emptiest one.
	ImbalanceThreshold float64

	// Batch bounds the number of migrations attempted by one pass.
	Batch int

	// Interval is the time between two passes of Run.
	Interval time.Duration
}

// BalanceResult summarizes a balancing pass.
type BalanceResult struct {
	RemoteMigrations    int
	ImbalanceMigrations int
	Failed              int
}

// Migrated returns the number of frames moved by the pass.
func (r BalanceResult) Migrated() int {
	return r.RemoteMigrations + r.ImbalanceMigrations
}

type balancerCounters struct {
	passes              uint64
	migrations          uint64
	failures            uint64
	remoteMigrations    uint64
	imbalanceMigrations uint64
}

// Balancer migrates frames between nodes. Frames that are mostly accessed
// from a remote node move to that node, and frames move away from nodes
// that are much fuller than the others.
type Balancer struct {
	reg    *vmm.Registry
	pmm    *pmm.Allocator
	placer *Placer
	opts   BalancerOptions

	stats balancerCounters
}

// NewBalancer creates a balancer for the frames placed by placer.
func NewBalancer(reg *vmm.Registry, placer *Placer, opts BalancerOptions) *Balancer {
	if opts.RemoteAccessThreshold == 0 {
		opts.RemoteAccessThreshold = defaultRemoteAccessThreshold
	}
	if opts.ImbalanceThreshold <= 0 {
		opts.ImbalanceThreshold = defaultImbalanceThreshold
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultBalanceInterval
	}

	return &Balancer{reg: reg, pmm: reg.PMM(), placer: placer, opts: opts}
}

// Migrate moves the contents of frame to a new frame on node and repoints
// every mapping of frame to it. The old frame is released once no
// processor can reach it. It returns the new frame.
func (b *Balancer) Migrate(frame mm.Frame, node int) (mm.Frame, error) {
	if node < 0 || node >= b.placer.topo.Nodes() {
		return mm.InvalidFrame, errors.Wrapf(errInvalidNode, "node %d", node)
	}

	switch home := b.pmm.NodeOf(frame); {
	case home < 0:
		return mm.InvalidFrame, errors.Wrapf(errUnmanagedFrame, "frame 0x%x", frame.Address())
	case home == node:
		return mm.InvalidFrame, errors.Wrapf(errAlreadyLocal, "frame 0x%x on node %d", frame.Address(), node)
	}

	newFrame, err := b.pmm.AllocateOnNode(node, 0, pmm.ZoneNormal, pmm.FlagThisNode|pmm.FlagNoReclaim)
	if err != nil {
		atomic.AddUint64(&b.stats.failures, 1)
		return mm.InvalidFrame, errors.Wrapf(err, "migrate frame 0x%x to node %d", frame.Address(), node)
	}

	if err = b.reg.MoveFrame(frame, newFrame); err != nil {
		if freeErr := b.pmm.Free(newFrame, 0); freeErr != nil {
			log.Warnf("unable to release migration target 0x%x: %v", newFrame.Address(), freeErr)
		}
		atomic.AddUint64(&b.stats.failures, 1)
		return mm.InvalidFrame, errors.Wrapf(err, "migrate frame 0x%x to node %d", frame.Address(), node)
	}

	b.placer.forget(frame)
	atomic.AddUint64(&b.stats.migrations, 1)
	log.Debugf("migrated frame 0x%x to 0x%x on node %d", frame.Address(), newFrame.Address(), node)
	return newFrame, nil
}

// Balance runs one balancing pass and starts a new access sampling period.
func (b *Balancer) Balance() BalanceResult {
	atomic.AddUint64(&b.stats.passes, 1)

	var res BalanceResult
	attempts := func() int { return res.Migrated() + res.Failed }

	for _, hot := range b.placer.hotFrames(b.opts.RemoteAccessThreshold) {
		if attempts() == b.opts.Batch {
			break
		}
		if _, err := b.Migrate(hot.frame, hot.node); err != nil {
			log.Debugf("frame 0x%x stays on its node: %v", hot.frame.Address(), err)
			res.Failed++
			continue
		}
		res.RemoteMigrations++
	}
	b.placer.resetAccesses()

	if busy, idle, spread := b.imbalance(); spread > b.opts.ImbalanceThreshold {
		for _, frame := range b.framesOn(busy, b.opts.Batch-attempts()) {
			if _, err := b.Migrate(frame, idle); err != nil {
				log.Debugf("frame 0x%x stays on node %d: %v", frame.Address(), busy, err)
				res.Failed++
				continue
			}
			res.ImbalanceMigrations++
		}
	}

	atomic.AddUint64(&b.stats.remoteMigrations, uint64(res.RemoteMigrations))
	atomic.AddUint64(&b.stats.imbalanceMigrations, uint64(res.ImbalanceMigrations))
	if res.Migrated() > 0 {
		log.Infof("balancing pass migrated %d frames (%d remote, %d imbalance)", res.Migrated(), res.RemoteMigrations, res.ImbalanceMigrations)
	}
	return res
}

// imbalance returns the node with the smallest free memory ratio, the node
// with the largest one and the difference between the two ratios.
func (b *Balancer) imbalance() (int, int, float64) {
	nodes := b.placer.topo.Nodes()
	if nodes < 2 {
		return 0, 0, 0
	}

	free := make([]uint64, nodes)
	managed := make([]uint64, nodes)
	for _, zs := range b.pmm.Stats().Zones {
		free[zs.Node] += zs.Free
		managed[zs.Node] += zs.Managed
	}

	busy, idle := -1, -1
	ratios := make([]float64, nodes)
	for node := range ratios {
		if managed[node] == 0 {
			continue
		}
		ratios[node] = float64(free[node]) / float64(managed[node])
		if busy < 0 || ratios[node] < ratios[busy] {
			busy = node
		}
		if idle < 0 || ratios[node] > ratios[idle] {
			idle = node
		}
	}

	if busy < 0 || busy == idle {
		return 0, 0, 0
	}
	return busy, idle, ratios[idle] - ratios[busy]
}

// framesOn returns up to count distinct user frames of node, least recently
// accessed first.
func (b *Balancer) framesOn(node, count int) []mm.Frame {
	if count <= 0 {
		return nil
	}

	var pages []vmm.ResidentPage
	for _, as := range b.reg.AddressSpaces() {
		for _, rp := range as.ResidentPages() {
			if b.pmm.NodeOf(rp.Frame) == node {
				pages = append(pages, rp)
			}
		}
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].LastAccess < pages[j].LastAccess })

	var (
		frames = make([]mm.Frame, 0, count)
		seen   = make(map[mm.Frame]struct{}, count)
	)
	for _, rp := range pages {
		if len(frames) == count {
			break
		}
		if _, dup := seen[rp.Frame]; dup {
			continue
		}
		seen[rp.Frame] = struct{}{}
		frames = append(frames, rp.Frame)
	}
	return frames
}

// Run balances every interval until ctx is cancelled.
func (b *Balancer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Balance()
		}
	}
}

// BalancerStats is a point-in-time view of the balancer counters.
type BalancerStats struct {
	Passes              uint64 `json:"passes"`
	Migrations          uint64 `json:"migrations"`
	MigrationFailures   uint64 `json:"migrationFailures"`
	RemoteMigrations    uint64 `json:"remoteMigrations"`
	ImbalanceMigrations uint64 `json:"imbalanceMigrations"`
}

// Stats returns a snapshot of the balancer counters.
func (b *Balancer) Stats() BalancerStats {
	return BalancerStats{
		Passes:              atomic.LoadUint64(&b.stats.passes),
		Migrations:          atomic.LoadUint64(&b.stats.migrations),
		MigrationFailures:   atomic.LoadUint64(&b.stats.failures),
		RemoteMigrations:    atomic.LoadUint64(&b.stats.remoteMigrations),
		ImbalanceMigrations: atomic.LoadUint64(&b.stats.imbalanceMigrations),
	}
}
