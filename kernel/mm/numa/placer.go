package numa

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

var (
	errUnknownPolicy = &kernel.Error{Module: "numa", Message: "unknown placement policy", Kind: kernel.KindInvalid}
	errNodeMismatch  = &kernel.Error{Module: "numa", Message: "topology and frame allocator disagree on the number of nodes", Kind: kernel.KindInvalid}
)

// Policy selects the node that backs a newly faulted page.
type Policy uint8

const (
	// PolicyLocal places pages on the node of the faulting processor.
	PolicyLocal Policy = iota

	// PolicyInterleave spreads pages over every node in turn.
	PolicyInterleave

	// PolicyPreferred places pages on a configured node.
	PolicyPreferred
)

var policyNames = map[Policy]string{
	PolicyLocal:      "local",
	PolicyInterleave: "interleave",
	PolicyPreferred:  "preferred",
}

// String implements fmt.Stringer for Policy.
func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePolicy returns the policy with the given case-insensitive name.
func ParsePolicy(name string) (Policy, error) {
	name = strings.ToLower(name)
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return PolicyLocal, errUnknownPolicy
}

// PlacerOptions configure a Placer.
type PlacerOptions struct {
	Policy Policy

	// Preferred is the node used by PolicyPreferred.
	Preferred int
}

// accessCounts tracks the accesses to a frame that received at least one
// access from a remote node.
type accessCounts struct {
	local  uint64
	byNode []uint64
}

// hotFrame is a frame accessed mostly from a remote node.
type hotFrame struct {
	frame    mm.Frame
	node     int
	accesses uint64
}

type placerCounters struct {
	placements     uint64
	fallbacks      uint64
	localAccesses  uint64
	remoteAccesses uint64
}

// Placer implements vmm.Placer according to a NUMA placement policy and
// records which nodes access every frame.
type Placer struct {
	pmm       *pmm.Allocator
	topo      *Topology
	policy    Policy
	preferred int
	next      uint32

	lock   sync.Spinlock
	remote map[mm.Frame]*accessCounts

	stats placerCounters
}

// NewPlacer creates a placer that allocates frames from alloc.
func NewPlacer(alloc *pmm.Allocator, topo *Topology, opts PlacerOptions) (*Placer, error) {
	if topo.Nodes() != alloc.NodeCount() {
		return nil, errors.Wrapf(errNodeMismatch, "%d topology nodes, %d allocator nodes", topo.Nodes(), alloc.NodeCount())
	}
	if _, ok := policyNames[opts.Policy]; !ok {
		return nil, errUnknownPolicy
	}
	if opts.Policy == PolicyPreferred && (opts.Preferred < 0 || opts.Preferred >= topo.Nodes()) {
		return nil, errors.Wrapf(errInvalidNode, "preferred node %d", opts.Preferred)
	}

	return &Placer{
		pmm:       alloc,
		topo:      topo,
		policy:    opts.Policy,
		preferred: opts.Preferred,
		remote:    make(map[mm.Frame]*accessCounts),
	}, nil
}

// Policy returns the placement policy.
func (p *Placer) Policy() Policy { return p.policy }

// Topology returns the node topology.
func (p *Placer) Topology() *Topology { return p.topo }

// nodeFor returns the node a page faulted in by processor id is placed on.
func (p *Placer) nodeFor(id cpu.ID) int {
	switch p.policy {
	case PolicyInterleave:
		return int((atomic.AddUint32(&p.next, 1) - 1) % uint32(p.topo.Nodes()))
	case PolicyPreferred:
		return p.preferred
	default:
		return p.topo.NodeOf(id)
	}
}

// PlaceFrame implements vmm.Placer. The frame allocator falls back to the
// closest node with free memory when the selected node is exhausted.
func (p *Placer) PlaceFrame(id cpu.ID, zero bool) (mm.Frame, error) {
	var flags pmm.AllocFlag
	if zero {
		flags |= pmm.FlagZero
	}

	node := p.nodeFor(id)
	frame, err := p.pmm.AllocateOnNode(node, 0, pmm.ZoneNormal, flags)
	if err != nil {
		return mm.InvalidFrame, err
	}

	atomic.AddUint64(&p.stats.placements, 1)
	if p.pmm.NodeOf(frame) != node {
		atomic.AddUint64(&p.stats.fallbacks, 1)
	}
	return frame, nil
}

// NoteAccess implements vmm.Placer.
func (p *Placer) NoteAccess(id cpu.ID, frame mm.Frame) {
	home := p.pmm.NodeOf(frame)
	if home < 0 {
		return
	}

	node := p.topo.NodeOf(id)
	if node == home {
		atomic.AddUint64(&p.stats.localAccesses, 1)
		p.lock.Acquire()
		if counts := p.remote[frame]; counts != nil {
			counts.local++
		}
		p.lock.Release()
		return
	}

	atomic.AddUint64(&p.stats.remoteAccesses, 1)
	p.lock.Acquire()
	counts := p.remote[frame]
	if counts == nil {
		counts = &accessCounts{byNode: make([]uint64, p.topo.Nodes())}
		p.remote[frame] = counts
	}
	counts.byNode[node]++
	p.lock.Release()
}

// hotFrames returns the frames that received at least threshold accesses
// from a single remote node and more accesses from that node than from
// their own. Frames are ordered by decreasing remote accesses.
func (p *Placer) hotFrames(threshold uint64) []hotFrame {
	p.lock.Acquire()
	var hot []hotFrame
	for frame, counts := range p.remote {
		best := hotFrame{frame: frame, node: -1}
		for node, n := range counts.byNode {
			if n > best.accesses {
				best.node, best.accesses = node, n
			}
		}
		if best.node >= 0 && best.accesses >= threshold && best.accesses > counts.local {
			hot = append(hot, best)
		}
	}
	p.lock.Release()

	sort.Slice(hot, func(i, j int) bool {
		if hot[i].accesses != hot[j].accesses {
			return hot[i].accesses > hot[j].accesses
		}
		return hot[i].frame < hot[j].frame
	})
	return hot
}

// resetAccesses starts a new access sampling period.
func (p *Placer) resetAccesses() {
	p.lock.Acquire()
	p.remote = make(map[mm.Frame]*accessCounts)
	p.lock.Release()
}

// forget drops the access history of frame.
func (p *Placer) forget(frame mm.Frame) {
	p.lock.Acquire()
	delete(p.remote, frame)
	p.lock.Release()
}

// PlacerStats is a point-in-time view of the placement counters.
type PlacerStats struct {
	Policy         string `json:"policy"`
	Placements     uint64 `json:"placements"`
	Fallbacks      uint64 `json:"fallbacks"`
	LocalAccesses  uint64 `json:"localAccesses"`
	RemoteAccesses uint64 `json:"remoteAccesses"`
	TrackedFrames  int    `json:"trackedFrames"`
}

// Stats returns a snapshot of the placement counters.
func (p *Placer) Stats() PlacerStats {
	p.lock.Acquire()
	tracked := len(p.remote)
	p.lock.Release()

	return PlacerStats{
		Policy:         p.policy.String(),
		Placements:     atomic.LoadUint64(&p.stats.placements),
		Fallbacks:      atomic.LoadUint64(&p.stats.fallbacks),
		LocalAccesses:  atomic.LoadUint64(&p.stats.localAccesses),
		RemoteAccesses: atomic.LoadUint64(&p.stats.remoteAccesses),
		TrackedFrames:  tracked,
	}
}
