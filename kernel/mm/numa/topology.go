// Package numa places user frames on NUMA nodes and migrates them between
// nodes to keep memory accesses local.
package numa

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
)

// Node distances follow the ACPI SLIT convention where the distance of a
// node to itself is 10.
const (
	LocalDistance  = 10
	RemoteDistance = 20
)

var (
	log = kfmt.Get("numa")

	errNoNodes     = &kernel.Error{Module: "numa", Message: "at least one node is required", Kind: kernel.KindInvalid}
	errNoCPUs      = &kernel.Error{Module: "numa", Message: "a processor topology is required", Kind: kernel.KindInvalid}
	errCPUNode     = &kernel.Error{Module: "numa", Message: "processor is local to an unknown node", Kind: kernel.KindInvalid}
	errBadDistance = &kernel.Error{Module: "numa", Message: "invalid node distance table", Kind: kernel.KindInvalid}
	errInvalidNode = &kernel.Error{Module: "numa", Message: "unknown NUMA node", Kind: kernel.KindInvalid}
)

// Topology describes the NUMA nodes, the relative cost of accessing one
// node's memory from another and the node every processor is local to.
type Topology struct {
	cpus      *cpu.Topology
	distances [][]int
}

// NewTopology creates a topology with the given number of nodes. A nil
// distance table gives every remote node RemoteDistance.
func NewTopology(cpus *cpu.Topology, nodes int, distances [][]int) (*Topology, error) {
	switch {
	case nodes < 1:
		return nil, errNoNodes
	case cpus == nil:
		return nil, errNoCPUs
	}

	for id := 0; id < cpus.Count(); id++ {
		if node := cpus.NodeOf(cpu.ID(id)); node >= nodes {
			return nil, errors.Wrapf(errCPUNode, "cpu %d: node %d", id, node)
		}
	}

	if distances == nil {
		distances = DefaultDistances(nodes)
	}
	if err := checkDistances(nodes, distances); err != nil {
		return nil, err
	}

	t := &Topology{cpus: cpus, distances: make([][]int, nodes)}
	for node, row := range distances {
		t.distances[node] = append([]int(nil), row...)
	}
	return t, nil
}

// DefaultDistances returns a distance table where every node is
// RemoteDistance away from every other node.
func DefaultDistances(nodes int) [][]int {
	distances := make([][]int, nodes)
	for from := range distances {
		distances[from] = make([]int, nodes)
		for to := range distances[from] {
			distances[from][to] = RemoteDistance
		}
		distances[from][from] = LocalDistance
	}
	return distances
}

func checkDistances(nodes int, distances [][]int) error {
	if len(distances) != nodes {
		return errors.Wrapf(errBadDistance, "%d rows for %d nodes", len(distances), nodes)
	}

	for from, row := range distances {
		if len(row) != nodes {
			return errors.Wrapf(errBadDistance, "node %d: %d columns for %d nodes", from, len(row), nodes)
		}
		for to, d := range row {
			switch {
			case from == to && d != LocalDistance:
				return errors.Wrapf(errBadDistance, "node %d: local distance %d", from, d)
			case from != to && d <= LocalDistance:
				return errors.Wrapf(errBadDistance, "node %d to %d: distance %d", from, to, d)
			}
		}
	}
	return nil
}

// Nodes returns the number of nodes.
func (t *Topology) Nodes() int { return len(t.distances) }

// CPUs returns the processor topology.
func (t *Topology) CPUs() *cpu.Topology { return t.cpus }

// NodeOf returns the node processor id is local to.
func (t *Topology) NodeOf(id cpu.ID) int { return t.cpus.NodeOf(id) }

// Distance returns the cost of accessing memory of node to from node from.
func (t *Topology) Distance(from, to int) int { return t.distances[from][to] }

// FallbackOrder returns the nodes other than node ordered by increasing
// distance from it.
func (t *Topology) FallbackOrder(node int) []int {
	order := make([]int, 0, len(t.distances)-1)
	for other := range t.distances {
		if other != node {
			order = append(order, other)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return t.distances[node][order[i]] < t.distances[node][order[j]]
	})
	return order
}

// FallbackTable returns the fallback order of every node in the format
// expected by the frame allocator.
func (t *Topology) FallbackTable() [][]int {
	table := make([][]int, len(t.distances))
	for node := range table {
		table[node] = t.FallbackOrder(node)
	}
	return table
}
