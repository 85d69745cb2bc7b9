// Package cpu models the processors that execute memory-management code:
// processor identity, the processor to NUMA node topology and the cache
// line geometry used by the coherency layer.
package cpu

import (
	"math/bits"
	"unsafe"

	xcpu "golang.org/x/sys/cpu"

	"github.com/nassro199/Horizon-sub003/kernel"
)

// MaxCPUs is the maximum number of processors supported. It matches the
// width of Mask.
const MaxCPUs = 64

// CacheLineSize is the cache line size of the host processor.
var CacheLineSize = int(unsafe.Sizeof(xcpu.CacheLinePad{}))

var (
	// ErrHalted is raised by Halt.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "system halted", Kind: kernel.KindInconsistent}

	errTooManyCPUs = &kernel.Error{Module: "cpu", Message: "too many processors", Kind: kernel.KindInvalid}
	errNoCPUs      = &kernel.Error{Module: "cpu", Message: "at least one processor is required", Kind: kernel.KindInvalid}
	errBadNode     = &kernel.Error{Module: "cpu", Message: "negative NUMA node id", Kind: kernel.KindInvalid}
)

// ID identifies a processor.
type ID uint8

// Halt stops execution of the calling kernel context. In a hosted kernel
// this unwinds the calling goroutine with ErrHalted.
func Halt() {
	panic(ErrHalted)
}

// Mask is a set of processors.
type Mask uint64

// MaskOf returns a mask containing the given processors.
func MaskOf(ids ...ID) Mask {
	var m Mask
	for _, id := range ids {
		m = m.Set(id)
	}
	return m
}

// Has returns true if id is a member of the mask.
func (m Mask) Has(id ID) bool { return m&(1<<id) != 0 }

// Set returns a copy of the mask with id added.
func (m Mask) Set(id ID) Mask { return m | (1 << id) }

// Clear returns a copy of the mask with id removed.
func (m Mask) Clear(id ID) Mask { return m &^ (1 << id) }

// Size returns the number of processors in the mask.
func (m Mask) Size() int { return bits.OnesCount64(uint64(m)) }

// ForEach calls fn for every processor in the mask in increasing ID order
// until fn returns false.
func (m Mask) ForEach(fn func(ID) bool) {
	for m != 0 {
		id := ID(bits.TrailingZeros64(uint64(m)))
		if !fn(id) {
			return
		}
		m = m.Clear(id)
	}
}

// Topology maps processors to the NUMA node they are local to.
type Topology struct {
	nodeOf []int
}

// NewTopology creates a topology where processor i is local to
// cpuNodes[i].
func NewTopology(cpuNodes []int) (*Topology, error) {
	switch {
	case len(cpuNodes) == 0:
		return nil, errNoCPUs
	case len(cpuNodes) > MaxCPUs:
		return nil, errTooManyCPUs
	}

	for _, n := range cpuNodes {
		if n < 0 {
			return nil, errBadNode
		}
	}

	return &Topology{nodeOf: append([]int(nil), cpuNodes...)}, nil
}

// Count returns the number of processors.
func (t *Topology) Count() int { return len(t.nodeOf) }

// All returns a mask with every processor.
func (t *Topology) All() Mask {
	if len(t.nodeOf) == MaxCPUs {
		return ^Mask(0)
	}
	return Mask(uint64(1)<<uint(len(t.nodeOf)) - 1)
}

// NodeOf returns the NUMA node the processor is local to.
func (t *Topology) NodeOf(id ID) int {
	if int(id) >= len(t.nodeOf) {
		return 0
	}
	return t.nodeOf[id]
}

// CPUsOf returns the processors local to node.
func (t *Topology) CPUsOf(node int) Mask {
	var m Mask
	for id, n := range t.nodeOf {
		if n == node {
			m = m.Set(ID(id))
		}
	}
	return m
}
