// Package coherency keeps a directory of cache line states across
// processors and implements the MSI, MESI and MOESI transitions.
package coherency

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

var (
	log = kfmt.Get("coherency")

	errUnsupportedState  = &kernel.Error{Module: "coherency", Message: "state is not supported by the protocol", Kind: kernel.KindInvalid}
	errIllegalTransition = &kernel.Error{Module: "coherency", Message: "illegal state transition", Kind: kernel.KindInvalid}
	errBadCPU            = &kernel.Error{Module: "coherency", Message: "unknown processor", Kind: kernel.KindInvalid}
	errBadLineSize       = &kernel.Error{Module: "coherency", Message: "line size must be a power of two dividing the page size", Kind: kernel.KindInvalid}
	errLineInvariant     = &kernel.Error{Module: "coherency", Message: "cache line state invariant violated", Kind: kernel.KindInconsistent}
)

// Line identifies a physical cache line (physical address / line size).
type Line uint64

type lineState struct {
	states [cpu.MaxCPUs]State
}

// Options configure a Directory.
type Options struct {
	Protocol Protocol
	LineSize int
	CPUs     int
}

// Stats is a point-in-time view of the coherency counters.
type Stats struct {
	ReadHits      uint64 `json:"readHits"`
	ReadMisses    uint64 `json:"readMisses"`
	WriteHits     uint64 `json:"writeHits"`
	WriteMisses   uint64 `json:"writeMisses"`
	Invalidations uint64 `json:"invalidations"`
	WriteBacks    uint64 `json:"writeBacks"`
	Transitions   uint64 `json:"transitions"`
	FrameFlushes  uint64 `json:"frameFlushes"`
}

// Directory tracks the state of every cached line on every processor.
type Directory struct {
	protocol Protocol
	lineSize uintptr
	cpus     int

	lock  sync.Spinlock
	lines map[Line]*lineState

	stats Stats
}

// New creates a directory. A zero line size selects the host cache line size.
func New(opts Options) (*Directory, error) {
	if opts.LineSize == 0 {
		opts.LineSize = cpu.CacheLineSize
	}
	if opts.LineSize < 0 || opts.LineSize&(opts.LineSize-1) != 0 || uintptr(opts.LineSize) > mm.PageSize {
		return nil, errors.Wrapf(errBadLineSize, "line size %d", opts.LineSize)
	}
	if opts.CPUs <= 0 || opts.CPUs > cpu.MaxCPUs {
		return nil, errors.Wrapf(errBadCPU, "%d processors", opts.CPUs)
	}

	log.Infof("protocol %s, line size %d bytes", opts.Protocol, opts.LineSize)
	return &Directory{
		protocol: opts.Protocol,
		lineSize: uintptr(opts.LineSize),
		cpus:     opts.CPUs,
		lines:    make(map[Line]*lineState),
	}, nil
}

// Protocol returns the configured protocol.
func (d *Directory) Protocol() Protocol { return d.protocol }

// LineSize returns the cache line size in bytes.
func (d *Directory) LineSize() uintptr { return d.lineSize }

// LineOf returns the line containing a physical address.
func (d *Directory) LineOf(physAddr uintptr) Line {
	return Line(physAddr / d.lineSize)
}

// State returns the state of line on processor id.
func (d *Directory) State(line Line, id cpu.ID) State {
	d.lock.Acquire()
	defer d.lock.Release()

	if l := d.lines[line]; l != nil && int(id) < d.cpus {
		return l.states[id]
	}
	return Invalid
}

// Transition moves line on processor id to newState, adjusting the copies
// held by the other processors so the protocol invariants hold:
//   - Modified invalidates every other copy.
//   - Exclusive is only legal when no other processor holds the line.
//   - Shared downgrades a remote Modified or Exclusive copy.
//   - Owned is only reachable from Modified.
//   - Invalid writes back dirty data.
func (d *Directory) Transition(line Line, id cpu.ID, newState State) error {
	if int(id) >= d.cpus {
		return errBadCPU
	}
	if d.protocol == ProtocolNone {
		return nil
	}
	if !d.protocol.supports(newState) {
		return errors.Wrapf(errUnsupportedState, "%s does not support state %s", d.protocol, newState)
	}

	d.lock.Acquire()
	defer d.lock.Release()
	return d.transition(line, id, newState)
}

// transition implements Transition. The directory lock must be held.
func (d *Directory) transition(line Line, id cpu.ID, newState State) error {
	l := d.lines[line]
	if l == nil {
		if newState == Invalid {
			return nil
		}
		l = &lineState{}
		d.lines[line] = l
	}

	cur := l.states[id]
	switch newState {
	case Invalid:
		if cur == Modified || cur == Owned {
			d.stats.WriteBacks++
		}
	case Shared:
		if cur == Modified || cur == Owned {
			d.stats.WriteBacks++
		}
		for other := 0; other < d.cpus; other++ {
			if other == int(id) {
				continue
			}
			switch l.states[other] {
			case Modified:
				if d.protocol == ProtocolMOESI {
					l.states[other] = Owned
				} else {
					l.states[other] = Shared
					d.stats.WriteBacks++
				}
			case Exclusive:
				l.states[other] = Shared
			}
		}
	case Exclusive:
		for other := 0; other < d.cpus; other++ {
			if other != int(id) && l.states[other] != Invalid {
				return errors.Wrapf(errIllegalTransition, "line 0x%x: %s -> %s while cpu %d holds it", line, cur, newState, other)
			}
		}
		if cur == Modified {
			d.stats.WriteBacks++
		}
	case Owned:
		if cur != Modified && cur != Owned {
			return errors.Wrapf(errIllegalTransition, "line 0x%x: %s -> %s", line, cur, newState)
		}
	case Modified:
		for other := 0; other < d.cpus; other++ {
			if other == int(id) || l.states[other] == Invalid {
				continue
			}
			if dirty := l.states[other]; dirty == Modified || dirty == Owned {
				d.stats.WriteBacks++
			}
			l.states[other] = Invalid
			d.stats.Invalidations++
		}
	}

	l.states[id] = newState
	d.stats.Transitions++

	if newState == Invalid && d.unused(l) {
		delete(d.lines, line)
	}
	return nil
}

func (d *Directory) unused(l *lineState) bool {
	for other := 0; other < d.cpus; other++ {
		if l.states[other] != Invalid {
			return false
		}
	}
	return true
}

// Read records a read of line by processor id and returns true on a hit. A
// miss loads the line Shared if another processor holds it, otherwise
// Exclusive (Shared under MSI).
func (d *Directory) Read(line Line, id cpu.ID) bool {
	d.lock.Acquire()
	defer d.lock.Release()

	if d.protocol == ProtocolNone || int(id) >= d.cpus {
		d.stats.ReadHits++
		return true
	}

	l := d.lines[line]
	if l != nil && l.states[id] != Invalid {
		d.stats.ReadHits++
		return true
	}

	d.stats.ReadMisses++
	newState := Shared
	if d.protocol.supports(Exclusive) && (l == nil || d.unused(l)) {
		newState = Exclusive
	}
	_ = d.transition(line, id, newState)
	return false
}

// Write records a write of line by processor id and returns true if the
// processor already held the line Modified or Exclusive.
func (d *Directory) Write(line Line, id cpu.ID) bool {
	d.lock.Acquire()
	defer d.lock.Release()

	if d.protocol == ProtocolNone || int(id) >= d.cpus {
		d.stats.WriteHits++
		return true
	}

	hit := false
	if l := d.lines[line]; l != nil {
		hit = l.states[id] == Modified || l.states[id] == Exclusive
	}

	if hit {
		d.stats.WriteHits++
	} else {
		d.stats.WriteMisses++
	}
	_ = d.transition(line, id, Modified)
	return hit
}

// Evict drops line from processor id, writing back dirty data.
func (d *Directory) Evict(line Line, id cpu.ID) {
	_ = d.Transition(line, id, Invalid)
}

// Access records a read or write of n bytes at physAddr by processor id.
func (d *Directory) Access(id cpu.ID, physAddr uintptr, n int, write bool) {
	if n <= 0 {
		return
	}

	for line, last := d.LineOf(physAddr), d.LineOf(physAddr+uintptr(n)-1); line <= last; line++ {
		if write {
			d.Write(line, id)
		} else {
			d.Read(line, id)
		}
	}
}

// FlushFrame writes back and drops every cached line of a frame from every
// processor. It returns the number of lines written back.
func (d *Directory) FlushFrame(frame mm.Frame) int {
	if d.protocol == ProtocolNone {
		return 0
	}

	d.lock.Acquire()
	defer d.lock.Release()

	var writeBacks int
	first := d.LineOf(frame.Address())
	last := d.LineOf(frame.Address() + mm.PageSize - 1)
	for line := first; line <= last; line++ {
		l := d.lines[line]
		if l == nil {
			continue
		}

		for id := 0; id < d.cpus; id++ {
			if s := l.states[id]; s == Modified || s == Owned {
				writeBacks++
			}
		}
		delete(d.lines, line)
	}

	d.stats.WriteBacks += uint64(writeBacks)
	d.stats.FrameFlushes++
	return writeBacks
}

// Verify checks that no line is held Modified or Exclusive by one processor
// while another processor holds a valid copy, and that at most one
// processor owns a line.
func (d *Directory) Verify() error {
	d.lock.Acquire()
	defer d.lock.Release()

	var result *multierror.Error
	for line, l := range d.lines {
		var valid, exclusive, owners int
		for id := 0; id < d.cpus; id++ {
			switch l.states[id] {
			case Invalid:
				continue
			case Modified, Exclusive:
				exclusive++
			case Owned:
				owners++
			}
			valid++
		}

		if (exclusive > 0 && valid > 1) || owners > 1 {
			result = multierror.Append(result, errors.Wrapf(errLineInvariant, "line 0x%x: %v", line, l.states[:d.cpus]))
		}
	}
	return result.ErrorOrNil()
}

// Stats returns a snapshot of the coherency counters.
func (d *Directory) Stats() Stats {
	d.lock.Acquire()
	defer d.lock.Release()

	return d.stats
}
