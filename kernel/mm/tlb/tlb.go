// Package tlb models the per-processor translation lookaside buffers and
// the shootdown protocol used to keep them coherent with the page tables.
//
// Invalidations targeting a processor where the address space is active are
// applied before the issuing call returns. Processors where the address
// space is not active receive a deferred invalidation which is applied
// before the processor next looks up a translation or activates an address
// space.
package tlb

import (
	"sync/atomic"

	xcpu "golang.org/x/sys/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

const (
	// DefaultCapacity is the number of entries cached per processor when
	// Options.Capacity is not set.
	DefaultCapacity = 64

	// DefaultFullFlushThreshold is the range size (in pages) above which
	// an invalidation flushes the whole address space.
	DefaultFullFlushThreshold = 32

	// maxPending is the number of deferred invalidations a processor
	// queues before they are collapsed into a single full flush.
	maxPending = 64
)

var log = kfmt.Get("tlb")

// ASID identifies an address space in the TLB. ASID 0 is never assigned and
// denotes "no address space".
type ASID uint32

// Entry is a cached translation.
type Entry struct {
	Frame    mm.Frame
	Writable bool
	Exec     bool
}

type key struct {
	asid ASID
	page mm.Page
}

// invalidation describes a deferred invalidation.
type invalidation struct {
	asid  ASID
	start mm.Page
	count uint64

	// full invalidates every entry of asid; all invalidates every entry.
	full, all bool
}

type cpuTLB struct {
	lock    sync.Spinlock
	entries map[key]Entry
	active  ASID
	pending []invalidation

	_ xcpu.CacheLinePad
}

// Options configure a Manager.
type Options struct {
	// CPUs is the number of processors.
	CPUs int

	// Capacity is the number of entries cached per processor.
	Capacity int

	// FullFlushThreshold is the range size (in pages) above which an
	// invalidation flushes the whole address space.
	FullFlushThreshold int

	// DeferInactive enables deferred invalidation for processors where
	// the address space is not active.
	DeferInactive bool
}

// Stats is a point-in-time view of the TLB counters.
type Stats struct {
	Hits                uint64 `json:"hits"`
	Misses              uint64 `json:"misses"`
	Fills               uint64 `json:"fills"`
	SingleInvalidations uint64 `json:"singleInvalidations"`
	RangeInvalidations  uint64 `json:"rangeInvalidations"`
	FullFlushes         uint64 `json:"fullFlushes"`
	Shootdowns          uint64 `json:"shootdowns"`
	Deferred            uint64 `json:"deferred"`
	DeferredApplied     uint64 `json:"deferredApplied"`
}

// Manager owns the TLBs of every processor.
type Manager struct {
	opts Options
	cpus []cpuTLB

	maskLock sync.Spinlock
	masks    map[ASID]cpu.Mask

	stats Stats
}

// New creates the TLBs for opts.CPUs processors.
func New(opts Options) *Manager {
	if opts.CPUs <= 0 {
		opts.CPUs = 1
	}
	if opts.CPUs > cpu.MaxCPUs {
		opts.CPUs = cpu.MaxCPUs
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.FullFlushThreshold <= 0 {
		opts.FullFlushThreshold = DefaultFullFlushThreshold
	}

	m := &Manager{
		opts:  opts,
		cpus:  make([]cpuTLB, opts.CPUs),
		masks: make(map[ASID]cpu.Mask),
	}
	for i := range m.cpus {
		m.cpus[i].entries = make(map[key]Entry, opts.Capacity)
	}

	log.Infof("%d processors, %d entries each, full flush above %d pages, deferred invalidation: %t",
		opts.CPUs, opts.Capacity, opts.FullFlushThreshold, opts.DeferInactive)
	return m
}

// CPUs returns the number of processors.
func (m *Manager) CPUs() int {
	return len(m.cpus)
}

// Activate makes asid the active address space on processor id. Deferred
// invalidations are applied first.
func (m *Manager) Activate(id cpu.ID, asid ASID) {
	c := &m.cpus[id]
	c.lock.Acquire()
	m.drain(c)
	c.active = asid
	c.lock.Release()

	if asid != 0 {
		m.addToMask(asid, id)
	}
}

// Active returns the address space active on processor id.
func (m *Manager) Active(id cpu.ID) ASID {
	c := &m.cpus[id]
	c.lock.Acquire()
	defer c.lock.Release()
	return c.active
}

// Lookup returns the cached translation for page on processor id. Deferred
// invalidations for the processor are applied before the lookup.
func (m *Manager) Lookup(id cpu.ID, asid ASID, page mm.Page) (Entry, bool) {
	c := &m.cpus[id]
	c.lock.Acquire()
	m.drain(c)
	entry, ok := c.entries[key{asid, page}]
	c.lock.Release()

	if ok {
		atomic.AddUint64(&m.stats.Hits, 1)
	} else {
		atomic.AddUint64(&m.stats.Misses, 1)
	}
	return entry, ok
}

// Fill caches a translation on processor id.
func (m *Manager) Fill(id cpu.ID, asid ASID, page mm.Page, entry Entry) {
	c := &m.cpus[id]
	c.lock.Acquire()
	m.drain(c)
	if len(c.entries) >= m.opts.Capacity {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key{asid, page}] = entry
	c.lock.Release()

	m.addToMask(asid, id)
	atomic.AddUint64(&m.stats.Fills, 1)
}

// Invalidate removes the translation for a single page from every
// processor.
func (m *Manager) Invalidate(asid ASID, page mm.Page) {
	atomic.AddUint64(&m.stats.SingleInvalidations, 1)
	m.shootdown(invalidation{asid: asid, start: page, count: 1})
}

// InvalidateRange removes the translations for count pages starting at start
// from every processor. Ranges larger than the full flush threshold flush
// the whole address space instead.
func (m *Manager) InvalidateRange(asid ASID, start mm.Page, count uint64) {
	switch {
	case count == 0:
		return
	case count == 1:
		m.Invalidate(asid, start)
	case count > uint64(m.opts.FullFlushThreshold):
		m.Flush(asid)
	default:
		atomic.AddUint64(&m.stats.RangeInvalidations, 1)
		m.shootdown(invalidation{asid: asid, start: start, count: count})
	}
}

// Flush removes every translation of an address space from every processor.
func (m *Manager) Flush(asid ASID) {
	atomic.AddUint64(&m.stats.FullFlushes, 1)
	m.shootdown(invalidation{asid: asid, full: true})
}

// Release flushes an address space that is being destroyed and forgets the
// processors it ran on.
func (m *Manager) Release(asid ASID) {
	m.Flush(asid)

	for id := range m.cpus {
		c := &m.cpus[id]
		c.lock.Acquire()
		if c.active == asid {
			c.active = 0
		}
		c.lock.Release()
	}

	m.maskLock.Acquire()
	delete(m.masks, asid)
	m.maskLock.Release()
}

// shootdown applies inv on every processor that may cache translations for
// inv.asid and waits for the processors that must apply it immediately.
func (m *Manager) shootdown(inv invalidation) {
	m.maskLock.Acquire()
	mask := m.masks[inv.asid]
	m.maskLock.Release()

	var g errgroup.Group
	mask.ForEach(func(id cpu.ID) bool {
		if int(id) >= len(m.cpus) {
			return false
		}

		c := &m.cpus[id]
		c.lock.Acquire()
		if m.opts.DeferInactive && c.active != inv.asid {
			m.queue(c, inv)
			c.lock.Release()
			atomic.AddUint64(&m.stats.Deferred, 1)
			return true
		}
		c.lock.Release()

		atomic.AddUint64(&m.stats.Shootdowns, 1)
		g.Go(func() error {
			c.lock.Acquire()
			m.drain(c)
			m.apply(c, inv)
			c.lock.Release()
			return nil
		})
		return true
	})

	_ = g.Wait()
}

// queue queues inv on a processor. The processor lock must be held.
func (m *Manager) queue(c *cpuTLB, inv invalidation) {
	if len(c.pending) >= maxPending {
		c.pending = append(c.pending[:0], invalidation{all: true})
		return
	}
	c.pending = append(c.pending, inv)
}

// drain applies the deferred invalidations of a processor. The processor
// lock must be held.
func (m *Manager) drain(c *cpuTLB) {
	if len(c.pending) == 0 {
		return
	}

	for _, inv := range c.pending {
		m.apply(c, inv)
	}
	atomic.AddUint64(&m.stats.DeferredApplied, uint64(len(c.pending)))
	c.pending = c.pending[:0]
}

// apply removes the entries covered by inv. The processor lock must be held.
func (m *Manager) apply(c *cpuTLB, inv invalidation) {
	switch {
	case inv.all:
		for k := range c.entries {
			delete(c.entries, k)
		}
	case inv.full:
		for k := range c.entries {
			if k.asid == inv.asid {
				delete(c.entries, k)
			}
		}
	default:
		for page := inv.start; page < inv.start+mm.Page(inv.count); page++ {
			delete(c.entries, key{inv.asid, page})
		}
	}
}

func (m *Manager) addToMask(asid ASID, id cpu.ID) {
	m.maskLock.Acquire()
	m.masks[asid] = m.masks[asid].Set(id)
	m.maskLock.Release()
}

// Stats returns a snapshot of the TLB counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Hits:                atomic.LoadUint64(&m.stats.Hits),
		Misses:              atomic.LoadUint64(&m.stats.Misses),
		Fills:               atomic.LoadUint64(&m.stats.Fills),
		SingleInvalidations: atomic.LoadUint64(&m.stats.SingleInvalidations),
		RangeInvalidations:  atomic.LoadUint64(&m.stats.RangeInvalidations),
		FullFlushes:         atomic.LoadUint64(&m.stats.FullFlushes),
		Shootdowns:          atomic.LoadUint64(&m.stats.Shootdowns),
		Deferred:            atomic.LoadUint64(&m.stats.Deferred),
		DeferredApplied:     atomic.LoadUint64(&m.stats.DeferredApplied),
	}
}
