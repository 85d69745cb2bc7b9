package pmm

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/ilist"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

// ZoneType groups physical memory by hardware reachability.
type ZoneType uint8

const (
	// ZoneDMA contains memory reachable by legacy DMA devices.
	ZoneDMA ZoneType = iota

	// ZoneNormal contains memory that is permanently mapped by the kernel.
	ZoneNormal

	// ZoneHigh contains the remaining memory.
	ZoneHigh

	zoneTypeCount
)

// String implements fmt.Stringer for ZoneType.
func (t ZoneType) String() string {
	switch t {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "Normal"
	case ZoneHigh:
		return "High"
	default:
		return "unknown"
	}
}

// zoneFallback lists the zones that may serve a request for each zone type,
// in preference order. Requests only ever fall back to more general zones.
var zoneFallback = [zoneTypeCount][]ZoneType{
	ZoneDMA:    {ZoneDMA},
	ZoneNormal: {ZoneNormal, ZoneHigh},
	ZoneHigh:   {ZoneHigh},
}

type watermark uint8

const (
	wmarkHigh watermark = iota
	wmarkLow
	wmarkMin
	wmarkNone
)

var errBuddyInvariant = &kernel.Error{Module: "pmm", Message: "buddy invariant violated", Kind: kernel.KindInconsistent}

// Zone is a contiguous physical range with uniform reachability. It owns the
// buddy free lists for its frames.
type Zone struct {
	lock sync.Spinlock

	id   int
	typ  ZoneType
	node int

	// base and end delimit the frames [base, end) spanned by the zone.
	// Buddies are computed relative to base.
	base, end mm.Frame

	free      [mm.MaxPageOrder]ilist.List
	freePages uint64
	managed   uint64

	wmarks [wmarkNone]uint64

	allocs, frees uint64
}

// Type returns the zone type.
func (z *Zone) Type() ZoneType { return z.typ }

// Node returns the NUMA node that owns the zone.
func (z *Zone) Node() int { return z.node }

// Span returns the frames [base, end) spanned by the zone.
func (z *Zone) Span() (mm.Frame, mm.Frame) { return z.base, z.end }

// setWatermarks derives the zone watermarks from the number of managed
// pages.
func (z *Zone) setWatermarks() {
	minPages := z.managed >> 7
	z.wmarks[wmarkMin] = minPages
	z.wmarks[wmarkLow] = minPages + minPages>>2
	z.wmarks[wmarkHigh] = minPages + minPages>>1
}

// fits returns true if allocating pages from the zone keeps its free count
// at or above the given watermark. The zone lock must be held.
func (z *Zone) fits(pages uint64, mark watermark) bool {
	var wm uint64
	if mark != wmarkNone {
		wm = z.wmarks[mark]
	}
	return z.freePages >= pages+wm
}

// allocBlock removes a block of the requested order from the zone free
// lists, splitting a larger block if needed. The zone lock must be held.
func (a *Allocator) allocBlock(z *Zone, order mm.PageOrder) (mm.Frame, bool) {
	for curOrder := order; curOrder < mm.MaxPageOrder; curOrder++ {
		idx, ok := z.free[curOrder].PopFront(a)
		if !ok {
			continue
		}
		a.descs[idx].flags &^= FrameFree

		// Split the block pushing the upper halves to the lower order lists
		for curOrder > order {
			curOrder--
			buddyIdx := idx + (1 << curOrder)
			buddy := &a.descs[buddyIdx]
			buddy.order = curOrder
			buddy.flags |= FrameFree
			z.free[curOrder].PushFront(a, buddyIdx)
		}

		a.descs[idx].order = order
		z.freePages -= order.Pages()
		z.allocs++
		return a.base + mm.Frame(idx), true
	}

	return mm.InvalidFrame, false
}

// freeBlock returns a block to the zone free lists merging it with its buddy
// as long as the buddy is also free. The zone lock must be held.
func (a *Allocator) freeBlock(z *Zone, frame mm.Frame, order mm.PageOrder) {
	var (
		idx      = int(frame - a.base)
		zoneBase = int(z.base - a.base)
		zoneEnd  = int(z.end - a.base)
	)

	z.freePages += order.Pages()
	z.frees++

	for ; order < mm.MaxPageOrder-1; order++ {
		buddyIdx := zoneBase + ((idx - zoneBase) ^ (1 << order))
		if buddyIdx+(1<<order) > zoneEnd {
			break
		}

		buddy := &a.descs[buddyIdx]
		if buddy.flags&FrameFree == 0 || buddy.order != order {
			break
		}

		z.free[order].Remove(a, buddyIdx)
		buddy.flags &^= FrameFree
		if buddyIdx < idx {
			idx = buddyIdx
		}
	}

	head := &a.descs[idx]
	head.flags |= FrameFree
	head.order = order
	z.free[order].PushFront(a, idx)
}

// freeBlockContaining returns the index of the head of the free block that
// contains idx. The zone lock must be held.
func (a *Allocator) freeBlockContaining(z *Zone, idx int) (int, bool) {
	zoneBase := int(z.base - a.base)
	for order := mm.PageOrder(0); order < mm.MaxPageOrder; order++ {
		head := zoneBase + (((idx - zoneBase) >> order) << order)
		if d := &a.descs[head]; d.flags&FrameFree != 0 && d.order == order {
			return head, true
		}
	}
	return 0, false
}

// verify checks the buddy invariants for the zone: the free page count
// equals the sum of the free lists and no two free buddies of the same order
// coexist unmerged.
func (a *Allocator) verify(z *Zone) error {
	z.lock.Acquire()
	defer z.lock.Release()

	var (
		result   *multierror.Error
		total    uint64
		zoneBase = int(z.base - a.base)
	)

	for order := mm.PageOrder(0); order < mm.MaxPageOrder; order++ {
		z.free[order].Each(a, func(idx int) bool {
			d := &a.descs[idx]
			total += order.Pages()

			if d.flags&FrameFree == 0 || d.order != order {
				result = multierror.Append(result, errors.Wrapf(errBuddyInvariant,
					"zone %s/%d: frame 0x%x on order %d list has order %d", z.typ, z.node, a.base+mm.Frame(idx), order, d.order))
			}

			if order == mm.MaxPageOrder-1 {
				return true
			}

			buddyIdx := zoneBase + ((idx - zoneBase) ^ (1 << order))
			if buddyIdx+(1<<order) <= int(z.end-a.base) {
				if bd := &a.descs[buddyIdx]; bd.flags&FrameFree != 0 && bd.order == order {
					result = multierror.Append(result, errors.Wrapf(errBuddyInvariant,
						"zone %s/%d: free buddies 0x%x and 0x%x of order %d not merged", z.typ, z.node, a.base+mm.Frame(idx), a.base+mm.Frame(buddyIdx), order))
				}
			}
			return true
		})
	}

	if total != z.freePages {
		result = multierror.Append(result, errors.Wrapf(errBuddyInvariant,
			"zone %s/%d: free lists hold %d pages; free count is %d", z.typ, z.node, total, z.freePages))
	}

	return result.ErrorOrNil()
}
