package pmm

import (
	"sync/atomic"

	"github.com/nassro199/Horizon-sub003/kernel/mm"
)

// ZoneStats is a point-in-time view of a zone's counters.
type ZoneStats struct {
	Node int    `json:"node"`
	Zone string `json:"zone"`

	Managed   uint64 `json:"managed"`
	Free      uint64 `json:"free"`
	Used      uint64 `json:"used"`
	Active    uint64 `json:"active"`
	Inactive  uint64 `json:"inactive"`
	Dirty     uint64 `json:"dirty"`
	Writeback uint64 `json:"writeback"`

	// FreeBlocks holds the number of free blocks for each order.
	FreeBlocks [mm.MaxPageOrder]uint64 `json:"freeBlocks"`

	WatermarkMin  uint64 `json:"watermarkMin"`
	WatermarkLow  uint64 `json:"watermarkLow"`
	WatermarkHigh uint64 `json:"watermarkHigh"`

	Allocs uint64 `json:"allocs"`
	Frees  uint64 `json:"frees"`
}

// Stats is a point-in-time view of the allocator's counters.
type Stats struct {
	Zones        []ZoneStats `json:"zones"`
	Managed      uint64      `json:"managed"`
	Free         uint64      `json:"free"`
	FailedAllocs uint64      `json:"failedAllocs"`
	ReclaimRuns  uint64      `json:"reclaimRuns"`
	ReclaimWaits uint64      `json:"reclaimWaits"`
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	stats := Stats{
		Zones:        make([]ZoneStats, 0, len(a.zones)),
		FailedAllocs: atomic.LoadUint64(&a.failedAllocs),
		ReclaimRuns:  atomic.LoadUint64(&a.reclaimRuns),
		ReclaimWaits: atomic.LoadUint64(&a.reclaimWaits),
	}

	for _, z := range a.zones {
		zs := a.zoneStats(z)
		stats.Managed += zs.Managed
		stats.Free += zs.Free
		stats.Zones = append(stats.Zones, zs)
	}

	return stats
}

func (a *Allocator) zoneStats(z *Zone) ZoneStats {
	z.lock.Acquire()
	defer z.lock.Release()

	zs := ZoneStats{
		Node:          z.node,
		Zone:          z.typ.String(),
		Managed:       z.managed,
		Free:          z.freePages,
		Used:          z.managed - z.freePages,
		WatermarkMin:  z.wmarks[wmarkMin],
		WatermarkLow:  z.wmarks[wmarkLow],
		WatermarkHigh: z.wmarks[wmarkHigh],
		Allocs:        z.allocs,
		Frees:         z.frees,
	}

	for order := range z.free {
		zs.FreeBlocks[order] = uint64(z.free[order].Len())
	}

	for idx, end := int(z.base-a.base), int(z.end-a.base); idx < end; {
		d := &a.descs[idx]
		switch {
		case d.flags&FrameAllocated != 0:
			pages := d.order.Pages()
			if d.flags&FrameReferenced != 0 {
				zs.Active += pages
			} else {
				zs.Inactive += pages
			}
			if d.flags&FrameDirty != 0 {
				zs.Dirty += pages
			}
			if d.flags&FrameWriteback != 0 {
				zs.Writeback += pages
			}
			idx += int(pages)
		case d.flags&FrameFree != 0:
			idx += int(d.order.Pages())
		default:
			idx++
		}
	}

	return zs
}
