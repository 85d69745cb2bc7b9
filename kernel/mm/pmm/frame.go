package pmm

import (
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/ilist"
)

// FrameFlag describes the state of a physical frame.
type FrameFlag uint16

const (
	// FrameFree is set on the first frame of a block that sits on a
	// buddy free list.
	FrameFree FrameFlag = 1 << iota

	// FrameReserved is set for frames that are never managed by the
	// allocator (firmware regions, holes, the kernel image).
	FrameReserved

	// FrameAllocated is set on the first frame of an allocated block.
	FrameAllocated

	// FrameLocked is set while a frame's contents are being moved.
	FrameLocked

	// FrameDirty is set when the frame contents differ from its backing
	// store.
	FrameDirty

	// FrameReferenced is set when the frame is mapped and has been
	// accessed.
	FrameReferenced

	// FrameWriteback is set while the frame contents are being written
	// to a backing store.
	FrameWriteback
)

// Owner identifies the allocator that owns an allocated frame.
type Owner uint8

const (
	// OwnerNone is reported for free and reserved frames.
	OwnerNone Owner = iota

	// OwnerKernel is the default owner of allocated frames.
	OwnerKernel

	// OwnerSlab marks frames that back a slab. The owner id is the id of
	// the slab cache.
	OwnerSlab

	// OwnerPageTable marks frames that hold page tables. The owner id is
	// the address space id.
	OwnerPageTable

	// OwnerUser marks frames that are mapped into an address space.
	OwnerUser
)

// String implements fmt.Stringer for Owner.
func (o Owner) String() string {
	switch o {
	case OwnerKernel:
		return "kernel"
	case OwnerSlab:
		return "slab"
	case OwnerPageTable:
		return "page-table"
	case OwnerUser:
		return "user"
	default:
		return "none"
	}
}

// frameDesc is the arena slot describing a physical frame.
type frameDesc struct {
	link ilist.Link

	flags FrameFlag

	// order is the order of the free or allocated block headed by this
	// frame.
	order mm.PageOrder

	// zone is an index into Allocator.zones or -1 for frames outside
	// every zone.
	zone int16

	refs    int32
	owner   Owner
	ownerID uint32
}
