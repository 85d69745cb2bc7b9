// Package pmm implements the physical frame allocator. Physical memory is
// split into zones (per NUMA node and hardware reachability) and each zone
// manages its frames with a power-of-two buddy scheme.
package pmm

import (
	"math"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/ilist"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

const (
	// DefaultDMALimit is the end of the DMA zone when Options.DMALimit is
	// not set.
	DefaultDMALimit = uint64(16 * mm.Mb)

	// DefaultNormalLimit is the end of the normal zone when
	// Options.NormalLimit is not set.
	DefaultNormalLimit = uint64(4 * mm.Gb)
)

var (
	log = kfmt.Get("pmm")

	errOutOfMemory    = &kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindExhausted}
	errInvalidOrder   = &kernel.Error{Module: "pmm", Message: "requested order exceeds the maximum page order", Kind: kernel.KindInvalid}
	errInvalidZone    = &kernel.Error{Module: "pmm", Message: "unknown zone type", Kind: kernel.KindInvalid}
	errInvalidNode    = &kernel.Error{Module: "pmm", Message: "unknown NUMA node", Kind: kernel.KindInvalid}
	errBadFrame       = &kernel.Error{Module: "pmm", Message: "frame is not managed by the allocator", Kind: kernel.KindInvalid}
	errBadFree        = &kernel.Error{Module: "pmm", Message: "frame does not head an allocated block of the given order", Kind: kernel.KindInvalid}
	errNotAllocated   = &kernel.Error{Module: "pmm", Message: "frame is not allocated", Kind: kernel.KindInvalid}
	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "memory map contains no usable memory", Kind: kernel.KindInvalid}
	errBadZoneLimits  = &kernel.Error{Module: "pmm", Message: "normal zone limit is below the DMA zone limit", Kind: kernel.KindInvalid}
	errBadNodeRange   = &kernel.Error{Module: "pmm", Message: "invalid NUMA node range", Kind: kernel.KindInvalid}
	errDoubleFree     = &kernel.Error{Module: "pmm", Message: "frame is already free", Kind: kernel.KindInconsistent}
	errRefUnderflow   = &kernel.Error{Module: "pmm", Message: "frame reference count underflow", Kind: kernel.KindInconsistent}
	errStillShared    = &kernel.Error{Module: "pmm", Message: "frame is still referenced", Kind: kernel.KindInconsistent}
)

// AllocFlag alters the behavior of an allocation request.
type AllocFlag uint8

const (
	// FlagZero requests that the allocated frames read as zero.
	FlagZero AllocFlag = 1 << iota

	// FlagHighPriority allows the allocation to dip below the zone's min
	// watermark.
	FlagHighPriority

	// FlagThisNode prevents falling back to other NUMA nodes.
	FlagThisNode

	// FlagNoReclaim prevents the allocator from running a reclaim pass
	// when no zone can satisfy the request.
	FlagNoReclaim
)

// ReclaimFn attempts to release at least pages frames back to the
// allocator and returns the number of frames it released. Allocations made
// by a ReclaimFn must pass FlagNoReclaim.
type ReclaimFn func(pages uint64) uint64

// Allocator is the physical frame allocator. All frames are described by an
// arena of descriptors indexed by frame number; the free lists of each zone
// link arena indices rather than frames.
type Allocator struct {
	base  mm.Frame
	descs []frameDesc

	// data holds the frame contents. A nil entry reads as zero.
	dataLock sync.Spinlock
	data     [][]byte

	zones        []*Zone
	nodeZones    [][zoneTypeCount]*Zone
	nodeFallback [][]int

	reclaimFn ReclaimFn

	// reclaimDone is non-nil while a reclaim pass runs and is closed when
	// it completes.
	reclaimLock sync.Spinlock
	reclaimDone chan struct{}

	failedAllocs uint64
	reclaimRuns  uint64
	reclaimWaits uint64
}

// New creates an allocator for the memory described by opts. Every usable
// frame is handed to the buddy free lists of its zone; frames inside
// reserved regions, firmware holes and the kernel image are marked reserved.
func New(opts Options) (*Allocator, error) {
	printMemoryMap(&opts)

	if opts.DMALimit == 0 {
		opts.DMALimit = DefaultDMALimit
	}
	if opts.NormalLimit == 0 {
		opts.NormalLimit = DefaultNormalLimit
	}
	if opts.NormalLimit < opts.DMALimit {
		return nil, errBadZoneLimits
	}

	lo, hi := mm.Frame(math.MaxUint64), mm.Frame(0)
	for _, region := range opts.MemoryMap {
		if region.Type != RegionAvailable {
			continue
		}
		if first, last := region.frames(); first < last {
			if first < lo {
				lo = first
			}
			if last > hi {
				hi = last
			}
		}
	}
	if lo >= hi {
		return nil, errNoUsableMemory
	}

	a := &Allocator{
		base:  lo,
		descs: make([]frameDesc, hi-lo),
		data:  make([][]byte, hi-lo),
	}

	usable := a.usableFrames(&opts)

	nodes := opts.Nodes
	if len(nodes) == 0 {
		nodes = []NodeRange{{Node: 0, Start: 0, End: math.MaxUint64}}
	}

	var nodeCount int
	for _, nr := range nodes {
		if nr.Node < 0 || nr.Start >= nr.End {
			return nil, errors.Wrapf(errBadNodeRange, "node %d: [0x%x, 0x%x)", nr.Node, nr.Start, nr.End)
		}
		if nr.Node+1 > nodeCount {
			nodeCount = nr.Node + 1
		}
	}
	a.nodeZones = make([][zoneTypeCount]*Zone, nodeCount)

	for i := range a.descs {
		a.descs[i].zone = -1
		a.descs[i].flags = FrameReserved
	}

	zoneLimits := [zoneTypeCount + 1]uint64{0, opts.DMALimit, opts.NormalLimit, math.MaxUint64}
	for _, nr := range nodes {
		for zt := ZoneDMA; zt < zoneTypeCount; zt++ {
			start, end := zoneLimits[zt], zoneLimits[zt+1]
			if nr.Start > start {
				start = nr.Start
			}
			if nr.End < end {
				end = nr.End
			}
			if start >= end {
				continue
			}

			if err := a.addZone(nr.Node, zt, start, end, usable); err != nil {
				return nil, err
			}
		}
	}

	a.nodeFallback = opts.NodeFallback
	if len(a.nodeFallback) < nodeCount {
		a.nodeFallback = make([][]int, nodeCount)
		for node := range a.nodeFallback {
			for other := 0; other < nodeCount; other++ {
				if other != node {
					a.nodeFallback[node] = append(a.nodeFallback[node], other)
				}
			}
		}
	}

	log.Infof("managing %d of %d frames in %d zones", a.ManagedPages(), len(a.descs), len(a.zones))
	return a, nil
}

// usableFrames returns a bitmap of the frames (relative to a.base) that can
// be handed out.
func (a *Allocator) usableFrames(opts *Options) []bool {
	usable := make([]bool, len(a.descs))

	mark := func(first, last mm.Frame, state bool) {
		if first < a.base {
			first = a.base
		}
		if end := a.base + mm.Frame(len(usable)); last > end {
			last = end
		}
		for f := first; f < last; f++ {
			usable[f-a.base] = state
		}
	}

	for _, region := range opts.MemoryMap {
		if region.Type == RegionAvailable {
			first, last := region.frames()
			mark(first, last, true)
		}
	}

	// Reserved regions win over overlapping available ones
	for _, region := range opts.MemoryMap {
		if region.Type != RegionAvailable {
			first, last := region.coveredFrames()
			mark(first, last, false)
		}
	}

	if opts.KernelEnd > opts.KernelStart {
		first := mm.FrameFromAddress(opts.KernelStart)
		last := mm.FrameFromAddress(opts.KernelEnd+mm.PageSize-1)
		mark(first, last, false)
		log.Infof("reserved %d frames for the kernel image", uint64(last-first))
	}

	return usable
}

// addZone creates the zone of type zt for node over the physical range
// [start, end) and frees its usable frames.
func (a *Allocator) addZone(node int, zt ZoneType, start, end uint64, usable []bool) error {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	first := mm.Frame(((start + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
	last := mm.Frame(end >> mm.PageShift)

	if first < a.base {
		first = a.base
	}
	if limit := a.base + mm.Frame(len(a.descs)); last > limit {
		last = limit
	}

	for first < last && !usable[first-a.base] {
		first++
	}
	for last > first && !usable[last-1-a.base] {
		last--
	}
	if first >= last {
		return nil
	}

	if a.nodeZones[node][zt] != nil {
		return errors.Wrapf(errBadNodeRange, "node %d: multiple ranges overlap zone %s", node, zt)
	}

	z := &Zone{id: len(a.zones), typ: zt, node: node, base: first, end: last}
	for f := first; f < last; f++ {
		d := &a.descs[f-a.base]
		if d.zone != -1 {
			return errors.Wrapf(errBadNodeRange, "frame 0x%x is claimed by more than one node", f.Address())
		}
		d.zone = int16(z.id)

		if usable[f-a.base] {
			d.flags = 0
			a.freeBlock(z, f, 0)
			z.managed++
		}
	}
	z.frees = 0
	z.setWatermarks()

	a.zones = append(a.zones, z)
	a.nodeZones[node][zt] = z

	log.Infof("node %d zone %-6s: frames [0x%x - 0x%x), managed pages: %d", node, zt, first, last, z.managed)
	return nil
}

// Link implements ilist.Arena over the frame descriptors.
func (a *Allocator) Link(idx int) *ilist.Link {
	return &a.descs[idx].link
}

// SetReclaimer registers the function invoked when no zone can satisfy an
// allocation. The allocation is retried once after it returns. Only one
// reclaim pass runs at a time; allocations that fail while it runs wait for
// it and then retry.
func (a *Allocator) SetReclaimer(fn ReclaimFn) {
	a.reclaimFn = fn
}

// NodeCount returns the number of NUMA nodes known to the allocator.
func (a *Allocator) NodeCount() int {
	return len(a.nodeZones)
}

// Allocate reserves a block of 2^order contiguous frames from node 0.
func (a *Allocator) Allocate(order mm.PageOrder, zone ZoneType, flags AllocFlag) (mm.Frame, error) {
	return a.AllocateOnNode(0, order, zone, flags)
}

// AllocateOnNode reserves a block of 2^order contiguous frames. Zones of
// the requested node are tried first, falling back to more general zones
// and then to the other nodes unless FlagThisNode is set. Zones whose low
// watermark would be violated are only used once no zone above its low
// watermark remains. If nothing can satisfy the request, the registered
// reclaimer runs and the request is retried once.
func (a *Allocator) AllocateOnNode(node int, order mm.PageOrder, zone ZoneType, flags AllocFlag) (mm.Frame, error) {
	switch {
	case order >= mm.MaxPageOrder:
		return mm.InvalidFrame, errInvalidOrder
	case zone >= zoneTypeCount:
		return mm.InvalidFrame, errInvalidZone
	case node < 0 || node >= len(a.nodeZones):
		return mm.InvalidFrame, errInvalidNode
	}

	marks := []watermark{wmarkLow, wmarkMin}
	if flags&FlagHighPriority != 0 {
		marks = append(marks, wmarkNone)
	}

	candidates := a.candidates(node, zone, flags)
	for attempt := 0; ; attempt++ {
		for _, mark := range marks {
			for _, z := range candidates {
				if frame, ok := a.allocFrom(z, order, mark); ok {
					a.prepare(frame, order, flags)
					return frame, nil
				}
			}
		}

		if attempt > 0 || flags&FlagNoReclaim != 0 || !a.reclaim(order.Pages()) {
			break
		}
	}

	atomic.AddUint64(&a.failedAllocs, 1)
	return mm.InvalidFrame, errors.Wrapf(errOutOfMemory, "order %d zone %s node %d", order, zone, node)
}

// candidates returns the zones that may serve a request in preference order.
func (a *Allocator) candidates(node int, zone ZoneType, flags AllocFlag) []*Zone {
	nodes := []int{node}
	if flags&FlagThisNode == 0 {
		nodes = append(nodes, a.nodeFallback[node]...)
	}

	var zones []*Zone
	for _, n := range nodes {
		if n < 0 || n >= len(a.nodeZones) {
			continue
		}
		for _, zt := range zoneFallback[zone] {
			if z := a.nodeZones[n][zt]; z != nil {
				zones = append(zones, z)
			}
		}
	}
	return zones
}

func (a *Allocator) allocFrom(z *Zone, order mm.PageOrder, mark watermark) (mm.Frame, bool) {
	z.lock.Acquire()
	defer z.lock.Release()

	if !z.fits(order.Pages(), mark) {
		return mm.InvalidFrame, false
	}

	frame, ok := a.allocBlock(z, order)
	if !ok {
		return mm.InvalidFrame, false
	}

	d := &a.descs[frame-a.base]
	d.flags = FrameAllocated
	d.refs = 1
	d.owner = OwnerKernel
	d.ownerID = 0
	return frame, true
}

func (a *Allocator) prepare(frame mm.Frame, order mm.PageOrder, flags AllocFlag) {
	if flags&FlagZero == 0 {
		return
	}

	a.dataLock.Acquire()
	for idx, end := int(frame-a.base), int(frame-a.base)+int(order.Pages()); idx < end; idx++ {
		if a.data[idx] != nil {
			clear(a.data[idx])
		}
	}
	a.dataLock.Release()
}

// reclaim runs the reclaimer or, if another allocation already started a
// pass, blocks until that pass completes. It returns true if the caller
// should retry its allocation.
func (a *Allocator) reclaim(pages uint64) bool {
	if a.reclaimFn == nil {
		return false
	}

	a.reclaimLock.Acquire()
	if done := a.reclaimDone; done != nil {
		a.reclaimLock.Release()
		atomic.AddUint64(&a.reclaimWaits, 1)
		<-done
		return true
	}
	done := make(chan struct{})
	a.reclaimDone = done
	a.reclaimLock.Release()

	atomic.AddUint64(&a.reclaimRuns, 1)
	released := a.reclaimFn(pages)
	log.Debugf("reclaim pass released %d frames", released)

	a.reclaimLock.Acquire()
	a.reclaimDone = nil
	a.reclaimLock.Release()
	close(done)
	return released > 0
}

// lookup returns the zone and arena index for a managed frame.
func (a *Allocator) lookup(frame mm.Frame) (*Zone, int, error) {
	if frame < a.base || frame >= a.base+mm.Frame(len(a.descs)) {
		return nil, 0, errBadFrame
	}

	idx := int(frame - a.base)
	d := &a.descs[idx]
	if d.zone < 0 || d.flags&FrameReserved != 0 {
		return nil, 0, errBadFrame
	}
	return a.zones[d.zone], idx, nil
}

// Free returns a block of 2^order frames that was obtained from Allocate.
// Frames with more than one reference must be released with Put. Freeing a
// frame that is already free is an unrecoverable inconsistency.
func (a *Allocator) Free(frame mm.Frame, order mm.PageOrder) error {
	if order >= mm.MaxPageOrder {
		return errInvalidOrder
	}

	z, idx, err := a.lookup(frame)
	if err != nil {
		return errors.Wrapf(err, "free frame 0x%x", frame.Address())
	}

	z.lock.Acquire()
	if _, isFree := a.freeBlockContaining(z, idx); isFree {
		z.lock.Release()
		err = errors.Wrapf(errDoubleFree, "frame 0x%x", frame.Address())
		kfmt.Panic(err)
		return err
	}

	d := &a.descs[idx]
	if d.flags&FrameAllocated == 0 || d.order != order {
		z.lock.Release()
		return errBadFree
	}
	if d.refs > 1 {
		refs := d.refs
		z.lock.Release()
		return errors.Wrapf(errStillShared, "frame 0x%x has %d references", frame.Address(), refs)
	}

	*d = frameDesc{zone: d.zone}
	a.freeBlock(z, frame, order)
	z.lock.Release()
	return nil
}

// Get increments the reference count of an allocated frame.
func (a *Allocator) Get(frame mm.Frame) error {
	z, idx, err := a.lookup(frame)
	if err != nil {
		return err
	}

	z.lock.Acquire()
	defer z.lock.Release()

	d := &a.descs[idx]
	if d.flags&FrameAllocated == 0 {
		return errNotAllocated
	}
	d.refs++
	return nil
}

// Put decrements the reference count of an allocated frame and frees the
// block it heads once the count drops to zero. It returns true if the block
// was freed.
func (a *Allocator) Put(frame mm.Frame) (bool, error) {
	z, idx, err := a.lookup(frame)
	if err != nil {
		return false, err
	}

	z.lock.Acquire()
	d := &a.descs[idx]
	if d.flags&FrameAllocated == 0 || d.refs <= 0 {
		z.lock.Release()
		err = errors.Wrapf(errRefUnderflow, "frame 0x%x", frame.Address())
		kfmt.Panic(err)
		return false, err
	}

	if d.refs--; d.refs > 0 {
		z.lock.Release()
		return false, nil
	}

	order := d.order
	*d = frameDesc{zone: d.zone}
	a.freeBlock(z, frame, order)
	z.lock.Release()
	return true, nil
}

// Refs returns the reference count of a frame.
func (a *Allocator) Refs(frame mm.Frame) int32 {
	z, idx, err := a.lookup(frame)
	if err != nil {
		return 0
	}

	z.lock.Acquire()
	defer z.lock.Release()
	return a.descs[idx].refs
}

// SetOwner records the allocator that owns an allocated frame.
func (a *Allocator) SetOwner(frame mm.Frame, owner Owner, id uint32) error {
	z, idx, err := a.lookup(frame)
	if err != nil {
		return err
	}

	z.lock.Acquire()
	defer z.lock.Release()

	d := &a.descs[idx]
	if d.flags&FrameAllocated == 0 {
		return errNotAllocated
	}
	d.owner, d.ownerID = owner, id
	return nil
}

// Owner returns the owner of a frame and the owner-specific id.
func (a *Allocator) Owner(frame mm.Frame) (Owner, uint32) {
	z, idx, err := a.lookup(frame)
	if err != nil {
		return OwnerNone, 0
	}

	z.lock.Acquire()
	defer z.lock.Release()
	d := &a.descs[idx]
	return d.owner, d.ownerID
}

// SetFlags sets the given state flags on a frame.
func (a *Allocator) SetFlags(frame mm.Frame, flags FrameFlag) {
	a.updateFlags(frame, flags, 0)
}

// ClearFlags clears the given state flags on a frame.
func (a *Allocator) ClearFlags(frame mm.Frame, flags FrameFlag) {
	a.updateFlags(frame, 0, flags)
}

func (a *Allocator) updateFlags(frame mm.Frame, set, clr FrameFlag) {
	// Allocator-managed flags cannot be altered by callers
	const managed = FrameFree | FrameReserved | FrameAllocated
	set, clr = set&^managed, clr&^managed

	z, idx, err := a.lookup(frame)
	if err != nil {
		return
	}

	z.lock.Acquire()
	a.descs[idx].flags = (a.descs[idx].flags | set) &^ clr
	z.lock.Release()
}

// Flags returns the state flags of a frame.
func (a *Allocator) Flags(frame mm.Frame) FrameFlag {
	if frame < a.base || frame >= a.base+mm.Frame(len(a.descs)) {
		return FrameReserved
	}

	d := &a.descs[frame-a.base]
	if d.zone < 0 {
		return d.flags
	}

	z := a.zones[d.zone]
	z.lock.Acquire()
	defer z.lock.Release()
	return d.flags
}

// NodeOf returns the NUMA node that owns a frame or -1 if the frame is not
// managed.
func (a *Allocator) NodeOf(frame mm.Frame) int {
	z, _, err := a.lookup(frame)
	if err != nil {
		return -1
	}
	return z.node
}

// ZoneOf returns the type of the zone containing frame.
func (a *Allocator) ZoneOf(frame mm.Frame) (ZoneType, bool) {
	z, _, err := a.lookup(frame)
	if err != nil {
		return 0, false
	}
	return z.typ, true
}

// Zones returns the zones managed by the allocator.
func (a *Allocator) Zones() []*Zone {
	return append([]*Zone(nil), a.zones...)
}

// FrameData returns the contents of a frame. The returned slice stays valid
// for the lifetime of the allocator unless BlockData relocates the frame.
func (a *Allocator) FrameData(frame mm.Frame) []byte {
	if frame < a.base || frame >= a.base+mm.Frame(len(a.data)) {
		return nil
	}

	idx := int(frame - a.base)
	a.dataLock.Acquire()
	buf := a.data[idx]
	if buf == nil {
		buf = make([]byte, mm.PageSize)
		a.data[idx] = buf
	}
	a.dataLock.Release()
	return buf
}

// BlockData returns the contents of the 2^order frames starting at frame
// as a single slice. Frames of the block that already hold data are copied
// into it; slices obtained from FrameData for those frames before the call
// no longer alias the block.
func (a *Allocator) BlockData(frame mm.Frame, order mm.PageOrder) []byte {
	pages := int(order.Pages())
	if frame < a.base || int(frame-a.base)+pages > len(a.data) {
		return nil
	}
	if order == 0 {
		return a.FrameData(frame)
	}

	var (
		idx      = int(frame - a.base)
		pageSize = int(mm.PageSize)
	)

	a.dataLock.Acquire()
	defer a.dataLock.Release()

	if buf := a.contiguousData(idx, pages); buf != nil {
		return buf
	}

	buf := make([]byte, pages*pageSize)
	for i := 0; i < pages; i++ {
		page := buf[i*pageSize : (i+1)*pageSize]
		if old := a.data[idx+i]; old != nil {
			copy(page, old)
		}
		a.data[idx+i] = page
	}
	return buf
}

// contiguousData returns the block data of the pages frames starting at
// arena index idx if an earlier BlockData call already laid them out
// contiguously. The data lock must be held.
func (a *Allocator) contiguousData(idx, pages int) []byte {
	pageSize := int(mm.PageSize)
	first := a.data[idx]
	if first == nil || cap(first) < pages*pageSize {
		return nil
	}

	buf := first[:pages*pageSize]
	for i := 1; i < pages; i++ {
		if page := a.data[idx+i]; page == nil || &page[0] != &buf[i*pageSize] {
			return nil
		}
	}
	return buf
}

// CopyFrame copies the contents of src into dst.
func (a *Allocator) CopyFrame(dst, src mm.Frame) {
	copy(a.FrameData(dst), a.FrameData(src))
}

// ZeroFrame clears the contents of a frame.
func (a *Allocator) ZeroFrame(frame mm.Frame) {
	if frame < a.base || frame >= a.base+mm.Frame(len(a.data)) {
		return
	}

	a.dataLock.Acquire()
	if buf := a.data[frame-a.base]; buf != nil {
		clear(buf)
	}
	a.dataLock.Release()
}

// FreePages returns the number of free frames across all zones.
func (a *Allocator) FreePages() uint64 {
	var free uint64
	for _, z := range a.zones {
		z.lock.Acquire()
		free += z.freePages
		z.lock.Release()
	}
	return free
}

// ManagedPages returns the number of frames managed by the allocator.
func (a *Allocator) ManagedPages() uint64 {
	var managed uint64
	for _, z := range a.zones {
		managed += z.managed
	}
	return managed
}

// Verify checks the buddy invariants of every zone.
func (a *Allocator) Verify() error {
	var result *multierror.Error
	for _, z := range a.zones {
		if err := a.verify(z); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
