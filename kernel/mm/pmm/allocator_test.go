package pmm

import (
	"math/rand"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
)

var testMemoryMap = []Region{
	{Start: 0, Length: 640 * uint64(mm.Kb), Type: RegionAvailable},
	{Start: 640 * uint64(mm.Kb), Length: 384 * uint64(mm.Kb), Type: RegionReserved},
	{Start: uint64(mm.Mb), Length: 7 * uint64(mm.Mb), Type: RegionAvailable},
}

func testOptions() Options {
	return Options{
		MemoryMap:   testMemoryMap,
		KernelStart: uintptr(mm.Mb),
		KernelEnd:   uintptr(mm.Mb + 64*mm.Kb),
		DMALimit:    uint64(2 * mm.Mb),
		NormalLimit: uint64(4 * mm.Mb),
	}
}

func newTestAllocator(t *testing.T, opts Options) *Allocator {
	t.Helper()
	alloc, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return alloc
}

func zoneStats(t *testing.T, alloc *Allocator, zt ZoneType) ZoneStats {
	t.Helper()
	for _, zs := range alloc.Stats().Zones {
		if zs.Zone == zt.String() {
			return zs
		}
	}
	t.Fatalf("zone %s not found", zt)
	return ZoneStats{}
}

func TestNew(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())

	specs := []struct {
		zone       ZoneType
		expManaged uint64
	}{
		// 160 frames below 640K + 256 frames in [1M, 2M) - 16 kernel frames
		{ZoneDMA, 400},
		{ZoneNormal, 512},
		{ZoneHigh, 1024},
	}

	for _, spec := range specs {
		zs := zoneStats(t, alloc, spec.zone)
		if zs.Managed != spec.expManaged {
			t.Errorf("expected zone %s to manage %d pages; got %d", spec.zone, spec.expManaged, zs.Managed)
		}
		if zs.Free != zs.Managed {
			t.Errorf("expected all pages in zone %s to be free; got %d/%d", spec.zone, zs.Free, zs.Managed)
		}
	}

	if exp, got := uint64(1936), alloc.ManagedPages(); got != exp {
		t.Fatalf("expected %d managed pages; got %d", exp, got)
	}

	for _, frame := range []mm.Frame{
		mm.FrameFromAddress(uintptr(700 * mm.Kb)),
		mm.FrameFromAddress(uintptr(mm.Mb)),
	} {
		if alloc.Flags(frame)&FrameReserved == 0 {
			t.Errorf("expected frame 0x%x to be reserved", frame.Address())
		}
	}

	if err := alloc.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestNewErrors(t *testing.T) {
	specs := []struct {
		descr  string
		opts   Options
		expErr *kernel.Error
	}{
		{"no usable memory", Options{MemoryMap: []Region{{Start: 0, Length: 100, Type: RegionAvailable}}}, errNoUsableMemory},
		{"bad zone limits", Options{MemoryMap: testMemoryMap, DMALimit: uint64(4 * mm.Mb), NormalLimit: uint64(2 * mm.Mb)}, errBadZoneLimits},
		{"empty node range", Options{MemoryMap: testMemoryMap, Nodes: []NodeRange{{Node: 0, Start: 10, End: 10}}}, errBadNodeRange},
		{"overlapping node ranges", Options{MemoryMap: testMemoryMap, Nodes: []NodeRange{
			{Node: 0, Start: 0, End: uint64(8 * mm.Mb)},
			{Node: 1, Start: uint64(6 * mm.Mb), End: uint64(8 * mm.Mb)},
		}}, errBadNodeRange},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			if _, err := New(spec.opts); kernelErr(err) != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}
}

func kernelErr(err error) *kernel.Error {
	for err != nil {
		if kerr, ok := err.(*kernel.Error); ok {
			return kerr
		}
		causer, ok := err.(interface{ Cause() error })
		if !ok {
			return nil
		}
		err = causer.Cause()
	}
	return nil
}

func TestAllocateFreeReuse(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())
	freeBefore := alloc.FreePages()

	first, err := alloc.Allocate(0, ZoneNormal, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err = alloc.Free(first, 0); err != nil {
		t.Fatal(err)
	}

	second, err := alloc.Allocate(0, ZoneNormal, 0)
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Fatalf("expected frame 0x%x to be reused; got 0x%x", first.Address(), second.Address())
	}

	if err = alloc.Free(second, 0); err != nil {
		t.Fatal(err)
	}

	if got := alloc.FreePages(); got != freeBefore {
		t.Fatalf("expected free page count to be restored to %d; got %d", freeBefore, got)
	}
}

func TestBuddySplitMerge(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())
	freeBefore := alloc.FreePages()

	type block struct {
		frame mm.Frame
		order mm.PageOrder
	}

	var (
		rng    = rand.New(rand.NewSource(42))
		blocks []block
	)

	for i := 0; i < 500; i++ {
		if len(blocks) > 0 && rng.Intn(3) == 0 {
			victim := rng.Intn(len(blocks))
			if err := alloc.Free(blocks[victim].frame, blocks[victim].order); err != nil {
				t.Fatal(err)
			}
			blocks = append(blocks[:victim], blocks[victim+1:]...)
		} else {
			order := mm.PageOrder(rng.Intn(4))
			zone := ZoneType(rng.Intn(int(zoneTypeCount)))
			frame, err := alloc.Allocate(order, zone, FlagNoReclaim)
			if err != nil {
				continue
			}

			if frame.Address()&((uintptr(1)<<order)*mm.PageSize-1) != 0 && zone != ZoneDMA {
				t.Fatalf("expected order %d block 0x%x to be naturally aligned", order, frame.Address())
			}
			blocks = append(blocks, block{frame, order})
		}

		if err := alloc.Verify(); err != nil {
			t.Fatalf("after op %d: %v", i, err)
		}
	}

	for _, b := range blocks {
		if err := alloc.Free(b.frame, b.order); err != nil {
			t.Fatal(err)
		}
	}

	if got := alloc.FreePages(); got != freeBefore {
		t.Fatalf("expected free page count to be restored to %d; got %d", freeBefore, got)
	}

	// With every frame free, the Normal and High zones must merge back into
	// blocks of the largest order.
	for _, zt := range []ZoneType{ZoneNormal, ZoneHigh} {
		zs := zoneStats(t, alloc, zt)
		if got := zs.FreeBlocks[mm.MaxPageOrder-1] * (mm.MaxPageOrder - 1).Pages(); got != zs.Managed {
			t.Errorf("expected zone %s to be fully merged; free blocks: %v", zt, zs.FreeBlocks)
		}
	}

	if err := alloc.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestZoneFallback(t *testing.T) {
	t.Run("DMA requests stay in DMA", func(t *testing.T) {
		alloc := newTestAllocator(t, testOptions())

		var count uint64
		for {
			frame, err := alloc.Allocate(0, ZoneDMA, FlagHighPriority|FlagNoReclaim)
			if err != nil {
				if !kernel.IsKind(err, kernel.KindExhausted) {
					t.Fatalf("expected an exhaustion error; got %v", err)
				}
				break
			}
			if zt, _ := alloc.ZoneOf(frame); zt != ZoneDMA {
				t.Fatalf("expected DMA frame; got frame from zone %s", zt)
			}
			count++
		}

		if exp := zoneStats(t, alloc, ZoneDMA).Managed; count != exp {
			t.Fatalf("expected %d DMA allocations; got %d", exp, count)
		}

		if zoneStats(t, alloc, ZoneNormal).Free != 512 {
			t.Fatal("expected DMA requests never to touch the Normal zone")
		}
	})

	t.Run("Normal requests fall back to High", func(t *testing.T) {
		alloc := newTestAllocator(t, testOptions())

		var perZone [zoneTypeCount]uint64
		for {
			frame, err := alloc.Allocate(0, ZoneNormal, FlagHighPriority|FlagNoReclaim)
			if err != nil {
				break
			}
			zt, _ := alloc.ZoneOf(frame)
			perZone[zt]++
		}

		if perZone[ZoneDMA] != 0 {
			t.Fatalf("expected Normal requests never to fall back to DMA; got %d frames", perZone[ZoneDMA])
		}
		if perZone[ZoneNormal] != 512 || perZone[ZoneHigh] != 1024 {
			t.Fatalf("expected 512 Normal and 1024 High frames; got %v", perZone)
		}
	})

	t.Run("High requests never fall back", func(t *testing.T) {
		alloc := newTestAllocator(t, testOptions())

		for {
			frame, err := alloc.Allocate(0, ZoneHigh, FlagHighPriority|FlagNoReclaim)
			if err != nil {
				break
			}
			if zt, _ := alloc.ZoneOf(frame); zt != ZoneHigh {
				t.Fatalf("expected High frame; got frame from zone %s", zt)
			}
		}

		if zoneStats(t, alloc, ZoneNormal).Free != 512 {
			t.Fatal("expected High requests never to touch the Normal zone")
		}
	})
}

func TestWatermarks(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())

	for {
		if _, err := alloc.Allocate(0, ZoneHigh, FlagNoReclaim); err != nil {
			break
		}
	}

	zs := zoneStats(t, alloc, ZoneHigh)
	if zs.Free != zs.WatermarkMin {
		t.Fatalf("expected regular allocations to stop at the min watermark (%d); free: %d", zs.WatermarkMin, zs.Free)
	}

	if _, err := alloc.Allocate(0, ZoneHigh, FlagHighPriority|FlagNoReclaim); err != nil {
		t.Fatalf("expected high priority allocation to dip below the min watermark; got %v", err)
	}
}

func TestAllocateErrors(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())

	specs := []struct {
		descr  string
		node   int
		order  mm.PageOrder
		zone   ZoneType
		expErr *kernel.Error
	}{
		{"order too large", 0, mm.MaxPageOrder, ZoneNormal, errInvalidOrder},
		{"unknown zone", 0, 0, zoneTypeCount, errInvalidZone},
		{"unknown node", 3, 0, ZoneNormal, errInvalidNode},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			frame, err := alloc.AllocateOnNode(spec.node, spec.order, spec.zone, 0)
			if err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
			if frame.Valid() {
				t.Fatal("expected an invalid frame")
			}
		})
	}
}

func TestFreeErrors(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())

	frame, err := alloc.Allocate(1, ZoneNormal, 0)
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		descr  string
		frame  mm.Frame
		order  mm.PageOrder
		expErr *kernel.Error
	}{
		{"order too large", frame, mm.MaxPageOrder, errInvalidOrder},
		{"reserved frame", mm.FrameFromAddress(uintptr(700 * mm.Kb)), 0, errBadFrame},
		{"frame outside memory", mm.FrameFromAddress(uintptr(64 * mm.Mb)), 0, errBadFrame},
		{"order mismatch", frame, 0, errBadFree},
		{"not a block head", frame + 1, 1, errBadFree},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			if err := alloc.Free(spec.frame, spec.order); kernelErr(err) != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}

	if err = alloc.Free(frame, 1); err != nil {
		t.Fatal(err)
	}
}

func TestDoubleFreeHalts(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())

	frame, err := alloc.Allocate(0, ZoneNormal, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err = alloc.Free(frame, 0); err != nil {
		t.Fatal(err)
	}

	defer func() {
		if r := recover(); r != cpu.ErrHalted {
			t.Fatalf("expected double free to halt the system; got %v", r)
		}
	}()

	_ = alloc.Free(frame, 0)
	t.Fatal("expected double free not to return")
}

func TestRefCounts(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())
	freeBefore := alloc.FreePages()

	frame, err := alloc.Allocate(0, ZoneNormal, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err = alloc.Get(frame); err != nil {
		t.Fatal(err)
	}

	if exp, got := int32(2), alloc.Refs(frame); got != exp {
		t.Fatalf("expected refcount %d; got %d", exp, got)
	}

	if err = alloc.Free(frame, 0); kernelErr(err) != errStillShared {
		t.Fatalf("expected freeing a shared frame to fail with %v; got %v", errStillShared, err)
	}

	if exp, got := int32(2), alloc.Refs(frame); got != exp {
		t.Fatalf("expected refcount to stay at %d after the rejected free; got %d", exp, got)
	}

	if freed, err := alloc.Put(frame); err != nil || freed {
		t.Fatalf("expected first Put not to free the frame; freed: %t, err: %v", freed, err)
	}

	if freed, err := alloc.Put(frame); err != nil || !freed {
		t.Fatalf("expected second Put to free the frame; freed: %t, err: %v", freed, err)
	}

	if got := alloc.FreePages(); got != freeBefore {
		t.Fatalf("expected free page count to be restored to %d; got %d", freeBefore, got)
	}

	if err = alloc.Get(frame); err != errNotAllocated {
		t.Fatalf("expected error %v; got %v", errNotAllocated, err)
	}

	defer func() {
		if r := recover(); r != cpu.ErrHalted {
			t.Fatalf("expected refcount underflow to halt the system; got %v", r)
		}
	}()
	_, _ = alloc.Put(frame)
}

func TestOwnerAndFlags(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())

	frame, err := alloc.Allocate(0, ZoneNormal, 0)
	if err != nil {
		t.Fatal(err)
	}

	if owner, _ := alloc.Owner(frame); owner != OwnerKernel {
		t.Fatalf("expected default owner %s; got %s", OwnerKernel, owner)
	}

	if err = alloc.SetOwner(frame, OwnerSlab, 7); err != nil {
		t.Fatal(err)
	}

	if owner, id := alloc.Owner(frame); owner != OwnerSlab || id != 7 {
		t.Fatalf("expected owner slab/7; got %s/%d", owner, id)
	}

	alloc.SetFlags(frame, FrameReferenced|FrameDirty|FrameFree)
	if flags := alloc.Flags(frame); flags&(FrameReferenced|FrameDirty) != FrameReferenced|FrameDirty || flags&FrameFree != 0 {
		t.Fatalf("unexpected frame flags %b", flags)
	}

	zs := zoneStats(t, alloc, ZoneNormal)
	if zs.Active != 1 || zs.Dirty != 1 {
		t.Fatalf("expected 1 active dirty page; got active %d, dirty %d", zs.Active, zs.Dirty)
	}

	alloc.ClearFlags(frame, FrameReferenced|FrameAllocated)
	if flags := alloc.Flags(frame); flags&FrameReferenced != 0 || flags&FrameAllocated == 0 {
		t.Fatalf("unexpected frame flags %b", flags)
	}

	if zs = zoneStats(t, alloc, ZoneNormal); zs.Inactive != 1 {
		t.Fatalf("expected 1 inactive page; got %d", zs.Inactive)
	}
}

func TestZeroFill(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())

	frame, err := alloc.Allocate(0, ZoneNormal, 0)
	if err != nil {
		t.Fatal(err)
	}

	data := alloc.FrameData(frame)
	for i := range data {
		data[i] = 0xaa
	}

	if err = alloc.Free(frame, 0); err != nil {
		t.Fatal(err)
	}

	frame, err = alloc.Allocate(0, ZoneNormal, FlagZero)
	if err != nil {
		t.Fatal(err)
	}

	for i, b := range alloc.FrameData(frame) {
		if b != 0 {
			t.Fatalf("expected zero-filled frame; byte %d is 0x%x", i, b)
		}
	}

	other, err := alloc.Allocate(0, ZoneNormal, 0)
	if err != nil {
		t.Fatal(err)
	}
	alloc.FrameData(frame)[0] = 0x42
	alloc.CopyFrame(other, frame)
	if got := alloc.FrameData(other)[0]; got != 0x42 {
		t.Fatalf("expected copied byte 0x42; got 0x%x", got)
	}

	alloc.ZeroFrame(other)
	if got := alloc.FrameData(other)[0]; got != 0 {
		t.Fatalf("expected zeroed byte; got 0x%x", got)
	}
}

func TestBlockData(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())

	frame, err := alloc.Allocate(2, ZoneNormal, 0)
	if err != nil {
		t.Fatal(err)
	}
	alloc.FrameData(frame + 2)[7] = 0x5a

	block := alloc.BlockData(frame, 2)
	if exp, got := 4*int(mm.PageSize), len(block); got != exp {
		t.Fatalf("expected %d bytes; got %d", exp, got)
	}
	if got := block[2*int(mm.PageSize)+7]; got != 0x5a {
		t.Fatalf("expected existing frame contents to be kept; got 0x%x", got)
	}

	block[3*int(mm.PageSize)] = 0x11
	if got := alloc.FrameData(frame + 3)[0]; got != 0x11 {
		t.Fatalf("expected block writes to reach the frame; got 0x%x", got)
	}

	if again := alloc.BlockData(frame, 2); &again[0] != &block[0] || len(again) != len(block) {
		t.Fatal("expected the block layout to be reused")
	}

	if got := alloc.BlockData(mm.FrameFromAddress(uintptr(64*mm.Mb)), 1); got != nil {
		t.Fatalf("expected no data outside managed memory; got %d bytes", len(got))
	}
}

func TestReclaimHook(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())

	var held []mm.Frame
	for {
		frame, err := alloc.Allocate(0, ZoneHigh, FlagHighPriority|FlagNoReclaim)
		if err != nil {
			break
		}
		held = append(held, frame)
	}

	var reclaimCalls int
	alloc.SetReclaimer(func(pages uint64) uint64 {
		reclaimCalls++
		victim := held[len(held)-1]
		held = held[:len(held)-1]
		if err := alloc.Free(victim, 0); err != nil {
			t.Fatal(err)
		}
		return 1
	})

	if _, err := alloc.Allocate(0, ZoneHigh, FlagHighPriority); err != nil {
		t.Fatalf("expected allocation to succeed after reclaim; got %v", err)
	}

	if reclaimCalls != 1 {
		t.Fatalf("expected reclaimer to be called once; got %d", reclaimCalls)
	}

	alloc.SetReclaimer(func(uint64) uint64 { return 0 })
	if _, err := alloc.Allocate(0, ZoneHigh, FlagHighPriority); !kernel.IsKind(err, kernel.KindExhausted) {
		t.Fatalf("expected exhaustion error; got %v", err)
	}

	stats := alloc.Stats()
	// The allocation that exhausted the zone also counts as a failure
	if stats.ReclaimRuns != 2 || stats.FailedAllocs != 2 {
		t.Fatalf("expected 2 reclaim runs and 2 failed allocations; got %d and %d", stats.ReclaimRuns, stats.FailedAllocs)
	}
}

func TestConcurrentReclaimWaits(t *testing.T) {
	alloc := newTestAllocator(t, testOptions())

	var held []mm.Frame
	for {
		frame, err := alloc.Allocate(0, ZoneHigh, FlagHighPriority|FlagNoReclaim)
		if err != nil {
			break
		}
		held = append(held, frame)
	}

	var (
		reclaimCalls uint32
		entered      = make(chan struct{})
		release      = make(chan struct{})
	)
	alloc.SetReclaimer(func(pages uint64) uint64 {
		atomic.AddUint32(&reclaimCalls, 1)
		close(entered)
		<-release

		for _, frame := range held[len(held)-4:] {
			if err := alloc.Free(frame, 0); err != nil {
				t.Error(err)
			}
		}
		held = held[:len(held)-4]
		return 4
	})

	errCh := make(chan error, 2)
	allocate := func() {
		_, err := alloc.Allocate(0, ZoneHigh, FlagHighPriority)
		errCh <- err
	}

	go allocate()
	<-entered
	go allocate()

	// Wait until the second allocation blocks on the running pass
	for alloc.Stats().ReclaimWaits == 0 {
		runtime.Gosched()
	}
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("expected both allocations to succeed; got %v", err)
		}
	}

	if got := atomic.LoadUint32(&reclaimCalls); got != 1 {
		t.Fatalf("expected a single reclaim pass; got %d", got)
	}

	if exp, got := uint64(2), zoneStats(t, alloc, ZoneHigh).Free; got != exp {
		t.Fatalf("expected %d free frames after both allocations; got %d", exp, got)
	}
}

func TestNodes(t *testing.T) {
	opts := testOptions()
	opts.Nodes = []NodeRange{
		{Node: 0, Start: 0, End: uint64(6 * mm.Mb)},
		{Node: 1, Start: uint64(6 * mm.Mb), End: uint64(8 * mm.Mb)},
	}
	alloc := newTestAllocator(t, opts)

	if exp, got := 2, alloc.NodeCount(); got != exp {
		t.Fatalf("expected %d nodes; got %d", exp, got)
	}

	frame, err := alloc.AllocateOnNode(1, 0, ZoneHigh, 0)
	if err != nil {
		t.Fatal(err)
	}
	if node := alloc.NodeOf(frame); node != 1 {
		t.Fatalf("expected frame on node 1; got node %d", node)
	}

	for {
		if _, err = alloc.AllocateOnNode(1, 0, ZoneHigh, FlagThisNode|FlagHighPriority|FlagNoReclaim); err != nil {
			break
		}
	}

	frame, err = alloc.AllocateOnNode(1, 0, ZoneHigh, FlagHighPriority|FlagNoReclaim)
	if err != nil {
		t.Fatal(err)
	}
	if node := alloc.NodeOf(frame); node != 0 {
		t.Fatalf("expected fallback allocation on node 0; got node %d", node)
	}

	if node := alloc.NodeOf(mm.FrameFromAddress(uintptr(700 * mm.Kb))); node != -1 {
		t.Fatalf("expected reserved frame to report node -1; got %d", node)
	}
}

func TestParseRegionType(t *testing.T) {
	for _, typ := range []RegionType{RegionAvailable, RegionReserved, RegionACPIReclaimable, RegionNVS} {
		got, err := ParseRegionType(typ.String())
		if err != nil || got != typ {
			t.Errorf("expected %s to parse as %d; got %d, %v", typ, typ, got, err)
		}
	}

	if _, err := ParseRegionType("bogus"); err != errUnknownRegionType {
		t.Fatalf("expected error %v; got %v", errUnknownRegionType, err)
	}
}
