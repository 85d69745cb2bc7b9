package swap

import (
	"bytes"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/vmm"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()

	frames, err := pmm.New(pmm.Options{
		MemoryMap: []pmm.Region{{Start: 0, Length: uint64(8 * mm.Mb), Type: pmm.RegionAvailable}},
		DMALimit:  uint64(mm.Mb),
	})
	if err != nil {
		t.Fatal(err)
	}

	if opts.Registry, err = vmm.NewRegistry(vmm.Options{PMM: frames}); err != nil {
		t.Fatal(err)
	}
	if opts.Backing == nil {
		opts.Backing = NewMemStore(64, int(mm.PageSize)+1)
	}

	e, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e
}

// populate maps count anonymous pages and writes to each of them in
// address order. Page i is filled with byte i+1.
func populate(t *testing.T, e *Engine, count int) (*vmm.AddressSpace, vmm.Region) {
	t.Helper()

	as, err := e.reg.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	r, err := as.Map(0, uintptr(count)*mm.PageSize, vmm.ProtRead|vmm.ProtWrite, vmm.Anonymous(), 0)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < count; i++ {
		if err = as.Write(0, pageAddr(r, i), pageContents(i)); err != nil {
			t.Fatal(err)
		}
	}
	return as, r
}

func pageAddr(r vmm.Region, index int) uintptr {
	return r.Start + uintptr(index)*mm.PageSize
}

func pageContents(index int) []byte {
	return bytes.Repeat([]byte{byte(index + 1)}, int(mm.PageSize))
}

func touch(t *testing.T, as *vmm.AddressSpace, r vmm.Region, index int) {
	t.Helper()

	var buf [1]byte
	if err := as.Read(0, pageAddr(r, index), buf[:]); err != nil {
		t.Fatal(err)
	}
}

// indices returns the index of every page within r.
func indices(r vmm.Region, pages []vmm.ResidentPage) []int {
	list := make([]int, len(pages))
	for i, rp := range pages {
		list[i] = int((rp.Page.Address() - r.Start) / mm.PageSize)
	}
	return list
}

func residentIndices(as *vmm.AddressSpace, r vmm.Region) []int {
	return indices(r, as.ResidentPages())
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
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

func TestNewErrors(t *testing.T) {
	frames, err := pmm.New(pmm.Options{
		MemoryMap: []pmm.Region{{Start: 0, Length: uint64(4 * mm.Mb), Type: pmm.RegionAvailable}},
		DMALimit:  uint64(mm.Mb),
	})
	if err != nil {
		t.Fatal(err)
	}
	reg, err := vmm.NewRegistry(vmm.Options{PMM: frames})
	if err != nil {
		t.Fatal(err)
	}
	store := NewMemStore(1, int(mm.PageSize)+1)

	specs := []struct {
		opts   Options
		expErr *kernel.Error
	}{
		{Options{Backing: store}, errNoRegistry},
		{Options{Registry: reg}, errNoBacking},
		{Options{Registry: reg, Backing: NewMemStore(1, int(mm.PageSize))}, errSmallSlots},
		{Options{Registry: reg, Backing: store, Policy: Policy(99)}, errUnknownPolicy},
		{Options{Registry: reg, Backing: store, Prioritizer: Prioritizer(99)}, errUnknownPrioritizer},
		{Options{Registry: reg, Backing: store, Compression: Compression(99)}, errUnknownCompression},
	}

	for specIndex, spec := range specs {
		if _, err := New(spec.opts); kernelErr(err) != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestEvictAndFaultIn(t *testing.T) {
	for algo := range compressionNames {
		e := newTestEngine(t, Options{Policy: PolicyLRU, Compression: algo})
		as, r := populate(t, e, 4)

		if got := e.Reclaim(2); got != 2 {
			t.Fatalf("%s: expected 2 evicted pages; got %d", algo, got)
		}

		if exp, got := []int{2, 3}, residentIndices(as, r); !equalInts(got, exp) {
			t.Fatalf("%s: expected resident pages %v; got %v", algo, exp, got)
		}
		if got := as.SwappedPages(); got != 2 {
			t.Fatalf("%s: expected 2 swapped pages; got %d", algo, got)
		}

		stats := e.Stats()
		if stats.SwapOuts != 2 || stats.SlotsUsed != 2 {
			t.Fatalf("%s: unexpected stats after eviction: %+v", algo, stats)
		}
		if algo != CompressNone && stats.Compressed != 2 {
			t.Fatalf("%s: expected uniform pages to be stored compressed; got %+v", algo, stats)
		}

		buf := make([]byte, mm.PageSize)
		if err := as.Read(0, pageAddr(r, 0), buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, pageContents(0)) {
			t.Fatalf("%s: expected swapped-in page to hold its original contents", algo)
		}

		stats = e.Stats()
		if stats.SwapIns != 1 || stats.SlotsUsed != 1 {
			t.Fatalf("%s: unexpected stats after fault-in: %+v", algo, stats)
		}

		// Unmapping the region releases the remaining swap slot.
		if err := as.Unmap(r.Start, r.Len()); err != nil {
			t.Fatal(err)
		}
		if got := e.Stats().SlotsUsed; got != 0 {
			t.Fatalf("%s: expected unmap to release every slot; %d still in use", algo, got)
		}
	}
}

func TestReclaimToThreshold(t *testing.T) {
	e := newTestEngine(t, Options{Policy: PolicyLRU, Threshold: 3})
	as, r := populate(t, e, 5)
	touch(t, as, r, 0)

	if got := e.ReclaimToThreshold(); got != 2 {
		t.Fatalf("expected 2 evicted pages; got %d", got)
	}

	// Pages 1 and 2 were the least recently used.
	if exp, got := []int{0, 3, 4}, sortedInts(residentIndices(as, r)); !equalInts(got, exp) {
		t.Fatalf("expected resident pages %v; got %v", exp, got)
	}

	if got := e.ReclaimToThreshold(); got != 0 {
		t.Fatalf("expected no eviction at the threshold; got %d", got)
	}

	e.SetThreshold(0)
	if got := e.ReclaimToThreshold(); got != 0 {
		t.Fatalf("expected a zero threshold to disable reclaim; got %d", got)
	}
}

func sortedInts(list []int) []int {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j] < list[j-1]; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
	return list
}

func TestReclaimAcrossAddressSpaces(t *testing.T) {
	e := newTestEngine(t, Options{Policy: PolicyLRU})
	first, firstRegion := populate(t, e, 2)
	second, _ := populate(t, e, 2)
	touch(t, first, firstRegion, 0)
	touch(t, first, firstRegion, 1)

	if got := e.Reclaim(2); got != 2 {
		t.Fatalf("expected 2 evicted pages; got %d", got)
	}

	if got := second.ResidentCount(); got != 0 {
		t.Fatalf("expected the least recently used address space to be reclaimed; %d pages resident", got)
	}
	if got := first.ResidentCount(); got != 2 {
		t.Fatalf("expected recently used pages to stay resident; %d pages resident", got)
	}
}

func TestReclaimStoreFull(t *testing.T) {
	e := newTestEngine(t, Options{Policy: PolicyFIFO, Backing: NewMemStore(1, int(mm.PageSize)+1)})
	as, r := populate(t, e, 3)

	if got := e.Reclaim(3); got != 1 {
		t.Fatalf("expected 1 evicted page; got %d", got)
	}

	stats := e.Stats()
	if stats.EvictFailures == 0 || stats.SlotsUsed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// Pages whose eviction failed stay mapped with their contents.
	buf := make([]byte, mm.PageSize)
	for i := 1; i < 3; i++ {
		if err := as.Read(0, pageAddr(r, i), buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, pageContents(i)) {
			t.Fatalf("page %d: contents changed after a failed eviction", i)
		}
	}
}

func TestReclaimRateLimited(t *testing.T) {
	e := newTestEngine(t, Options{Policy: PolicyFIFO, MaxEvictionsPerSecond: 1})
	populate(t, e, 3)

	if got := e.Reclaim(3); got != 1 {
		t.Fatalf("expected the limiter to allow a single eviction; got %d", got)
	}

	if got := e.Stats().RateLimited; got != 1 {
		t.Fatalf("expected 1 rate limited eviction; got %d", got)
	}

	as, r := populate(t, e, 1)
	if _, err := e.Evict(as.ResidentPages()[0]); err != errRateLimited {
		t.Fatalf("expected error %v; got %v", errRateLimited, err)
	}
	if got := residentIndices(as, r); len(got) != 1 {
		t.Fatalf("expected rate limited page to stay resident; resident %v", got)
	}
}

func TestReclaimPolicyNone(t *testing.T) {
	e := newTestEngine(t, Options{})
	as, _ := populate(t, e, 2)

	if got := e.Reclaim(2); got != 0 {
		t.Fatalf("expected no eviction without a policy; got %d", got)
	}
	if got := as.ResidentCount(); got != 2 {
		t.Fatalf("expected 2 resident pages; got %d", got)
	}
}

func TestFaultInErrors(t *testing.T) {
	e := newTestEngine(t, Options{Policy: PolicyLRU})
	dst := make([]byte, mm.PageSize)

	for _, entry := range []vmm.SwapEntry{vmm.InvalidSwapEntry, 1, 1000} {
		if err := e.FaultIn(entry, dst); kernelErr(err) != errUnknownEntry {
			t.Errorf("entry %d: expected error %v; got %v", entry, errUnknownEntry, err)
		}
	}

	// Releasing an unknown entry is a no-op.
	e.Release(5)
	if got := e.Stats().SlotsUsed; got != 0 {
		t.Fatalf("expected no slot in use; got %d", got)
	}
}

func TestFaultInReadFailureKeepsEntry(t *testing.T) {
	store := NewMemStore(4, int(mm.PageSize)+1)
	e := newTestEngine(t, Options{Policy: PolicyLRU, Backing: store})
	_, _ = populate(t, e, 1)

	if got := e.Reclaim(1); got != 1 {
		t.Fatalf("expected 1 evicted page; got %d", got)
	}

	// Corrupt the stored record.
	if err := store.Write(0, []byte{0xff}); err != nil {
		t.Fatal(err)
	}

	dst := make([]byte, mm.PageSize)
	if err := e.FaultIn(entryFor(0), dst); kernelErr(err) != errCorruptRecord {
		t.Fatalf("expected error %v; got %v", errCorruptRecord, err)
	}

	stats := e.Stats()
	if stats.ReadFailures != 1 || stats.SlotsUsed != 1 {
		t.Fatalf("expected the entry to survive a failed read; got %+v", stats)
	}
}

// gatedStore blocks the first Write until release is closed.
type gatedStore struct {
	*MemStore

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Write(slot int, record []byte) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.MemStore.Write(slot, record)
}

func TestConcurrentReclaimWaitsForPass(t *testing.T) {
	store := &gatedStore{
		MemStore: NewMemStore(8, int(mm.PageSize)+1),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	e := newTestEngine(t, Options{Policy: PolicyFIFO, Backing: store})
	as, _ := populate(t, e, 4)

	results := make(chan int, 2)
	go func() { results <- e.Reclaim(1) }()
	<-store.entered

	// The slot is reserved but the engine lock is free during the write
	statsCh := make(chan Stats, 1)
	go func() { statsCh <- e.Stats() }()
	select {
	case stats := <-statsCh:
		if stats.SlotsUsed != 1 {
			t.Errorf("expected the slot being written to be reserved; got %d slots in use", stats.SlotsUsed)
		}
	case <-time.After(5 * time.Second):
		close(store.release)
		t.Fatal("engine lock is held while the backing store is written")
	}

	go func() { results <- e.Reclaim(1) }()
	for e.Stats().ReclaimWaits == 0 {
		runtime.Gosched()
	}
	close(store.release)

	for i := 0; i < 2; i++ {
		if got := <-results; got != 1 {
			t.Fatalf("expected each reclaim call to evict 1 page; got %d", got)
		}
	}

	if got := as.ResidentCount(); got != 2 {
		t.Fatalf("expected 2 resident pages; got %d", got)
	}

	if stats := e.Stats(); stats.ReclaimRuns != 2 || stats.ReclaimWaits != 1 {
		t.Fatalf("expected 2 reclaim runs and 1 wait; got %d and %d", stats.ReclaimRuns, stats.ReclaimWaits)
	}
}

// failingStore rejects every write.
type failingStore struct {
	*MemStore
}

var errWriteFailed = errors.New("write failed")

func (failingStore) Write(int, []byte) error { return errWriteFailed }

func TestStoreWriteFailureReleasesSlot(t *testing.T) {
	e := newTestEngine(t, Options{Policy: PolicyFIFO, Backing: failingStore{NewMemStore(2, int(mm.PageSize)+1)}})
	as, _ := populate(t, e, 1)

	if got := e.Reclaim(1); got != 0 {
		t.Fatalf("expected no eviction; got %d", got)
	}

	stats := e.Stats()
	if stats.StoreFailures != 1 || stats.SlotsUsed != 0 || stats.SwapOuts != 0 {
		t.Fatalf("expected the failed write to release its slot; got %+v", stats)
	}
	if got := as.ResidentCount(); got != 1 {
		t.Fatalf("expected the page to stay resident; got %d resident pages", got)
	}
}
