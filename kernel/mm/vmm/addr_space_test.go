package vmm

import (
	"bytes"
	"testing"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/tlb"
	"github.com/nassro199/Horizon-sub003/kernel/task"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()

	frames, err := pmm.New(pmm.Options{
		MemoryMap: []pmm.Region{{Start: 0, Length: uint64(8 * mm.Mb), Type: pmm.RegionAvailable}},
		DMALimit:  uint64(mm.Mb),
	})
	if err != nil {
		t.Fatal(err)
	}

	opts.PMM = frames
	if opts.Scheduler == nil {
		opts.Scheduler = task.NewRecorder()
	}

	reg, err := NewRegistry(opts)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestSpace(t *testing.T, reg *Registry) *AddressSpace {
	t.Helper()

	as, err := reg.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	return as
}

func mustMap(t *testing.T, as *AddressSpace, hint, length uintptr, prot Prot, backing Backing, flags MapFlag) Region {
	t.Helper()

	r, err := as.Map(hint, length, prot, backing, flags)
	if err != nil {
		t.Fatal(err)
	}
	return r
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

func TestNewRegistryErrors(t *testing.T) {
	if _, err := NewRegistry(Options{}); err != errNoAllocator {
		t.Fatalf("expected error %v; got %v", errNoAllocator, err)
	}
}

func TestMap(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	as := newTestSpace(t, reg)

	r1 := mustMap(t, as, 0, 3*mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)
	if r1.Start != UserBase || r1.Len() != 3*mm.PageSize {
		t.Fatalf("expected first region at 0x%x with 3 pages; got %+v", UserBase, r1)
	}

	// Lengths are rounded up to whole pages
	r2 := mustMap(t, as, 0, 10, ProtRead, Anonymous(), 0)
	if exp := r1.End; r2.Start != exp || r2.Len() != mm.PageSize {
		t.Fatalf("expected second region at 0x%x with 1 page; got %+v", exp, r2)
	}

	fixed := mustMap(t, as, 0x10000000, mm.PageSize, ProtRead, Anonymous(), MapFixed)
	if fixed.Start != 0x10000000 {
		t.Fatalf("expected fixed mapping at 0x10000000; got 0x%x", fixed.Start)
	}

	// A hint inside an existing region moves past it
	r3 := mustMap(t, as, r1.Start+mm.PageSize, mm.PageSize, ProtRead, Anonymous(), 0)
	if exp := r2.End; r3.Start != exp {
		t.Fatalf("expected region at 0x%x; got 0x%x", exp, r3.Start)
	}

	regions := as.Regions()
	if exp, got := 4, len(regions); got != exp {
		t.Fatalf("expected %d regions; got %d", exp, got)
	}
	for i := 1; i < len(regions); i++ {
		if regions[i-1].End > regions[i].Start {
			t.Fatalf("expected sorted non-overlapping regions; got %+v", regions)
		}
	}

	if !r1.Contains(r1.Start) || r1.Contains(r1.End) {
		t.Fatal("expected regions to be half-open ranges")
	}
}

func TestMapErrors(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	as := newTestSpace(t, reg)
	mustMap(t, as, 0x10000000, 2*mm.PageSize, ProtRead, Anonymous(), MapFixed)

	specs := []struct {
		descr   string
		hint    uintptr
		length  uintptr
		backing Backing
		flags   MapFlag
		expErr  *kernel.Error
	}{
		{"zero length", 0, 0, Anonymous(), 0, errZeroLength},
		{"unaligned hint", 0x10000001, mm.PageSize, Anonymous(), 0, errUnaligned},
		{"unaligned file offset", 0, mm.PageSize, FileBacked(1, 10), 0, errUnaligned},
		{"no filesystem", 0, mm.PageSize, FileBacked(1, 0), 0, errNoFileSystem},
		{"no shared object", 0, mm.PageSize, Backing{Kind: BackingShared}, 0, errNoSharedObject},
		{"fixed overlap", 0x10000000 + mm.PageSize, mm.PageSize, Anonymous(), MapFixed, errOverlap},
		{"fixed out of range", UserTop, mm.PageSize, Anonymous(), MapFixed, errOutOfRange},
		{"fixed null page", 0, mm.PageSize, Anonymous(), MapFixed, errOutOfRange},
		{"fixed below user base", UserBase - mm.PageSize, 2 * mm.PageSize, Anonymous(), MapFixed, errOutOfRange},
		{"no free range", UserTop - mm.PageSize, 2 * mm.PageSize, Anonymous(), 0, errNoFreeRange},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			if _, err := as.Map(spec.hint, spec.length, ProtRead, spec.backing, spec.flags); kernelErr(err) != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}

	if exp, got := 1, len(as.Regions()); got != exp {
		t.Fatalf("expected failed mappings to leave %d region; got %d", exp, got)
	}
}

func TestReadWrite(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	as := newTestSpace(t, reg)
	r := mustMap(t, as, 0, 2*mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)

	buf := make([]byte, 16)
	if err := as.Read(0, r.Start+100, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, make([]byte, 16)) {
		t.Fatalf("expected anonymous memory to be zero-filled; got %v", buf)
	}

	// The write straddles the page boundary
	data := []byte("hello, paged world")
	addr := r.Start + mm.PageSize - 5
	if err := as.Write(0, addr, data); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(data))
	if err := as.Read(0, addr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected to read back %q; got %q", data, got)
	}

	if exp, got := 2, as.ResidentCount(); got != exp {
		t.Fatalf("expected %d resident pages; got %d", exp, got)
	}

	phys, err := as.Translate(addr)
	if err != nil {
		t.Fatal(err)
	}
	frame := mm.FrameFromAddress(phys)
	if exp, got := "hello", string(reg.PMM().FrameData(frame)[mm.PageSize-5:]); got != exp {
		t.Fatalf("expected frame to hold %q; got %q", exp, got)
	}

	if _, err = as.Translate(r.End + mm.PageSize); err != ErrInvalidMapping {
		t.Fatalf("expected error %v; got %v", ErrInvalidMapping, err)
	}
}

func TestFirstTouchFrameAccounting(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	as := newTestSpace(t, reg)
	r := mustMap(t, as, 0, mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)

	freeBefore := reg.PMM().FreePages()
	tablesBefore := reg.Stats().PageTables

	if err := as.Write(0, r.Start, []byte{1}); err != nil {
		t.Fatal(err)
	}

	freeDelta := int(freeBefore - reg.PMM().FreePages())
	tableDelta := reg.Stats().PageTables - tablesBefore
	if exp, got := 1, freeDelta-tableDelta; got != exp {
		t.Fatalf("expected first touch to consume %d data frame; free delta %d, table delta %d", exp, freeDelta, tableDelta)
	}

	// A second access to the same page consumes nothing
	freeBefore = reg.PMM().FreePages()
	if err := as.Write(0, r.Start+1, []byte{2}); err != nil {
		t.Fatal(err)
	}
	if got := reg.PMM().FreePages(); got != freeBefore {
		t.Fatalf("expected no allocation on a resident page; free pages went from %d to %d", freeBefore, got)
	}
}

func TestUnmapSplitsRegions(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	as := newTestSpace(t, reg)
	r := mustMap(t, as, 0, 4*mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)

	for page := uintptr(0); page < 4; page++ {
		if err := as.Write(0, r.Start+page*mm.PageSize, []byte{byte(page + 1)}); err != nil {
			t.Fatal(err)
		}
	}

	freeBefore := reg.PMM().FreePages()
	if err := as.Unmap(r.Start+mm.PageSize, 2*mm.PageSize); err != nil {
		t.Fatal(err)
	}

	if exp, got := freeBefore+2, reg.PMM().FreePages(); got != exp {
		t.Fatalf("expected unmap to release 2 frames; free pages %d, expected %d", got, exp)
	}

	regions := as.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected the region to be split in two; got %+v", regions)
	}
	if regions[0].Start != r.Start || regions[0].End != r.Start+mm.PageSize {
		t.Fatalf("unexpected lower region: %+v", regions[0])
	}
	if regions[1].Start != r.Start+3*mm.PageSize || regions[1].End != r.End {
		t.Fatalf("unexpected upper region: %+v", regions[1])
	}

	buf := make([]byte, 1)
	if err := as.Read(0, r.Start+3*mm.PageSize, buf); err != nil || buf[0] != 4 {
		t.Fatalf("expected the upper region to keep its contents; got %v (err: %v)", buf, err)
	}

	if exp, got := 2, as.ResidentCount(); got != exp {
		t.Fatalf("expected %d resident pages; got %d", exp, got)
	}

	specs := []struct {
		addr, length uintptr
		expErr       *kernel.Error
	}{
		{r.Start, 0, errZeroLength},
		{r.Start + 1, mm.PageSize, errUnaligned},
		{UserTop, 2 * mm.PageSize, errOutOfRange},
	}
	for _, spec := range specs {
		if err := as.Unmap(spec.addr, spec.length); kernelErr(err) != spec.expErr {
			t.Fatalf("expected error %v; got %v", spec.expErr, err)
		}
	}

	// Unmapping a hole is a no-op
	if err := as.Unmap(r.Start+mm.PageSize, mm.PageSize); err != nil {
		t.Fatal(err)
	}
}

func TestProtect(t *testing.T) {
	sched := task.NewRecorder()
	reg := newTestRegistry(t, Options{Scheduler: sched})
	as := newTestSpace(t, reg)
	r := mustMap(t, as, 0, 3*mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)

	if err := as.Write(0, r.Start+mm.PageSize, []byte{1}); err != nil {
		t.Fatal(err)
	}

	if err := as.Protect(r.Start+mm.PageSize, mm.PageSize, ProtRead); err != nil {
		t.Fatal(err)
	}

	regions := as.Regions()
	if exp, got := 3, len(regions); got != exp {
		t.Fatalf("expected protect to split the region in %d; got %d", exp, got)
	}
	if regions[1].Prot != ProtRead {
		t.Fatalf("expected middle region to be read-only; got %s", regions[1].Prot)
	}

	sched.SetCurrent(0, 7)
	err := as.Write(0, r.Start+mm.PageSize, []byte{2})
	if kernelErr(err) != errProtection {
		t.Fatalf("expected error %v; got %v", errProtection, err)
	}
	if sigs := sched.Signals(7); len(sigs) != 1 || sigs[0] != task.SIGSEGV {
		t.Fatalf("expected task to receive SIGSEGV; got %v", sigs)
	}

	buf := make([]byte, 1)
	if err = as.Read(0, r.Start+mm.PageSize, buf); err != nil || buf[0] != 1 {
		t.Fatalf("expected reads to keep working; got %v (err: %v)", buf, err)
	}

	if err = as.Protect(r.Start, 2*mm.PageSize, ProtRead|ProtWrite); err != nil {
		t.Fatal(err)
	}
	if err = as.Write(0, r.Start+mm.PageSize, []byte{3}); err != nil {
		t.Fatal(err)
	}

	if err = as.Protect(r.End, mm.PageSize, ProtRead); kernelErr(err) != errNotMappedRange {
		t.Fatalf("expected error %v; got %v", errNotMappedRange, err)
	}
}

func TestUnmapShootsDownRemoteTLBs(t *testing.T) {
	sched := task.NewRecorder()
	tlbs := tlb.New(tlb.Options{CPUs: 2})
	reg := newTestRegistry(t, Options{TLB: tlbs, Scheduler: sched})
	as := newTestSpace(t, reg)
	r := mustMap(t, as, 0, mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)
	page := mm.PageFromAddress(r.Start)

	if err := as.Write(0, r.Start, []byte{42}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1)
	if err := as.Read(1, r.Start, buf); err != nil || buf[0] != 42 {
		t.Fatalf("expected cpu 1 to observe the write; got %v (err: %v)", buf, err)
	}

	for id := cpu.ID(0); id < 2; id++ {
		if _, ok := tlbs.Lookup(id, as.ASID(), page); !ok {
			t.Fatalf("expected cpu %d to cache the translation", id)
		}
	}

	if err := as.Unmap(r.Start, mm.PageSize); err != nil {
		t.Fatal(err)
	}

	for id := cpu.ID(0); id < 2; id++ {
		if _, ok := tlbs.Lookup(id, as.ASID(), page); ok {
			t.Fatalf("expected cpu %d translation to be shot down", id)
		}
	}

	sched.SetCurrent(1, 9)
	if err := as.Read(1, r.Start, buf); kernelErr(err) != errNoRegion {
		t.Fatalf("expected error %v; got %v", errNoRegion, err)
	}
	if sigs := sched.Signals(9); len(sigs) != 1 || sigs[0] != task.SIGSEGV {
		t.Fatalf("expected task to receive SIGSEGV; got %v", sigs)
	}
}

func TestDestroy(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	freeBefore := reg.PMM().FreePages()

	as := newTestSpace(t, reg)
	r := mustMap(t, as, 0, 4*mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)
	mustMap(t, as, 0x40000000, mm.PageSize, ProtRead, Anonymous(), MapFixed)

	for page := uintptr(0); page < 4; page++ {
		if err := as.Write(0, r.Start+page*mm.PageSize, []byte{1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := as.Read(0, 0x40000000, make([]byte, 1)); err != nil {
		t.Fatal(err)
	}

	if err := as.Destroy(); err != nil {
		t.Fatal(err)
	}

	// Region descriptors may keep their slab cached
	reg.slab.ShrinkAll()
	if got := reg.PMM().FreePages(); got != freeBefore {
		t.Fatalf("expected destroy to release every frame; free pages %d, expected %d", got, freeBefore)
	}

	if err := as.Destroy(); err != errDestroyed {
		t.Fatalf("expected error %v; got %v", errDestroyed, err)
	}
	if _, err := as.Map(0, mm.PageSize, ProtRead, Anonymous(), 0); err != errDestroyed {
		t.Fatalf("expected error %v; got %v", errDestroyed, err)
	}
	if reg.Lookup(as.ID()) != nil {
		t.Fatal("expected destroyed address space to be unregistered")
	}
	if exp, got := 0, reg.Stats().AddressSpaces; got != exp {
		t.Fatalf("expected %d address spaces; got %d", exp, got)
	}
}
