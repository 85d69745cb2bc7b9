package vmm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nassro199/Horizon-sub003/kernel/irq"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/task"
)

// testFS serves pages filled with the low byte of the file handle plus the
// page index.
type testFS struct {
	reads int
	err   error
}

func (fs *testFS) ReadPage(file FileHandle, offset uint64, dst []byte) error {
	fs.reads++
	if fs.err != nil {
		return fs.err
	}
	fill := byte(file) + byte(offset>>mm.PageShift)
	for i := range dst {
		dst[i] = fill
	}
	return nil
}

func TestFaultResult(t *testing.T) {
	specs := []struct {
		result   FaultResult
		expStr   string
		expFatal bool
	}{
		{FaultResolved, "resolved", false},
		{FaultSpurious, "spurious", false},
		{FaultSegv, "segmentation fault", true},
		{FaultBus, "bus error", true},
		{FaultOOM, "out of memory", true},
		{FaultResult(99), "unknown", true},
	}

	for _, spec := range specs {
		if got := spec.result.String(); got != spec.expStr {
			t.Errorf("expected %q; got %q", spec.expStr, got)
		}
		if got := spec.result.Fatal(); got != spec.expFatal {
			t.Errorf("%s: expected fatal %t; got %t", spec.expStr, spec.expFatal, got)
		}
	}
}

func TestHandleFault(t *testing.T) {
	sched := task.NewRecorder()
	reg := newTestRegistry(t, Options{Scheduler: sched})
	as := newTestSpace(t, reg)
	rw := mustMap(t, as, 0, mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)
	ro := mustMap(t, as, 0, mm.PageSize, ProtRead, Anonymous(), 0)
	none := mustMap(t, as, 0, mm.PageSize, ProtNone, Anonymous(), 0)

	specs := []struct {
		descr     string
		addr      uintptr
		access    AccessType
		expResult FaultResult
		expSignal bool
	}{
		{"unmapped address", rw.Start - mm.PageSize, AccessRead, FaultSegv, true},
		{"write to read-only region", ro.Start, AccessWrite, FaultSegv, true},
		{"read of inaccessible region", none.Start, AccessRead, FaultSegv, true},
		{"exec of non-executable region", rw.Start, AccessExec, FaultSegv, true},
		{"read of anonymous page", rw.Start + 8, AccessRead, FaultResolved, false},
		{"repeated read", rw.Start + 16, AccessRead, FaultSpurious, false},
		{"write after read", rw.Start, AccessWrite, FaultSpurious, false},
		{"read of read-only region", ro.Start, AccessRead, FaultResolved, false},
	}

	for i, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			tid := task.ID(100 + i)
			result, err := as.HandleFault(0, tid, spec.addr, spec.access)
			if result != spec.expResult {
				t.Fatalf("expected result %s; got %s (err: %v)", spec.expResult, result, err)
			}
			if (err != nil) != spec.expResult.Fatal() {
				t.Fatalf("unexpected error: %v", err)
			}

			sigs := sched.Signals(tid)
			if spec.expSignal && (len(sigs) != 1 || sigs[0] != task.SIGSEGV) {
				t.Fatalf("expected SIGSEGV; got %v", sigs)
			}
			if !spec.expSignal && len(sigs) != 0 {
				t.Fatalf("expected no signal; got %v", sigs)
			}
		})
	}

	stats := reg.Stats()
	if stats.Faults != uint64(len(specs)) || stats.FatalFaults != 4 || stats.SpuriousFaults != 2 {
		t.Fatalf("unexpected fault counters: %+v", stats)
	}
	if exp, got := 2, as.ResidentCount(); got != exp {
		t.Fatalf("expected %d resident pages; got %d", exp, got)
	}
}

func TestHandleFaultIdempotent(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	as := newTestSpace(t, reg)
	r := mustMap(t, as, 0, mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)

	if result, err := as.HandleFault(0, 1, r.Start, AccessWrite); err != nil || result != FaultResolved {
		t.Fatalf("expected fault to be resolved; got %s (err: %v)", result, err)
	}

	phys, err := as.Translate(r.Start)
	if err != nil {
		t.Fatal(err)
	}
	freeBefore := reg.PMM().FreePages()

	for i := 0; i < 3; i++ {
		if result, err := as.HandleFault(0, 1, r.Start, AccessWrite); err != nil || result != FaultSpurious {
			t.Fatalf("expected repeated fault to be spurious; got %s (err: %v)", result, err)
		}
	}

	if got, _ := as.Translate(r.Start); got != phys {
		t.Fatalf("expected mapping to be unchanged; got 0x%x, expected 0x%x", got, phys)
	}
	if got := reg.PMM().FreePages(); got != freeBefore {
		t.Fatal("expected repeated faults not to allocate frames")
	}
	if exp, got := 1, reg.MapCount(mm.FrameFromAddress(phys)); got != exp {
		t.Fatalf("expected frame to be mapped %d time; got %d", exp, got)
	}
}

func TestFileBackedFault(t *testing.T) {
	sched := task.NewRecorder()
	fs := &testFS{}
	reg := newTestRegistry(t, Options{Scheduler: sched, FileSystem: fs})
	as := newTestSpace(t, reg)
	r := mustMap(t, as, 0, 2*mm.PageSize, ProtRead|ProtWrite|ProtExec, FileBacked(3, uint64(mm.PageSize)), 0)

	buf := make([]byte, 4)
	if err := as.Fetch(0, r.Start+mm.PageSize, buf); err != nil {
		t.Fatal(err)
	}

	// Page 1 of the region is page 2 of the file
	if exp := bytes.Repeat([]byte{5}, 4); !bytes.Equal(buf, exp) {
		t.Fatalf("expected file contents %v; got %v", exp, buf)
	}

	if exp, got := 1, fs.reads; got != exp {
		t.Fatalf("expected %d file read; got %d", exp, got)
	}
	if sched.Blocked(task.Kernel) {
		t.Fatal("expected the faulting task to be woken after the read")
	}

	var blocks int
	for _, ev := range sched.Events() {
		if ev.Kind == task.EventBlock && ev.Reason == "file read" {
			blocks++
		}
	}
	if blocks != 1 {
		t.Fatalf("expected the task to block once for the file read; got %d", blocks)
	}

	if exp, got := uint64(1), reg.Stats().MajorFaults; got != exp {
		t.Fatalf("expected %d major fault; got %d", exp, got)
	}

	// Writes stay private to the address space
	if err := as.Write(0, r.Start+mm.PageSize, []byte{9}); err != nil {
		t.Fatal(err)
	}
	if err := as.Read(0, r.Start+mm.PageSize, buf[:1]); err != nil || buf[0] != 9 {
		t.Fatalf("expected to read back the private write; got %v (err: %v)", buf[:1], err)
	}
	if exp, got := 1, fs.reads; got != exp {
		t.Fatalf("expected resident page not to be read again; reads %d", got)
	}
}

func TestFileReadErrorRaisesBus(t *testing.T) {
	sched := task.NewRecorder()
	fs := &testFS{err: errors.New("media error")}
	reg := newTestRegistry(t, Options{Scheduler: sched, FileSystem: fs})
	as := newTestSpace(t, reg)
	r := mustMap(t, as, 0, mm.PageSize, ProtRead, FileBacked(1, 0), 0)

	freeBefore := reg.PMM().FreePages()
	sched.SetCurrent(0, 5)

	err := as.Read(0, r.Start, make([]byte, 1))
	if kernelErr(err) != errBackingIO {
		t.Fatalf("expected error %v; got %v", errBackingIO, err)
	}

	if sigs := sched.Signals(5); len(sigs) != 1 || sigs[0] != task.SIGBUS {
		t.Fatalf("expected SIGBUS; got %v", sigs)
	}
	if sched.Blocked(5) {
		t.Fatal("expected the task to be woken after the failed read")
	}

	// Only the page tables allocated by the walk remain
	tables := reg.Stats().PageTables - 1
	if got := int(freeBefore - reg.PMM().FreePages()); got != tables {
		t.Fatalf("expected the data frame to be released; %d frames in use, %d tables", got, tables)
	}
	if exp, got := 0, as.ResidentCount(); got != exp {
		t.Fatalf("expected %d resident pages; got %d", exp, got)
	}
}

func TestPageFaultHandler(t *testing.T) {
	dispatcher := irq.NewDispatcher()
	reg := newTestRegistry(t, Options{Dispatcher: dispatcher})
	as := newTestSpace(t, reg)
	r := mustMap(t, as, 0, mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)

	regs := &irq.Registers{CPU: 0, Task: 3, Addr: r.Start, Info: irq.ErrUser | irq.ErrWrite}
	if err := dispatcher.Raise(irq.PageFaultException, regs); kernelErr(err) != errNoAddressSpace {
		t.Fatalf("expected error %v; got %v", errNoAddressSpace, err)
	}

	reg.Bind(3, as)
	if reg.AddressSpaceOf(3) != as {
		t.Fatal("expected task to be bound to the address space")
	}
	if err := dispatcher.Raise(irq.PageFaultException, regs); err != nil {
		t.Fatal(err)
	}

	pte, ok := as.presentPTE(mm.PageFromAddress(r.Start))
	if !ok {
		t.Fatal("expected the page to be mapped")
	}
	if !pte.HasFlags(FlagRW|FlagDirty|FlagUserAccessible) || !pte.HasFlags(FlagNoExecute) {
		t.Fatalf("unexpected entry flags: 0x%x", uint64(*pte))
	}
}
