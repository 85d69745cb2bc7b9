package vmm

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/tlb"
	"github.com/nassro199/Horizon-sub003/kernel/task"
)

var (
	errNoRegion   = &kernel.Error{Module: "vmm", Message: "no region contains the faulting address", Kind: kernel.KindInvalid}
	errProtection = &kernel.Error{Module: "vmm", Message: "access violates the region protection", Kind: kernel.KindInvalid}
	errBackingIO  = &kernel.Error{Module: "vmm", Message: "unable to read page contents from backing storage", Kind: kernel.KindIO}
	errNoSwapper  = &kernel.Error{Module: "vmm", Message: "page was evicted but no swap device is registered", Kind: kernel.KindIO}
)

// FaultResult is the outcome of resolving a page fault.
type FaultResult uint8

const (
	// FaultResolved means a mapping was installed and the faulting
	// instruction can be retried.
	FaultResolved FaultResult = iota

	// FaultSpurious means the mapping already satisfied the access.
	FaultSpurious

	// FaultSegv means the address is not mapped or the access is not
	// allowed by the region protection.
	FaultSegv

	// FaultBus means the page contents could not be read from backing
	// storage.
	FaultBus

	// FaultOOM means no frame could be allocated for the page.
	FaultOOM
)

// String implements fmt.Stringer for FaultResult.
func (r FaultResult) String() string {
	switch r {
	case FaultResolved:
		return "resolved"
	case FaultSpurious:
		return "spurious"
	case FaultSegv:
		return "segmentation fault"
	case FaultBus:
		return "bus error"
	case FaultOOM:
		return "out of memory"
	default:
		return "unknown"
	}
}

// Fatal returns true if the faulting context cannot continue.
func (r FaultResult) Fatal() bool {
	return r >= FaultSegv
}

// faultState is a step of the fault state machine.
type faultState uint8

const (
	faultLookup faultState = iota
	faultPermission
	faultResolve
	faultInstall
	faultRetry
)

// fault carries the state of one page fault through the state machine.
type fault struct {
	cpu    cpu.ID
	task   task.ID
	addr   uintptr
	page   mm.Page
	access AccessType

	// fill primes the faulting processor's TLB with the new entry.
	fill bool

	region *region
	pte    *pageTableEntry

	// frame is the frame to install. old is set when a copy-on-write
	// break replaces a shared frame.
	frame mm.Frame
	old   mm.Frame

	// reuse is set when the installed frame is already mapped by the
	// entry and only its rights change.
	reuse bool
	dirty bool
	major bool
}

// HandleFault resolves a fault raised by task t on processor id while
// accessing addr. Faults that cannot be resolved deliver a signal to the
// task and are returned as a fatal result.
func (as *AddressSpace) HandleFault(id cpu.ID, t task.ID, addr uintptr, access AccessType) (FaultResult, error) {
	f := &fault{
		cpu:    id,
		task:   t,
		addr:   addr,
		page:   mm.PageFromAddress(addr),
		access: access,
		fill:   true,
		frame:  mm.InvalidFrame,
		old:    mm.InvalidFrame,
	}

	as.lock.Acquire()
	result, err := as.runFault(f)
	as.lock.Release()

	atomic.AddUint64(&as.reg.stats.faults, 1)
	switch {
	case result == FaultSpurious:
		atomic.AddUint64(&as.reg.stats.spuriousFaults, 1)
	case result.Fatal():
		as.fatalFault(f, result, err)
	case f.major:
		atomic.AddUint64(&as.reg.stats.majorFaults, 1)
	}
	return result, err
}

// runFault drives a fault through lookup, permission check, backing
// resolution, installation and retry. The address space lock must be held.
func (as *AddressSpace) runFault(f *fault) (FaultResult, error) {
	if as.destroyed {
		return FaultSegv, errDestroyed
	}

	for state := faultLookup; ; {
		switch state {
		case faultLookup:
			if _, f.region = as.findRegion(f.addr); f.region == nil {
				return FaultSegv, errors.Wrapf(errNoRegion, "as %d address 0x%x", as.id, f.addr)
			}
			state = faultPermission

		case faultPermission:
			if !f.access.allowedBy(f.region.prot) {
				return FaultSegv, errors.Wrapf(errProtection, "as %d address 0x%x: %s access to %s region", as.id, f.addr, f.access, f.region.prot)
			}
			state = faultResolve

		case faultResolve:
			if result, err := as.resolve(f); err != nil || result != FaultResolved {
				return result, err
			}
			state = faultInstall

		case faultInstall:
			as.install(f)
			state = faultRetry

		case faultRetry:
			return FaultResolved, nil
		}
	}
}

// resolve finds the frame that must back the faulting page.
func (as *AddressSpace) resolve(f *fault) (FaultResult, error) {
	pte, err := as.pteFor(f.page, true)
	if err != nil {
		return faultResultFor(err), err
	}
	f.pte = pte

	if pte.HasFlags(FlagPresent) {
		switch {
		case f.access == AccessWrite && !pte.HasFlags(FlagRW):
			return as.breakCoW(f)
		case f.access == AccessExec && pte.HasFlags(FlagNoExecute):
			f.frame, f.reuse = pte.Frame(), true
			return FaultResolved, nil
		default:
			return FaultSpurious, nil
		}
	}

	return as.bind(f)
}

// breakCoW resolves a write to a present read-only page of a writable
// region. The faulting address space gets a private copy unless it is the
// last user of the frame.
func (as *AddressSpace) breakCoW(f *fault) (FaultResult, error) {
	old := f.pte.Frame()
	if f.region.backing.Kind == BackingShared || as.reg.pmm.Refs(old) == 1 {
		f.frame, f.reuse = old, true
		return FaultResolved, nil
	}

	frame, err := as.reg.getPlacer().PlaceFrame(f.cpu, false)
	if err != nil {
		return faultResultFor(err), errors.Wrapf(err, "as %d: copy-on-write at 0x%x", as.id, f.addr)
	}

	as.reg.pmm.CopyFrame(frame, old)
	f.frame, f.old = frame, old
	atomic.AddUint64(&as.reg.stats.cowBreaks, 1)
	return FaultResolved, nil
}

// bind obtains a frame for a page that is not present.
func (as *AddressSpace) bind(f *fault) (FaultResult, error) {
	r := f.region

	if entry, swapped := r.swapped[f.page]; swapped {
		return as.swapIn(f, entry)
	}

	var (
		frame mm.Frame
		err   error
	)

	switch r.backing.Kind {
	case BackingShared:
		frame, err = as.reg.sharedFrame(r.backing.Object, r.objectIndex(f.page), f.cpu)
	case BackingFile:
		if frame, err = as.reg.getPlacer().PlaceFrame(f.cpu, false); err != nil {
			break
		}

		as.reg.sched.Block(f.task, "file read")
		err = as.reg.fs.ReadPage(r.backing.File, r.pageOffset(f.page), as.reg.pmm.FrameData(frame))
		as.reg.sched.Wake(f.task)

		if err != nil {
			as.reg.releaseFrame(frame)
			return FaultBus, errors.Wrapf(errBackingIO, "as %d address 0x%x: file %d offset %d: %v", as.id, f.addr, r.backing.File, r.pageOffset(f.page), err)
		}
		f.major = true
	default:
		frame, err = as.reg.getPlacer().PlaceFrame(f.cpu, true)
	}

	if err != nil {
		return faultResultFor(err), errors.Wrapf(err, "as %d address 0x%x", as.id, f.addr)
	}

	f.frame = frame
	return FaultResolved, nil
}

// swapIn reads an evicted page back into a fresh frame.
func (as *AddressSpace) swapIn(f *fault, entry SwapEntry) (FaultResult, error) {
	swapper := as.reg.getSwapper()
	if swapper == nil {
		return FaultBus, errors.Wrapf(errNoSwapper, "as %d address 0x%x", as.id, f.addr)
	}

	frame, err := as.reg.getPlacer().PlaceFrame(f.cpu, false)
	if err != nil {
		return faultResultFor(err), errors.Wrapf(err, "as %d: swap-in at 0x%x", as.id, f.addr)
	}

	as.reg.sched.Block(f.task, "swap-in")
	err = swapper.FaultIn(entry, as.reg.pmm.FrameData(frame))
	as.reg.sched.Wake(f.task)

	if err != nil {
		as.reg.releaseFrame(frame)
		if kernel.IsKind(err, kernel.KindInconsistent) {
			return FaultBus, err
		}
		return FaultBus, errors.Wrapf(errBackingIO, "as %d address 0x%x: swap entry %d: %v", as.id, f.addr, entry, err)
	}

	delete(f.region.swapped, f.page)
	f.frame, f.dirty, f.major = frame, true, true
	atomic.AddUint64(&as.reg.stats.swapIns, 1)
	return FaultResolved, nil
}

// install writes the leaf entry for the resolved frame and announces the
// new mapping.
func (as *AddressSpace) install(f *fault) {
	r := f.region

	writable := r.prot&ProtWrite != 0
	cow := false
	if writable && r.backing.Kind != BackingShared && as.reg.pmm.Refs(f.frame) > 1 {
		writable, cow = false, true
	}

	flags := FlagPresent | FlagUserAccessible | FlagAccessed
	switch {
	case writable:
		flags |= FlagRW
	case cow:
		flags |= FlagCopyOnWrite
	}
	if r.prot&ProtExec == 0 {
		flags |= FlagNoExecute
	}
	if f.access == AccessWrite || f.dirty || (f.reuse && f.pte.HasFlags(FlagDirty)) {
		flags |= FlagDirty
	}

	*f.pte = 0
	f.pte.SetFrame(f.frame)
	f.pte.SetFlags(flags)

	switch {
	case f.old.Valid():
		// The shared frame may still be cached read-only by any processor
		as.reg.tlb.Invalidate(as.asid, f.page)
		as.reg.rmapRemove(f.old, as, f.page)
		as.reg.releaseFrame(f.old)
		as.reg.rmapAdd(f.frame, as, f.page)
		as.repointResident(f.page, f.frame)
	case f.reuse:
		as.reg.tlb.Invalidate(as.asid, f.page)
	default:
		as.reg.rmapAdd(f.frame, as, f.page)
		as.addResident(f.page, f.frame, r.backing.Kind, flags&FlagDirty != 0)
	}

	if r.backing.Kind != BackingShared {
		_ = as.reg.pmm.SetOwner(f.frame, pmm.OwnerUser, as.id)
	}
	as.reg.pmm.SetFlags(f.frame, pmm.FrameReferenced)
	as.touch(f.page, f.access == AccessWrite)

	if f.fill {
		as.reg.tlb.Fill(f.cpu, as.asid, f.page, tlb.Entry{
			Frame:    f.frame,
			Writable: writable,
			Exec:     r.prot&ProtExec != 0,
		})
	}
}

// fatalFault reports a fault that could not be resolved to the faulting
// task. Inconsistencies halt the system.
func (as *AddressSpace) fatalFault(f *fault, result FaultResult, err error) {
	atomic.AddUint64(&as.reg.stats.fatalFaults, 1)

	if kernel.IsKind(err, kernel.KindInconsistent) {
		kfmt.Panic(err)
		return
	}

	log.Warnf("page fault while accessing address 0x%x (%s) by task %d on cpu %d: %s: %v",
		f.addr, f.access, f.task, f.cpu, result, err)

	sig := task.SIGSEGV
	if result != FaultSegv {
		sig = task.SIGBUS
	}
	as.reg.sched.Signal(f.task, sig)
}

// faultResultFor maps an allocation or walk error to a fault result.
func faultResultFor(err error) FaultResult {
	if kernel.IsKind(err, kernel.KindExhausted) {
		return FaultOOM
	}
	return FaultSegv
}
