package vmm

import (
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/irq"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/ilist"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/tlb"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

// maxFaultRetries bounds the number of faults a single access may raise.
const maxFaultRetries = 8

var (
	errZeroLength      = &kernel.Error{Module: "vmm", Message: "zero-length range", Kind: kernel.KindInvalid}
	errUnaligned       = &kernel.Error{Module: "vmm", Message: "address is not page aligned", Kind: kernel.KindInvalid}
	errOutOfRange      = &kernel.Error{Module: "vmm", Message: "range lies outside the user address space", Kind: kernel.KindInvalid}
	errOverlap         = &kernel.Error{Module: "vmm", Message: "range overlaps an existing region", Kind: kernel.KindInvalid}
	errNoFreeRange     = &kernel.Error{Module: "vmm", Message: "no free virtual address range is large enough", Kind: kernel.KindExhausted}
	errNoFileSystem    = &kernel.Error{Module: "vmm", Message: "file-backed mapping requires a filesystem", Kind: kernel.KindInvalid}
	errNoSharedObject  = &kernel.Error{Module: "vmm", Message: "shared mapping requires a shared object", Kind: kernel.KindInvalid}
	errNotMappedRange  = &kernel.Error{Module: "vmm", Message: "range is not completely mapped", Kind: kernel.KindInvalid}
	errDestroyed       = &kernel.Error{Module: "vmm", Message: "address space has been destroyed", Kind: kernel.KindInvalid}
	errFaultLoop       = &kernel.Error{Module: "vmm", Message: "page could not be kept resident", Kind: kernel.KindExhausted}
	errTeardownFailed  = &kernel.Error{Module: "vmm", Message: "unable to release page table", Kind: kernel.KindInconsistent}
)

// MapFlag alters the behavior of Map.
type MapFlag uint8

const (
	// MapFixed places the region exactly at the hint address, which must
	// lie at or above UserBase.
	MapFixed MapFlag = 1 << iota
)

// residentPage tracks a page that is currently mapped to a frame.
type residentPage struct {
	link  ilist.Link
	page  mm.Page
	frame mm.Frame

	// installed is the logical time the page became resident.
	installed uint64

	// lastAccess is the logical time of the latest access.
	lastAccess uint64

	kind       BackingKind
	referenced bool
	dirty      bool
}

// AddressSpace owns one page table hierarchy and the regions mapped in it.
type AddressSpace struct {
	id   uint32
	asid tlb.ASID
	reg  *Registry

	// lock serializes changes to the page tables and the region list.
	lock      sync.Spinlock
	pdt       mm.Frame
	tables    []mm.Frame
	regions   []*region
	destroyed bool

	// residentLock protects the resident page arena. It nests inside lock
	// and can be taken alone by scanners.
	residentLock sync.Spinlock
	resident     []residentPage
	residentIdx  map[mm.Page]int
	residentFree []int
	residentList ilist.List
}

// ID returns the address space identifier.
func (as *AddressSpace) ID() uint32 { return as.id }

// ASID returns the TLB tag of the address space.
func (as *AddressSpace) ASID() tlb.ASID { return as.asid }

// Activate switches processor id to this address space.
func (as *AddressSpace) Activate(id cpu.ID) {
	as.reg.activate(id, as)
}

// allocTable allocates a zeroed frame for a page table.
func (as *AddressSpace) allocTable() (mm.Frame, error) {
	frame, err := as.reg.pmm.Allocate(0, pmm.ZoneNormal, pmm.FlagZero)
	if err != nil {
		return mm.InvalidFrame, err
	}

	_ = as.reg.pmm.SetOwner(frame, pmm.OwnerPageTable, as.id)
	as.tables = append(as.tables, frame)
	return frame, nil
}

// pteFor returns the last level page table entry for page. Missing
// intermediate tables are allocated when alloc is set; otherwise
// ErrInvalidMapping is returned for them.
func (as *AddressSpace) pteFor(page mm.Page, alloc bool) (*pageTableEntry, error) {
	var (
		entry *pageTableEntry
		err   error
	)

	walk(as.reg.pmm, as.pdt, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it.
		if !pte.HasFlags(FlagPresent) {
			if !alloc {
				err = ErrInvalidMapping
				return false
			}

			var next mm.Frame
			if next, err = as.allocTable(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(next)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		return true
	})

	return entry, err
}

// presentPTE returns the entry for page if it is present.
func (as *AddressSpace) presentPTE(page mm.Page) (*pageTableEntry, bool) {
	pte, err := as.pteFor(page, false)
	if err != nil || !pte.HasFlags(FlagPresent) {
		return nil, false
	}
	return pte, true
}

// Map creates a region of length bytes. Without MapFixed the region is
// placed at the lowest free range at or above hint. Pages are populated on
// first access.
func (as *AddressSpace) Map(hint, length uintptr, prot Prot, backing Backing, flags MapFlag) (Region, error) {
	switch {
	case length == 0:
		return Region{}, errZeroLength
	case !mm.PageAligned(hint) || backing.Offset%uint64(mm.PageSize) != 0:
		return Region{}, errUnaligned
	case backing.Kind == BackingFile && as.reg.fs == nil:
		return Region{}, errNoFileSystem
	case backing.Kind == BackingShared && backing.Object == nil:
		return Region{}, errNoSharedObject
	}

	size := mm.PageCount(length) << mm.PageShift

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return Region{}, errDestroyed
	}

	start := hint
	if flags&MapFixed != 0 {
		if hint < UserBase || hint+size < hint || hint+size > UserTop {
			return Region{}, errors.Wrapf(errOutOfRange, "0x%x + %d", hint, size)
		}
		if as.overlaps(hint, hint+size) {
			return Region{}, errors.Wrapf(errOverlap, "0x%x-0x%x", hint, hint+size)
		}
	} else {
		var ok bool
		if start, ok = as.freeRange(hint, size); !ok {
			return Region{}, errors.Wrapf(errNoFreeRange, "%d bytes", size)
		}
	}

	r := &region{
		start:   start,
		end:     start + size,
		prot:    prot,
		backing: backing,
		swapped: make(map[mm.Page]SwapEntry),
	}
	if err := as.attachDescriptor(r); err != nil {
		return Region{}, err
	}

	if obj := backing.Object; obj != nil {
		obj.lock.Acquire()
		obj.users++
		obj.lock.Release()
	}

	as.insertRegion(r)
	log.Debugf("as %d: mapped 0x%x-0x%x %s %s", as.id, r.start, r.end, r.prot, r.backing.Kind)
	return r.info(), nil
}

// attachDescriptor allocates the kernel descriptor of a region.
func (as *AddressSpace) attachDescriptor(r *region) error {
	desc, err := as.reg.regionCache.Alloc()
	if err != nil {
		return errors.Wrapf(err, "as %d: region descriptor", as.id)
	}

	r.desc = desc
	r.encode(as.reg.regionCache.Bytes(desc))
	return nil
}

// splitAt splits the region containing addr so that a region starts at addr.
func (as *AddressSpace) splitAt(addr uintptr) error {
	_, r := as.findRegion(addr)
	if r == nil || r.start == addr {
		return nil
	}

	upper := r.split(addr)
	if err := as.attachDescriptor(upper); err != nil {
		// Merge the halves back
		for page, entry := range upper.swapped {
			r.swapped[page] = entry
		}
		r.end = upper.end
		if obj := upper.backing.Object; obj != nil {
			as.reg.dropObjectUser(obj)
		}
		return err
	}

	r.encode(as.reg.regionCache.Bytes(r.desc))
	as.insertRegion(upper)
	return nil
}

// checkRange validates an address range and returns its page-rounded end.
func checkRange(addr, length uintptr) (uintptr, error) {
	switch {
	case length == 0:
		return 0, errZeroLength
	case !mm.PageAligned(addr):
		return 0, errUnaligned
	}

	end := addr + mm.PageCount(length)<<mm.PageShift
	if end < addr || end > UserTop {
		return 0, errors.Wrapf(errOutOfRange, "0x%x + %d", addr, length)
	}
	return end, nil
}

// Unmap removes every mapping in [addr, addr+length). Regions partially
// covered by the range are split. The TLBs of every processor are
// invalidated before Unmap returns and before the unmapped frames are
// released.
func (as *AddressSpace) Unmap(addr, length uintptr) error {
	end, err := checkRange(addr, length)
	if err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return errDestroyed
	}

	if err = as.splitAt(addr); err != nil {
		return err
	}
	if err = as.splitAt(end); err != nil {
		return err
	}

	// Every region intersecting the range now lies completely inside it
	var frames []mm.Frame
	for {
		idx, _ := as.findRegion(addr)
		if idx >= len(as.regions) || as.regions[idx].start >= end {
			break
		}
		frames = append(frames, as.teardownRegion(idx, as.regions[idx])...)
	}

	as.reg.tlb.InvalidateRange(as.asid, mm.PageFromAddress(addr), uint64((end-addr)>>mm.PageShift))

	for _, frame := range frames {
		as.reg.releaseFrame(frame)
	}
	return nil
}

// teardownRegion removes the region at idx, clearing its page table
// entries. It returns the frames the region mapped; the caller releases them
// once the TLBs have been invalidated.
func (as *AddressSpace) teardownRegion(idx int, r *region) []mm.Frame {
	var frames []mm.Frame
	for _, page := range as.residentIn(r.start, r.end) {
		pte, ok := as.presentPTE(page)
		if !ok {
			continue
		}

		frame := pte.Frame()
		*pte = 0
		as.reg.rmapRemove(frame, as, page)
		as.removeResident(page)
		frames = append(frames, frame)
	}

	if swapper := as.reg.getSwapper(); swapper != nil {
		for _, entry := range r.swapped {
			swapper.Release(entry)
		}
	}

	if obj := r.backing.Object; obj != nil {
		as.reg.dropObjectUser(obj)
	}

	_ = as.reg.regionCache.Free(r.desc)
	as.removeRegion(idx)
	return frames
}

// Protect changes the protection of [addr, addr+length). The range must be
// completely mapped. Entries that lose rights are invalidated on every
// processor before Protect returns.
func (as *AddressSpace) Protect(addr, length uintptr, prot Prot) error {
	end, err := checkRange(addr, length)
	if err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return errDestroyed
	}

	for cur := addr; cur < end; {
		_, r := as.findRegion(cur)
		if r == nil {
			return errors.Wrapf(errNotMappedRange, "0x%x", cur)
		}
		cur = r.end
	}

	if err = as.splitAt(addr); err != nil {
		return err
	}
	if err = as.splitAt(end); err != nil {
		return err
	}

	for cur := addr; cur < end; {
		_, r := as.findRegion(cur)
		r.prot = prot
		r.encode(as.reg.regionCache.Bytes(r.desc))

		for _, page := range as.residentIn(r.start, r.end) {
			if pte, ok := as.presentPTE(page); ok {
				as.applyProt(r, pte)
			}
		}
		cur = r.end
	}

	as.reg.tlb.InvalidateRange(as.asid, mm.PageFromAddress(addr), uint64((end-addr)>>mm.PageShift))
	return nil
}

// applyProt updates a present entry to match the protection of its region.
// Private frames that are still shared are left copy-on-write.
func (as *AddressSpace) applyProt(r *region, pte *pageTableEntry) {
	pte.ClearFlags(FlagRW | FlagCopyOnWrite | FlagNoExecute)

	if r.prot&ProtExec == 0 {
		pte.SetFlags(FlagNoExecute)
	}

	if r.prot&ProtWrite != 0 {
		if r.backing.Kind != BackingShared && as.reg.pmm.Refs(pte.Frame()) > 1 {
			pte.SetFlags(FlagCopyOnWrite)
		} else {
			pte.SetFlags(FlagRW)
		}
	}
}

// Translate returns the physical address that virtAddr maps to.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, error) {
	as.lock.Acquire()
	defer as.lock.Release()

	pte, ok := as.presentPTE(mm.PageFromAddress(virtAddr))
	if !ok {
		return 0, ErrInvalidMapping
	}
	return pte.Frame().Address() + virtAddr&(mm.PageSize-1), nil
}

// Regions returns the regions of the address space ordered by address.
func (as *AddressSpace) Regions() []Region {
	as.lock.Acquire()
	defer as.lock.Release()

	list := make([]Region, len(as.regions))
	for i, r := range as.regions {
		list[i] = r.info()
	}
	return list
}

// SwappedPages returns the number of evicted pages of the address space.
func (as *AddressSpace) SwappedPages() int {
	as.lock.Acquire()
	defer as.lock.Release()

	var n int
	for _, r := range as.regions {
		n += len(r.swapped)
	}
	return n
}

// Destroy releases every region, frame and page table of the address space.
// The address space cannot be used afterwards.
func (as *AddressSpace) Destroy() error {
	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return errDestroyed
	}
	as.destroyed = true

	var frames []mm.Frame
	for len(as.regions) > 0 {
		frames = append(frames, as.teardownRegion(0, as.regions[0])...)
	}

	// No processor may keep using the translations of a dead address space
	as.reg.tlb.Release(as.asid)

	for _, frame := range frames {
		as.reg.releaseFrame(frame)
	}

	var result *multierror.Error
	for _, table := range as.tables {
		if err := as.reg.pmm.Free(table, 0); err != nil {
			result = multierror.Append(result, errors.Wrapf(errTeardownFailed, "as %d table 0x%x: %v", as.id, table.Address(), err))
		}
	}
	as.tables = nil

	as.reg.forget(as)
	log.Debugf("destroyed address space %d", as.id)
	return result.ErrorOrNil()
}

// Read copies memory at addr into buf as processor id would, faulting pages
// in as needed.
func (as *AddressSpace) Read(id cpu.ID, addr uintptr, buf []byte) error {
	return as.access(id, addr, buf, AccessRead)
}

// Write copies data into memory at addr as processor id would, faulting pages
// in as needed.
func (as *AddressSpace) Write(id cpu.ID, addr uintptr, data []byte) error {
	return as.access(id, addr, data, AccessWrite)
}

// Fetch reads instructions at addr into buf as processor id would.
func (as *AddressSpace) Fetch(id cpu.ID, addr uintptr, buf []byte) error {
	return as.access(id, addr, buf, AccessExec)
}

// access performs a memory access through the TLB of processor id. Misses
// walk the page tables and accesses that the page tables do not allow raise
// a page fault through the exception dispatcher.
func (as *AddressSpace) access(id cpu.ID, addr uintptr, buf []byte, acc AccessType) error {
	if as.reg.tlb.Active(id) != as.asid {
		as.Activate(id)
	}

	for len(buf) > 0 {
		page := mm.PageFromAddress(addr)
		off := addr - page.Address()
		n := int(mm.PageSize - off)
		if n > len(buf) {
			n = len(buf)
		}

		if err := as.accessPage(id, addr, buf[:n], acc); err != nil {
			return err
		}

		addr += uintptr(n)
		buf = buf[n:]
	}
	return nil
}

func (as *AddressSpace) accessPage(id cpu.ID, addr uintptr, buf []byte, acc AccessType) error {
	page := mm.PageFromAddress(addr)
	off := addr - page.Address()

	for attempt := 0; attempt < maxFaultRetries; attempt++ {
		as.lock.Acquire()
		frame, present, ok := as.translateLocked(id, page, acc)
		if ok {
			data := as.reg.pmm.FrameData(frame)[off : off+uintptr(len(buf))]
			if acc == AccessWrite {
				copy(data, buf)
			} else {
				copy(buf, data)
			}
			as.noteAccess(page, frame, acc == AccessWrite)
			if as.reg.coherency != nil {
				as.reg.coherency.Access(id, frame.Address()+off, len(buf), acc == AccessWrite)
			}
			as.lock.Release()

			as.reg.getPlacer().NoteAccess(id, frame)
			return nil
		}
		as.lock.Release()

		code := irq.ErrUser
		if present {
			code |= irq.ErrPresent
		}
		switch acc {
		case AccessWrite:
			code |= irq.ErrWrite
		case AccessExec:
			code |= irq.ErrInstructionFetch
		}

		regs := &irq.Registers{CPU: id, Task: as.reg.sched.Current(id), Addr: addr, Info: code}
		if err := as.reg.irq.Raise(irq.PageFaultException, regs); err != nil {
			return err
		}
	}

	return errors.Wrapf(errFaultLoop, "as %d address 0x%x", as.id, addr)
}

// translateLocked resolves page through the TLB of processor id, walking the
// page tables on a miss. It returns the frame and true if the access is
// allowed; present reports whether the page was mapped at all. The address
// space lock must be held.
func (as *AddressSpace) translateLocked(id cpu.ID, page mm.Page, acc AccessType) (mm.Frame, bool, bool) {
	if entry, hit := as.reg.tlb.Lookup(id, as.asid, page); hit && entryAllows(entry, acc) {
		return entry.Frame, true, true
	}

	pte, present := as.presentPTE(page)
	if !present {
		return mm.InvalidFrame, false, false
	}

	entry := tlb.Entry{
		Frame:    pte.Frame(),
		Writable: pte.HasFlags(FlagRW),
		Exec:     !pte.HasFlags(FlagNoExecute),
	}
	if !entryAllows(entry, acc) {
		return mm.InvalidFrame, true, false
	}

	as.reg.tlb.Fill(id, as.asid, page, entry)
	return entry.Frame, true, true
}

func entryAllows(entry tlb.Entry, acc AccessType) bool {
	switch acc {
	case AccessWrite:
		return entry.Writable
	case AccessExec:
		return entry.Exec
	default:
		return true
	}
}

// noteAccess sets the accessed and dirty bits of a page the way the MMU
// would. The address space lock must be held.
func (as *AddressSpace) noteAccess(page mm.Page, frame mm.Frame, write bool) {
	if pte, ok := as.presentPTE(page); ok && pte.Frame() == frame {
		pte.SetFlags(FlagAccessed)
		if write {
			pte.SetFlags(FlagDirty)
		}
	}
	as.touch(page, write)
}

// residentIn returns the resident pages in [start, end) in address order.
func (as *AddressSpace) residentIn(start, end uintptr) []mm.Page {
	as.residentLock.Acquire()
	var pages []mm.Page
	for page := range as.residentIdx {
		if addr := page.Address(); addr >= start && addr < end {
			pages = append(pages, page)
		}
	}
	as.residentLock.Release()

	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}
