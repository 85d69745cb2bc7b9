package vmm

import (
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/irq"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/coherency"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/slab"
	"github.com/nassro199/Horizon-sub003/kernel/mm/tlb"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
	"github.com/nassro199/Horizon-sub003/kernel/task"
)

var (
	log = kfmt.Get("vmm")

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindInvalid}

	errNoAllocator       = &kernel.Error{Module: "vmm", Message: "a frame allocator is required", Kind: kernel.KindInvalid}
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.KindInvalid}
	errNoAddressSpace    = &kernel.Error{Module: "vmm", Message: "no address space is associated with the faulting context", Kind: kernel.KindInvalid}
	errNotMapped         = &kernel.Error{Module: "vmm", Message: "frame is not mapped by any address space", Kind: kernel.KindInvalid}
	errMappingsBusy      = &kernel.Error{Module: "vmm", Message: "frame mappings kept changing while locking them", Kind: kernel.KindExhausted}
	errFramePinned       = &kernel.Error{Module: "vmm", Message: "frame has references that are not mappings", Kind: kernel.KindInvalid}
	errRmapMismatch      = &kernel.Error{Module: "vmm", Message: "reverse map does not match the page tables", Kind: kernel.KindInconsistent}
)

// Placer chooses the frames that back user pages.
type Placer interface {
	// PlaceFrame allocates a frame for a page faulted in by processor id.
	PlaceFrame(id cpu.ID, zero bool) (mm.Frame, error)

	// NoteAccess records that processor id accessed frame.
	NoteAccess(id cpu.ID, frame mm.Frame)
}

// pmmPlacer allocates every user frame from the first node.
type pmmPlacer struct {
	pmm *pmm.Allocator
}

func (p pmmPlacer) PlaceFrame(_ cpu.ID, zero bool) (mm.Frame, error) {
	var flags pmm.AllocFlag
	if zero {
		flags |= pmm.FlagZero
	}
	return p.pmm.Allocate(0, pmm.ZoneNormal, flags)
}

func (pmmPlacer) NoteAccess(cpu.ID, mm.Frame) {}

// Options configure a Registry. Only PMM is required; the other
// collaborators default to single-processor stand-ins.
type Options struct {
	PMM        *pmm.Allocator
	Slab       *slab.Allocator
	TLB        *tlb.Manager
	Coherency  *coherency.Directory
	Scheduler  task.Scheduler
	FileSystem FileSystem
	Dispatcher *irq.Dispatcher
	Placer     Placer
}

// mapping identifies a page table entry that maps a frame.
type mapping struct {
	as   *AddressSpace
	page mm.Page
}

// objectSlot identifies the shared object slot that holds a frame.
type objectSlot struct {
	obj   *SharedObject
	index uint64
}

// counters are updated atomically.
type counters struct {
	faults         uint64
	spuriousFaults uint64
	majorFaults    uint64
	cowBreaks      uint64
	fatalFaults    uint64
	evictions      uint64
	droppedPages   uint64
	swapIns        uint64
	repoints       uint64
}

// Registry owns every address space and the reverse map from frames to the
// page table entries that map them.
type Registry struct {
	pmm         *pmm.Allocator
	slab        *slab.Allocator
	regionCache *slab.Cache
	tlb         *tlb.Manager
	coherency   *coherency.Directory
	sched       task.Scheduler
	fs          FileSystem
	irq         *irq.Dispatcher
	placer      Placer

	swapLock sync.Spinlock
	swapper  Swapper

	lock   sync.Spinlock
	nextID uint32
	spaces map[uint32]*AddressSpace
	tasks  map[task.ID]*AddressSpace
	active [cpu.MaxCPUs]*AddressSpace

	rmapLock sync.Spinlock
	rmap     map[mm.Frame][]mapping
	objects  map[mm.Frame]objectSlot

	clock uint64
	stats counters
}

// NewRegistry creates a registry and installs its page fault handler on the
// exception dispatcher.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.PMM == nil {
		return nil, errNoAllocator
	}
	if opts.Slab == nil {
		opts.Slab = slab.New(opts.PMM)
	}
	if opts.TLB == nil {
		opts.TLB = tlb.New(tlb.Options{CPUs: 1})
	}
	if opts.Scheduler == nil {
		opts.Scheduler = task.NewRecorder()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = irq.NewDispatcher()
	}
	if opts.Placer == nil {
		opts.Placer = pmmPlacer{pmm: opts.PMM}
	}

	regionCache, err := opts.Slab.CreateCache("vm_region", regionDescSize, 8, nil, nil)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		pmm:         opts.PMM,
		slab:        opts.Slab,
		regionCache: regionCache,
		tlb:         opts.TLB,
		coherency:   opts.Coherency,
		sched:       opts.Scheduler,
		fs:          opts.FileSystem,
		irq:         opts.Dispatcher,
		placer:      opts.Placer,
		nextID:      1,
		spaces:      make(map[uint32]*AddressSpace),
		tasks:       make(map[task.ID]*AddressSpace),
		rmap:        make(map[mm.Frame][]mapping),
		objects:     make(map[mm.Frame]objectSlot),
	}

	r.installFaultHandlers()
	return r, nil
}

// regionDescSize is the size of the kernel descriptor of a region.
const regionDescSize = 32

// PMM returns the frame allocator used by the registry.
func (r *Registry) PMM() *pmm.Allocator { return r.pmm }

// TLB returns the TLB model used by the registry.
func (r *Registry) TLB() *tlb.Manager { return r.tlb }

// SetSwapper registers the collaborator that reads evicted pages back.
func (r *Registry) SetSwapper(s Swapper) {
	r.swapLock.Acquire()
	r.swapper = s
	r.swapLock.Release()
}

func (r *Registry) getSwapper() Swapper {
	r.swapLock.Acquire()
	defer r.swapLock.Release()
	return r.swapper
}

// SetPlacer replaces the frame placement policy.
func (r *Registry) SetPlacer(p Placer) {
	r.lock.Acquire()
	r.placer = p
	r.lock.Release()
}

func (r *Registry) getPlacer() Placer {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.placer
}

// tick advances the logical clock used to stamp page accesses.
func (r *Registry) tick() uint64 {
	return atomic.AddUint64(&r.clock, 1)
}

// Now returns the current value of the logical access clock.
func (r *Registry) Now() uint64 {
	return atomic.LoadUint64(&r.clock)
}

// NewAddressSpace creates an empty address space with its own top-level
// page table.
func (r *Registry) NewAddressSpace() (*AddressSpace, error) {
	r.lock.Acquire()
	id := r.nextID
	r.nextID++
	r.lock.Release()

	as := &AddressSpace{
		id:          id,
		asid:        tlb.ASID(id),
		reg:         r,
		residentIdx: make(map[mm.Page]int),
	}

	pdt, err := as.allocTable()
	if err != nil {
		return nil, errors.Wrapf(err, "address space %d", id)
	}
	as.pdt = pdt

	r.lock.Acquire()
	r.spaces[id] = as
	r.lock.Release()

	log.Debugf("created address space %d (pdt 0x%x)", id, pdt.Address())
	return as, nil
}

// forget drops every reference the registry holds to as.
func (r *Registry) forget(as *AddressSpace) {
	r.lock.Acquire()
	defer r.lock.Release()

	delete(r.spaces, as.id)
	for t, bound := range r.tasks {
		if bound == as {
			delete(r.tasks, t)
		}
	}
	for i, active := range r.active {
		if active == as {
			r.active[i] = nil
		}
	}
}

// AddressSpaces returns every live address space ordered by ID.
func (r *Registry) AddressSpaces() []*AddressSpace {
	r.lock.Acquire()
	list := make([]*AddressSpace, 0, len(r.spaces))
	for _, as := range r.spaces {
		list = append(list, as)
	}
	r.lock.Release()

	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Lookup returns the address space with the given ID or nil.
func (r *Registry) Lookup(id uint32) *AddressSpace {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.spaces[id]
}

// Bind associates a task with the address space its faults resolve in.
func (r *Registry) Bind(t task.ID, as *AddressSpace) {
	r.lock.Acquire()
	r.tasks[t] = as
	r.lock.Release()
}

// AddressSpaceOf returns the address space bound to a task.
func (r *Registry) AddressSpaceOf(t task.ID) *AddressSpace {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.tasks[t]
}

// activate records that processor id runs in as.
func (r *Registry) activate(id cpu.ID, as *AddressSpace) {
	r.lock.Acquire()
	r.active[id] = as
	r.lock.Release()
	r.tlb.Activate(id, as.asid)
}

// faultingSpace returns the address space a fault raised by a task on a
// processor must be resolved in.
func (r *Registry) faultingSpace(t task.ID, id cpu.ID) *AddressSpace {
	r.lock.Acquire()
	defer r.lock.Release()

	if as := r.tasks[t]; as != nil {
		return as
	}
	return r.active[id]
}

func (r *Registry) installFaultHandlers() {
	r.irq.HandleException(irq.PageFaultException, r.pageFaultHandler)
}

// pageFaultHandler resolves a page fault delivered by the exception
// dispatcher.
func (r *Registry) pageFaultHandler(regs *irq.Registers) error {
	as := r.faultingSpace(regs.Task, regs.CPU)
	if as == nil {
		return errors.Wrapf(errNoAddressSpace, "task %d cpu %d address 0x%x", regs.Task, regs.CPU, regs.Addr)
	}

	access := AccessRead
	switch {
	case regs.Info&irq.ErrInstructionFetch != 0:
		access = AccessExec
	case regs.Info&irq.ErrWrite != 0:
		access = AccessWrite
	}

	_, err := as.HandleFault(regs.CPU, regs.Task, regs.Addr, access)
	return err
}

// rmapAdd records that page of as maps frame.
func (r *Registry) rmapAdd(frame mm.Frame, as *AddressSpace, page mm.Page) {
	r.rmapLock.Acquire()
	r.rmap[frame] = append(r.rmap[frame], mapping{as: as, page: page})
	r.rmapLock.Release()
}

// rmapRemove drops the record that page of as maps frame.
func (r *Registry) rmapRemove(frame mm.Frame, as *AddressSpace, page mm.Page) {
	r.rmapLock.Acquire()
	defer r.rmapLock.Release()

	entries := r.rmap[frame]
	for i, m := range entries {
		if m.as == as && m.page == page {
			entries[i] = entries[len(entries)-1]
			entries = entries[:len(entries)-1]
			break
		}
	}

	if len(entries) == 0 {
		delete(r.rmap, frame)
		return
	}
	r.rmap[frame] = entries
}

// MapCount returns the number of page table entries that map frame.
func (r *Registry) MapCount(frame mm.Frame) int {
	r.rmapLock.Acquire()
	defer r.rmapLock.Release()
	return len(r.rmap[frame])
}

// mappingsOf returns a copy of the reverse map entries of a frame.
func (r *Registry) mappingsOf(frame mm.Frame) ([]mapping, *objectSlot) {
	r.rmapLock.Acquire()
	defer r.rmapLock.Release()

	entries := append([]mapping(nil), r.rmap[frame]...)
	if slot, ok := r.objects[frame]; ok {
		return entries, &slot
	}
	return entries, nil
}

// sharedFrame returns the frame stored at index of a shared object,
// populating the slot on first use. The returned frame carries an extra
// reference for the caller's mapping.
func (r *Registry) sharedFrame(obj *SharedObject, index uint64, id cpu.ID) (mm.Frame, error) {
	obj.lock.Acquire()
	defer obj.lock.Release()

	frame, ok := obj.frames[index]
	if !ok {
		var err error
		if frame, err = r.getPlacer().PlaceFrame(id, true); err != nil {
			return mm.InvalidFrame, err
		}
		_ = r.pmm.SetOwner(frame, pmm.OwnerUser, 0)
		obj.frames[index] = frame

		r.rmapLock.Acquire()
		r.objects[frame] = objectSlot{obj: obj, index: index}
		r.rmapLock.Release()
	}

	if err := r.pmm.Get(frame); err != nil {
		return mm.InvalidFrame, err
	}
	return frame, nil
}

// dropObjectUser releases a region's hold on a shared object. The frames of
// the object are released with its last user.
func (r *Registry) dropObjectUser(obj *SharedObject) {
	obj.lock.Acquire()
	if obj.users--; obj.users > 0 {
		obj.lock.Release()
		return
	}

	frames := obj.frames
	obj.frames = make(map[uint64]mm.Frame)
	obj.lock.Release()

	for _, frame := range frames {
		r.rmapLock.Acquire()
		delete(r.objects, frame)
		r.rmapLock.Release()
		r.releaseFrame(frame)
	}
}

// releaseFrame drops a reference to a frame. The cached lines of the frame
// are flushed before the last reference goes away.
func (r *Registry) releaseFrame(frame mm.Frame) {
	if r.coherency != nil && r.pmm.Refs(frame) == 1 {
		r.coherency.FlushFrame(frame)
	}
	_, _ = r.pmm.Put(frame)
}

// Stats is a point-in-time view of the VMM state.
type Stats struct {
	AddressSpaces  int    `json:"addressSpaces"`
	Regions        int    `json:"regions"`
	ResidentPages  int    `json:"residentPages"`
	SwappedPages   int    `json:"swappedPages"`
	PageTables     int    `json:"pageTables"`
	Faults         uint64 `json:"faults"`
	SpuriousFaults uint64 `json:"spuriousFaults"`
	MajorFaults    uint64 `json:"majorFaults"`
	CoWBreaks      uint64 `json:"cowBreaks"`
	FatalFaults    uint64 `json:"fatalFaults"`
	Evictions      uint64 `json:"evictions"`
	DroppedPages   uint64 `json:"droppedPages"`
	SwapIns        uint64 `json:"swapIns"`
	Repoints       uint64 `json:"repoints"`
}

// Stats returns a snapshot of the VMM counters. Address spaces that are
// busy are counted without their region details.
func (r *Registry) Stats() Stats {
	stats := Stats{
		Faults:         atomic.LoadUint64(&r.stats.faults),
		SpuriousFaults: atomic.LoadUint64(&r.stats.spuriousFaults),
		MajorFaults:    atomic.LoadUint64(&r.stats.majorFaults),
		CoWBreaks:      atomic.LoadUint64(&r.stats.cowBreaks),
		FatalFaults:    atomic.LoadUint64(&r.stats.fatalFaults),
		Evictions:      atomic.LoadUint64(&r.stats.evictions),
		DroppedPages:   atomic.LoadUint64(&r.stats.droppedPages),
		SwapIns:        atomic.LoadUint64(&r.stats.swapIns),
		Repoints:       atomic.LoadUint64(&r.stats.repoints),
	}

	for _, as := range r.AddressSpaces() {
		stats.AddressSpaces++
		stats.ResidentPages += as.ResidentCount()

		if !as.lock.TryToAcquire() {
			continue
		}
		stats.Regions += len(as.regions)
		stats.PageTables += len(as.tables)
		for _, reg := range as.regions {
			stats.SwappedPages += len(reg.swapped)
		}
		as.lock.Release()
	}
	return stats
}
