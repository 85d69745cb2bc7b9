package vmm

import (
	"encoding/binary"
	"sort"

	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/slab"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

// Prot describes the access rights of a region.
type Prot uint8

const (
	// ProtRead allows reads.
	ProtRead Prot = 1 << iota

	// ProtWrite allows writes.
	ProtWrite

	// ProtExec allows instruction fetches.
	ProtExec

	// ProtNone denies every access.
	ProtNone Prot = 0
)

// String implements fmt.Stringer for Prot.
func (p Prot) String() string {
	out := []byte("---")
	if p&ProtRead != 0 {
		out[0] = 'r'
	}
	if p&ProtWrite != 0 {
		out[1] = 'w'
	}
	if p&ProtExec != 0 {
		out[2] = 'x'
	}
	return string(out)
}

// AccessType describes the kind of memory access that caused a fault.
type AccessType uint8

const (
	// AccessRead is a data read.
	AccessRead AccessType = iota

	// AccessWrite is a data write.
	AccessWrite

	// AccessExec is an instruction fetch.
	AccessExec
)

// String implements fmt.Stringer for AccessType.
func (a AccessType) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "read"
	}
}

// allowedBy returns true if prot permits the access.
func (a AccessType) allowedBy(prot Prot) bool {
	switch a {
	case AccessWrite:
		return prot&ProtWrite != 0
	case AccessExec:
		return prot&ProtExec != 0
	default:
		return prot&ProtRead != 0
	}
}

// BackingKind selects where the contents of a region come from.
type BackingKind uint8

const (
	// BackingAnonymous regions are populated with zero-filled frames.
	BackingAnonymous BackingKind = iota

	// BackingFile regions are populated from a file. Pages are private to
	// the address space once loaded.
	BackingFile

	// BackingShared regions map the frames of a SharedObject. Writes are
	// visible to every address space mapping the object.
	BackingShared
)

// String implements fmt.Stringer for BackingKind.
func (k BackingKind) String() string {
	switch k {
	case BackingFile:
		return "file"
	case BackingShared:
		return "shared"
	default:
		return "anonymous"
	}
}

// FileHandle identifies an open file of the filesystem collaborator.
type FileHandle uint64

// FileSystem is implemented by the filesystem collaborator that provides the
// contents of file-backed regions.
type FileSystem interface {
	// ReadPage fills dst with the page of file starting at offset.
	ReadPage(file FileHandle, offset uint64, dst []byte) error
}

// SwapEntry is an opaque reference to the contents of an evicted page.
type SwapEntry uint64

// InvalidSwapEntry is never returned for a stored page.
const InvalidSwapEntry = SwapEntry(0)

// Swapper reads evicted pages back from backing storage.
type Swapper interface {
	// FaultIn fills dst with the contents stored under entry and releases
	// the entry.
	FaultIn(entry SwapEntry, dst []byte) error

	// Release discards the contents stored under entry.
	Release(entry SwapEntry)
}

// SharedObject is a set of frames that several regions map with write
// access visible to each other.
type SharedObject struct {
	lock   sync.Spinlock
	frames map[uint64]mm.Frame
	users  int
}

// NewSharedObject returns an empty shared object. Its frames are allocated
// on first access.
func NewSharedObject() *SharedObject {
	return &SharedObject{frames: make(map[uint64]mm.Frame)}
}

// Pages returns the number of frames that have been populated.
func (o *SharedObject) Pages() int {
	o.lock.Acquire()
	defer o.lock.Release()
	return len(o.frames)
}

// Backing describes the contents of a region.
type Backing struct {
	Kind BackingKind

	// File and Offset locate the contents of file-backed regions. Offset
	// is also the page offset into a shared object.
	File   FileHandle
	Offset uint64

	// Object is the shared object mapped by shared regions.
	Object *SharedObject
}

// Anonymous returns a zero-filled private backing.
func Anonymous() Backing { return Backing{Kind: BackingAnonymous} }

// FileBacked returns a private backing populated from file at offset.
func FileBacked(file FileHandle, offset uint64) Backing {
	return Backing{Kind: BackingFile, File: file, Offset: offset}
}

// Shared returns a backing that maps obj.
func Shared(obj *SharedObject) Backing { return Backing{Kind: BackingShared, Object: obj} }

// Region describes a mapped virtual address range.
type Region struct {
	Start   uintptr
	End     uintptr
	Prot    Prot
	Backing Backing
}

// Len returns the length of the region in bytes.
func (r Region) Len() uintptr { return r.End - r.Start }

// Contains returns true if addr belongs to the region.
func (r Region) Contains(addr uintptr) bool { return addr >= r.Start && addr < r.End }

// region is the mutable state of a mapped region. It is protected by the
// lock of the owning address space.
type region struct {
	start, end uintptr
	prot       Prot
	backing    Backing

	// swapped records the pages of the region that were evicted.
	swapped map[mm.Page]SwapEntry

	// desc is the kernel descriptor of the region.
	desc slab.Object
}

func (r *region) info() Region {
	return Region{Start: r.start, End: r.end, Prot: r.prot, Backing: r.backing}
}

// pageOffset returns the offset of page into the region's backing.
func (r *region) pageOffset(page mm.Page) uint64 {
	return r.backing.Offset + uint64(page.Address()-r.start)
}

// objectIndex returns the index of page into the region's shared object.
func (r *region) objectIndex(page mm.Page) uint64 {
	return r.pageOffset(page) >> mm.PageShift
}

// encode writes the region bounds and protection into its descriptor.
func (r *region) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(r.start))
	binary.LittleEndian.PutUint64(buf[8:], uint64(r.end))
	buf[16] = byte(r.prot)
	buf[17] = byte(r.backing.Kind)
}

// split cuts the region at addr and returns the upper part. The caller must
// attach a descriptor to the returned region.
func (r *region) split(addr uintptr) *region {
	upper := &region{
		start:   addr,
		end:     r.end,
		prot:    r.prot,
		backing: r.backing,
		swapped: make(map[mm.Page]SwapEntry),
	}
	upper.backing.Offset += uint64(addr - r.start)

	for page, entry := range r.swapped {
		if page.Address() >= addr {
			upper.swapped[page] = entry
			delete(r.swapped, page)
		}
	}

	if obj := r.backing.Object; obj != nil {
		obj.lock.Acquire()
		obj.users++
		obj.lock.Release()
	}

	r.end = addr
	return upper
}

// findRegion returns the index of the region containing addr and the region
// itself or nil if no region contains addr.
func (as *AddressSpace) findRegion(addr uintptr) (int, *region) {
	idx := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].end > addr })
	if idx < len(as.regions) && as.regions[idx].start <= addr {
		return idx, as.regions[idx]
	}
	return idx, nil
}

// overlaps returns true if any region intersects [start, end).
func (as *AddressSpace) overlaps(start, end uintptr) bool {
	idx := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].end > start })
	return idx < len(as.regions) && as.regions[idx].start < end
}

// insertRegion adds r keeping the region list sorted. The range of r must
// not overlap an existing region.
func (as *AddressSpace) insertRegion(r *region) {
	idx := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].start >= r.end })
	as.regions = append(as.regions, nil)
	copy(as.regions[idx+1:], as.regions[idx:])
	as.regions[idx] = r
}

// removeRegion drops the region at idx from the region list.
func (as *AddressSpace) removeRegion(idx int) {
	copy(as.regions[idx:], as.regions[idx+1:])
	as.regions[len(as.regions)-1] = nil
	as.regions = as.regions[:len(as.regions)-1]
}

// freeRange returns the lowest free range of size bytes at or above hint.
func (as *AddressSpace) freeRange(hint, size uintptr) (uintptr, bool) {
	candidate := hint
	if candidate < UserBase {
		candidate = UserBase
	}

	for _, r := range as.regions {
		if r.end <= candidate {
			continue
		}
		if candidate+size <= r.start {
			return candidate, true
		}
		candidate = r.end
	}

	if candidate+size < candidate || candidate+size > UserTop {
		return 0, false
	}
	return candidate, true
}
