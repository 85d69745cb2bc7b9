// Package slab implements object caches on top of the physical frame
// allocator. Each cache carves frames into equally sized objects and keeps
// its slabs on full, partial and free lists.
package slab

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/ilist"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

const (
	// MaxObjectSize is the largest object a cache can hold.
	MaxObjectSize = mm.PageSize

	// freePtrSize is the size of the embedded free-list link.
	freePtrSize = 4

	// minAlign is the alignment used when the caller requests none.
	minAlign = 8
)

var (
	errBadObjectSize = &kernel.Error{Module: "slab", Message: "object size must be in the range [1, page size]", Kind: kernel.KindInvalid}
	errBadAlignment  = &kernel.Error{Module: "slab", Message: "alignment must be a power of two not exceeding the page size", Kind: kernel.KindInvalid}
	errWrongCache    = &kernel.Error{Module: "slab", Message: "object does not belong to this cache", Kind: kernel.KindInvalid}
	errBadObject     = &kernel.Error{Module: "slab", Message: "address does not point to the start of an object", Kind: kernel.KindInvalid}
	errDoubleFree    = &kernel.Error{Module: "slab", Message: "object is already free", Kind: kernel.KindInvalid}
	errCacheBusy     = &kernel.Error{Module: "slab", Message: "cache has objects in use", Kind: kernel.KindInvalid}
	errSlabCorrupted = &kernel.Error{Module: "slab", Message: "slab free list is corrupted", Kind: kernel.KindInconsistent}
)

// Object is the physical address of an object allocated from a cache.
type Object uintptr

// Frame returns the frame that holds the object.
func (o Object) Frame() mm.Frame {
	return mm.FrameFromAddress(uintptr(o))
}

// Ctor initializes or tears down an object's memory.
type Ctor func(obj []byte)

// slabList identifies the list a slab currently sits on.
type slabList uint8

const (
	listNone slabList = iota
	listFull
	listPartial
	listFree
)

// slab describes a frame carved into objects. Slabs live in the cache's
// arena and are linked through their index.
type slab struct {
	link  ilist.Link
	frame mm.Frame
	list  slabList

	inUse int

	// freeHead is the offset of the first free object plus one. Each free
	// object stores the offset of the next one (plus one) at freePtrOffset.
	freeHead uint32

	// allocated tracks objects handed out, to detect double frees.
	allocated []uint64
}

// Cache is a pool of equally sized objects.
type Cache struct {
	lock sync.Spinlock

	id    uint32
	name  string
	size  uintptr
	align uintptr

	// stride is the distance between consecutive objects and perSlab the
	// number of objects carved from each slab.
	stride  uintptr
	perSlab int

	// freePtrOffset is the offset inside each object where the free-list
	// link is stored. When a constructor is registered, the link is placed
	// past the object so constructed state survives while it is free.
	freePtrOffset uintptr

	ctor, dtor Ctor

	pmm *pmm.Allocator

	slabs       []slab
	unusedSlots []int
	byFrame     map[mm.Frame]int

	full, partial, free ilist.List

	allocs, frees, grows, shrinks uint64
}

// newCache validates the cache geometry and returns an empty cache.
func newCache(alloc *pmm.Allocator, id uint32, name string, size, align uintptr, ctor, dtor Ctor) (*Cache, error) {
	if size == 0 || size > MaxObjectSize {
		return nil, errors.Wrapf(errBadObjectSize, "cache %q: size %d", name, size)
	}
	if align == 0 {
		align = minAlign
	}
	if align&(align-1) != 0 || align > mm.PageSize {
		return nil, errors.Wrapf(errBadAlignment, "cache %q: align %d", name, align)
	}

	c := &Cache{
		id:      id,
		name:    name,
		size:    size,
		align:   align,
		ctor:    ctor,
		dtor:    dtor,
		pmm:     alloc,
		byFrame: make(map[mm.Frame]int),
	}

	objSize := size
	if ctor != nil {
		c.freePtrOffset = size
		objSize += freePtrSize
	} else if objSize < freePtrSize {
		objSize = freePtrSize
	}
	c.stride = (objSize + align - 1) &^ (align - 1)
	if c.stride > mm.PageSize {
		return nil, errors.Wrapf(errBadObjectSize, "cache %q: object with free pointer exceeds a page", name)
	}
	c.perSlab = int(mm.PageSize / c.stride)

	return c, nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the size of the cache objects.
func (c *Cache) ObjectSize() uintptr { return c.size }

// ObjectsPerSlab returns the number of objects carved from each slab.
func (c *Cache) ObjectsPerSlab() int { return c.perSlab }

// Link implements ilist.Arena over the cache's slabs.
func (c *Cache) Link(idx int) *ilist.Link {
	return &c.slabs[idx].link
}

// Alloc returns an object from the cache. Partial slabs are used first, then
// free slabs; a new slab is carved from a fresh frame only when both lists
// are empty.
func (c *Cache) Alloc() (Object, error) {
	c.lock.Acquire()
	defer c.lock.Release()

	idx, ok := c.partial.Front()
	if !ok {
		if idx, ok = c.free.Front(); !ok {
			var err error
			if idx, err = c.grow(); err != nil {
				return 0, err
			}
		}
	}

	s := &c.slabs[idx]
	data := c.pmm.FrameData(s.frame)

	off := uintptr(s.freeHead - 1)
	if s.freeHead == 0 || off%c.stride != 0 || off >= uintptr(c.perSlab)*c.stride {
		err := errors.Wrapf(errSlabCorrupted, "cache %q slab 0x%x", c.name, s.frame.Address())
		kfmt.Panic(err)
		return 0, err
	}
	s.freeHead = binary.LittleEndian.Uint32(data[off+c.freePtrOffset:])

	objIdx := int(off / c.stride)
	s.allocated[objIdx/64] |= 1 << (objIdx % 64)
	s.inUse++
	c.relink(idx)

	atomic.AddUint64(&c.allocs, 1)
	return Object(s.frame.Address() + off), nil
}

// Free returns an object to its slab. Objects that belong to another cache
// or that are already free are rejected.
func (c *Cache) Free(obj Object) error {
	c.lock.Acquire()
	defer c.lock.Release()

	idx, ok := c.byFrame[obj.Frame()]
	if !ok {
		return errors.Wrapf(errWrongCache, "cache %q object 0x%x", c.name, uintptr(obj))
	}

	s := &c.slabs[idx]
	off := uintptr(obj) - s.frame.Address()
	if off%c.stride != 0 || off >= uintptr(c.perSlab)*c.stride {
		return errors.Wrapf(errBadObject, "cache %q object 0x%x", c.name, uintptr(obj))
	}

	objIdx := int(off / c.stride)
	if s.allocated[objIdx/64]&(1<<(objIdx%64)) == 0 {
		return errors.Wrapf(errDoubleFree, "cache %q object 0x%x", c.name, uintptr(obj))
	}
	s.allocated[objIdx/64] &^= 1 << (objIdx % 64)

	data := c.pmm.FrameData(s.frame)
	binary.LittleEndian.PutUint32(data[off+c.freePtrOffset:], s.freeHead)
	s.freeHead = uint32(off + 1)
	s.inUse--
	c.relink(idx)

	atomic.AddUint64(&c.frees, 1)
	return nil
}

// Bytes returns the memory of an object allocated from this cache.
func (c *Cache) Bytes(obj Object) []byte {
	off := uintptr(obj) - obj.Frame().Address()
	return c.pmm.FrameData(obj.Frame())[off : off+c.size]
}

// Shrink returns every fully free slab to the frame allocator and reports
// the number of frames released.
func (c *Cache) Shrink() int {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.shrink()
}

// tryShrink is Shrink for the reclaim path. Reclaim may run while this cache
// is growing, so a busy cache is skipped.
func (c *Cache) tryShrink() int {
	if !c.lock.TryToAcquire() {
		return 0
	}
	defer c.lock.Release()
	return c.shrink()
}

// shrink implements Shrink. The cache lock must be held.
func (c *Cache) shrink() int {
	var released int
	for {
		idx, ok := c.free.Front()
		if !ok {
			break
		}

		if err := c.release(idx); err != nil {
			log.WithError(err).Warnf("cache %q: unable to release slab", c.name)
			break
		}
		released++
	}

	if released > 0 {
		atomic.AddUint64(&c.shrinks, 1)
		log.Debugf("cache %q: released %d slabs", c.name, released)
	}
	return released
}

// destroy releases every slab. It fails if any object is still in use.
func (c *Cache) destroy() error {
	c.lock.Acquire()
	defer c.lock.Release()

	if c.full.Len() != 0 || c.partial.Len() != 0 {
		return errors.Wrapf(errCacheBusy, "cache %q", c.name)
	}

	for {
		idx, ok := c.free.Front()
		if !ok {
			return nil
		}
		if err := c.release(idx); err != nil {
			return err
		}
	}
}

// grow carves a new slab from a fresh frame and places it on the free list.
// The cache lock must be held.
func (c *Cache) grow() (int, error) {
	frame, err := c.pmm.Allocate(0, pmm.ZoneNormal, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "cache %q: grow", c.name)
	}

	if err = c.pmm.SetOwner(frame, pmm.OwnerSlab, c.id); err != nil {
		_ = c.pmm.Free(frame, 0)
		return 0, err
	}

	var idx int
	if n := len(c.unusedSlots); n > 0 {
		idx = c.unusedSlots[n-1]
		c.unusedSlots = c.unusedSlots[:n-1]
	} else {
		c.slabs = append(c.slabs, slab{})
		idx = len(c.slabs) - 1
	}

	s := &c.slabs[idx]
	*s = slab{
		frame:     frame,
		allocated: make([]uint64, (c.perSlab+63)/64),
	}

	// Thread the free list through the objects in address order
	data := c.pmm.FrameData(frame)
	for objIdx := c.perSlab - 1; objIdx >= 0; objIdx-- {
		off := uintptr(objIdx) * c.stride
		if c.ctor != nil {
			c.ctor(data[off : off+c.size])
		}
		binary.LittleEndian.PutUint32(data[off+c.freePtrOffset:], s.freeHead)
		s.freeHead = uint32(off + 1)
	}

	c.byFrame[frame] = idx
	c.relink(idx)
	atomic.AddUint64(&c.grows, 1)
	return idx, nil
}

// release returns a free slab's frame to the allocator. The cache lock must
// be held.
func (c *Cache) release(idx int) error {
	s := &c.slabs[idx]

	if c.dtor != nil {
		data := c.pmm.FrameData(s.frame)
		for objIdx := 0; objIdx < c.perSlab; objIdx++ {
			off := uintptr(objIdx) * c.stride
			c.dtor(data[off : off+c.size])
		}
	}

	if err := c.pmm.Free(s.frame, 0); err != nil {
		return err
	}

	c.free.Remove(c, idx)
	delete(c.byFrame, s.frame)
	*s = slab{}
	c.unusedSlots = append(c.unusedSlots, idx)
	return nil
}

// relink moves a slab to the list that matches its in-use count. The cache
// lock must be held.
func (c *Cache) relink(idx int) {
	s := &c.slabs[idx]

	target := listPartial
	switch s.inUse {
	case 0:
		target = listFree
	case c.perSlab:
		target = listFull
	}

	if target == s.list {
		return
	}

	if l := c.list(s.list); l != nil {
		l.Remove(c, idx)
	}
	c.list(target).PushFront(c, idx)
	s.list = target
}

func (c *Cache) list(l slabList) *ilist.List {
	switch l {
	case listFull:
		return &c.full
	case listPartial:
		return &c.partial
	case listFree:
		return &c.free
	default:
		return nil
	}
}
