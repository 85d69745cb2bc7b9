package slab

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/ilist"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

var (
	log = kfmt.Get("slab")

	// sizeClasses are the object sizes served by Kmalloc caches. Larger
	// requests are served directly by the frame allocator.
	sizeClasses = []uintptr{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

	errNotKmalloc   = &kernel.Error{Module: "slab", Message: "address was not returned by Kmalloc", Kind: kernel.KindInvalid}
	errZeroSize     = &kernel.Error{Module: "slab", Message: "zero-sized allocation", Kind: kernel.KindInvalid}
	errUnknownCache = &kernel.Error{Module: "slab", Message: "cache is not registered", Kind: kernel.KindInvalid}
)

// Allocator owns the registered caches and the Kmalloc size classes.
type Allocator struct {
	lock sync.Spinlock

	pmm    *pmm.Allocator
	nextID uint32
	caches map[uint32]*Cache

	// kmalloc caches are created on first use of their size class.
	kmalloc []*Cache

	// large tracks Kmalloc blocks served directly by the frame allocator.
	large map[mm.Frame]mm.PageOrder
}

// New returns an allocator that carves slabs from frames obtained from
// alloc.
func New(alloc *pmm.Allocator) *Allocator {
	return &Allocator{
		pmm:     alloc,
		nextID:  1,
		caches:  make(map[uint32]*Cache),
		kmalloc: make([]*Cache, len(sizeClasses)),
		large:   make(map[mm.Frame]mm.PageOrder),
	}
}

// CreateCache registers a new cache for objects of the given size and
// alignment. The optional ctor runs on every object when its slab is carved
// and dtor when the slab is released.
func (a *Allocator) CreateCache(name string, size, align uintptr, ctor, dtor Ctor) (*Cache, error) {
	a.lock.Acquire()
	defer a.lock.Release()

	c, err := newCache(a.pmm, a.nextID, name, size, align, ctor, dtor)
	if err != nil {
		return nil, err
	}

	a.caches[c.id] = c
	a.nextID++
	log.Debugf("created cache %q: object size %d, stride %d, %d objects per slab", name, size, c.stride, c.perSlab)
	return c, nil
}

// DestroyCache releases every slab of a cache and unregisters it. It fails
// if the cache still has objects in use.
func (a *Allocator) DestroyCache(c *Cache) error {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.caches[c.id] != c {
		return errUnknownCache
	}

	if err := c.destroy(); err != nil {
		return err
	}

	delete(a.caches, c.id)
	for i, kc := range a.kmalloc {
		if kc == c {
			a.kmalloc[i] = nil
		}
	}
	return nil
}

// Kmalloc allocates size bytes from the smallest size class that fits.
// Requests larger than the largest class are served by the frame allocator.
func (a *Allocator) Kmalloc(size uintptr) (Object, error) {
	if size == 0 {
		return 0, errZeroSize
	}

	class := sort.Search(len(sizeClasses), func(i int) bool { return sizeClasses[i] >= size })
	if class == len(sizeClasses) {
		return a.allocLarge(size)
	}

	c, err := a.classCache(class)
	if err != nil {
		return 0, err
	}
	return c.Alloc()
}

func (a *Allocator) classCache(class int) (*Cache, error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if c := a.kmalloc[class]; c != nil {
		return c, nil
	}

	size := sizeClasses[class]
	c, err := newCache(a.pmm, a.nextID, fmt.Sprintf("kmalloc-%d", size), size, size, nil, nil)
	if err != nil {
		return nil, err
	}

	a.caches[c.id] = c
	a.nextID++
	a.kmalloc[class] = c
	return c, nil
}

func (a *Allocator) allocLarge(size uintptr) (Object, error) {
	order := mm.OrderFor(mm.Size(size))
	frame, err := a.pmm.Allocate(order, pmm.ZoneNormal, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "kmalloc %d bytes", size)
	}

	a.lock.Acquire()
	a.large[frame] = order
	a.lock.Release()
	return Object(frame.Address()), nil
}

// Kfree releases memory obtained from Kmalloc or from any registered cache.
// The owning cache is identified from the frame metadata.
func (a *Allocator) Kfree(obj Object) error {
	owner, id := a.pmm.Owner(obj.Frame())

	a.lock.Acquire()
	switch owner {
	case pmm.OwnerSlab:
		c := a.caches[id]
		a.lock.Release()
		if c == nil {
			return errors.Wrapf(errUnknownCache, "object 0x%x", uintptr(obj))
		}
		return c.Free(obj)
	case pmm.OwnerKernel:
		order, ok := a.large[obj.Frame()]
		if ok && uintptr(obj) == obj.Frame().Address() {
			delete(a.large, obj.Frame())
			a.lock.Release()
			return a.pmm.Free(obj.Frame(), order)
		}
	}
	a.lock.Release()

	return errors.Wrapf(errNotKmalloc, "object 0x%x", uintptr(obj))
}

// Bytes returns the memory of an object returned by Kmalloc or by a
// registered cache.
func (a *Allocator) Bytes(obj Object) []byte {
	owner, id := a.pmm.Owner(obj.Frame())

	a.lock.Acquire()
	defer a.lock.Release()

	switch owner {
	case pmm.OwnerSlab:
		if c := a.caches[id]; c != nil {
			return c.Bytes(obj)
		}
	case pmm.OwnerKernel:
		if order, ok := a.large[obj.Frame()]; ok && uintptr(obj) == obj.Frame().Address() {
			return a.pmm.BlockData(obj.Frame(), order)
		}
	}
	return nil
}

// ShrinkAll shrinks every registered cache and returns the number of frames
// released. Caches that are busy are skipped.
func (a *Allocator) ShrinkAll() int {
	var released int
	for _, c := range a.sortedCaches() {
		released += c.tryShrink()
	}
	return released
}

func (a *Allocator) sortedCaches() []*Cache {
	a.lock.Acquire()
	caches := make([]*Cache, 0, len(a.caches))
	for _, c := range a.caches {
		caches = append(caches, c)
	}
	a.lock.Release()

	sort.Slice(caches, func(i, j int) bool { return caches[i].id < caches[j].id })
	return caches
}

// CacheStats is a point-in-time view of a cache's occupancy.
type CacheStats struct {
	Name           string `json:"name"`
	ObjectSize     uint64 `json:"objectSize"`
	ObjectsPerSlab int    `json:"objectsPerSlab"`

	FullSlabs    int `json:"fullSlabs"`
	PartialSlabs int `json:"partialSlabs"`
	FreeSlabs    int `json:"freeSlabs"`

	InUse int `json:"inUse"`
	Free  int `json:"free"`

	Allocs  uint64 `json:"allocs"`
	Frees   uint64 `json:"frees"`
	Grows   uint64 `json:"grows"`
	Shrinks uint64 `json:"shrinks"`
}

// Slabs returns the total number of slabs.
func (s CacheStats) Slabs() int {
	return s.FullSlabs + s.PartialSlabs + s.FreeSlabs
}

// Stats returns the occupancy of the cache.
func (c *Cache) Stats() CacheStats {
	c.lock.Acquire()
	defer c.lock.Release()

	stats := CacheStats{
		Name:           c.name,
		ObjectSize:     uint64(c.size),
		ObjectsPerSlab: c.perSlab,
		FullSlabs:      c.full.Len(),
		PartialSlabs:   c.partial.Len(),
		FreeSlabs:      c.free.Len(),
		Allocs:         atomic.LoadUint64(&c.allocs),
		Frees:          atomic.LoadUint64(&c.frees),
		Grows:          atomic.LoadUint64(&c.grows),
		Shrinks:        atomic.LoadUint64(&c.shrinks),
	}

	for _, l := range []*ilist.List{&c.full, &c.partial, &c.free} {
		l.Each(c, func(idx int) bool {
			stats.InUse += c.slabs[idx].inUse
			stats.Free += c.perSlab - c.slabs[idx].inUse
			return true
		})
	}
	return stats
}

// Stats returns the occupancy of every registered cache ordered by creation.
func (a *Allocator) Stats() []CacheStats {
	caches := a.sortedCaches()
	stats := make([]CacheStats, 0, len(caches))
	for _, c := range caches {
		stats = append(stats, c.Stats())
	}
	return stats
}
