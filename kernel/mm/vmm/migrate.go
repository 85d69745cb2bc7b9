package vmm

import (
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
)

// maxLockAttempts bounds the number of times LockMappings retries when the
// mappings of a frame change while their address spaces are being locked.
const maxLockAttempts = 4

// Mappings holds the locks of every address space that maps a frame. While
// it is held no mapping of the frame can be added or removed.
type Mappings struct {
	reg     *Registry
	frame   mm.Frame
	entries []mapping
	slot    *objectSlot
	spaces  []*AddressSpace
}

// LockMappings locks every address space that maps frame. Address spaces
// are locked in ID order. The caller must call Unlock.
func (r *Registry) LockMappings(frame mm.Frame) (*Mappings, error) {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		entries, slot := r.mappingsOf(frame)
		if len(entries) == 0 {
			return nil, errors.Wrapf(errNotMapped, "frame 0x%x", frame.Address())
		}

		spaces := spacesOf(entries)
		for _, as := range spaces {
			as.lock.Acquire()
		}

		// Mappings may have changed before the last lock was taken
		current, curSlot := r.mappingsOf(frame)
		if sameMappings(entries, current) && (slot == nil) == (curSlot == nil) {
			return &Mappings{reg: r, frame: frame, entries: current, slot: curSlot, spaces: spaces}, nil
		}

		unlockSpaces(spaces)
	}

	return nil, errors.Wrapf(errMappingsBusy, "frame 0x%x", frame.Address())
}

// spacesOf returns the distinct address spaces of entries ordered by ID.
func spacesOf(entries []mapping) []*AddressSpace {
	seen := make(map[*AddressSpace]struct{}, len(entries))
	spaces := make([]*AddressSpace, 0, len(entries))
	for _, m := range entries {
		if _, ok := seen[m.as]; ok {
			continue
		}
		seen[m.as] = struct{}{}
		spaces = append(spaces, m.as)
	}

	sort.Slice(spaces, func(i, j int) bool { return spaces[i].id < spaces[j].id })
	return spaces
}

func sameMappings(a, b []mapping) bool {
	if len(a) != len(b) {
		return false
	}

	set := make(map[mapping]int, len(a))
	for _, m := range a {
		set[m]++
	}
	for _, m := range b {
		if set[m]--; set[m] < 0 {
			return false
		}
	}
	return true
}

func unlockSpaces(spaces []*AddressSpace) {
	for i := len(spaces) - 1; i >= 0; i-- {
		spaces[i].lock.Release()
	}
}

// Frame returns the frame whose mappings are locked.
func (m *Mappings) Frame() mm.Frame { return m.frame }

// Count returns the number of page table entries that map the frame.
func (m *Mappings) Count() int { return len(m.entries) }

// Unlock releases the address space locks.
func (m *Mappings) Unlock() {
	unlockSpaces(m.spaces)
	m.spaces = nil
}

// Repoint makes every mapping of the locked frame point to newFrame and
// releases the locked frame. The reference the caller holds on newFrame is
// transferred to the mappings. Repoint fails if the frame has references
// that are not mappings.
func (m *Mappings) Repoint(newFrame mm.Frame) error {
	r := m.reg
	old := m.frame

	refs := int32(len(m.entries))
	if m.slot != nil {
		refs++
	}
	if got := r.pmm.Refs(old); got != refs {
		return errors.Wrapf(errFramePinned, "frame 0x%x: %d references, %d mappings", old.Address(), got, refs)
	}

	ptes := make([]*pageTableEntry, len(m.entries))
	for i, e := range m.entries {
		pte, ok := e.as.presentPTE(e.page)
		if !ok || pte.Frame() != old {
			err := errors.Wrapf(errRmapMismatch, "as %d page 0x%x frame 0x%x", e.as.id, e.page.Address(), old.Address())
			kfmt.Panic(err)
			return err
		}
		ptes[i] = pte
	}

	for i, e := range m.entries {
		ptes[i].SetFrame(newFrame)
		e.as.repointResident(e.page, newFrame)
		r.tlb.Invalidate(e.as.asid, e.page)
	}

	if m.slot != nil {
		m.slot.obj.lock.Acquire()
		m.slot.obj.frames[m.slot.index] = newFrame
		m.slot.obj.lock.Release()
	}

	r.rmapLock.Acquire()
	r.rmap[newFrame] = append(r.rmap[newFrame], r.rmap[old]...)
	delete(r.rmap, old)
	if slot, ok := r.objects[old]; ok {
		r.objects[newFrame] = slot
		delete(r.objects, old)
	}
	r.rmapLock.Release()

	for i := int32(1); i < refs; i++ {
		if err := r.pmm.Get(newFrame); err != nil {
			return err
		}
	}

	owner, id := r.pmm.Owner(old)
	_ = r.pmm.SetOwner(newFrame, owner, id)
	r.pmm.SetFlags(newFrame, r.pmm.Flags(old)&pmm.FrameReferenced)

	for i := int32(0); i < refs; i++ {
		r.releaseFrame(old)
	}

	m.frame = newFrame
	atomic.AddUint64(&r.stats.repoints, 1)
	return nil
}

// MoveFrame copies the contents of old into newFrame and repoints every
// mapping of old to it. newFrame must be a frame the caller just allocated.
// Its reference is consumed on success; on failure the caller still owns it.
func (r *Registry) MoveFrame(old, newFrame mm.Frame) error {
	m, err := r.LockMappings(old)
	if err != nil {
		return err
	}
	defer m.Unlock()

	if r.coherency != nil {
		r.coherency.FlushFrame(old)
	}
	r.pmm.CopyFrame(newFrame, old)
	return m.Repoint(newFrame)
}
