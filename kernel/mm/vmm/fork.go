package vmm

import (
	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
)

// Fork creates a copy of the address space. Private pages are shared
// copy-on-write between the two address spaces and shared regions keep
// mapping the same object. Evicted pages are read back by processor id
// before they are shared.
func (as *AddressSpace) Fork(id cpu.ID) (*AddressSpace, error) {
	child, err := as.reg.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	as.lock.Acquire()
	child.lock.Acquire()
	downgraded, err := as.forkLocked(id, child)
	child.lock.Release()

	if downgraded {
		// Parent entries lost write access
		as.reg.tlb.Flush(as.asid)
	}
	as.lock.Release()

	if err != nil {
		_ = child.Destroy()
		return nil, errors.Wrapf(err, "fork of address space %d", as.id)
	}

	log.Debugf("forked address space %d into %d", as.id, child.id)
	return child, nil
}

// forkLocked populates child with the mappings of as. Both address space
// locks must be held. It returns true if any parent entry was downgraded to
// copy-on-write.
func (as *AddressSpace) forkLocked(id cpu.ID, child *AddressSpace) (bool, error) {
	if as.destroyed {
		return false, errDestroyed
	}

	if err := as.swapInAll(id); err != nil {
		return false, err
	}

	var downgraded bool
	for _, r := range as.regions {
		clone := &region{
			start:   r.start,
			end:     r.end,
			prot:    r.prot,
			backing: r.backing,
			swapped: make(map[mm.Page]SwapEntry),
		}
		if err := child.attachDescriptor(clone); err != nil {
			return downgraded, err
		}
		if obj := r.backing.Object; obj != nil {
			obj.lock.Acquire()
			obj.users++
			obj.lock.Release()
		}
		child.insertRegion(clone)

		for _, page := range as.residentIn(r.start, r.end) {
			pte, ok := as.presentPTE(page)
			if !ok {
				continue
			}

			if r.backing.Kind != BackingShared && pte.HasFlags(FlagRW) {
				pte.ClearFlags(FlagRW)
				pte.SetFlags(FlagCopyOnWrite)
				downgraded = true
			}

			childPTE, err := child.pteFor(page, true)
			if err != nil {
				return downgraded, err
			}

			frame := pte.Frame()
			if err = as.reg.pmm.Get(frame); err != nil {
				return downgraded, err
			}

			*childPTE = *pte
			childPTE.ClearFlags(FlagAccessed | FlagDirty)
			as.reg.rmapAdd(frame, child, page)
			child.addResident(page, frame, r.backing.Kind, false)
		}
	}

	return downgraded, nil
}

// swapInAll reads every evicted page of the address space back into memory.
// The address space lock must be held.
func (as *AddressSpace) swapInAll(id cpu.ID) error {
	t := as.reg.sched.Current(id)

	for _, r := range as.regions {
		for page := range r.swapped {
			f := &fault{
				cpu:    id,
				task:   t,
				addr:   page.Address(),
				page:   page,
				access: AccessRead,
				region: r,
				frame:  mm.InvalidFrame,
				old:    mm.InvalidFrame,
			}

			if _, err := as.resolve(f); err != nil {
				return err
			}
			as.install(f)
		}
	}
	return nil
}
