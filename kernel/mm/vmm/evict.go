package vmm

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
)

var (
	errSpaceBusy      = &kernel.Error{Module: "vmm", Message: "address space is busy", Kind: kernel.KindExhausted}
	errNotResident    = &kernel.Error{Module: "vmm", Message: "page is not resident", Kind: kernel.KindInvalid}
	errPageShared     = &kernel.Error{Module: "vmm", Message: "page is mapped by more than one address space", Kind: kernel.KindInvalid}
	errDoubleEviction = &kernel.Error{Module: "vmm", Message: "page is both resident and evicted", Kind: kernel.KindInconsistent}
)

// StoreFn saves the contents of a page that is being evicted and returns the
// entry that FaultIn later reads it back from.
type StoreFn func(data []byte) (SwapEntry, error)

// Evicted describes the outcome of a successful eviction.
type Evicted struct {
	// Entry is the swap entry holding the page contents. It is
	// InvalidSwapEntry for dropped pages.
	Entry SwapEntry

	// Dropped is set for clean file pages whose contents were discarded
	// because they can be read back from the file.
	Dropped bool
}

// EvictPage unmaps a resident private page and releases its frame. The page
// contents are saved with store unless the page is a clean file page. The
// call fails with a KindExhausted error instead of blocking if the address
// space is busy.
func (as *AddressSpace) EvictPage(page mm.Page, store StoreFn) (Evicted, error) {
	if !as.lock.TryToAcquire() {
		return Evicted{}, errors.Wrapf(errSpaceBusy, "as %d", as.id)
	}
	defer as.lock.Release()

	if as.destroyed {
		return Evicted{}, errDestroyed
	}

	_, r := as.findRegion(page.Address())
	if r == nil {
		return Evicted{}, errors.Wrapf(errNotResident, "as %d page 0x%x", as.id, page.Address())
	}

	if entry, ok := r.swapped[page]; ok {
		err := errors.Wrapf(errDoubleEviction, "as %d page 0x%x entry %d", as.id, page.Address(), entry)
		kfmt.Panic(err)
		return Evicted{}, err
	}

	pte, ok := as.presentPTE(page)
	if !ok {
		return Evicted{}, errors.Wrapf(errNotResident, "as %d page 0x%x", as.id, page.Address())
	}

	frame := pte.Frame()
	if r.backing.Kind == BackingShared || as.reg.pmm.Refs(frame) > 1 {
		return Evicted{}, errors.Wrapf(errPageShared, "as %d page 0x%x", as.id, page.Address())
	}

	saved := *pte
	dirty := saved.HasFlags(FlagDirty) || as.residentDirty(page)

	*pte = 0
	as.reg.tlb.Invalidate(as.asid, page)
	if as.reg.coherency != nil {
		as.reg.coherency.FlushFrame(frame)
	}

	var result Evicted
	if r.backing.Kind == BackingFile && !dirty {
		result.Dropped = true
		atomic.AddUint64(&as.reg.stats.droppedPages, 1)
	} else {
		entry, err := store(as.reg.pmm.FrameData(frame))
		if err != nil {
			*pte = saved
			return Evicted{}, errors.Wrapf(err, "as %d page 0x%x: eviction abandoned", as.id, page.Address())
		}

		r.swapped[page] = entry
		result.Entry = entry
		atomic.AddUint64(&as.reg.stats.evictions, 1)
	}

	as.reg.rmapRemove(frame, as, page)
	as.removeResident(page)
	as.reg.releaseFrame(frame)
	return result, nil
}

// residentDirty returns the dirty bit recorded for a resident page.
func (as *AddressSpace) residentDirty(page mm.Page) bool {
	as.residentLock.Acquire()
	defer as.residentLock.Release()

	if idx, ok := as.residentIdx[page]; ok {
		return as.resident[idx].dirty
	}
	return false
}
