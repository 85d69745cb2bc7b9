package vmm

import (
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/ilist"
)

// ResidentPage describes a page that is mapped to a frame.
type ResidentPage struct {
	Space *AddressSpace
	Page  mm.Page
	Frame mm.Frame
	Kind  BackingKind

	// Installed and LastAccess are logical times taken from the registry
	// clock.
	Installed  uint64
	LastAccess uint64

	// Referenced is set by every access and cleared by ClearReferenced.
	Referenced bool
	Dirty      bool

	// Shared is set if the frame is mapped more than once.
	Shared bool
}

// Link implements ilist.Arena over the resident pages.
func (as *AddressSpace) Link(idx int) *ilist.Link {
	return &as.resident[idx].link
}

// addResident starts tracking a page that was just mapped.
func (as *AddressSpace) addResident(page mm.Page, frame mm.Frame, kind BackingKind, dirty bool) {
	now := as.reg.tick()

	as.residentLock.Acquire()
	defer as.residentLock.Release()

	var idx int
	if n := len(as.residentFree); n > 0 {
		idx = as.residentFree[n-1]
		as.residentFree = as.residentFree[:n-1]
	} else {
		as.resident = append(as.resident, residentPage{})
		idx = len(as.resident) - 1
	}

	as.resident[idx] = residentPage{
		page:       page,
		frame:      frame,
		kind:       kind,
		installed:  now,
		lastAccess: now,
		referenced: true,
		dirty:      dirty,
	}
	as.residentIdx[page] = idx
	as.residentList.PushBack(as, idx)
}

// removeResident stops tracking a page.
func (as *AddressSpace) removeResident(page mm.Page) {
	as.residentLock.Acquire()
	defer as.residentLock.Release()

	idx, ok := as.residentIdx[page]
	if !ok {
		return
	}

	as.residentList.Remove(as, idx)
	as.resident[idx] = residentPage{}
	delete(as.residentIdx, page)
	as.residentFree = append(as.residentFree, idx)
}

// repointResident records that a resident page now maps frame.
func (as *AddressSpace) repointResident(page mm.Page, frame mm.Frame) {
	as.residentLock.Acquire()
	if idx, ok := as.residentIdx[page]; ok {
		as.resident[idx].frame = frame
	}
	as.residentLock.Release()
}

// touch records an access to a resident page.
func (as *AddressSpace) touch(page mm.Page, write bool) {
	now := as.reg.tick()

	as.residentLock.Acquire()
	if idx, ok := as.residentIdx[page]; ok {
		rp := &as.resident[idx]
		rp.lastAccess = now
		rp.referenced = true
		rp.dirty = rp.dirty || write
	}
	as.residentLock.Release()
}

// ResidentCount returns the number of resident pages.
func (as *AddressSpace) ResidentCount() int {
	as.residentLock.Acquire()
	defer as.residentLock.Release()
	return len(as.residentIdx)
}

// ResidentPages returns the resident pages in the order they became
// resident. It does not take the address space lock and can be used while
// another processor resolves a fault in the address space.
func (as *AddressSpace) ResidentPages() []ResidentPage {
	as.residentLock.Acquire()
	pages := make([]ResidentPage, 0, as.residentList.Len())
	as.residentList.Each(as, func(idx int) bool {
		rp := &as.resident[idx]
		pages = append(pages, ResidentPage{
			Space:      as,
			Page:       rp.page,
			Frame:      rp.frame,
			Kind:       rp.kind,
			Installed:  rp.installed,
			LastAccess: rp.lastAccess,
			Referenced: rp.referenced,
			Dirty:      rp.dirty,
		})
		return true
	})
	as.residentLock.Release()

	for i := range pages {
		pages[i].Shared = pages[i].Kind == BackingShared || as.reg.pmm.Refs(pages[i].Frame) > 1
	}
	return pages
}

// ClearReferenced clears the referenced bit of a resident page and returns
// its previous value.
func (as *AddressSpace) ClearReferenced(page mm.Page) bool {
	as.residentLock.Acquire()
	defer as.residentLock.Release()

	idx, ok := as.residentIdx[page]
	if !ok {
		return false
	}

	referenced := as.resident[idx].referenced
	as.resident[idx].referenced = false
	return referenced
}
