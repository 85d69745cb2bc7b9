package vmm

import (
	"testing"

	"github.com/nassro199/Horizon-sub003/kernel/mm"
)

func TestForkCopyOnWrite(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	parent := newTestSpace(t, reg)
	r := mustMap(t, parent, 0, 2*mm.PageSize, ProtRead|ProtWrite, Anonymous(), 0)

	if err := parent.Write(0, r.Start, []byte("parent")); err != nil {
		t.Fatal(err)
	}

	child, err := parent.Fork(0)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := parent.Regions(), child.Regions(); len(got) != len(exp) || got[0] != exp[0] {
		t.Fatalf("expected child regions %+v; got %+v", exp, got)
	}

	parentPhys, _ := parent.Translate(r.Start)
	childPhys, err := child.Translate(r.Start)
	if err != nil {
		t.Fatal(err)
	}
	if parentPhys != childPhys {
		t.Fatal("expected parent and child to share the frame after fork")
	}

	frame := mm.FrameFromAddress(parentPhys)
	if exp, got := int32(2), reg.PMM().Refs(frame); got != exp {
		t.Fatalf("expected shared frame to have %d references; got %d", exp, got)
	}
	if exp, got := 2, reg.MapCount(frame); got != exp {
		t.Fatalf("expected shared frame to be mapped %d times; got %d", exp, got)
	}

	for _, as := range []*AddressSpace{parent, child} {
		pte, _ := as.presentPTE(mm.PageFromAddress(r.Start))
		if pte.HasFlags(FlagRW) || !pte.HasFlags(FlagCopyOnWrite) {
			t.Fatalf("as %d: expected entry to be copy-on-write; flags 0x%x", as.ID(), uint64(*pte))
		}
	}

	if err = child.Write(0, r.Start, []byte("child")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 6)
	if err = parent.Read(0, r.Start, buf); err != nil || string(buf) != "parent" {
		t.Fatalf("expected parent to keep its contents; got %q (err: %v)", buf, err)
	}
	if err = child.Read(0, r.Start, buf); err != nil || string(buf) != "childt" {
		t.Fatalf("expected child to see its write over the copied contents; got %q (err: %v)", buf, err)
	}

	childPhys, _ = child.Translate(r.Start)
	if childPhys == parentPhys {
		t.Fatal("expected the child write to break the sharing")
	}
	if exp, got := int32(1), reg.PMM().Refs(frame); got != exp {
		t.Fatalf("expected original frame to have %d reference; got %d", exp, got)
	}

	// The parent is now the only user and writes without copying
	freeBefore := reg.PMM().FreePages()
	if err = parent.Write(0, r.Start, []byte("P")); err != nil {
		t.Fatal(err)
	}
	if got, _ := parent.Translate(r.Start); got != parentPhys {
		t.Fatal("expected the last user to keep its frame")
	}
	if got := reg.PMM().FreePages(); got != freeBefore {
		t.Fatal("expected the last user write not to allocate")
	}

	if exp, got := uint64(1), reg.Stats().CoWBreaks; got != exp {
		t.Fatalf("expected %d copy-on-write break; got %d", exp, got)
	}

	if err = child.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err = parent.Read(0, r.Start, buf[:1]); err != nil || buf[0] != 'P' {
		t.Fatalf("expected parent to survive child teardown; got %q (err: %v)", buf[:1], err)
	}
}

func TestForkSharedRegion(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	parent := newTestSpace(t, reg)
	obj := NewSharedObject()
	r := mustMap(t, parent, 0, mm.PageSize, ProtRead|ProtWrite, Shared(obj), 0)

	if err := parent.Write(0, r.Start, []byte{1}); err != nil {
		t.Fatal(err)
	}

	child, err := parent.Fork(0)
	if err != nil {
		t.Fatal(err)
	}

	if err = child.Write(0, r.Start, []byte{2}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1)
	if err = parent.Read(0, r.Start, buf); err != nil || buf[0] != 2 {
		t.Fatalf("expected shared writes to be visible to the parent; got %v (err: %v)", buf, err)
	}
	if exp, got := uint64(0), reg.Stats().CoWBreaks; got != exp {
		t.Fatalf("expected no copy-on-write break; got %d", got)
	}

	phys, _ := parent.Translate(r.Start)
	frame := mm.FrameFromAddress(phys)
	if exp, got := int32(3), reg.PMM().Refs(frame); got != exp {
		t.Fatalf("expected %d references (object and two mappings); got %d", exp, got)
	}

	if err = parent.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err = child.Destroy(); err != nil {
		t.Fatal(err)
	}
	if exp, got := 0, obj.Pages(); got != exp {
		t.Fatalf("expected the last user to release the object pages; got %d", got)
	}
}
