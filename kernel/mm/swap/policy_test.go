package swap

import (
	"testing"

	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/vmm"
)

func TestCandidateOrder(t *testing.T) {
	specs := []struct {
		policy Policy
		exp    []int
	}{
		{PolicyNone, []int{}},
		{PolicyLRU, []int{1, 2, 3, 0}},
		{PolicyFIFO, []int{0, 1, 2, 3}},
	}

	for _, spec := range specs {
		e := newTestEngine(t, Options{Policy: spec.policy})
		as, r := populate(t, e, 4)
		touch(t, as, r, 0)

		if got := indices(r, e.ScanCandidates(as, 4)); !equalInts(got, spec.exp) {
			t.Errorf("%s: expected candidates %v; got %v", spec.policy, spec.exp, got)
		}

		if got := indices(r, e.ScanCandidates(as, 2)); len(spec.exp) > 0 && !equalInts(got, spec.exp[:2]) {
			t.Errorf("%s: expected candidates %v; got %v", spec.policy, spec.exp[:2], got)
		}
	}
}

func TestRandomCandidates(t *testing.T) {
	e := newTestEngine(t, Options{Policy: PolicyRandom, Seed: 42})
	as, r := populate(t, e, 8)

	got := sortedInts(indices(r, e.ScanCandidates(as, 8)))
	if exp := []int{0, 1, 2, 3, 4, 5, 6, 7}; !equalInts(got, exp) {
		t.Fatalf("expected every page to be a candidate exactly once; got %v", got)
	}
}

func TestClockSecondChance(t *testing.T) {
	e := newTestEngine(t, Options{Policy: PolicyClock})
	as, r := populate(t, e, 4)

	// Every page was referenced when written. The first sweep clears all
	// referenced bits and selects from the start of the ring.
	if exp, got := []int{0, 1}, indices(r, e.ScanCandidates(as, 2)); !equalInts(got, exp) {
		t.Fatalf("expected candidates %v; got %v", exp, got)
	}

	// The hand resumes after the last page it visited.
	if exp, got := []int{2, 3}, indices(r, e.ScanCandidates(as, 2)); !equalInts(got, exp) {
		t.Fatalf("expected candidates %v; got %v", exp, got)
	}

	// A referenced page is skipped once.
	touch(t, as, r, 0)
	if exp, got := []int{1, 2}, indices(r, e.ScanCandidates(as, 2)); !equalInts(got, exp) {
		t.Fatalf("expected candidates %v; got %v", exp, got)
	}
}

func TestCandidatesSkipSharedPages(t *testing.T) {
	e := newTestEngine(t, Options{Policy: PolicyFIFO})
	as, err := e.reg.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	r, err := as.Map(0, 2*mm.PageSize, vmm.ProtRead|vmm.ProtWrite, vmm.Shared(vmm.NewSharedObject()), 0)
	if err != nil {
		t.Fatal(err)
	}
	touch(t, as, r, 0)
	touch(t, as, r, 1)

	if got := e.ScanCandidates(as, 2); len(got) != 0 {
		t.Fatalf("expected shared pages to be skipped; got %v", indices(r, got))
	}
}

func TestExemptCandidates(t *testing.T) {
	// Odd pages score MaxPriority once the region is known.
	var start uintptr
	e := newTestEngine(t, Options{
		Policy:      PolicyFIFO,
		Prioritizer: PriorityCustom,
		Score: func(page vmm.ResidentPage, _ uint64) int {
			if start != 0 && (page.Page.Address()-start)/mm.PageSize%2 == 1 {
				return MaxPriority
			}
			return 0
		},
	})
	as, r := populate(t, e, 4)
	start = r.Start

	if exp, got := []int{0, 2}, indices(r, e.ScanCandidates(as, 4)); !equalInts(got, exp) {
		t.Fatalf("expected candidates %v; got %v", exp, got)
	}

	if got := e.Stats().Exempted; got != 2 {
		t.Fatalf("expected 2 exempted pages; got %d", got)
	}

	// Exempt pages are never reclaimed.
	if got := e.Reclaim(4); got != 2 {
		t.Fatalf("expected 2 evicted pages; got %d", got)
	}
	if exp, got := []int{1, 3}, residentIndices(as, r); !equalInts(got, exp) {
		t.Fatalf("expected resident pages %v; got %v", exp, got)
	}
}

func TestParsePolicy(t *testing.T) {
	for policy, name := range policyNames {
		got, err := ParsePolicy(name)
		if err != nil || got != policy {
			t.Errorf("expected %q to parse as %s; got %s (err %v)", name, policy, got, err)
		}
	}

	if got, err := ParsePolicy("LRU"); err != nil || got != PolicyLRU {
		t.Errorf("expected case-insensitive parsing; got %s (err %v)", got, err)
	}

	if _, err := ParsePolicy("mru"); err != errUnknownPolicy {
		t.Errorf("expected error %v; got %v", errUnknownPolicy, err)
	}

	if got := Policy(99).String(); got != "unknown" {
		t.Errorf("expected unknown policy name; got %q", got)
	}
}
