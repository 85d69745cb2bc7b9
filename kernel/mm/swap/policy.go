package swap

import (
	"math/rand"
	"sort"
	"strings"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/mm/vmm"
)

var errUnknownPolicy = &kernel.Error{Module: "swap", Message: "unknown eviction policy", Kind: kernel.KindInvalid}

// Policy selects the order in which resident pages become eviction
// candidates.
type Policy uint8

const (
	// PolicyNone never selects candidates.
	PolicyNone Policy = iota

	// PolicyLRU selects the least recently accessed pages first.
	PolicyLRU

	// PolicyFIFO selects the pages that became resident first.
	PolicyFIFO

	// PolicyClock sweeps the resident pages in install order giving
	// referenced pages a second chance.
	PolicyClock

	// PolicyRandom selects pages at random.
	PolicyRandom
)

var policyNames = map[Policy]string{
	PolicyNone:   "none",
	PolicyLRU:    "lru",
	PolicyFIFO:   "fifo",
	PolicyClock:  "clock",
	PolicyRandom: "random",
}

// String implements fmt.Stringer for Policy.
func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePolicy returns the policy with the given case-insensitive name.
func ParsePolicy(name string) (Policy, error) {
	name = strings.ToLower(name)
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return PolicyNone, errUnknownPolicy
}

// selector orders resident pages according to a policy.
type selector struct {
	policy Policy
	rnd    *rand.Rand

	// hands holds the install time of the page the clock hand last
	// visited in each address space.
	hands map[uint32]uint64
}

func newSelector(policy Policy, seed int64) *selector {
	return &selector{
		policy: policy,
		rnd:    rand.New(rand.NewSource(seed)),
		hands:  make(map[uint32]uint64),
	}
}

// candidates returns up to count evictable pages of as in the order the
// policy would evict them. Shared pages and pages rejected by keep are never
// returned.
func (s *selector) candidates(as *vmm.AddressSpace, count int, keep func(vmm.ResidentPage) bool) []vmm.ResidentPage {
	if count <= 0 || s.policy == PolicyNone {
		return nil
	}

	pages := as.ResidentPages()
	eligible := pages[:0]
	for _, rp := range pages {
		if !rp.Shared && keep(rp) {
			eligible = append(eligible, rp)
		}
	}
	pages = eligible

	switch s.policy {
	case PolicyLRU:
		sort.SliceStable(pages, func(i, j int) bool { return pages[i].LastAccess < pages[j].LastAccess })
	case PolicyFIFO:
		// ResidentPages reports pages in install order
	case PolicyRandom:
		s.rnd.Shuffle(len(pages), func(i, j int) { pages[i], pages[j] = pages[j], pages[i] })
	case PolicyClock:
		pages = s.sweep(as, pages, count)
	}

	if len(pages) > count {
		pages = pages[:count]
	}
	return pages
}

// sweep runs the clock hand over pages clearing referenced bits until count
// unreferenced pages are found or every page has been visited twice.
func (s *selector) sweep(as *vmm.AddressSpace, pages []vmm.ResidentPage, count int) []vmm.ResidentPage {
	if len(pages) == 0 {
		return nil
	}

	start := 0
	if hand, ok := s.hands[as.ID()]; ok {
		start = sort.Search(len(pages), func(i int) bool { return pages[i].Installed > hand })
		if start == len(pages) {
			start = 0
		}
	}

	var (
		selected []vmm.ResidentPage
		picked   = make([]bool, len(pages))
		last     = start
	)
	for step := 0; step < 2*len(pages) && len(selected) < count; step++ {
		idx := (start + step) % len(pages)
		if picked[idx] {
			continue
		}
		last = idx

		if as.ClearReferenced(pages[idx].Page) {
			continue
		}
		picked[idx] = true
		selected = append(selected, pages[idx])
	}

	s.hands[as.ID()] = pages[last].Installed
	return selected
}

// prune drops the clock positions of address spaces that are not live.
func (s *selector) prune(live map[uint32]struct{}) {
	for id := range s.hands {
		if _, ok := live[id]; !ok {
			delete(s.hands, id)
		}
	}
}
