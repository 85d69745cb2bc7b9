package swap

import (
	"strings"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/mm/vmm"
)

var errUnknownPrioritizer = &kernel.Error{Module: "swap", Message: "unknown prioritizer", Kind: kernel.KindInvalid}

// MaxPriority is the highest score a prioritizer assigns.
const MaxPriority = 100

// Prioritizer scores eviction candidates. Candidates that score at or above
// the exemption threshold stay resident.
type Prioritizer uint8

const (
	// PriorityNone scores every page 0.
	PriorityNone Prioritizer = iota

	// PriorityRecency scores pages by how recently they were accessed.
	PriorityRecency

	// PriorityType scores pages by the cost of bringing them back.
	PriorityType

	// PriorityCustom scores pages with a registered ScoreFn.
	PriorityCustom
)

var prioritizerNames = map[Prioritizer]string{
	PriorityNone:    "none",
	PriorityRecency: "recency",
	PriorityType:    "type",
	PriorityCustom:  "custom",
}

// String implements fmt.Stringer for Prioritizer.
func (p Prioritizer) String() string {
	if name, ok := prioritizerNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePrioritizer returns the prioritizer with the given case-insensitive
// name.
func ParsePrioritizer(name string) (Prioritizer, error) {
	name = strings.ToLower(name)
	for p, n := range prioritizerNames {
		if n == name {
			return p, nil
		}
	}
	return PriorityNone, errUnknownPrioritizer
}

// ScoreFn returns the priority of a resident page in [0, MaxPriority]. now
// is the current value of the VMM access clock.
type ScoreFn func(page vmm.ResidentPage, now uint64) int

// Type scores used by PriorityType.
const (
	cleanFileScore = 10
	dirtyFileScore = 40
	anonScore      = 60
)

// score returns the priority of page.
func (p Prioritizer) score(page vmm.ResidentPage, now, window uint64, custom ScoreFn) int {
	switch p {
	case PriorityRecency:
		switch {
		case window == 0:
			return 0
		case page.LastAccess >= now:
			return MaxPriority
		}
		age := now - page.LastAccess
		if age >= window {
			return 0
		}
		return int(MaxPriority * (window - age) / window)
	case PriorityType:
		switch {
		case page.Shared:
			return MaxPriority
		case page.Kind == vmm.BackingFile && !page.Dirty:
			return cleanFileScore
		case page.Kind == vmm.BackingFile:
			return dirtyFileScore
		default:
			return anonScore
		}
	case PriorityCustom:
		if custom == nil {
			return 0
		}
		return clampScore(custom(page, now))
	default:
		return 0
	}
}

func clampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > MaxPriority:
		return MaxPriority
	default:
		return score
	}
}
