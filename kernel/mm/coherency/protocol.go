package coherency

import (
	"strings"

	"github.com/nassro199/Horizon-sub003/kernel"
)

// Protocol selects the cache coherency protocol.
type Protocol uint8

const (
	// ProtocolNone disables coherency tracking.
	ProtocolNone Protocol = iota

	// ProtocolMSI tracks the Modified, Shared and Invalid states.
	ProtocolMSI

	// ProtocolMESI adds the Exclusive state to MSI.
	ProtocolMESI

	// ProtocolMOESI adds the Owned state to MESI.
	ProtocolMOESI
)

var protocolNames = []string{
	ProtocolNone:  "none",
	ProtocolMSI:   "msi",
	ProtocolMESI:  "mesi",
	ProtocolMOESI: "moesi",
}

var errUnknownProtocol = &kernel.Error{Module: "coherency", Message: "unknown coherency protocol", Kind: kernel.KindInvalid}

// String implements fmt.Stringer for Protocol.
func (p Protocol) String() string {
	if int(p) < len(protocolNames) {
		return protocolNames[p]
	}
	return "unknown"
}

// ParseProtocol returns the protocol with the given name.
func ParseProtocol(name string) (Protocol, error) {
	for p, pName := range protocolNames {
		if strings.EqualFold(name, pName) {
			return Protocol(p), nil
		}
	}
	return ProtocolNone, errUnknownProtocol
}

// State is the coherency state of a cache line on one processor.
type State uint8

const (
	// Invalid lines hold no data.
	Invalid State = iota

	// Shared lines hold clean data that other processors may also hold.
	Shared

	// Exclusive lines hold clean data that no other processor holds.
	Exclusive

	// Owned lines hold dirty data that other processors share; the owner
	// writes it back.
	Owned

	// Modified lines hold dirty data that no other processor holds.
	Modified
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Invalid:
		return "I"
	case Shared:
		return "S"
	case Exclusive:
		return "E"
	case Owned:
		return "O"
	case Modified:
		return "M"
	default:
		return "?"
	}
}

// supports returns true if the protocol has the given state.
func (p Protocol) supports(s State) bool {
	switch s {
	case Invalid, Shared, Modified:
		return p != ProtocolNone
	case Exclusive:
		return p == ProtocolMESI || p == ProtocolMOESI
	case Owned:
		return p == ProtocolMOESI
	default:
		return false
	}
}
