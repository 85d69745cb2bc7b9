package kernel

import "github.com/pkg/errors"

// ErrorKind classifies a kernel error so that callers can decide how to
// propagate it without matching on individual error values.
type ErrorKind uint8

const (
	// KindUnknown is reported for errors that did not originate from a
	// kernel module.
	KindUnknown ErrorKind = iota

	// KindExhausted is used when a resource (frames, slab objects, swap
	// slots) is not available.
	KindExhausted

	// KindInvalid is used for requests that can never succeed as issued
	// (bad ranges, overlapping regions, forbidden access types).
	KindInvalid

	// KindInconsistent is used when a structural invariant violation is
	// detected. Errors of this kind halt the system.
	KindInconsistent

	// KindIO is used for backing store and file read/write failures.
	KindIO
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindExhausted:
		return "exhausted"
	case KindInvalid:
		return "invalid"
	case KindInconsistent:
		return "inconsistent"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure so they can be compared
// by identity after unwrapping.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// KindOf returns the kind of the kernel error at the root of err's cause
// chain or KindUnknown if err is not a kernel error.
func KindOf(err error) ErrorKind {
	if kerr, ok := errors.Cause(err).(*Error); ok {
		return kerr.Kind
	}
	return KindUnknown
}

// IsKind returns true if err is a kernel error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
