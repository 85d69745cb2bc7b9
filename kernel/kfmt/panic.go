package kfmt

import (
	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Kind: kernel.KindInconsistent}
)

// Panic outputs the supplied error (if not nil) and halts the system. It is
// the escalation path for inconsistency-class errors: once a core invariant
// is known to be violated no local recovery can be trusted.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t, Kind: kernel.KindInconsistent}
	case error:
		if kerr, ok := errors.Cause(t).(*kernel.Error); ok {
			err = &kernel.Error{Module: kerr.Module, Message: t.Error(), Kind: kerr.Kind}
		} else {
			err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error(), Kind: kernel.KindInconsistent}
		}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
