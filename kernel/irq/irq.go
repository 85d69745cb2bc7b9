// Package irq dispatches processor exceptions to the handlers registered by
// kernel subsystems. The memory manager registers its page fault handler
// here.
package irq

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
	"github.com/nassro199/Horizon-sub003/kernel/task"
)

// ExceptionNum describes an exception slot.
type ExceptionNum uint8

const (
	// DoubleFault occurs when an exception is unhandled or when an
	// exception occurs while the CPU is trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException occurs when a page table entry is not present or
	// when a privilege and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)
)

// ErrorCode is the error code pushed by a page fault.
type ErrorCode uint64

const (
	// ErrPresent is set when the fault was a protection violation on a
	// present page.
	ErrPresent ErrorCode = 1 << iota

	// ErrWrite is set when the faulting access was a write.
	ErrWrite

	// ErrUser is set when the fault occurred in user mode.
	ErrUser

	// ErrReservedBit is set when a page table entry had a reserved bit set.
	ErrReservedBit

	// ErrInstructionFetch is set when the fault was caused by an
	// instruction fetch.
	ErrInstructionFetch
)

// String describes the fault reason.
func (c ErrorCode) String() string {
	switch {
	case c&ErrReservedBit != 0:
		return "page table has reserved bit set"
	case c&ErrInstructionFetch != 0:
		return "instruction fetch"
	case c&(ErrPresent|ErrWrite) == 0:
		return "read from non-present page"
	case c&(ErrPresent|ErrWrite) == ErrPresent:
		return "page protection violation (read)"
	case c&(ErrPresent|ErrWrite) == ErrWrite:
		return "write to non-present page"
	default:
		return "page protection violation (write)"
	}
}

// Registers contains a snapshot of the state of the processor that raised an
// exception.
type Registers struct {
	// CPU is the processor that raised the exception.
	CPU cpu.ID

	// Task is the task that was running when the exception occurred.
	Task task.ID

	// Addr is the faulting virtual address.
	Addr uintptr

	// Info contains the exception error code.
	Info ErrorCode

	// RIP is the address of the faulting instruction.
	RIP uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	fmt.Fprintf(w, "CPU = %d TASK = %d\n", r.CPU, r.Task)
	fmt.Fprintf(w, "ADDR = %16x INFO = %x (%s)\n", r.Addr, uint64(r.Info), r.Info)
	fmt.Fprintf(w, "RIP = %16x\n", r.RIP)
}

// ExceptionHandler handles an exception. A nil return value means that the
// exception was resolved and the faulting instruction can be retried.
type ExceptionHandler func(*Registers) error

var errUnhandledException = &kernel.Error{Module: "irq", Message: "unhandled exception", Kind: kernel.KindInvalid}

// Dispatcher routes exceptions to registered handlers.
type Dispatcher struct {
	lock     sync.Spinlock
	handlers [256]ExceptionHandler
	raised   [256]uint64
}

// NewDispatcher returns a dispatcher with no registered handlers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// HandleException ensures that handler is invoked when exceptionNum is
// raised. It replaces any previously registered handler.
func (d *Dispatcher) HandleException(exceptionNum ExceptionNum, handler ExceptionHandler) {
	d.lock.Acquire()
	d.handlers[exceptionNum] = handler
	d.lock.Release()
}

// Raise delivers an exception to its handler and returns the handler's
// result.
func (d *Dispatcher) Raise(exceptionNum ExceptionNum, regs *Registers) error {
	d.lock.Acquire()
	handler := d.handlers[exceptionNum]
	d.raised[exceptionNum]++
	d.lock.Release()

	if handler == nil {
		return errors.Wrapf(errUnhandledException, "exception %d at 0x%x", exceptionNum, regs.Addr)
	}
	return handler(regs)
}

// Count returns the number of times exceptionNum has been raised.
func (d *Dispatcher) Count(exceptionNum ExceptionNum) uint64 {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.raised[exceptionNum]
}
