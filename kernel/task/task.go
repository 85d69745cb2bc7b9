// Package task defines the interface between memory management and the
// scheduler. The memory manager never schedules anything itself; it asks the
// scheduler to block a task waiting on I/O, to wake it up again or to deliver
// a signal when a fault cannot be resolved.
package task

import (
	"fmt"

	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

// ID identifies a task. The zero ID denotes the kernel itself.
type ID uint32

// Kernel is the ID used for faults raised by kernel code.
const Kernel ID = 0

// Signal is a signal delivered to a task.
type Signal uint8

const (
	// SIGBUS is delivered when backing storage for a page cannot be read.
	SIGBUS = Signal(7)

	// SIGSEGV is delivered when a task accesses an address outside its
	// address space or violates a region's protection.
	SIGSEGV = Signal(11)
)

// String implements fmt.Stringer for Signal.
func (s Signal) String() string {
	switch s {
	case SIGBUS:
		return "SIGBUS"
	case SIGSEGV:
		return "SIGSEGV"
	default:
		return fmt.Sprintf("signal(%d)", uint8(s))
	}
}

// Scheduler is implemented by the task scheduler.
type Scheduler interface {
	// Current returns the task running on a processor.
	Current(id cpu.ID) ID

	// Block marks a task as waiting. The reason is informational.
	Block(t ID, reason string)

	// Wake makes a blocked task runnable again.
	Wake(t ID)

	// Signal delivers sig to a task.
	Signal(t ID, sig Signal)
}

// EventKind identifies a scheduler call recorded by Recorder.
type EventKind uint8

const (
	// EventBlock records a Block call.
	EventBlock EventKind = iota

	// EventWake records a Wake call.
	EventWake

	// EventSignal records a Signal call.
	EventSignal
)

// Event is a scheduler call recorded by Recorder.
type Event struct {
	Kind   EventKind
	Task   ID
	Signal Signal
	Reason string
}

// Recorder is a Scheduler that records every call it receives. It is used
// when memory management runs without a real scheduler.
type Recorder struct {
	lock    sync.Spinlock
	current [cpu.MaxCPUs]ID
	blocked map[ID]int
	events  []Event
}

// NewRecorder returns an empty Recorder where every processor runs the
// kernel task.
func NewRecorder() *Recorder {
	return &Recorder{blocked: make(map[ID]int)}
}

// SetCurrent changes the task running on a processor.
func (r *Recorder) SetCurrent(id cpu.ID, t ID) {
	r.lock.Acquire()
	r.current[id] = t
	r.lock.Release()
}

// Current implements Scheduler.
func (r *Recorder) Current(id cpu.ID) ID {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.current[id]
}

// Block implements Scheduler.
func (r *Recorder) Block(t ID, reason string) {
	r.lock.Acquire()
	r.blocked[t]++
	r.events = append(r.events, Event{Kind: EventBlock, Task: t, Reason: reason})
	r.lock.Release()
}

// Wake implements Scheduler.
func (r *Recorder) Wake(t ID) {
	r.lock.Acquire()
	if r.blocked[t]--; r.blocked[t] <= 0 {
		delete(r.blocked, t)
	}
	r.events = append(r.events, Event{Kind: EventWake, Task: t})
	r.lock.Release()
}

// Signal implements Scheduler.
func (r *Recorder) Signal(t ID, sig Signal) {
	r.lock.Acquire()
	r.events = append(r.events, Event{Kind: EventSignal, Task: t, Signal: sig})
	r.lock.Release()
}

// Blocked returns true if t has more Block than Wake calls.
func (r *Recorder) Blocked(t ID) bool {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.blocked[t] > 0
}

// Signals returns the signals delivered to t in delivery order.
func (r *Recorder) Signals(t ID) []Signal {
	r.lock.Acquire()
	defer r.lock.Release()

	var sigs []Signal
	for _, ev := range r.events {
		if ev.Kind == EventSignal && ev.Task == t {
			sigs = append(sigs, ev.Signal)
		}
	}
	return sigs
}

// Events returns a copy of every recorded call.
func (r *Recorder) Events() []Event {
	r.lock.Acquire()
	defer r.lock.Release()
	return append([]Event(nil), r.events...)
}
