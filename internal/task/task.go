// Package task holds the task control block, the arena that owns every task
// and the intrusive wait queue all blocking primitives are built on.
//
// Nothing in this package locks. Every method must be called with the big
// kernel lock held.
package task

import (
	"errors"
	"fmt"

	"github.com/tinygo-org/tinykern/diagnostics"
	"github.com/tinygo-org/tinykern/internal/arch"
	"github.com/tinygo-org/tinykern/interrupt"
	"github.com/tinygo-org/tinykern/mm"
)

var ErrTooManyTasks = errors.New("task: task table full")

// Handle addresses a slot in a Table. A handle outlives the task it refers
// to: once the slot is reused the old handle resolves to nil.
type Handle struct {
	index uint32 // slot index + 1; 0 is the nil handle
	gen   uint32
}

// IsNil reports whether h refers to no task at all.
func (h Handle) IsNil() bool {
	return h.index == 0
}

func (h Handle) String() string {
	if h.index == 0 {
		return "nil"
	}
	return fmt.Sprintf("%d.%d", h.index-1, h.gen)
}

// Queue linkage. q is non-nil iff the task is linked.
type link struct {
	prev, next Handle
	q          *Queue
}

// Task is a task control block.
type Task struct {
	id       ID
	name     string
	priority Priority
	state    State
	reason   BlockReason
	woken    WakeReason
	mode     arch.Mode
	sysDepth int

	handle Handle
	tab    *Table
	link   link

	// Saved execution state.
	Context *arch.Context
	FPU     arch.FPUState
	Reent   interrupt.Reent

	Stack mm.Stack
	Space mm.AddressSpace

	// Data is scratch space for the primitive the task is blocked on, for
	// example the message an IPC sender hands to the receiver.
	Data any
}

func (t *Task) ID() ID { return t.id }
func (t *Task) Name() string { return t.name }
func (t *Task) Priority() Priority { return t.priority }
func (t *Task) State() State { return t.state }
func (t *Task) BlockReason() BlockReason { return t.reason }
func (t *Task) Woken() WakeReason { return t.woken }
func (t *Task) Handle() Handle { return t.handle }

// Mode is the mode the task executes in outside of system calls.
func (t *Task) Mode() arch.Mode { return t.mode }

func (t *Task) SetMode(m arch.Mode) { t.mode = m }

// SetWoken records why a blocked task is being made ready.
func (t *Task) SetWoken(w WakeReason) { t.woken = w }

// Queue returns the queue t is linked in, or nil.
func (t *Task) Queue() *Queue {
	return t.link.q
}

// Linked reports whether t is in any queue.
func (t *Task) Linked() bool {
	return t.link.q != nil
}

// EnterKernel and ExitKernel track system call nesting. They return the
// depth after the change.
func (t *Task) EnterKernel() int {
	t.sysDepth++
	return t.sysDepth
}

func (t *Task) ExitKernel() int {
	if t.sysDepth == 0 {
		diagnostics.Panicf(diagnostics.CodeBadTransition, "task %d: kernel exit without entry", t.id)
	}
	t.sysDepth--
	return t.sysDepth
}

// KernelDepth returns how many system calls t is nested in.
func (t *Task) KernelDepth() int {
	return t.sysDepth
}

func (t *Task) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d(%s)", t.id, t.name)
}

// Info returns the diagnostic view of t.
func (t *Task) Info() diagnostics.TaskInfo {
	st := t.state.String()
	if t.state == Blocked {
		st += "(" + t.reason.String() + ")"
	}
	info := diagnostics.TaskInfo{
		ID:       uint32(t.id),
		Name:     t.name,
		Priority: t.priority.String(),
		State:    st,
	}
	if t.link.q != nil {
		info.Queue = t.link.q.label()
	}
	return info
}
