// Package diagnostics formats fatal kernel conditions and prints them in a
// consistent way.
//
// A contract violation (unlocking a mutex that is not owned, linking a task
// into two queues, overflowing the reentrancy stack, ...) is never returned as
// an ordinary error. The code that detects it calls Panicf, which panics with a
// *Fatal. The kernel catches that value at the task boundary, stops every
// other task and hands it to whoever booted the kernel.
package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
)

// Code identifies the class of a fatal condition.
type Code int

const (
	CodeTaskPanic Code = iota + 1
	CodeBadTransition
	CodeDoubleLink
	CodeNotLinked
	CodeForeignQueue
	CodeIdleQueued
	CodeBadWake
	CodeNoCurrentTask
	CodeNotOwner
	CodeRecursiveLock
	CodeNestingOverflow
	CodeFrameMismatch
	CodeBlockInInterrupt
)

var codeNames = map[Code]string{
	CodeTaskPanic:        "task panic",
	CodeBadTransition:    "invalid state transition",
	CodeDoubleLink:       "task linked twice",
	CodeNotLinked:        "task not linked in queue",
	CodeForeignQueue:     "queue shared between task tables",
	CodeIdleQueued:       "idle task queued",
	CodeBadWake:          "wake of a task that is not blocked",
	CodeNoCurrentTask:    "no current task",
	CodeNotOwner:         "unlock by non-owner",
	CodeRecursiveLock:    "recursive lock",
	CodeNestingOverflow:  "interrupt nesting overflow",
	CodeFrameMismatch:    "reentrancy frame mismatch",
	CodeBlockInInterrupt: "blocked inside interrupt",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// TaskInfo is a flattened view of one task, captured when the kernel stops.
type TaskInfo struct {
	ID       uint32
	Name     string
	Priority string
	State    string
	Queue    string // empty when the task is not linked anywhere
	Current  bool
}

// Fatal is the value carried by a kernel panic.
type Fatal struct {
	Code Code
	Msg  string

	// Tasks is the task table at the moment the kernel stopped. It is filled
	// in by the kernel, not by the code that detected the violation.
	Tasks []TaskInfo

	// Stack is the Go stack of the activation that panicked, if available.
	Stack []byte
}

func (f *Fatal) Error() string {
	return "kernel fatal: " + f.Code.String() + ": " + f.Msg
}

// Panicf reports a contract violation. It does not return.
func Panicf(code Code, format string, args ...any) {
	panic(&Fatal{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	})
}

// FromPanic converts an arbitrary recovered value into a Fatal. A *Fatal is
// returned unchanged, anything else becomes a CodeTaskPanic.
func FromPanic(v any) *Fatal {
	if f, ok := v.(*Fatal); ok {
		if f.Stack == nil {
			f.Stack = debug.Stack()
		}
		return f
	}
	msg := fmt.Sprint(v)
	if err, ok := v.(error); ok {
		msg = err.Error()
	}
	return &Fatal{
		Code:  CodeTaskPanic,
		Msg:   msg,
		Stack: debug.Stack(),
	}
}

// Recover runs fn and returns the *Fatal it panicked with, or nil if it
// returned normally. Other panics are propagated.
func Recover(fn func()) (f *Fatal) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if f, ok = r.(*Fatal); !ok {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

// As reports whether err is (or wraps) a *Fatal with the given code.
func As(err error, code Code) bool {
	var f *Fatal
	return errors.As(err, &f) && f.Code == code
}

// WriteTo writes the diagnostic, followed by the task table sorted by task ID,
// to w.
func (f *Fatal) WriteTo(w io.Writer) (int64, error) {
	buf := &bytes.Buffer{}
	fmt.Fprintln(buf, f.Error())

	tasks := make([]TaskInfo, len(f.Tasks))
	copy(tasks, f.Tasks)
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].ID < tasks[j].ID
	})
	if len(tasks) > 0 {
		fmt.Fprintln(buf, "\ntasks:")
		for _, t := range tasks {
			t.writeTo(buf)
		}
	}
	if len(f.Stack) > 0 {
		fmt.Fprintln(buf, "\ntraceback:")
		buf.Write(f.Stack)
	}
	return buf.WriteTo(w)
}

func (t TaskInfo) writeTo(w io.Writer) {
	marker := " "
	if t.Current {
		marker = "*"
	}
	queue := "-"
	if t.Queue != "" {
		queue = t.Queue
	}
	fmt.Fprintf(w, "%s %4d %-12s %-7s %-18s %s\n", marker, t.ID, t.Name, t.Priority, t.State, queue)
}
