package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/tinygo-org/tinykern/internal/task"
)

// tracer writes one line per scheduling event to a file. Two kernsim
// processes never write the same trace: the file is guarded by a lock file
// next to it.
type tracer struct {
	f    *os.File
	w    *bufio.Writer
	lock *flock.Flock
	now  func() time.Duration
}

func openTrace(path string) (*tracer, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("trace: %s is being written by another process", path)
	}
	f, err := os.Create(path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("trace: %w", err)
	}
	return &tracer{f: f, w: bufio.NewWriter(f), lock: lock}, nil
}

func (t *tracer) event(format string, args ...any) {
	var now time.Duration
	if t.now != nil {
		now = t.now()
	}
	fmt.Fprintf(t.w, "%12d ", now.Nanoseconds())
	fmt.Fprintf(t.w, format, args...)
	t.w.WriteByte('\n')
}

func (t *tracer) OnTaskCreated(tk *task.Task) {
	t.event("create %v prio=%v", tk, tk.Priority())
}

func (t *tracer) OnTaskScheduled(prev, next *task.Task) {
	t.event("switch %v -> %v", prev, next)
}

func (t *tracer) OnTaskBlocked(tk *task.Task, reason task.BlockReason) {
	t.event("block %v on %v", tk, reason)
}

func (t *tracer) OnTaskUnblocked(tk *task.Task, why task.WakeReason) {
	t.event("wake %v (%v)", tk, why)
}

func (t *tracer) OnTaskExited(tk *task.Task) {
	t.event("exit %v", tk)
}

func (t *tracer) Close() error {
	err := t.w.Flush()
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	t.lock.Unlock()
	os.Remove(t.lock.Path())
	return err
}
