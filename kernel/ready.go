package kernel

import (
	"github.com/tinygo-org/tinykern/diagnostics"
	"github.com/tinygo-org/tinykern/internal/task"
)

// ReadyQueue holds every runnable task that is not running, in one FIFO per
// priority. There is no aging: a busy high priority bucket starves the ones
// below it.
type ReadyQueue struct {
	buckets [task.NumPriorities]task.Queue
	n       int
}

func NewReadyQueue() *ReadyQueue {
	r := &ReadyQueue{}
	r.init()
	return r
}

func (r *ReadyQueue) init() {
	for i := range r.buckets {
		r.buckets[i].Name = "ready/" + task.Priority(i+1).String()
	}
}

func (r *ReadyQueue) bucket(t *task.Task) *task.Queue {
	p := t.Priority()
	if p == task.PriorityIdle || int(p) > task.NumPriorities {
		diagnostics.Panicf(diagnostics.CodeIdleQueued, "task %v with priority %v queued as ready", t, p)
	}
	return &r.buckets[p-1]
}

// Queue marks t Ready and appends it to its priority bucket.
func (r *ReadyQueue) Queue(t *task.Task) {
	q := r.bucket(t)
	t.SetState(task.Ready)
	q.PushBack(t)
	r.n++
}

// Pop removes and returns the head of the highest non-empty bucket, or nil.
func (r *ReadyQueue) Pop() *task.Task {
	for i := len(r.buckets) - 1; i >= 0; i-- {
		if t := r.buckets[i].PopFront(); t != nil {
			r.n--
			return t
		}
	}
	return nil
}

// Remove unlinks a ready task without dispatching it.
func (r *ReadyQueue) Remove(t *task.Task) {
	r.bucket(t).Remove(t)
	r.n--
}

// Highest returns the priority of the task Pop would return.
func (r *ReadyQueue) Highest() (task.Priority, bool) {
	for i := len(r.buckets) - 1; i >= 0; i-- {
		if !r.buckets[i].Empty() {
			return task.Priority(i + 1), true
		}
	}
	return 0, false
}

// Contains reports whether t is linked in one of the buckets.
func (r *ReadyQueue) Contains(t *task.Task) bool {
	q := t.Queue()
	for i := range r.buckets {
		if q == &r.buckets[i] {
			return true
		}
	}
	return false
}

func (r *ReadyQueue) Len() int {
	return r.n
}

func (r *ReadyQueue) check() {
	for i := range r.buckets {
		r.buckets[i].Check()
	}
}
