package task

import (
	"github.com/tinygo-org/tinykern/diagnostics"
)

// If true, every queue operation walks the whole queue to check its links.
const asserts = false

// Queue is a FIFO of tasks, linked through the tasks themselves.
// The zero value is an empty queue.
//
// A task can be linked in at most one queue at a time. Pushing a task that
// is already linked somewhere, or removing a task from a queue it is not
// linked in, is fatal.
type Queue struct {
	// Name is used in diagnostics.
	Name string

	head, tail Handle
	n          int
	tab        *Table
}

func (q *Queue) label() string {
	if q.Name == "" {
		return "queue"
	}
	return q.Name
}

func (q *Queue) bind(t *Task) {
	if q.tab == nil {
		q.tab = t.tab
	} else if q.tab != t.tab {
		diagnostics.Panicf(diagnostics.CodeForeignQueue, "task %v pushed to %s of another table", t, q.label())
	}
}

// PushBack appends t to the queue.
func (q *Queue) PushBack(t *Task) {
	if t.link.q != nil {
		diagnostics.Panicf(diagnostics.CodeDoubleLink, "task %v pushed to %s while linked in %s", t, q.label(), t.link.q.label())
	}
	q.bind(t)
	t.link = link{prev: q.tail, q: q}
	if tail := q.tab.Get(q.tail); tail != nil {
		tail.link.next = t.handle
	} else {
		q.head = t.handle
	}
	q.tail = t.handle
	q.n++
	if asserts {
		q.Check()
	}
}

// PopFront removes and returns the task at the head, or nil.
func (q *Queue) PopFront() *Task {
	t := q.Front()
	if t == nil {
		return nil
	}
	q.unlink(t)
	return t
}

// Front returns the task at the head without removing it.
func (q *Queue) Front() *Task {
	if q.tab == nil {
		return nil
	}
	return q.tab.Get(q.head)
}

// Remove unlinks t from anywhere in the queue.
func (q *Queue) Remove(t *Task) {
	if t.link.q != q {
		where := "no queue"
		if t.link.q != nil {
			where = t.link.q.label()
		}
		diagnostics.Panicf(diagnostics.CodeNotLinked, "task %v removed from %s but linked in %s", t, q.label(), where)
	}
	q.unlink(t)
}

func (q *Queue) unlink(t *Task) {
	prev, next := q.tab.Get(t.link.prev), q.tab.Get(t.link.next)
	if prev != nil {
		prev.link.next = t.link.next
	} else {
		q.head = t.link.next
	}
	if next != nil {
		next.link.prev = t.link.prev
	} else {
		q.tail = t.link.prev
	}
	t.link = link{}
	q.n--
	if asserts {
		q.Check()
	}
}

// Empty checks if the queue is empty.
func (q *Queue) Empty() bool {
	return q.n == 0
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return q.n
}

// Contains reports whether t is linked in this queue.
func (q *Queue) Contains(t *Task) bool {
	return t.link.q == q
}

// Tasks returns the queued tasks from head to tail.
func (q *Queue) Tasks() []*Task {
	ts := make([]*Task, 0, q.n)
	for t := q.Front(); t != nil; t = q.tab.Get(t.link.next) {
		ts = append(ts, t)
	}
	return ts
}

// Check walks the queue in both directions and panics if the links are
// inconsistent.
func (q *Queue) Check() {
	if q.tab == nil {
		if q.n != 0 || !q.head.IsNil() || !q.tail.IsNil() {
			diagnostics.Panicf(diagnostics.CodeNotLinked, "%s: unbound queue is not empty", q.label())
		}
		return
	}
	n := 0
	var prev Handle
	for h := q.head; !h.IsNil(); {
		t := q.tab.Get(h)
		switch {
		case t == nil:
			diagnostics.Panicf(diagnostics.CodeNotLinked, "%s: stale handle %v", q.label(), h)
		case t.link.q != q:
			diagnostics.Panicf(diagnostics.CodeNotLinked, "%s: task %v does not point back", q.label(), t)
		case t.link.prev != prev:
			diagnostics.Panicf(diagnostics.CodeNotLinked, "%s: task %v has prev %v, want %v", q.label(), t, t.link.prev, prev)
		}
		n++
		if n > q.n {
			diagnostics.Panicf(diagnostics.CodeNotLinked, "%s: more than %d tasks linked", q.label(), q.n)
		}
		prev, h = h, t.link.next
	}
	if n != q.n || prev != q.tail {
		diagnostics.Panicf(diagnostics.CodeNotLinked, "%s: walked %d tasks ending at %v, want %d ending at %v", q.label(), n, prev, q.n, q.tail)
	}
}
