package task

import (
	"fmt"

	"github.com/tinygo-org/tinykern/diagnostics"
)

type slot struct {
	gen uint32
	t   *Task
}

// Table is the arena that owns every task. Slots are recycled through a free
// list; the generation counter of a slot is bumped on every reuse so stale
// handles can be detected.
type Table struct {
	slots  []slot
	free   []uint32
	byID   map[ID]Handle
	nextID ID
	max    int
}

// NewTable returns a table that holds at most max live tasks.
func NewTable(max int) *Table {
	return &Table{
		byID:   make(map[ID]Handle),
		nextID: 1,
		max:    max,
	}
}

// Alloc creates a task in state New. An empty name becomes "task<id>".
func (tb *Table) Alloc(name string, prio Priority) (*Task, error) {
	if len(tb.byID) >= tb.max {
		return nil, fmt.Errorf("%w (%d tasks)", ErrTooManyTasks, tb.max)
	}
	var idx uint32
	if n := len(tb.free); n > 0 {
		idx = tb.free[n-1]
		tb.free = tb.free[:n-1]
	} else {
		tb.slots = append(tb.slots, slot{})
		idx = uint32(len(tb.slots) - 1)
	}
	s := &tb.slots[idx]
	s.gen++
	t := &Task{
		id:       tb.nextID,
		name:     name,
		priority: prio,
		state:    New,
		handle:   Handle{index: idx + 1, gen: s.gen},
		tab:      tb,
	}
	if name == "" {
		t.name = fmt.Sprintf("task%d", t.id)
	}
	tb.nextID++
	s.t = t
	tb.byID[t.id] = t.handle
	return t, nil
}

// Free releases the slot of t. The task must be New or Exited, and unlinked.
func (tb *Table) Free(t *Task) {
	if t.tab != tb || tb.Get(t.handle) != t {
		diagnostics.Panicf(diagnostics.CodeForeignQueue, "task %v is not in this table", t)
	}
	if t.state != New && t.state != Exited {
		diagnostics.Panicf(diagnostics.CodeBadTransition, "freeing task %v in state %v", t, t.state)
	}
	if t.link.q != nil {
		diagnostics.Panicf(diagnostics.CodeDoubleLink, "freeing task %v linked in %s", t, t.link.q.label())
	}
	idx := t.handle.index - 1
	tb.slots[idx].t = nil
	tb.free = append(tb.free, idx)
	delete(tb.byID, t.id)
}

// Get resolves a handle, returning nil for the nil handle and stale handles.
func (tb *Table) Get(h Handle) *Task {
	if h.index == 0 || int(h.index) > len(tb.slots) {
		return nil
	}
	s := &tb.slots[h.index-1]
	if s.gen != h.gen {
		return nil
	}
	return s.t
}

// Lookup finds a live task by ID.
func (tb *Table) Lookup(id ID) *Task {
	h, ok := tb.byID[id]
	if !ok {
		return nil
	}
	return tb.Get(h)
}

// Len returns the number of live tasks.
func (tb *Table) Len() int {
	return len(tb.byID)
}

// Range calls fn for every live task, in slot order, until fn returns false.
func (tb *Table) Range(fn func(*Task) bool) {
	for i := range tb.slots {
		if t := tb.slots[i].t; t != nil {
			if !fn(t) {
				return
			}
		}
	}
}
