package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/tinykern/diagnostics"
)

func alloc(t *testing.T, tb *Table, name string) *Task {
	t.Helper()
	tk, err := tb.Alloc(name, PriorityNormal)
	require.NoError(t, err)
	return tk
}

func expectFatal(t *testing.T, code diagnostics.Code, fn func()) {
	t.Helper()
	f := diagnostics.Recover(fn)
	if f == nil {
		t.Fatalf("expected fatal %v, got none", code)
	}
	if f.Code != code {
		t.Fatalf("expected fatal %v, got %v", code, f)
	}
}

func TestQueueFIFO(t *testing.T) {
	tb := NewTable(8)
	var q Queue
	a, b, c := alloc(t, tb, "a"), alloc(t, tb, "b"), alloc(t, tb, "c")
	q.PushBack(a)
	q.PushBack(b)
	q.PushBack(c)
	q.Check()

	if q.Len() != 3 || q.Front() != a {
		t.Fatalf("Len() = %d, Front() = %v", q.Len(), q.Front())
	}
	for _, want := range []*Task{a, b, c} {
		if got := q.PopFront(); got != want {
			t.Errorf("PopFront() = %v, want %v", got, want)
		}
		q.Check()
	}
	if !q.Empty() || q.PopFront() != nil {
		t.Error("queue not empty after popping everything")
	}
}

func TestQueueRemoveMiddle(t *testing.T) {
	tb := NewTable(8)
	q := Queue{Name: "waiters"}
	ts := []*Task{alloc(t, tb, "a"), alloc(t, tb, "b"), alloc(t, tb, "c"), alloc(t, tb, "d")}
	for _, tk := range ts {
		q.PushBack(tk)
	}
	q.Remove(ts[1])
	q.Check()
	q.Remove(ts[3])
	q.Check()
	assert.Equal(t, []*Task{ts[0], ts[2]}, q.Tasks())
	assert.False(t, ts[1].Linked())
	assert.True(t, q.Contains(ts[2]))

	q.Remove(ts[0])
	q.Remove(ts[2])
	q.Check()
	assert.True(t, q.Empty())
}

func TestQueueDoubleLinkIsFatal(t *testing.T) {
	tb := NewTable(4)
	a := alloc(t, tb, "a")
	q1 := Queue{Name: "q1"}
	q2 := Queue{Name: "q2"}
	q1.PushBack(a)
	expectFatal(t, diagnostics.CodeDoubleLink, func() { q2.PushBack(a) })
	expectFatal(t, diagnostics.CodeDoubleLink, func() { q1.PushBack(a) })
	expectFatal(t, diagnostics.CodeNotLinked, func() { q2.Remove(a) })
	if a.Queue() != &q1 {
		t.Error("failed operations changed the task's queue")
	}
}

func TestQueueForeignTable(t *testing.T) {
	a := alloc(t, NewTable(2), "a")
	b := alloc(t, NewTable(2), "b")
	var q Queue
	q.PushBack(a)
	expectFatal(t, diagnostics.CodeForeignQueue, func() { q.PushBack(b) })
}

func TestStateMachine(t *testing.T) {
	tb := NewTable(4)
	tk := alloc(t, tb, "a")

	tk.SetState(Ready)
	tk.SetState(Running)
	tk.Block(BlockedFutex)
	assert.Equal(t, Blocked, tk.State())
	assert.Equal(t, BlockedFutex, tk.BlockReason())
	tk.SetState(Ready)
	assert.Equal(t, NotBlocked, tk.BlockReason())
	tk.SetState(Running)
	tk.SetState(Exited)

	expectFatal(t, diagnostics.CodeBadTransition, func() { tk.SetState(Ready) })

	// No transition may skip a state.
	tk2 := alloc(t, tb, "b")
	expectFatal(t, diagnostics.CodeBadTransition, func() { tk2.SetState(Running) })
	tk2.SetState(Ready)
	expectFatal(t, diagnostics.CodeBadTransition, func() { tk2.SetState(Blocked) })
}

func TestRunningWhileLinkedIsFatal(t *testing.T) {
	tb := NewTable(4)
	tk := alloc(t, tb, "a")
	tk.SetState(Ready)
	var q Queue
	q.PushBack(tk)
	expectFatal(t, diagnostics.CodeBadTransition, func() { tk.SetState(Running) })
	expectFatal(t, diagnostics.CodeBadTransition, func() { tk.SetState(Exited) })
	q.Remove(tk)
	tk.SetState(Running)
}

func TestTableHandles(t *testing.T) {
	tb := NewTable(2)
	a := alloc(t, tb, "a")
	b := alloc(t, tb, "b")
	_, err := tb.Alloc("c", PriorityLow)
	assert.ErrorIs(t, err, ErrTooManyTasks)

	ha := a.Handle()
	assert.Same(t, a, tb.Get(ha))
	assert.Same(t, b, tb.Lookup(b.ID()))

	tb.Free(a)
	assert.Nil(t, tb.Get(ha))
	assert.Nil(t, tb.Lookup(a.ID()))

	c := alloc(t, tb, "c")
	assert.Nil(t, tb.Get(ha), "stale handle resolved after slot reuse")
	assert.Greater(t, uint32(c.ID()), uint32(b.ID()), "IDs must be monotonic")
	assert.Equal(t, 2, tb.Len())

	var names []string
	tb.Range(func(tk *Task) bool {
		names = append(names, tk.Name())
		return true
	})
	assert.ElementsMatch(t, []string{"b", "c"}, names)
}

func TestFreeLinkedIsFatal(t *testing.T) {
	tb := NewTable(2)
	a := alloc(t, tb, "a")
	var q Queue
	q.PushBack(a)
	expectFatal(t, diagnostics.CodeDoubleLink, func() { tb.Free(a) })
}

func TestParsePriority(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePriority("idle")
	assert.Error(t, err)
}

func TestInfo(t *testing.T) {
	tb := NewTable(2)
	a := alloc(t, tb, "worker")
	a.SetState(Ready)
	a.SetState(Running)
	a.Block(BlockedMutex)
	q := Queue{Name: "mutex"}
	q.PushBack(a)

	info := a.Info()
	assert.Equal(t, "blocked(mutex)", info.State)
	assert.Equal(t, "mutex", info.Queue)
	assert.Equal(t, "normal", info.Priority)
}
