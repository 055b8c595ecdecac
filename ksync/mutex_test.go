package ksync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/tinykern/config"
	"github.com/tinygo-org/tinykern/diagnostics"
	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/kernel"
)

func newKernel(t *testing.T, opts ...kernel.Option) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New(config.Default(), nil, opts...)
	require.NoError(t, err)
	return k
}

func run(t *testing.T, k *kernel.Kernel) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return k.Run(ctx)
}

func spawn(t *testing.T, k *kernel.Kernel, name string, prio task.Priority, fn func()) *task.Task {
	t.Helper()
	tk, err := k.Spawn(kernel.CreateOptions{Name: name, Priority: prio, Entry: func(any) { fn() }})
	require.NoError(t, err)
	return tk
}

func TestMutexExclusionAndLiveness(t *testing.T) {
	k := newKernel(t)
	m := NewMutex(k, "counter")
	const tasks, rounds = 5, 4
	inside := 0
	acquired := map[string]int{}
	for i := 0; i < tasks; i++ {
		name := fmt.Sprintf("t%d", i)
		spawn(t, k, name, task.PriorityNormal, func() {
			for j := 0; j < rounds; j++ {
				m.Lock()
				inside++
				if inside != 1 {
					t.Errorf("%s: %d tasks inside the critical section", name, inside)
				}
				if m.Owner() != k.Current().ID() {
					t.Errorf("%s: owner is %d", name, m.Owner())
				}
				acquired[name]++
				// Long enough to be preempted while holding the lock.
				k.Compute(25 * time.Millisecond)
				inside--
				m.Unlock()
			}
		})
	}
	// A mutex that never woke its waiters would leave them blocked and Run
	// would report a deadlock.
	require.NoError(t, run(t, k))
	for i := 0; i < tasks; i++ {
		assert.Equal(t, rounds, acquired[fmt.Sprintf("t%d", i)])
	}
	assert.Zero(t, m.Waiters())
	assert.Zero(t, m.Owner())
}

func TestMutexHandoffToHigherPriority(t *testing.T) {
	k := newKernel(t)
	m := NewMutex(k, "m")
	var events []string
	var t1 *task.Task
	spawn(t, k, "T2", task.PriorityLow, func() {
		m.Lock()
		events = append(events, "T2 locked")
		var err error
		t1, err = k.Create(func(any) {
			m.Lock()
			events = append(events, "T1 locked")
			m.Unlock()
		}, nil, task.PriorityHigh)
		if err != nil {
			t.Errorf("Create: %v", err)
			return
		}
		// T1 ran as soon as it was created, and is now blocked on m.
		if t1.State() != task.Blocked || t1.BlockReason() != task.BlockedMutex {
			t.Errorf("T1 is %v (%v)", t1.State(), t1.BlockReason())
		}
		if m.Waiters() != 1 {
			t.Errorf("Waiters() = %d", m.Waiters())
		}
		events = append(events, "T2 unlocking")
		m.Unlock()
		events = append(events, "T2 unlocked")
		if m.TryLock() {
			events = append(events, "T2 relocked")
			m.Unlock()
		}
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{
		"T2 locked",
		"T2 unlocking",
		"T1 locked",
		"T2 unlocked",
		"T2 relocked",
	}, events)
}

func TestKilledWakeePassesWakeOn(t *testing.T) {
	k := newKernel(t)
	m := NewMutex(k, "handoff")
	acquired := false
	var w1 *task.Task
	spawn(t, k, "owner", task.PriorityNormal, func() {
		m.Lock()
		// Let both waiters block.
		k.Yield()
		if m.Waiters() != 2 {
			t.Errorf("Waiters() = %d, want 2", m.Waiters())
		}
		m.Unlock()
		if w1.State() != task.Ready {
			t.Errorf("w1 is %v after Unlock, want ready", w1.State())
		}
		if err := k.Kill(w1.ID()); err != nil {
			t.Errorf("Kill() = %v", err)
		}
		if m.Waiters() != 0 {
			t.Errorf("Waiters() = %d after killing the woken task, want 0", m.Waiters())
		}
	})
	w1 = spawn(t, k, "w1", task.PriorityNormal, func() {
		m.Lock()
		t.Error("killed waiter got the lock")
	})
	spawn(t, k, "w2", task.PriorityNormal, func() {
		m.Lock()
		acquired = true
		m.Unlock()
	})
	require.NoError(t, run(t, k))
	assert.True(t, acquired, "w2 never got the lock")
	assert.Zero(t, m.Owner())
}

func TestWakeeThatRetriesKeepsWake(t *testing.T) {
	k := newKernel(t)
	m := NewMutex(k, "retry")
	var order []string
	spawn(t, k, "owner", task.PriorityNormal, func() {
		m.Lock()
		k.Yield()
		m.Unlock()
	})
	for _, name := range []string{"w1", "w2"} {
		name := name
		spawn(t, k, name, task.PriorityNormal, func() {
			m.Lock()
			order = append(order, name)
			m.Unlock()
		})
	}
	// An unrelated exit after w1 has retried must not wake w2 early.
	spawn(t, k, "bystander", task.PriorityLow, func() {})
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{"w1", "w2"}, order)
}

func TestMutexWakeIsFIFO(t *testing.T) {
	k := newKernel(t)
	m := NewMutex(k, "m")
	var order []string
	spawn(t, k, "holder", task.PriorityNormal, func() {
		m.Lock()
		k.Yield() // let everyone queue up
		m.Unlock()
	})
	for _, name := range []string{"a", "b", "c"} {
		name := name
		spawn(t, k, name, task.PriorityNormal, func() {
			m.Lock()
			order = append(order, name)
			m.Unlock()
		})
	}
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTryLock(t *testing.T) {
	k := newKernel(t)
	m := NewMutex(k, "m")
	spawn(t, k, "a", task.PriorityNormal, func() {
		if !m.TryLock() {
			t.Error("TryLock on a free mutex failed")
		}
		k.Yield()
		m.Unlock()
	})
	spawn(t, k, "b", task.PriorityNormal, func() {
		if m.TryLock() {
			t.Error("TryLock on a held mutex succeeded")
		}
		if m.Waiters() != 0 {
			t.Error("TryLock queued the caller")
		}
	})
	require.NoError(t, run(t, k))
}

func TestLockTimeout(t *testing.T) {
	k := newKernel(t)
	m := NewMutex(k, "slow")
	var err, err0 error
	var gaveUpAt time.Duration
	spawn(t, k, "holder", task.PriorityNormal, func() {
		m.Lock()
		k.Sleep(100 * time.Millisecond)
		m.Unlock()
	})
	spawn(t, k, "impatient", task.PriorityNormal, func() {
		err0 = m.LockTimeout(0)
		err = m.LockTimeout(30 * time.Millisecond)
		gaveUpAt = k.Now()
		if m.Waiters() != 0 {
			t.Error("timed out waiter still queued")
		}
		// Long enough this time.
		if err := m.LockTimeout(time.Second); err != nil {
			t.Errorf("LockTimeout: %v", err)
			return
		}
		m.Unlock()
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, err0, ErrTimeout)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, gaveUpAt, 30*time.Millisecond)
	assert.Less(t, gaveUpAt, 100*time.Millisecond)
}

func TestUnlockByNonOwnerIsFatal(t *testing.T) {
	k := newKernel(t)
	m := NewMutex(k, "m")
	spawn(t, k, "owner", task.PriorityNormal, func() {
		m.Lock()
		k.Yield()
	})
	spawn(t, k, "thief", task.PriorityNormal, func() {
		m.Unlock()
	})
	err := run(t, k)
	require.True(t, diagnostics.As(err, diagnostics.CodeNotOwner), "Run() = %v", err)
}

func TestUnlockUnlockedIsFatal(t *testing.T) {
	k := newKernel(t)
	m := NewMutex(k, "m")
	spawn(t, k, "a", task.PriorityNormal, func() {
		m.Unlock()
	})
	err := run(t, k)
	assert.True(t, diagnostics.As(err, diagnostics.CodeNotOwner), "Run() = %v", err)
}

func TestRecursiveLockIsFatal(t *testing.T) {
	k := newKernel(t)
	m := NewMutex(k, "m")
	spawn(t, k, "a", task.PriorityNormal, func() {
		m.Lock()
		m.Lock()
	})
	err := run(t, k)
	var f *diagnostics.Fatal
	require.ErrorAs(t, err, &f)
	assert.Equal(t, diagnostics.CodeRecursiveLock, f.Code)
	assert.Contains(t, f.Msg, "twice")
}

func TestRWMutex(t *testing.T) {
	k := newKernel(t)
	rw := NewRWMutex(k, "table")
	var events []string
	for _, name := range []string{"r1", "r2"} {
		name := name
		spawn(t, k, name, task.PriorityNormal, func() {
			rw.RLock()
			events = append(events, name+" read")
			k.Sleep(10 * time.Millisecond)
			events = append(events, name+" done")
			rw.RUnlock()
		})
	}
	spawn(t, k, "w", task.PriorityNormal, func() {
		rw.Lock()
		if rw.Readers() != 0 {
			t.Errorf("writer in with %d readers", rw.Readers())
		}
		events = append(events, "w write")
		rw.Unlock()
	})
	spawn(t, k, "r3", task.PriorityNormal, func() {
		// The writer is waiting: new readers queue behind it.
		rw.RLock()
		events = append(events, "r3 read")
		rw.RUnlock()
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{"r1 read", "r2 read", "r1 done", "r2 done", "w write", "r3 read"}, events)
}

func TestRUnlockWithoutReadersIsFatal(t *testing.T) {
	k := newKernel(t)
	rw := NewRWMutex(k, "x")
	spawn(t, k, "a", task.PriorityNormal, func() {
		rw.RUnlock()
	})
	err := run(t, k)
	assert.True(t, diagnostics.As(err, diagnostics.CodeNotOwner), "Run() = %v", err)
}
