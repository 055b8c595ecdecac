// Package ksync provides sleeping locks for kernel tasks.
//
// Every method must be called from a running task. A task that finds a lock
// taken is suspended on the lock's own wait queue and retries when woken.
package ksync

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tinygo-org/tinykern/diagnostics"
	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/kernel"
)

var ErrTimeout = errors.New("ksync: lock timed out")

// Mutex is a mutual exclusion lock owned by the task that locked it.
//
// Unlock always wakes the first waiter. Being woken means "try again", not
// "you own the lock": a task that becomes ready in between may take it first,
// and the woken task then goes back to the end of the queue. A woken task
// that exits before it retries passes the wakeup on to the next waiter.
type Mutex struct {
	k       *kernel.Kernel
	name    string
	locked  atomic.Bool
	owner   task.ID
	waiters task.Queue

	// Task the last Unlock woke, until it runs again.
	handoff task.Handle
}

// NewMutex returns an unlocked mutex. The name shows up in diagnostics.
func NewMutex(k *kernel.Kernel, name string) *Mutex {
	m := &Mutex{k: k, name: name}
	m.waiters.Name = "mutex/" + name
	k.OnExit(m.taskExited)
	return m
}

func (m *Mutex) String() string {
	return m.name
}

// Lock locks m, blocking until it is available.
func (m *Mutex) Lock() {
	m.lock(0)
}

// LockTimeout is Lock that gives up after d of virtual time.
func (m *Mutex) LockTimeout(d time.Duration) error {
	if d <= 0 {
		if m.TryLock() {
			return nil
		}
		return ErrTimeout
	}
	return m.lock(d)
}

func (m *Mutex) lock(timeout time.Duration) error {
	k := m.k
	k.Enter()
	defer k.Leave()
	cur := k.Current()

	deadline := k.Now() + timeout
	for !m.locked.CompareAndSwap(false, true) {
		if m.owner == cur.ID() {
			k.Fatalf(diagnostics.CodeRecursiveLock, "task %v locked mutex %s twice", cur, m.name)
		}
		var wait time.Duration
		if timeout > 0 {
			wait = deadline - k.Now()
			if wait <= 0 {
				return ErrTimeout
			}
		}
		why := k.Suspend(&m.waiters, task.BlockedMutex, wait)
		if m.handoff == cur.Handle() {
			m.handoff = task.Handle{}
		}
		if why == task.WokenTimeout {
			return fmt.Errorf("%w: %s held by task %d", ErrTimeout, m.name, m.owner)
		}
	}
	m.owner = cur.ID()
	return nil
}

// TryLock locks m if it is free and reports whether it did.
func (m *Mutex) TryLock() bool {
	k := m.k
	k.Enter()
	defer k.Leave()
	if !m.locked.CompareAndSwap(false, true) {
		return false
	}
	m.owner = k.Current().ID()
	return true
}

// Unlock unlocks m. It is fatal for any task but the owner to call it.
func (m *Mutex) Unlock() {
	k := m.k
	k.Enter()
	defer k.Leave()
	cur := k.Current()
	if !m.locked.Load() {
		k.Fatalf(diagnostics.CodeNotOwner, "task %v unlocked mutex %s, which is not locked", cur, m.name)
	}
	if m.owner != cur.ID() {
		k.Fatalf(diagnostics.CodeNotOwner, "task %v unlocked mutex %s, owned by task %d", cur, m.name, m.owner)
	}
	m.owner = 0
	m.locked.Store(false)
	m.wakeNext()
}

func (m *Mutex) wakeNext() {
	if t := m.waiters.Front(); t != nil {
		m.handoff = t.Handle()
		m.k.Wake(t)
	}
}

// taskExited runs for every task that exits or is killed.
func (m *Mutex) taskExited(t *task.Task) {
	if m.handoff != t.Handle() {
		return
	}
	m.handoff = task.Handle{}
	if !m.locked.Load() {
		m.wakeNext()
	}
}

// Owner returns the task holding m, or 0.
func (m *Mutex) Owner() task.ID {
	if !m.locked.Load() {
		return 0
	}
	return m.owner
}

// Waiters returns the number of tasks blocked on m.
func (m *Mutex) Waiters() int {
	return m.waiters.Len()
}
