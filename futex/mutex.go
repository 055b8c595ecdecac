package futex

import (
	"errors"
	"fmt"

	"github.com/tinygo-org/tinykern/diagnostics"
)

// UserMutex is a lock whose state lives in a word of user memory, so that
// the uncontended paths never enter the kernel. The word is:
//
//	0: unlocked
//	1: locked, no waiters
//	2: locked, possibly with waiters
type UserMutex struct {
	ft *Table
	va uintptr
}

// NewUserMutex returns a mutex over the word at va. The word must be mapped
// in the address space of every task that uses the mutex and start out zero.
func NewUserMutex(ft *Table, va uintptr) *UserMutex {
	return &UserMutex{ft: ft, va: va}
}

func (m *UserMutex) Lock() error {
	pa, err := m.ft.key(m.va)
	if err != nil {
		return err
	}
	mem := m.ft.k.MM()
	// Fast path: try to lock the mutex.
	if ok, err := mem.CompareAndSwap32(pa, 0, 1); err != nil || ok {
		return err
	}

	// Try to lock the mutex, and if it's already locked, mark it as
	// possibly having waiters and park until it is unlocked.
	for {
		old, err := mem.Swap32(pa, 2)
		if err != nil {
			return err
		}
		if old == 0 {
			return nil
		}
		if err := m.ft.Wait(m.va, 2); err != nil && !errors.Is(err, ErrAgain) {
			return err
		}
	}
}

// TryLock tries to lock m and reports whether it succeeded.
func (m *UserMutex) TryLock() (bool, error) {
	pa, err := m.ft.key(m.va)
	if err != nil {
		return false, err
	}
	return m.ft.k.MM().CompareAndSwap32(pa, 0, 1)
}

// Unlock unlocks m, waking one waiter if there may be any. Unlocking an
// unlocked mutex is fatal.
func (m *UserMutex) Unlock() error {
	pa, err := m.ft.key(m.va)
	if err != nil {
		return err
	}
	old, err := m.ft.k.MM().Swap32(pa, 0)
	if err != nil {
		return err
	}
	switch old {
	case 0:
		m.ft.k.Fatalf(diagnostics.CodeNotOwner, "unlock of unlocked user mutex at %#x", m.va)
	case 1:
		// Nobody waiting.
	default:
		if _, err := m.ft.Wake(m.va, 1); err != nil {
			return fmt.Errorf("futex: unlock %#x: %w", m.va, err)
		}
	}
	return nil
}
