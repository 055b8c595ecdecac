// Package futex implements address-keyed wait queues.
//
// A futex is named by the physical address of a 32-bit word, so two tasks
// that map the same page at different virtual addresses, or in different
// address spaces, meet on the same queue. The table has a fixed number of
// slots; a slot is taken when the first task waits on an address and given
// back when its last waiter leaves.
package futex

import (
	"errors"
	"fmt"
	"time"

	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/kernel"
	"github.com/tinygo-org/tinykern/klog"
	"github.com/tinygo-org/tinykern/metrics"
	"github.com/tinygo-org/tinykern/mm"
)

var (
	ErrAgain     = errors.New("futex: value changed")
	ErrTableFull = errors.New("futex: table full")
	ErrFault     = errors.New("futex: bad address")
	ErrTimeout   = errors.New("futex: timed out")
)

type slot struct {
	key  mm.PhysAddr
	used bool
	q    task.Queue
}

// Table is the futex table of one kernel.
type Table struct {
	k     *kernel.Kernel
	slots []slot
	inUse int

	// Tasks woken by Wake that have not returned from their Wait yet.
	woken map[task.Handle]mm.PhysAddr
}

// New returns a table sized by the kernel's configuration.
func New(k *kernel.Kernel) *Table {
	return NewTable(k, k.Config().Futex.Capacity)
}

// NewTable returns a table with room for capacity distinct addresses.
func NewTable(k *kernel.Kernel, capacity int) *Table {
	ft := &Table{
		k:     k,
		slots: make([]slot, capacity),
		woken: make(map[task.Handle]mm.PhysAddr),
	}
	k.OnExit(ft.taskExited)
	return ft
}

// taskExited runs for every task that exits or is killed. A killed waiter is
// unlinked by the kernel, which may leave its slot empty, and a wakeup that
// went to a task which never got to use it goes to the next waiter instead.
func (ft *Table) taskExited(t *task.Task) {
	if key, ok := ft.woken[t.Handle()]; ok {
		delete(ft.woken, t.Handle())
		if s := ft.lookup(key, false); s != nil {
			if next := s.q.Front(); next != nil {
				ft.woken[next.Handle()] = key
				ft.k.Wake(next)
			}
		}
	}
	ft.sweep()
}

// key translates va in the current task's address space.
func (ft *Table) key(va uintptr) (mm.PhysAddr, error) {
	if va%4 != 0 {
		return 0, fmt.Errorf("%w: %#x is not 4-byte aligned", ErrFault, va)
	}
	pa, err := ft.k.MM().Translate(ft.k.Current().Space, va)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFault, err)
	}
	return pa, nil
}

// lookup finds the slot for key. With create set, a free slot is taken if
// there is none yet; nil means the table is full.
func (ft *Table) lookup(key mm.PhysAddr, create bool) *slot {
	var free *slot
	for i := range ft.slots {
		s := &ft.slots[i]
		if s.used {
			if s.key == key {
				return s
			}
		} else if free == nil {
			free = s
		}
	}
	if !create || free == nil {
		return nil
	}
	free.used = true
	free.key = key
	free.q.Name = fmt.Sprintf("futex/%#x", uintptr(key))
	ft.inUse++
	ft.k.Metrics().Store(metrics.FutexSlots, uint64(ft.inUse))
	return free
}

func (ft *Table) release(s *slot) {
	if !s.used || !s.q.Empty() {
		return
	}
	s.used = false
	s.key = 0
	ft.inUse--
	ft.k.Metrics().Store(metrics.FutexSlots, uint64(ft.inUse))
}

func (ft *Table) sweep() {
	for i := range ft.slots {
		ft.release(&ft.slots[i])
	}
}

// Wait blocks the current task until a Wake on va, provided the word at va
// still holds expected. Otherwise it returns ErrAgain without blocking.
func (ft *Table) Wait(va uintptr, expected uint32) error {
	return ft.WaitTimeout(va, expected, 0)
}

// WaitTimeout is Wait with a deadline of d virtual time. A d of zero or less
// waits forever.
func (ft *Table) WaitTimeout(va uintptr, expected uint32, d time.Duration) error {
	k := ft.k
	k.Enter()
	defer k.Leave()

	key, err := ft.key(va)
	if err != nil {
		return err
	}
	v, err := k.MM().Load32(key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFault, err)
	}
	if v != expected {
		return ErrAgain
	}
	s := ft.lookup(key, true)
	if s == nil {
		klog.Warningf("futex: table full (%d slots), wait on %#x by %v", len(ft.slots), va, k.Current())
		return fmt.Errorf("%w (%d slots)", ErrTableFull, len(ft.slots))
	}
	why := k.Suspend(&s.q, task.BlockedFutex, d)
	delete(ft.woken, k.Current().Handle())
	ft.release(s)
	if why == task.WokenTimeout {
		return ErrTimeout
	}
	return nil
}

// Wake wakes up to n tasks waiting on va, oldest first, and returns how many
// it woke. n <= 0 wakes them all. Waking an address nobody waits on is not
// an error.
func (ft *Table) Wake(va uintptr, n int) (int, error) {
	k := ft.k
	k.Enter()
	defer k.Leave()

	key, err := ft.key(va)
	if err != nil {
		return 0, err
	}
	s := ft.lookup(key, false)
	if s == nil {
		return 0, nil
	}
	woken := 0
	for n <= 0 || woken < n {
		t := s.q.Front()
		if t == nil {
			break
		}
		ft.woken[t.Handle()] = key
		k.Wake(t)
		woken++
	}
	ft.release(s)
	return woken, nil
}

// InUse returns the number of slots holding waiters.
func (ft *Table) InUse() int {
	return ft.inUse
}

// Cap returns the number of slots.
func (ft *Table) Cap() int {
	return len(ft.slots)
}
