package ksync

import (
	"github.com/tinygo-org/tinykern/diagnostics"
	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/kernel"
)

// RWMutex is a reader/writer lock. A writer that is waiting for readers to
// drain keeps new readers out, so writers are not starved.
type RWMutex struct {
	k *kernel.Kernel

	// Writer lock. Held between Lock and Unlock.
	writerLock *Mutex

	// Number of tasks that hold a read lock.
	readers int

	// Set while a writer holds the lock or waits for readers to leave.
	writer bool

	readQ  task.Queue // readers waiting for the writer to finish
	writeQ task.Queue // the writer waiting for the last reader
}

func NewRWMutex(k *kernel.Kernel, name string) *RWMutex {
	rw := &RWMutex{
		k:          k,
		writerLock: NewMutex(k, name),
	}
	rw.readQ.Name = "rwmutex/" + name + "/readers"
	rw.writeQ.Name = "rwmutex/" + name + "/writer"
	return rw
}

// Lock locks rw for writing.
func (rw *RWMutex) Lock() {
	// Exclusive lock for writers.
	rw.writerLock.Lock()

	k := rw.k
	k.Enter()
	defer k.Leave()
	// Readers can't lock this mutex anymore.
	rw.writer = true
	for rw.readers > 0 {
		k.Suspend(&rw.writeQ, task.BlockedMutex, 0)
	}
}

// Unlock unlocks rw for writing. It is fatal if rw is not write-locked by
// the caller.
func (rw *RWMutex) Unlock() {
	k := rw.k
	k.Enter()
	if !rw.writer || rw.writerLock.Owner() != k.Current().ID() {
		k.Fatalf(diagnostics.CodeNotOwner, "task %v write-unlocked rwmutex %s", k.Current(), rw.writerLock)
	}
	rw.writer = false
	// Awaken all waiting readers.
	for t := rw.readQ.Front(); t != nil; t = rw.readQ.Front() {
		k.Wake(t)
	}
	k.Leave()

	// Done with this lock (next writer can try to get a lock).
	rw.writerLock.Unlock()
}

// RLock locks rw for reading.
func (rw *RWMutex) RLock() {
	k := rw.k
	k.Enter()
	defer k.Leave()
	for rw.writer {
		k.Suspend(&rw.readQ, task.BlockedMutex, 0)
	}
	rw.readers++
}

// RUnlock undoes a single RLock call.
func (rw *RWMutex) RUnlock() {
	k := rw.k
	k.Enter()
	defer k.Leave()
	if rw.readers == 0 {
		k.Fatalf(diagnostics.CodeNotOwner, "task %v read-unlocked rwmutex %s, which has no readers", k.Current(), rw.writerLock)
	}
	rw.readers--
	if rw.readers == 0 && rw.writer {
		if t := rw.writeQ.Front(); t != nil {
			k.Wake(t)
		}
	}
}

// Readers returns the number of read locks held.
func (rw *RWMutex) Readers() int {
	return rw.readers
}
