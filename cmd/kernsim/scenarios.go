package main

import (
	"fmt"
	"io"
	"time"

	"github.com/tinygo-org/tinykern/futex"
	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/interrupt"
	"github.com/tinygo-org/tinykern/ipc"
	"github.com/tinygo-org/tinykern/kernel"
	"github.com/tinygo-org/tinykern/ksync"
	"github.com/tinygo-org/tinykern/mm"
)

type scenario struct {
	name string
	desc string
	// setup creates the scenario's tasks on a kernel that has not been
	// started yet.
	setup func(k *kernel.Kernel, out io.Writer) error
}

var scenarios = map[string]*scenario{}

func register(name, desc string, setup func(*kernel.Kernel, io.Writer) error) {
	scenarios[name] = &scenario{name: name, desc: desc, setup: setup}
}

func init() {
	register("priority", "tasks at mixed priorities run highest first, FIFO within a priority", priorityScenario)
	register("mutex", "a low priority task hands a mutex to a high priority one", mutexScenario)
	register("futex", "user tasks in two address spaces share a futex-based lock", futexScenario)
	register("ipc", "an echo server and three clients", ipcScenario)
	register("nesting", "device interrupts nest on top of each other and on the timer", nestingScenario)
	register("starvation", "a busy high priority task starves a low priority one", starvationScenario)
	register("timeout", "every blocking primitive gives up after its deadline", timeoutScenario)
}

// logf prints a line stamped with the virtual time.
func logf(k *kernel.Kernel, out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, "[%10.3fms] ", float64(k.Now())/float64(time.Millisecond))
	fmt.Fprintf(out, format, args...)
	fmt.Fprintln(out)
}

func spawn(k *kernel.Kernel, name string, prio task.Priority, fn func()) (*task.Task, error) {
	return k.Spawn(kernel.CreateOptions{
		Name:     name,
		Priority: prio,
		Entry:    func(any) { fn() },
	})
}

func priorityScenario(k *kernel.Kernel, out io.Writer) error {
	for _, c := range []struct {
		name string
		prio task.Priority
	}{
		{"low-1", task.PriorityLow},
		{"low-2", task.PriorityLow},
		{"high", task.PriorityHigh},
		{"normal", task.PriorityNormal},
	} {
		name := c.name
		if _, err := spawn(k, name, c.prio, func() {
			logf(k, out, "%s running", name)
			k.Compute(5 * time.Millisecond)
			logf(k, out, "%s done", name)
		}); err != nil {
			return err
		}
	}
	return nil
}

func mutexScenario(k *kernel.Kernel, out io.Writer) error {
	m := ksync.NewMutex(k, "shared")
	_, err := spawn(k, "T2", task.PriorityLow, func() {
		m.Lock()
		logf(k, out, "T2 owns the mutex")
		_, err := k.Create(func(any) {
			logf(k, out, "T1 wants the mutex")
			m.Lock()
			logf(k, out, "T1 owns the mutex")
			m.Unlock()
		}, nil, task.PriorityHigh)
		if err != nil {
			logf(k, out, "create T1: %v", err)
		}
		logf(k, out, "T2 unlocks, %d waiting", m.Waiters())
		m.Unlock()
		logf(k, out, "T2 back")
	})
	if err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("worker-%d", i)
		if _, err := spawn(k, name, task.PriorityNormal, func() {
			for j := 0; j < 2; j++ {
				m.Lock()
				logf(k, out, "%s in critical section", name)
				k.Compute(30 * time.Millisecond)
				m.Unlock()
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

func futexScenario(k *kernel.Kernel, out io.Writer) error {
	const (
		shared  uintptr = 0x40000
		aliased uintptr = 0x80000
		lockVA          = 0
		countVA         = 4
	)
	ft := futex.New(k)
	worker := func(base uintptr) func(any) {
		return func(any) {
			m := futex.NewUserMutex(ft, base+lockVA)
			cur := k.Current()
			for i := 0; i < 3; i++ {
				if err := m.Lock(); err != nil {
					logf(k, out, "%v: lock: %v", cur, err)
					return
				}
				pa, _ := k.MM().Translate(cur.Space, base+countVA)
				n, _ := k.MM().Add32(pa, 1)
				logf(k, out, "%v: counter %d", cur, n)
				k.Compute(15 * time.Millisecond)
				if err := m.Unlock(); err != nil {
					logf(k, out, "%v: unlock: %v", cur, err)
					return
				}
			}
		}
	}
	a, err := k.Spawn(kernel.CreateOptions{Name: "a", Priority: task.PriorityNormal, User: true, Entry: worker(shared)})
	if err != nil {
		return err
	}
	if err := k.MM().Map(a.Space, shared, 1); err != nil {
		return err
	}
	if _, err := k.Spawn(kernel.CreateOptions{Name: "a2", Priority: task.PriorityNormal, User: true, ShareWith: a.ID(), Entry: worker(shared)}); err != nil {
		return err
	}
	b, err := k.Spawn(kernel.CreateOptions{Name: "b", Priority: task.PriorityNormal, User: true, Entry: worker(aliased)})
	if err != nil {
		return err
	}
	// b sees the same physical page at a different address.
	return k.MM().MapShared(b.Space, aliased, a.Space, shared, 1)
}

func ipcScenario(k *kernel.Kernel, out io.Writer) error {
	r := ipc.NewRouter(k)
	const clients = 3
	server, err := spawn(k, "echo", task.PriorityNormal, func() {
		for i := 0; i < clients*2; i++ {
			from, msg, err := r.Receive()
			if err != nil {
				logf(k, out, "echo: %v", err)
				continue
			}
			logf(k, out, "echo: %q from %d", msg, from)
			if err := r.Send(from, append([]byte("re: "), msg...)); err != nil {
				logf(k, out, "echo: reply to %d: %v", from, err)
			}
		}
	})
	if err != nil {
		return err
	}
	for i := 0; i < clients; i++ {
		name := fmt.Sprintf("client-%d", i)
		if _, err := spawn(k, name, task.PriorityLow, func() {
			for j := 0; j < 2; j++ {
				if err := r.Send(server.ID(), []byte(fmt.Sprintf("%s #%d", name, j))); err != nil {
					logf(k, out, "%s: %v", name, err)
					return
				}
				_, reply, err := r.Receive()
				if err != nil {
					logf(k, out, "%s: %v", name, err)
					return
				}
				logf(k, out, "%s: got %q", name, reply)
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

func nestingScenario(k *kernel.Kernel, out io.Writer) error {
	const (
		lineDisk interrupt.Line = 4
		lineNIC  interrupt.Line = 2
	)
	irq := k.Interrupts()
	irq.Register(lineDisk, func(l interrupt.Line) {
		logf(k, out, "%v: depth %d, raising %v", l, k.InterruptDepth(), lineNIC)
		k.Reent().Errno = int(l)
		first := k.Reent().Rand()
		irq.Raise(lineNIC)
		k.PollInterrupts()
		logf(k, out, "%v: back at depth %d, errno %d, rand %d then %d", l, k.InterruptDepth(), k.Reent().Errno, first, k.Reent().Rand())
	})
	irq.Register(lineNIC, func(l interrupt.Line) {
		logf(k, out, "%v: depth %d, errno %d, rand %d", l, k.InterruptDepth(), k.Reent().Errno, k.Reent().Rand())
	})
	_, err := k.Spawn(kernel.CreateOptions{
		Name:     "driver",
		Priority: task.PriorityNormal,
		Entry: func(any) {
			for i := 0; i < 3; i++ {
				irq.Raise(lineDisk)
				k.Compute(7 * time.Millisecond)
			}
		},
	})
	if err != nil {
		return err
	}
	_, err = k.Spawn(kernel.CreateOptions{
		Name:     "app",
		Priority: task.PriorityNormal,
		User:     true,
		Entry: func(any) {
			irq.Raise(lineDisk)
			k.PollInterrupts()
			logf(k, out, "app: mode %v after interrupt", k.Mode())
		},
	})
	return err
}

func starvationScenario(k *kernel.Kernel, out io.Writer) error {
	if _, err := spawn(k, "hog", task.PriorityHigh, func() {
		for i := 0; i < 5; i++ {
			k.Compute(50 * time.Millisecond)
			logf(k, out, "hog: still busy")
		}
	}); err != nil {
		return err
	}
	_, err := spawn(k, "starved", task.PriorityLow, func() {
		logf(k, out, "starved: finally running")
	})
	return err
}

func timeoutScenario(k *kernel.Kernel, out io.Writer) error {
	m := ksync.NewMutex(k, "held")
	ft := futex.New(k)
	r := ipc.NewRouter(k)
	if _, err := spawn(k, "holder", task.PriorityNormal, func() {
		m.Lock()
		k.Sleep(100 * time.Millisecond)
		m.Unlock()
	}); err != nil {
		return err
	}
	_, err := spawn(k, "waiter", task.PriorityNormal, func() {
		logf(k, out, "mutex: %v", m.LockTimeout(20*time.Millisecond))
		logf(k, out, "receive: %v", func() error {
			_, _, err := r.ReceiveTimeout(20 * time.Millisecond)
			return err
		}())
		// Kernel tasks address physical memory directly.
		word := uintptr(mm.PageSize)
		v, err := k.MM().Load32(mm.PhysAddr(word))
		if err != nil {
			logf(k, out, "load: %v", err)
			return
		}
		logf(k, out, "futex: %v", ft.WaitTimeout(word, v, 20*time.Millisecond))
		k.Sleep(20 * time.Millisecond)
		logf(k, out, "sleep: done")
	})
	return err
}
