// Package kernel is the scheduler: it owns every task, the ready queue, the
// idle task, the virtual clock and interrupt delivery, and provides the
// Suspend/Wake pair every blocking primitive is built on.
//
// Every task runs on its own goroutine, but only the task holding the CPU
// executes. The big kernel lock is taken by Run and handed from task to task
// with the CPU, so all kernel state is only ever touched by one goroutine at
// a time. Kernel methods must be called from a task, or from the goroutine
// that will call Run before it is called.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinygo-org/tinykern/config"
	"github.com/tinygo-org/tinykern/diagnostics"
	"github.com/tinygo-org/tinykern/internal/arch"
	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/interrupt"
	"github.com/tinygo-org/tinykern/klog"
	"github.com/tinygo-org/tinykern/metrics"
	"github.com/tinygo-org/tinykern/mm"
)

// Kernel is one instance of the kernel. It runs once.
type Kernel struct {
	cfg        config.Config
	mm         mm.Provider
	stackPages int

	bkl     sync.Mutex
	started atomic.Bool
	running atomic.Bool
	ctx     context.Context

	cpu   *arch.CPU
	irq   *interrupt.Controller
	reent *interrupt.Stack
	space mm.AddressSpace

	tasks *task.Table
	ready ReadyQueue
	idle  *task.Task
	cur   *task.Task
	boot  *arch.Context
	live  int

	clock       clock
	timers      timerQueue
	needResched bool
	quantumLeft int

	halted  bool
	haltErr error
	reaping bool
	exiting *task.Task

	exitHooks []func(*task.Task)
	listeners []Listener
	stats     metrics.Set
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithListener registers l for scheduling events.
func WithListener(l Listener) Option {
	return func(k *Kernel) {
		k.listeners = append(k.listeners, l)
	}
}

// WithController makes the kernel use c instead of a private interrupt
// controller, so that devices can be wired up before New.
func WithController(c *interrupt.Controller) Option {
	return func(k *Kernel) {
		k.irq = c
	}
}

// New creates a kernel with an idle task and nothing else. A nil provider
// means a simulated memory manager sized by cfg.
func New(cfg config.Config, provider mm.Provider, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		sim, err := mm.NewSimulator(cfg.Memory.Physical.Bytes())
		if err != nil {
			return nil, err
		}
		provider = sim
	}
	k := &Kernel{
		cfg:        cfg,
		mm:         provider,
		stackPages: int((cfg.Memory.Stack.Bytes() + mm.PageSize - 1) / mm.PageSize),
		cpu:        arch.NewCPU(),
		reent:      interrupt.NewStack(cfg.Interrupt.MaxNesting),
		tasks:      task.NewTable(cfg.Scheduler.MaxTasks + 1),
		clock: clock{
			tick: cfg.Scheduler.Tick.D(),
			next: cfg.Scheduler.Tick.D(),
		},
		quantumLeft: cfg.Scheduler.Quantum,
	}
	k.ready.init()
	for _, opt := range opts {
		opt(k)
	}
	if k.irq == nil {
		k.irq = interrupt.NewController()
	}
	k.irq.Register(interrupt.LineTimer, k.onTick)

	idle, err := k.tasks.Alloc("idle", task.PriorityIdle)
	if err != nil {
		return nil, err
	}
	stack, err := k.mm.AllocateStack(1)
	if err != nil {
		return nil, fmt.Errorf("kernel: idle stack: %w", err)
	}
	idle.Stack = stack
	idle.Space = mm.KernelSpace
	idle.SetMode(arch.ModeKernel)
	idle.Context = arch.BuildContext(stack.Top, k.idleMain)
	idle.SetState(task.Ready)
	k.idle = idle
	return k, nil
}

// Run boots the kernel and returns when it stops:
//   - nil when every task has exited,
//   - a *DeadlockError when tasks are blocked and nothing can wake them,
//   - ctx.Err() when ctx is done,
//   - a *diagnostics.Fatal on a contract violation or a task panic.
//
// Tasks still alive when Run returns are destroyed.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	k.bkl.Lock()
	defer k.bkl.Unlock()

	k.ctx = ctx
	k.boot = arch.NewBootContext()
	klog.SetClock(k.Now)
	klog.Infof("kernel: boot: %d tasks, quantum %d x %v", k.live, k.cfg.Scheduler.Quantum, k.clock.tick)

	k.running.Store(true)
	k.cur = k.idle
	k.idle.SetState(task.Running)
	k.reent.SetBase(&k.idle.Reent)
	for _, l := range k.listeners {
		l.OnTaskScheduled(nil, k.idle)
	}
	arch.Switch(k.boot, k.idle.Context)

	// Back on the boot goroutine: the kernel has halted.
	k.running.Store(false)
	k.shutdown()
	if k.haltErr != nil {
		klog.Warningf("kernel: halted: %v", k.haltErr)
	} else {
		klog.Infof("kernel: halted: all tasks exited")
	}
	return k.haltErr
}

// idleMain is the body of the idle task. It never blocks and never exits:
// it runs whenever the ready queue is empty, and is the only task that can
// stop the kernel.
func (k *Kernel) idleMain() {
	defer func() {
		if r := recover(); r != nil && !k.idle.Context.Killed() {
			k.halt(diagnostics.FromPanic(r), nil)
		}
	}()
	for {
		k.deliverPending()
		if next := k.ready.Pop(); next != nil {
			k.idle.SetState(task.Ready)
			k.switchTo(next)
			continue
		}
		if k.live == 0 {
			k.halt(nil, k.idle.Context)
			continue
		}
		if err := k.ctx.Err(); err != nil {
			k.halt(err, k.idle.Context)
			continue
		}
		if at, ok := k.timers.next(); ok {
			// Nothing to do until the next deadline: skip ahead to it.
			if skipped := at - k.clock.now; skipped > 0 {
				k.advance(skipped)
				k.stats.Add(metrics.IdleTime, uint64(skipped))
			}
			k.expireTimers()
			continue
		}
		if k.cfg.Scheduler.WaitForInterrupts {
			if err := k.irq.Wait(k.ctx); err != nil {
				k.halt(err, k.idle.Context)
			}
			continue
		}
		k.halt(k.deadlock(), k.idle.Context)
	}
}

func (k *Kernel) deadlock() error {
	e := &DeadlockError{}
	for _, t := range k.Tasks() {
		if t.State() == task.Blocked {
			e.Blocked = append(e.Blocked, t.Info())
		}
	}
	return e
}

// halt stops the kernel with err and returns the CPU to the goroutine that
// called Run. from is the context to park, or nil if the caller is about to
// exit its goroutine.
func (k *Kernel) halt(err error, from *arch.Context) {
	var f *diagnostics.Fatal
	if errors.As(err, &f) && f.Tasks == nil {
		f.Tasks = k.Snapshot()
	}
	k.halted = true
	k.haltErr = err
	k.signal(arch.Switch(from, k.boot))
}

// shutdown destroys every remaining task. After a fatal error the task
// table is left as it was, for inspection, and only the goroutines are
// stopped.
func (k *Kernel) shutdown() {
	var f *diagnostics.Fatal
	fatal := errors.As(k.haltErr, &f)

	var ctxs []*arch.Context
	for _, t := range k.Tasks() {
		ctxs = append(ctxs, t.Context)
		if !fatal && t.State() != task.Exited {
			k.reap(t, task.WokenKilled)
		}
	}
	k.cur = nil
	k.reaping = true
	for _, c := range ctxs {
		c.Kill()
	}
	k.idle.Context.Kill()
}

// Now returns the current virtual time.
func (k *Kernel) Now() time.Duration {
	return k.clock.now
}

// Config returns the configuration the kernel was created with.
func (k *Kernel) Config() config.Config {
	return k.cfg
}

// MM returns the memory manager.
func (k *Kernel) MM() mm.Provider {
	return k.mm
}

// Interrupts returns the interrupt controller.
func (k *Kernel) Interrupts() *interrupt.Controller {
	return k.irq
}

// Metrics returns the kernel's counters.
func (k *Kernel) Metrics() *metrics.Set {
	return &k.stats
}

// OnExit registers hook to run whenever a task exits or is killed, after it
// is marked Exited and before its resources are released.
func (k *Kernel) OnExit(hook func(*task.Task)) {
	k.exitHooks = append(k.exitHooks, hook)
}

// Fatalf reports a contract violation and stops the kernel. It does not
// return.
func (k *Kernel) Fatalf(code diagnostics.Code, format string, args ...any) {
	diagnostics.Panicf(code, format, args...)
}

// Current returns the task holding the CPU. It is fatal to call it from
// outside a task.
func (k *Kernel) Current() *task.Task {
	return k.mustCurrent()
}

func (k *Kernel) mustCurrent() *task.Task {
	if k.cur == nil || k.reaping {
		k.Fatalf(diagnostics.CodeNoCurrentTask, "kernel called outside of a running task")
	}
	return k.cur
}

// Idle returns the idle task.
func (k *Kernel) Idle() *task.Task {
	return k.idle
}

// Lookup returns the live task with the given ID, or nil.
func (k *Kernel) Lookup(id task.ID) *task.Task {
	return k.tasks.Lookup(id)
}

// Tasks returns every live task except idle, ordered by ID.
func (k *Kernel) Tasks() []*task.Task {
	var ts []*task.Task
	k.tasks.Range(func(t *task.Task) bool {
		if t != k.idle {
			ts = append(ts, t)
		}
		return true
	})
	sort.Slice(ts, func(i, j int) bool {
		return ts[i].ID() < ts[j].ID()
	})
	return ts
}

// Snapshot returns the diagnostic view of every live task including idle,
// ordered by ID.
func (k *Kernel) Snapshot() []diagnostics.TaskInfo {
	var infos []diagnostics.TaskInfo
	k.tasks.Range(func(t *task.Task) bool {
		info := t.Info()
		info.Current = t == k.cur
		infos = append(infos, info)
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// CheckInvariants verifies the queue-membership invariants over every task:
// exactly the current task is Running and it is in no queue, Ready tasks
// other than idle are in the ready queue, Blocked tasks are not.
func (k *Kernel) CheckInvariants() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = diagnostics.FromPanic(r)
		}
	}()
	k.ready.check()
	running := 0
	ready := 0
	k.tasks.Range(func(t *task.Task) bool {
		switch t.State() {
		case task.Running:
			running++
			if t != k.cur {
				err = fmt.Errorf("kernel: task %v is running but %v holds the CPU", t, k.cur)
			} else if t.Linked() {
				err = fmt.Errorf("kernel: running task %v is linked in %s", t, t.Queue().Name)
			}
		case task.Ready:
			if t == k.idle {
				if t.Linked() {
					err = fmt.Errorf("kernel: idle task is queued")
				}
				break
			}
			ready++
			if !k.ready.Contains(t) {
				err = fmt.Errorf("kernel: ready task %v is not in the ready queue", t)
			}
		case task.Blocked:
			if k.ready.Contains(t) {
				err = fmt.Errorf("kernel: blocked task %v is in the ready queue", t)
			}
		case task.Exited:
			err = fmt.Errorf("kernel: exited task %v still in the task table", t)
		}
		return err == nil
	})
	if err == nil && k.running.Load() && running != 1 {
		err = fmt.Errorf("kernel: %d running tasks", running)
	}
	if err == nil && ready != k.ready.Len() {
		err = fmt.Errorf("kernel: %d ready tasks but ready queue holds %d", ready, k.ready.Len())
	}
	return err
}
