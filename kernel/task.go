package kernel

import (
	"fmt"
	"runtime"

	"github.com/tinygo-org/tinykern/diagnostics"
	"github.com/tinygo-org/tinykern/internal/arch"
	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/klog"
	"github.com/tinygo-org/tinykern/metrics"
	"github.com/tinygo-org/tinykern/mm"
)

// CreateOptions describes a task to Spawn.
type CreateOptions struct {
	Name     string
	Entry    func(arg any)
	Arg      any
	Priority task.Priority

	// User tasks run in user mode in their own address space, or in the
	// space of ShareWith if that is set. Kernel tasks run in the kernel
	// address space.
	User      bool
	ShareWith task.ID

	// StackPages overrides the configured stack size.
	StackPages int
}

// Create makes a new kernel-mode task that will call entry(arg), and queues
// it as Ready. The new task runs once the scheduler picks it: if prio is
// higher than the caller's, that is at the end of this call.
func (k *Kernel) Create(entry func(arg any), arg any, prio task.Priority) (*task.Task, error) {
	return k.Spawn(CreateOptions{
		Entry:    entry,
		Arg:      arg,
		Priority: prio,
	})
}

// Spawn creates a task as described by opts. On failure nothing is left
// allocated.
func (k *Kernel) Spawn(opts CreateOptions) (*task.Task, error) {
	if opts.Priority <= task.PriorityIdle || opts.Priority > task.PriorityHigh {
		return nil, fmt.Errorf("%w: %v", ErrBadPriority, opts.Priority)
	}
	if opts.Entry == nil {
		return nil, ErrNoEntry
	}
	defer k.syscall()()

	var share *task.Task
	if opts.ShareWith != 0 {
		share = k.tasks.Lookup(opts.ShareWith)
		if share == nil || share == k.idle {
			return nil, fmt.Errorf("%w: %d", ErrNoSuchTask, opts.ShareWith)
		}
	}

	t, err := k.tasks.Alloc(opts.Name, opts.Priority)
	if err != nil {
		return nil, err
	}
	pages := opts.StackPages
	if pages <= 0 {
		pages = k.stackPages
	}
	stack, err := k.mm.AllocateStack(pages)
	if err != nil {
		k.tasks.Free(t)
		return nil, fmt.Errorf("kernel: stack for %v: %w", t, err)
	}
	t.Stack = stack

	switch {
	case share != nil:
		t.Space = k.mm.ShareAddressSpace(share.Space)
	case opts.User:
		as, err := k.mm.CreateAddressSpace()
		if err != nil {
			k.mm.FreeStack(stack)
			k.tasks.Free(t)
			return nil, fmt.Errorf("kernel: address space for %v: %w", t, err)
		}
		t.Space = as
	default:
		t.Space = mm.KernelSpace
	}

	if opts.User {
		t.SetMode(arch.ModeUser)
	} else {
		t.SetMode(arch.ModeKernel)
	}
	t.Context = arch.BuildContext(stack.Top, k.trampoline(t, opts.Entry, opts.Arg))

	k.live++
	k.stats.Inc(metrics.TasksCreated)
	k.stats.Inc(metrics.TasksLive)
	k.ready.Queue(t)
	if k.cur != nil && t.Priority() > k.cur.Priority() {
		k.needResched = true
	}
	for _, l := range k.listeners {
		l.OnTaskCreated(t)
	}
	klog.Debugf("task: created %v prio=%v mode=%v space=%d stack=%#x-%#x", t, t.Priority(), t.Mode(), t.Space, stack.Bottom, stack.Top)
	return t, nil
}

// trampoline returns the body of the goroutine behind t's context. Returning
// from entry exits the task, and a panic escaping entry stops the kernel.
func (k *Kernel) trampoline(t *task.Task, entry func(any), arg any) func() {
	return func() {
		defer func() {
			r := recover()
			if t.Context.Killed() {
				// Already reaped.
				return
			}
			if r != nil {
				k.halt(diagnostics.FromPanic(r), nil)
				return
			}
			k.exit(t)
		}()
		entry(arg)
	}
}

// Exit terminates the current task. Deferred calls run first, as with
// runtime.Goexit. Exit does not return.
func (k *Kernel) Exit() {
	cur := k.mustCurrent()
	if k.reent.InInterrupt() {
		k.Fatalf(diagnostics.CodeBlockInInterrupt, "task %v exited inside an interrupt handler", cur)
	}
	if cur == k.idle {
		k.Fatalf(diagnostics.CodeBadTransition, "the idle task cannot exit")
	}
	k.exiting = cur
	runtime.Goexit()
}

// exit is the last thing a task does with the CPU.
func (k *Kernel) exit(t *task.Task) {
	k.exiting = nil
	k.teardown(t)
	k.reschedule()
}

// Kill destroys the task with the given id. A blocked task is removed from
// whatever it waits on; its waiters see it exit like any other task. Killing
// the current task is Exit.
func (k *Kernel) Kill(id task.ID) error {
	if k.running.Load() {
		if cur := k.mustCurrent(); cur.ID() == id {
			k.Exit()
		}
	}
	defer k.syscall()()
	t := k.tasks.Lookup(id)
	if t == nil {
		return fmt.Errorf("%w: %d", ErrNoSuchTask, id)
	}
	if t == k.idle {
		return ErrIdle
	}
	klog.Debugf("task: kill %v (%v)", t, t.State())
	ctx := t.Context
	k.reap(t, task.WokenKilled)

	// The goroutine behind ctx unwinds without the CPU. Nothing it runs
	// on the way out may touch the kernel.
	k.reaping = true
	ctx.Kill()
	k.reaping = false
	return nil
}

// reap takes a task that is not running off every queue and tears it down.
func (k *Kernel) reap(t *task.Task, why task.WakeReason) {
	switch t.State() {
	case task.Ready:
		k.ready.Remove(t)
	case task.Blocked:
		if q := t.Queue(); q != nil {
			q.Remove(t)
		}
		k.timers.remove(t.Handle())
	}
	t.SetWoken(why)
	k.teardown(t)
}

func (k *Kernel) teardown(t *task.Task) {
	t.SetState(task.Exited)
	for _, hook := range k.exitHooks {
		hook(t)
	}
	k.mm.FreeStack(t.Stack)
	if t.Space != mm.KernelSpace {
		k.mm.DestroyAddressSpace(t.Space)
	}
	k.tasks.Free(t)
	k.live--
	k.stats.Inc(metrics.TasksExited)
	k.stats.Dec(metrics.TasksLive)
	for _, l := range k.listeners {
		l.OnTaskExited(t)
	}
	klog.Debugf("task: %v exited (%v)", t, t.Woken())
}
