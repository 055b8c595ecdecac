package kernel

import (
	"runtime"
	"time"

	"github.com/tinygo-org/tinykern/diagnostics"
	"github.com/tinygo-org/tinykern/internal/arch"
	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/interrupt"
	"github.com/tinygo-org/tinykern/klog"
	"github.com/tinygo-org/tinykern/metrics"
)

// reschedule gives the CPU to the best ready task, or to idle if there is
// none. The current task must already be off the CPU: queued as Ready,
// Blocked or Exited.
func (k *Kernel) reschedule() {
	next := k.ready.Pop()
	if next == nil {
		next = k.idle
	}
	k.switchTo(next)
}

// switchTo dispatches next. If the current task is still alive, switchTo
// returns when it is dispatched again.
func (k *Kernel) switchTo(next *task.Task) {
	prev := k.cur
	next.SetState(task.Running)
	k.needResched = false
	k.quantumLeft = k.cfg.Scheduler.Quantum
	if next == prev {
		return
	}

	var from *arch.Context
	if prev != nil {
		prev.FPU.CopyFrom(&k.cpu.FPU)
		if prev.State() != task.Exited {
			from = prev.Context
		}
	}
	k.cur = next
	k.cpu.FPU.CopyFrom(&next.FPU)
	k.cpu.Mode = next.Mode()
	if next.KernelDepth() > 0 {
		k.cpu.Mode = arch.ModeKernel
	}
	k.reent.SetBase(&next.Reent)
	if next.Space != k.space {
		k.mm.SwitchAddressSpace(next.Space)
		k.space = next.Space
		k.stats.Inc(metrics.SpaceSwitches)
	}
	k.stats.Inc(metrics.Switches)
	for _, l := range k.listeners {
		l.OnTaskScheduled(prev, next)
	}
	if klog.IsLogging(klog.Debug) {
		klog.Debugf("sched: %v -> %v", prev, next)
	}
	k.signal(arch.Switch(from, next.Context))
}

// signal acts on the signal a parked context was woken with. A killed
// context unwinds its goroutine without returning to the caller.
func (k *Kernel) signal(s arch.Signal) {
	if s == arch.SignalKill {
		runtime.Goexit()
	}
}

// preempt moves the current task to the back of its ready bucket and
// dispatches whatever should run instead.
func (k *Kernel) preempt() {
	cur := k.cur
	k.needResched = false
	if cur == nil || cur == k.idle {
		return
	}
	if p, ok := k.ready.Highest(); !ok || p < cur.Priority() {
		return
	}
	k.stats.Inc(metrics.Preemptions)
	k.ready.Queue(cur)
	k.reschedule()
}

// Suspend blocks the current task on q with the given reason and runs
// something else. It returns only after the task has been woken and
// dispatched again, and reports why it was woken.
//
// q may be nil for a task that is only waiting for its timeout or for an
// explicit Wake. A timeout of zero or less means no deadline.
func (k *Kernel) Suspend(q *task.Queue, reason task.BlockReason, timeout time.Duration) task.WakeReason {
	cur := k.mustCurrent()
	if k.reent.InInterrupt() {
		k.Fatalf(diagnostics.CodeBlockInInterrupt, "task %v blocked on %v inside an interrupt handler", cur, reason)
	}
	if cur == k.idle {
		k.Fatalf(diagnostics.CodeBadTransition, "the idle task cannot block")
	}
	cur.Block(reason)
	if q != nil {
		q.PushBack(cur)
	}
	if timeout > 0 {
		k.timers.add(cur.Handle(), k.clock.now+timeout)
	}
	k.stats.Inc(metrics.Blocks)
	for _, l := range k.listeners {
		l.OnTaskBlocked(cur, reason)
	}
	k.reschedule()
	return cur.Woken()
}

// Wake makes a blocked task ready. It does not switch: if t has a higher
// priority than the current task, the switch happens at the next kernel
// exit or outermost interrupt exit.
func (k *Kernel) Wake(t *task.Task) {
	k.WakeWith(t, task.WokenNormal)
}

// WakeWith is Wake with an explicit reason, which Suspend returns to t.
func (k *Kernel) WakeWith(t *task.Task, why task.WakeReason) {
	if k.reaping {
		k.Fatalf(diagnostics.CodeNoCurrentTask, "wake of %v from a killed task", t)
	}
	k.wake(t, why)
}

func (k *Kernel) wake(t *task.Task, why task.WakeReason) {
	if t.State() != task.Blocked {
		k.Fatalf(diagnostics.CodeBadWake, "task %v is %v", t, t.State())
	}
	if q := t.Queue(); q != nil {
		q.Remove(t)
	}
	k.timers.remove(t.Handle())
	t.SetWoken(why)
	k.ready.Queue(t)
	k.stats.Inc(metrics.Wakeups)
	if why == task.WokenTimeout {
		k.stats.Inc(metrics.Timeouts)
	}
	if k.cur != nil && t.Priority() > k.cur.Priority() {
		k.needResched = true
	}
	for _, l := range k.listeners {
		l.OnTaskUnblocked(t, why)
	}
}

// Yield gives up the CPU to the next ready task of equal or higher priority.
func (k *Kernel) Yield() {
	defer k.syscall()()
	k.yield()
}

func (k *Kernel) yield() {
	cur := k.mustCurrent()
	if k.reent.InInterrupt() {
		k.Fatalf(diagnostics.CodeBlockInInterrupt, "task %v yielded inside an interrupt handler", cur)
	}
	if cur == k.idle {
		return
	}
	k.ready.Queue(cur)
	k.reschedule()
}

// Sleep blocks the current task for d of virtual time.
func (k *Kernel) Sleep(d time.Duration) {
	defer k.syscall()()
	if d <= 0 {
		k.yield()
		return
	}
	k.Suspend(nil, task.BlockedSuspended, d)
}

// Compute burns d of virtual time on the CPU, as if the task were running
// user code. Interrupts are delivered at every tick boundary, and the task
// may be preempted there.
func (k *Kernel) Compute(d time.Duration) {
	k.mustCurrent()
	for d > 0 {
		step := k.clock.untilTick()
		if step > d {
			step = d
		}
		k.advance(step)
		d -= step
		k.PollInterrupts()
	}
}

// advance moves the clock and raises the timer line for every tick crossed.
func (k *Kernel) advance(d time.Duration) {
	if k.clock.advance(d) > 0 {
		k.irq.Raise(interrupt.LineTimer)
	}
	k.stats.Store(metrics.VirtualTime, uint64(k.clock.now))
}

func (k *Kernel) expireTimers() {
	for _, h := range k.timers.expire(k.clock.now) {
		if t := k.tasks.Get(h); t != nil && t.State() == task.Blocked {
			k.wake(t, task.WokenTimeout)
		}
	}
}
