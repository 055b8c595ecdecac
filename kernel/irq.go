package kernel

import (
	"github.com/tinygo-org/tinykern/internal/arch"
	"github.com/tinygo-org/tinykern/interrupt"
	"github.com/tinygo-org/tinykern/metrics"
)

// Enter marks entry into the kernel from the current task: a system call.
// The outermost entry switches the CPU to kernel mode and costs the
// configured syscall time. Calls from interrupt handlers are ignored, since
// the handler is already in the kernel.
func (k *Kernel) Enter() {
	cur := k.mustCurrent()
	if k.reent.InInterrupt() {
		return
	}
	if cur.EnterKernel() == 1 {
		k.cpu.Mode = arch.ModeKernel
		k.stats.Inc(metrics.Syscalls)
		k.advance(k.cfg.Scheduler.SyscallCost.D())
	}
}

// Leave is the mirror of Enter. On the outermost exit pending interrupts are
// delivered, the CPU returns to the task's own mode, and a reschedule
// requested since entry happens now.
func (k *Kernel) Leave() {
	if k.reaping {
		// Unwinding a killed task.
		return
	}
	cur := k.mustCurrent()
	if cur == k.exiting || k.reent.InInterrupt() {
		return
	}
	if cur.KernelDepth() == 1 {
		k.deliverPending()
	}
	if cur.ExitKernel() == 0 {
		k.cpu.Mode = cur.Mode()
		if k.needResched {
			k.preempt()
		}
	}
}

// syscall brackets a kernel operation. From a task it is Enter/Leave. Before
// Run, from the booting goroutine, it takes the kernel lock instead.
func (k *Kernel) syscall() func() {
	if !k.running.Load() {
		k.bkl.Lock()
		return k.bkl.Unlock
	}
	k.Enter()
	return k.Leave
}

// PollInterrupts delivers every pending interrupt. When called outside of
// both a system call and an interrupt handler it is a preemption point.
//
// An interrupt handler may call PollInterrupts to let higher priority lines
// nest on top of it.
func (k *Kernel) PollInterrupts() {
	cur := k.mustCurrent()
	k.deliverPending()
	if k.needResched && !k.reent.InInterrupt() && cur.KernelDepth() == 0 {
		k.preempt()
	}
}

func (k *Kernel) deliverPending() {
	for k.cpu.InterruptsEnabled() {
		line, ok := k.irq.Next()
		if !ok {
			return
		}
		k.deliver(line)
	}
}

func (k *Kernel) deliver(line interrupt.Line) {
	tok := k.reent.Enter(k.cpu.Mode, k.cpu, &k.cur.FPU)
	defer k.reent.Exit(tok)
	defer k.irq.Ack(line)

	k.stats.Inc(metrics.Interrupts)
	k.stats.Max(metrics.MaxNesting, uint64(k.reent.MaxDepthSeen()))
	k.irq.Dispatch(line)
}

// onTick is the timer interrupt handler.
func (k *Kernel) onTick(interrupt.Line) {
	k.expireTimers()
	cur := k.cur
	if cur == k.idle {
		return
	}
	k.quantumLeft--
	if k.quantumLeft > 0 {
		return
	}
	if p, ok := k.ready.Highest(); ok && p >= cur.Priority() {
		k.needResched = true
	} else {
		k.quantumLeft = k.cfg.Scheduler.Quantum
	}
}

// InInterrupt reports whether an interrupt handler is running.
func (k *Kernel) InInterrupt() bool {
	return k.reent.InInterrupt()
}

// InterruptDepth returns the number of nested kernel-mode interrupt frames.
func (k *Kernel) InterruptDepth() int {
	return k.reent.Depth()
}

// Reent returns the C library state that is live right now: the innermost
// interrupt frame's, or the current task's.
func (k *Kernel) Reent() *interrupt.Reent {
	return k.reent.Current()
}

// CPU returns the live processor state.
func (k *Kernel) CPU() *arch.CPU {
	return k.cpu
}

// DisableInterrupts stops interrupt delivery until the matching
// RestoreInterrupts.
func (k *Kernel) DisableInterrupts() arch.IRQState {
	return k.cpu.Disable()
}

func (k *Kernel) RestoreInterrupts(s arch.IRQState) {
	k.cpu.Restore(s)
}

// Mode returns the mode the CPU is executing in.
func (k *Kernel) Mode() arch.Mode {
	return k.cpu.Mode
}
