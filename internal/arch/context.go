// Package arch is the machine layer of the kernel: saved register blocks, the
// context switch primitive, the FPU save area and the CPU flags that the
// scheduler manipulates.
//
// There is no real register file to save. Each context is backed by a
// goroutine, and at most one of them is runnable at any instant: Switch wakes
// the incoming goroutine and parks the outgoing one on its own channel. This
// is the only place in the kernel that touches goroutines directly.
package arch

import "sync/atomic"

// Signal is what a parked context is woken with.
type Signal uint8

const (
	SignalRun Signal = iota
	SignalKill
)

// Address of the task entry trampoline. The saved PC of every new context
// points here; it has no meaning beyond being recognizable in a dump.
const TrampolinePC uintptr = 0x1000

// Flags bits.
const (
	FlagInterruptEnable uintptr = 1 << 9
)

// Registers is the saved register block of a context.
type Registers struct {
	PC    uintptr
	SP    uintptr
	FP    uintptr
	Arg0  uintptr
	Arg1  uintptr
	Flags uintptr
}

// Context is the saved execution context of one activation.
type Context struct {
	Regs Registers

	entry   func()
	wake    chan Signal
	done    chan struct{}
	started bool
	killed  atomic.Bool
}

var contextID atomic.Uintptr

// BuildContext synthesizes the initial context of a new task. The first
// Switch to it "returns" into the trampoline, which calls entry.
//
// The stack pointer is 16-byte aligned below stackTop, with room for the
// fake return address the trampoline would pop.
func BuildContext(stackTop uintptr, entry func()) *Context {
	sp := stackTop &^ 15
	sp -= 16
	return &Context{
		Regs: Registers{
			PC:    TrampolinePC,
			SP:    sp,
			FP:    0,
			Arg0:  contextID.Add(1),
			Flags: FlagInterruptEnable,
		},
		entry: entry,
		wake:  make(chan Signal, 1),
		done:  make(chan struct{}),
	}
}

// NewBootContext returns the context of the goroutine that is currently
// running. It is used once, for the code that boots the kernel, so that the
// kernel has somewhere to switch back to when it stops.
func NewBootContext() *Context {
	return &Context{
		wake:    make(chan Signal, 1),
		done:    make(chan struct{}),
		started: true,
	}
}

// Switch restores to and then saves from: it resumes to and blocks the
// calling goroutine until from is resumed again. A nil from means the caller
// is leaving for good, so Switch returns immediately after resuming to.
//
// The returned signal is SignalKill if from was woken only to be destroyed;
// the caller must then unwind without touching kernel state.
func Switch(from, to *Context) Signal {
	to.resume(SignalRun)
	if from == nil {
		return SignalRun
	}
	return <-from.wake
}

func (c *Context) resume(s Signal) {
	if !c.started {
		c.started = true
		go c.run()
	}
	c.wake <- s
}

func (c *Context) run() {
	defer close(c.done)
	if <-c.wake == SignalKill {
		return
	}
	c.entry()
}

// Kill destroys a context that is not running. If the context was never
// dispatched its goroutine is never started. Otherwise the parked goroutine is
// woken with SignalKill and Kill waits until it has finished unwinding.
func (c *Context) Kill() {
	if c.killed.Swap(true) {
		return
	}
	if !c.started {
		c.started = true
		close(c.done)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.wake <- SignalKill
	<-c.done
}

// Killed reports whether Kill has been called on c.
func (c *Context) Killed() bool {
	return c.killed.Load()
}

// Started reports whether the context has ever been dispatched.
func (c *Context) Started() bool {
	return c.started
}
