package interrupt

import (
	"github.com/tinygo-org/tinykern/diagnostics"
	"github.com/tinygo-org/tinykern/internal/arch"
)

// Reent is the reentrant state of the C library shim: what newlib keeps in
// struct _reent.
type Reent struct {
	Errno   int
	Seed    uint64
	Scratch [64]byte
}

// Rand is rand_r over the seed in r.
func (r *Reent) Rand() uint32 {
	r.Seed = r.Seed*6364136223846793005 + 1
	return uint32(r.Seed >> 33)
}

// One nesting level of kernel-mode interrupt service.
type frame struct {
	fpu   arch.FPUState
	reent Reent
}

type activation struct {
	seq      uint64
	cpu      *arch.CPU
	prevMode arch.Mode
	taskFPU  *arch.FPUState // set for interrupts taken from user mode
	pushed   bool
}

// Token identifies one Enter so that the matching Exit can be checked.
type Token struct {
	seq uint64
}

// Stack is the reentrancy context: a fixed-depth stack of frames, plus the
// base Reent of the task that is running.
//
// An interrupt taken while the CPU was executing kernel code pushes a frame
// that saves the interrupted activation's FPU registers and installs a clean
// Reent for the handler. An interrupt taken from user code does not push: the
// user FPU registers are saved straight into the task. Exits must come in
// strict LIFO order.
type Stack struct {
	frames  []frame
	depth   int
	maxSeen int

	acts []activation
	seq  uint64
	base *Reent
}

// NewStack returns a reentrancy stack that allows maxNesting kernel-mode
// frames.
func NewStack(maxNesting int) *Stack {
	s := &Stack{
		frames: make([]frame, maxNesting),
		acts:   make([]activation, 0, maxNesting+1),
	}
	for i := range s.frames {
		s.frames[i].fpu = arch.NewFPUState()
	}
	return s
}

// Enter records entry into an interrupt handler. origin is the mode the CPU
// was in when the interrupt arrived; taskFPU is the save area of the running
// task and is only used when origin is user mode.
func (s *Stack) Enter(origin arch.Mode, cpu *arch.CPU, taskFPU *arch.FPUState) Token {
	s.seq++
	a := activation{
		seq:      s.seq,
		cpu:      cpu,
		prevMode: cpu.Mode,
	}
	if origin == arch.ModeUser {
		if len(s.acts) != 0 {
			diagnostics.Panicf(diagnostics.CodeFrameMismatch, "user-mode interrupt entry at nesting level %d", len(s.acts))
		}
		if taskFPU == nil {
			diagnostics.Panicf(diagnostics.CodeNoCurrentTask, "user-mode interrupt entry without a task")
		}
		taskFPU.CopyFrom(&cpu.FPU)
		a.taskFPU = taskFPU
	} else {
		if s.depth == len(s.frames) {
			diagnostics.Panicf(diagnostics.CodeNestingOverflow, "more than %d nested kernel interrupts", len(s.frames))
		}
		f := &s.frames[s.depth]
		f.fpu.CopyFrom(&cpu.FPU)
		f.reent = Reent{}
		s.depth++
		if s.depth > s.maxSeen {
			s.maxSeen = s.depth
		}
		a.pushed = true
	}
	s.acts = append(s.acts, a)
	cpu.Mode = arch.ModeKernel
	return Token{seq: a.seq}
}

// Exit undoes the Enter that returned tok. tok must belong to the innermost
// live activation.
func (s *Stack) Exit(tok Token) {
	n := len(s.acts)
	if n == 0 {
		diagnostics.Panicf(diagnostics.CodeFrameMismatch, "interrupt exit without entry")
	}
	a := s.acts[n-1]
	if a.seq != tok.seq {
		diagnostics.Panicf(diagnostics.CodeFrameMismatch, "interrupt exit %d while %d is innermost", tok.seq, a.seq)
	}
	s.acts = s.acts[:n-1]
	if a.pushed {
		s.depth--
		a.cpu.FPU.CopyFrom(&s.frames[s.depth].fpu)
	} else {
		a.cpu.FPU.CopyFrom(a.taskFPU)
	}
	a.cpu.Mode = a.prevMode
}

// SetBase installs the Reent of the task being switched to.
func (s *Stack) SetBase(r *Reent) {
	s.base = r
}

// Current returns the Reent that library code should use right now: the
// innermost frame's while an interrupt is in service, otherwise the running
// task's.
func (s *Stack) Current() *Reent {
	if s.depth > 0 {
		return &s.frames[s.depth-1].reent
	}
	return s.base
}

// InInterrupt reports whether any interrupt handler is running.
func (s *Stack) InInterrupt() bool {
	return len(s.acts) != 0
}

// Depth returns the number of pushed kernel-mode frames.
func (s *Stack) Depth() int {
	return s.depth
}

// MaxDepthSeen returns the deepest frame nesting observed so far.
func (s *Stack) MaxDepthSeen() int {
	return s.maxSeen
}

// Cap returns the maximum frame depth.
func (s *Stack) Cap() int {
	return len(s.frames)
}
