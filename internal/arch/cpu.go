package arch

// Mode is the privilege level the CPU is executing at.
type Mode uint8

const (
	ModeKernel Mode = iota
	ModeUser
)

func (m Mode) String() string {
	if m == ModeUser {
		return "user"
	}
	return "kernel"
}

// IRQState is the interrupt-enable state returned by Disable.
type IRQState uintptr

// CPU is the live (unsaved) state of the single simulated processor.
type CPU struct {
	FPU  FPUState
	Mode Mode

	flags uintptr
}

// NewCPU returns a CPU in kernel mode with interrupts enabled.
func NewCPU() *CPU {
	return &CPU{
		FPU:   NewFPUState(),
		Mode:  ModeKernel,
		flags: FlagInterruptEnable,
	}
}

// Disable disables interrupts and returns the previous state, to be passed
// to Restore. Nested Disable/Restore pairs are allowed.
func (c *CPU) Disable() IRQState {
	s := IRQState(c.flags & FlagInterruptEnable)
	c.flags &^= FlagInterruptEnable
	return s
}

// Restore restores the interrupt-enable state to s.
func (c *CPU) Restore(s IRQState) {
	c.flags = c.flags&^FlagInterruptEnable | uintptr(s)
}

// InterruptsEnabled reports whether interrupts are currently delivered.
func (c *CPU) InterruptsEnabled() bool {
	return c.flags&FlagInterruptEnable != 0
}
