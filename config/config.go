// Package config holds the kernel configuration: a YAML file, optionally
// overridden by a kernel command line.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete kernel configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Memory    MemoryConfig    `yaml:"memory"`
	Futex     FutexConfig     `yaml:"futex"`
	Interrupt InterruptConfig `yaml:"interrupt"`
	Log       LogConfig       `yaml:"log"`
}

type SchedulerConfig struct {
	// Quantum is the number of timer ticks a task may run before it is
	// preempted in favour of a ready task of the same priority.
	Quantum int `yaml:"quantum"`

	// Tick is the period of the timer interrupt, in virtual time.
	Tick Duration `yaml:"tick"`

	// SyscallCost is how much virtual time every kernel entry consumes.
	SyscallCost Duration `yaml:"syscall_cost"`

	// MaxTasks bounds the task table, not counting the idle task.
	MaxTasks int `yaml:"max_tasks"`

	// WaitForInterrupts makes the idle task halt until an interrupt is
	// raised from outside, instead of reporting a deadlock, when nothing is
	// runnable and no timer is pending.
	WaitForInterrupts bool `yaml:"wait_for_interrupts"`
}

type MemoryConfig struct {
	// Physical is the size of simulated physical memory.
	Physical Size `yaml:"physical"`
	// Stack is the kernel stack size of every task, excluding the guard page.
	Stack Size `yaml:"stack"`
}

type FutexConfig struct {
	// Capacity is the number of distinct futex addresses that can have
	// waiters at the same time.
	Capacity int `yaml:"capacity"`
}

type InterruptConfig struct {
	// MaxNesting bounds nested interrupts taken from kernel mode.
	MaxNesting int `yaml:"max_nesting"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info or warning
	Color string `yaml:"color"` // auto, always or never
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Quantum:     4,
			Tick:        Duration(10 * time.Millisecond),
			SyscallCost: Duration(time.Microsecond),
			MaxTasks:    64,
		},
		Memory: MemoryConfig{
			Physical: Size(4 * bytesize.MB),
			Stack:    Size(8 * bytesize.KB),
		},
		Futex: FutexConfig{
			Capacity: 64,
		},
		Interrupt: InterruptConfig{
			MaxNesting: 8,
		},
		Log: LogConfig{
			Level: "info",
			Color: "auto",
		},
	}
}

// Load reads a YAML configuration file. Keys missing from the file keep
// their default value; unknown keys are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse is like Load, for a configuration already in memory.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Marshal returns c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks that every value is usable.
func (c Config) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
	}
	s := c.Scheduler
	for _, err := range []error{
		check(s.Quantum > 0, "scheduler.quantum must be positive, got %d", s.Quantum),
		check(s.Tick > 0, "scheduler.tick must be positive, got %v", s.Tick),
		check(s.SyscallCost >= 0, "scheduler.syscall_cost must not be negative, got %v", s.SyscallCost),
		check(s.MaxTasks > 0, "scheduler.max_tasks must be positive, got %d", s.MaxTasks),
		check(c.Memory.Physical >= Size(16*bytesize.KB), "memory.physical must be at least 16KB, got %v", c.Memory.Physical),
		check(c.Memory.Stack > 0, "memory.stack must be positive, got %v", c.Memory.Stack),
		check(c.Memory.Stack < c.Memory.Physical, "memory.stack %v does not fit in memory.physical %v", c.Memory.Stack, c.Memory.Physical),
		check(c.Futex.Capacity > 0, "futex.capacity must be positive, got %d", c.Futex.Capacity),
		check(c.Interrupt.MaxNesting > 0, "interrupt.max_nesting must be positive, got %d", c.Interrupt.MaxNesting),
		check(validLevel(c.Log.Level), "log.level %q is not one of debug, info, warning", c.Log.Level),
		check(validColor(c.Log.Color), "log.color %q is not one of auto, always, never", c.Log.Color),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func validLevel(s string) bool {
	switch s {
	case "debug", "info", "warning":
		return true
	}
	return false
}

func validColor(s string) bool {
	switch s {
	case "auto", "always", "never":
		return true
	}
	return false
}
