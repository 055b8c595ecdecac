package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
)

// ApplyCmdline applies a kernel command line such as
//
//	sched.quantum=2 mm.physical=1MB log.level=debug
//
// to c and validates the result. Words are split with shell quoting rules.
// Words without '=' are boolean flags set to true.
func (c *Config) ApplyCmdline(cmdline string) error {
	words, err := shlex.Split(cmdline)
	if err != nil {
		return fmt.Errorf("config: command line: %w", err)
	}
	for _, w := range words {
		key, val, ok := strings.Cut(w, "=")
		if !ok {
			val = "true"
		}
		if err := c.set(key, val); err != nil {
			return fmt.Errorf("config: command line %q: %w", w, err)
		}
	}
	return c.Validate()
}

func (c *Config) set(key, val string) error {
	var err error
	switch key {
	case "sched.quantum":
		c.Scheduler.Quantum, err = strconv.Atoi(val)
	case "sched.tick":
		err = setDuration(&c.Scheduler.Tick, val)
	case "sched.syscall_cost":
		err = setDuration(&c.Scheduler.SyscallCost, val)
	case "sched.max_tasks":
		c.Scheduler.MaxTasks, err = strconv.Atoi(val)
	case "sched.wait":
		c.Scheduler.WaitForInterrupts, err = strconv.ParseBool(val)
	case "mm.physical":
		c.Memory.Physical, err = ParseSize(val)
	case "mm.stack":
		c.Memory.Stack, err = ParseSize(val)
	case "futex.capacity":
		c.Futex.Capacity, err = strconv.Atoi(val)
	case "irq.max_nesting":
		c.Interrupt.MaxNesting, err = strconv.Atoi(val)
	case "log.level":
		c.Log.Level = val
	case "log.color":
		c.Log.Color = val
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return err
}

func setDuration(d *Duration, val string) error {
	v, err := time.ParseDuration(val)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
