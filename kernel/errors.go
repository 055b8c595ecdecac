package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinygo-org/tinykern/diagnostics"
)

var (
	ErrRunning     = errors.New("kernel: already started")
	ErrNoSuchTask  = errors.New("kernel: no such task")
	ErrBadPriority = errors.New("kernel: invalid priority")
	ErrNoEntry     = errors.New("kernel: task has no entry point")
	ErrIdle        = errors.New("kernel: operation not permitted on the idle task")
	ErrDeadlock    = errors.New("kernel: deadlock")
)

// DeadlockError is returned by Run when tasks are blocked, nothing is
// runnable, and nothing can ever wake them: no timer is pending and the
// kernel is not waiting for external interrupts.
type DeadlockError struct {
	Blocked []diagnostics.TaskInfo
}

func (e *DeadlockError) Error() string {
	parts := make([]string, len(e.Blocked))
	for i, t := range e.Blocked {
		parts[i] = fmt.Sprintf("%d:%s %s", t.ID, t.Name, t.State)
	}
	return fmt.Sprintf("kernel: deadlock: %d blocked (%s)", len(e.Blocked), strings.Join(parts, ", "))
}

func (e *DeadlockError) Is(target error) bool {
	return target == ErrDeadlock
}
