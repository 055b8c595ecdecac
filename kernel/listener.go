package kernel

import "github.com/tinygo-org/tinykern/internal/task"

// Listener receives scheduling events. Callbacks run on the CPU with the big
// kernel lock held and must not call back into the kernel.
type Listener interface {
	OnTaskCreated(t *task.Task)
	// OnTaskScheduled is called right before the CPU moves from prev to
	// next. prev is nil when the kernel boots.
	OnTaskScheduled(prev, next *task.Task)
	OnTaskBlocked(t *task.Task, reason task.BlockReason)
	OnTaskUnblocked(t *task.Task, why task.WakeReason)
	OnTaskExited(t *task.Task)
}

// NopListener implements Listener with empty methods, for embedding.
type NopListener struct{}

func (NopListener) OnTaskCreated(*task.Task) {}
func (NopListener) OnTaskScheduled(prev, next *task.Task) {}
func (NopListener) OnTaskBlocked(*task.Task, task.BlockReason) {}
func (NopListener) OnTaskUnblocked(*task.Task, task.WakeReason) {}
func (NopListener) OnTaskExited(*task.Task) {}
