package task

import (
	"fmt"
	"strings"

	"github.com/tinygo-org/tinykern/diagnostics"
)

// ID identifies a task for its whole life. IDs are never reused. 0 means "no
// task".
type ID uint32

// Priority is a scheduling priority. Higher values are served first.
type Priority uint8

const (
	PriorityIdle Priority = iota // reserved for the idle task
	PriorityLow
	PriorityNormal
	PriorityHigh
)

// NumPriorities is the number of priorities ordinary tasks can have.
const NumPriorities = int(PriorityHigh)

var priorityNames = [...]string{"idle", "low", "normal", "high"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// ParsePriority is the inverse of Priority.String for ordinary priorities.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityLow; p <= PriorityHigh; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("task: unknown priority %q", s)
}

// State is the scheduling state of a task.
type State uint8

const (
	New State = iota
	Ready
	Running
	Blocked
	Exited
)

var stateNames = [...]string{"new", "ready", "running", "blocked", "exited"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// BlockReason says what a Blocked task is waiting for.
type BlockReason uint8

const (
	NotBlocked BlockReason = iota
	BlockedMutex
	BlockedFutex
	BlockedIPC
	BlockedSuspended
)

var reasonNames = [...]string{"none", "mutex", "futex", "ipc", "suspended"}

func (r BlockReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// WakeReason says why a Blocked task became Ready again.
type WakeReason uint8

const (
	WokenNormal WakeReason = iota
	WokenTimeout
	WokenKilled
	// The object the task was waiting on went away (a peer exited).
	WokenAborted
)

var wakeNames = [...]string{"normal", "timeout", "killed", "aborted"}

func (w WakeReason) String() string {
	if int(w) < len(wakeNames) {
		return wakeNames[w]
	}
	return fmt.Sprintf("wake(%d)", uint8(w))
}

// valid[from] is the set of states reachable from from.
var valid = [...]uint8{
	New:     1 << Ready,
	Ready:   1<<Running | 1<<Exited,
	Running: 1<<Ready | 1<<Blocked | 1<<Exited,
	Blocked: 1<<Ready | 1<<Exited,
	Exited:  0,
}

// SetState moves t to state s. Invalid transitions are fatal, as is entering
// Running or Exited while still linked into a queue.
func (t *Task) SetState(s State) {
	if valid[t.state]&(1<<s) == 0 {
		diagnostics.Panicf(diagnostics.CodeBadTransition, "task %d (%s): %v -> %v", t.id, t.name, t.state, s)
	}
	if (s == Running || s == Exited) && t.link.q != nil {
		diagnostics.Panicf(diagnostics.CodeBadTransition, "task %d (%s): %v while linked in %s", t.id, t.name, s, t.link.q.label())
	}
	t.state = s
	if s != Blocked {
		t.reason = NotBlocked
	}
}

// Block moves a running task to Blocked with the given reason.
func (t *Task) Block(reason BlockReason) {
	t.SetState(Blocked)
	t.reason = reason
	t.woken = WokenNormal
}
