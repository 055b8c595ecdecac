// Package metrics exposes kernel counters through the same Description /
// Sample / Read interface as the standard runtime/metrics package.
package metrics

import (
	"math"
	"sync/atomic"
)

type Description struct {
	Name        string
	Description string
	Kind        ValueKind
	Cumulative  bool
}

// Metric identifies one counter or gauge in a Set.
type Metric int

const (
	Switches Metric = iota
	Preemptions
	Blocks
	Wakeups
	Timeouts
	TasksCreated
	TasksExited
	TasksLive
	Syscalls
	Interrupts
	MaxNesting
	FutexSlots
	SpaceSwitches
	IdleTime
	VirtualTime
	numMetrics
)

var descriptions = [numMetrics]Description{
	Switches:      {"/sched/switches:count", "Context switches between tasks.", KindUint64, true},
	Preemptions:   {"/sched/preemptions:count", "Tasks moved off the CPU while still runnable.", KindUint64, true},
	Blocks:        {"/sched/blocks:count", "Calls to Suspend.", KindUint64, true},
	Wakeups:       {"/sched/wakeups:count", "Blocked tasks made ready, for any reason.", KindUint64, true},
	Timeouts:      {"/sched/timeouts:count", "Blocked tasks made ready because their deadline passed.", KindUint64, true},
	TasksCreated:  {"/sched/tasks/created:tasks", "Tasks created.", KindUint64, true},
	TasksExited:   {"/sched/tasks/exited:tasks", "Tasks that exited or were killed.", KindUint64, true},
	TasksLive:     {"/sched/tasks/live:tasks", "Tasks that have not exited, excluding idle.", KindUint64, false},
	Syscalls:      {"/kernel/entries:count", "Outermost kernel entries.", KindUint64, true},
	Interrupts:    {"/irq/delivered:count", "Interrupts delivered to a handler.", KindUint64, true},
	MaxNesting:    {"/irq/nesting/max:frames", "Deepest reentrancy frame nesting seen.", KindUint64, false},
	FutexSlots:    {"/futex/slots:slots", "Futex table slots in use.", KindUint64, false},
	SpaceSwitches: {"/mm/space-switches:count", "Address space switches performed during context switches.", KindUint64, true},
	IdleTime:      {"/sched/idle:seconds", "Virtual time the idle task skipped while waiting for a timer.", KindFloat64, true},
	VirtualTime:   {"/time/virtual:seconds", "Current virtual time.", KindFloat64, false},
}

// All returns a description of every metric a Set provides.
func All() []Description {
	all := make([]Description, numMetrics)
	copy(all, descriptions[:])
	return all
}

// Set is one kernel's metrics. Durations are stored in nanoseconds and
// reported in seconds.
type Set struct {
	values [numMetrics]atomic.Uint64
}

func (s *Set) Add(m Metric, n uint64) {
	s.values[m].Add(n)
}

func (s *Set) Inc(m Metric) {
	s.values[m].Add(1)
}

func (s *Set) Dec(m Metric) {
	s.values[m].Add(^uint64(0))
}

// Store sets a gauge.
func (s *Set) Store(m Metric, v uint64) {
	s.values[m].Store(v)
}

// Max raises a gauge to v if v is larger.
func (s *Set) Max(m Metric, v uint64) {
	for {
		old := s.values[m].Load()
		if v <= old || s.values[m].CompareAndSwap(old, v) {
			return
		}
	}
}

// Get returns the raw value of m.
func (s *Set) Get(m Metric) uint64 {
	return s.values[m].Load()
}

type Sample struct {
	Name  string
	Value Value
}

// Read fills in the value of every sample whose name is known. Unknown names
// get a value of kind KindBad.
func (s *Set) Read(m []Sample) {
	for i := range m {
		m[i].Value = Value{}
		for id, d := range descriptions {
			if d.Name != m[i].Name {
				continue
			}
			raw := s.values[id].Load()
			switch d.Kind {
			case KindUint64:
				m[i].Value = Value{kind: KindUint64, scalar: raw}
			case KindFloat64:
				m[i].Value = Value{kind: KindFloat64, scalar: math.Float64bits(float64(raw) / 1e9)}
			}
			break
		}
	}
}

type Value struct {
	kind   ValueKind
	scalar uint64
}

func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic("called Float64 on non-float64 metric value")
	}
	return math.Float64frombits(v.scalar)
}

func (v Value) Kind() ValueKind {
	return v.kind
}

func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
	KindFloat64
)
