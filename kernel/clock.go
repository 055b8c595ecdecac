package kernel

import (
	"time"

	"github.com/tinygo-org/tinykern/internal/task"
)

// clock is the virtual time base. It only moves when the kernel moves it:
// by the cost of a kernel entry, by a task computing, or by the idle task
// skipping ahead to the next timer.
type clock struct {
	now  time.Duration
	tick time.Duration
	next time.Duration // next tick boundary
}

// advance moves time forward by d and returns the number of tick boundaries
// crossed.
func (c *clock) advance(d time.Duration) int {
	c.now += d
	n := 0
	for c.now >= c.next {
		c.next += c.tick
		n++
	}
	return n
}

func (c *clock) untilTick() time.Duration {
	return c.next - c.now
}

type timer struct {
	h  task.Handle
	at time.Duration
}

// timerQueue is the list of blocked tasks with a deadline, sorted by
// deadline. Tasks with equal deadlines expire in the order they were added.
type timerQueue struct {
	ts []timer
}

func (q *timerQueue) add(h task.Handle, at time.Duration) {
	i := len(q.ts)
	for i > 0 && q.ts[i-1].at > at {
		i--
	}
	q.ts = append(q.ts, timer{})
	copy(q.ts[i+1:], q.ts[i:])
	q.ts[i] = timer{h: h, at: at}
}

func (q *timerQueue) remove(h task.Handle) {
	for i := range q.ts {
		if q.ts[i].h == h {
			q.ts = append(q.ts[:i], q.ts[i+1:]...)
			return
		}
	}
}

func (q *timerQueue) next() (time.Duration, bool) {
	if len(q.ts) == 0 {
		return 0, false
	}
	return q.ts[0].at, true
}

// expire removes and returns every timer due at or before now.
func (q *timerQueue) expire(now time.Duration) []task.Handle {
	n := 0
	for n < len(q.ts) && q.ts[n].at <= now {
		n++
	}
	if n == 0 {
		return nil
	}
	hs := make([]task.Handle, n)
	for i := range hs {
		hs[i] = q.ts[i].h
	}
	q.ts = append(q.ts[:0], q.ts[n:]...)
	return hs
}
