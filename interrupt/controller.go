// Package interrupt implements the simulated interrupt controller and the
// reentrancy frames that make it safe to service an interrupt on top of
// interrupted kernel or user code.
package interrupt

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
)

// Line is an interrupt request line. Lower numbered lines have higher
// priority.
type Line uint8

const NumLines = 32

// LineTimer is wired to the periodic tick.
const LineTimer Line = 0

func (l Line) String() string {
	if l == LineTimer {
		return "timer"
	}
	return fmt.Sprintf("irq%d", uint8(l))
}

// Handler services one interrupt. It runs with the big kernel lock held and
// must not block.
type Handler func(Line)

// Controller is an 8259-style controller with 32 lines: a request register
// (IRR) of raised lines, an in-service register (ISR) of lines whose handler
// has not acknowledged yet, and a mask register (IMR).
//
// Raise may be called from any goroutine. Everything else is called by the
// kernel with the big kernel lock held.
type Controller struct {
	mu            sync.Mutex
	irr, isr, imr uint32
	counts        [NumLines]uint64
	spurious      uint64

	handlers [NumLines]Handler
	notify   chan struct{}
}

func NewController() *Controller {
	return &Controller{
		notify: make(chan struct{}, 1),
	}
}

func bit(l Line) uint32 {
	if l >= NumLines {
		panic(fmt.Sprintf("interrupt: line %d out of range", l))
	}
	return 1 << l
}

// Register installs h as the handler for line.
func (c *Controller) Register(line Line, h Handler) {
	bit(line)
	c.handlers[line] = h
}

// Raise requests an interrupt on line. Raising a line that is already
// pending has no further effect.
func (c *Controller) Raise(line Line) {
	c.mu.Lock()
	c.irr |= bit(line)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Disable masks line. A masked line stays pending until it is enabled.
func (c *Controller) Disable(line Line) {
	c.mu.Lock()
	c.imr |= bit(line)
	c.mu.Unlock()
}

// Enable unmasks line.
func (c *Controller) Enable(line Line) {
	c.mu.Lock()
	c.imr &^= bit(line)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Pending reports whether an unmasked line is waiting to be delivered,
// regardless of what is currently in service.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irr&^c.imr != 0
}

// Next returns the highest priority deliverable line and moves it from the
// request register to the in-service register. A line is deliverable if it
// is raised, unmasked, and of strictly higher priority than every line that
// is in service.
func (c *Controller) Next() (Line, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.irr &^ c.imr
	if req == 0 {
		return 0, false
	}
	l := Line(bits.TrailingZeros32(req))
	if c.isr != 0 && Line(bits.TrailingZeros32(c.isr)) <= l {
		return 0, false
	}
	c.irr &^= bit(l)
	c.isr |= bit(l)
	c.counts[l]++
	return l, true
}

// Ack signals end of interrupt for line.
func (c *Controller) Ack(line Line) {
	c.mu.Lock()
	c.isr &^= bit(line)
	c.mu.Unlock()
}

// Dispatch runs the handler registered for line.
func (c *Controller) Dispatch(line Line) {
	h := c.handlers[line]
	if h == nil {
		c.mu.Lock()
		c.spurious++
		c.mu.Unlock()
		return
	}
	h(line)
}

// InService reports whether line has been delivered but not acknowledged.
func (c *Controller) InService(line Line) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isr&bit(line) != 0
}

// Count returns how many times line has been delivered.
func (c *Controller) Count(line Line) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[line]
}

// Spurious returns how many delivered interrupts had no handler.
func (c *Controller) Spurious() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spurious
}

// Wait halts the caller until an unmasked line is pending or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	for !c.Pending() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		}
	}
	return nil
}
