package main

import (
	"fmt"
	"io"

	"github.com/mattn/go-tty"

	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/kernel"
)

// stepper stops before every context switch until a key is pressed on the
// terminal. Pressing c runs the rest of the scenario without stopping.
type stepper struct {
	kernel.NopListener
	tty  *tty.TTY
	out  io.Writer
	done bool
}

func newStepper(out io.Writer) (*stepper, error) {
	t, err := tty.Open()
	if err != nil {
		return nil, err
	}
	return &stepper{tty: t, out: out}, nil
}

func (s *stepper) OnTaskScheduled(prev, next *task.Task) {
	if s.done {
		return
	}
	fmt.Fprintf(s.out, "-- %v -> %v [any key: step, c: continue] ", prev, next)
	r, err := s.tty.ReadRune()
	fmt.Fprintln(s.out)
	if err != nil || r == 'c' {
		s.done = true
	}
}

func (s *stepper) Close() error {
	return s.tty.Close()
}
