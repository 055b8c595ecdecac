// Package klog is the kernel log: leveled, printf-style, with every line
// stamped with the kernel's virtual clock.
package klog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/tinygo-org/tinykern/config"
)

// Level is a log level. Messages at a level above the current one are
// dropped.
type Level uint32

const (
	Warning Level = iota
	Info
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Info:
		return "info"
	case Debug:
		return "debug"
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// ParseLevel parses the names returned by Level.String.
func ParseLevel(s string) (Level, error) {
	for l := Warning; l <= Debug; l++ {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("klog: unknown level %q", s)
}

// Emitter writes one log message.
type Emitter interface {
	Emit(level Level, now time.Duration, format string, args ...any)
}

// Writer is an Emitter writing text lines to Next.
type Writer struct {
	Next  io.Writer
	Color bool

	mu sync.Mutex
}

var tags = [...]struct{ plain, color string }{
	Warning: {"W", "\x1b[33mW\x1b[0m"},
	Info:    {"I", "\x1b[32mI\x1b[0m"},
	Debug:   {"D", "\x1b[36mD\x1b[0m"},
}

func (w *Writer) Emit(level Level, now time.Duration, format string, args ...any) {
	tag := "?"
	if int(level) < len(tags) {
		tag = tags[level].plain
		if w.Color {
			tag = tags[level].color
		}
	}
	msg := fmt.Sprintf(format, args...)
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.Next, "%s [%12.6fms] %s\n", tag, float64(now)/float64(time.Millisecond), strings.TrimSuffix(msg, "\n"))
}

var (
	level   atomic.Uint32
	target  atomic.Pointer[Emitter]
	clockFn atomic.Pointer[func() time.Duration]
)

func init() {
	level.Store(uint32(Info))
	SetTarget(&Writer{Next: colorable.NewNonColorable(os.Stderr)})
}

// SetLevel sets the global log level.
func SetLevel(l Level) {
	level.Store(uint32(l))
}

// IsLogging reports whether messages at l are emitted.
func IsLogging(l Level) bool {
	return Level(level.Load()) >= l
}

// SetTarget replaces the global emitter.
func SetTarget(e Emitter) {
	target.Store(&e)
}

// SetClock sets the function used to timestamp messages. A nil fn stamps
// every message with zero.
func SetClock(fn func() time.Duration) {
	clockFn.Store(&fn)
}

func emit(l Level, format string, args []any) {
	if !IsLogging(l) {
		return
	}
	var now time.Duration
	if fn := clockFn.Load(); fn != nil && *fn != nil {
		now = (*fn)()
	}
	(*target.Load()).Emit(l, now, format, args...)
}

func Debugf(format string, args ...any) {
	emit(Debug, format, args)
}

func Infof(format string, args ...any) {
	emit(Info, format, args)
}

func Warningf(format string, args ...any) {
	emit(Warning, format, args)
}

// Setup configures the global logger from cfg, writing to f. Color is used
// when cfg asks for it, or in auto mode when f is a terminal.
func Setup(cfg config.LogConfig, f *os.File) error {
	l, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	color := false
	switch cfg.Color {
	case "always":
		color = true
	case "auto", "":
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	w := &Writer{Color: color}
	if color {
		w.Next = colorable.NewColorable(f)
	} else {
		w.Next = colorable.NewNonColorable(f)
	}
	SetLevel(l)
	SetTarget(w)
	return nil
}
