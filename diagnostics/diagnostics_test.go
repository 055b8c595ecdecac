package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRecoverFatal(t *testing.T) {
	f := Recover(func() {
		Panicf(CodeNotOwner, "task %d unlocked mutex owned by %d", 3, 2)
	})
	if f == nil {
		t.Fatal("Recover returned nil, want a fatal")
	}
	if f.Code != CodeNotOwner {
		t.Errorf("Code = %v, want %v", f.Code, CodeNotOwner)
	}
	if f.Msg != "task 3 unlocked mutex owned by 2" {
		t.Errorf("Msg = %q", f.Msg)
	}
	if f := Recover(func() {}); f != nil {
		t.Errorf("Recover of a normal return = %v, want nil", f)
	}
}

func TestRecoverPropagatesOtherPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != "boom" {
			t.Errorf("recovered %v, want boom", r)
		}
	}()
	Recover(func() { panic("boom") })
	t.Error("Recover swallowed a foreign panic")
}

func TestFromPanic(t *testing.T) {
	f := FromPanic(errors.New("nil map write"))
	if f.Code != CodeTaskPanic || f.Msg != "nil map write" {
		t.Errorf("FromPanic(error) = %v", f)
	}
	if len(f.Stack) == 0 {
		t.Error("FromPanic did not capture a stack")
	}

	orig := &Fatal{Code: CodeDoubleLink, Msg: "x"}
	if got := FromPanic(orig); got != orig {
		t.Errorf("FromPanic(*Fatal) returned a different value")
	}
}

func TestAs(t *testing.T) {
	err := fmt.Errorf("run: %w", &Fatal{Code: CodeFrameMismatch})
	if !As(err, CodeFrameMismatch) {
		t.Error("As did not match a wrapped fatal")
	}
	if As(err, CodeNotOwner) {
		t.Error("As matched the wrong code")
	}
	if As(errors.New("plain"), CodeNotOwner) {
		t.Error("As matched a plain error")
	}
}

func TestWriteToSortsTasks(t *testing.T) {
	f := &Fatal{
		Code: CodeBadWake,
		Msg:  "task 7 is running",
		Tasks: []TaskInfo{
			{ID: 7, Name: "worker", Priority: "high", State: "running", Current: true},
			{ID: 2, Name: "idle", Priority: "idle", State: "ready"},
			{ID: 5, Name: "waiter", Priority: "low", State: "blocked(mutex)", Queue: "mutex"},
		},
	}
	buf := &bytes.Buffer{}
	if _, err := f.WriteTo(buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "kernel fatal: wake of a task that is not blocked: task 7 is running\n") {
		t.Errorf("unexpected header:\n%s", out)
	}
	i2 := strings.Index(out, "idle")
	i5 := strings.Index(out, "waiter")
	i7 := strings.Index(out, "worker")
	if !(i2 < i5 && i5 < i7) {
		t.Errorf("tasks not sorted by ID:\n%s", out)
	}
	if !strings.Contains(out, "*    7") {
		t.Errorf("current task not marked:\n%s", out)
	}
}
