package ipc

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/tinykern/config"
	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/kernel"
)

func setup(t *testing.T) (*kernel.Kernel, *Router) {
	t.Helper()
	k, err := kernel.New(config.Default(), nil)
	require.NoError(t, err)
	return k, NewRouter(k)
}

func spawn(t *testing.T, k *kernel.Kernel, name string, prio task.Priority, fn func()) *task.Task {
	t.Helper()
	tk, err := k.Spawn(kernel.CreateOptions{Name: name, Priority: prio, Entry: func(any) { fn() }})
	require.NoError(t, err)
	return tk
}

func run(t *testing.T, k *kernel.Kernel) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return k.Run(ctx)
}

func TestSendBlocksUntilReceived(t *testing.T) {
	k, r := setup(t)
	var events []string
	var client *task.Task
	server := spawn(t, k, "server", task.PriorityNormal, func() {
		from, msg, err := r.Receive()
		if err != nil {
			t.Errorf("Receive() = %v", err)
			return
		}
		if from != client.ID() || string(msg) != "ping" {
			t.Errorf("Receive() = %d, %q", from, msg)
		}
		events = append(events, "received")
	})
	client = spawn(t, k, "client", task.PriorityNormal, func() {
		payload := []byte("ping")
		events = append(events, "sending")
		if err := r.Send(server.ID(), payload); err != nil {
			t.Errorf("Send() = %v", err)
		}
		// The message was copied.
		payload[0] = 'X'
		events = append(events, "sent")
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{"sending", "received", "sent"}, events)
}

func TestReceiverWaitsForSender(t *testing.T) {
	k, r := setup(t)
	var got string
	server := spawn(t, k, "server", task.PriorityNormal, func() {
		_, msg, err := r.Receive()
		if err != nil {
			t.Errorf("Receive() = %v", err)
		}
		got = string(msg)
	})
	spawn(t, k, "client", task.PriorityLow, func() {
		if server.State() != task.Blocked || server.BlockReason() != task.BlockedIPC {
			t.Errorf("server is %v", server.Info().State)
		}
		if err := r.Send(server.ID(), []byte("hello")); err != nil {
			t.Errorf("Send() = %v", err)
		}
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, "hello", got)
}

func TestSendersAreServedInOrder(t *testing.T) {
	k, r := setup(t)
	var got []string
	server := spawn(t, k, "server", task.PriorityLow, func() {
		for i := 0; i < 3; i++ {
			_, msg, err := r.Receive()
			if err != nil {
				t.Error(err)
				return
			}
			got = append(got, string(msg))
		}
	})
	for _, name := range []string{"a", "b", "c"} {
		name := name
		spawn(t, k, name, task.PriorityNormal, func() {
			if err := r.Send(server.ID(), []byte(name)); err != nil {
				t.Errorf("%s: Send() = %v", name, err)
			}
		})
	}
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSendErrors(t *testing.T) {
	k, r := setup(t)
	spawn(t, k, "a", task.PriorityNormal, func() {
		cur := k.Current()
		if err := r.Send(999, nil); !errors.Is(err, ErrNoSuchTask) {
			t.Errorf("Send(999) = %v", err)
		}
		if err := r.Send(k.Idle().ID(), nil); !errors.Is(err, ErrNoSuchTask) {
			t.Errorf("Send(idle) = %v", err)
		}
		if err := r.Send(cur.ID(), nil); err != ErrSelf {
			t.Errorf("Send(self) = %v", err)
		}
		big := bytes.Repeat([]byte{1}, MaxPayload+1)
		if err := r.Send(cur.ID(), big); !errors.Is(err, ErrTooLarge) {
			t.Errorf("Send(big) = %v", err)
		}
	})
	require.NoError(t, run(t, k))
}

func TestTimeouts(t *testing.T) {
	k, r := setup(t)
	busy := spawn(t, k, "busy", task.PriorityLow, func() {
		k.Sleep(50 * time.Millisecond)
	})
	spawn(t, k, "impatient", task.PriorityNormal, func() {
		if _, _, err := r.ReceiveTimeout(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Errorf("ReceiveTimeout() = %v", err)
		}
		if err := r.SendTimeout(busy.ID(), []byte("x"), 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Errorf("SendTimeout() = %v", err)
		}
		if n := r.Pending(busy.ID()); n != 0 {
			t.Errorf("Pending() = %d after timeout", n)
		}
	})
	require.NoError(t, run(t, k))
}

func TestPeerExitReleasesSenders(t *testing.T) {
	k, r := setup(t)
	var errs []error
	quitter := spawn(t, k, "quitter", task.PriorityLow, func() {
		k.Sleep(10 * time.Millisecond)
	})
	for _, name := range []string{"s1", "s2"} {
		spawn(t, k, name, task.PriorityNormal, func() {
			errs = append(errs, r.Send(quitter.ID(), []byte("anyone?")))
		})
	}
	require.NoError(t, run(t, k))
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrPeerExited)
	}
}

func TestKilledReceiverReleasesSenders(t *testing.T) {
	k, r := setup(t)
	var sendErr error
	victim := spawn(t, k, "victim", task.PriorityLow, func() {
		k.Sleep(time.Hour)
	})
	spawn(t, k, "sender", task.PriorityNormal, func() {
		sendErr = r.Send(victim.ID(), []byte("hi"))
	})
	spawn(t, k, "killer", task.PriorityLow, func() {
		if r.Pending(victim.ID()) != 1 {
			t.Errorf("Pending() = %d", r.Pending(victim.ID()))
		}
		if err := k.Kill(victim.ID()); err != nil {
			t.Error(err)
		}
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, sendErr, ErrPeerExited)
}

func TestCorruptMessage(t *testing.T) {
	k, r := setup(t)
	var recvErr error
	var sender *task.Task
	server := spawn(t, k, "server", task.PriorityLow, func() {
		// Flip a bit in the message while it waits in the sender.
		sender.Data.(*Message).Payload[0] ^= 1
		_, _, recvErr = r.Receive()
	})
	sender = spawn(t, k, "sender", task.PriorityNormal, func() {
		if err := r.Send(server.ID(), []byte("data")); err != nil {
			t.Errorf("Send() = %v", err)
		}
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, recvErr, ErrCorrupt)
}
