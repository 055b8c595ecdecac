// Package ipc implements synchronous message passing between tasks.
//
// Every task has a mailbox. A sender blocks on the destination's mailbox
// until the destination receives its message; a receiver with nothing to
// receive blocks until a sender arrives. Messages are copied and carry a
// CRC-16 that the receiver checks.
package ipc

import (
	"errors"
	"fmt"
	"time"

	"github.com/sigurn/crc16"

	"github.com/tinygo-org/tinykern/internal/task"
	"github.com/tinygo-org/tinykern/kernel"
	"github.com/tinygo-org/tinykern/klog"
)

// MaxPayload is the largest message in bytes.
const MaxPayload = 256

var (
	ErrNoSuchTask = errors.New("ipc: no such task")
	ErrSelf       = errors.New("ipc: send to self")
	ErrPeerExited = errors.New("ipc: peer exited")
	ErrTooLarge   = errors.New("ipc: message too large")
	ErrTimeout    = errors.New("ipc: timed out")
	ErrCorrupt    = errors.New("ipc: checksum mismatch")
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Message is what a blocked sender hands over, kept in the sender's task
// until a receiver takes it.
type Message struct {
	From    task.ID
	Payload []byte
	Sum     uint16
}

func (m *Message) valid() bool {
	return crc16.Checksum(m.Payload, crcTable) == m.Sum
}

type mailbox struct {
	senders  task.Queue // tasks waiting for the owner to receive
	receiver task.Queue // the owner, waiting for a sender
}

// Router owns the mailboxes of one kernel.
type Router struct {
	k     *kernel.Kernel
	boxes map[task.ID]*mailbox
}

func NewRouter(k *kernel.Kernel) *Router {
	r := &Router{
		k:     k,
		boxes: make(map[task.ID]*mailbox),
	}
	k.OnExit(r.taskExited)
	return r
}

func (r *Router) box(id task.ID) *mailbox {
	b := r.boxes[id]
	if b == nil {
		b = &mailbox{}
		b.senders.Name = fmt.Sprintf("ipc/%d/send", id)
		b.receiver.Name = fmt.Sprintf("ipc/%d/recv", id)
		r.boxes[id] = b
	}
	return b
}

// taskExited releases everyone blocked sending to t.
func (r *Router) taskExited(t *task.Task) {
	b := r.boxes[t.ID()]
	if b == nil {
		return
	}
	delete(r.boxes, t.ID())
	for s := b.senders.Front(); s != nil; s = b.senders.Front() {
		klog.Debugf("ipc: %v exited, aborting send from %v", t, s)
		r.k.WakeWith(s, task.WokenAborted)
	}
}

// Send delivers payload to task to, blocking until it has been received.
func (r *Router) Send(to task.ID, payload []byte) error {
	return r.SendTimeout(to, payload, 0)
}

// SendTimeout is Send that gives up after d of virtual time if the message
// has not been received by then. A d of zero or less waits forever.
func (r *Router) SendTimeout(to task.ID, payload []byte, d time.Duration) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	k := r.k
	k.Enter()
	defer k.Leave()

	cur := k.Current()
	if to == cur.ID() {
		return ErrSelf
	}
	dst := k.Lookup(to)
	if dst == nil || dst == k.Idle() {
		return fmt.Errorf("%w: %d", ErrNoSuchTask, to)
	}
	msg := &Message{
		From:    cur.ID(),
		Payload: append([]byte(nil), payload...),
	}
	msg.Sum = crc16.Checksum(msg.Payload, crcTable)
	cur.Data = msg
	defer func() { cur.Data = nil }()

	b := r.box(to)
	if rcv := b.receiver.Front(); rcv != nil {
		k.Wake(rcv)
	}
	switch k.Suspend(&b.senders, task.BlockedIPC, d) {
	case task.WokenTimeout:
		return ErrTimeout
	case task.WokenAborted:
		return fmt.Errorf("%w: %d", ErrPeerExited, to)
	}
	return nil
}

// Receive blocks until a message arrives and returns its sender and payload.
func (r *Router) Receive() (task.ID, []byte, error) {
	return r.ReceiveTimeout(0)
}

// ReceiveTimeout is Receive with a deadline of d virtual time. A d of zero
// or less waits forever.
func (r *Router) ReceiveTimeout(d time.Duration) (task.ID, []byte, error) {
	k := r.k
	k.Enter()
	defer k.Leave()

	cur := k.Current()
	b := r.box(cur.ID())
	deadline := k.Now() + d
	for b.senders.Empty() {
		var wait time.Duration
		if d > 0 {
			wait = deadline - k.Now()
			if wait <= 0 {
				return 0, nil, ErrTimeout
			}
		}
		if k.Suspend(&b.receiver, task.BlockedIPC, wait) == task.WokenTimeout {
			return 0, nil, ErrTimeout
		}
	}
	s := b.senders.Front()
	msg := s.Data.(*Message)
	k.Wake(s)
	if !msg.valid() {
		return msg.From, nil, fmt.Errorf("%w: message from task %d", ErrCorrupt, msg.From)
	}
	return msg.From, msg.Payload, nil
}

// Pending returns the number of senders blocked on id's mailbox.
func (r *Router) Pending(id task.ID) int {
	if b := r.boxes[id]; b != nil {
		return b.senders.Len()
	}
	return 0
}
