package memory

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/joeycumines/go-messaging/driver"
)

type replyEnvelope struct {
	value   any
	failure error
}

// Message is a message in flight through the driver. It implements
// driver.IncomingMessage, and records how it was acknowledged.
type Message struct {
	ctx     driver.Context
	payload driver.Message
	// replyCh is nil unless the sender is waiting for a reply
	replyCh chan replyEnvelope
	target  driver.Target
	acks    atomic.Int32
	replies atomic.Int32
	id      uuid.UUID
}

var _ driver.IncomingMessage = (*Message)(nil)

// ID returns the unique id assigned on send.
func (m *Message) ID() uuid.UUID { return m.id }

// Target returns the target the message was sent to.
func (m *Message) Target() driver.Target { return m.target }

// Context returns the request context sent with the message.
func (m *Message) Context() driver.Context { return m.ctx }

// Message returns the payload.
func (m *Message) Message() driver.Message { return m.payload }

// Acked returns how many times Done has been called.
func (m *Message) Acked() int { return int(m.acks.Load()) }

// Replies returns how many times Reply has been called.
func (m *Message) Replies() int { return int(m.replies.Load()) }

// Reply delivers the reply to a waiting sender. Only the first reply is
// delivered, later replies are counted then dropped.
func (m *Message) Reply(ctx context.Context, reply any, failure error) error {
	m.replies.Add(1)
	if m.replyCh == nil {
		return nil
	}
	select {
	case m.replyCh <- replyEnvelope{value: reply, failure: failure}:
	default:
	}
	return nil
}

// Done acknowledges the message.
func (m *Message) Done() error {
	m.acks.Add(1)
	return nil
}
