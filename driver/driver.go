// Package driver defines the contracts between the executor and a message
// transport: drivers, their listeners, and the messages they deliver.
//
// A [Listener] always supports the blocking [Listener.Poll]. It may also
// implement [AsyncListener], for a poll that suspends natively on an event
// loop, or [DescriptorListener], for a readiness fd paired with a
// non-blocking Poll. The executor probes for these once, when started.
package driver

import (
	"context"
	"time"

	"github.com/joeycumines/go-messaging/eventloop"
)

// NoTimeout may be passed to [Listener.Poll] to block until a message
// arrives, or the context is done.
const NoTimeout time.Duration = -1

type (
	// Context is the request context that travels with a message, e.g. the
	// identity of the caller. Drivers must treat it as opaque.
	Context map[string]any

	// Message is a message payload.
	Message map[string]any

	// Driver is a message transport.
	Driver interface {
		// Send delivers message to target. If opts.WaitForReply is set, Send
		// blocks until the reply arrives, returning it, or a *RemoteError if
		// the reply carried a failure.
		Send(ctx context.Context, target Target, msgCtx Context, message Message, opts SendOptions) (any, error)

		// Listen constructs a listener for target.
		Listen(ctx context.Context, target Target) (Listener, error)

		// Close releases the driver's resources. Listeners must not be used
		// after the driver is closed.
		Close() error
	}

	// SendOptions models the optional parameters of [Driver.Send].
	SendOptions struct {
		// Timeout bounds how long to wait for a reply, zero meaning the
		// driver's default.
		Timeout time.Duration
		// WaitForReply requests the reply be returned by Send.
		WaitForReply bool
		// Envelope requests the message be wrapped in the driver's
		// versioned envelope, if it has one.
		Envelope bool
	}

	// Listener is a source of incoming messages for one target.
	Listener interface {
		// Poll returns the next message. A timeout of 0 must not block, and
		// NoTimeout blocks until a message arrives or ctx is done. A nil
		// message with a nil error means no message was available.
		Poll(ctx context.Context, timeout time.Duration) (IncomingMessage, error)
	}

	// AsyncListener is a Listener that can wait for a message without
	// blocking a goroutine.
	AsyncListener interface {
		Listener

		// PollAsync returns a promise bound to loop, that resolves with the
		// next IncomingMessage, or rejects. The promise must reject once ctx
		// is done.
		PollAsync(ctx context.Context, loop *eventloop.Loop) *eventloop.Promise
	}

	// DescriptorListener is a Listener exposing a file descriptor that is
	// readable while messages are available. Poll with a zero timeout must
	// never block.
	DescriptorListener interface {
		Listener

		// Fileno returns the readiness fd. The fd remains owned by the
		// listener.
		Fileno() int
	}

	// IncomingMessage is a message delivered by a Listener.
	IncomingMessage interface {
		// Context returns the request context sent with the message.
		Context() Context

		// Message returns the payload.
		Message() Message

		// Reply sends a reply to the caller, if one is waiting. At most one
		// of reply and failure is meaningful.
		Reply(ctx context.Context, reply any, failure error) error

		// Done acknowledges the message, transferring responsibility for it
		// back to the transport.
		Done() error
	}
)
