package driver

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownScheme is returned by Open when no factory is registered for
	// the URL's scheme.
	ErrUnknownScheme = errors.New("driver: unknown transport scheme")

	// ErrClosed is returned by drivers and listeners used after Close.
	ErrClosed = errors.New("driver: closed")
)

// Failure is passed to [IncomingMessage.Reply] when handling a message
// failed. It carries the cause, and the stack of the failing goroutine when
// the cause was a panic.
type Failure struct {
	Err   error
	Stack []byte
}

// NewFailure wraps err, returning nil if err is nil.
func NewFailure(err error, stack []byte) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Err: err, Stack: stack}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "driver: failure"
	}
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// RemoteError is returned by [Driver.Send] when the reply carried a failure.
type RemoteError struct {
	// Message is the remote failure's text.
	Message string
	// Stack is the remote stack, if one was captured.
	Stack string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("driver: remote error: %s", e.Message)
}

// NewRemoteError converts a failure, received as a reply, to the error
// returned to the sender.
func NewRemoteError(failure error) *RemoteError {
	e := &RemoteError{Message: failure.Error()}
	var f *Failure
	if errors.As(failure, &f) {
		e.Stack = string(f.Stack)
	}
	return e
}
