package eventloop

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrReentrantRun is returned when Run is called from within the loop itself.
	ErrReentrantRun = errors.New("eventloop: cannot call Run() from within the loop")

	// ErrPoolClosed is used to reject work submitted to, or abandoned by, a
	// WorkerPool that has been shut down.
	ErrPoolClosed = errors.New("eventloop: worker pool is closed")

	// ErrGoexit is used to reject a promise when the offloaded function exits
	// via runtime.Goexit.
	ErrGoexit = errors.New("eventloop: goroutine exited via runtime.Goexit")
)

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
	// Stack is the stack of the panicking goroutine, if captured.
	Stack []byte
}

func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: goroutine panicked: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
