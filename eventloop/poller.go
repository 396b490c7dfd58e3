package eventloop

// I/O readiness registration.
//
// The loop registers file descriptors using platform-native mechanisms:
//   - Linux: epoll (poller_linux.go)
//   - Darwin: kqueue (poller_darwin.go)
//
// Always call UnregisterFD before closing a file descriptor, to prevent stale
// event delivery due to FD recycling.

import "errors"

// MaxFDLimit is the maximum FD value supported by the pollers.
const MaxFDLimit = 100000000

// initialFDs is the initial size of the direct-indexed fd table.
const initialFDs = 1024

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

var (
	ErrFDOutOfRange        = errors.New("eventloop: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	ErrFDNotRegistered     = errors.New("eventloop: fd not registered")
	ErrPollerClosed        = errors.New("eventloop: poller closed")
)

// IOCallback is the callback type for I/O events. Callbacks are executed on
// the loop goroutine.
type IOCallback func(IOEvents)

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// growFDs returns fds, grown to be able to index fd.
func growFDs(fds []fdInfo, fd int) []fdInfo {
	if fd < len(fds) {
		return fds
	}
	newSize := fd*2 + 1
	if newSize > MaxFDLimit {
		newSize = MaxFDLimit + 1
	}
	newFds := make([]fdInfo, newSize)
	copy(newFds, fds)
	return newFds
}
