package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/go-messaging/eventloop"
	"golang.org/x/sys/unix"
)

// Listener is the driver's listener. Depending on the driver's capability,
// Listen returns it wrapped so that it also implements driver.AsyncListener
// and/or driver.DescriptorListener.
type Listener struct {
	driver *Driver
	inbox  *queue.Queue
	// signal is closed, and replaced, whenever a message arrives
	signal  chan struct{}
	waiters []*asyncWaiter
	target  driver.Target
	// readiness pipe, -1 unless a descriptor listener
	readR, readW int
	stats        struct {
		blockingPolls    atomic.Int64
		nonBlockingPolls atomic.Int64
		asyncPolls       atomic.Int64
		inflight         atomic.Int64
		maxInflight      atomic.Int64
	}
	readable bool
	closed   bool
	mu       sync.Mutex
}

// ListenerStats counts calls made against a listener.
type ListenerStats struct {
	// BlockingPolls counts Poll calls with a non-zero timeout.
	BlockingPolls int64
	// NonBlockingPolls counts Poll calls with a zero timeout.
	NonBlockingPolls int64
	// AsyncPolls counts PollAsync calls.
	AsyncPolls int64
	// MaxConcurrentPolls is the most Poll calls observed in flight at once.
	MaxConcurrentPolls int64
}

type asyncWaiter struct {
	ctx     context.Context
	resolve eventloop.ResolveFunc
	reject  eventloop.RejectFunc
	stop    func() bool
}

type (
	asyncListener struct{ *Listener }

	descriptorListener struct{ *Listener }

	asyncDescriptorListener struct{ *Listener }
)

var (
	_ driver.AsyncListener      = asyncListener{}
	_ driver.DescriptorListener = descriptorListener{}
	_ driver.AsyncListener      = asyncDescriptorListener{}
	_ driver.DescriptorListener = asyncDescriptorListener{}
)

func (x asyncListener) PollAsync(ctx context.Context, loop *eventloop.Loop) *eventloop.Promise {
	return x.pollAsync(ctx, loop)
}

func (x descriptorListener) Fileno() int { return x.fileno() }

func (x asyncDescriptorListener) PollAsync(ctx context.Context, loop *eventloop.Loop) *eventloop.Promise {
	return x.pollAsync(ctx, loop)
}

func (x asyncDescriptorListener) Fileno() int { return x.fileno() }

// Unwrap returns the *Listener behind a listener returned by Listen.
func Unwrap(l driver.Listener) (*Listener, bool) {
	switch l := l.(type) {
	case *Listener:
		return l, true
	case asyncListener:
		return l.Listener, true
	case descriptorListener:
		return l.Listener, true
	case asyncDescriptorListener:
		return l.Listener, true
	default:
		return nil, false
	}
}

func newListener(d *Driver, target driver.Target, descriptor bool) (*Listener, error) {
	l := &Listener{
		driver: d,
		inbox:  queue.New(),
		signal: make(chan struct{}),
		target: target,
		readR:  -1,
		readW:  -1,
	}
	if descriptor {
		var fds [2]int
		if err := unix.Pipe(fds[:]); err != nil {
			return nil, err
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			if err := unix.SetNonblock(fd, true); err != nil {
				_ = unix.Close(fds[0])
				_ = unix.Close(fds[1])
				return nil, err
			}
		}
		l.readR, l.readW = fds[0], fds[1]
	}
	return l, nil
}

func (l *Listener) wrap(c Capability) driver.Listener {
	switch {
	case c&CapabilityAsync != 0 && c&CapabilityDescriptor != 0:
		return asyncDescriptorListener{l}
	case c&CapabilityAsync != 0:
		return asyncListener{l}
	case c&CapabilityDescriptor != 0:
		return descriptorListener{l}
	default:
		return l
	}
}

// Target returns the target the listener was created for.
func (l *Listener) Target() driver.Target { return l.target }

// Stats returns a snapshot of the listener's call counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		BlockingPolls:      l.stats.blockingPolls.Load(),
		NonBlockingPolls:   l.stats.nonBlockingPolls.Load(),
		AsyncPolls:         l.stats.asyncPolls.Load(),
		MaxConcurrentPolls: l.stats.maxInflight.Load(),
	}
}

// Len returns the number of queued messages.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inbox.Length()
}

// Poll returns the next message, see driver.Listener.
func (l *Listener) Poll(ctx context.Context, timeout time.Duration) (driver.IncomingMessage, error) {
	if timeout == 0 {
		l.stats.nonBlockingPolls.Add(1)
	} else {
		l.stats.blockingPolls.Add(1)
	}
	n := l.stats.inflight.Add(1)
	defer l.stats.inflight.Add(-1)
	for {
		prev := l.stats.maxInflight.Load()
		if n <= prev || l.stats.maxInflight.CompareAndSwap(prev, n) {
			break
		}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, driver.ErrClosed
		}
		if msg := l.popLocked(); msg != nil {
			l.mu.Unlock()
			return msg, nil
		}
		if timeout == 0 {
			l.mu.Unlock()
			return nil, nil
		}
		signal := l.signal
		l.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		}
	}
}

func (l *Listener) pollAsync(ctx context.Context, loop *eventloop.Loop) *eventloop.Promise {
	l.stats.asyncPolls.Add(1)

	p, resolve, reject := loop.NewPromise()
	if err := ctx.Err(); err != nil {
		reject(err)
		return p
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		reject(driver.ErrClosed)
		return p
	}

	if msg := l.popLocked(); msg != nil {
		resolve(msg)
		return p
	}

	w := &asyncWaiter{ctx: ctx, resolve: resolve, reject: reject}
	l.waiters = append(l.waiters, w)
	w.stop = context.AfterFunc(ctx, func() {
		if l.removeWaiter(w) {
			reject(ctx.Err())
		}
	})

	return p
}

func (l *Listener) removeWaiter(w *asyncWaiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.waiters {
		if v == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// deliver hands msg to a waiting PollAsync, or queues it. Returns false if
// the listener is closed.
func (l *Listener) deliver(msg *Message) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}

	var expired []*asyncWaiter
	defer func() {
		for _, w := range expired {
			w.reject(w.ctx.Err())
		}
	}()

	for len(l.waiters) != 0 {
		w := l.waiters[0]
		l.waiters[0] = nil
		l.waiters = l.waiters[1:]
		if w.stop() {
			l.mu.Unlock()
			w.resolve(msg)
			return true
		}
		// ctx is done, and its AfterFunc will no longer find w
		expired = append(expired, w)
	}

	l.inbox.Add(msg)
	if !l.readable {
		l.setReadableLocked(true)
	}
	close(l.signal)
	l.signal = make(chan struct{})
	l.mu.Unlock()
	return true
}

func (l *Listener) popLocked() *Message {
	if l.inbox.Length() == 0 {
		return nil
	}
	msg := l.inbox.Remove().(*Message)
	if l.inbox.Length() == 0 && l.readable {
		l.setReadableLocked(false)
	}
	return msg
}

// setReadableLocked keeps the readiness pipe readable exactly while the
// inbox is non-empty.
func (l *Listener) setReadableLocked(readable bool) {
	l.readable = readable
	if l.readW < 0 {
		return
	}
	if readable {
		_, _ = unix.Write(l.readW, []byte{1})
		return
	}
	var buf [64]byte
	for {
		if n, err := unix.Read(l.readR, buf[:]); err != nil || n == 0 {
			return
		}
	}
}

// Close stops the listener. Queued messages are dropped, pending PollAsync
// calls reject with driver.ErrClosed.
//
// The descriptor returned by Fileno is left open, and readable, so that a
// loop waiting on it observes the closure. It is closed by Driver.Close.
func (l *Listener) Close() error {
	if !l.close() {
		return nil
	}
	l.driver.removeListener(l)
	return nil
}

func (l *Listener) close() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	waiters := l.waiters
	l.waiters = nil
	for l.inbox.Length() != 0 {
		l.inbox.Remove()
	}
	close(l.signal)
	// the read end becomes readable, at EOF, and is released by the driver
	if l.readW >= 0 {
		_ = unix.Close(l.readW)
		l.readW = -1
	}
	l.mu.Unlock()

	for _, w := range waiters {
		w.stop()
		w.reject(driver.ErrClosed)
	}
	return true
}

func (l *Listener) fileno() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readR
}

// release closes the read end of the readiness pipe.
func (l *Listener) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readR >= 0 {
		_ = unix.Close(l.readR)
		l.readR = -1
	}
}
