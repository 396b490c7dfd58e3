package executor

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/go-messaging/eventloop"
)

// recorder logs events, in order, across goroutines.
type recorder struct {
	events []string
	mu     sync.Mutex
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeReply struct {
	value   any
	failure error
}

type fakeMessage struct {
	rec     *recorder
	ctx     driver.Context
	payload driver.Message
	replies chan fakeReply
}

func newFakeMessage(rec *recorder, payload driver.Message) *fakeMessage {
	return &fakeMessage{
		rec:     rec,
		ctx:     driver.Context{"request_id": "req-1"},
		payload: payload,
		replies: make(chan fakeReply, 8),
	}
}

func (m *fakeMessage) Context() driver.Context { return m.ctx }

func (m *fakeMessage) Message() driver.Message { return m.payload }

func (m *fakeMessage) Reply(ctx context.Context, reply any, failure error) error {
	m.rec.add("reply")
	m.replies <- fakeReply{reply, failure}
	return nil
}

func (m *fakeMessage) Done() error {
	m.rec.add("done")
	return nil
}

// fakeListener is a blocking-only listener, fed via msgs.
type fakeListener struct {
	msgs chan driver.IncomingMessage
	err  error
}

func newFakeListener() *fakeListener {
	return &fakeListener{msgs: make(chan driver.IncomingMessage, 64)}
}

func (l *fakeListener) Poll(ctx context.Context, timeout time.Duration) (driver.IncomingMessage, error) {
	if l.err != nil {
		return nil, l.err
	}
	var deadline <-chan time.Time
	switch {
	case timeout == 0:
		select {
		case msg := <-l.msgs:
			return msg, nil
		default:
			return nil, nil
		}
	case timeout > 0:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case msg := <-l.msgs:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline:
		return nil, nil
	}
}

// pollAsync settles via a blocking Poll, on its own goroutine.
func (l *fakeListener) pollAsync(ctx context.Context, loop *eventloop.Loop) *eventloop.Promise {
	p, resolve, reject := loop.NewPromise()
	go func() {
		msg, err := l.Poll(ctx, driver.NoTimeout)
		if err != nil {
			reject(err)
			return
		}
		resolve(msg)
	}()
	return p
}

type fakeAsyncListener struct{ *fakeListener }

func (x fakeAsyncListener) PollAsync(ctx context.Context, loop *eventloop.Loop) *eventloop.Promise {
	return x.pollAsync(ctx, loop)
}

type fakeDescriptorListener struct{ *fakeListener }

func (fakeDescriptorListener) Fileno() int { return -1 }

type fakeAsyncDescriptorListener struct{ *fakeListener }

func (x fakeAsyncDescriptorListener) PollAsync(ctx context.Context, loop *eventloop.Loop) *eventloop.Promise {
	return x.pollAsync(ctx, loop)
}

func (fakeAsyncDescriptorListener) Fileno() int { return -1 }
