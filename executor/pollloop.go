package executor

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/go-messaging/eventloop"
)

// pollLoop acquires messages from a listener, dispatching each. Every method
// is called on the loop goroutine. Implementations are continuation based:
// run returns immediately, and the loop resumes from a promise settlement,
// or fd readiness, until the task settles.
type pollLoop interface {
	// run starts the loop, as the body of task.
	run(task *eventloop.Task)
	// detach releases any loop registrations, called before task is
	// cancelled.
	detach()
}

func (e *Executor) newPollLoop(strategy Strategy) pollLoop {
	switch strategy {
	case StrategyAsync:
		return &asyncPollLoop{e: e, listener: e.listener.(driver.AsyncListener)}
	case StrategyDescriptor:
		return &descriptorPollLoop{e: e, listener: e.listener.(driver.DescriptorListener)}
	default:
		return &blockingPollLoop{e: e, listener: e.listener}
	}
}

// active reports whether a poll loop should continue.
func (e *Executor) active(task *eventloop.Task) bool {
	return e.running.Load() && task.Pending()
}

func pollError(err error) error {
	return fmt.Errorf("executor: poll: %w", err)
}

type asyncPollLoop struct {
	e        *Executor
	listener driver.AsyncListener
	task     *eventloop.Task
}

func (x *asyncPollLoop) run(task *eventloop.Task) {
	x.task = task
	x.next()
}

func (x *asyncPollLoop) next() {
	if !x.e.active(x.task) {
		return
	}
	x.listener.PollAsync(x.task.Context(), x.e.loop).Then(x.received)
}

func (x *asyncPollLoop) received(v eventloop.Result, err error) {
	if !x.task.Pending() {
		x.e.discard(v)
		return
	}
	if err != nil {
		x.task.Fail(pollError(err))
		return
	}
	if msg, ok := v.(driver.IncomingMessage); ok && msg != nil {
		x.e.dispatch(msg)
	}
	x.next()
}

func (x *asyncPollLoop) detach() {}

type descriptorPollLoop struct {
	e          *Executor
	listener   driver.DescriptorListener
	task       *eventloop.Task
	fd         int
	registered bool
}

func (x *descriptorPollLoop) run(task *eventloop.Task) {
	x.task = task
	x.fd = x.listener.Fileno()
	x.drain()
}

// drain accepts up to the drain budget of messages, then either waits for
// readiness, if the listener is empty, or yields.
func (x *descriptorPollLoop) drain() {
	for range x.e.drainBudget {
		if !x.e.active(x.task) {
			return
		}
		msg, err := x.listener.Poll(x.task.Context(), 0)
		if err != nil {
			x.detach()
			x.task.Fail(pollError(err))
			return
		}
		if msg == nil {
			x.await()
			return
		}
		x.e.dispatch(msg)
	}
	if err := x.e.loop.Submit(x.drain); err != nil {
		x.detach()
		x.task.Fail(err)
	}
}

// await registers for readiness. The registration persists until detach,
// readiness while draining only causes an extra, empty, drain.
func (x *descriptorPollLoop) await() {
	if x.registered {
		return
	}
	if err := x.e.loop.RegisterFD(x.fd, eventloop.EventRead, x.ready); err != nil {
		x.task.Fail(fmt.Errorf("executor: register fd %d: %w", x.fd, err))
		return
	}
	x.registered = true
}

func (x *descriptorPollLoop) ready(eventloop.IOEvents) {
	x.drain()
}

func (x *descriptorPollLoop) detach() {
	if !x.registered {
		return
	}
	x.registered = false
	if err := x.e.loop.UnregisterFD(x.fd); err != nil {
		x.e.logger.Warning().
			Err(err).
			Int("fd", x.fd).
			Log("executor: failed to unregister listener fd")
	}
}

type blockingPollLoop struct {
	e        *Executor
	listener driver.Listener
	task     *eventloop.Task
}

func (x *blockingPollLoop) run(task *eventloop.Task) {
	x.task = task
	x.next()
}

// next submits the single outstanding blocking poll.
func (x *blockingPollLoop) next() {
	if !x.e.active(x.task) {
		return
	}
	x.e.pool.Promisify(x.e.loop, x.task.Context(), x.poll).Then(x.received)
}

func (x *blockingPollLoop) poll(ctx context.Context) (eventloop.Result, error) {
	return x.listener.Poll(ctx, driver.NoTimeout)
}

func (x *blockingPollLoop) received(v eventloop.Result, err error) {
	if !x.task.Pending() {
		x.e.discard(v)
		return
	}
	if err != nil {
		x.task.Fail(pollError(err))
		return
	}
	if msg, ok := v.(driver.IncomingMessage); ok && msg != nil {
		x.e.dispatch(msg)
	}
	x.next()
}

func (x *blockingPollLoop) detach() {}

// discard logs a message that arrived after the poll loop was stopped.
func (e *Executor) discard(v eventloop.Result) {
	if msg, ok := v.(driver.IncomingMessage); ok && msg != nil {
		e.logger.Warning().
			Interface("message", msg.Message()).
			Log("executor: discarding message received after stop")
	}
}
