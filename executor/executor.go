package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/go-messaging/eventloop"
	"github.com/joeycumines/logiface"
)

var (
	// ErrExecutorStopped is returned by Start after Stop.
	ErrExecutorStopped = errors.New("executor: stopped")

	// ErrWaitOnLoop is returned by Wait when called on the loop goroutine,
	// which it would otherwise deadlock.
	ErrWaitOnLoop = errors.New("executor: wait called on the loop goroutine")

	// ErrNilListener and ErrNilHandler are returned by New.
	ErrNilListener = errors.New("executor: nil listener")
	ErrNilHandler  = errors.New("executor: nil handler")
)

// Executor pulls messages from a listener, and dispatches each to a
// handler, concurrently.
//
// The poll loop and every handler invocation are tracked as pending tasks.
// Stop cancels them all without blocking. Wait blocks until they have all
// settled, and every handler call has returned, cancelled or not. An
// Executor cannot be restarted after Stop.
type Executor struct {
	listener driver.Listener
	handler  Handler
	logger   *logiface.Logger[logiface.Event]
	loop     *eventloop.Loop
	pool     *eventloop.WorkerPool
	pending  *eventloop.TaskRegistry
	// handlers tracks handler goroutines until they return, and is never
	// cancelled
	handlers *eventloop.TaskRegistry
	// poller is the active poll loop, nil until started
	poller      pollLoop
	err         error
	drainBudget int
	strategy    Strategy
	running     atomic.Bool
	ownsLoop    bool
	loopStarted bool
	stopped     bool
	mu          sync.Mutex
}

// New constructs an Executor for listener. Start must be called to begin
// polling.
func New(listener driver.Listener, handler Handler, opts ...Option) (*Executor, error) {
	if listener == nil {
		return nil, ErrNilListener
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	var c config
	for _, opt := range opts {
		if opt != nil {
			opt.applyOption(&c)
		}
	}
	if c.drainBudget <= 0 {
		c.drainBudget = DefaultDrainBudget
	}

	e := &Executor{
		listener:    listener,
		handler:     handler,
		logger:      c.logger,
		loop:        c.loop,
		pending:     eventloop.NewTaskRegistry(),
		handlers:    eventloop.NewTaskRegistry(),
		drainBudget: c.drainBudget,
		strategy:    SelectStrategy(listener),
	}

	if e.loop == nil {
		loop, err := eventloop.New(eventloop.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		e.loop = loop
		e.ownsLoop = true
	}

	pool, err := eventloop.NewWorkerPool(c.poolSize, eventloop.WithPoolLogger(c.logger))
	if err != nil {
		if e.ownsLoop {
			_ = e.loop.Close()
		}
		return nil, err
	}
	e.pool = pool

	return e, nil
}

// Loop returns the loop the executor runs on.
func (e *Executor) Loop() *eventloop.Loop { return e.loop }

// Strategy returns the poll strategy, selected from the listener's
// capabilities.
func (e *Executor) Strategy() Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy
}

// Running reports whether the executor has been started, and not stopped.
func (e *Executor) Running() bool { return e.running.Load() }

// Pending returns the number of tasks, the poll loop included, that have yet
// to finish.
func (e *Executor) Pending() int { return e.pending.Len() }

// Err returns the error that terminated the poll loop, if any. The poll loop
// is not restarted.
func (e *Executor) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Start begins polling. It is a no-op if already running.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrExecutorStopped
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}

	if e.ownsLoop && !e.loopStarted {
		e.loopStarted = true
		go e.runLoop()
	}

	e.strategy = SelectStrategy(e.listener)
	e.poller = e.newPollLoop(e.strategy)

	task, err := e.pending.Spawn(e.loop, "poll:"+e.strategy.String(), e.poller.run)
	if err != nil {
		e.running.Store(false)
		return err
	}
	task.OnSettled(e.pollLoopSettled)

	e.logger.Info().
		Stringer("strategy", e.strategy).
		Log("executor: started")

	return nil
}

func (e *Executor) runLoop() {
	if err := e.loop.Run(context.Background()); err != nil {
		e.logger.Err().
			Err(err).
			Log("executor: loop exited")
	}
}

func (e *Executor) pollLoopSettled(task *eventloop.Task) {
	if task.State() != eventloop.TaskFailed {
		return
	}
	e.mu.Lock()
	e.err = task.Err()
	e.mu.Unlock()
	e.logger.Err().
		Err(task.Err()).
		Str("task", task.Name()).
		Log("executor: poll loop terminated")
}

// Stop stops polling, and cancels every pending task, without waiting for
// them. Handlers observe cancellation via their ctx, and their results are
// discarded. Blocking polls already running are abandoned, not interrupted.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.running.Store(false)
	poller := e.poller
	e.mu.Unlock()

	e.onLoop(func() {
		// before cancellation, so no readiness callback follows teardown
		if poller != nil {
			poller.detach()
		}
		n := e.pending.CancelAll()
		e.logger.Debug().
			Int("cancelled", n).
			Log("executor: cancelled pending tasks")
	})

	e.pool.Shutdown(false)

	e.logger.Info().Log("executor: stopped")
}

// onLoop runs fn on the loop goroutine, directly if already on it, or if the
// loop has terminated.
func (e *Executor) onLoop(fn func()) {
	if e.loop.IsLoopThread() {
		fn()
		return
	}
	if err := e.loop.SubmitInternal(fn); err != nil {
		fn()
	}
}

// Wait blocks until every pending task has finished, and every handler call
// has returned, then shuts down the worker pool, and the loop, if owned. Wait
// should follow Stop, otherwise it blocks for as long as the poll loop runs.
func (e *Executor) Wait(ctx context.Context) error {
	if e.loop.IsLoopThread() {
		return ErrWaitOnLoop
	}

	if err := e.pending.Wait(ctx); err != nil {
		return err
	}
	// cancelled handlers may still be running
	if err := e.handlers.Wait(ctx); err != nil {
		return err
	}
	e.pending.Clear()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.pool.Shutdown(true)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if e.ownsLoop {
		if err := e.loop.Shutdown(ctx); err != nil && !errors.Is(err, eventloop.ErrLoopTerminated) {
			return err
		}
	}

	return nil
}
