package eventloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Loop is a single goroutine, cooperative scheduler.
//
// All queued functions, promise continuations and fd readiness callbacks run
// on the loop goroutine, one at a time, in the order:
//  1. internal queue (SubmitInternal), drained completely
//  2. external queue (Submit), up to a budget per tick
//  3. I/O poll, blocking only when both queues are empty
//
// Submit, SubmitInternal, RegisterFD and UnregisterFD are safe to call from
// any goroutine.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	logger *logiface.Logger[logiface.Event]

	// State machine (cache-line padded internally)
	state *FastState

	internal taskQueue
	external taskQueue

	poller fdPoller

	stopOnce sync.Once

	// Wake-up mechanism
	wakePipe      int
	wakePipeWrite int
	wakeBuf       [8]byte
	wakePending   atomic.Uint32

	loopGoroutineID atomic.Uint64

	// closed when Run exits
	loopDone chan struct{}

	// In-flight submit counter for shutdown synchronization
	inflight atomic.Int64

	id          uint64
	tickCount   uint64
	maxPollWait int

	batchBuf []func()
}

// taskQueue is a mutex guarded, double buffered FIFO of functions.
type taskQueue struct {
	mu    sync.Mutex
	tasks []func()
	spare []func()
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
}

func (q *taskQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// take swaps out the pending tasks. The returned slice must be handed back
// via recycle once executed.
func (q *taskQueue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	tasks := q.tasks
	q.tasks = q.spare[:0]
	q.spare = nil
	return tasks
}

func (q *taskQueue) recycle(tasks []func()) {
	clear(tasks)
	q.mu.Lock()
	if q.spare == nil {
		q.spare = tasks[:0]
	}
	q.mu.Unlock()
}

// popBatch removes up to len(buf) tasks from the front of the queue.
func (q *taskQueue) popBatch(buf []func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(buf, q.tasks)
	if n == 0 {
		return 0
	}
	remaining := copy(q.tasks, q.tasks[n:])
	clear(q.tasks[remaining:])
	q.tasks = q.tasks[:remaining]
	return n
}

var loopIDCounter atomic.Uint64

// New creates a new loop. The loop does nothing until Run is called.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	loop := &Loop{
		id:            loopIDCounter.Add(1),
		logger:        cfg.logger,
		state:         NewFastState(),
		wakePipe:      wakeFd,
		wakePipeWrite: wakeWriteFd,
		loopDone:      make(chan struct{}),
		maxPollWait:   cfg.maxPollWait,
		batchBuf:      make([]func(), 256),
	}

	closeWake := func() {
		_ = unix.Close(wakeFd)
		if wakeWriteFd != wakeFd {
			_ = unix.Close(wakeWriteFd)
		}
	}

	if err := loop.poller.init(); err != nil {
		closeWake()
		return nil, err
	}

	if err := loop.poller.registerFD(wakeFd, EventRead, func(IOEvents) {
		loop.drainWakeUpPipe()
	}); err != nil {
		_ = loop.poller.close()
		closeWake()
		return nil, err
	}

	return loop, nil
}

// ID returns the process-unique identifier of the loop.
func (l *Loop) ID() uint64 {
	return l.id
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Done returns a channel that is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

// Run runs the event loop and blocks until fully stopped, via Shutdown,
// Close, or ctx cancellation. To run in a separate goroutine, use
// `go loop.Run(ctx)`.
func (l *Loop) Run(ctx context.Context) error {
	if l.IsLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	l.logState("eventloop: running")

	return l.run(ctx)
}

// Shutdown gracefully shuts down the event loop, running any tasks that are
// already queued. It blocks until termination completes or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	if result == nil && l.state.Load() != StateTerminated {
		return ErrLoopTerminated
	}
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	if !l.requestTermination() {
		return ErrLoopTerminated
	}

	if l.state.Load() == StateTerminated {
		// never started
		return nil
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the loop without waiting. Queued tasks will still be run
// by the loop goroutine, as it exits.
func (l *Loop) Close() error {
	if !l.requestTermination() {
		return ErrLoopTerminated
	}
	return nil
}

// requestTermination moves the loop towards StateTerminated, returning false
// if that was already underway.
func (l *Loop) requestTermination() bool {
	for {
		currentState := l.state.Load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return false
		}
		if l.state.TryTransition(currentState, StateTerminating) {
			switch currentState {
			case StateAwake:
				l.state.Store(StateTerminated)
				l.closeFDs()
			case StateSleeping:
				_ = l.submitWakeup()
			}
			return true
		}
	}
}

func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// wake the loop on cancellation
	stop := context.AfterFunc(ctx, func() {
		_ = l.submitWakeup()
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			l.requestTermination()
			l.shutdown()
			return err
		}

		if state := l.state.Load(); state == StateTerminating || state == StateTerminated {
			l.shutdown()
			return nil
		}

		l.tick()
	}
}

// shutdown drains every queue then closes the poller.
func (l *Loop) shutdown() {
	// Anything that checked the state before this point is caught by the
	// drain, anything after is rejected.
	l.state.Store(StateTerminated)

	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		for spin := 0; l.inflight.Load() > 0; spin++ {
			if spin > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		drained := l.runQueue(&l.internal)
		if l.runQueue(&l.external) {
			drained = true
		}

		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	l.logState("eventloop: terminated")

	l.closeFDs()
}

func (l *Loop) tick() {
	l.tickCount++

	l.runQueue(&l.internal)

	l.processExternal()

	l.poll()
}

// runQueue executes everything currently queued, returning true if anything ran.
func (l *Loop) runQueue(q *taskQueue) bool {
	tasks := q.take()
	if tasks == nil {
		return false
	}
	for _, fn := range tasks {
		l.safeExecute(fn)
	}
	q.recycle(tasks)
	return true
}

// processExternal runs up to one batch of external tasks.
func (l *Loop) processExternal() {
	n := l.external.popBatch(l.batchBuf)
	for i := 0; i < n; i++ {
		fn := l.batchBuf[i]
		l.batchBuf[i] = nil
		l.safeExecute(fn)
		// internal work, e.g. promise continuations, takes priority
		l.runQueue(&l.internal)
	}
}

func (l *Loop) poll() {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	timeout := l.maxPollWait
	if l.internal.length() > 0 || l.external.length() > 0 {
		// still check for I/O, without blocking
		timeout = 0
	}

	if l.state.Load() == StateTerminating {
		return
	}

	if _, err := l.poller.pollIO(timeout); err != nil {
		l.logPollError(err)
		l.state.TryTransition(StateSleeping, StateTerminating)
		return
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

func (l *Loop) drainWakeUpPipe() {
	for {
		if _, err := unix.Read(l.wakePipe, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// submitWakeup writes to the wake-up fd. Write errors are expected, and
// harmless, while the loop is closing its fds.
func (l *Loop) submitWakeup() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]

	_, err := unix.Write(l.wakePipeWrite, buf)
	return err
}

func (l *Loop) wake() {
	if l.state.Load() == StateSleeping && l.wakePending.CompareAndSwap(0, 1) {
		if err := l.submitWakeup(); err != nil {
			l.wakePending.Store(0)
		}
	}
}

// Submit queues fn for execution on the loop goroutine.
//
// Submission is allowed while the loop is StateTerminating, so in-flight
// work may drain, and rejected with ErrLoopTerminated once terminated.
func (l *Loop) Submit(fn func()) error {
	return l.submit(&l.external, fn)
}

// SubmitInternal queues fn on the priority queue, which is drained before
// any external tasks. Used for continuations, e.g. promise settlement.
func (l *Loop) SubmitInternal(fn func()) error {
	return l.submit(&l.internal, fn)
}

func (l *Loop) submit(q *taskQueue, fn func()) error {
	// must be incremented before checking state, see shutdown
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	q.push(fn)

	l.wake()

	return nil
}

// RegisterFD registers a file descriptor for I/O readiness notification. The
// callback runs on the loop goroutine.
func (l *Loop) RegisterFD(fd int, events IOEvents, callback IOCallback) error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	if callback == nil {
		return l.poller.registerFD(fd, events, nil)
	}
	return l.poller.registerFD(fd, events, func(ev IOEvents) {
		defer func() {
			if r := recover(); r != nil {
				l.logPanic("io", r)
			}
		}()
		callback(ev)
	})
}

// UnregisterFD removes a file descriptor from monitoring. When called on the
// loop goroutine, the callback is guaranteed not to run again.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.unregisterFD(fd)
}

// safeExecute executes fn with panic recovery.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logPanic("task", r)
		}
	}()

	fn()
}

func (l *Loop) closeFDs() {
	_ = l.poller.close()
	_ = unix.Close(l.wakePipe)
	if l.wakePipeWrite != l.wakePipe {
		_ = unix.Close(l.wakePipeWrite)
	}
}

// IsLoopThread reports whether the caller is running on the loop goroutine.
func (l *Loop) IsLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
