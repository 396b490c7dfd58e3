package executor

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/go-messaging/driver/memory"
	"github.com/joeycumines/go-messaging/eventloop"
	"github.com/joeycumines/go-messaging/internal/testutil"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 5 * time.Second
	waitTick    = time.Millisecond
)

func newExecutor(t *testing.T, l driver.Listener, h Handler, opts ...Option) *Executor {
	t.Helper()
	e, err := New(l, h, append([]Option{WithLogger(testutil.Logger(t))}, opts...)...)
	require.NoError(t, err)
	return e
}

func stopAndWait(t *testing.T, e *Executor) {
	t.Helper()
	e.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

func listenMemory(t *testing.T, capability memory.Capability) (*memory.Driver, driver.Listener) {
	t.Helper()
	d := memory.New(memory.WithCapability(capability))
	t.Cleanup(func() { _ = d.Close() })
	l, err := d.Listen(context.Background(), driver.Target{Topic: "work"})
	require.NoError(t, err)
	return d, l
}

func stats(t *testing.T, l driver.Listener) memory.ListenerStats {
	t.Helper()
	ml, ok := memory.Unwrap(l)
	require.True(t, ok)
	return ml.Stats()
}

func TestSelectStrategy(t *testing.T) {
	base := newFakeListener()
	for _, tc := range [...]struct {
		listener driver.Listener
		want     Strategy
	}{
		{base, StrategyBlocking},
		{fakeDescriptorListener{base}, StrategyDescriptor},
		{fakeAsyncListener{base}, StrategyAsync},
		{fakeAsyncDescriptorListener{base}, StrategyAsync},
	} {
		require.Equal(t, tc.want, SelectStrategy(tc.listener))
	}
	require.Equal(t, "async", StrategyAsync.String())
	require.Equal(t, "unknown", Strategy(99).String())
}

func TestNew_invalid(t *testing.T) {
	h := func(context.Context, driver.Context, driver.Message) (any, error) { return nil, nil }

	_, err := New(nil, h)
	require.ErrorIs(t, err, ErrNilListener)

	_, err = New(newFakeListener(), nil)
	require.ErrorIs(t, err, ErrNilHandler)
}

func TestExecutor_strategies(t *testing.T) {
	for _, tc := range [...]struct {
		name       string
		capability memory.Capability
		strategy   Strategy
		opts       []Option
	}{
		{"blocking", memory.CapabilityBlocking, StrategyBlocking, []Option{WithPoolSize(2)}},
		{"descriptor", memory.CapabilityDescriptor, StrategyDescriptor, nil},
		{"descriptor small budget", memory.CapabilityDescriptor, StrategyDescriptor, []Option{WithDrainBudget(3)}},
		{"async", memory.CapabilityAsync, StrategyAsync, nil},
		{"async and descriptor", memory.CapabilityAsync | memory.CapabilityDescriptor, StrategyAsync, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const n = 50

			d, l := listenMemory(t, tc.capability)

			var handled atomic.Int32
			e := newExecutor(t, l, func(ctx context.Context, msgCtx driver.Context, message driver.Message) (any, error) {
				handled.Add(1)
				i := message["i"].(int)
				if i%2 == 0 {
					return nil, nil
				}
				return driver.Message{"i": i}, nil
			}, tc.opts...)
			require.Equal(t, tc.strategy, e.Strategy())

			require.NoError(t, e.Start())
			require.True(t, e.Running())

			for i := range n {
				_, err := d.Send(context.Background(), driver.Target{Topic: "work"}, nil, driver.Message{"i": i}, driver.SendOptions{})
				require.NoError(t, err)
			}

			require.Eventually(t, func() bool {
				if handled.Load() != n {
					return false
				}
				for _, m := range d.Sent() {
					if m.Acked() != 1 || m.Replies() != m.Message()["i"].(int)%2 {
						return false
					}
				}
				return true
			}, waitTimeout, waitTick)

			stopAndWait(t, e)

			require.False(t, e.Running())
			require.Zero(t, e.Pending())
			require.Zero(t, e.pool.Workers())
			require.NoError(t, e.Err())
			require.Equal(t, eventloop.StateTerminated, e.Loop().State())

			s := stats(t, l)
			switch tc.strategy {
			case StrategyBlocking:
				require.EqualValues(t, 1, s.MaxConcurrentPolls)
				require.Zero(t, s.NonBlockingPolls)
				require.Zero(t, s.AsyncPolls)
			case StrategyDescriptor:
				require.Zero(t, s.BlockingPolls)
				require.Zero(t, s.AsyncPolls)
				require.GreaterOrEqual(t, s.NonBlockingPolls, int64(n))
			case StrategyAsync:
				require.Zero(t, s.BlockingPolls)
				require.Zero(t, s.NonBlockingPolls)
				require.GreaterOrEqual(t, s.AsyncPolls, int64(n))
			}
		})
	}
}

func TestExecutor_Start_idempotent(t *testing.T) {
	e := newExecutor(t, newFakeListener(), func(context.Context, driver.Context, driver.Message) (any, error) {
		return nil, nil
	})
	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	require.Eventually(t, func() bool { return e.Pending() == 1 }, waitTimeout, waitTick)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, e.Pending())
	stopAndWait(t, e)
	require.Zero(t, e.Pending())
}

func TestExecutor_Start_afterStop(t *testing.T) {
	e := newExecutor(t, newFakeListener(), func(context.Context, driver.Context, driver.Message) (any, error) {
		return nil, nil
	})
	require.NoError(t, e.Start())
	stopAndWait(t, e)
	require.ErrorIs(t, e.Start(), ErrExecutorStopped)
	require.False(t, e.Running())
}

func TestExecutor_Stop_neverStarted(t *testing.T) {
	e := newExecutor(t, newFakeListener(), func(context.Context, driver.Context, driver.Message) (any, error) {
		return nil, nil
	})
	stopAndWait(t, e)
	require.Zero(t, e.Pending())
	require.ErrorIs(t, e.Start(), ErrExecutorStopped)
}

func TestExecutor_Wait_onLoop(t *testing.T) {
	e := newExecutor(t, newFakeListener(), func(context.Context, driver.Context, driver.Message) (any, error) {
		return nil, nil
	})
	require.NoError(t, e.Start())
	var err error
	testutil.OnLoop(t, e.Loop(), func() {
		err = e.Wait(context.Background())
	})
	require.ErrorIs(t, err, ErrWaitOnLoop)
	stopAndWait(t, e)
}

func TestExecutor_Wait_contextDone(t *testing.T) {
	e := newExecutor(t, newFakeListener(), func(context.Context, driver.Context, driver.Message) (any, error) {
		return nil, nil
	})
	require.NoError(t, e.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// still polling
	require.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
	stopAndWait(t, e)
}

func TestExecutor_sharedLoop(t *testing.T) {
	loop := testutil.RunLoop(t)
	_, l := listenMemory(t, memory.CapabilityAsync)
	e := newExecutor(t, l, func(context.Context, driver.Context, driver.Message) (any, error) {
		return nil, nil
	}, WithLoop(loop))
	require.Same(t, loop, e.Loop())
	require.NoError(t, e.Start())
	stopAndWait(t, e)
	require.NotEqual(t, eventloop.StateTerminated, loop.State())
	testutil.OnLoop(t, loop, func() {})
}

func TestExecutor_reply(t *testing.T) {
	d, l := listenMemory(t, memory.CapabilityAsync)
	e := newExecutor(t, l, func(ctx context.Context, msgCtx driver.Context, message driver.Message) (any, error) {
		fromCtx, ok := driver.FromContext(ctx)
		if !ok || fromCtx["user"] != msgCtx["user"] {
			return nil, errors.New("request context not propagated")
		}
		if message["fail"] == true {
			return nil, errors.New("boom")
		}
		return driver.Message{"echo": message["value"], "user": msgCtx["user"]}, nil
	})
	require.NoError(t, e.Start())
	defer stopAndWait(t, e)

	target := driver.Target{Topic: "work"}
	opts := driver.SendOptions{WaitForReply: true, Timeout: waitTimeout}

	reply, err := d.Send(context.Background(), target, driver.Context{"user": "alice"}, driver.Message{"value": 42}, opts)
	require.NoError(t, err)
	require.Equal(t, driver.Message{"echo": 42, "user": "alice"}, reply)

	_, err = d.Send(context.Background(), target, driver.Context{"user": "alice"}, driver.Message{"fail": true}, opts)
	var remote *driver.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "boom", remote.Message)
}

func TestExecutor_failure_acknowledgedFirst(t *testing.T) {
	logger, buf := testutil.BufferLogger()
	l := newFakeListener()
	rec := new(recorder)
	e, err := New(l, func(ctx context.Context, msgCtx driver.Context, message driver.Message) (any, error) {
		rec.add("handler")
		return nil, errors.New("boom")
	}, WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer stopAndWait(t, e)

	msg := newFakeMessage(rec, driver.Message{"k": "v"})
	l.msgs <- msg

	var reply fakeReply
	select {
	case reply = <-msg.replies:
	case <-time.After(waitTimeout):
		t.Fatal("no reply")
	}
	require.Nil(t, reply.value)
	var failure *driver.Failure
	require.ErrorAs(t, reply.failure, &failure)
	require.EqualError(t, failure.Err, "boom")
	require.Empty(t, failure.Stack)

	require.Equal(t, []string{"done", "handler", "reply"}, rec.snapshot())
	require.Eventually(t, func() bool { return e.Pending() == 1 }, waitTimeout, waitTick)
	require.Contains(t, buf.String(), "executor: handler failed")
}

func TestExecutor_panic(t *testing.T) {
	l := newFakeListener()
	rec := new(recorder)
	e := newExecutor(t, l, func(context.Context, driver.Context, driver.Message) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, e.Start())
	defer stopAndWait(t, e)

	msg := newFakeMessage(rec, nil)
	l.msgs <- msg

	var reply fakeReply
	select {
	case reply = <-msg.replies:
	case <-time.After(waitTimeout):
		t.Fatal("no reply")
	}
	var failure *driver.Failure
	require.ErrorAs(t, reply.failure, &failure)
	require.NotEmpty(t, failure.Stack)
	var panicErr eventloop.PanicError
	require.ErrorAs(t, failure, &panicErr)
	require.Equal(t, "kaboom", panicErr.Value)

	// the executor survives
	msg2 := newFakeMessage(rec, nil)
	l.msgs <- msg2
	select {
	case <-msg2.replies:
	case <-time.After(waitTimeout):
		t.Fatal("no reply")
	}
}

func TestExecutor_goexit(t *testing.T) {
	l := newFakeListener()
	e := newExecutor(t, l, func(context.Context, driver.Context, driver.Message) (any, error) {
		runtime.Goexit()
		return nil, nil
	})
	require.NoError(t, e.Start())
	defer stopAndWait(t, e)

	msg := newFakeMessage(new(recorder), nil)
	l.msgs <- msg

	select {
	case reply := <-msg.replies:
		require.ErrorIs(t, reply.failure, eventloop.ErrGoexit)
	case <-time.After(waitTimeout):
		t.Fatal("no reply")
	}
}

func TestExecutor_emptyResult(t *testing.T) {
	l := newFakeListener()
	rec := new(recorder)
	var handled atomic.Int32
	results := []any{nil, driver.Message{}, "", []int(nil), (*int)(nil), 0, false}
	e := newExecutor(t, l, func(ctx context.Context, msgCtx driver.Context, message driver.Message) (any, error) {
		defer handled.Add(1)
		return results[message["i"].(int)], nil
	})
	require.NoError(t, e.Start())

	for i := range results {
		l.msgs <- newFakeMessage(rec, driver.Message{"i": i})
	}
	require.Eventually(t, func() bool {
		return handled.Load() == int32(len(results)) && e.Pending() == 1
	}, waitTimeout, waitTick)
	stopAndWait(t, e)

	for _, event := range rec.snapshot() {
		require.Equal(t, "done", event)
	}
	require.Len(t, rec.snapshot(), len(results))
}

func TestExecutor_Stop_cancelsHandlers(t *testing.T) {
	l := newFakeListener()
	rec := new(recorder)
	started := make(chan struct{})
	e := newExecutor(t, l, func(ctx context.Context, msgCtx driver.Context, message driver.Message) (any, error) {
		close(started)
		<-ctx.Done()
		return driver.Message{"too": "late"}, nil
	})
	require.NoError(t, e.Start())

	msg := newFakeMessage(rec, nil)
	l.msgs <- msg
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("handler not started")
	}
	require.Equal(t, 2, e.Pending())

	stopAndWait(t, e)

	require.Zero(t, e.Pending())
	require.Empty(t, msg.replies)
	require.Equal(t, []string{"done"}, rec.snapshot())
}

func TestExecutor_Stop_cancelledHandlerError(t *testing.T) {
	l := newFakeListener()
	rec := new(recorder)
	started := make(chan struct{})
	e := newExecutor(t, l, func(ctx context.Context, msgCtx driver.Context, message driver.Message) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, e.Start())

	msg := newFakeMessage(rec, nil)
	l.msgs <- msg
	<-started

	stopAndWait(t, e)

	require.Empty(t, msg.replies)
	require.NoError(t, e.Err())
}

func TestExecutor_Wait_handlerIgnoresCancel(t *testing.T) {
	l := newFakeListener()
	rec := new(recorder)
	var (
		started  = make(chan struct{})
		release  = make(chan struct{})
		returned atomic.Bool
	)
	e := newExecutor(t, l, func(ctx context.Context, msgCtx driver.Context, message driver.Message) (any, error) {
		defer returned.Store(true)
		close(started)
		<-release
		return driver.Message{"too": "late"}, nil
	})
	require.NoError(t, e.Start())

	msg := newFakeMessage(rec, nil)
	l.msgs <- msg
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("handler not started")
	}

	e.Stop()
	require.Eventually(t, func() bool { return e.Pending() == 0 }, waitTimeout, waitTick)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
	require.False(t, returned.Load())

	waitDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		waitDone <- e.Wait(ctx)
	}()
	select {
	case err := <-waitDone:
		t.Fatalf("wait returned before the handler: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-waitDone)
	require.True(t, returned.Load())
	require.Empty(t, msg.replies)
	require.Equal(t, []string{"done"}, rec.snapshot())
}

func TestExecutor_concurrentHandlers(t *testing.T) {
	const n = 5
	d, l := listenMemory(t, memory.CapabilityDescriptor)
	var (
		active  atomic.Int32
		release = make(chan struct{})
	)
	e := newExecutor(t, l, func(ctx context.Context, msgCtx driver.Context, message driver.Message) (any, error) {
		active.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	require.NoError(t, e.Start())

	for range n {
		_, err := d.Send(context.Background(), driver.Target{Topic: "work"}, nil, driver.Message{}, driver.SendOptions{})
		require.NoError(t, err)
	}

	// every handler is blocked, so they must all be running at once
	require.Eventually(t, func() bool { return active.Load() == n }, waitTimeout, waitTick)
	require.Equal(t, n+1, e.Pending())
	close(release)
	require.Eventually(t, func() bool { return e.Pending() == 1 }, waitTimeout, waitTick)
	stopAndWait(t, e)
}

func TestExecutor_descriptor_stopWhileWaiting(t *testing.T) {
	loop := testutil.RunLoop(t)
	d, l := listenMemory(t, memory.CapabilityDescriptor)
	e := newExecutor(t, l, func(context.Context, driver.Context, driver.Message) (any, error) {
		return nil, nil
	}, WithLoop(loop))
	require.NoError(t, e.Start())

	require.Eventually(t, func() bool { return stats(t, l).NonBlockingPolls >= 1 }, waitTimeout, waitTick)

	poller := e.poller.(*descriptorPollLoop)
	var registered bool
	testutil.OnLoop(t, loop, func() { registered = poller.registered })
	require.True(t, registered)

	tasks := e.pending.Tasks()
	require.Len(t, tasks, 1)
	pollTask := tasks[0]

	stopAndWait(t, e)

	require.Equal(t, eventloop.TaskCancelled, pollTask.State())

	fd := l.(driver.DescriptorListener).Fileno()
	var unregisterErr error
	testutil.OnLoop(t, loop, func() { unregisterErr = loop.UnregisterFD(fd) })
	require.ErrorIs(t, unregisterErr, eventloop.ErrFDNotRegistered)

	polls := stats(t, l).NonBlockingPolls
	_, err := d.Send(context.Background(), driver.Target{Topic: "work"}, nil, driver.Message{}, driver.SendOptions{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	testutil.OnLoop(t, loop, func() {})
	require.Equal(t, polls, stats(t, l).NonBlockingPolls)
	ml, _ := memory.Unwrap(l)
	require.Equal(t, 1, ml.Len())
}

func TestExecutor_listenerError(t *testing.T) {
	broken := errors.New("broken")
	for _, tc := range [...]struct {
		name     string
		listener func(*fakeListener) driver.Listener
	}{
		{"blocking", func(l *fakeListener) driver.Listener { return l }},
		{"descriptor", func(l *fakeListener) driver.Listener { return fakeDescriptorListener{l} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fl := newFakeListener()
			fl.err = broken
			e := newExecutor(t, tc.listener(fl), func(context.Context, driver.Context, driver.Message) (any, error) {
				return nil, nil
			})
			require.NoError(t, e.Start())
			require.Eventually(t, func() bool { return e.Err() != nil }, waitTimeout, waitTick)
			require.ErrorIs(t, e.Err(), broken)
			require.Eventually(t, func() bool { return e.Pending() == 0 }, waitTimeout, waitTick)
			stopAndWait(t, e)
		})
	}
}

func TestExecutor_listenerClosed(t *testing.T) {
	for _, capability := range [...]memory.Capability{
		memory.CapabilityBlocking,
		memory.CapabilityDescriptor,
		memory.CapabilityAsync,
	} {
		t.Run(capability.String(), func(t *testing.T) {
			_, l := listenMemory(t, capability)
			e := newExecutor(t, l, func(context.Context, driver.Context, driver.Message) (any, error) {
				return nil, nil
			})
			require.NoError(t, e.Start())
			// the poll loop is waiting
			require.Eventually(t, func() bool {
				s := stats(t, l)
				return s.BlockingPolls+s.NonBlockingPolls+s.AsyncPolls != 0
			}, waitTimeout, waitTick)

			ml, _ := memory.Unwrap(l)
			require.NoError(t, ml.Close())

			require.Eventually(t, func() bool { return e.Err() != nil }, waitTimeout, waitTick)
			require.ErrorIs(t, e.Err(), driver.ErrClosed)
			require.Eventually(t, func() bool { return e.Pending() == 0 }, waitTimeout, waitTick)
			stopAndWait(t, e)
		})
	}
}

func TestExecutor_asyncListenerError(t *testing.T) {
	fl := newFakeListener()
	fl.err = errors.New("broken")
	e := newExecutor(t, fakeAsyncListener{fl}, func(context.Context, driver.Context, driver.Message) (any, error) {
		return nil, nil
	})
	require.NoError(t, e.Start())
	require.Eventually(t, func() bool { return e.Err() != nil }, waitTimeout, waitTick)
	require.ErrorIs(t, e.Err(), fl.err)
	stopAndWait(t, e)
}

func TestIsEmptyReply(t *testing.T) {
	var nilMap map[string]any
	for _, tc := range [...]struct {
		v    any
		want bool
	}{
		{nil, true},
		{"", true},
		{"x", false},
		{0, true},
		{1, false},
		{int8(-1), false},
		{uint(0), true},
		{0.0, true},
		{0.5, false},
		{false, true},
		{true, false},
		{nilMap, true},
		{map[string]any{}, true},
		{map[string]any{"k": 1}, false},
		{driver.Message{}, true},
		{[]byte(nil), true},
		{[]byte{}, true},
		{[]byte{0}, false},
		{[0]int{}, true},
		{[1]int{}, false},
		{(*int)(nil), true},
		{new(int), false},
		{(func())(nil), true},
		{(chan int)(nil), true},
		{struct{}{}, false},
	} {
		require.Equal(t, tc.want, isEmptyReply(tc.v), "%#v", tc.v)
	}
}
