// Package testutil provides helpers shared by the module's tests.
package testutil

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/go-messaging/eventloop"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Override sets *target to value for the duration of the test, restoring
// the original value on cleanup. Typical use is overriding package level
// configuration.
func Override[T any](t testing.TB, target *T, value T) {
	t.Helper()
	original := *target
	*target = value
	t.Cleanup(func() { *target = original })
}

// RegisterDriver registers factory under scheme for the duration of the
// test, restoring any previous registration on cleanup.
func RegisterDriver(t testing.TB, scheme string, factory driver.Factory) {
	t.Helper()
	previous, hadPrevious := driver.Lookup(scheme)
	driver.Register(scheme, factory)
	t.Cleanup(func() {
		if hadPrevious {
			driver.Register(scheme, previous)
		} else {
			driver.Unregister(scheme)
		}
	})
}

// Logger returns a debug level JSON logger, writing each line via t.Log.
func Logger(t testing.TB) *logiface.Logger[logiface.Event] {
	w := &testWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// BufferLogger returns a debug level JSON logger writing to the returned
// buffer, for asserting on log output.
func BufferLogger() (*logiface.Logger[logiface.Event], *Buffer) {
	var buf Buffer
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger(), &buf
}

// Buffer is a bytes.Buffer that is safe for concurrent use.
type Buffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testWriter struct {
	t  testing.TB
	mu sync.Mutex
	// set once the test has finished, t.Log would panic
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(string(bytes.TrimRight(p, "\n")))
	}
	return len(p), nil
}

// RunLoop creates and runs an event loop, shutting it down on cleanup.
func RunLoop(t testing.TB, opts ...eventloop.LoopOption) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = loop.Run(context.Background())
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Shutdown(ctx)
		select {
		case <-runDone:
		case <-ctx.Done():
			t.Error("testutil: loop did not stop")
		}
	})
	return loop
}

// OnLoop runs fn on the loop goroutine, and waits for it to return.
func OnLoop(t testing.TB, loop *eventloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if err := loop.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("testutil: timed out waiting for loop")
	}
}
