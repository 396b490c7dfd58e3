package eventloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromise_ThenRunsOnLoop(t *testing.T) {
	loop := testRunLoop(t)

	p, resolve, _ := loop.NewPromise()
	require.Equal(t, Pending, p.State())

	type outcome struct {
		value  Result
		err    error
		onLoop bool
	}
	ch := make(chan outcome, 1)
	p.Then(func(v Result, err error) {
		ch <- outcome{v, err, loop.IsLoopThread()}
	})

	go resolve("hello")

	select {
	case o := <-ch:
		require.Equal(t, "hello", o.value)
		require.NoError(t, o.err)
		require.True(t, o.onLoop)
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked")
	}

	require.Equal(t, Resolved, p.State())
	v, err := p.Result()
	require.Equal(t, "hello", v)
	require.NoError(t, err)
}

func TestPromise_SettlesOnce(t *testing.T) {
	loop := testRunLoop(t)

	p, resolve, reject := loop.NewPromise()
	errBoom := errors.New("boom")
	reject(errBoom)
	resolve("ignored")
	reject(errors.New("ignored"))

	require.Equal(t, Rejected, p.State())
	v, err := p.Result()
	require.Nil(t, v)
	require.ErrorIs(t, err, errBoom)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestPromise_ThenAfterSettle(t *testing.T) {
	loop := testRunLoop(t)

	p, resolve, _ := loop.NewPromise()
	resolve(42)

	var order []int
	done := make(chan struct{})
	p.Then(func(Result, error) { order = append(order, 1) })
	p.Then(func(v Result, _ error) {
		order = append(order, v.(int))
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handlers not invoked")
	}
	require.Equal(t, []int{1, 42}, order)
}

func TestPromise_HandlerPanicDoesNotSkipOthers(t *testing.T) {
	loop := testRunLoop(t)

	p, resolve, _ := loop.NewPromise()
	ran := make(chan struct{})
	p.Then(func(Result, error) { panic("handler") })
	p.Then(func(Result, error) { close(ran) })
	resolve(nil)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("second handler not invoked")
	}
}

func TestPromise_FallbackAfterTermination(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	require.NoError(t, loop.Shutdown(context.Background()))

	p, resolve, _ := loop.NewPromise()
	var got Result
	p.Then(func(v Result, _ error) { got = v })
	resolve("direct")

	// ran synchronously on this goroutine
	require.Equal(t, "direct", got)
}

func TestPromiseState_String(t *testing.T) {
	for state, want := range map[PromiseState]string{
		Pending:          "Pending",
		Resolved:         "Resolved",
		Rejected:         "Rejected",
		PromiseState(99): "Unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d: got %q, want %q", state, got, want)
		}
	}
}
