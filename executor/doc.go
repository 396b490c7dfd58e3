// Package executor runs message handlers for a driver.Listener, on an
// eventloop.Loop.
//
// # Strategies
//
// How messages are acquired depends on what the listener supports, see
// [SelectStrategy]:
//
//   - [StrategyAsync] chains driver.AsyncListener.PollAsync promises, on the
//     loop.
//   - [StrategyDescriptor] drains a non-blocking Poll, up to the drain
//     budget per loop turn, then registers the listener's fd with the loop,
//     and waits for it to become readable. It never blocks the loop.
//   - [StrategyBlocking] runs the blocking Poll on a worker pool, with at
//     most one call outstanding.
//
// Every strategy runs as a continuation on the loop goroutine, rather than
// as a goroutine of its own, so Stop can tear it down synchronously.
//
// # Handling
//
// Each message is acknowledged, then handled on its own goroutine. A
// non-empty result is sent as the reply. An error, or a panic, is sent as a
// *driver.Failure. Handlers that are still running when the executor stops
// have their ctx cancelled, and send nothing.
//
// # Lifecycle
//
//	e, err := executor.New(listener, handler)
//	if err != nil {
//		return err
//	}
//	if err := e.Start(); err != nil {
//		return err
//	}
//	// ...
//	e.Stop()
//	return e.Wait(ctx)
package executor
