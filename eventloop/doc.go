// Package eventloop provides a cooperative, single goroutine scheduler for
// Go, with file descriptor readiness notification, loop-affine promises, a
// registry of pending tasks, and a pool for offloading blocking calls.
//
// # Architecture
//
// The [Loop] owns one goroutine, which executes queued functions, promise
// continuations, and fd readiness callbacks, one at a time. Nothing that runs
// on the loop goroutine may block; blocking calls are handed to a
// [WorkerPool] via [WorkerPool.Promisify], and their outcome is observed as a
// [Promise] settlement, back on the loop.
//
// # Platform Support
//
// I/O polling is implemented using platform-native mechanisms:
//   - macOS: kqueue
//   - Linux: epoll
//
// # Thread Safety
//
// The loop is designed for concurrent access:
//   - [Loop.Submit] and [Loop.SubmitInternal] are safe to call from any goroutine
//   - [Loop.RegisterFD] and [Loop.UnregisterFD] are safe to call from any goroutine
//   - Promises may be settled from any goroutine, their continuations always run on the loop
//   - [Task] settlement is atomic, the first of Complete, Fail or Cancel wins
//
// # Tasks
//
// A [TaskRegistry] tracks work that has not yet reached a terminal state.
// [TaskRegistry.Spawn] runs a continuation-style task on the loop, while
// [TaskRegistry.Go] runs a task in its own goroutine. [TaskRegistry.CancelAll]
// and [TaskRegistry.Wait] implement a two phase stop: signal, then join.
package eventloop
