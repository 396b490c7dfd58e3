package executor

import (
	"context"
	"errors"
	"reflect"
	"runtime/debug"

	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/go-messaging/eventloop"
)

// Handler processes one message. A non-empty result is sent as the reply,
// an error is sent as a *driver.Failure. Empty results, e.g. nil, "", 0,
// false or an empty map, send nothing. Structs are never empty. The ctx is cancelled if the
// executor is stopped first, in which case nothing is sent. The message's
// request context is also available via driver.FromContext(ctx).
type Handler func(ctx context.Context, msgCtx driver.Context, message driver.Message) (any, error)

// dispatch acknowledges msg, then runs the handler as a pending task. Must
// be called on the loop goroutine.
//
// The message is acknowledged before the handler runs, so a crash while
// handling cannot cause redelivery: delivery is at most once.
func (e *Executor) dispatch(msg driver.IncomingMessage) {
	if err := msg.Done(); err != nil {
		e.logger.Warning().
			Err(err).
			Log("executor: failed to acknowledge message")
	}
	task := e.pending.Add("callback")
	call := e.handlers.Add("callback")
	go func() {
		defer call.Complete()
		e.invoke(task, msg)
	}()
}

func (e *Executor) invoke(task *eventloop.Task, msg driver.IncomingMessage) {
	var (
		result    any
		err       error
		completed bool
	)
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			err = driver.NewFailure(eventloop.PanicError{Value: r, Stack: stack}, stack)
		} else if !completed {
			err = driver.NewFailure(eventloop.ErrGoexit, nil)
		}
		e.finish(task, msg, result, err)
	}()

	ctx := driver.NewContext(task.Context(), msg.Context())
	result, err = e.handler(ctx, msg.Context(), msg.Message())
	completed = true
}

// finish settles task, replying only if that settlement won, i.e. the task
// was not cancelled first.
func (e *Executor) finish(task *eventloop.Task, msg driver.IncomingMessage, result any, err error) {
	// task's context is cancelled on settle
	replyCtx := context.WithoutCancel(task.Context())

	if err != nil {
		if !task.Fail(err) {
			return
		}
		var failure *driver.Failure
		if !errors.As(err, &failure) {
			failure = driver.NewFailure(err, nil)
		}
		e.logger.Err().
			Err(err).
			Uint64("task_id", uint64(task.ID())).
			Log("executor: handler failed")
		if err := msg.Reply(replyCtx, nil, failure); err != nil {
			e.logger.Warning().
				Err(err).
				Log("executor: failed to send failure reply")
		}
		return
	}

	if !task.Complete() || isEmptyReply(result) {
		return
	}
	if err := msg.Reply(replyCtx, result, nil); err != nil {
		e.logger.Warning().
			Err(err).
			Log("executor: failed to send reply")
	}
}

// isEmptyReply reports whether v should not be sent as a reply: nil, a nil
// pointer, map, slice, interface, func or chan, a zero length string, map,
// slice or array, false, or a zero number.
func isEmptyReply(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	case reflect.Map, reflect.Slice:
		return rv.IsNil() || rv.Len() == 0
	case reflect.String, reflect.Array:
		return rv.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return rv.IsZero()
	default:
		return false
	}
}
