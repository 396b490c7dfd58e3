package eventloop

import (
	"context"
	"sync"
)

// TaskID identifies a task within its registry. Zero is never used.
type TaskID uint64

// TaskState represents the lifecycle state of a [Task].
type TaskState int

const (
	// TaskPending indicates the task has not yet reached a terminal state.
	TaskPending TaskState = iota
	// TaskCompleted indicates the task finished successfully.
	TaskCompleted
	// TaskFailed indicates the task finished with an error.
	TaskFailed
	// TaskCancelled indicates the task was cancelled before it finished.
	TaskCancelled
)

// String returns a human-readable representation of the state.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "Pending"
	case TaskCompleted:
		return "Completed"
	case TaskFailed:
		return "Failed"
	case TaskCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Task is a unit of concurrent work tracked by a [TaskRegistry].
//
// A task settles exactly once, via Complete, Fail or Cancel. Whichever call
// wins is the outcome; the others return false. Settling cancels the task's
// context, closes Done, removes the task from its registry, then runs every
// OnSettled hook on the settling goroutine.
type Task struct {
	ctx      context.Context
	cancel   context.CancelFunc
	registry *TaskRegistry
	err      error
	done     chan struct{}
	name     string
	hooks    []func(*Task)
	id       TaskID
	state    TaskState
	mu       sync.Mutex
}

// ID returns the task's identifier.
func (t *Task) ID() TaskID { return t.id }

// Name returns the descriptive name given on creation.
func (t *Task) Name() string { return t.name }

// Context returns a context that is cancelled once the task settles, for any
// reason.
func (t *Task) Context() context.Context { return t.ctx }

// Done returns a channel that is closed once the task settles.
func (t *Task) Done() <-chan struct{} { return t.done }

// State returns the current state of the task.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending reports whether the task has yet to settle.
func (t *Task) Pending() bool {
	return t.State() == TaskPending
}

// Err returns the failure, context.Canceled for a cancelled task, or nil.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Complete settles the task successfully.
func (t *Task) Complete() bool {
	return t.settle(TaskCompleted, nil)
}

// Fail settles the task with err. A nil err is treated as Complete.
func (t *Task) Fail(err error) bool {
	if err == nil {
		return t.Complete()
	}
	return t.settle(TaskFailed, err)
}

// Cancel settles the task as cancelled, with context.Canceled as its error.
func (t *Task) Cancel() bool {
	return t.settle(TaskCancelled, context.Canceled)
}

// OnSettled registers fn to be called once the task settles. If the task has
// already settled, fn is called immediately.
func (t *Task) OnSettled(fn func(*Task)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	if t.state == TaskPending {
		t.hooks = append(t.hooks, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn(t)
}

func (t *Task) settle(state TaskState, err error) bool {
	t.mu.Lock()
	if t.state != TaskPending {
		t.mu.Unlock()
		return false
	}
	t.state = state
	t.err = err
	hooks := t.hooks
	t.hooks = nil
	t.mu.Unlock()

	t.cancel()
	close(t.done)
	if t.registry != nil {
		t.registry.release(t)
	}
	for _, fn := range hooks {
		fn(t)
	}
	return true
}
