package eventloop

import (
	"context"
	"runtime/debug"
	"slices"
	"sync"
)

// TaskRegistry tracks pending tasks, keyed by ID. Settled tasks remove
// themselves, so Len is the number of tasks yet to reach a terminal state.
type TaskRegistry struct {
	tasks map[TaskID]*Task

	// changed is closed, and replaced, whenever a task is released
	changed chan struct{}

	// nextID is the counter for generating unique task IDs.
	nextID TaskID
	mu     sync.Mutex
}

// NewTaskRegistry creates a new, empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		tasks:   make(map[TaskID]*Task),
		changed: make(chan struct{}),
		nextID:  1, // Start at 1 so 0 is null marker
	}
}

// Add creates and registers a new pending task. The caller is responsible
// for settling it.
func (r *TaskRegistry) Add(name string) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		ctx:      ctx,
		cancel:   cancel,
		registry: r,
		done:     make(chan struct{}),
		name:     name,
	}

	r.mu.Lock()
	t.id = r.nextID
	r.nextID++
	r.tasks[t.id] = t
	r.mu.Unlock()

	return t
}

// Spawn registers a task then runs fn on the loop goroutine. fn does not
// settle the task by returning, it must arrange for that itself, e.g. from
// a promise continuation. A panic in fn fails the task with a PanicError.
func (r *TaskRegistry) Spawn(loop *Loop, name string, fn func(*Task)) (*Task, error) {
	t := r.Add(name)
	if err := loop.SubmitInternal(func() {
		defer func() {
			if v := recover(); v != nil {
				t.Fail(PanicError{Value: v, Stack: debug.Stack()})
			}
		}()
		if t.Pending() {
			fn(t)
		}
	}); err != nil {
		t.Fail(err)
		return t, err
	}
	return t, nil
}

// Go registers a task then runs fn in a new goroutine. The task settles
// according to fn's return value, unless settled elsewhere first (e.g. via
// Cancel). A panic in fn fails the task with a PanicError.
func (r *TaskRegistry) Go(name string, fn func(*Task) error) *Task {
	t := r.Add(name)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				t.Fail(PanicError{Value: v, Stack: debug.Stack()})
			}
		}()
		t.Fail(fn(t))
	}()
	return t
}

// Len returns the number of pending tasks.
func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Tasks returns a snapshot of the pending tasks, ordered by ID.
func (r *TaskRegistry) Tasks() []*Task {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()
	slices.SortFunc(tasks, func(a, b *Task) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	return tasks
}

// CancelAll cancels every pending task, returning how many were cancelled
// by this call.
func (r *TaskRegistry) CancelAll() int {
	var n int
	for _, t := range r.Tasks() {
		if t.Cancel() {
			n++
		}
	}
	return n
}

// Wait blocks until there are no pending tasks, or ctx is done.
func (r *TaskRegistry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.tasks) == 0 {
			r.mu.Unlock()
			return nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Clear drops every task from the registry, without settling them. Any that
// settle later are ignored.
func (r *TaskRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.tasks)
	r.broadcastLocked()
}

func (r *TaskRegistry) release(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[t.id]; ok && cur == t {
		delete(r.tasks, t.id)
		r.broadcastLocked()
	}
}

func (r *TaskRegistry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
