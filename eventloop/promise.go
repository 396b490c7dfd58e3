package eventloop

import (
	"sync"
)

// Result represents the value of a resolved promise.
type Result = any

// PromiseState represents the lifecycle state of a [Promise].
// A promise starts in [Pending] state and transitions to either
// [Resolved] or [Rejected]. State transitions are irreversible.
type PromiseState int

const (
	// Pending indicates the promise operation is still in progress.
	Pending PromiseState = iota

	// Resolved indicates the promise completed successfully with a value.
	Resolved

	// Rejected indicates the promise failed with an error.
	Rejected
)

// String returns a human-readable representation of the state.
func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Resolved:
		return "Resolved"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// ResolveFunc settles a promise successfully. Only the first call to either
// ResolveFunc or RejectFunc has any effect.
type ResolveFunc func(Result)

// RejectFunc settles a promise with an error.
type RejectFunc func(error)

// Promise is a loop-affine future. It may be settled from any goroutine, but
// continuations registered via Then always run on the owning loop.
//
// Continuations fall back to running on the settling goroutine only once the
// loop has terminated, so a promise never strands its continuations.
type Promise struct {
	loop     *Loop
	value    Result
	err      error
	done     chan struct{}
	handlers []func(Result, error)
	state    PromiseState
	mu       sync.Mutex
}

// NewPromise creates a pending promise, bound to l.
func (l *Loop) NewPromise() (*Promise, ResolveFunc, RejectFunc) {
	p := &Promise{
		loop: l,
		done: make(chan struct{}),
	}
	return p, p.resolve, p.reject
}

// State returns the current [PromiseState].
func (p *Promise) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result returns the settled value and error. Both are nil while pending.
func (p *Promise) Result() (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Done returns a channel that is closed once the promise settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Then registers fn to be called, on the loop goroutine, once the promise
// settles. Exactly one of the arguments is meaningful, depending on whether
// err is nil. Handlers run in registration order.
func (p *Promise) Then(fn func(Result, error)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	if p.state == Pending {
		p.handlers = append(p.handlers, fn)
		p.mu.Unlock()
		return
	}
	value, err := p.value, p.err
	p.mu.Unlock()
	p.schedule([]func(Result, error){fn}, value, err)
}

func (p *Promise) resolve(value Result) {
	p.settle(Resolved, value, nil)
}

func (p *Promise) reject(err error) {
	p.settle(Rejected, nil, err)
}

func (p *Promise) settle(state PromiseState, value Result, err error) {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return
	}
	p.state = state
	p.value = value
	p.err = err
	handlers := p.handlers
	p.handlers = nil
	close(p.done)
	p.mu.Unlock()

	if len(handlers) != 0 {
		p.schedule(handlers, value, err)
	}
}

func (p *Promise) schedule(handlers []func(Result, error), value Result, err error) {
	run := func() {
		for _, h := range handlers {
			p.loop.safeExecute(func() { h(value, err) })
		}
	}
	if submitErr := p.loop.SubmitInternal(run); submitErr != nil {
		// Fallback: loop terminated, run directly
		run()
	}
}
