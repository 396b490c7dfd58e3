package executor

import (
	"github.com/joeycumines/go-messaging/eventloop"
	"github.com/joeycumines/logiface"
)

// DefaultDrainBudget is how many messages the descriptor strategy accepts
// per loop turn, before yielding.
const DefaultDrainBudget = 64

type (
	// Option configures an Executor, see New.
	Option interface {
		applyOption(c *config)
	}

	config struct {
		logger      *logiface.Logger[logiface.Event]
		loop        *eventloop.Loop
		poolSize    int
		drainBudget int
	}

	optionFunc func(c *config)
)

func (x optionFunc) applyOption(c *config) { x(c) }

// WithLoop runs the executor on loop, which the caller is responsible for
// running, and shutting down. By default, the executor creates and runs its
// own loop, shutting it down in Wait.
func WithLoop(loop *eventloop.Loop) Option {
	return optionFunc(func(c *config) {
		c.loop = loop
	})
}

// WithPoolSize limits the worker pool used by the blocking strategy.
// Values <= 0 use eventloop.DefaultPoolSize.
func WithPoolSize(n int) Option {
	return optionFunc(func(c *config) {
		c.poolSize = n
	})
}

// WithDrainBudget sets how many messages the descriptor strategy accepts
// before yielding to other work on the loop. Values <= 0 use
// DefaultDrainBudget.
func WithDrainBudget(n int) Option {
	return optionFunc(func(c *config) {
		c.drainBudget = n
	})
}

// WithLogger configures structured logging. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(c *config) {
		c.logger = logger
	})
}
