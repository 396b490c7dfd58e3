package executor

import (
	"github.com/joeycumines/go-messaging/driver"
)

// Strategy identifies how the executor acquires messages from a listener.
type Strategy int

const (
	// StrategyBlocking offloads the blocking Poll to a worker pool, one call
	// at a time. Every listener supports it.
	StrategyBlocking Strategy = iota
	// StrategyDescriptor drains a non-blocking Poll, then waits for the
	// listener's fd to become readable.
	StrategyDescriptor
	// StrategyAsync waits on PollAsync promises.
	StrategyAsync
)

// String returns the strategy's name.
func (s Strategy) String() string {
	switch s {
	case StrategyBlocking:
		return "blocking"
	case StrategyDescriptor:
		return "descriptor"
	case StrategyAsync:
		return "async"
	default:
		return "unknown"
	}
}

// SelectStrategy returns the strategy used for l, preferring async, then
// descriptor, then blocking.
func SelectStrategy(l driver.Listener) Strategy {
	if _, ok := l.(driver.AsyncListener); ok {
		return StrategyAsync
	}
	if _, ok := l.(driver.DescriptorListener); ok {
		return StrategyDescriptor
	}
	return StrategyBlocking
}
