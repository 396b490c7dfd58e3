package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
)

// Capability selects which optional listener interfaces the driver's
// listeners implement. Every listener supports blocking polls.
type Capability uint8

const (
	// CapabilityBlocking is the baseline, listeners implement only
	// driver.Listener.
	CapabilityBlocking Capability = 0
	// CapabilityAsync makes listeners implement driver.AsyncListener.
	CapabilityAsync Capability = 1
	// CapabilityDescriptor makes listeners implement driver.DescriptorListener.
	CapabilityDescriptor Capability = 2
)

// String returns a comma separated list of capabilities.
func (c Capability) String() string {
	if c == CapabilityBlocking {
		return "blocking"
	}
	var parts []string
	if c&CapabilityAsync != 0 {
		parts = append(parts, "async")
	}
	if c&CapabilityDescriptor != 0 {
		parts = append(parts, "descriptor")
	}
	return strings.Join(parts, ",")
}

// ParseCapability parses a comma separated list of async, descriptor and
// blocking.
func ParseCapability(s string) (Capability, error) {
	var c Capability
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "", "blocking":
		case "async":
			c |= CapabilityAsync
		case "descriptor":
			c |= CapabilityDescriptor
		default:
			return 0, fmt.Errorf("memory: unknown capability %q", part)
		}
	}
	return c, nil
}

// Option configures a Driver.
type Option func(*options)

type options struct {
	logger          *logiface.Logger[logiface.Event]
	defaultExchange string
	replyTimeout    time.Duration
	capability      Capability
}

// WithCapability sets the listener capability profile, CapabilityBlocking by
// default.
func WithCapability(c Capability) Option {
	return func(o *options) {
		o.capability = c
	}
}

// WithDefaultExchange sets the exchange used for targets that do not
// specify one.
func WithDefaultExchange(exchange string) Option {
	return func(o *options) {
		o.defaultExchange = exchange
	}
}

// WithReplyTimeout sets how long Send waits for a reply, when the caller
// does not specify a timeout. Defaults to 60s.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.replyTimeout = d
		}
	}
}

// WithLogger attaches a structured logger to the driver.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(o *options) {
		o.logger = logger
	}
}
