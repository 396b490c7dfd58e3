package driver

import (
	"strings"
)

// Target identifies where a message is sent, or listened for.
type Target struct {
	// Exchange scopes the topic, empty meaning the driver's default.
	Exchange string
	// Topic is the queue of competing consumers.
	Topic string
	// Server, if set, addresses a single listener on the topic.
	Server string
	// Fanout delivers to every listener on the topic.
	Fanout bool
}

// String formats the target as exchange/topic.server, omitting empty parts,
// with a trailing "(fanout)" for fanout targets.
func (t Target) String() string {
	var b strings.Builder
	if t.Exchange != "" {
		b.WriteString(t.Exchange)
		b.WriteByte('/')
	}
	b.WriteString(t.Topic)
	if t.Server != "" {
		b.WriteByte('.')
		b.WriteString(t.Server)
	}
	if t.Fanout {
		b.WriteString(" (fanout)")
	}
	return b.String()
}

// WithExchange returns a copy of t, with the exchange defaulted.
func (t Target) WithExchange(exchange string) Target {
	if t.Exchange == "" {
		t.Exchange = exchange
	}
	return t
}
