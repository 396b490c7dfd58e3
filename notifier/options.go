package notifier

import (
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultTopic is the topic prefix notifications are sent to, suffixed with
// the lower case level, e.g. notifications.info.
const DefaultTopic = "notifications"

type (
	// Option configures a Notifier, see New.
	Option func(c *config)

	config struct {
		logger        *logiface.Logger[logiface.Event]
		publisherID   string
		topic         string
		level         Level
		batchSize     int
		flushInterval time.Duration
		rateLimit     int
	}
)

// WithPublisherID sets the publisher id stamped on every notification.
// Defaults to the host name.
func WithPublisherID(id string) Option {
	return func(c *config) {
		c.publisherID = id
	}
}

// WithDefaultLevel sets the level used by Emit and Decorate. Defaults to
// LevelInfo.
func WithDefaultLevel(level Level) Option {
	return func(c *config) {
		c.level = level
	}
}

// WithTopic sets the topic prefix, see DefaultTopic.
func WithTopic(topic string) Option {
	return func(c *config) {
		c.topic = topic
	}
}

// WithBatch configures batching: up to size notifications are sent
// together, and none waits longer than interval. Zero values use the
// defaults, 16 and 50ms. Negative values disable that limit, disabling both
// sends every notification on its own.
func WithBatch(size int, interval time.Duration) Option {
	return func(c *config) {
		c.batchSize = size
		c.flushInterval = interval
	}
}

// WithRateLimit limits notifications to perSecond, per event type. Values
// <= 0 disable rate limiting, the default.
func WithRateLimit(perSecond int) Option {
	return func(c *config) {
		c.rateLimit = perSecond
	}
}

// WithLogger configures structured logging. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *config) {
		c.logger = logger
	}
}
