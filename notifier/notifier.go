// Package notifier publishes notifications, fire and forget, via a
// driver.Driver.
//
// Notifications are batched, optionally rate limited per event type, and
// sent to the topic "<prefix>.<level>", e.g. notifications.info, wrapped in
// the driver's envelope.
package notifier

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/logiface"
)

// TimestampFormat is the layout of the timestamp field, always UTC.
const TimestampFormat = "2006-01-02 15:04:05.000000"

var (
	// ErrClosed is returned by Notify after Close.
	ErrClosed = errors.New("notifier: closed")

	// ErrRateLimited is returned by Notify when the event type exceeded its
	// rate limit.
	ErrRateLimited = errors.New("notifier: rate limited")
)

var (
	timeNow      = time.Now
	newMessageID = uuid.New
)

// Notification is a single published event.
type Notification struct {
	Payload     any
	Timestamp   time.Time
	PublisherID string
	EventType   string
	Priority    Level
	MessageID   uuid.UUID
}

// Message returns the notification's wire form.
func (n *Notification) Message() driver.Message {
	return driver.Message{
		"message_id":   n.MessageID.String(),
		"publisher_id": n.PublisherID,
		"event_type":   n.EventType,
		"priority":     n.Priority.String(),
		"payload":      n.Payload,
		"timestamp":    n.Timestamp.UTC().Format(TimestampFormat),
	}
}

// pending is a notification queued for sending.
type pending struct {
	msgCtx       driver.Context
	notification Notification
}

// Notifier publishes notifications. It must be constructed with New, and
// closed with Close.
type Notifier struct {
	driver  driver.Driver
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	batcher *microbatch.Batcher[*pending]
	config  config
	closed  atomic.Bool
}

// New constructs a Notifier sending via d. It panics if d is nil.
func New(d driver.Driver, opts ...Option) *Notifier {
	if d == nil {
		panic(`notifier: nil driver`)
	}

	c := config{
		topic: DefaultTopic,
		level: LevelInfo,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.publisherID == "" {
		c.publisherID = DefaultPublisherID()
	}

	n := &Notifier{
		driver: d,
		logger: c.logger,
		config: c,
	}
	if c.rateLimit > 0 {
		n.limiter = catrate.NewLimiter(map[time.Duration]int{time.Second: c.rateLimit})
	}
	// one batch at a time, keeping submission order
	batchConfig := microbatch.BatcherConfig{
		MaxSize:        c.batchSize,
		FlushInterval:  c.flushInterval,
		MaxConcurrency: 1,
	}
	if batchConfig.MaxSize < 0 && batchConfig.FlushInterval < 0 {
		batchConfig.MaxSize = 1
	}
	n.batcher = microbatch.NewBatcher(&batchConfig, n.send)

	return n
}

// DefaultPublisherID returns the host name, or "localhost" if it is unknown.
func DefaultPublisherID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "localhost"
}

// PublisherID returns the publisher id stamped on notifications.
func (n *Notifier) PublisherID() string { return n.config.publisherID }

// DefaultLevel returns the level used by Emit and Decorate.
func (n *Notifier) DefaultLevel() Level { return n.config.level }

// Topic returns the topic notifications at level are sent to.
func (n *Notifier) Topic(level Level) string {
	return n.config.topic + "." + strings.ToLower(level.String())
}

// Notify queues a notification. The request context, if any, is taken from
// ctx, see driver.FromContext. Errors are returned only if the notification
// was rejected locally, failures to send are logged.
func (n *Notifier) Notify(ctx context.Context, eventType string, payload any, level Level) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if n.limiter != nil {
		if next, ok := n.limiter.Allow(eventType); !ok {
			n.logger.Debug().
				Str("event_type", eventType).
				Time("next", next).
				Log("notifier: rate limited")
			return ErrRateLimited
		}
	}

	msgCtx, _ := driver.FromContext(ctx)
	item := &pending{
		msgCtx: msgCtx,
		notification: Notification{
			MessageID:   newMessageID(),
			PublisherID: n.config.publisherID,
			EventType:   eventType,
			Priority:    level,
			Payload:     payload,
			Timestamp:   timeNow().UTC(),
		},
	}
	if _, err := n.batcher.Submit(ctx, item); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrClosed
	}
	return nil
}

// Emit is Notify at the default level.
func (n *Notifier) Emit(ctx context.Context, eventType string, payload any) error {
	return n.Notify(ctx, eventType, payload, n.config.level)
}

// Decorate wraps fn, emitting a notification of type name, with the payload
// {"args": [arg]}, before each call. Failures to notify are logged, and do
// not prevent the call.
func Decorate[A, R any](n *Notifier, name string, fn func(ctx context.Context, arg A) (R, error)) func(ctx context.Context, arg A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		if err := n.Emit(ctx, name, map[string]any{"args": []any{arg}}); err != nil {
			n.logger.Warning().
				Err(err).
				Str("event_type", name).
				Log("notifier: failed to notify")
		}
		return fn(ctx, arg)
	}
}

// Close stops accepting notifications, then waits for those queued to be
// sent. If ctx is done first, sends in flight are cancelled, and ctx.Err()
// is returned.
func (n *Notifier) Close(ctx context.Context) error {
	n.closed.Store(true)
	return n.batcher.Shutdown(ctx)
}

// send is the batch processor. Failures are logged per notification, and
// never fail the batch, as nothing waits on the result.
func (n *Notifier) send(ctx context.Context, items []*pending) error {
	for _, item := range items {
		target := driver.Target{Topic: n.Topic(item.notification.Priority)}
		_, err := n.driver.Send(ctx, target, item.msgCtx, item.notification.Message(), driver.SendOptions{Envelope: true})
		if err != nil {
			n.logger.Err().
				Err(err).
				Str("event_type", item.notification.EventType).
				Str("message_id", item.notification.MessageID.String()).
				Log("notifier: failed to send notification")
		}
	}
	n.logger.Debug().
		Int("count", len(items)).
		Log("notifier: sent batch")
	return nil
}
