// Package memory implements an in-process transport driver, registered
// under the "memory" URL scheme.
//
// Each topic is a queue of competing consumers: a message sent to a topic
// is delivered to exactly one of its listeners, round robin, or to every
// listener for fanout targets. Messages sent before any listener exists
// are held until one is created.
//
// The URL query may set the listener capability profile and the default
// exchange, e.g. memory://?capability=async,descriptor&exchange=demo.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/logiface"
)

// Scheme is the URL scheme the driver is registered under.
const Scheme = "memory"

// DefaultReplyTimeout bounds how long Send waits for a reply, by default.
const DefaultReplyTimeout = 60 * time.Second

const (
	// EnvelopeVersion is the version stamped on enveloped messages.
	EnvelopeVersion = "2.0"
	// EnvelopeVersionKey and EnvelopeMessageKey are the keys of an envelope.
	EnvelopeVersionKey = "oslo.version"
	EnvelopeMessageKey = "oslo.message"
)

// ErrReplyTimeout is returned by Send when no reply arrived in time.
var ErrReplyTimeout = errors.New("memory: timed out waiting for reply")

func init() {
	driver.Register(Scheme, Open)
}

// Driver is the in-memory transport.
type Driver struct {
	logger    *logiface.Logger[logiface.Event]
	listeners []*Listener
	// retired listeners are closed, their fds are released on Close
	retired []*Listener
	// backlog holds messages for topics without listeners
	backlog map[string]*queue.Queue
	// rr is the round robin cursor, per topic
	rr   map[string]int
	sent []*Message
	opts options
	mu   sync.Mutex
	// closed is guarded by mu
	closed bool
}

var _ driver.Driver = (*Driver)(nil)

// New constructs a driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		backlog: make(map[string]*queue.Queue),
		rr:      make(map[string]int),
		opts: options{
			replyTimeout: DefaultReplyTimeout,
		},
	}
	for _, opt := range opts {
		opt(&d.opts)
	}
	d.logger = d.opts.logger
	return d
}

// Open is the driver.Factory for the memory scheme.
func Open(ctx context.Context, u *url.URL) (driver.Driver, error) {
	query := u.Query()
	var opts []Option
	if v := query.Get("capability"); v != "" {
		c, err := ParseCapability(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCapability(c))
	}
	if v := query.Get("exchange"); v != "" {
		opts = append(opts, WithDefaultExchange(v))
	}
	if v := query.Get("reply_timeout"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("memory: invalid reply_timeout: %w", err)
		}
		opts = append(opts, WithReplyTimeout(timeout))
	}
	return New(opts...), nil
}

// Capability returns the listener capability profile.
func (d *Driver) Capability() Capability {
	return d.opts.capability
}

// Sent returns every message sent via this driver, in order.
func (d *Driver) Sent() []*Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sent)
}

func topicKey(t driver.Target) string {
	return t.Exchange + "/" + t.Topic
}

// Listen constructs a listener for target. Target.Server, if set, makes the
// listener eligible for messages addressed to that server.
func (d *Driver) Listen(ctx context.Context, target driver.Target) (driver.Listener, error) {
	target = target.WithExchange(d.opts.defaultExchange)

	l, err := newListener(d, target, d.opts.capability&CapabilityDescriptor != 0)
	if err != nil {
		return nil, fmt.Errorf("memory: listen %s: %w", target, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		l.close()
		return nil, driver.ErrClosed
	}
	d.listeners = append(d.listeners, l)
	var backlog []*Message
	if q := d.backlog[topicKey(target)]; q != nil {
		keep := queue.New()
		for q.Length() != 0 {
			msg := q.Remove().(*Message)
			if msg.target.Server != "" && msg.target.Server != target.Server {
				keep.Add(msg)
				continue
			}
			backlog = append(backlog, msg)
		}
		if keep.Length() == 0 {
			delete(d.backlog, topicKey(target))
		} else {
			d.backlog[topicKey(target)] = keep
		}
	}
	d.mu.Unlock()

	for _, msg := range backlog {
		l.deliver(msg)
	}

	d.logger.Debug().
		Str("target", target.String()).
		Stringer("capability", d.opts.capability).
		Int("backlog", len(backlog)).
		Log("memory: listening")

	return l.wrap(d.opts.capability), nil
}

// Send delivers message to target, see driver.Driver.
func (d *Driver) Send(ctx context.Context, target driver.Target, msgCtx driver.Context, message driver.Message, opts driver.SendOptions) (any, error) {
	target = target.WithExchange(d.opts.defaultExchange)

	if opts.Envelope {
		message = driver.Message{
			EnvelopeVersionKey: EnvelopeVersion,
			EnvelopeMessageKey: message,
		}
	}

	msg := &Message{
		id:      uuid.New(),
		ctx:     msgCtx,
		payload: message,
		target:  target,
	}
	if opts.WaitForReply {
		msg.replyCh = make(chan replyEnvelope, 1)
	}

	if err := d.route(msg); err != nil {
		return nil, err
	}

	d.logger.Debug().
		Str("target", target.String()).
		Str("message_id", msg.id.String()).
		Bool("wait_for_reply", opts.WaitForReply).
		Log("memory: sent")

	if !opts.WaitForReply {
		return nil, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.opts.replyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-msg.replyCh:
		if reply.failure != nil {
			return nil, driver.NewRemoteError(reply.failure)
		}
		return reply.value, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrReplyTimeout, target, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Driver) route(msg *Message) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return driver.ErrClosed
	}

	d.sent = append(d.sent, msg)

	key := topicKey(msg.target)
	var candidates []*Listener
	for _, l := range d.listeners {
		if topicKey(l.target) != key {
			continue
		}
		if !msg.target.Fanout && msg.target.Server != "" && l.target.Server != msg.target.Server {
			continue
		}
		candidates = append(candidates, l)
	}

	var recipients []*Listener
	switch {
	case len(candidates) == 0:
		if !msg.target.Fanout {
			q := d.backlog[key]
			if q == nil {
				q = queue.New()
				d.backlog[key] = q
			}
			q.Add(msg)
		}
	case msg.target.Fanout:
		recipients = candidates
	default:
		i := d.rr[key] % len(candidates)
		d.rr[key] = i + 1
		recipients = candidates[i : i+1]
	}
	d.mu.Unlock()

	for _, l := range recipients {
		l.deliver(msg)
	}
	return nil
}

func (d *Driver) removeListener(l *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = slices.DeleteFunc(d.listeners, func(v *Listener) bool { return v == l })
	if d.closed {
		l.release()
		return
	}
	d.retired = append(d.retired, l)
}

// Close closes every listener, releasing their descriptors, and rejects
// further use.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	listeners := d.listeners
	d.listeners = nil
	retired := d.retired
	d.retired = nil
	clear(d.backlog)
	d.mu.Unlock()

	for _, l := range listeners {
		l.close()
		l.release()
	}
	for _, l := range retired {
		l.release()
	}
	return nil
}
