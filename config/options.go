package config

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/go-messaging/executor"
	"github.com/joeycumines/go-messaging/notifier"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Open opens the configured driver, see driver.Open.
func (c TransportConfig) Open(ctx context.Context) (driver.Driver, error) {
	return driver.Open(ctx, c.URL)
}

// Target returns the target to listen on.
func (c TransportConfig) Target() driver.Target {
	return driver.Target{
		Exchange: c.Exchange,
		Topic:    c.Topic,
		Server:   c.Server,
	}
}

// Options translates c to executor options. The logger is not included.
func (c ExecutorConfig) Options() []executor.Option {
	return []executor.Option{
		executor.WithPoolSize(c.PoolSize),
		executor.WithDrainBudget(c.DrainBudget),
	}
}

// Options translates c to notifier options. The logger is not included.
func (c NotifierConfig) Options() []notifier.Option {
	return []notifier.Option{
		notifier.WithPublisherID(c.PublisherID),
		notifier.WithDefaultLevel(c.DefaultLevel),
		notifier.WithTopic(c.Topic),
		notifier.WithBatch(c.BatchSize, c.FlushInterval.Std()),
		notifier.WithRateLimit(c.RateLimit),
	}
}

// Logger returns a JSON logger writing to w, at the configured level. It
// returns nil, which disables logging, for the level "disabled".
func (c LogConfig) Logger(w io.Writer) (*logiface.Logger[logiface.Event], error) {
	level, err := parseLogLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if !level.Enabled() {
		return nil, nil
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger(), nil
}

// parseLogLevel accepts the syslog keywords, as logiface.Level.String
// returns them, plus common aliases.
func parseLogLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return logiface.LevelDisabled, nil
	case "emerg", "emergency", "panic":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "info", "informational", "":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
