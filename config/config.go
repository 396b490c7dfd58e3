// Package config loads the TOML configuration of an executor process.
//
// Example:
//
//	[transport]
//	url = "memory://?capability=async"
//	topic = "compute"
//
//	[executor]
//	pool_size = 8
//	drain_budget = 64
//	wait_timeout = "30s"
//
//	[notifier]
//	default_notification_level = "INFO"
//	default_publisher_id = "$host"
//	topic = "notifications"
//	batch_size = 16
//	flush_interval = "50ms"
//	rate_limit = 100
//
//	[log]
//	level = "info"
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-messaging/notifier"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

// HostVariable is replaced by the host name in the publisher id.
const HostVariable = "$host"

type (
	// Config is the root of the configuration file.
	Config struct {
		Transport TransportConfig `toml:"transport"`
		Log       LogConfig       `toml:"log"`
		Notifier  NotifierConfig  `toml:"notifier"`
		Executor  ExecutorConfig  `toml:"executor"`
	}

	// TransportConfig selects the driver, and the target to listen on.
	TransportConfig struct {
		// URL is passed to driver.Open, its scheme selects the driver.
		URL      string `toml:"url"`
		Exchange string `toml:"exchange"`
		Topic    string `toml:"topic"`
		Server   string `toml:"server"`
	}

	// ExecutorConfig configures the executor, see ExecutorConfig.Options.
	ExecutorConfig struct {
		PoolSize    int `toml:"pool_size"`
		DrainBudget int `toml:"drain_budget"`
		// WaitTimeout bounds how long to wait for handlers, on shutdown.
		WaitTimeout Duration `toml:"wait_timeout"`
	}

	// NotifierConfig configures the notifier, see NotifierConfig.Options.
	NotifierConfig struct {
		PublisherID   string         `toml:"default_publisher_id"`
		Topic         string         `toml:"topic"`
		FlushInterval Duration       `toml:"flush_interval"`
		DefaultLevel  notifier.Level `toml:"default_notification_level"`
		BatchSize     int            `toml:"batch_size"`
		RateLimit     int            `toml:"rate_limit"`
		Disabled      bool           `toml:"disabled"`
	}

	// LogConfig configures logging, see LogConfig.Logger.
	LogConfig struct {
		// Level is a syslog keyword, e.g. info, warning, err, or disabled.
		Level string `toml:"level"`
	}

	// Duration is a time.Duration, encoded as a string, e.g. "1m30s".
	Duration time.Duration
)

// Default returns the configuration used for anything not set by a file.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			URL:   "memory://",
			Topic: "executor",
		},
		Executor: ExecutorConfig{
			DrainBudget: 64,
			WaitTimeout: Duration(30 * time.Second),
		},
		Notifier: NotifierConfig{
			PublisherID:   HostVariable,
			Topic:         notifier.DefaultTopic,
			FlushInterval: Duration(50 * time.Millisecond),
			DefaultLevel:  notifier.LevelInfo,
			BatchSize:     16,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the file at path over Default, then expands and validates it.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return c.finish(md)
}

// Decode is Load, reading from r.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return c.finish(md)
}

func (c *Config) finish(md toml.MetaData) (*Config, error) {
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys: %s", ErrInvalid, strings.Join(keys, ", "))
	}
	c.Expand()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Expand substitutes variables, currently only HostVariable, in the
// publisher id.
func (c *Config) Expand() {
	if strings.Contains(c.Notifier.PublisherID, HostVariable) {
		c.Notifier.PublisherID = strings.ReplaceAll(c.Notifier.PublisherID, HostVariable, notifier.DefaultPublisherID())
	}
}

// Validate returns every problem found, each wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Transport.URL == "" {
		invalid("transport.url is required")
	} else if u, err := url.Parse(c.Transport.URL); err != nil {
		invalid("transport.url: %v", err)
	} else if u.Scheme == "" {
		invalid("transport.url %q has no scheme", c.Transport.URL)
	}
	if c.Transport.Topic == "" {
		invalid("transport.topic is required")
	}

	if c.Executor.PoolSize < 0 {
		invalid("executor.pool_size must not be negative")
	}
	if c.Executor.DrainBudget < 0 {
		invalid("executor.drain_budget must not be negative")
	}
	if c.Executor.WaitTimeout < 0 {
		invalid("executor.wait_timeout must not be negative")
	}

	if c.Notifier.Topic == "" {
		invalid("notifier.topic is required")
	}
	if c.Notifier.RateLimit < 0 {
		invalid("notifier.rate_limit must not be negative")
	}

	if _, err := parseLogLevel(c.Log.Level); err != nil {
		invalid("log.level: %v", err)
	}

	return errors.Join(errs...)
}

// UnmarshalText implements encoding.TextUnmarshaler, via time.ParseDuration.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
