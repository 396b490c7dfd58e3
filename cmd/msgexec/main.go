// Command msgexec runs an echo handler over a transport, sends it a number
// of requests, and reports how many were replied to, or failed.
//
//	msgexec --strategy descriptor --messages 1000 --fail-every 10
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/joeycumines/go-messaging/config"
	"github.com/joeycumines/go-messaging/driver"
	"github.com/joeycumines/go-messaging/driver/memory"
	"github.com/joeycumines/go-messaging/executor"
	"github.com/joeycumines/go-messaging/notifier"
	"github.com/joeycumines/logiface"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// maxInflight bounds concurrent requests.
const maxInflight = 16

var errInjected = errors.New("msgexec: injected failure")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "msgexec: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	strategy   string
	logLevel   string
	messages   int
	failEvery  int
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	var o options
	fs := flag.NewFlagSet("msgexec", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&o.configPath, "config", "c", "", "TOML configuration file")
	fs.StringVarP(&o.strategy, "strategy", "s", "", "Listener capability of the memory transport: async, descriptor or blocking")
	fs.IntVarP(&o.messages, "messages", "n", 100, "Number of requests to send")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level, overriding the configuration")
	fs.IntVar(&o.failEvery, "fail-every", 0, "Fail every Nth request, 0 to disable")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.messages < 0 || o.failEvery < 0 {
		return nil, errors.New("--messages and --fail-every must not be negative")
	}
	return &o, nil
}

func loadConfig(o *options) (*config.Config, error) {
	var cfg *config.Config
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		cfg.Expand()
	}

	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	if o.strategy != "" {
		capability, err := memory.ParseCapability(o.strategy)
		if err != nil {
			return nil, err
		}
		u, err := url.Parse(cfg.Transport.URL)
		if err != nil {
			return nil, err
		}
		if u.Scheme != memory.Scheme {
			return nil, fmt.Errorf("--strategy requires the %s transport, got %s", memory.Scheme, u.Scheme)
		}
		q := u.Query()
		q.Set("capability", capability.String())
		u.RawQuery = q.Encode()
		cfg.Transport.URL = u.String()
	}

	return cfg, cfg.Validate()
}

type report struct {
	strategy executor.Strategy
	sent     atomic.Int64
	replied  atomic.Int64
	failed   atomic.Int64
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	logger, err := cfg.Log.Logger(stderr)
	if err != nil {
		return err
	}

	d, err := cfg.Transport.Open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	listener, err := d.Listen(ctx, cfg.Transport.Target())
	if err != nil {
		return err
	}

	var n *notifier.Notifier
	if !cfg.Notifier.Disabled {
		n = notifier.New(d, append(cfg.Notifier.Options(), notifier.WithLogger(logger))...)
	}

	e, err := executor.New(listener, newHandler(n, o.failEvery), append(cfg.Executor.Options(), executor.WithLogger(logger))...)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}

	rep := report{strategy: e.Strategy()}
	emit(ctx, n, logger, "msgexec.start", map[string]any{"strategy": rep.strategy.String(), "messages": o.messages})

	sendErr := sendAll(ctx, d, cfg.Transport.Target(), o.messages, &rep)

	e.Stop()
	waitCtx := ctx
	if timeout := cfg.Executor.WaitTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
	}
	waitErr := e.Wait(waitCtx)

	fmt.Fprintf(stdout, "strategy=%s sent=%d replied=%d failed=%d\n", rep.strategy, rep.sent.Load(), rep.replied.Load(), rep.failed.Load())

	emit(ctx, n, logger, "msgexec.stop", map[string]any{
		"sent":    rep.sent.Load(),
		"replied": rep.replied.Load(),
		"failed":  rep.failed.Load(),
	})
	var closeErr error
	if n != nil {
		closeErr = n.Close(waitCtx)
	}

	return errors.Join(sendErr, waitErr, e.Err(), closeErr, listener.Close())
}

// newHandler returns the echo handler. Calls are notified, if n is non-nil.
func newHandler(n *notifier.Notifier, failEvery int) executor.Handler {
	var count atomic.Int64
	echo := func(ctx context.Context, message driver.Message) (any, error) {
		if i := count.Add(1); failEvery > 0 && i%int64(failEvery) == 0 {
			return nil, fmt.Errorf("%w: request %d", errInjected, i)
		}
		return driver.Message{"echo": message}, nil
	}
	if n != nil {
		echo = notifier.Decorate(n, "msgexec.echo", echo)
	}
	return func(ctx context.Context, msgCtx driver.Context, message driver.Message) (any, error) {
		return echo(ctx, message)
	}
}

func sendAll(ctx context.Context, d driver.Driver, target driver.Target, count int, rep *report) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInflight)
	for i := range count {
		g.Go(func() error {
			rep.sent.Add(1)
			reply, err := d.Send(ctx, target, driver.Context{"request": i}, driver.Message{"i": i}, driver.SendOptions{WaitForReply: true})
			var remote *driver.RemoteError
			switch {
			case errors.As(err, &remote):
				rep.failed.Add(1)
				return nil
			case err != nil:
				return fmt.Errorf("request %d: %w", i, err)
			}
			if _, ok := reply.(driver.Message); !ok {
				return fmt.Errorf("request %d: unexpected reply %#v", i, reply)
			}
			rep.replied.Add(1)
			return nil
		})
	}
	return g.Wait()
}

func emit(ctx context.Context, n *notifier.Notifier, logger *logiface.Logger[logiface.Event], eventType string, payload any) {
	if n == nil {
		return
	}
	if err := n.Emit(ctx, eventType, payload); err != nil {
		logger.Warning().
			Err(err).
			Str("event_type", eventType).
			Log("msgexec: failed to notify")
	}
}
