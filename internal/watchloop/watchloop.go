// Package watchloop keeps a resource watch open for the lifetime of a
// context. The watch is torn down and re-opened every refresh interval, and
// registration failures are retried after a fixed delay until the context
// ends.
package watchloop

import (
	"context"
	"errors"
	"time"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultRefresh is used when Config.Refresh is zero.
	DefaultRefresh = 20 * time.Minute
	// DefaultRetryDelay is used when Config.RetryDelay is zero.
	DefaultRetryDelay = 5 * time.Second
)

// OpenFunc opens a watch.
type OpenFunc func(ctx context.Context) (resource.Watcher, error)

// Config configures Run.
type Config struct {
	// Name is logged with every loop event.
	Name       string
	Open       OpenFunc
	Refresh    time.Duration
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     pslog.Logger
	// OnEvent is invoked sequentially for every event of the current watch.
	OnEvent func(ctx context.Context, ev resource.Event)
}

// Run consumes watch events until ctx is cancelled. It always returns
// ctx.Err() once the context ends, or an error for an invalid config.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Open == nil || cfg.OnEvent == nil {
		return errors.New("watchloop: open and event callbacks are required")
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultRefresh
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	clk := clock.OrReal(cfg.Clock)
	logger := svcfields.WithSubsystem(cfg.Logger, "watch.loop").With("watch", cfg.Name)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, err := cfg.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("watch.register.failed", "error", err, "retry_in", cfg.RetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(cfg.RetryDelay):
			}
			continue
		}
		logger.Debug("watch.register.success", "refresh", cfg.Refresh)
		reason := consume(ctx, w, clk.After(cfg.Refresh), cfg.OnEvent)
		w.Stop()
		switch reason {
		case stopCancelled:
			logger.Debug("watch.stopped")
			return ctx.Err()
		case stopClosed:
			logger.Info("watch.closed", "retry_in", cfg.RetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(cfg.RetryDelay):
			}
		default:
			logger.Trace("watch.refresh")
		}
	}
}

type stopReason int

const (
	stopRefresh stopReason = iota
	stopClosed
	stopCancelled
)

func consume(ctx context.Context, w resource.Watcher, refresh <-chan time.Time, fn func(context.Context, resource.Event)) stopReason {
	events := w.ResultChan()
	for {
		select {
		case <-ctx.Done():
			return stopCancelled
		case <-refresh:
			return stopRefresh
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return stopCancelled
				}
				return stopClosed
			}
			fn(ctx, ev)
		}
	}
}
