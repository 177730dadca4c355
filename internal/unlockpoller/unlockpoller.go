// Package unlockpoller releases locks whose protected operation has ended.
// It watches every LOCKED lock record and polls the protected resource until
// it reaches a terminal state or disappears, then unlocks with the version it
// observed. It does not depend on the process that took the lock being alive.
package unlockpoller

import (
	"context"
	"errors"
	"time"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/lockmgr"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/svcfields"
	"pkt.systems/brokerd/internal/tickset"
	"pkt.systems/brokerd/internal/watchloop"
	"pkt.systems/pslog"
)

// DefaultInterval is the poll cadence when Config.Interval is zero.
const DefaultInterval = time.Minute

// Store is the subset of the resource store the unlock poller needs.
type Store interface {
	Get(ctx context.Context, ref resource.Ref) (*resource.Resource, error)
	Watch(ctx context.Context, group, kind string, states ...string) (resource.Watcher, error)
}

// Locks is the subset of the lock manager the unlock poller needs.
// *lockmgr.Manager satisfies it.
type Locks interface {
	Policy() lockmgr.Policy
	Unlock(ctx context.Context, resourceID, handle string) error
}

// Config wires a Poller.
type Config struct {
	Store      Store
	Locks      Locks
	Interval   time.Duration
	Refresh    time.Duration
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Poller runs one ticker per live lock.
type Poller struct {
	store      Store
	locks      Locks
	interval   time.Duration
	refresh    time.Duration
	retryDelay time.Duration
	clock      clock.Clock
	logger     pslog.Logger
	ticks      *tickset.Set[string]
}

// New returns a Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Store == nil {
		return nil, errors.New("unlockpoller: store is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("unlockpoller: lock manager is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	clk := clock.OrReal(cfg.Clock)
	return &Poller{
		store:      cfg.Store,
		locks:      cfg.Locks,
		interval:   cfg.Interval,
		refresh:    cfg.Refresh,
		retryDelay: cfg.RetryDelay,
		clock:      clk,
		logger:     svcfields.WithSubsystem(cfg.Logger, "unlock.poller"),
		ticks:      tickset.New[string](clk),
	}, nil
}

// Run watches lock records until ctx ends, then stops every ticker.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("unlock.poller.start", "interval", p.interval)
	defer func() {
		p.ticks.StopAll()
		p.ticks.Wait()
		p.logger.Info("unlock.poller.stop")
	}()
	return watchloop.Run(ctx, watchloop.Config{
		Name: lockmgr.Group + "/" + lockmgr.Kind,
		Open: func(ctx context.Context) (resource.Watcher, error) {
			return p.store.Watch(ctx, lockmgr.Group, lockmgr.Kind, lockmgr.StateLocked)
		},
		Refresh:    p.refresh,
		RetryDelay: p.retryDelay,
		Clock:      p.clock,
		Logger:     p.logger,
		OnEvent:    p.handleEvent,
	})
}

// Tracking reports whether a ticker is running for the lock on resourceID.
func (p *Poller) Tracking(resourceID string) bool {
	return p.ticks.Has(resourceID)
}

// Len returns the number of running tickers.
func (p *Poller) Len() int { return p.ticks.Len() }

func (p *Poller) handleEvent(ctx context.Context, ev resource.Event) {
	if ev.Object == nil {
		return
	}
	id := ev.Object.ID
	if ev.Type == resource.EventDeleted {
		if p.ticks.Stop(id) {
			p.logger.Debug("unlock.poller.lock_gone", "resource_id", id)
		}
		return
	}
	l, err := lockmgr.FromResource(ev.Object)
	if err != nil {
		p.logger.Warn("unlock.poller.decode_failed", "resource_id", id, "error", err)
		return
	}
	logger := p.logger.With("resource_id", id, "operation", l.Details.Operation, "target", l.Details.Ref().String())
	if l.Expired(p.clock.Now(), p.locks.Policy()) {
		p.ticks.Stop(id)
		logger.Debug("unlock.poller.already_expired", "lock_time", l.LockTime)
		return
	}
	logger.Debug("unlock.poller.track", "version", l.Version)
	p.ticks.Start(ctx, id, p.interval, func(tctx context.Context) bool {
		return p.tick(tctx, logger, l)
	})
}

func (p *Poller) tick(ctx context.Context, logger pslog.Logger, l *lockmgr.Lock) bool {
	if l.Expired(p.clock.Now(), p.locks.Policy()) {
		logger.Info("unlock.poller.expired", "lock_time", l.LockTime)
		return true
	}
	target, err := p.store.Get(ctx, l.Details.Ref())
	switch {
	case errors.Is(err, resource.ErrNotFound):
		logger.Info("unlock.poller.target_gone")
	case errors.Is(err, resource.ErrInvalidRef), errors.Is(err, resource.ErrInvalidSchema), errors.Is(err, resource.ErrSchemaNotRegistered):
		logger.Warn("unlock.poller.untrackable", "error", err)
		return true
	case err != nil:
		logger.Warn("unlock.poller.read_failed", "error", err)
		return false
	case !resource.IsTerminal(target.Status.State):
		logger.Trace("unlock.poller.target_active", "state", target.Status.State)
		return false
	default:
		logger.Info("unlock.poller.target_terminal", "state", target.Status.State)
	}
	err = p.locks.Unlock(ctx, l.ResourceID, l.Version)
	switch {
	case err == nil:
		logger.Info("unlock.poller.released")
		return true
	case errors.Is(err, lockmgr.ErrNotLocked), errors.Is(err, lockmgr.ErrHandleMismatch):
		logger.Debug("unlock.poller.superseded", "error", err)
		return true
	}
	logger.Warn("unlock.poller.unlock_failed", "error", err)
	return false
}
