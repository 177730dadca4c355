// Package engine dispatches watch events to operator handlers. For each
// resource entering one of a handler's states, exactly one process in the
// fleet claims the resource by writing its identity to the claimedBy
// annotation with a version-conditional patch, runs the handler, and then
// releases the claim.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/core"
	"pkt.systems/brokerd/internal/correlation"
	"pkt.systems/brokerd/internal/ident"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/svcfields"
	"pkt.systems/brokerd/internal/watchloop"
	"pkt.systems/pslog"
)

// ErrShutdown is returned by RegisterWatch after Shutdown.
var ErrShutdown = errors.New("engine: shut down")

// Store is the subset of the resource store the engine needs.
type Store interface {
	RegisterSchema(ctx context.Context, group, kind string) error
	Watch(ctx context.Context, group, kind string, states ...string) (resource.Watcher, error)
	PatchIfVersion(ctx context.Context, ref resource.Ref, version string, patch resource.Patch) (resource.PatchResult, error)
	Mutate(ctx context.Context, ref resource.Ref, fn func(*resource.Resource) (bool, error)) (*resource.Resource, error)
}

// Config wires an Engine.
type Config struct {
	Store Store
	// Identity is written to claimedBy. Defaults to ident.Process.
	Identity string
	// MaxInFlight bounds concurrently running handlers across all watches.
	// Zero means unbounded.
	MaxInFlight int
	// Refresh is the default watch refresh interval.
	Refresh time.Duration
	// RetryDelay is the delay between failed watch registrations.
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Watch describes one RegisterWatch call.
type Watch struct {
	Group   string
	Kind    string
	States  []string
	Handler Handler
	// Refresh overrides Config.Refresh for this watch.
	Refresh time.Duration
}

// Engine runs registered watches until Shutdown.
type Engine struct {
	store      Store
	identity   string
	refresh    time.Duration
	retryDelay time.Duration
	clock      clock.Clock
	logger     pslog.Logger
	metrics    *engineMetrics
	slots      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}

	watches  sync.WaitGroup
	handlers sync.WaitGroup
}

// New returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.MaxInFlight < 0 {
		return nil, fmt.Errorf("engine: max in-flight must be >= 0, got %d", cfg.MaxInFlight)
	}
	identity := strings.TrimSpace(cfg.Identity)
	if identity == "" {
		identity = ident.Process(context.Background())
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "engine")
	e := &Engine{
		store:      cfg.Store,
		identity:   identity,
		refresh:    cfg.Refresh,
		retryDelay: cfg.RetryDelay,
		clock:      clock.OrReal(cfg.Clock),
		logger:     logger,
		metrics:    newEngineMetrics(logger),
		inflight:   make(map[string]struct{}),
	}
	if cfg.MaxInFlight > 0 {
		e.slots = make(chan struct{}, cfg.MaxInFlight)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Identity returns the claimant identity of this engine.
func (e *Engine) Identity() string { return e.identity }

// RegisterSchema registers group/kind with the store. Callers treat an error
// as fatal at startup.
func (e *Engine) RegisterSchema(ctx context.Context, group, kind string) error {
	if err := e.store.RegisterSchema(ctx, group, kind); err != nil {
		return fmt.Errorf("engine: register schema %s/%s: %w", group, kind, err)
	}
	e.logger.Debug("engine.schema.registered", "group", group, "kind", kind)
	return nil
}

// RegisterWatch starts dispatching events for w in the background. The watch
// keeps running, re-opening itself as needed, until Shutdown.
func (e *Engine) RegisterWatch(w Watch) error {
	if w.Handler == nil {
		return errors.New("engine: handler is required")
	}
	if err := (resource.Ref{Group: w.Group, Kind: w.Kind, ID: "x"}).Validate(); err != nil {
		return fmt.Errorf("engine: register watch: %w", err)
	}
	refresh := w.Refresh
	if refresh <= 0 {
		refresh = e.refresh
	}
	states := append([]string(nil), w.States...)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShutdown
	}
	e.watches.Add(1)
	e.mu.Unlock()

	name := w.Group + "/" + w.Kind
	logger := svcfields.WithResource(e.logger, w.Group, w.Kind, "")
	logger.Info("engine.watch.register", "states", strings.Join(states, ","), "refresh", refresh)
	go func() {
		defer e.watches.Done()
		_ = watchloop.Run(e.ctx, watchloop.Config{
			Name: name,
			Open: func(ctx context.Context) (resource.Watcher, error) {
				return e.store.Watch(ctx, w.Group, w.Kind, states...)
			},
			Refresh:    refresh,
			RetryDelay: e.retryDelay,
			Clock:      e.clock,
			Logger:     e.logger,
			OnEvent: func(ctx context.Context, ev resource.Event) {
				e.dispatch(ctx, w.Handler, ev)
			},
		})
	}()
	return nil
}

// Shutdown stops every watch and waits for running handlers until ctx ends.
// Handlers are not cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.watches.Wait()
		e.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine.shutdown.complete")
		return nil
	case <-ctx.Done():
		e.logger.Warn("engine.shutdown.timeout", "error", ctx.Err())
		return ctx.Err()
	}
}

// InFlight returns the number of resources this process is handling.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Engine) dispatch(ctx context.Context, h Handler, ev resource.Event) {
	if ev.Type == resource.EventDeleted || ev.Object == nil {
		return
	}
	r := ev.Object
	ref := r.Ref()
	key := ref.String()
	logger := e.logger.With("ref", key)

	if owner := r.ClaimedBy(); owner != "" && owner != e.identity {
		logger.Trace("engine.claim.skip", "claimed_by", owner)
		e.metrics.recordClaim(ctx, r.Kind, "claimed_elsewhere")
		return
	}
	if !e.markInflight(key) {
		logger.Trace("engine.dispatch.in_flight")
		return
	}
	if e.slots != nil {
		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			e.clearInflight(key)
			return
		}
	}
	res, err := e.store.PatchIfVersion(ctx, ref, r.Version, resource.ClaimPatch(e.identity))
	if err != nil || res.Outcome != resource.Patched {
		e.releaseSlot()
		e.clearInflight(key)
		if err != nil {
			e.metrics.recordClaim(ctx, r.Kind, "error")
			logger.Warn("engine.claim.error", "error", err)
			return
		}
		e.metrics.recordClaim(ctx, r.Kind, res.Outcome.String())
		logger.Debug("engine.claim.lost", "outcome", res.Outcome.String())
		return
	}
	e.metrics.recordClaim(ctx, r.Kind, "claimed")
	e.handlers.Add(1)
	go e.handle(context.WithoutCancel(ctx), h, res.Resource, key)
}

func (e *Engine) handle(ctx context.Context, h Handler, r *resource.Resource, key string) {
	defer e.handlers.Done()
	defer e.clearInflight(key)
	defer e.releaseSlot()

	ctx = correlation.Ensure(ctx)
	logger := correlation.Logger(ctx, e.logger).With("ref", key, "state", r.Status.State)
	ctx = pslog.ContextWithLogger(ctx, logger)
	e.metrics.addInflight(ctx, r.Kind, 1)
	defer e.metrics.addInflight(ctx, r.Kind, -1)

	logger.Debug("engine.handler.start", "version", r.Version)
	start := e.clock.Now()
	out := invoke(ctx, h, r.Clone())
	elapsed := e.clock.Now().Sub(start)
	e.metrics.recordHandler(ctx, r.Kind, out, elapsed)

	ref := r.Ref()
	if err := out.Err(); err != nil {
		logger.Error("engine.handler.failed", "error", err, "elapsed", elapsed)
		e.recordFailure(ctx, logger, ref, err)
	} else {
		logger.Debug("engine.handler.complete", "outcome", out.String(), "elapsed", elapsed)
	}
	if out.IsHeld() {
		logger.Info("engine.claim.held")
		return
	}
	e.release(ctx, logger, ref)
}

func (e *Engine) recordFailure(ctx context.Context, logger pslog.Logger, ref resource.Ref, err error) {
	failure := core.AsFailure(err)
	message := failure.Detail
	if message == "" {
		message = err.Error()
	}
	payload := &resource.ErrorPayload{Code: failure.Code, Message: message, Time: e.clock.Now()}
	_, perr := e.store.Mutate(ctx, ref, func(r *resource.Resource) (bool, error) {
		resource.Patch{State: resource.StateFailed, Error: payload}.Apply(r)
		return true, nil
	})
	if perr != nil {
		logger.Warn("engine.failure.persist_failed", "error", perr)
	}
}

func (e *Engine) release(ctx context.Context, logger pslog.Logger, ref resource.Ref) {
	_, err := e.store.Mutate(ctx, ref, func(r *resource.Resource) (bool, error) {
		if r.ClaimedBy() != e.identity {
			return false, nil
		}
		resource.ClaimPatch("").Apply(r)
		return true, nil
	})
	switch {
	case err == nil:
		logger.Trace("engine.claim.released")
	case errors.Is(err, resource.ErrNotFound):
		logger.Debug("engine.claim.release_gone")
	default:
		logger.Warn("engine.claim.release_failed", "error", err)
	}
}

func (e *Engine) markInflight(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[key]; ok {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) clearInflight(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

func (e *Engine) releaseSlot() {
	if e.slots != nil {
		<-e.slots
	}
}
