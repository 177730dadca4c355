// Package poller tracks long-running operations that execute outside the
// resource store. Each tracked resource gets its own ticker that probes the
// external system and walks the resource through IN_PROGRESS, ABORT,
// ABORTING and a terminal state, forcing ABORTED once the operation TTL and
// the abort timeout have both run out.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/core"
	"pkt.systems/brokerd/internal/correlation"
	"pkt.systems/brokerd/internal/ident"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/svcfields"
	"pkt.systems/brokerd/internal/tickset"
	"pkt.systems/pslog"
)

const (
	// DefaultInterval is the probe cadence when Config.Interval is zero.
	DefaultInterval = 30 * time.Second
	// DefaultRescheduleAttempts bounds the reschedule sequence.
	DefaultRescheduleAttempts = 3
	// DefaultRescheduleSpacing separates reschedule attempts.
	DefaultRescheduleSpacing = time.Minute
)

// ProbeResult is the external view of an operation.
type ProbeResult struct {
	State    string
	Response json.RawMessage
	// Message describes a FAILED result.
	Message string
}

// Probe queries the external system for the operation tracked by r.
type Probe func(ctx context.Context, r *resource.Resource) (ProbeResult, error)

// Store is the subset of the resource store the poller needs.
type Store interface {
	Get(ctx context.Context, ref resource.Ref) (*resource.Resource, error)
	List(ctx context.Context, group, kind string, states ...string) ([]*resource.Resource, error)
	Mutate(ctx context.Context, ref resource.Ref, fn func(*resource.Resource) (bool, error)) (*resource.Resource, error)
}

// Policy supplies the operation TTL and abort timeout. lockmgr.Policy and
// *lockmgr.Manager satisfy it.
type Policy interface {
	GetLockTTL(op string) time.Duration
	GetAbortTimeout(op string) time.Duration
}

// Config wires a Poller.
type Config struct {
	Store     Store
	Policy    Policy
	Operation string
	Probe     Probe
	// Group and Kind name the tracked resources; Resume lists them and Start
	// rejects anything else.
	Group string
	Kind  string
	// Interval is the probe cadence, shared by every tracked resource.
	Interval time.Duration
	// Abort is called once when an operation exceeds its TTL. Errors are
	// logged.
	Abort func(ctx context.Context, r *resource.Resource) error
	// Reschedule plans the next occurrence of a scheduled operation that
	// FAILED.
	Reschedule         func(ctx context.Context, r *resource.Resource) error
	RescheduleAttempts int
	RescheduleSpacing  time.Duration
	// Scheduled reports whether r is a scheduled occurrence. The default
	// reads a boolean "scheduled" field from spec.options.
	Scheduled func(r *resource.Resource) bool
	// Validate rejects resources that cannot be probed. The default requires
	// spec.options.instanceId.
	Validate func(r *resource.Resource) error
	Audit    AuditSink
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Poller owns the tickers of every resource it tracks.
type Poller struct {
	store      Store
	policy     Policy
	op         string
	probe      Probe
	group      string
	kind       string
	interval   time.Duration
	abort      func(context.Context, *resource.Resource) error
	reschedule func(context.Context, *resource.Resource) error
	attempts   int
	spacing    time.Duration
	scheduled  func(*resource.Resource) bool
	validate   func(*resource.Resource) error
	audit      AuditSink
	clock      clock.Clock
	logger     pslog.Logger
	metrics    *pollerMetrics
	ticks      *tickset.Set[string]
}

// New returns a Poller.
func New(cfg Config) (*Poller, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("poller: store is required")
	case cfg.Policy == nil:
		return nil, errors.New("poller: policy is required")
	case cfg.Probe == nil:
		return nil, errors.New("poller: probe is required")
	case strings.TrimSpace(cfg.Operation) == "":
		return nil, errors.New("poller: operation is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RescheduleAttempts <= 0 {
		cfg.RescheduleAttempts = DefaultRescheduleAttempts
	}
	if cfg.RescheduleSpacing <= 0 {
		cfg.RescheduleSpacing = DefaultRescheduleSpacing
	}
	if cfg.Scheduled == nil {
		cfg.Scheduled = scheduledOption
	}
	if cfg.Validate == nil {
		cfg.Validate = RequireOption("instanceId")
	}
	op := strings.ToLower(strings.TrimSpace(cfg.Operation))
	logger := svcfields.WithResource(svcfields.WithSubsystem(cfg.Logger, "lro.poller"), cfg.Group, cfg.Kind, "").With("operation", op)
	audit := cfg.Audit
	if audit == nil {
		audit = LogAuditSink{Logger: cfg.Logger}
	}
	clk := clock.OrReal(cfg.Clock)
	return &Poller{
		store:      cfg.Store,
		policy:     cfg.Policy,
		op:         op,
		probe:      cfg.Probe,
		group:      cfg.Group,
		kind:       cfg.Kind,
		interval:   cfg.Interval,
		abort:      cfg.Abort,
		reschedule: cfg.Reschedule,
		attempts:   cfg.RescheduleAttempts,
		spacing:    cfg.RescheduleSpacing,
		scheduled:  cfg.Scheduled,
		validate:   cfg.Validate,
		audit:      audit,
		clock:      clk,
		logger:     logger,
		metrics:    newPollerMetrics(logger),
		ticks:      tickset.New[string](clk),
	}, nil
}

// RequireOption returns a validator requiring a non-empty string field in
// spec.options.
func RequireOption(field string) func(*resource.Resource) error {
	return func(r *resource.Resource) error {
		var opts map[string]any
		if err := r.DecodeOptions(&opts); err != nil {
			return &ValidationError{Ref: r.Ref(), Field: "spec.options", Reason: err.Error()}
		}
		v, _ := opts[field].(string)
		if strings.TrimSpace(v) == "" {
			return &ValidationError{Ref: r.Ref(), Field: field, Reason: "is required"}
		}
		return nil
	}
}

func scheduledOption(r *resource.Resource) bool {
	var opts struct {
		Scheduled bool `json:"scheduled"`
	}
	if err := r.DecodeOptions(&opts); err != nil {
		return false
	}
	return opts.Scheduled
}

// Operation returns the operation class this poller tracks.
func (p *Poller) Operation() string { return p.op }

// Start begins tracking r, replacing any ticker already running for it. A
// resource that fails validation is marked FAILED, never probed, and a
// *ValidationError is returned. Tickers outlive ctx's cancellation; use Stop
// or Close.
func (p *Poller) Start(ctx context.Context, r *resource.Resource) error {
	if r == nil {
		return errors.New("poller: resource is nil")
	}
	ref := r.Ref()
	if (p.group != "" && ref.Group != p.group) || (p.kind != "" && ref.Kind != p.kind) {
		return fmt.Errorf("poller: %s is not a %s/%s resource", ref, p.group, p.kind)
	}
	key := ref.String()
	ctx = correlation.Ensure(context.WithoutCancel(ctx))
	logger := correlation.Logger(ctx, p.logger).With("ref", key)

	if err := p.validate(r); err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			verr = &ValidationError{Ref: ref, Field: "spec.options", Reason: err.Error()}
		}
		p.ticks.Stop(key)
		p.failInvalid(ctx, logger, ref, verr)
		return verr
	}

	now := p.clock.Now()
	cur, err := p.store.Mutate(ctx, ref, func(res *resource.Resource) (bool, error) {
		if resource.IsTerminal(res.Status.State) {
			return false, nil
		}
		changed := false
		if res.Status.StartedAt == nil {
			res.Status.StartedAt = &now
			changed = true
		}
		switch res.Status.State {
		case resource.StateInProgress:
		case resource.StateAbort, resource.StateAborting:
			if res.Status.AbortStartTime == nil {
				res.Status.AbortStartTime = &now
				changed = true
			}
		default:
			res.Status.State = resource.StateInProgress
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return fmt.Errorf("poller: start %s: %w", ref, err)
	}
	if resource.IsTerminal(cur.Status.State) {
		logger.Debug("lro.start.already_terminal", "state", cur.Status.State)
		return nil
	}
	logger.Info("lro.start", "state", cur.Status.State, "started_at", cur.Status.StartedAt, "interval", p.interval)
	p.ticks.Start(ctx, key, p.interval, func(tctx context.Context) bool {
		return p.tick(tctx, ref)
	})
	return nil
}

// Stop stops tracking ref. It reports whether a ticker was running.
func (p *Poller) Stop(ref resource.Ref) bool {
	return p.ticks.Stop(ref.String())
}

// Active reports whether ref is being tracked.
func (p *Poller) Active(ref resource.Ref) bool {
	return p.ticks.Has(ref.String())
}

// Len returns the number of tracked resources.
func (p *Poller) Len() int { return p.ticks.Len() }

// Close stops every ticker and waits for them to exit.
func (p *Poller) Close() {
	p.ticks.StopAll()
	p.ticks.Wait()
}

// Resume starts tracking every non-terminal operation of the poller's kind,
// typically after a restart. It returns the number of resources resumed.
func (p *Poller) Resume(ctx context.Context) (int, error) {
	if p.group == "" || p.kind == "" {
		return 0, errors.New("poller: resume requires group and kind")
	}
	list, err := p.store.List(ctx, p.group, p.kind, resource.StateInProgress, resource.StateAbort, resource.StateAborting)
	if err != nil {
		return 0, fmt.Errorf("poller: resume: %w", err)
	}
	resumed := 0
	for _, r := range list {
		if err := p.Start(ctx, r); err != nil {
			p.logger.Warn("lro.resume.skip", "ref", r.Ref().String(), "error", err)
			continue
		}
		resumed++
	}
	p.logger.Info("lro.resume", "resumed", resumed, "found", len(list))
	return resumed, nil
}

func (p *Poller) failInvalid(ctx context.Context, logger pslog.Logger, ref resource.Ref, verr *ValidationError) {
	payload := &resource.ErrorPayload{Code: core.CodeValidation, Message: verr.Error(), Time: p.clock.Now()}
	_, err := p.store.Mutate(ctx, ref, func(r *resource.Resource) (bool, error) {
		if resource.IsTerminal(r.Status.State) {
			return false, nil
		}
		resource.Patch{State: resource.StateFailed, Error: payload}.Apply(r)
		return true, nil
	})
	if err != nil {
		logger.Warn("lro.validation.persist_failed", "error", err)
		return
	}
	p.metrics.recordTransition(ctx, p.op, resource.StateFailed)
	logger.Warn("lro.validation.failed", "field", verr.Field, "reason", verr.Reason)
}

func (p *Poller) tick(ctx context.Context, ref resource.Ref) bool {
	logger := correlation.Logger(ctx, p.logger).With("ref", ref.String())
	cur, err := p.store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			logger.Info("lro.resource.gone")
			return true
		}
		logger.Warn("lro.tick.read_failed", "error", err)
		return false
	}
	if resource.IsTerminal(cur.Status.State) {
		logger.Debug("lro.tick.already_terminal", "state", cur.Status.State)
		return true
	}
	now := p.clock.Now()
	switch cur.Status.State {
	case resource.StateAbort, resource.StateAborting:
		return p.tickAborting(ctx, logger, cur, now)
	}
	return p.tickInProgress(ctx, logger, cur, now)
}

func (p *Poller) tickInProgress(ctx context.Context, logger pslog.Logger, cur *resource.Resource, now time.Time) bool {
	res, perr := p.callProbe(ctx, cur)
	if perr == nil && resource.IsTerminal(res.State) {
		return p.finish(ctx, logger, cur, res.State, res.Response, p.probeError(res, now))
	}
	started := cur.CreatedAt
	if cur.Status.StartedAt != nil {
		started = *cur.Status.StartedAt
	}
	ttl := p.policy.GetLockTTL(p.op)
	elapsed := now.Sub(started)
	if perr != nil {
		logger.Warn("lro.probe.failed", "error", perr, "elapsed", elapsed)
	}
	if elapsed <= ttl {
		if perr == nil && res.Response != nil {
			if _, err := p.store.Mutate(ctx, cur.Ref(), func(r *resource.Resource) (bool, error) {
				if resource.IsTerminal(r.Status.State) {
					return false, nil
				}
				resource.Patch{Response: res.Response}.Apply(r)
				return true, nil
			}); err != nil {
				logger.Warn("lro.progress.persist_failed", "error", err)
			}
		}
		logger.Trace("lro.tick.in_progress", "elapsed", elapsed, "ttl", ttl)
		return false
	}
	p.initiateAbort(ctx, logger, cur, now, elapsed, ttl)
	return false
}

func (p *Poller) initiateAbort(ctx context.Context, logger pslog.Logger, cur *resource.Resource, now time.Time, elapsed, ttl time.Duration) {
	ref := cur.Ref()
	initiated := false
	marked, err := p.store.Mutate(ctx, ref, func(r *resource.Resource) (bool, error) {
		initiated = false
		if r.Status.State != cur.Status.State {
			return false, nil
		}
		initiated = true
		resource.Patch{State: resource.StateAbort, AbortStartTime: &now}.Apply(r)
		return true, nil
	})
	if err != nil {
		logger.Warn("lro.abort.persist_failed", "error", err)
		return
	}
	if !initiated {
		return
	}
	p.metrics.recordTransition(ctx, p.op, resource.StateAbort)
	logger.Warn("lro.abort.initiated", "elapsed", elapsed, "ttl", ttl)
	if p.abort != nil {
		if err := p.abort(ctx, marked.Clone()); err != nil {
			logger.Warn("lro.abort.hook_failed", "error", err)
		}
	}
	p.markAborting(ctx, logger, ref)
}

func (p *Poller) markAborting(ctx context.Context, logger pslog.Logger, ref resource.Ref) {
	_, err := p.store.Mutate(ctx, ref, func(r *resource.Resource) (bool, error) {
		if r.Status.State != resource.StateAbort {
			return false, nil
		}
		r.Status.State = resource.StateAborting
		return true, nil
	})
	if err != nil {
		logger.Warn("lro.aborting.persist_failed", "error", err)
		return
	}
	p.metrics.recordTransition(ctx, p.op, resource.StateAborting)
}

func (p *Poller) tickAborting(ctx context.Context, logger pslog.Logger, cur *resource.Resource, now time.Time) bool {
	timeout := p.policy.GetAbortTimeout(p.op)
	if cur.Status.AbortStartTime == nil {
		stamped, err := p.stampAbortStart(ctx, cur.Ref(), now)
		if err != nil {
			logger.Warn("lro.abort.stamp_failed", "error", err)
			return false
		}
		if stamped.Status.State != resource.StateAbort && stamped.Status.State != resource.StateAborting {
			return resource.IsTerminal(stamped.Status.State)
		}
		cur = stamped
	}
	abortStart := *cur.Status.AbortStartTime
	if clock.Expired(now, abortStart, timeout) {
		payload := &resource.ErrorPayload{
			Code:    core.CodeTimeout,
			Message: fmt.Sprintf("operation did not stop within abort timeout %s", timeout),
			Time:    now,
		}
		logger.Warn("lro.abort.timeout", "abort_start", abortStart, "abort_timeout", timeout)
		return p.finish(ctx, logger, cur, resource.StateAborted, nil, payload)
	}
	res, perr := p.callProbe(ctx, cur)
	if perr != nil {
		logger.Warn("lro.probe.failed", "error", perr, "state", cur.Status.State)
	} else if resource.IsTerminal(res.State) {
		return p.finish(ctx, logger, cur, res.State, res.Response, p.probeError(res, now))
	}
	if cur.Status.State == resource.StateAbort {
		p.markAborting(ctx, logger, cur.Ref())
	}
	return false
}

// stampAbortStart records now as the abort start of an aborting resource
// that has none, so the abort timeout counts from the first tick that saw it.
func (p *Poller) stampAbortStart(ctx context.Context, ref resource.Ref, now time.Time) (*resource.Resource, error) {
	return p.store.Mutate(ctx, ref, func(r *resource.Resource) (bool, error) {
		if r.Status.AbortStartTime != nil {
			return false, nil
		}
		if r.Status.State != resource.StateAbort && r.Status.State != resource.StateAborting {
			return false, nil
		}
		r.Status.AbortStartTime = &now
		return true, nil
	})
}

func (p *Poller) callProbe(ctx context.Context, r *resource.Resource) (res ProbeResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("probe panic: %v", rec)
		}
		p.metrics.recordProbe(ctx, p.op, err)
	}()
	return p.probe(ctx, r.Clone())
}

func (p *Poller) probeError(res ProbeResult, now time.Time) *resource.ErrorPayload {
	if res.State != resource.StateFailed && res.State != resource.StateDeleteFailed {
		return nil
	}
	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("%s operation failed", p.op)
	}
	return &resource.ErrorPayload{Code: core.CodeInternal, Message: msg, Time: now}
}

// finish moves cur to state. Only the writer that performs the transition
// emits the audit event and reschedules, so the actions run once per
// operation. It returns false when the write failed and should be retried on
// the next tick.
func (p *Poller) finish(ctx context.Context, logger pslog.Logger, cur *resource.Resource, state string, response json.RawMessage, payload *resource.ErrorPayload) bool {
	transitioned := false
	final, err := p.store.Mutate(ctx, cur.Ref(), func(r *resource.Resource) (bool, error) {
		transitioned = false
		if resource.IsTerminal(r.Status.State) {
			return false, nil
		}
		transitioned = true
		resource.Patch{State: state, Response: response, Error: payload}.Apply(r)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			logger.Info("lro.resource.gone")
			return true
		}
		logger.Warn("lro.finish.persist_failed", "state", state, "error", err)
		return false
	}
	if !transitioned {
		logger.Debug("lro.finish.already_terminal", "state", final.Status.State)
		return true
	}
	now := p.clock.Now()
	p.metrics.recordTransition(ctx, p.op, state)
	ev := AuditEvent{
		ID:         ident.NewUUIDString(),
		Time:       now,
		Group:      final.Group,
		Kind:       final.Kind,
		ResourceID: final.ID,
		Operation:  p.op,
		State:      state,
		StartedAt:  final.Status.StartedAt,
		Error:      payload,
	}
	if final.Status.StartedAt != nil {
		ev.Duration = now.Sub(*final.Status.StartedAt)
	}
	logger.Info("lro.finish", "state", state, "duration", ev.Duration)
	if err := p.audit.Emit(ctx, ev); err != nil {
		logger.Warn("lro.audit.emit_failed", "error", err)
	}
	if state == resource.StateFailed && p.reschedule != nil && p.scheduled(final) {
		p.rescheduleNext(ctx, logger, final)
	}
	return true
}

func (p *Poller) rescheduleNext(ctx context.Context, logger pslog.Logger, r *resource.Resource) {
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err := p.reschedule(ctx, r.Clone())
		p.metrics.recordReschedule(ctx, p.op, err)
		if err == nil {
			logger.Info("lro.reschedule.success", "attempt", attempt)
			return
		}
		logger.Warn("lro.reschedule.failed", "attempt", attempt, "error", err)
		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			logger.Debug("lro.reschedule.cancelled", "attempt", attempt)
			return
		case <-p.clock.After(p.spacing):
		}
	}
	logger.Error("lro.reschedule.exhausted", "attempts", p.attempts)
}
