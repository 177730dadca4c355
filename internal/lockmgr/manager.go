// Package lockmgr implements TTL-scoped advisory locks on top of the resource
// store. A lock is a resource in locks.brokerd.io/deploymentlocks keyed by the
// protected entity id; its version is the handle required to release it.
// Locks are never renewed: readers decide expiry from the lock time and the
// operation's policy TTL.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/ident"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/svcfields"
	"pkt.systems/pslog"
)

const maxLockAttempts = 3

// Config wires a Manager.
type Config struct {
	Store  *resource.Store
	Policy Policy
	Clock  clock.Clock
	Logger pslog.Logger
	// Owner identifies this process in lock records. Defaults to
	// ident.Process.
	Owner string
}

// Manager acquires and releases locks.
type Manager struct {
	store   *resource.Store
	policy  Policy
	clock   clock.Clock
	logger  pslog.Logger
	owner   string
	metrics *lockMetrics
}

// Status is the result of CheckWriteLockStatus.
type Status struct {
	WriteLocked bool
	Lock        *Lock
}

// New returns a Manager. Call RegisterSchema before first use.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("lockmgr: store is required")
	}
	if cfg.Policy.LockTTL == nil && cfg.Policy.DefaultLockTTL == 0 {
		cfg.Policy = DefaultPolicy()
	}
	owner := strings.TrimSpace(cfg.Owner)
	if owner == "" {
		owner = ident.Process(context.Background())
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "lock.manager")
	return &Manager{
		store:   cfg.Store,
		policy:  cfg.Policy,
		clock:   clock.OrReal(cfg.Clock),
		logger:  logger,
		owner:   owner,
		metrics: newLockMetrics(logger),
	}, nil
}

// RegisterSchema registers the lock kind with the store.
func (m *Manager) RegisterSchema(ctx context.Context) error {
	return m.store.RegisterSchema(ctx, Group, Kind)
}

// Policy returns the TTL policy in use.
func (m *Manager) Policy() Policy { return m.policy }

// Owner returns the identity recorded in locks acquired by this manager.
func (m *Manager) Owner() string { return m.owner }

// GetLockTTL returns the lock TTL for op.
func (m *Manager) GetLockTTL(op string) time.Duration { return m.policy.GetLockTTL(op) }

// GetAbortTimeout returns the abort timeout for op.
func (m *Manager) GetAbortTimeout(op string) time.Duration { return m.policy.GetAbortTimeout(op) }

// Lock acquires the lock for resourceID and returns its handle. An unexpired
// lock held by anyone, including this process, fails with
// *AlreadyLockedError; an expired one is taken over.
func (m *Manager) Lock(ctx context.Context, resourceID string, details Details, op string) (string, error) {
	op = normalizeOp(op)
	if op == "" {
		op = normalizeOp(details.Operation)
	}
	if details.ResourceID == "" {
		details.ResourceID = resourceID
	}
	details.Operation = op
	logger := m.logger.With("resource_id", resourceID, "operation", op)
	ref := LockRef(resourceID)
	for attempt := 1; attempt <= maxLockAttempts; attempt++ {
		now := m.clock.Now()
		candidate := &Lock{
			ResourceID: resourceID,
			Details:    details,
			LockTime:   now,
			TTL:        m.policy.GetLockTTL(op),
			Owner:      m.owner,
			LockID:     ident.NewID(),
		}
		spec, err := candidate.spec()
		if err != nil {
			return "", fmt.Errorf("lockmgr: encode lock: %w", err)
		}
		created, err := m.store.Create(ctx, ref, spec, resource.Status{State: StateLocked})
		if err == nil {
			m.metrics.recordAcquire(ctx, op, "acquired")
			logger.Info("lock.acquire.success", "lock_id", candidate.LockID, "ttl", candidate.TTL)
			return created.Version, nil
		}
		if !errors.Is(err, resource.ErrConflict) {
			m.metrics.recordAcquire(ctx, op, "error")
			return "", fmt.Errorf("lockmgr: lock %s: %w", resourceID, err)
		}
		current, err := m.store.Get(ctx, ref)
		if errors.Is(err, resource.ErrNotFound) {
			continue
		}
		if err != nil {
			m.metrics.recordAcquire(ctx, op, "error")
			return "", fmt.Errorf("lockmgr: lock %s: %w", resourceID, err)
		}
		existing, err := FromResource(current)
		if err != nil {
			return "", err
		}
		if !existing.Expired(now, m.policy) {
			m.metrics.recordAcquire(ctx, op, "already_locked")
			logger.Debug("lock.acquire.already_locked", "owner", existing.Owner, "held_operation", existing.Details.Operation, "lock_time", existing.LockTime)
			return "", &AlreadyLockedError{Existing: existing, ObservedAt: now}
		}
		current.Spec = spec
		current.Status = resource.Status{State: StateLocked}
		takeover, err := m.store.Update(ctx, current)
		switch {
		case err == nil:
			m.metrics.recordAcquire(ctx, op, "takeover")
			logger.Info("lock.acquire.takeover", "lock_id", candidate.LockID, "previous_owner", existing.Owner, "previous_lock_time", existing.LockTime)
			return takeover.Version, nil
		case errors.Is(err, resource.ErrConflict), errors.Is(err, resource.ErrNotFound):
			logger.Trace("lock.acquire.takeover_lost", "attempt", attempt)
			continue
		default:
			m.metrics.recordAcquire(ctx, op, "error")
			return "", fmt.Errorf("lockmgr: take over %s: %w", resourceID, err)
		}
	}
	m.metrics.recordAcquire(ctx, op, "contended")
	return "", fmt.Errorf("%w: %s", ErrContended, resourceID)
}

// Unlock releases the lock for resourceID if handle still matches.
func (m *Manager) Unlock(ctx context.Context, resourceID, handle string) error {
	if handle == "" {
		return ErrHandleMismatch
	}
	err := m.store.DeleteIfVersion(ctx, LockRef(resourceID), handle)
	switch {
	case err == nil:
		m.metrics.recordRelease(ctx, "released")
		m.logger.Info("lock.release.success", "resource_id", resourceID)
		return nil
	case errors.Is(err, resource.ErrConflict):
		m.metrics.recordRelease(ctx, "handle_mismatch")
		return ErrHandleMismatch
	case errors.Is(err, resource.ErrNotFound):
		m.metrics.recordRelease(ctx, "not_locked")
		return ErrNotLocked
	}
	m.metrics.recordRelease(ctx, "error")
	return fmt.Errorf("lockmgr: unlock %s: %w", resourceID, err)
}

// Get returns the stored lock for resourceID, expired or not.
func (m *Manager) Get(ctx context.Context, resourceID string) (*Lock, error) {
	res, err := m.store.Get(ctx, LockRef(resourceID))
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return nil, ErrNotLocked
		}
		return nil, err
	}
	return FromResource(res)
}

// CheckWriteLockStatus reports whether resourceID is currently protected by
// an unexpired lock.
func (m *Manager) CheckWriteLockStatus(ctx context.Context, resourceID string) (Status, error) {
	l, err := m.Get(ctx, resourceID)
	if err != nil {
		if errors.Is(err, ErrNotLocked) {
			return Status{}, nil
		}
		return Status{}, err
	}
	if l.Expired(m.clock.Now(), m.policy) {
		return Status{Lock: l}, nil
	}
	return Status{WriteLocked: true, Lock: l}, nil
}
