package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/brokerd/internal/ident"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/svcfields"
	"pkt.systems/pslog"
)

// Audit resources are stored under this group and kind.
const (
	AuditGroup = "audit.brokerd.io"
	AuditKind  = "operationevents"
)

// AuditEvent records the end of a tracked operation.
type AuditEvent struct {
	ID         string                 `json:"id"`
	Time       time.Time              `json:"time"`
	Group      string                 `json:"group"`
	Kind       string                 `json:"kind"`
	ResourceID string                 `json:"resourceId"`
	Operation  string                 `json:"operation"`
	State      string                 `json:"state"`
	StartedAt  *time.Time             `json:"startedAt,omitempty"`
	Duration   time.Duration          `json:"duration"`
	Error      *resource.ErrorPayload `json:"error,omitempty"`
}

// AuditSink receives one event per finished operation.
type AuditSink interface {
	Emit(ctx context.Context, ev AuditEvent) error
}

// LogAuditSink writes audit events to a logger.
type LogAuditSink struct {
	Logger pslog.Logger
}

// Emit implements AuditSink.
func (s LogAuditSink) Emit(_ context.Context, ev AuditEvent) error {
	logger := svcfields.WithSubsystem(s.Logger, "lro.audit")
	fields := []any{
		"audit_id", ev.ID,
		"group", ev.Group,
		"kind", ev.Kind,
		"resource_id", ev.ResourceID,
		"operation", ev.Operation,
		"state", ev.State,
		"duration", ev.Duration,
	}
	if ev.Error != nil {
		fields = append(fields, "error_code", ev.Error.Code, "error", ev.Error.Message)
	}
	logger.Info("lro.audit.event", fields...)
	return nil
}

// StoreAuditSink persists audit events as resources.
type StoreAuditSink struct {
	Store *resource.Store
}

// RegisterSchema registers the audit kind with the store.
func (s StoreAuditSink) RegisterSchema(ctx context.Context) error {
	return s.Store.RegisterSchema(ctx, AuditGroup, AuditKind)
}

// Emit implements AuditSink.
func (s StoreAuditSink) Emit(ctx context.Context, ev AuditEvent) error {
	if s.Store == nil {
		return errors.New("poller: audit store is nil")
	}
	if ev.ID == "" {
		ev.ID = ident.NewUUIDString()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("poller: encode audit event: %w", err)
	}
	ref := resource.Ref{Group: AuditGroup, Kind: AuditKind, ID: ev.ID}
	_, err = s.Store.Create(ctx, ref, resource.Spec{Options: payload}, resource.Status{State: ev.State, Error: ev.Error})
	return err
}

// MultiAuditSink fans an event out to every sink. All sinks are called; the
// errors are joined.
type MultiAuditSink []AuditSink

// Emit implements AuditSink.
func (m MultiAuditSink) Emit(ctx context.Context, ev AuditEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
