// Package resource is the versioned resource store every reconciliation
// component is built on. Resources are JSON documents addressed by
// (group, kind, id) and stored through a storage.Backend; the backend ETag is
// the resource version and every write is conditional on it.
package resource

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Well-known status states. Operators may use their own; only the terminal
// set has meaning to the core.
const (
	StateInQueue      = "IN_QUEUE"
	StateInProgress   = "IN_PROGRESS"
	StateAbort        = "ABORT"
	StateAborting     = "ABORTING"
	StateAborted      = "ABORTED"
	StateUpdate       = "UPDATE"
	StateDelete       = "DELETE"
	StateSucceeded    = "SUCCEEDED"
	StateFailed       = "FAILED"
	StateDeleteFailed = "DELETE_FAILED"
	StateWaiting      = "WAITING"
)

// AnnotationClaimedBy records the process currently handling a resource.
const AnnotationClaimedBy = "claimedBy"

// IsTerminal reports whether state ends reconciliation for a resource.
func IsTerminal(state string) bool {
	switch state {
	case StateSucceeded, StateFailed, StateAborted, StateDeleteFailed:
		return true
	}
	return false
}

// Ref identifies a resource.
type Ref struct {
	Group string `json:"group"`
	Kind  string `json:"kind"`
	ID    string `json:"id"`
}

func (r Ref) String() string {
	return r.Group + "/" + r.Kind + "/" + r.ID
}

// Validate checks that every identity segment is usable as a storage key
// segment.
func (r Ref) Validate() error {
	if err := validateSchemaName(r.Group, r.Kind); err != nil {
		return err
	}
	if err := validateSegment("id", r.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return nil
}

func validateSchemaName(group, kind string) error {
	if err := validateSegment("group", group); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if err := validateSegment("kind", kind); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return nil
}

func validateSegment(name, value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return fmt.Errorf("%s is required", name)
	case value == "." || value == "..":
		return fmt.Errorf("%s %q is reserved", name, value)
	case strings.ContainsAny(value, "/\\\x00"):
		return fmt.Errorf("%s %q contains a path separator", name, value)
	}
	return nil
}

// Resource is the unit the engine reconciles.
type Resource struct {
	Group string `json:"group"`
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	// Version is the backend ETag of the stored document. It is not part of
	// the document itself.
	Version     string            `json:"-"`
	Generation  int64             `json:"generation"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Spec        Spec              `json:"spec"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Spec carries the operator-defined request payload.
type Spec struct {
	Options json.RawMessage `json:"options,omitempty"`
}

// Status is the mutable part of a resource.
type Status struct {
	State          string          `json:"state"`
	Response       json.RawMessage `json:"response,omitempty"`
	Error          *ErrorPayload   `json:"error,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	AbortStartTime *time.Time      `json:"abortStartTime,omitempty"`
}

// ErrorPayload is the structured error written on terminal failure.
type ErrorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Ref returns the identity of r.
func (r *Resource) Ref() Ref {
	return Ref{Group: r.Group, Kind: r.Kind, ID: r.ID}
}

// ClaimedBy returns the claimant annotation, or "" when unclaimed.
func (r *Resource) ClaimedBy() string {
	if r == nil || r.Annotations == nil {
		return ""
	}
	return r.Annotations[AnnotationClaimedBy]
}

// DecodeOptions unmarshals spec.options into v. Empty options leave v
// untouched.
func (r *Resource) DecodeOptions(v any) error {
	if len(r.Spec.Options) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Spec.Options, v); err != nil {
		return fmt.Errorf("resource %s: decode options: %w", r.Ref(), err)
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	out := *r
	if r.Annotations != nil {
		out.Annotations = make(map[string]string, len(r.Annotations))
		for k, v := range r.Annotations {
			out.Annotations[k] = v
		}
	}
	out.Spec.Options = cloneRaw(r.Spec.Options)
	out.Status.Response = cloneRaw(r.Status.Response)
	if r.Status.Error != nil {
		e := *r.Status.Error
		out.Status.Error = &e
	}
	out.Status.StartedAt = cloneTime(r.Status.StartedAt)
	out.Status.AbortStartTime = cloneTime(r.Status.AbortStartTime)
	return &out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EventType classifies watch events.
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
)

// Event is delivered on a watch channel.
type Event struct {
	Type   EventType
	Object *Resource
}
