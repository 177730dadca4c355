// Package ident produces identifiers for processes, documents and events.
package ident

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/v4/host"
)

// NewUUID returns a UUIDv7 value (time-ordered) or panics if generation fails.
func NewUUID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewUUIDString returns a string representation of a UUIDv7.
func NewUUIDString() string {
	return NewUUID().String()
}

// NewID returns a short sortable identifier used for lock ids and audit
// events.
func NewID() string {
	return xid.New().String()
}

// Process returns the identity this process claims resources under: the
// host name. It is stable across restarts, so a process that crashed while
// holding a claim picks the resource up again once it is back. Replicas that
// share a host must be given distinct identities explicitly.
func Process(ctx context.Context) string {
	return hostname(ctx)
}

func hostname(ctx context.Context) string {
	if info, err := host.InfoWithContext(ctx); err == nil && info != nil {
		if name := strings.TrimSpace(info.Hostname); name != "" {
			return name
		}
	}
	if name, err := os.Hostname(); err == nil && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	return "unknown"
}
