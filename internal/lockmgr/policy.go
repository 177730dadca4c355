package lockmgr

import (
	"strings"
	"time"
)

// Operation classes with independently configured TTLs.
const (
	OpBackup  = "backup"
	OpRestore = "restore"
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
)

// Defaults applied by DefaultPolicy.
const (
	DefaultLockTTL      = time.Hour
	DefaultAbortTimeout = 10 * time.Minute
)

// Policy maps operation classes to lock TTLs and abort timeouts. Lookups for
// unknown classes fall back to the defaults.
type Policy struct {
	LockTTL             map[string]time.Duration
	AbortTimeout        map[string]time.Duration
	DefaultLockTTL      time.Duration
	DefaultAbortTimeout time.Duration
}

// DefaultPolicy returns the built-in policy. Backups and restores move data
// and get a day; lifecycle operations get two hours.
func DefaultPolicy() Policy {
	return Policy{
		LockTTL: map[string]time.Duration{
			OpBackup:  24 * time.Hour,
			OpRestore: 24 * time.Hour,
			OpCreate:  2 * time.Hour,
			OpUpdate:  2 * time.Hour,
			OpDelete:  2 * time.Hour,
		},
		AbortTimeout: map[string]time.Duration{
			OpBackup:  30 * time.Minute,
			OpRestore: 30 * time.Minute,
			OpCreate:  10 * time.Minute,
			OpUpdate:  10 * time.Minute,
			OpDelete:  10 * time.Minute,
		},
		DefaultLockTTL:      DefaultLockTTL,
		DefaultAbortTimeout: DefaultAbortTimeout,
	}
}

func normalizeOp(op string) string {
	return strings.ToLower(strings.TrimSpace(op))
}

// GetLockTTL returns the lock TTL for op.
func (p Policy) GetLockTTL(op string) time.Duration {
	if ttl, ok := p.LockTTL[normalizeOp(op)]; ok && ttl > 0 {
		return ttl
	}
	if p.DefaultLockTTL > 0 {
		return p.DefaultLockTTL
	}
	return DefaultLockTTL
}

// GetAbortTimeout returns how long an abort of op may take before the
// operation is forced to ABORTED.
func (p Policy) GetAbortTimeout(op string) time.Duration {
	if d, ok := p.AbortTimeout[normalizeOp(op)]; ok && d > 0 {
		return d
	}
	if p.DefaultAbortTimeout > 0 {
		return p.DefaultAbortTimeout
	}
	return DefaultAbortTimeout
}

// WithLockTTL returns a copy of p with op's TTL replaced.
func (p Policy) WithLockTTL(op string, ttl time.Duration) Policy {
	out := p.clone()
	out.LockTTL[normalizeOp(op)] = ttl
	return out
}

// WithAbortTimeout returns a copy of p with op's abort timeout replaced.
func (p Policy) WithAbortTimeout(op string, d time.Duration) Policy {
	out := p.clone()
	out.AbortTimeout[normalizeOp(op)] = d
	return out
}

func (p Policy) clone() Policy {
	out := p
	out.LockTTL = make(map[string]time.Duration, len(p.LockTTL)+1)
	for k, v := range p.LockTTL {
		out.LockTTL[k] = v
	}
	out.AbortTimeout = make(map[string]time.Duration, len(p.AbortTimeout)+1)
	for k, v := range p.AbortTimeout {
		out.AbortTimeout[k] = v
	}
	return out
}
