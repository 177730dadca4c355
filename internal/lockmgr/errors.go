package lockmgr

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// ErrNotLocked is returned by Unlock when no lock exists.
	ErrNotLocked = errors.New("lockmgr: not locked")
	// ErrHandleMismatch is returned by Unlock when the handle does not match
	// the stored lock version.
	ErrHandleMismatch = errors.New("lockmgr: lock handle mismatch")
	// ErrContended is returned when Lock kept losing create/takeover races.
	ErrContended = errors.New("lockmgr: lock contended")
)

// AlreadyLockedError reports an unexpired lock held on the requested entity.
type AlreadyLockedError struct {
	Existing   *Lock
	ObservedAt time.Time
}

// Age returns how long the existing lock had been held when observed.
func (e *AlreadyLockedError) Age() time.Duration {
	return e.ObservedAt.Sub(e.Existing.LockTime)
}

func (e *AlreadyLockedError) Error() string {
	l := e.Existing
	return fmt.Sprintf("lockmgr: %s is locked for %s by %s since %s",
		l.ResourceID, l.Details.Operation, l.Owner,
		humanize.RelTime(l.LockTime, e.ObservedAt, "ago", "from now"))
}

// IsAlreadyLocked reports whether err is an AlreadyLockedError.
func IsAlreadyLocked(err error) bool {
	var target *AlreadyLockedError
	return errors.As(err, &target)
}
