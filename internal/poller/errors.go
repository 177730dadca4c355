package poller

import (
	"errors"
	"fmt"

	"pkt.systems/brokerd/internal/core"
	"pkt.systems/brokerd/internal/resource"
)

// ValidationError reports a tracked resource that cannot be polled because
// a correlating field is missing or invalid.
type ValidationError struct {
	Ref    resource.Ref
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("poller: %s: invalid %s: %s", e.Ref, e.Field, e.Reason)
}

// Unwrap exposes the error as a core validation failure.
func (e *ValidationError) Unwrap() error {
	return core.Validation("%s %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
