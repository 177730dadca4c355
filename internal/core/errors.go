package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or persisted status payloads. Operator handlers return a Failure when
// the failure has a stable code; any other error is recorded as "internal".
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Common failure codes.
const (
	CodeInternal   = "internal"
	CodeValidation = "validation_failed"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeTimeout    = "timeout"
)

// Validation returns a Failure describing invalid operator input.
func Validation(format string, args ...any) Failure {
	return Failure{Code: CodeValidation, Detail: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// AsFailure extracts a Failure from err. Errors without one are reported as
// CodeInternal with the error text as detail.
func AsFailure(err error) Failure {
	if err == nil {
		return Failure{}
	}
	var failure Failure
	if errors.As(err, &failure) {
		return failure
	}
	var failurePtr *Failure
	if errors.As(err, &failurePtr) && failurePtr != nil {
		return *failurePtr
	}
	return Failure{Code: CodeInternal, Detail: err.Error(), HTTPStatus: http.StatusInternalServerError}
}
