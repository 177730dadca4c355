package resource

import "errors"

var (
	// ErrNotFound indicates the resource does not exist.
	ErrNotFound = errors.New("resource: not found")
	// ErrConflict indicates a create collided with an existing resource or a
	// conditional write lost against a newer version.
	ErrConflict = errors.New("resource: conflict")
	// ErrSchemaNotRegistered is returned for operations on an unknown kind.
	ErrSchemaNotRegistered = errors.New("resource: schema not registered")
	// ErrInvalidSchema rejects unusable group or kind names.
	ErrInvalidSchema = errors.New("resource: invalid schema")
	// ErrInvalidRef rejects unusable resource ids.
	ErrInvalidRef = errors.New("resource: invalid reference")
)
