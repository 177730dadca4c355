package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ContentTypeJSON is the content type used for resource documents.
const ContentTypeJSON = "application/json"

// ErrNotFound indicates the requested key is missing.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend defines the object storage contract the resource store is built on.
// Every write is conditional when ExpectedETag or IfNotExists is set, which is
// the only primitive the resource store needs for optimistic concurrency.
type Backend interface {
	// GetObject fetches the raw bytes for key and returns a reader alongside
	// metadata. Callers must close the returned reader.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject writes a blob to the provided key, applying conditional
	// semantics when opts.ExpectedETag or opts.IfNotExists are set.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes the object identified by key, optionally enforcing a
	// matching ETag when opts.ExpectedETag is set.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	// ListObjects enumerates objects under the supplied prefix in ascending
	// lexical order. Results are limited by opts.Limit when >0 and resume from
	// opts.StartAfter when provided.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ObjectInfo captures metadata exposed by object-oriented backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
type PutObjectOptions struct {
	ExpectedETag string
	// IfNotExists enforces creation-only semantics when true. Ignored when
	// ExpectedETag is provided.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// ChangeSubscription receives notifications when objects under a prefix change.
// Events are coalesced: one signal may stand for many writes.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed indicates the backend can emit change notifications for a key
// prefix. Backends without a feed are polled by the resource watch.
type ChangeFeed interface {
	SubscribeChanges(prefix string) (ChangeSubscription, error)
}

// WatchStatusProvider reports whether change notifications are active and why
// they may be unavailable.
type WatchStatusProvider interface {
	WatchStatus() WatchStatus
}

// WatchStatus reports whether change notifications are active.
type WatchStatus struct {
	Enabled bool
	Mode    string
	Reason  string
}

// ReportWatchStatus returns the backend's watch status, falling back to a
// polling description when the backend does not report one.
func ReportWatchStatus(backend Backend) WatchStatus {
	if provider, ok := backend.(WatchStatusProvider); ok {
		return provider.WatchStatus()
	}
	if _, ok := backend.(ChangeFeed); ok {
		return WatchStatus{Enabled: true, Mode: "feed"}
	}
	return WatchStatus{Enabled: false, Mode: "polling", Reason: "backend_has_no_change_feed"}
}

// ListAll pages through ListObjects until every object under prefix has been
// collected.
func ListAll(ctx context.Context, backend Backend, prefix string) ([]ObjectInfo, error) {
	var (
		out        []ObjectInfo
		startAfter string
	)
	for {
		res, err := backend.ListObjects(ctx, ListOptions{Prefix: prefix, StartAfter: startAfter})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Objects...)
		if !res.Truncated || res.NextStartAfter == "" {
			return out, nil
		}
		startAfter = res.NextStartAfter
	}
}

// HasPrefix reports whether key lives under prefix. An empty prefix matches
// every key.
func HasPrefix(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
