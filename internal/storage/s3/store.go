// Package s3 stores resource documents in an S3-compatible bucket through the
// MinIO client. Conditional writes use If-Match / If-None-Match so every put
// is a compare-and-swap on the object ETag.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/brokerd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 128
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 32
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// WatchStatus reports that S3 has no change feed; the resource watch polls.
func (s *Store) WatchStatus() storage.WatchStatus {
	return storage.WatchStatus{Enabled: false, Mode: "polling", Reason: "s3_has_no_change_notifications"}
}

// GetObject downloads the document stored at key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	object := s.objectKey(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return storage.GetObjectResult{}, s.wrapError(err, "s3: get object")
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, s.wrapError(err, "s3: stat object")
	}
	payload, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, s.wrapError(err, "s3: read object")
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(payload)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         stripETag(info.ETag),
			Size:         int64(len(payload)),
			LastModified: info.LastModified,
			ContentType:  info.ContentType,
		},
	}, nil
}

// PutObject uploads body with conditional guards.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := pslog.LoggerFromContext(ctx)
	object := s.objectKey(key)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeJSON
	}
	s.applySSE(&putOpts)
	if opts.ExpectedETag != "" {
		putOpts.SetMatchETag(opts.ExpectedETag)
	} else if opts.IfNotExists {
		putOpts.SetMatchETagExcept("*")
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3: read body: %w", err)
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), putOpts)
	if err != nil {
		if classified := classifyPutObjectError(err, opts.ExpectedETag != ""); classified != nil {
			logger.Debug("s3.put_object.conditional_failed", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists, "error", classified)
			return nil, classified
		}
		return nil, s.wrapError(err, "s3: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject removes the object at key. S3 has no conditional delete, so an
// expected ETag is checked with a stat immediately before removal.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := pslog.LoggerFromContext(ctx)
	object := s.objectKey(key)
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return s.wrapError(err, "s3: stat object")
	}
	if opts.ExpectedETag != "" && stripETag(info.ETag) != opts.ExpectedETag {
		logger.Debug("s3.delete_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", stripETag(info.ETag))
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		return s.wrapError(err, "s3: delete object")
	}
	return nil
}

// ListObjects enumerates documents under opts.Prefix in key order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	root := s.cfg.Prefix
	if root != "" {
		root += "/"
	}
	listOpts := minio.ListObjectsOptions{
		Prefix:    root + strings.TrimPrefix(opts.Prefix, "/"),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = root + strings.TrimPrefix(opts.StartAfter, "/")
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, listOpts) {
		if object.Err != nil {
			return nil, s.wrapError(object.Err, "s3: list objects")
		}
		logical := strings.TrimPrefix(object.Key, root)
		if root != "" && logical == object.Key {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          logical,
			ETag:         stripETag(object.ETag),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
		result.NextStartAfter = logical
	}
	return result, nil
}

func (s *Store) objectKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func classifyPutObjectError(err error, hasExpectedETag bool) error {
	if err == nil {
		return nil
	}
	if isPreconditionFailed(err) {
		return storage.ErrCASMismatch
	}
	if hasExpectedETag && isNotFound(err) {
		return storage.ErrNotFound
	}
	return nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	switch resp.StatusCode {
	case http.StatusPreconditionFailed:
		return true
	case http.StatusConflict:
		return resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted"
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE, syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
