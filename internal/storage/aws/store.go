// Package aws stores resource documents in Amazon S3 using the AWS SDK.
// Unlike the generic S3 backend it relies on native conditional deletes, so
// DeleteObject with an expected ETag is a single request.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/brokerd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

const awsOpTimeout = 30 * time.Second

// New loads the default AWS configuration chain and builds a client.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint == "" {
			return
		}
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if cfg.Insecure {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 32
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// WatchStatus reports that S3 has no change feed; the resource watch polls.
func (s *Store) WatchStatus() storage.WatchStatus {
	return storage.WatchStatus{Enabled: false, Mode: "polling", Reason: "s3_has_no_change_notifications"}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetObject downloads the document stored at key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, s.wrapError(err, "aws: get object")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.GetObjectResult{}, s.wrapError(err, "aws: read object")
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(payload)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         stripETag(aws.ToString(resp.ETag)),
			Size:         int64(len(payload)),
			LastModified: aws.ToTime(resp.LastModified),
			ContentType:  aws.ToString(resp.ContentType),
		},
	}, nil
}

// PutObject uploads body with If-Match / If-None-Match guards.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := pslog.LoggerFromContext(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeJSON
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("aws: read body: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(contentType),
	}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	} else if opts.IfNotExists {
		input.IfNoneMatch = aws.String("*")
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if classified := classifyPutObjectError(err, opts.ExpectedETag != ""); classified != nil {
			logger.Debug("aws.put_object.conditional_failed", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists, "error", classified)
			return nil, classified
		}
		return nil, s.wrapError(err, "aws: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(out.ETag)),
		Size:         int64(len(payload)),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}, nil
}

// DeleteObject removes the object at key, enforcing If-Match when an expected
// ETag is given.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	// S3 deletes are idempotent, so existence has to be checked explicitly.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}); err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return s.wrapError(err, "aws: head object")
	}
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		switch {
		case isNotFound(err):
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		case isPreconditionFailed(err):
			return storage.ErrCASMismatch
		}
		return s.wrapError(err, "aws: delete object")
	}
	return nil
}

// ListObjects enumerates documents under opts.Prefix in key order, following
// continuation tokens until the limit is reached.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	root := s.cfg.Prefix
	if root != "" {
		root += "/"
	}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	result := &storage.ListResult{}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.wrapError(err, "aws: list objects")
		}
		for _, object := range page.Contents {
			full := aws.ToString(object.Key)
			logical := strings.TrimPrefix(full, root)
			if root != "" && logical == full {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				return result, nil
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          logical,
				ETag:         stripETag(aws.ToString(object.ETag)),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
			})
			result.NextStartAfter = logical
		}
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

func applySSEToPut(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
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
	if status, ok := httpStatusCode(err); ok {
		return status >= http.StatusInternalServerError ||
			status == http.StatusTooManyRequests ||
			status == http.StatusRequestTimeout
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

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && status == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && (status == http.StatusPreconditionFailed || status == http.StatusConflict)
}
