// Package azure stores resource documents as block blobs in an Azure Storage
// container. Blob ETags back the conditional write contract.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/brokerd/internal/storage"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New builds a client from shared key or SAS credentials and makes sure the
// container exists.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()}}
	if cfg.SASToken != "" {
		withSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 32
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery += "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

// WatchStatus reports that blob storage has no change feed wired here; the
// resource watch polls.
func (s *Store) WatchStatus() storage.WatchStatus {
	return storage.WatchStatus{Enabled: false, Mode: "polling", Reason: "azure_change_feed_not_used"}
}

func (s *Store) blobName(key string) (string, error) {
	segments := escapeSegments(key)
	if len(segments) == 0 {
		return "", fmt.Errorf("azure: object key required")
	}
	name := path.Join(segments...)
	if s.prefix != "" {
		name = path.Join(s.prefix, name)
	}
	return name, nil
}

func (s *Store) logicalKey(name string) (string, bool) {
	if s.prefix != "" {
		trimmed := strings.TrimPrefix(name, s.prefix+"/")
		if trimmed == name {
			return "", false
		}
		name = trimmed
	}
	decoded, err := url.PathUnescape(name)
	if err != nil {
		return "", false
	}
	return decoded, true
}

func escapeSegments(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	for i, segment := range parts {
		parts[i] = url.PathEscape(segment)
	}
	return parts
}

// GetObject downloads the blob stored at key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	name, err := s.blobName(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "azure: read object")
	}
	info := &storage.ObjectInfo{Key: key, Size: int64(len(payload))}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(payload)), Info: info}, nil
}

// PutObject uploads a blob with If-Match / If-None-Match access conditions.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("azure: read body: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeJSON
	}
	uploadOpts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	}
	if opts.ExpectedETag != "" {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag))},
		}
	} else if opts.IfNotExists {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	}
	resp, err := s.client.UploadBuffer(ctx, s.container, name, payload, uploadOpts)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{Key: key, ContentType: contentType, Size: int64(len(payload)), LastModified: time.Now().UTC()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	return info, nil
}

// DeleteObject removes the blob, optionally enforcing a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	deleteOpts := &azblob.DeleteBlobOptions{}
	if opts.ExpectedETag != "" {
		deleteOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag))},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, name, deleteOpts); err != nil {
		switch {
		case isNotFound(err):
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		case isPreconditionFailed(err):
			return storage.ErrCASMismatch
		}
		return wrapError(err, "azure: delete object")
	}
	return nil
}

// ListObjects enumerates blobs under opts.Prefix. Blob listings are already
// lexically ordered; StartAfter is applied client side.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	listPrefix := path.Join(escapeSegments(opts.Prefix)...)
	if strings.HasSuffix(opts.Prefix, "/") && listPrefix != "" {
		listPrefix += "/"
	}
	if s.prefix != "" {
		listPrefix = s.prefix + "/" + listPrefix
	}
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &listPrefix})
	result := &storage.ListResult{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			logical, ok := s.logicalKey(*item.Name)
			if !ok || !storage.HasPrefix(logical, opts.Prefix) {
				continue
			}
			if opts.StartAfter != "" && logical <= opts.StartAfter {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				return result, nil
			}
			info := storage.ObjectInfo{Key: logical}
			if props := item.Properties; props != nil {
				if props.ETag != nil {
					info.ETag = string(*props.ETag)
				}
				if props.ContentLength != nil {
					info.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					info.LastModified = props.LastModified.UTC()
				}
				if props.ContentType != nil {
					info.ContentType = *props.ContentType
				}
			}
			result.Objects = append(result.Objects, info)
			result.NextStartAfter = logical
		}
	}
	return result, nil
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests {
			return storage.NewTransientError(wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusPreconditionFailed ||
			(respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "BlobAlreadyExists"))
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
