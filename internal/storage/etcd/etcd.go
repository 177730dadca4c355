// Package etcd stores resource documents as etcd keys. Every key carries its
// ModRevision as the ETag, so conditional writes are single Txn compares and
// the native watch API doubles as the change feed.
package etcd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"pkt.systems/brokerd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the etcd backend.
type Config struct {
	Endpoints   []string
	Prefix      string
	Username    string
	Password    string
	DialTimeout time.Duration
	Logger      pslog.Logger
}

// Store implements storage.Backend and storage.ChangeFeed on etcd v3.
type Store struct {
	client *clientv3.Client
	kv     clientv3.KV
	prefix string
	owned  bool
	logger pslog.Logger
}

// New dials etcd with the supplied configuration.
func New(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: at least one endpoint is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: dial: %w", err)
	}
	store := NewWithClient(client, cfg.Prefix, cfg.Logger)
	store.owned = true
	return store, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client *clientv3.Client, prefix string, logger pslog.Logger) *Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{client: client, kv: client.KV, prefix: prefix, logger: logger}
}

// Close releases the client when the store dialed it.
func (s *Store) Close() error {
	if s.owned && s.client != nil {
		return s.client.Close()
	}
	return nil
}

// WatchStatus reports the native watch feed.
func (s *Store) WatchStatus() storage.WatchStatus {
	return storage.WatchStatus{Enabled: true, Mode: "etcd_watch"}
}

func (s *Store) fullKey(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

func revisionETag(rev int64) string {
	return strconv.FormatInt(rev, 10)
}

// GetObject reads key at the latest revision.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	resp, err := s.kv.Get(ctx, s.fullKey(key))
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "etcd: get")
	}
	if len(resp.Kvs) == 0 {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	kv := resp.Kvs[0]
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(kv.Value)),
		Info: &storage.ObjectInfo{
			Key:         key,
			ETag:        revisionETag(kv.ModRevision),
			Size:        int64(len(kv.Value)),
			ContentType: storage.ContentTypeJSON,
		},
	}, nil
}

// PutObject writes key inside a transaction guarded by the expected revision,
// or by CreateRevision == 0 for create-only writes.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("etcd: read body: %w", err)
	}
	full := s.fullKey(key)
	put := clientv3.OpPut(full, string(payload))
	var (
		cmp   []clientv3.Cmp
		check bool
	)
	switch {
	case opts.ExpectedETag != "":
		rev, perr := strconv.ParseInt(opts.ExpectedETag, 10, 64)
		if perr != nil {
			return nil, storage.ErrCASMismatch
		}
		cmp = append(cmp, clientv3.Compare(clientv3.ModRevision(full), "=", rev))
		check = true
	case opts.IfNotExists:
		cmp = append(cmp, clientv3.Compare(clientv3.CreateRevision(full), "=", 0))
	}
	resp, err := s.kv.Txn(ctx).If(cmp...).Then(put).Else(clientv3.OpGet(full)).Commit()
	if err != nil {
		return nil, wrapError(err, "etcd: put")
	}
	if !resp.Succeeded {
		if check && len(resp.Responses) > 0 && len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
			return nil, storage.ErrNotFound
		}
		s.logger.Debug("etcd.put.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
		return nil, storage.ErrCASMismatch
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         revisionETag(resp.Header.Revision),
		Size:         int64(len(payload)),
		LastModified: time.Now().UTC(),
		ContentType:  storage.ContentTypeJSON,
	}, nil
}

// DeleteObject removes key, guarded by the expected revision when set.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	full := s.fullKey(key)
	cmp := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(full), ">", 0)}
	if opts.ExpectedETag != "" {
		rev, err := strconv.ParseInt(opts.ExpectedETag, 10, 64)
		if err != nil {
			return storage.ErrCASMismatch
		}
		cmp = append(cmp, clientv3.Compare(clientv3.ModRevision(full), "=", rev))
	}
	resp, err := s.kv.Txn(ctx).If(cmp...).Then(clientv3.OpDelete(full)).Else(clientv3.OpGet(full)).Commit()
	if err != nil {
		return wrapError(err, "etcd: delete")
	}
	if resp.Succeeded {
		return nil
	}
	if len(resp.Responses) > 0 && len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	return storage.ErrCASMismatch
}

// ListObjects returns keys under opts.Prefix in ascending order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	prefix := s.fullKey(opts.Prefix)
	start := prefix
	if opts.StartAfter != "" {
		// The smallest key strictly greater than StartAfter.
		start = s.fullKey(opts.StartAfter) + "\x00"
	}
	end := clientv3.GetPrefixRangeEnd(prefix)
	getOpts := []clientv3.OpOption{
		clientv3.WithRange(end),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	}
	if opts.Limit > 0 {
		getOpts = append(getOpts, clientv3.WithLimit(int64(opts.Limit)))
	}
	resp, err := s.kv.Get(ctx, start, getOpts...)
	if err != nil {
		return nil, wrapError(err, "etcd: list")
	}
	result := &storage.ListResult{Truncated: resp.More}
	for _, kv := range resp.Kvs {
		logical := strings.TrimPrefix(string(kv.Key), s.prefix)
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:         logical,
			ETag:        revisionETag(kv.ModRevision),
			Size:        int64(len(kv.Value)),
			ContentType: storage.ContentTypeJSON,
		})
		result.NextStartAfter = logical
	}
	return result, nil
}

// SubscribeChanges starts an etcd watch over prefix and coalesces events into
// a single pending signal.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	ctx, cancel := context.WithCancel(clientv3.WithRequireLeader(context.Background()))
	watch := s.client.Watch(ctx, s.fullKey(prefix), clientv3.WithPrefix())
	sub := &subscription{events: make(chan struct{}, 1), cancel: cancel}
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer sub.closeEvents()
		for resp := range watch {
			if err := resp.Err(); err != nil {
				s.logger.Warn("etcd.watch.error", "prefix", prefix, "error", err)
				return
			}
			if len(resp.Events) == 0 {
				continue
			}
			select {
			case sub.events <- struct{}{}:
			default:
			}
		}
	}()
	return sub, nil
}

type subscription struct {
	events   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
	closeOne sync.Once
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) closeEvents() {
	s.closeOne.Do(func() { close(s.events) })
}

func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, clientv3.ErrNoAvailableEndpoints) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}
