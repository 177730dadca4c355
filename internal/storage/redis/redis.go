// Package redis stores resource documents in Redis. Each document is a hash
// holding the payload and its ETag; a sorted set with equal scores indexes the
// keys so prefix listings are ZRANGEBYLEX scans. Conditional writes run as Lua
// scripts and every successful write is announced on a pub/sub channel that
// backs the change feed.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/brokerd/internal/ident"
	"pkt.systems/brokerd/internal/storage"
	"pkt.systems/pslog"
)

const defaultNamespace = "brokerd"

var putScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'etag')
if ARGV[3] ~= '' then
  if not cur then return -1 end
  if cur ~= ARGV[3] then return 0 end
elseif ARGV[4] == '1' and cur then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'etag', ARGV[2], 'size', ARGV[6], 'mtime', ARGV[7])
redis.call('ZADD', KEYS[2], 0, ARGV[5])
return 1
`)

var deleteScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'etag')
if not cur then return -1 end
if ARGV[1] ~= '' and cur ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// Config controls the Redis backend.
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL       string
	Namespace string
	Logger    pslog.Logger
}

// Store implements storage.Backend and storage.ChangeFeed on Redis.
type Store struct {
	client goredis.UniversalClient
	ns     string
	owned  bool
	logger pslog.Logger
}

// New connects to the Redis server named by cfg.URL.
func New(cfg Config) (*Store, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	store := NewWithClient(goredis.NewClient(opts), cfg.Namespace, cfg.Logger)
	store.owned = true
	return store, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client goredis.UniversalClient, namespace string, logger pslog.Logger) *Store {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = defaultNamespace
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{client: client, ns: namespace, logger: logger}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrapError(s.client.Ping(ctx).Err(), "redis: ping")
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// WatchStatus reports the pub/sub change feed.
func (s *Store) WatchStatus() storage.WatchStatus {
	return storage.WatchStatus{Enabled: true, Mode: "redis_pubsub"}
}

func (s *Store) objectKey(key string) string { return s.ns + ":obj:" + key }
func (s *Store) indexKey() string            { return s.ns + ":idx" }
func (s *Store) changeChannel() string       { return s.ns + ":chg" }

// GetObject reads the document stored at key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	values, err := s.client.HMGet(ctx, s.objectKey(key), "v", "etag", "mtime").Result()
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "redis: get")
	}
	payload, ok := values[0].(string)
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	etag, _ := values[1].(string)
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		ContentType:  storage.ContentTypeJSON,
		LastModified: parseMillis(values[2]),
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader([]byte(payload))), Info: info}, nil
}

// PutObject writes key through the conditional put script.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("redis: read body: %w", err)
	}
	etag := ident.NewUUIDString()
	now := time.Now().UTC()
	ifNotExists := "0"
	if opts.IfNotExists {
		ifNotExists = "1"
	}
	res, err := putScript.Run(ctx, s.client,
		[]string{s.objectKey(key), s.indexKey()},
		string(payload), etag, opts.ExpectedETag, ifNotExists, key, len(payload), now.UnixMilli(),
	).Int()
	if err != nil {
		return nil, wrapError(err, "redis: put")
	}
	switch res {
	case -1:
		return nil, storage.ErrNotFound
	case 0:
		s.logger.Debug("redis.put.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
		return nil, storage.ErrCASMismatch
	}
	s.announce(ctx, key)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  storage.ContentTypeJSON,
	}, nil
}

// DeleteObject removes key through the conditional delete script.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	res, err := deleteScript.Run(ctx, s.client,
		[]string{s.objectKey(key), s.indexKey()},
		opts.ExpectedETag, key,
	).Int()
	if err != nil {
		return wrapError(err, "redis: delete")
	}
	switch res {
	case -1:
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	case 0:
		return storage.ErrCASMismatch
	}
	s.announce(ctx, key)
	return nil
}

// ListObjects scans the key index lexically from opts.Prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	minBound := "[" + opts.Prefix
	if opts.Prefix == "" {
		minBound = "-"
	}
	if opts.StartAfter != "" && opts.StartAfter >= opts.Prefix {
		minBound = "(" + opts.StartAfter
	}
	maxBound := "+"
	if opts.Prefix != "" {
		maxBound = "[" + opts.Prefix + "\xff"
	}
	rangeBy := &goredis.ZRangeBy{Min: minBound, Max: maxBound}
	if opts.Limit > 0 {
		rangeBy.Count = int64(opts.Limit + 1)
	}
	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(), rangeBy).Result()
	if err != nil {
		return nil, wrapError(err, "redis: list")
	}
	result := &storage.ListResult{}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
		result.Truncated = true
	}
	if len(keys) == 0 {
		return result, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, s.objectKey(key), "etag", "size", "mtime")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, wrapError(err, "redis: list metadata")
	}
	for i, key := range keys {
		values := cmds[i].Val()
		etag, ok := values[0].(string)
		if !ok {
			// Deleted between the index scan and the metadata fetch.
			continue
		}
		size, _ := strconv.ParseInt(fmt.Sprint(values[1]), 10, 64)
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         etag,
			Size:         size,
			LastModified: parseMillis(values[2]),
			ContentType:  storage.ContentTypeJSON,
		})
	}
	result.NextStartAfter = keys[len(keys)-1]
	return result, nil
}

func (s *Store) announce(ctx context.Context, key string) {
	if err := s.client.Publish(ctx, s.changeChannel(), key).Err(); err != nil {
		s.logger.Warn("redis.change.publish_error", "key", key, "error", err)
	}
}

// SubscribeChanges listens on the change channel and signals when a key under
// prefix was written or deleted.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	ctx := context.Background()
	pubsub := s.client.Subscribe(ctx, s.changeChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, wrapError(err, "redis: subscribe")
	}
	sub := &subscription{pubsub: pubsub, events: make(chan struct{}, 1)}
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			if !storage.HasPrefix(msg.Payload, prefix) {
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
	pubsub *goredis.PubSub
	events chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return err
}

func parseMillis(v any) time.Time {
	str, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || strings.Contains(err.Error(), "connection refused") {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}
