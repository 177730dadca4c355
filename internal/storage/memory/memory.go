package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/ident"
	"pkt.systems/brokerd/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// Watch enables prefix change notifications.
	Watch bool
	Clock clock.Clock
}

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu    sync.RWMutex
	objs  map[string]*objectEntry
	clock clock.Clock

	sortedKeys []string

	watchEnabled bool
	watchMu      sync.Mutex
	watchers     map[*subscription]struct{}
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	info        storage.ObjectInfo
}

// New returns a ready to use in-memory store with change notifications enabled.
func New() *Store {
	return NewWithConfig(Config{Watch: true})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	store := &Store{
		objs:  make(map[string]*objectEntry),
		clock: clock.OrReal(cfg.Clock),
	}
	if cfg.Watch {
		store.watchEnabled = true
		store.watchers = make(map[*subscription]struct{})
	}
	return store
}

// Close implements storage.Backend.
func (s *Store) Close() error {
	s.watchMu.Lock()
	subs := make([]*subscription, 0, len(s.watchers))
	for sub := range s.watchers {
		subs = append(subs, sub)
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// ListObjects returns in-memory objects sorted lexicographically.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.sortedKeys
	startIdx := 0
	if opts.Prefix != "" {
		startIdx = sort.SearchStrings(keys, opts.Prefix)
	}
	if opts.StartAfter != "" {
		if idx := sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter }); idx > startIdx {
			startIdx = idx
		}
	}
	result := &storage.ListResult{}
	for idx := startIdx; idx < len(keys); idx++ {
		key := keys[idx]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, s.objs[key].info)
	}
	return result, nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := entry.info
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   &info,
	}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	entry, exists := s.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			s.mu.Unlock()
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	}
	etag := ident.NewUUIDString()
	info := storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: s.clock.Now(),
		ContentType:  opts.ContentType,
	}
	s.objs[key] = &objectEntry{
		payload:     payload,
		etag:        etag,
		contentType: opts.ContentType,
		info:        info,
	}
	if !exists {
		s.insertKeyLocked(key)
	}
	s.mu.Unlock()

	s.notify(key)
	return &info, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	entry, exists := s.objs[key]
	if !exists {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	s.removeKeyLocked(key)
	s.mu.Unlock()

	s.notify(key)
	return nil
}

// SubscribeChanges implements storage.ChangeFeed for the in-memory backend.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	sub := &subscription{
		store:  s,
		prefix: prefix,
		events: make(chan struct{}, 1),
	}
	s.watchMu.Lock()
	s.watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

// WatchStatus reports whether in-memory notifications are active.
func (s *Store) WatchStatus() storage.WatchStatus {
	if !s.watchEnabled {
		return storage.WatchStatus{Enabled: false, Mode: "disabled", Reason: "memory_watch_disabled"}
	}
	return storage.WatchStatus{Enabled: true, Mode: "inprocess"}
}

func (s *Store) notify(key string) {
	if !s.watchEnabled {
		return
	}
	s.watchMu.Lock()
	var subs []*subscription
	for sub := range s.watchers {
		if storage.HasPrefix(key, sub.prefix) {
			subs = append(subs, sub)
		}
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

func (s *Store) removeSubscription(sub *subscription) {
	s.watchMu.Lock()
	delete(s.watchers, sub)
	s.watchMu.Unlock()
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}

type subscription struct {
	store  *Store
	prefix string
	mu     sync.Mutex
	events chan struct{}
	closed uint32
}

func (s *subscription) Events() <-chan struct{} {
	return s.events
}

func (s *subscription) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	s.store.removeSubscription(s)
	s.mu.Lock()
	close(s.events)
	s.mu.Unlock()
	return nil
}

func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}
