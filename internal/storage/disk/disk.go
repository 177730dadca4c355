package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"pkt.systems/pslog"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/ident"
	"pkt.systems/brokerd/internal/storage"
	"pkt.systems/brokerd/internal/svcfields"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// Watch enables fsnotify change notifications when the filesystem
	// supports them.
	Watch  bool
	Clock  clock.Clock
	Logger pslog.Logger
}

// Store implements storage.Backend backed by the local filesystem. Each
// object is a data file plus a sidecar info file; writes go through a temp
// file and rename. Conditional writes hold a per-key mutex and an fcntl lock
// so several processes sharing the root observe the same CAS outcome.
type Store struct {
	root      string
	tmpDir    string
	lockDir   string
	objectDir string
	clock     clock.Clock
	logger    pslog.Logger

	locks sync.Map

	watchEnabled bool
	watchMode    string
	watchReason  string
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	SHA256        string `json:"sha256"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		objectDir: filepath.Join(root, "objects"),
		clock:     clock.OrReal(cfg.Clock),
		logger:    svcfields.WithSubsystem(cfg.Logger, "storage.disk"),
	}
	for _, dir := range []string{s.tmpDir, s.lockDir, s.objectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s.watchMode = "polling"
	s.watchReason = "config_disabled"
	if cfg.Watch {
		if watchSupported(root) {
			s.watchEnabled = true
			s.watchMode = "fsnotify"
			s.watchReason = "filesystem_watch_enabled"
		} else {
			s.watchReason = "filesystem_not_supported"
		}
	}
	return s, nil
}

// WatchStatus reports whether fsnotify-based change notifications are active.
func (s *Store) WatchStatus() storage.WatchStatus {
	return storage.WatchStatus{Enabled: s.watchEnabled, Mode: s.watchMode, Reason: s.watchReason}
}

// Close implements storage.Backend.
func (s *Store) Close() error {
	return nil
}

func (s *Store) keyLock(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lockKey serialises writers of key within this process and across processes
// sharing the root.
func (s *Store) lockKey(key string) (func(), error) {
	mu := s.keyLock(key)
	mu.Lock()
	fl, err := s.acquireFileLock(key)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("disk.lock.release_error", "key", key, "error", err)
		}
		mu.Unlock()
	}, nil
}

func (s *Store) acquireFileLock(key string) (*fileLock, error) {
	lockPath, err := s.lockFilePath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return &fileLock{file: f}, nil
}

func (s *Store) lockFilePath(key string) (string, error) {
	normalized, err := normalizeObjectKey(key)
	if err != nil {
		return "", err
	}
	segments := strings.Split(normalized, "/")
	dir := filepath.Join(append([]string{s.lockDir}, segments[:len(segments)-1]...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("disk: prepare lock directory %q: %w", dir, err)
	}
	return filepath.Join(dir, segments[len(segments)-1]+".lock"), nil
}

func normalizeObjectKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return clean, nil
}

func (s *Store) objectDataPath(key string) (string, error) {
	normalized, err := normalizeObjectKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(normalized)), nil
}

func (s *Store) keyFromObjectPath(objectPath string) (string, error) {
	rel, err := filepath.Rel(s.objectDir, objectPath)
	if err != nil {
		return "", fmt.Errorf("disk: compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") || rel == "" {
		return "", fmt.Errorf("disk: object path outside root: %q", objectPath)
	}
	return filepath.ToSlash(rel), nil
}

func (s *Store) loadObjectInfo(key, dataPath string) (*storage.ObjectInfo, *objectInfoRecord, error) {
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, storage.NewTransientError(fmt.Errorf("disk: missing object metadata for %q", key))
		}
		return nil, nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	if rec.ETag == "" {
		return nil, nil, fmt.Errorf("disk: object %q missing etag", key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
		ContentType:  rec.ContentType,
	}, &rec, nil
}

// ListObjects enumerates on-disk objects using lexical ordering of keys.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	walkRoot := s.objectDir
	if dir := path.Dir(opts.Prefix + "x"); opts.Prefix != "" && dir != "." {
		walkRoot = filepath.Join(s.objectDir, filepath.FromSlash(dir))
	}
	keys := make([]string, 0, 64)
	err := filepath.WalkDir(walkRoot, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		key, err := s.keyFromObjectPath(p)
		if err != nil {
			return err
		}
		if !storage.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("disk.list_objects.walk_error", "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for _, key := range keys {
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		dataPath, err := s.objectDataPath(key)
		if err != nil {
			return nil, err
		}
		info, _, err := s.loadObjectInfo(key, dataPath)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	return result, nil
}

// GetObject reads the object payload for key and verifies its checksum.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	payload, err := os.ReadFile(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, fmt.Errorf("disk: read object %q: %w", key, err)
	}
	info, rec, err := s.loadObjectInfo(key, dataPath)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	if sum := checksum(payload); rec.SHA256 != "" && sum != rec.SHA256 {
		// A writer replaced the data file but not yet the info file.
		return storage.GetObjectResult{}, storage.NewTransientError(fmt.Errorf("disk: object %q checksum mismatch", key))
	}
	info.Size = int64(len(payload))
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(payload)), Info: info}, nil
}

// PutObject writes an object to disk with optional conditional semantics.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("disk: read body for %q: %w", key, err)
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, _, err := s.loadObjectInfo(key, dataPath)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	switch {
	case opts.ExpectedETag != "":
		if current == nil {
			return nil, storage.ErrNotFound
		}
		if current.ETag != opts.ExpectedETag {
			s.logger.Trace("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && current != nil:
		return nil, storage.ErrCASMismatch
	}

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	now := s.clock.Now()
	rec := objectInfoRecord{
		ETag:          ident.NewUUIDString(),
		SHA256:        checksum(payload),
		ContentType:   opts.ContentType,
		UpdatedAtUnix: now.Unix(),
	}
	info, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("disk: encode object metadata for %q: %w", key, err)
	}
	// The info file is written last: readers holding the old etag keep
	// failing CAS until the new data is fully in place.
	if err := s.writeBytesAtomic(dataPath, payload, "object"); err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	if err := s.writeBytesAtomic(dataPath+infoSuffix, info, "objectinfo"); err != nil {
		return nil, fmt.Errorf("disk: write object metadata %q: %w", key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes an object from disk applying optional CAS semantics.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()

	info, _, err := s.loadObjectInfo(key, dataPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	return nil
}

func (s *Store) writeBytesAtomic(dest string, payload []byte, prefix string) error {
	tmp, err := os.CreateTemp(s.tmpDir, "brokerd-"+prefix+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}
