package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/storage"
	"pkt.systems/brokerd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	resourcesPrefix = "resources/"
	schemasPrefix   = "schemas/"

	// DefaultPollInterval bounds watch staleness on backends without a change
	// feed, and is the safety relist interval on backends with one.
	DefaultPollInterval = 2 * time.Second

	maxMutateAttempts = 16
)

// Config wires a Store.
type Config struct {
	Backend      storage.Backend
	Logger       pslog.Logger
	Clock        clock.Clock
	PollInterval time.Duration
}

// Store is the resource store.
type Store struct {
	backend      storage.Backend
	logger       pslog.Logger
	clock        clock.Clock
	pollInterval time.Duration

	mu      sync.RWMutex
	schemas map[string]struct{}
}

// New returns a Store over cfg.Backend.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errors.New("resource: backend is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Store{
		backend:      cfg.Backend,
		logger:       svcfields.WithSubsystem(cfg.Logger, "resource.store"),
		clock:        clock.OrReal(cfg.Clock),
		pollInterval: cfg.PollInterval,
		schemas:      make(map[string]struct{}),
	}, nil
}

// Backend exposes the underlying storage backend.
func (s *Store) Backend() storage.Backend { return s.backend }

func schemaKey(group, kind string) string {
	return schemasPrefix + group + "/" + kind + ".json"
}

func kindPrefix(group, kind string) string {
	return resourcesPrefix + group + "/" + kind + "/"
}

func objectKey(ref Ref) string {
	return kindPrefix(ref.Group, ref.Kind) + ref.ID + ".json"
}

type schemaDocument struct {
	Group        string    `json:"group"`
	Kind         string    `json:"kind"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// RegisterSchema makes group/kind known to the store. It is idempotent and
// safe to call from every process in a fleet.
func (s *Store) RegisterSchema(ctx context.Context, group, kind string) error {
	if err := validateSchemaName(group, kind); err != nil {
		return err
	}
	payload, err := json.Marshal(schemaDocument{Group: group, Kind: kind, RegisteredAt: s.clock.Now()})
	if err != nil {
		return err
	}
	_, err = s.backend.PutObject(ctx, schemaKey(group, kind), bytes.NewReader(payload), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil && !errors.Is(err, storage.ErrCASMismatch) {
		return fmt.Errorf("resource: register schema %s/%s: %w", group, kind, err)
	}
	s.mu.Lock()
	s.schemas[group+"/"+kind] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("resource.schema.registered", "group", group, "kind", kind, "existing", err != nil)
	return nil
}

// ensureSchema accepts kinds registered by this process or by any other
// process sharing the backend.
func (s *Store) ensureSchema(ctx context.Context, group, kind string) error {
	if err := validateSchemaName(group, kind); err != nil {
		return err
	}
	name := group + "/" + kind
	s.mu.RLock()
	_, ok := s.schemas[name]
	s.mu.RUnlock()
	if ok {
		return nil
	}
	obj, err := s.backend.GetObject(ctx, schemaKey(group, kind))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSchemaNotRegistered, name)
		}
		return fmt.Errorf("resource: lookup schema %s: %w", name, err)
	}
	_ = obj.Reader.Close()
	s.mu.Lock()
	s.schemas[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Store) checkRef(ctx context.Context, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	return s.ensureSchema(ctx, ref.Group, ref.Kind)
}

// Get reads the current version of ref.
func (s *Store) Get(ctx context.Context, ref Ref) (*Resource, error) {
	if err := s.checkRef(ctx, ref); err != nil {
		return nil, err
	}
	return s.read(ctx, objectKey(ref))
}

func (s *Store) read(ctx context.Context, key string) (*Resource, error) {
	obj, err := s.backend.GetObject(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resource: get %s: %w", key, err)
	}
	defer obj.Reader.Close()
	payload, err := io.ReadAll(obj.Reader)
	if err != nil {
		return nil, fmt.Errorf("resource: read %s: %w", key, err)
	}
	var res Resource
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("resource: decode %s: %w", key, err)
	}
	if obj.Info != nil {
		res.Version = obj.Info.ETag
	}
	return &res, nil
}

// List returns resources of group/kind in id order, optionally filtered to
// the supplied states.
func (s *Store) List(ctx context.Context, group, kind string, states ...string) ([]*Resource, error) {
	if err := s.ensureSchema(ctx, group, kind); err != nil {
		return nil, err
	}
	objects, err := storage.ListAll(ctx, s.backend, kindPrefix(group, kind))
	if err != nil {
		return nil, fmt.Errorf("resource: list %s/%s: %w", group, kind, err)
	}
	filter := stateFilter(states)
	out := make([]*Resource, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		res, err := s.read(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter.match(res) {
			out = append(out, res)
		}
	}
	return out, nil
}

type stateSet map[string]struct{}

func stateFilter(states []string) stateSet {
	if len(states) == 0 {
		return nil
	}
	set := make(stateSet, len(states))
	for _, st := range states {
		set[st] = struct{}{}
	}
	return set
}

func (f stateSet) match(r *Resource) bool {
	if f == nil {
		return true
	}
	_, ok := f[r.Status.State]
	return ok
}

// Create stores a new resource. It fails with ErrConflict when the id exists.
func (s *Store) Create(ctx context.Context, ref Ref, spec Spec, status Status) (*Resource, error) {
	if err := s.checkRef(ctx, ref); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	res := &Resource{
		Group:     ref.Group,
		Kind:      ref.Kind,
		ID:        ref.ID,
		Spec:      Spec{Options: cloneRaw(spec.Options)},
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	out, err := s.write(ctx, res, "")
	if err != nil {
		return nil, err
	}
	s.logger.Debug("resource.create.success", "ref", ref.String(), "state", status.State, "version", out.Version)
	return out, nil
}

// Update writes r conditionally on r.Version.
func (s *Store) Update(ctx context.Context, r *Resource) (*Resource, error) {
	if r == nil {
		return nil, errors.New("resource: nil resource")
	}
	if r.Version == "" {
		return nil, fmt.Errorf("resource: update %s: version is required", r.Ref())
	}
	if err := s.checkRef(ctx, r.Ref()); err != nil {
		return nil, err
	}
	return s.write(ctx, r.Clone(), r.Version)
}

// write persists r. An empty expected version means create-only. The
// generation is advanced on every write so that two writes never produce the
// same document bytes.
func (s *Store) write(ctx context.Context, r *Resource, expected string) (*Resource, error) {
	r.Generation++
	if expected != "" {
		r.UpdatedAt = s.clock.Now()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("resource: encode %s: %w", r.Ref(), err)
	}
	opts := storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	if expected != "" {
		opts.ExpectedETag = expected
	} else {
		opts.IfNotExists = true
	}
	info, err := s.backend.PutObject(ctx, objectKey(r.Ref()), bytes.NewReader(payload), opts)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCASMismatch):
			return nil, ErrConflict
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resource: write %s: %w", r.Ref(), err)
	}
	r.Version = info.ETag
	return r, nil
}

// PatchStatus applies patch to ref. With an expected version the write is
// conditional and fails with ErrConflict when the resource moved on; without
// one the patch is retried against the latest version.
func (s *Store) PatchStatus(ctx context.Context, ref Ref, patch Patch, expectedVersion string) (*Resource, error) {
	if expectedVersion == "" {
		return s.Mutate(ctx, ref, func(r *Resource) (bool, error) {
			patch.Apply(r)
			return true, nil
		})
	}
	res, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if res.Version != expectedVersion {
		return nil, ErrConflict
	}
	patch.Apply(res)
	return s.write(ctx, res, expectedVersion)
}

// PatchIfVersion applies patch only if ref is still at version. Losing the
// race is reported through the result, not as an error; the error return is
// reserved for store failures.
func (s *Store) PatchIfVersion(ctx context.Context, ref Ref, version string, patch Patch) (PatchResult, error) {
	res, err := s.PatchStatus(ctx, ref, patch, version)
	switch {
	case err == nil:
		return PatchResult{Outcome: Patched, Resource: res}, nil
	case errors.Is(err, ErrConflict):
		return PatchResult{Outcome: Conflict}, nil
	case errors.Is(err, ErrNotFound):
		return PatchResult{Outcome: NotFound}, nil
	}
	return PatchResult{}, err
}

// Mutate runs fn against the latest version of ref and writes the result,
// retrying on conflicts. fn returning false skips the write and returns the
// unchanged resource.
func (s *Store) Mutate(ctx context.Context, ref Ref, fn func(*Resource) (bool, error)) (*Resource, error) {
	for attempt := 1; attempt <= maxMutateAttempts; attempt++ {
		current, err := s.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		version := current.Version
		changed, err := fn(current)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}
		out, err := s.write(ctx, current, version)
		if errors.Is(err, ErrConflict) {
			s.logger.Trace("resource.mutate.retry", "ref", ref.String(), "attempt", attempt)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("resource: mutate %s: %w after %d attempts", ref, ErrConflict, maxMutateAttempts)
}

// Delete removes ref. Deleting a missing resource is not an error.
func (s *Store) Delete(ctx context.Context, ref Ref) error {
	if err := s.checkRef(ctx, ref); err != nil {
		return err
	}
	if err := s.backend.DeleteObject(ctx, objectKey(ref), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return fmt.Errorf("resource: delete %s: %w", ref, err)
	}
	return nil
}

// DeleteIfVersion removes ref only if it is still at version.
func (s *Store) DeleteIfVersion(ctx context.Context, ref Ref, version string) error {
	if err := s.checkRef(ctx, ref); err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("resource: delete %s: version is required", ref)
	}
	err := s.backend.DeleteObject(ctx, objectKey(ref), storage.DeleteObjectOptions{ExpectedETag: version})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrCASMismatch):
		return ErrConflict
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	}
	return fmt.Errorf("resource: delete %s: %w", ref, err)
}
