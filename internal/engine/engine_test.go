package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pkt.systems/brokerd/internal/core"
	"pkt.systems/brokerd/internal/ident"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/storage/memory"
)

const (
	testGroup = "backup.brokerd.io"
	testKind  = "backups"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *resource.Store {
	t.Helper()
	store, err := resource.New(resource.Config{Backend: memory.New(), PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.RegisterSchema(context.Background(), testGroup, testKind); err != nil {
		t.Fatalf("register: %v", err)
	}
	return store
}

func newTestEngine(t *testing.T, store *resource.Store, identity string, maxInFlight int) *Engine {
	t.Helper()
	eng, err := New(Config{
		Store:       store,
		Identity:    identity,
		MaxInFlight: maxInFlight,
		Refresh:     time.Minute,
		RetryDelay:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return eng
}

func createQueued(t *testing.T, store *resource.Store, id string) resource.Ref {
	t.Helper()
	ref := resource.Ref{Group: testGroup, Kind: testKind, ID: id}
	if _, err := store.Create(context.Background(), ref, resource.Spec{Options: json.RawMessage(`{"instanceId":"i-1"}`)}, resource.Status{State: resource.StateInQueue}); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return ref
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForResource(t *testing.T, store *resource.Store, ref resource.Ref, what string, cond func(*resource.Resource) bool) *resource.Resource {
	t.Helper()
	var last *resource.Resource
	waitFor(t, what, func() bool {
		r, err := store.Get(context.Background(), ref)
		if err != nil {
			return false
		}
		last = r
		return cond(r)
	})
	return last
}

// moveTo returns a handler that advances the resource out of IN_QUEUE.
func moveTo(store *resource.Store, state string, calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, r *resource.Resource) error {
		calls.Add(1)
		_, err := store.PatchStatus(ctx, r.Ref(), resource.StatePatch(state), "")
		return err
	}
}

func TestHandlerRunsAndClaimIsReleased(t *testing.T) {
	store := newTestStore(t)
	eng := newTestEngine(t, store, "proc-a", 0)
	var calls atomic.Int32
	var seenClaim atomic.Value
	handler := HandlerFunc(func(ctx context.Context, r *resource.Resource) error {
		seenClaim.Store(r.ClaimedBy())
		return moveTo(store, resource.StateInProgress, &calls)(ctx, r)
	})
	if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind, States: []string{resource.StateInQueue}, Handler: handler}); err != nil {
		t.Fatalf("register watch: %v", err)
	}
	ref := createQueued(t, store, "b1")
	r := waitForResource(t, store, ref, "release", func(r *resource.Resource) bool {
		return r.Status.State == resource.StateInProgress && r.ClaimedBy() == ""
	})
	if calls.Load() != 1 {
		t.Fatalf("expected one handler call, got %d", calls.Load())
	}
	if seenClaim.Load() != "proc-a" {
		t.Fatalf("handler must see its own claim, saw %v", seenClaim.Load())
	}
	if r.Status.Error != nil {
		t.Fatalf("unexpected error payload %+v", r.Status.Error)
	}
}

func TestFailedHandlerMarksResourceFailed(t *testing.T) {
	store := newTestStore(t)
	eng := newTestEngine(t, store, "proc-a", 0)
	handler := HandlerFunc(func(context.Context, *resource.Resource) error {
		return fmt.Errorf("wrapped: %w", core.Validation("instance %q unknown", "i-1"))
	})
	if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind, States: []string{resource.StateInQueue}, Handler: handler}); err != nil {
		t.Fatalf("register watch: %v", err)
	}
	ref := createQueued(t, store, "b1")
	r := waitForResource(t, store, ref, "failed state", func(r *resource.Resource) bool {
		return r.Status.State == resource.StateFailed && r.ClaimedBy() == ""
	})
	if r.Status.Error == nil || r.Status.Error.Code != core.CodeValidation {
		t.Fatalf("expected validation error payload, got %+v", r.Status.Error)
	}
	if r.Status.Error.Message != `instance "i-1" unknown` || r.Status.Error.Time.IsZero() {
		t.Fatalf("unexpected error payload %+v", r.Status.Error)
	}
}

func TestPanickingHandlerIsTreatedAsFailed(t *testing.T) {
	store := newTestStore(t)
	eng := newTestEngine(t, store, "proc-a", 0)
	handler := HandlerFunc(func(context.Context, *resource.Resource) error {
		panic("boom")
	})
	if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind, States: []string{resource.StateInQueue}, Handler: handler}); err != nil {
		t.Fatalf("register watch: %v", err)
	}
	ref := createQueued(t, store, "b1")
	r := waitForResource(t, store, ref, "failed state", func(r *resource.Resource) bool {
		return r.Status.State == resource.StateFailed && r.ClaimedBy() == ""
	})
	if r.Status.Error == nil || r.Status.Error.Code != core.CodeInternal {
		t.Fatalf("expected internal error payload, got %+v", r.Status.Error)
	}
}

func TestHeldOutcomeKeepsClaim(t *testing.T) {
	store := newTestStore(t)
	eng := newTestEngine(t, store, "proc-a", 0)
	var calls atomic.Int32
	handler := RelayHandlerFunc(func(ctx context.Context, r *resource.Resource) Outcome {
		calls.Add(1)
		if _, err := store.PatchStatus(ctx, r.Ref(), resource.StatePatch(resource.StateWaiting), ""); err != nil {
			return Failed(err)
		}
		return Held()
	})
	if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind, States: []string{resource.StateInQueue}, Handler: handler}); err != nil {
		t.Fatalf("register watch: %v", err)
	}
	ref := createQueued(t, store, "b1")
	waitForResource(t, store, ref, "waiting state", func(r *resource.Resource) bool {
		return r.Status.State == resource.StateWaiting
	})
	waitFor(t, "handler exit", func() bool { return eng.InFlight() == 0 })
	r, err := store.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.ClaimedBy() != "proc-a" {
		t.Fatalf("held claim must persist, got %q", r.ClaimedBy())
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
}

func TestResourceClaimedElsewhereIsSkipped(t *testing.T) {
	store := newTestStore(t)
	eng := newTestEngine(t, store, "proc-a", 0)
	var calls atomic.Int32
	ref := createQueued(t, store, "b1")
	if _, err := store.PatchStatus(context.Background(), ref, resource.ClaimPatch("proc-b"), ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	handled := createQueued(t, store, "b2")
	if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind, States: []string{resource.StateInQueue}, Handler: moveTo(store, resource.StateInProgress, &calls)}); err != nil {
		t.Fatalf("register watch: %v", err)
	}
	waitForResource(t, store, handled, "unclaimed resource handled", func(r *resource.Resource) bool {
		return r.Status.State == resource.StateInProgress
	})
	r, _ := store.Get(context.Background(), ref)
	if r.Status.State != resource.StateInQueue || r.ClaimedBy() != "proc-b" {
		t.Fatalf("foreign claim must be left alone, got %s claimed by %q", r.Status.State, r.ClaimedBy())
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
}

func TestCompetingEnginesHandleEachResourceOnce(t *testing.T) {
	store := newTestStore(t)
	const resources = 20
	var (
		mu      sync.Mutex
		counts  = make(map[string]int)
		running = make(map[string]bool)
		overlap atomic.Bool
	)
	handler := HandlerFunc(func(ctx context.Context, r *resource.Resource) error {
		mu.Lock()
		if running[r.ID] {
			overlap.Store(true)
		}
		running[r.ID] = true
		counts[r.ID]++
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		_, err := store.PatchStatus(ctx, r.Ref(), resource.StatePatch(resource.StateSucceeded), "")
		mu.Lock()
		running[r.ID] = false
		mu.Unlock()
		return err
	})
	for _, id := range []string{"proc-a", "proc-b", "proc-c"} {
		eng := newTestEngine(t, store, id, 0)
		if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind, States: []string{resource.StateInQueue}, Handler: handler}); err != nil {
			t.Fatalf("register watch: %v", err)
		}
	}
	for i := 0; i < resources; i++ {
		createQueued(t, store, fmt.Sprintf("b%02d", i))
	}
	waitFor(t, "all resources succeeded", func() bool {
		list, err := store.List(context.Background(), testGroup, testKind, resource.StateSucceeded)
		return err == nil && len(list) == resources
	})
	mu.Lock()
	defer mu.Unlock()
	for id, n := range counts {
		if n != 1 {
			t.Fatalf("resource %s handled %d times", id, n)
		}
	}
	if len(counts) != resources {
		t.Fatalf("expected %d resources handled, got %d", resources, len(counts))
	}
	if overlap.Load() {
		t.Fatal("a resource was handled concurrently")
	}
}

func TestMaxInFlightBoundsConcurrency(t *testing.T) {
	store := newTestStore(t)
	eng := newTestEngine(t, store, "proc-a", 1)
	var (
		active  atomic.Int32
		peak    atomic.Int32
		handled atomic.Int32
	)
	handler := HandlerFunc(func(ctx context.Context, r *resource.Resource) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		handled.Add(1)
		_, err := store.PatchStatus(ctx, r.Ref(), resource.StatePatch(resource.StateSucceeded), "")
		return err
	})
	for i := 0; i < 5; i++ {
		createQueued(t, store, fmt.Sprintf("b%d", i))
	}
	if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind, States: []string{resource.StateInQueue}, Handler: handler}); err != nil {
		t.Fatalf("register watch: %v", err)
	}
	waitFor(t, "all handled", func() bool { return handled.Load() == 5 })
	if peak.Load() != 1 {
		t.Fatalf("expected at most one concurrent handler, saw %d", peak.Load())
	}
}

func TestRegisterWatchValidation(t *testing.T) {
	store := newTestStore(t)
	eng := newTestEngine(t, store, "proc-a", 0)
	if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind}); err == nil {
		t.Fatal("expected missing handler error")
	}
	noop := HandlerFunc(func(context.Context, *resource.Resource) error { return nil })
	if err := eng.RegisterWatch(Watch{Group: "", Kind: testKind, Handler: noop}); err == nil {
		t.Fatal("expected invalid group error")
	}
	if err := eng.RegisterSchema(context.Background(), "bad/group", testKind); err == nil {
		t.Fatal("expected schema registration error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind, Handler: noop}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestOutcomeVariants(t *testing.T) {
	if Failed(nil).String() != "released" || Released().IsHeld() || !Held().IsHeld() {
		t.Fatal("unexpected outcome classification")
	}
	err := errors.New("x")
	if out := Failed(err); out.Err() != err || out.String() != "failed" {
		t.Fatalf("unexpected failed outcome %v", out)
	}
	out := invoke(context.Background(), HandlerFunc(func(context.Context, *resource.Resource) error { panic("p") }), &resource.Resource{})
	if out.Err() == nil {
		t.Fatal("panic must produce a failure")
	}
}

func TestRestartedEngineReclaimsItsPredecessorsClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ref := createQueued(t, store, "b1")
	// The previous incarnation claimed b1 and died before releasing it.
	previous := ident.Process(ctx)
	r, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res, err := store.PatchIfVersion(ctx, ref, r.Version, resource.ClaimPatch(previous)); err != nil || res.Outcome != resource.Patched {
		t.Fatalf("seed claim: %v %v", res.Outcome, err)
	}

	eng := newTestEngine(t, store, "", 0)
	if eng.Identity() != previous {
		t.Fatalf("default identity must be stable across restarts: %q != %q", eng.Identity(), previous)
	}
	var calls atomic.Int32
	if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind, States: []string{resource.StateInQueue}, Handler: moveTo(store, resource.StateInProgress, &calls)}); err != nil {
		t.Fatalf("register watch: %v", err)
	}
	waitForResource(t, store, ref, "reclaimed and handled", func(r *resource.Resource) bool {
		return r.Status.State == resource.StateInProgress && r.ClaimedBy() == ""
	})
	if calls.Load() != 1 {
		t.Fatalf("expected one handler call, got %d", calls.Load())
	}
}

var errReleaseDown = errors.New("store unavailable during release")

// releaseFailingStore fails every write that clears a claim.
type releaseFailingStore struct {
	*resource.Store
	failed atomic.Int32
}

func (s *releaseFailingStore) Mutate(ctx context.Context, ref resource.Ref, fn func(*resource.Resource) (bool, error)) (*resource.Resource, error) {
	return s.Store.Mutate(ctx, ref, func(r *resource.Resource) (bool, error) {
		before := r.ClaimedBy()
		changed, err := fn(r)
		if err == nil && changed && before != "" && r.ClaimedBy() == "" {
			s.failed.Add(1)
			return false, errReleaseDown
		}
		return changed, err
	})
}

func TestReleaseErrorIsSwallowedAndDispatchContinues(t *testing.T) {
	inner := newTestStore(t)
	store := &releaseFailingStore{Store: inner}
	eng, err := New(Config{Store: store, Identity: "proc-a", MaxInFlight: 1, Refresh: time.Minute, RetryDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, r *resource.Resource) error {
		if r.ID == "b1" {
			calls.Add(1)
			return core.Validation("instance %q unknown", "i-1")
		}
		return moveTo(inner, resource.StateInProgress, &calls)(ctx, r)
	})
	if err := eng.RegisterWatch(Watch{Group: testGroup, Kind: testKind, States: []string{resource.StateInQueue}, Handler: handler}); err != nil {
		t.Fatalf("register watch: %v", err)
	}

	failed := createQueued(t, inner, "b1")
	r := waitForResource(t, inner, failed, "FAILED", func(r *resource.Resource) bool {
		return r.Status.State == resource.StateFailed
	})
	if r.Status.Error == nil || r.Status.Error.Code != core.CodeValidation {
		t.Fatalf("failure payload lost: %+v", r.Status.Error)
	}
	if r.ClaimedBy() != "proc-a" {
		t.Fatalf("release was expected to fail, claim is %q", r.ClaimedBy())
	}
	waitFor(t, "first release attempt", func() bool { return store.failed.Load() >= 1 })

	next := createQueued(t, inner, "b2")
	waitForResource(t, inner, next, "next resource handled", func(r *resource.Resource) bool {
		return r.Status.State == resource.StateInProgress
	})
	waitFor(t, "handlers drained", func() bool { return eng.InFlight() == 0 })
	if calls.Load() != 2 {
		t.Fatalf("expected two handler calls, got %d", calls.Load())
	}
	if r, err := inner.Get(context.Background(), failed); err != nil || r.Status.State != resource.StateFailed {
		t.Fatalf("FAILED state overwritten: %+v %v", r, err)
	}
}
