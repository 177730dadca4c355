package unlockpoller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/lockmgr"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/storage/memory"
)

const (
	targetGroup = "backup.brokerd.io"
	targetKind  = "backups"
)

type harness struct {
	store  *resource.Store
	clk    *clock.Manual
	locks  *lockmgr.Manager
	poller *Poller
}

func newHarness(t *testing.T, wrap func(*lockmgr.Manager) Locks) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := resource.New(resource.Config{Backend: memory.New(), PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.RegisterSchema(ctx, targetGroup, targetKind); err != nil {
		t.Fatalf("register: %v", err)
	}
	clk := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	mgr, err := lockmgr.New(lockmgr.Config{
		Store:  store,
		Clock:  clk,
		Owner:  "proc-a",
		Policy: lockmgr.DefaultPolicy().WithLockTTL(lockmgr.OpBackup, 30*time.Minute),
	})
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	if err := mgr.RegisterSchema(ctx); err != nil {
		t.Fatalf("register locks: %v", err)
	}
	var locks Locks = mgr
	if wrap != nil {
		locks = wrap(mgr)
	}
	p, err := New(Config{Store: store, Locks: locks, Interval: time.Minute, Refresh: time.Hour, RetryDelay: time.Second, Clock: clk})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	return &harness{store: store, clk: clk, locks: mgr, poller: p}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.poller.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) target(t *testing.T, id, state string) resource.Ref {
	t.Helper()
	ref := resource.Ref{Group: targetGroup, Kind: targetKind, ID: id}
	if _, err := h.store.Create(context.Background(), ref, resource.Spec{}, resource.Status{State: state}); err != nil {
		t.Fatalf("create target: %v", err)
	}
	return ref
}

func (h *harness) lock(t *testing.T, instance string, target resource.Ref) string {
	t.Helper()
	handle, err := h.locks.Lock(context.Background(), instance, lockmgr.Details{
		ResourceGroup: target.Group,
		ResourceKind:  target.Kind,
		ResourceID:    target.ID,
	}, lockmgr.OpBackup)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	return handle
}

// tick fires the next poll of every tracked lock. The watch refresh timer is
// always pending as well.
func (h *harness) tick(t *testing.T, tracked int) {
	t.Helper()
	if !h.clk.BlockUntil(1+tracked, 2*time.Second) {
		t.Fatalf("expected %d pending timers, got %d", 1+tracked, h.clk.Pending())
	}
	h.clk.Advance(time.Minute)
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

func (h *harness) unlocked(instance string) func() bool {
	return func() bool {
		_, err := h.locks.Get(context.Background(), instance)
		return errors.Is(err, lockmgr.ErrNotLocked)
	}
}

func TestLockReleasedWhenTargetTerminates(t *testing.T) {
	h := newHarness(t, nil)
	target := h.target(t, "b1", resource.StateInProgress)
	h.lock(t, "instance-1", target)
	h.run(t)
	waitFor(t, "tracking", func() bool { return h.poller.Tracking("instance-1") })

	h.tick(t, 1)
	h.tick(t, 1)
	if h.unlocked("instance-1")() {
		t.Fatal("lock must be held while the target is active")
	}
	if _, err := h.store.PatchStatus(context.Background(), target, resource.StatePatch(resource.StateSucceeded), ""); err != nil {
		t.Fatalf("patch target: %v", err)
	}
	h.tick(t, 1)
	waitFor(t, "unlock", h.unlocked("instance-1"))
	waitFor(t, "ticker stop", func() bool { return !h.poller.Tracking("instance-1") })
}

func TestLockReleasedWhenTargetDeleted(t *testing.T) {
	h := newHarness(t, nil)
	target := h.target(t, "b1", resource.StateInProgress)
	h.lock(t, "instance-1", target)
	h.run(t)
	waitFor(t, "tracking", func() bool { return h.poller.Tracking("instance-1") })
	if err := h.store.Delete(context.Background(), target); err != nil {
		t.Fatalf("delete target: %v", err)
	}
	h.tick(t, 1)
	waitFor(t, "unlock", h.unlocked("instance-1"))
}

func TestExpiredLockIsNotTracked(t *testing.T) {
	h := newHarness(t, nil)
	h.lock(t, "a-expired", h.target(t, "b1", resource.StateInProgress))
	h.clk.Advance(30 * time.Minute)
	h.lock(t, "b-fresh", h.target(t, "b2", resource.StateInProgress))
	h.run(t)
	waitFor(t, "fresh lock tracked", func() bool { return h.poller.Tracking("b-fresh") })
	if h.poller.Tracking("a-expired") {
		t.Fatal("expired lock must not be tracked")
	}
	if _, err := h.locks.Get(context.Background(), "a-expired"); err != nil {
		t.Fatalf("expired lock must not be deleted by the poller: %v", err)
	}
}

func TestTickerStopsWhenLockExpires(t *testing.T) {
	h := newHarness(t, nil)
	h.lock(t, "instance-1", h.target(t, "b1", resource.StateInProgress))
	h.run(t)
	waitFor(t, "tracking", func() bool { return h.poller.Tracking("instance-1") })
	for i := 0; i < 30; i++ {
		h.tick(t, 1)
	}
	waitFor(t, "ticker stop", func() bool { return !h.poller.Tracking("instance-1") })
	if h.unlocked("instance-1")() {
		t.Fatal("expiry must not delete the lock record")
	}
}

func TestDeletedLockStopsTicker(t *testing.T) {
	h := newHarness(t, nil)
	handle := h.lock(t, "instance-1", h.target(t, "b1", resource.StateInProgress))
	h.run(t)
	waitFor(t, "tracking", func() bool { return h.poller.Tracking("instance-1") })
	if err := h.locks.Unlock(context.Background(), "instance-1", handle); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	waitFor(t, "ticker stop", func() bool { return !h.poller.Tracking("instance-1") })
}

type flakyLocks struct {
	*lockmgr.Manager
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyLocks) Unlock(ctx context.Context, id, handle string) error {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("store unavailable")
	}
	f.mu.Unlock()
	return f.Manager.Unlock(ctx, id, handle)
}

func TestFailedUnlockIsRetried(t *testing.T) {
	var flaky *flakyLocks
	h := newHarness(t, func(m *lockmgr.Manager) Locks {
		flaky = &flakyLocks{Manager: m, failures: 1}
		return flaky
	})
	h.lock(t, "instance-1", h.target(t, "b1", resource.StateSucceeded))
	h.run(t)
	waitFor(t, "tracking", func() bool { return h.poller.Tracking("instance-1") })
	h.tick(t, 1)
	h.tick(t, 1)
	waitFor(t, "unlock", h.unlocked("instance-1"))
	flaky.mu.Lock()
	defer flaky.mu.Unlock()
	if flaky.calls != 2 {
		t.Fatalf("expected 2 unlock calls, got %d", flaky.calls)
	}
}

func TestDuplicateEventsKeepOneTicker(t *testing.T) {
	h := newHarness(t, nil)
	h.lock(t, "instance-1", h.target(t, "b1", resource.StateInProgress))
	res, err := h.store.Get(context.Background(), lockmgr.LockRef("instance-1"))
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		h.poller.handleEvent(ctx, resource.Event{Type: resource.EventModified, Object: res})
	}
	if h.poller.Len() != 1 {
		t.Fatalf("expected one ticker, got %d", h.poller.Len())
	}
	h.poller.handleEvent(ctx, resource.Event{Type: resource.EventDeleted, Object: res})
	if h.poller.Len() != 0 {
		t.Fatalf("expected no tickers after delete, got %d", h.poller.Len())
	}
}
