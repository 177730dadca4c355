package resource

import (
	"context"
	"testing"
	"time"

	"pkt.systems/brokerd/internal/storage/memory"
)

func nextEvent(t *testing.T, w Watcher) Event {
	t.Helper()
	select {
	case ev, ok := <-w.ResultChan():
		if !ok {
			t.Fatal("watch channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
	return Event{}
}

func TestWatchDeliversLifecycle(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	store.Create(ctx, ref("existing"), Spec{}, Status{State: StateInQueue})

	w, err := store.Watch(ctx, testGroup, testKind, StateInQueue, StateInProgress)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()

	if ev := nextEvent(t, w); ev.Type != EventAdded || ev.Object.ID != "existing" {
		t.Fatalf("expected initial ADDED, got %+v", ev)
	}
	created, _ := store.Create(ctx, ref("new"), Spec{}, Status{State: StateInQueue})
	if ev := nextEvent(t, w); ev.Type != EventAdded || ev.Object.ID != "new" {
		t.Fatalf("expected ADDED for new, got %+v", ev)
	}
	moved, _ := store.PatchStatus(ctx, ref("new"), StatePatch(StateInProgress), created.Version)
	if ev := nextEvent(t, w); ev.Type != EventModified || ev.Object.Version != moved.Version {
		t.Fatalf("expected MODIFIED, got %+v", ev)
	}
	store.PatchStatus(ctx, ref("new"), StatePatch(StateSucceeded), moved.Version)
	if ev := nextEvent(t, w); ev.Type != EventDeleted || ev.Object.ID != "new" {
		t.Fatalf("expected DELETED when leaving the filter, got %+v", ev)
	}
	store.Delete(ctx, ref("existing"))
	if ev := nextEvent(t, w); ev.Type != EventDeleted || ev.Object.ID != "existing" {
		t.Fatalf("expected DELETED, got %+v", ev)
	}
}

func TestWatchPollsWithoutChangeFeed(t *testing.T) {
	t.Parallel()
	store, _ := New(Config{Backend: memory.NewWithConfig(memory.Config{Watch: false}), PollInterval: 10 * time.Millisecond})
	ctx := context.Background()
	store.RegisterSchema(ctx, testGroup, testKind)
	w, err := store.Watch(ctx, testGroup, testKind)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()
	store.Create(ctx, ref("p1"), Spec{}, Status{State: StateInQueue})
	if ev := nextEvent(t, w); ev.Type != EventAdded || ev.Object.ID != "p1" {
		t.Fatalf("expected ADDED through polling, got %+v", ev)
	}
}

func TestWatchStopClosesChannel(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	w, err := store.Watch(context.Background(), testGroup, testKind)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	w.Stop()
	w.Stop()
	select {
	case _, ok := <-w.ResultChan():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Stop")
	}
}
