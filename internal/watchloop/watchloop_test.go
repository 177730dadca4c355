package watchloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/resource"
)

type fakeWatcher struct {
	events  chan resource.Event
	stopped chan struct{}
	once    sync.Once
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan resource.Event, 4), stopped: make(chan struct{})}
}

func (w *fakeWatcher) ResultChan() <-chan resource.Event { return w.events }

func (w *fakeWatcher) Stop() { w.once.Do(func() { close(w.stopped) }) }

type opener struct {
	mu       sync.Mutex
	failures int
	opened   chan *fakeWatcher
	attempts int
}

func (o *opener) open(context.Context) (resource.Watcher, error) {
	o.mu.Lock()
	o.attempts++
	if o.failures > 0 {
		o.failures--
		o.mu.Unlock()
		return nil, errors.New("store unavailable")
	}
	o.mu.Unlock()
	w := newFakeWatcher()
	o.opened <- w
	return w, nil
}

type loopResult struct {
	done chan struct{}
	err  error
}

func startLoop(t *testing.T, o *opener, clk clock.Clock, events chan<- resource.Event) (context.CancelFunc, *loopResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	res := &loopResult{done: make(chan struct{})}
	go func() {
		defer close(res.done)
		res.err = Run(ctx, Config{
			Name:       "test",
			Open:       o.open,
			Refresh:    time.Minute,
			RetryDelay: 5 * time.Second,
			Clock:      clk,
			OnEvent: func(_ context.Context, ev resource.Event) {
				events <- ev
			},
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-res.done
	})
	return cancel, res
}

func waitOpened(t *testing.T, o *opener) *fakeWatcher {
	t.Helper()
	select {
	case w := <-o.opened:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch to open")
	}
	return nil
}

func TestRunRetriesRegistrationFailures(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(0, 0))
	o := &opener{failures: 2, opened: make(chan *fakeWatcher, 4)}
	startLoop(t, o, clk, make(chan resource.Event, 4))
	for i := 0; i < 2; i++ {
		if !clk.BlockUntil(1, 2*time.Second) {
			t.Fatalf("retry timer %d not scheduled", i)
		}
		clk.Advance(5 * time.Second)
	}
	waitOpened(t, o)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", o.attempts)
	}
}

func TestRunDeliversEventsAndRefreshes(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(0, 0))
	o := &opener{opened: make(chan *fakeWatcher, 4)}
	events := make(chan resource.Event, 4)
	startLoop(t, o, clk, events)

	first := waitOpened(t, o)
	first.events <- resource.Event{Type: resource.EventAdded, Object: &resource.Resource{ID: "a"}}
	select {
	case ev := <-events:
		if ev.Object.ID != "a" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	if !clk.BlockUntil(1, 2*time.Second) {
		t.Fatal("refresh timer not scheduled")
	}
	clk.Advance(time.Minute)
	second := waitOpened(t, o)
	select {
	case <-first.stopped:
	default:
		t.Fatal("previous watch must be stopped before re-opening")
	}
	if second == first {
		t.Fatal("expected a fresh watcher")
	}
}

func TestRunReopensClosedWatch(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(0, 0))
	o := &opener{opened: make(chan *fakeWatcher, 4)}
	startLoop(t, o, clk, make(chan resource.Event, 4))

	first := waitOpened(t, o)
	close(first.events)
	// refresh timer of the closed watch plus the retry delay
	if !clk.BlockUntil(2, 2*time.Second) {
		t.Fatal("retry timer not scheduled")
	}
	clk.Advance(5 * time.Second)
	waitOpened(t, o)
}

func TestRunReturnsOnCancel(t *testing.T) {
	t.Parallel()
	o := &opener{opened: make(chan *fakeWatcher, 4)}
	cancel, res := startLoop(t, o, clock.NewManual(time.Unix(0, 0)), make(chan resource.Event, 4))
	w := waitOpened(t, o)
	cancel()
	select {
	case <-res.done:
		if !errors.Is(res.err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	select {
	case <-w.stopped:
	default:
		t.Fatal("watch must be stopped on cancel")
	}
}

func TestRunRejectsMissingCallbacks(t *testing.T) {
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected config error")
	}
}
