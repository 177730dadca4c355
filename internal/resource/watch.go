package resource

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/brokerd/internal/storage"
)

// Watcher delivers events for one watch. The result channel is closed when
// the watch stops, either through Stop or because the store failed; callers
// re-open the watch in the latter case.
type Watcher interface {
	ResultChan() <-chan Event
	Stop()
}

const watchBuffer = 64

type watcher struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (w *watcher) ResultChan() <-chan Event { return w.events }

func (w *watcher) Stop() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Watch opens a watch over group/kind filtered to states (all states when
// empty). Existing matching resources are delivered as ADDED. A resource that
// moves out of the filter is delivered as DELETED with its last matching
// content.
//
// The store is re-listed whenever the backend change feed signals and at
// least once per poll interval, and consecutive listings are diffed into
// events, so a watcher never misses the final state of a resource though it
// may coalesce intermediate versions.
func (s *Store) Watch(ctx context.Context, group, kind string, states ...string) (Watcher, error) {
	if err := s.ensureSchema(ctx, group, kind); err != nil {
		return nil, err
	}
	prefix := kindPrefix(group, kind)
	var sub storage.ChangeSubscription
	if feed, ok := s.backend.(storage.ChangeFeed); ok {
		var err error
		sub, err = feed.SubscribeChanges(prefix)
		if err != nil {
			if !errors.Is(err, storage.ErrNotImplemented) {
				s.logger.Warn("resource.watch.feed_unavailable", "group", group, "kind", kind, "error", err)
			}
			sub = nil
		}
	}
	initial, err := s.List(ctx, group, kind, states...)
	if err != nil {
		if sub != nil {
			_ = sub.Close()
		}
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w := &watcher{
		events: make(chan Event, watchBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.runWatch(watchCtx, w, sub, group, kind, states, initial)
	return w, nil
}

func (s *Store) runWatch(ctx context.Context, w *watcher, sub storage.ChangeSubscription, group, kind string, states []string, initial []*Resource) {
	defer close(w.done)
	defer close(w.events)
	if sub != nil {
		defer sub.Close()
	}
	logger := s.logger.With("group", group, "kind", kind)
	known := make(map[string]*Resource, len(initial))
	for _, res := range initial {
		known[res.ID] = res
		if !w.send(ctx, Event{Type: EventAdded, Object: res}) {
			return
		}
	}
	var signals <-chan struct{}
	if sub != nil {
		signals = sub.Events()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				logger.Debug("resource.watch.feed_closed")
				return
			}
		case <-s.clock.After(s.pollInterval):
		}
		current, err := s.List(ctx, group, kind, states...)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("resource.watch.list_error", "error", err)
			}
			return
		}
		next := make(map[string]*Resource, len(current))
		for _, res := range current {
			next[res.ID] = res
			prev, seen := known[res.ID]
			switch {
			case !seen:
				if !w.send(ctx, Event{Type: EventAdded, Object: res}) {
					return
				}
			case prev.Version != res.Version:
				if !w.send(ctx, Event{Type: EventModified, Object: res}) {
					return
				}
			}
		}
		for id, prev := range known {
			if _, ok := next[id]; ok {
				continue
			}
			if !w.send(ctx, Event{Type: EventDeleted, Object: prev}) {
				return
			}
		}
		known = next
	}
}

func (w *watcher) send(ctx context.Context, ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
