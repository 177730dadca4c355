// Package tickset owns a keyed set of periodic tickers. Each key has at most
// one running ticker; starting a key again stops the previous ticker and
// waits for its goroutine to exit first.
package tickset

import (
	"context"
	"sync"
	"time"

	"pkt.systems/brokerd/internal/clock"
)

// TickFunc runs once per interval. Returning true stops the ticker.
type TickFunc func(ctx context.Context) bool

// Set is a registry of tickers keyed by K. The zero value is not usable; use
// New.
type Set[K comparable] struct {
	clock clock.Clock

	mu      sync.Mutex
	tickers map[K]*ticker
	wg      sync.WaitGroup
}

type ticker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an empty Set driven by clk.
func New[K comparable](clk clock.Clock) *Set[K] {
	return &Set[K]{
		clock:   clock.OrReal(clk),
		tickers: make(map[K]*ticker),
	}
}

// Start runs fn every interval for key until fn returns true, Stop is called
// for key, or ctx ends. The first tick happens one interval after Start.
func (s *Set[K]) Start(ctx context.Context, key K, interval time.Duration, fn TickFunc) {
	tctx, cancel := context.WithCancel(ctx)
	t := &ticker{cancel: cancel, done: make(chan struct{})}
	for {
		s.mu.Lock()
		prev := s.tickers[key]
		if prev == nil {
			s.tickers[key] = t
			s.wg.Add(1)
			s.mu.Unlock()
			break
		}
		delete(s.tickers, key)
		s.mu.Unlock()
		prev.cancel()
		<-prev.done
	}
	go s.run(tctx, key, t, interval, fn)
}

func (s *Set[K]) run(ctx context.Context, key K, t *ticker, interval time.Duration, fn TickFunc) {
	defer s.wg.Done()
	defer close(t.done)
	defer s.remove(key, t)
	defer t.cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}
		if ctx.Err() != nil {
			return
		}
		if fn(ctx) {
			return
		}
	}
}

func (s *Set[K]) remove(key K, t *ticker) {
	s.mu.Lock()
	if s.tickers[key] == t {
		delete(s.tickers, key)
	}
	s.mu.Unlock()
}

// Stop stops the ticker for key and waits for it to exit. It reports whether
// a ticker was running. Stop must not be called from the key's own TickFunc;
// return true instead.
func (s *Set[K]) Stop(key K) bool {
	s.mu.Lock()
	t := s.tickers[key]
	delete(s.tickers, key)
	s.mu.Unlock()
	if t == nil {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

// Has reports whether a ticker is running for key.
func (s *Set[K]) Has(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tickers[key]
	return ok
}

// Len returns the number of running tickers.
func (s *Set[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickers)
}

// StopAll stops every ticker and waits for them to exit.
func (s *Set[K]) StopAll() {
	s.mu.Lock()
	tickers := make([]*ticker, 0, len(s.tickers))
	for key, t := range s.tickers {
		tickers = append(tickers, t)
		delete(s.tickers, key)
	}
	s.mu.Unlock()
	for _, t := range tickers {
		t.cancel()
	}
	for _, t := range tickers {
		<-t.done
	}
}

// Wait blocks until every ticker started so far has exited.
func (s *Set[K]) Wait() {
	s.wg.Wait()
}
