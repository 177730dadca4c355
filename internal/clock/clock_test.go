package clock_test

import (
	"testing"
	"time"

	"pkt.systems/brokerd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	ch := clk.After(time.Minute)
	if clk.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", clk.Pending())
	}
	clk.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	clk.Advance(30 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(start.Add(time.Minute)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	go func() {
		time.Sleep(5 * time.Millisecond)
		clk.After(time.Second)
	}()
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("expected a timer to be registered")
	}
	if clk.BlockUntil(2, 10*time.Millisecond) {
		t.Fatal("expected BlockUntil to time out")
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	if clock.Expired(start.Add(29*time.Minute), start, 30*time.Minute) {
		t.Fatal("expected span to be live")
	}
	if !clock.Expired(start.Add(30*time.Minute), start, 30*time.Minute) {
		t.Fatal("expected span to expire at exactly ttl")
	}
}
