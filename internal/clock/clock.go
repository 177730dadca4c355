package clock

import "time"

// Clock abstracts time-related functions so TTL and poll logic can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// OrReal returns clk, or Real when clk is nil.
func OrReal(clk Clock) Clock {
	if clk == nil {
		return Real{}
	}
	return clk
}

// Expired reports whether a span that began at start with the supplied ttl has
// run out at now. A span is expired once now-start >= ttl.
func Expired(now, start time.Time, ttl time.Duration) bool {
	return now.Sub(start) >= ttl
}
