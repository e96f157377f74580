package realtime

import (
	"sync"
	"time"
)

// RateLimiter admits at most limit events in any trailing window. It keeps a
// ring of the last limit admitted timestamps; an event is admitted when the
// oldest of them has left the window.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	ring   []time.Time
	next   int
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{limit: limit, window: window, ring: make([]time.Time, 0, limit)}
}

// Allow records an event at now when admitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ring) < r.limit {
		r.ring = append(r.ring, now)
		return true
	}
	if r.ring[r.next].After(now.Add(-r.window)) {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % r.limit
	return true
}
