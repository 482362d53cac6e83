package coordinator

import (
	"sync"
	"time"
)

// joinRateLimiter is a small sliding-window limiter keyed by session id,
// grounded on the SimpleRateLimiter used by the watch-party hub in the
// reference pack. The ambient stack's ulule/limiter-backed limiters guard
// HTTP/websocket accept; this one guards the much higher-frequency
// join-room event once a session is already connected.
type joinRateLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newJoinRateLimiter(limit int, window time.Duration) *joinRateLimiter {
	return &joinRateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records an attempt for key and reports whether it is within limit.
func (r *joinRateLimiter) Allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.hits[key]
	kept := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= r.limit {
		r.hits[key] = kept
		return false
	}

	r.hits[key] = append(kept, now)
	return true
}

// forget drops tracking state for key, called when a session disconnects so
// the map does not grow unbounded across the process lifetime.
func (r *joinRateLimiter) forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hits, key)
}
