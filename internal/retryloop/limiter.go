package retryloop

import (
	"sync"
	"time"
)

// SlidingLimiter caps requests per (resource, key) over a sliding window.
// State is in-process only.
type SlidingLimiter struct {
	mu     sync.Mutex
	stamps map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewSlidingLimiter constructs a limiter allowing limit requests per window.
func NewSlidingLimiter(limit int, window time.Duration) *SlidingLimiter {
	if limit < 1 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingLimiter{
		stamps: make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records one request against (resource, key) when under the limit.
// When over, it returns false plus a hint for how long to back off before
// the oldest stamp slides out of the window.
func (l *SlidingLimiter) Allow(resource, key string) (time.Duration, bool) {
	bucket := resource + "|" + key
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.stamps[bucket]
	kept := stamps[:0]
	for _, s := range stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}

	if len(kept) >= l.limit {
		l.stamps[bucket] = kept
		retryAfter := kept[0].Sub(cutoff)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return retryAfter, false
	}

	l.stamps[bucket] = append(kept, now)
	return 0, true
}
