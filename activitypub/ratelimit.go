package activitypub

import (
	"sync"
	"time"
)

const (
	massDeleteLimit  = 10
	massDeleteWindow = 60 * time.Second
)

// signerLimiter limits how many activities of one kind a single signing
// key may submit: at most limit in any sliding window.
type signerLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	hits    map[string][]time.Time
	sweptAt time.Time
}

func newSignerLimiter(limit int, window time.Duration) *signerLimiter {
	return &signerLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow reports whether key may submit one more activity at now. Refused
// attempts are not counted.
func (l *signerLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.sweptAt) > l.window {
		l.sweep(now)
	}

	recent := l.prune(l.hits[key], now)
	if len(recent) >= l.limit {
		l.hits[key] = recent
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}

// prune drops hits that left the window ending at now.
func (l *signerLimiter) prune(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

// sweep forgets signers without a hit in the current window.
func (l *signerLimiter) sweep(now time.Time) {
	for key, hits := range l.hits {
		if len(l.prune(hits, now)) == 0 {
			delete(l.hits, key)
		}
	}
	l.sweptAt = now
}

func (l *signerLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
