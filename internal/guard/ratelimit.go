package guard

import (
	"context"
	"sync"
	"time"
)

// Limiter is a per-key sliding-window submission throttle.
//
// It is advisory only: it has no effect once a request has left the client
// and the authoritative limits belong to the remote service. Windows live in
// memory and are lost on restart.
type Limiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	now      func() time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether key may submit again. A call is allowed iff fewer than
// max timestamps fall within window of now; allowed calls are recorded.
func (l *Limiter) Allow(key string, max int, window time.Duration) bool {
	if max <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	recent := l.requests[key][:0:0]
	for _, t := range l.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= max {
		l.requests[key] = recent
		return false
	}

	l.requests[key] = append(recent, now)
	return true
}

// Remaining returns how many more submissions key may make in the window.
func (l *Limiter) Remaining(key string, max int, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	used := 0
	for _, t := range l.requests[key] {
		if t.After(cutoff) {
			used++
		}
	}
	if used >= max {
		return 0
	}
	return max - used
}

// Reset forgets all timestamps for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, key)
}

// Evict drops timestamps older than window and removes idle keys.
func (l *Limiter) Evict(window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	for key, times := range l.requests {
		var fresh []time.Time
		for _, t := range times {
			if t.After(cutoff) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) == 0 {
			delete(l.requests, key)
		} else {
			l.requests[key] = fresh
		}
	}
}

// StartEviction periodically evicts stale windows until ctx is done,
// preventing unbounded growth of the key map.
func (l *Limiter) StartEviction(ctx context.Context, window time.Duration) {
	go func() {
		ticker := time.NewTicker(window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Evict(window)
			}
		}
	}()
}

func (l *Limiter) keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}
