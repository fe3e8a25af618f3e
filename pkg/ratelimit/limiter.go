package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most Limit requests per key within a fixed window. The
// window of a key starts with its first request and is reset once it expires.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastPrune time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// New creates a limiter, a non-positive limit denies every request.
func New(limit int, windowDur time.Duration) *Limiter {
	if limit < 0 {
		limit = 0
	}

	return &Limiter{
		limit:   limit,
		window:  windowDur,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

func (l *Limiter) Limit() int {
	return l.limit
}

func (l *Limiter) Window() time.Duration {
	return l.window
}

// Allow records a request for key and reports whether it fits into the limit.
func (l *Limiter) Allow(key string) bool {
	_, ok := l.Take(key)
	return ok
}

// Take is Allow that also returns the moment the key's window resets.
func (l *Limiter) Take(key string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	w, exists := l.windows[key]
	if !exists || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.window)}
		l.windows[key] = w
	}

	if w.count >= l.limit {
		return w.resetAt, false
	}

	w.count++
	return w.resetAt, true
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.windows)
}

// prune drops expired windows, at most once per window duration.
func (l *Limiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now

	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}
