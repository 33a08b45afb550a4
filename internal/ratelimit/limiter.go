package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a per-key request counter over a fixed window. Distinct
// operations use distinct key prefixes so a limit on one cannot starve
// another. Implementations are constructor-owned instances, never package
// singletons, so tests can run isolated limiters and production can pick
// an in-process or shared backing store.
type Limiter interface {
	// Allow counts a request against key and reports whether it is within
	// maxRequests for the current window.
	Allow(key string, maxRequests int, window time.Duration) bool
}

type bucket struct {
	count       int
	windowStart time.Time
}

// MemoryLimiter keeps fixed-window buckets in a mutex-guarded map. Buckets
// are created lazily on first request and reset in place once their window
// elapses; state is process-local and never persisted.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements Limiter. Exactly maxRequests calls succeed per window;
// the window restarts at the first request after expiry.
func (l *MemoryLimiter) Allow(key string, maxRequests int, window time.Duration) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		l.buckets[key] = &bucket{count: 1, windowStart: now}
		return maxRequests >= 1
	}

	b.count++
	return b.count <= maxRequests
}

// Reset clears the bucket for a key. Used by tests and by operators
// lifting a limit manually.
func (l *MemoryLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
