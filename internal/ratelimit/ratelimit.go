package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

type entry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// Limiter keeps one bucket per key (a client IP on the proxy, a tunnel on the
// client) behind an optional global bucket. A zero rate disables that level.
type Limiter struct {
	mu      sync.Mutex
	global  *TokenBucket
	perKey  map[string]*entry
	keyRate int
	burst   int
	now     func() time.Time
}

// NewLimiter creates a limiter. burst is the bucket capacity at both levels.
func NewLimiter(globalRate, perKeyRate, burst int) *Limiter {
	l := &Limiter{
		perKey:  make(map[string]*entry),
		keyRate: perKeyRate,
		burst:   burst,
		now:     time.Now,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.global != nil || l.keyRate > 0)
}

// Allow reports whether one more event for key fits the configured rates.
// A nil Limiter allows everything.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.keyRate <= 0 {
		return true
	}
	l.mu.Lock()
	e, ok := l.perKey[key]
	if !ok {
		e = &entry{bucket: NewTokenBucket(l.keyRate, l.burst)}
		l.perKey[key] = e
	}
	e.lastSeen = l.now()
	l.mu.Unlock()
	return e.bucket.Allow()
}

// Sweep forgets keys not seen for longer than idle and returns how many were removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	removed := 0
	for k, e := range l.perKey {
		if e.lastSeen.Before(cutoff) {
			delete(l.perKey, k)
			removed++
		}
	}
	return removed
}

// Len is the number of keys currently tracked.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
