package middleware

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces per-caller call budgets with a token bucket: capacity
// BurstSize, refilled at MaxCallsPerMinute per minute. Idle buckets are
// garbage-collected in the background.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	defaults RateLimitConfig
	now      func() time.Time
}

// RateLimitConfig defines the thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		defaults: cfg,
		now:      time.Now,
	}
	go rl.cleanup()
	return rl
}

// Allow consumes one token from the caller's bucket, refilling first at the
// sustained per-minute rate. A new caller starts with a full burst.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.defaults.BurstSize), last: now}
		rl.buckets[key] = b
	}
	b.tokens += now.Sub(b.last).Minutes() * float64(rl.defaults.MaxCallsPerMinute)
	if b.tokens > float64(rl.defaults.BurstSize) {
		b.tokens = float64(rl.defaults.BurstSize)
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := rl.now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, b := range rl.buckets {
			if b.last.Before(cutoff) {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Limit wraps a handler, keying the bucket by the authenticated principal
// (falling back to the remote address).
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if p, ok := PrincipalFrom(r.Context()); ok {
			key = p.CustomerID + ":" + p.PrincipalID
		}
		if !rl.Allow(key) {
			writeProblem(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", 60)
			return
		}
		next.ServeHTTP(w, r)
	})
}
