// Package limits bounds how fast a client may post intents and how many
// push connections the server holds.
package limits

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// RateLimiter limits the rate of operations per key.
type RateLimiter interface {
	Allow(key string) bool
}

// TokenBucket implements a per-key token bucket rate limiter.
type TokenBucket struct {
	rate    float64 // tokens per second
	burst   int
	idle    time.Duration
	clock   clock.Clock
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewTokenBucket creates a limiter refilling rate tokens per second up
// to burst. A nil clock uses wall time.
func NewTokenBucket(rate float64, burst int, clk clock.Clock) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &TokenBucket{
		rate:    rate,
		burst:   burst,
		idle:    time.Hour,
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether one operation for key may proceed now.
func (tb *TokenBucket) Allow(key string) bool {
	return tb.AllowN(key, 1)
}

// AllowN reports whether n operations for key may proceed now.
func (tb *TokenBucket) AllowN(key string, n int) bool {
	now := tb.clock.Now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(tb.burst), lastFill: now}
		tb.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * tb.rate
	if b.tokens > float64(tb.burst) {
		b.tokens = float64(tb.burst)
	}
	b.lastFill = now

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Prune forgets buckets idle for more than an hour and returns how many
// were removed.
func (tb *TokenBucket) Prune() int {
	cutoff := tb.clock.Now().Add(-tb.idle)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	removed := 0
	for key, b := range tb.buckets {
		if b.lastFill.Before(cutoff) {
			delete(tb.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}

// RateLimitMiddleware answers 429 once keyFunc's bucket is empty.
func RateLimitMiddleware(limiter RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(keyFunc(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP from an HTTP request.
// Checks X-Forwarded-For and X-Real-IP headers, falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ConnectionLimiter caps concurrent push connections.
type ConnectionLimiter struct {
	max     int32
	current atomic.Int32
	blocked atomic.Int64
}

// NewConnectionLimiter creates a limiter for max connections. Zero or
// less means unlimited.
func NewConnectionLimiter(max int) *ConnectionLimiter {
	return &ConnectionLimiter{max: int32(max)}
}

// Acquire takes a slot, reporting false when none is free.
func (cl *ConnectionLimiter) Acquire() bool {
	for {
		cur := cl.current.Load()
		if cl.max > 0 && cur >= cl.max {
			cl.blocked.Add(1)
			return false
		}
		if cl.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot.
func (cl *ConnectionLimiter) Release() {
	cl.current.Add(-1)
}

// Count returns the number of held slots.
func (cl *ConnectionLimiter) Count() int {
	return int(cl.current.Load())
}

// Max returns the configured cap.
func (cl *ConnectionLimiter) Max() int {
	return int(cl.max)
}

// Blocked returns how many acquisitions were refused.
func (cl *ConnectionLimiter) Blocked() int64 {
	return cl.blocked.Load()
}
