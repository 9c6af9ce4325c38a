// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

type rateLimitDecision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// rateLimiter is a token bucket per client address.
type rateLimiter struct {
	capacity        float64
	refillPerSecond float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newRateLimiter(limitPerMinute int) *rateLimiter {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}
	capacity := float64(limitPerMinute)
	return &rateLimiter{
		capacity:        capacity,
		refillPerSecond: capacity / 60.0,
		buckets:         make(map[string]*tokenBucket, 8),
	}
}

func (l *rateLimiter) Allow(client string, now time.Time) rateLimitDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[client]
	if !ok {
		bucket = &tokenBucket{tokens: l.capacity, lastRefill: now}
		l.buckets[client] = bucket
	}

	if elapsed := now.Sub(bucket.lastRefill).Seconds(); elapsed > 0 {
		bucket.tokens = math.Min(l.capacity, bucket.tokens+elapsed*l.refillPerSecond)
		bucket.lastRefill = now
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return rateLimitDecision{Allowed: true, Remaining: int(math.Floor(bucket.tokens))}
	}

	wait := int(math.Ceil((1 - bucket.tokens) / l.refillPerSecond))
	if wait < 1 {
		wait = 1
	}
	return rateLimitDecision{RetryAfterSeconds: wait}
}

// RateLimit caps mutating control calls per client. limitPerMinute <= 0
// disables it.
func RateLimit(limitPerMinute int) func(http.Handler) http.Handler {
	return rateLimit(limitPerMinute, time.Now)
}

func rateLimit(limitPerMinute int, now func() time.Time) func(http.Handler) http.Handler {
	if limitPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newRateLimiter(limitPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Allow(clientKey(r), now())
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limitPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
