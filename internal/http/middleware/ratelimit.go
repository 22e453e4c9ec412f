// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the per-caller API rate limiter: one token bucket
// (golang.org/x/time/rate) per actor, or per client IP before
// authentication. Buckets idle for longer than the TTL are evicted during
// lookups. The limiter is process-local; webhook ingress has its own
// limiter (WebhookLimiter).
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc maps a request to its bucket.
type KeyFunc func(*gin.Context) string

// KeyByActorOrIP prefers the authenticated actor and falls back to the
// client IP. The prefixes keep the two namespaces apart.
func KeyByActorOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if id := actorIDFrom(c); id != "" {
			return "actor:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per key. Safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc

	mu      sync.Mutex
	buckets map[string]*bucket
	ttl     time.Duration
	lookups uint64
	sweepN  uint64
}

// NewRateLimiter returns a limiter refilling rps tokens per second up to
// burst (at least 1).
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if keyFn == nil {
		keyFn = KeyByActorOrIP()
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		buckets: make(map[string]*bucket),
		ttl:     10 * time.Minute,
		sweepN:  5000,
	}
}

// limiterFor returns the bucket for key, evicting idle buckets every sweepN
// lookups. Eviction runs before the lookup so a stale bucket is replaced.
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= rl.sweepN {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.ttl {
				delete(rl.buckets, k)
			}
		}
		rl.lookups = 0
	}

	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.buckets[key] = &bucket{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether the request is an idempotent replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limit and answers 429 with Retry-After when the
// bucket is empty. Replays are never limited.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || rl.limiterFor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
