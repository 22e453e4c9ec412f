package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestKeyByActorOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "4000")
	c.Request = req

	if got := KeyByActorOrIP()(c); got != "ip:203.0.113.9" {
		t.Fatalf("ip key = %q", got)
	}
	c.Set(ctxKeyActorID, "staff-7")
	if got := KeyByActorOrIP()(c); got != "actor:staff-7" {
		t.Fatalf("actor key = %q", got)
	}
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(1, 0, nil)
	if rl.burst != 1 || rl.keyFn == nil {
		t.Fatalf("defaults not applied: burst=%d", rl.burst)
	}
	if rl.limiterFor("a") != rl.limiterFor("a") {
		t.Fatalf("bucket not reused")
	}
	if rl.limiterFor("a") == rl.limiterFor("b") {
		t.Fatalf("keys share a bucket")
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.sweepN = 2
	rl.ttl = time.Minute

	first := rl.limiterFor("idle")
	rl.mu.Lock()
	rl.buckets["idle"].lastSeen = time.Now().Add(-2 * time.Minute)
	rl.mu.Unlock()

	if rl.limiterFor("idle") == first {
		t.Fatalf("idle bucket survived the sweep")
	}
}

func TestRateLimiter_HandlerBlocksThenBypassesReplays(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.001, 1, func(*gin.Context) string { return "fixed" })

	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", rl.Handler(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/replay", func(c *gin.Context) { c.Set(ctxKeyRateBypass, true) }, rl.Handler(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("second request: %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/replay", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("replay should bypass, got %d", w.Code)
	}
}
