package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestWebhookLimiter_RejectsBadFormat(t *testing.T) {
	if _, err := WebhookLimiter("lots"); err == nil {
		t.Fatalf("expected format error")
	}
}

func TestWebhookLimiter_PerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, err := WebhookLimiter("2-M")
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	r := gin.New()
	r.Use(RequestID())
	r.POST("/hook", h, func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/hook", nil)
		req.RemoteAddr = ip + ":5000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := send("198.51.100.1"); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: %d", i, w.Code)
		}
	}
	w := send("198.51.100.1")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("third delivery: code=%d remaining=%q", w.Code, w.Header().Get("X-RateLimit-Remaining"))
	}
	if w := send("198.51.100.2"); w.Code != http.StatusOK {
		t.Fatalf("other ip limited: %d", w.Code)
	}
}
