package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func secRouter(opt SecurityOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), SecurityHeaders(opt))
	r.GET("/h", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	w := httptest.NewRecorder()
	secRouter(SecurityOptions{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/h", nil))

	want := map[string]string{
		"X-Content-Type-Options":        "nosniff",
		"X-Frame-Options":               "DENY",
		"Referrer-Policy":               "no-referrer",
		"Cache-Control":                 "no-store",
		"Access-Control-Expose-Headers": requestIDHeader,
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS set while disabled")
	}
}

func TestSecurityHeaders_HSTSOnlyOverHTTPS(t *testing.T) {
	r := secRouter(SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/h", nil))
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS sent over plain HTTP")
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/h", nil)
	req.Header.Set("X-Forwarded-Proto", "HTTPS")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=3600; includeSubDomains" {
		t.Fatalf("forwarded HSTS = %q", got)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/h", nil)
	req.TLS = &tls.ConnectionState{}
	secRouter(SecurityOptions{EnableHSTS: true}).ServeHTTP(w, req)
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=15552000; includeSubDomains" {
		t.Fatalf("default HSTS = %q", got)
	}
}
