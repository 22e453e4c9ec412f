package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

func lastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("bad log line %q: %v", lines[len(lines)-1], err)
	}
	return m
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/rid", func(c *gin.Context) {
		if asString(c.Value(requestIDKey)) == "" {
			t.Fatalf("request id missing from context")
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rid", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rid", nil)
	req.Header.Set(requestIDHeader, "rid-42")
	r.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "rid-42" {
		t.Fatalf("expected propagated id, got %q", got)
	}
}

func TestRecovery_JSONBodyWithRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)
	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(requestIDHeader, "rid-p")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["request_id"] != "rid-p" || body["code"] != "internal_error" {
		t.Fatalf("unexpected body %v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestRecovery_AfterWriteOnlyForcesStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	captureLogger(t)
	r := gin.New()
	r.Use(Recovery())
	r.GET("/late", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/late", nil))
	if w.Body.String() != "partial" {
		t.Fatalf("body rewritten: %q", w.Body.String())
	}
}

func TestLoggerFrom_ScopedAndFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if LoggerFrom(c) == nil {
		t.Fatalf("fallback logger is nil")
	}

	r := gin.New()
	r.Use(RequestID(), RedactingLogger(RedactOptions{}))
	r.GET("/tabs/:id", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("inside")
		c.Status(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/tabs/t1", nil)
	req.Header.Set(requestIDHeader, "rid-scope")
	r.ServeHTTP(httptest.NewRecorder(), req)

	first := strings.Split(buf.String(), "\n")[0]
	if !strings.Contains(first, `"request_id":"rid-scope"`) || !strings.Contains(first, `"path":"/tabs/:id"`) {
		t.Fatalf("scoped logger missing fields: %s", first)
	}
}

func TestTruncate(t *testing.T) {
	if truncate("abcdef", 3) != "abc…" {
		t.Fatalf("truncate failed")
	}
	if truncate("abc", 0) != "abc" || truncate("abc", 10) != "abc" {
		t.Fatalf("truncate altered short input")
	}
}
