package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestFail_ServerErrorIsLogged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	lg := zerolog.New(&buf)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-500")
		c.Set("logger", &lg)
	})
	r.GET("/boom", func(c *gin.Context) {
		failFromError(c, errors.New("db exploded"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != "rid-500" || resp.Code != ErrCodeInternal {
		t.Fatalf("unexpected envelope %+v", resp)
	}
	if strings.Contains(resp.Message, "db exploded") {
		t.Fatalf("internal error leaked to client: %q", resp.Message)
	}
	if !strings.Contains(buf.String(), "db exploded") || !strings.Contains(buf.String(), `"status":500`) {
		t.Fatalf("5xx not logged: %s", buf.String())
	}
}

func TestFail_ClientErrorNotLogged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	lg := zerolog.New(&buf)

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("logger", &lg) })
	r.GET("/bad", func(c *gin.Context) { Fail(c, http.StatusBadRequest, ErrCodeBadRequest, "nope") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bad", nil))
	if w.Code != http.StatusBadRequest || buf.Len() != 0 {
		t.Fatalf("status=%d logs=%q", w.Code, buf.String())
	}
}
