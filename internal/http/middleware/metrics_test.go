package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/tabs/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	base := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/tabs/:id", "200"))
	baseMiss := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404"))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tabs/a", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tabs/b", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/c", nil))

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/tabs/:id", "200")) - base; got != 2 {
		t.Fatalf("route counter delta = %v", got)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404")) - baseMiss; got != 1 {
		t.Fatalf("unmatched counter delta = %v", got)
	}
	if testutil.ToFloat64(httpInflight) != 0 {
		t.Fatalf("inflight gauge not released")
	}
}

