package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	status := hc.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestHealthChecker_WorstResultWins(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: "bogus"} })
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("unknown status should count as unhealthy, got %s", got)
	}
}

func TestHealthHandlerReturns503WhenUnhealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })

	r := gin.New()
	r.GET("/health", hc.Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestMetricsCollectorPrefixesAndServes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mc := NewMetricsCollector("cox-swain", "v1", "abc")
	counter := mc.NewCounter("things_total", "things", []string{"kind"})
	counter.WithLabelValues("a").Inc()

	if got := testutil.ToFloat64(counter.WithLabelValues("a")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}

	r := gin.New()
	r.GET("/metrics", mc.Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "cox_swain_things_total") {
		t.Fatalf("expected prefixed metric in output:\n%s", w.Body.String())
	}
}
