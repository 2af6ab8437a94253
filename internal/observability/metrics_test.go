package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetrics_Usable verifies label dimensions match how the client, http,
// service, cache and suggest packages use them.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/api/aqi", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/api/aqi").Observe(0.01)
	GenAICallsTotal.WithLabelValues("city", "success").Inc()
	GenAIDuration.WithLabelValues("city", "success").Observe(2.5)
	GenAIRetriesTotal.WithLabelValues("chat").Inc()
	GenAIFallbacksTotal.WithLabelValues("city").Inc()
	GenAIErrorsTotal.WithLabelValues("timeout").Inc()
	CacheHitsTotal.WithLabelValues("aqi").Inc()
	CacheMissesTotal.WithLabelValues("suggestion").Inc()
	CacheErrorsTotal.WithLabelValues("get", "timeout").Inc()
	CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(0.001)
	StaleCacheServesTotal.WithLabelValues("aqi").Inc()
	SuggestRequestsTotal.WithLabelValues("superseded").Inc()
	ChatRepliesTotal.WithLabelValues("fallback").Inc()
	AqiLevelTotal.WithLabelValues("Moderate").Inc()
}

func TestMetricCityLabel(t *testing.T) {
	SetTrackedCities([]string{"Delhi", " mumbai "})
	defer SetTrackedCities(nil)

	tests := []struct {
		in, want string
	}{
		{"delhi", "delhi"},
		{"  MUMBAI", "mumbai"},
		{"Patna", "other"},
	}
	for _, tt := range tests {
		if got := MetricCityLabel(tt.in); got != tt.want {
			t.Errorf("MetricCityLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecordCityQuery_CountsOther(t *testing.T) {
	SetTrackedCities([]string{"delhi"})
	defer SetTrackedCities(nil)

	before := testutil.ToFloat64(AqiQueriesByCityTotal.WithLabelValues("other"))
	RecordCityQuery("Begusarai")
	after := testutil.ToFloat64(AqiQueriesByCityTotal.WithLabelValues("other"))
	if after-before != 1 {
		t.Errorf("other counter delta = %v, want 1", after-before)
	}
}

func TestRecordCircuitBreakerTransition_SetsGauge(t *testing.T) {
	RecordCircuitBreakerTransition("genai", "closed", "open", 1)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("genai")); got != 1 {
		t.Errorf("circuitBreakerState = %v, want 1", got)
	}
}

func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
