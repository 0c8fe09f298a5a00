package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across client, gate, service, cache and http.
func TestMetrics_Usable(t *testing.T) {
	// Route uses path template to avoid cardinality
	HTTPRequestsTotal.WithLabelValues("GET", "/gdu", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/gdu").Observe(0.01)
	HTTPRequestSizeBytes.WithLabelValues("/gdu").Observe(120)
	HTTPResponseSizeBytes.WithLabelValues("/gdu").Observe(300)
	ClimateAPICallsTotal.WithLabelValues("observations", "success").Inc()
	ClimateAPIDuration.WithLabelValues("directory", "error").Observe(0.1)
	ClimateAPIRetriesTotal.WithLabelValues("observations").Inc()
	ClimateAPIErrorsTotal.WithLabelValues("timeout").Inc()
	StationDirectoryFetchesTotal.WithLabelValues("success").Inc()
	StationAttemptsTotal.WithLabelValues("quality").Inc()
	StationsTriedPerQuery.Observe(2)
	ObservationCacheTotal.WithLabelValues("hit").Inc()
	GDUQueriesTotal.WithLabelValues("success").Inc()
	GDUQueryDuration.Observe(1.2)
	GDUDayCasesTotal.WithLabelValues("partial_day").Add(3)
	RequestCoalescingHitsTotal.Inc()
	RecordCircuitBreakerTransition("climate_api", "closed", "open", 1)
	RecordShutdownInFlight(2)
}

func TestRegisterRateLimitGauges_Idempotent(t *testing.T) {
	RegisterRateLimitGauges(func() int { return 3 }, func() int { return 1 })
	RegisterRateLimitGauges(func() int { return 0 }, func() int { return 0 })
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	GDUQueriesTotal.WithLabelValues("success").Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "gduQueriesTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
