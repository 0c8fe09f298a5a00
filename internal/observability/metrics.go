package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Request and response body sizes per route.
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Climate API call rate per endpoint (directory, observations). Watch for: error vs success ratio.
	ClimateAPICallsTotal *prometheus.CounterVec

	// Climate API latency. Watch for: p95 > 2s (upstream degradation).
	ClimateAPIDuration *prometheus.HistogramVec

	// Retry attempts against the climate API. High retries = unstable upstream.
	ClimateAPIRetriesTotal *prometheus.CounterVec

	// Climate API errors by stable category (see client.CategorizeError).
	ClimateAPIErrorsTotal *prometheus.CounterVec

	// Region directory fetches by status.
	StationDirectoryFetchesTotal *prometheus.CounterVec

	// Candidate station outcomes in the data gate (accepted, fetch_failed, integrity, quality).
	StationAttemptsTotal *prometheus.CounterVec

	// Number of candidates tried per query. Watch for: shift to the right = nearest stations degrading.
	StationsTriedPerQuery prometheus.Histogram

	// Observation cache lookups by result (hit, miss, error).
	ObservationCacheTotal *prometheus.CounterVec

	// GDU queries by outcome (success, invalid, exhausted, upstream, timeout).
	GDUQueriesTotal *prometheus.CounterVec

	// End-to-end GDU computation latency.
	GDUQueryDuration prometheus.Histogram

	// Accumulated days by BE case (degenerate, full_day, partial_day, clipped).
	GDUDayCasesTotal *prometheus.CounterVec

	// Queries answered by joining an identical in-flight computation.
	RequestCoalescingHitsTotal prometheus.Counter

	// Circuit breaker state: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// In-flight requests observed when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	HTTPRequestSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestSizeBytes",
			Help:    "HTTP request body size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 6),
		},
		[]string{"route"},
	)
	HTTPResponseSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpResponseSizeBytes",
			Help:    "HTTP response body size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 6),
		},
		[]string{"route"},
	)
	ClimateAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climateApiCallsTotal",
			Help: "Total number of climate data API calls",
		},
		[]string{"endpoint", "status"},
	)
	ClimateAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "climateApiDurationSeconds",
			Help:    "Climate data API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	ClimateAPIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climateApiRetriesTotal",
			Help: "Total number of retry attempts for climate data API calls",
		},
		[]string{"endpoint"},
	)
	ClimateAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climateApiErrorsTotal",
			Help: "Climate data API errors by category",
		},
		[]string{"category"},
	)
	StationDirectoryFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationDirectoryFetchesTotal",
			Help: "Region station list fetches by status",
		},
		[]string{"status"},
	)
	StationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationAttemptsTotal",
			Help: "Candidate station outcomes in the data quality gate",
		},
		[]string{"outcome"},
	)
	StationsTriedPerQuery = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stationsTriedPerQuery",
			Help:    "Number of candidate stations tried before a series was accepted or the list was exhausted",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)
	ObservationCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationCacheTotal",
			Help: "Observation cache lookups by result",
		},
		[]string{"result"},
	)
	GDUQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gduQueriesTotal",
			Help: "GDU queries by outcome",
		},
		[]string{"outcome"},
	)
	GDUQueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gduQueryDurationSeconds",
			Help:    "End-to-end GDU computation latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	GDUDayCasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gduDayCasesTotal",
			Help: "Accumulated days by degree-unit case",
		},
		[]string{"case"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "GDU queries served by an identical in-flight computation",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		HTTPRequestSizeBytes, HTTPResponseSizeBytes,
		ClimateAPICallsTotal, ClimateAPIDuration, ClimateAPIRetriesTotal, ClimateAPIErrorsTotal,
		StationDirectoryFetchesTotal, StationAttemptsTotal, StationsTriedPerQuery,
		ObservationCacheTotal,
		GDUQueriesTotal, GDUQueryDuration, GDUDayCasesTotal,
		RequestCoalescingHitsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal, ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and reject gauges for the rate-limited path.
// requests and denials report counts over the lifecycle window. Safe to call more than once.
func RegisterRateLimitGauges(requests, denials func() int) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(requests()) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(denials()) },
			),
		)
	})
}

// RecordCircuitBreakerTransition counts a breaker state change and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// RecordShutdownInFlight records the in-flight request count at shutdown.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
