package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Grounded lookups are slow; watch p95 against the request timeout.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight, WebSocket streams included.
	HTTPRequestsInFlight prometheus.Gauge

	// Generative AI calls by operation (city, location, suggest, chat) and status.
	GenAICallsTotal *prometheus.CounterVec

	// Generative AI latency. Search-grounded calls routinely take several seconds.
	GenAIDuration *prometheus.HistogramVec

	// Retry attempts against the model. Watch for: sustained retries = quota pressure.
	GenAIRetriesTotal *prometheus.CounterVec

	// Grounded lookups that fell back to an ungrounded estimate.
	GenAIFallbacksTotal *prometheus.CounterVec

	// Upstream failures by stable category (see client.CategorizeError).
	GenAIErrorsTotal *prometheus.CounterVec

	// Cache hits/misses per cache (aqi, location, suggestion).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	CacheErrorsTotal              *prometheus.CounterVec
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Responses served from an expired entry because the upstream failed.
	StaleCacheServesTotal *prometheus.CounterVec

	// Concurrent misses for one key (stampede) and callers that shared an in-flight fetch.
	CacheStampedeDetectedTotal *prometheus.CounterVec
	CoalescedRequestsTotal     *prometheus.CounterVec

	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// AQI lookups by kind (city, location) and per city (allow-list; others go to "other").
	AqiQueriesTotal       *prometheus.CounterVec
	AqiQueriesByCityTotal *prometheus.CounterVec

	// Served readings by severity band.
	AqiLevelTotal *prometheus.CounterVec

	// Autocomplete outcomes: delivered, superseded, short, error.
	SuggestRequestsTotal *prometheus.CounterVec

	// Open autocomplete WebSocket sessions.
	AutocompleteSessions prometheus.Gauge

	// Chat replies by outcome: ok, fallback, empty.
	ChatRepliesTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	CircuitBreakerState            *prometheus.GaugeVec
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// In-flight requests observed when shutdown began.
	ShutdownInFlight prometheus.Gauge

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "httpRequestsTotal", Help: "Total number of HTTP requests"},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "httpRequestsInFlight", Help: "Number of HTTP requests currently being served"},
	)
	GenAICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "genaiCallsTotal", Help: "Total number of generative AI calls"},
		[]string{"operation", "status"},
	)
	GenAIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genaiDurationSeconds",
			Help:    "Generative AI call latency in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40},
		},
		[]string{"operation", "status"},
	)
	GenAIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "genaiRetriesTotal", Help: "Total number of retry attempts for generative AI calls"},
		[]string{"operation"},
	)
	GenAIFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "genaiFallbacksTotal", Help: "Grounded lookups that fell back to an ungrounded estimate"},
		[]string{"operation"},
	)
	GenAIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "genaiErrorsTotal", Help: "Generative AI failures by category"},
		[]string{"category"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheHitsTotal", Help: "Total number of cache hits"},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheMissesTotal", Help: "Total number of cache misses"},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheErrorsTotal", Help: "Cache backend errors by operation and category"},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "result"},
	)
	StaleCacheServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "staleCacheServesTotal", Help: "Responses served from stale cache after upstream failure"},
		[]string{"cacheType"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheStampedeDetectedTotal", Help: "Cache misses that overlapped another miss for the same key"},
		[]string{"cacheType"},
	)
	CoalescedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "coalescedRequestsTotal", Help: "Requests that shared an in-flight upstream fetch"},
		[]string{"cacheType"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingTotal", Help: "Cache warming runs"},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingErrorsTotal", Help: "Cache warming runs with at least one failed city"},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120},
		},
	)
	AqiQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aqiQueriesTotal", Help: "Total number of AQI lookups"},
		[]string{"kind"},
	)
	AqiQueriesByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aqiQueriesByCityTotal", Help: "AQI lookups by city (allow-list; others use city=other)"},
		[]string{"city"},
	)
	AqiLevelTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aqiLevelTotal", Help: "Served AQI readings by level"},
		[]string{"level"},
	)
	SuggestRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "suggestRequestsTotal", Help: "Autocomplete requests by outcome"},
		[]string{"outcome"},
	)
	AutocompleteSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "autocompleteSessions", Help: "Open autocomplete streams"},
	)
	ChatRepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatRepliesTotal", Help: "Chat replies by outcome"},
		[]string{"outcome"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rateLimitDeniedTotal", Help: "Total number of requests denied by rate limiter (429)"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuitBreakerState", Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)"},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "circuitBreakerTransitionsTotal", Help: "Circuit breaker state transitions"},
		[]string{"component", "from", "to"},
	)
	ShutdownInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "shutdownInFlightRequests", Help: "In-flight requests when shutdown began"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		GenAICallsTotal, GenAIDuration, GenAIRetriesTotal, GenAIFallbacksTotal, GenAIErrorsTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		StaleCacheServesTotal, CacheStampedeDetectedTotal, CoalescedRequestsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		AqiQueriesTotal, AqiQueriesByCityTotal, AqiLevelTotal,
		SuggestRequestsTotal, AutocompleteSessions, ChatRepliesTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		ShutdownInFlight,
	)
}

// RegisterRateLimitGauges registers window gauges for the rate-limited path.
// requests and denials are evaluated at scrape time.
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

// SetTrackedCities sets the allow-list for per-city metrics. Other cities increment "other".
func SetTrackedCities(cities []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(cities))
	for _, c := range cities {
		trackedCities[normalizeCityForMetrics(c)] = struct{}{}
	}
}

// MetricCityLabel returns city when it is tracked, otherwise "other".
func MetricCityLabel(city string) string {
	c := normalizeCityForMetrics(city)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[c]
	trackedCitiesMu.RUnlock()
	if ok {
		return c
	}
	return "other"
}

// RecordCityQuery records an AQI lookup for city.
func RecordCityQuery(city string) {
	AqiQueriesTotal.WithLabelValues("city").Inc()
	AqiQueriesByCityTotal.WithLabelValues(MetricCityLabel(city)).Inc()
}

// RecordCircuitBreakerTransition counts a breaker state change and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
