// Package telemetry owns the Prometheus collectors shared across the service,
// the HTTP metrics middleware, and OpenTelemetry tracer setup.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	rateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_ratelimit_decisions_total",
			Help: "Rate limiter decisions, labeled by rule and result.",
		},
		[]string{"rule", "result"},
	)

	admissionPermitsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_admission_permits_in_use",
			Help: "Admission permits currently held by running workers.",
		},
	)

	admissionPermitsMax = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_admission_permits_max",
			Help: "Configured admission permit count.",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_queue_depth",
			Help: "Tasks waiting in the task queue.",
		},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_runs_total",
			Help: "Scraper runs that reached a terminal state, labeled by status.",
		},
		[]string{"status"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_active_runs",
			Help: "Number of supervised worker runs currently executing.",
		},
	)

	poolResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scraper_pool_resources",
			Help: "Pooled automation resources, labeled by pool and state.",
		},
		[]string{"pool", "state"},
	)

	poolEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_pool_events_total",
			Help: "Pool lifecycle events, labeled by pool and event.",
		},
		[]string{"pool", "event"},
	)

	poolBorrowWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_pool_borrow_wait_seconds",
			Help:    "Time spent waiting for a pooled resource.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"pool"},
	)

	orphansKilledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_orphan_sweeps_total",
			Help: "Startup sweeps that terminated orphaned worker processes.",
		},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDecision counts one limiter decision.
func ObserveRateLimitDecision(rule, result string) {
	rateLimitDecisionsTotal.WithLabelValues(rule, result).Inc()
}

// SetAdmissionPermits publishes the semaphore occupancy.
func SetAdmissionPermits(held, limit int64) {
	admissionPermitsInUse.Set(float64(held))
	admissionPermitsMax.Set(float64(limit))
}

// SetQueueDepth publishes the number of queued tasks.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// ObserveRun records a run reaching a terminal state.
func ObserveRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// IncActiveRuns increments the active run count.
func IncActiveRuns() {
	activeRuns.Inc()
}

// DecActiveRuns decrements the active run count.
func DecActiveRuns() {
	activeRuns.Dec()
}

// SetPoolResources publishes active and idle counts for a pool.
func SetPoolResources(pool string, active, idle int) {
	poolResources.WithLabelValues(pool, "active").Set(float64(active))
	poolResources.WithLabelValues(pool, "idle").Set(float64(idle))
}

// ObservePoolEvent counts a pool lifecycle event (created, destroyed, exhausted...).
func ObservePoolEvent(pool, event string) {
	poolEventsTotal.WithLabelValues(pool, event).Inc()
}

// ObservePoolBorrowWait records how long a borrower waited.
func ObservePoolBorrowWait(pool string, d time.Duration) {
	poolBorrowWaitSeconds.WithLabelValues(pool).Observe(d.Seconds())
}

// ObserveOrphanSweep counts a startup sweep that killed orphans.
func ObserveOrphanSweep() {
	orphansKilledTotal.Inc()
}
