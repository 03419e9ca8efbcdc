package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Access-control metrics.
var (
	accessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_access_decisions_total",
			Help: "Workspace authorization decisions by outcome.",
		},
		[]string{"decision"},
	)

	rosterAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_roster_fetch_attempts_total",
			Help: "Group roster fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	reconcileGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_reconcile_grants_total",
			Help: "Rank-based membership grants applied by the reconciler.",
		},
		[]string{"outcome"},
	)

	restrictionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_restriction_events_total",
			Help: "Restriction writes and deliveries by kind.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			accessDecisions, rosterAttempts, reconcileGrants, restrictionEvents,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveDecision(decision string) { accessDecisions.WithLabelValues(decision).Inc() }
func ObserveRosterAttempt(outcome string) { rosterAttempts.WithLabelValues(outcome).Inc() }
func ObserveGrant(outcome string) { reconcileGrants.WithLabelValues(outcome).Inc() }
func ObserveRestrictionEvent(kind string) { restrictionEvents.WithLabelValues(kind).Inc() }

// Instrument records RPS, latency and in-flight requests for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses workspace identifiers so label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	const prefix = "/v1/workspaces/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return path
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
		return prefix + ":id"
	case len(parts) == 2 && (parts[1] == "access" || parts[1] == "restriction"):
		return prefix + ":id/" + parts[1]
	case len(parts) == 3 && parts[1] == "restriction" && parts[2] == "stream":
		return prefix + ":id/restriction/stream"
	}
	return prefix + ":id/other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
