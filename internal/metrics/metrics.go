package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the store method being instrumented.
type CacheOperation string

const (
	// CacheOperationMatch records snapshot lookups against the active generation.
	CacheOperationMatch CacheOperation = "match"
	// CacheOperationPut records snapshot write attempts.
	CacheOperationPut CacheOperation = "put"
)

// CacheOutcome captures the result of a store operation.
type CacheOutcome string

const (
	CacheHit    CacheOutcome = "hit"
	CacheMiss   CacheOutcome = "miss"
	CacheStored CacheOutcome = "stored"
	CacheError  CacheOutcome = "error"
)

// InstallOutcome captures how an install attempt ended.
type InstallOutcome string

const (
	InstallSucceeded InstallOutcome = "succeeded"
	InstallFailed    InstallOutcome = "failed"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	installs        *prometheus.CounterVec
	purgedGens      prometheus.Counter
	eventsBroadcast *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Total intercepted requests handled by the worker.",
	}, []string{"route", "policy", "outcome", "from_cache"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offgate",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed intercepted requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Snapshot store operations executed by the worker.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offgate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for snapshot store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	installs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "worker",
		Name:      "installs_total",
		Help:      "Generation install attempts by outcome.",
	}, []string{"outcome"})

	purgedGens := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "worker",
		Name:      "generations_purged_total",
		Help:      "Stale cache generations deleted during activation.",
	})

	eventsBroadcast := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "worker",
		Name:      "events_total",
		Help:      "Lifecycle events broadcast to subscribed pages.",
	}, []string{"type"})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, cacheLatency, installs, purgedGens, eventsBroadcast)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		installs:        installs,
		purgedGens:      purgedGens,
		eventsBroadcast: eventsBroadcast,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records the route, applied policy, and outcome of a completed
// intercepted request.
func (r *Recorder) ObserveFetch(route, policy, outcome string, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	outcomeLabel := normalizeLabel(outcome)
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.fetchRequests.WithLabelValues(routeLabel, normalizeLabel(policy), outcomeLabel, cacheLabel).Inc()
	r.fetchLatency.WithLabelValues(routeLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCache records the result of a snapshot store operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationMatch)
	}
	resLabel := normalizeLabel(string(result))
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveInstall records one install attempt.
func (r *Recorder) ObserveInstall(outcome InstallOutcome) {
	if r == nil {
		return
	}
	r.installs.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObservePurgedGenerations counts stale generations removed on activation.
func (r *Recorder) ObservePurgedGenerations(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.purgedGens.Add(float64(count))
}

// ObserveEvent counts a lifecycle broadcast by type.
func (r *Recorder) ObserveEvent(eventType string) {
	if r == nil {
		return
	}
	r.eventsBroadcast.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
