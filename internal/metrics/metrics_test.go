package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, rec *Recorder) []*dto.MetricFamily {
	t.Helper()
	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	return families
}

func findMetric(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func matchLabels(metric *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(metric.GetLabel()))
	for _, label := range metric.GetLabel() {
		got[label.GetName()] = label.GetValue()
	}
	for name, value := range want {
		if got[name] != value {
			return false
		}
	}
	return true
}

func counterValue(t *testing.T, rec *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	family := findMetric(gather(t, rec), name)
	if family == nil {
		return 0
	}
	for _, metric := range family.GetMetric() {
		if matchLabels(metric, labels) {
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestObserveFetchCountsByLabels(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ObserveFetch("navigation", "network-first", "ok", false, 12*time.Millisecond)
	rec.ObserveFetch("navigation", "network-first", "ok", false, 7*time.Millisecond)
	rec.ObserveFetch("static", "cache-first", "ok", true, time.Millisecond)

	require.Equal(t, float64(2), counterValue(t, rec, "offgate_fetch_requests_total", map[string]string{
		"route":      "navigation",
		"policy":     "network-first",
		"outcome":    "ok",
		"from_cache": "false",
	}))
	require.Equal(t, float64(1), counterValue(t, rec, "offgate_fetch_requests_total", map[string]string{
		"route":      "static",
		"from_cache": "true",
	}))

	latency := findMetric(gather(t, rec), "offgate_fetch_request_duration_seconds")
	require.NotNil(t, latency)
}

func TestObserveCacheUsesOperationAndResult(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ObserveCache(CacheOperationMatch, CacheHit, time.Millisecond)
	rec.ObserveCache(CacheOperationPut, CacheStored, time.Millisecond)
	rec.ObserveCache(CacheOperationPut, CacheError, time.Millisecond)

	require.Equal(t, float64(1), counterValue(t, rec, "offgate_cache_operations_total", map[string]string{
		"operation": "match",
		"result":    "hit",
	}))
	require.Equal(t, float64(1), counterValue(t, rec, "offgate_cache_operations_total", map[string]string{
		"operation": "put",
		"result":    "error",
	}))
}

func TestObserveInstallAndPurge(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ObserveInstall(InstallSucceeded)
	rec.ObserveInstall(InstallFailed)
	rec.ObserveInstall(InstallFailed)
	rec.ObservePurgedGenerations(3)
	rec.ObservePurgedGenerations(0)
	rec.ObservePurgedGenerations(-1)

	require.Equal(t, float64(2), counterValue(t, rec, "offgate_worker_installs_total", map[string]string{"outcome": "failed"}))
	require.Equal(t, float64(3), counterValue(t, rec, "offgate_worker_generations_purged_total", nil))
}

func TestObserveEventNormalizesEmptyType(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ObserveEvent("OFFLINE_READY")
	rec.ObserveEvent("  ")

	require.Equal(t, float64(1), counterValue(t, rec, "offgate_worker_events_total", map[string]string{"type": "OFFLINE_READY"}))
	require.Equal(t, float64(1), counterValue(t, rec, "offgate_worker_events_total", map[string]string{"type": "unknown"}))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder

	rec.ObserveFetch("navigation", "network-first", "ok", false, time.Millisecond)
	rec.ObserveCache(CacheOperationMatch, CacheMiss, time.Millisecond)
	rec.ObserveInstall(InstallSucceeded)
	rec.ObservePurgedGenerations(1)
	rec.ObserveEvent("ACTIVATED")

	recorder := httptest.NewRecorder()
	rec.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 503, recorder.Code)

	_, err := rec.Gatherer().Gather()
	require.NoError(t, err)
}

func TestHandlerServesExposition(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())
	rec.ObserveEvent("ACTIVATED")

	recorder := httptest.NewRecorder()
	rec.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, recorder.Code)
	require.Contains(t, recorder.Body.String(), "offgate_worker_events_total")
}
