package worker

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/offgate/internal/config"
	"github.com/l0p7/offgate/internal/worker/cache"
	"github.com/l0p7/offgate/internal/worker/routing"
)

const cacheStateHeader = "X-Offgate-Cache"

// ServeFetch is the interception point: every request not claimed by the
// control surface lands here and is routed per the active generation's
// policy. Before the first activation there is no generation to read from, so
// everything passes straight through to the origin.
func (m *Manager) ServeFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st := m.current()
	if st == nil {
		decision := routing.Decision{Class: routing.ClassPassthrough, Policy: config.PolicyPassthrough}
		m.passthrough(w, r, decision, start)
		return
	}

	decision := st.classifier.Classify(r)
	switch decision.Policy {
	case config.PolicyPassthrough:
		m.passthrough(w, r, decision, start)
	case config.PolicyBypass:
		m.bypass(w, r, decision, start)
	case config.PolicyCacheFirst:
		m.cacheFirst(w, r, st, decision, start)
	default:
		m.networkFirst(w, r, st, decision, start)
	}
}

// passthrough forwards without ever touching a cache store. Mutating requests
// must reach the origin exactly as sent; replaying or caching them would
// corrupt application state.
func (m *Manager) passthrough(w http.ResponseWriter, r *http.Request, decision routing.Decision, start time.Time) {
	resp, err := m.fetcher.Forward(r.Context(), r, false)
	if err != nil {
		m.writeUnreachable(w, decision, start, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	m.relay(w, resp)
	m.observe(decision, "ok", false, start)
}

// bypass always goes to the network with no-store semantics so API and admin
// state is never stale, and never reads nor writes a cache entry.
func (m *Manager) bypass(w http.ResponseWriter, r *http.Request, decision routing.Decision, start time.Time) {
	resp, err := m.fetcher.Forward(r.Context(), r, true)
	if err != nil {
		m.writeUnreachable(w, decision, start, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	w.Header().Set(cacheStateHeader, "bypass")
	m.relay(w, resp)
	m.observe(decision, "ok", false, start)
}

// networkFirst favors freshness: a live 2xx is stored best-effort and
// returned; a network failure falls back to the cached copy, then (for
// navigations) the offline page.
func (m *Manager) networkFirst(w http.ResponseWriter, r *http.Request, st *state, decision routing.Decision, start time.Time) {
	ctx := r.Context()
	resp, err := m.fetcher.Forward(ctx, r, false)
	if err != nil {
		m.serveFallback(w, r, st, decision, start, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.relay(w, resp)
		m.observe(decision, "ok", false, start)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		m.serveFallback(w, r, st, decision, start, err)
		return
	}
	m.storeBestEffort(r, st, cache.Snapshot{
		Status: resp.StatusCode,
		Header: map[string][]string(resp.Header.Clone()),
		Body:   body,
	})

	copyHeader(w.Header(), resp.Header)
	w.Header().Set(cacheStateHeader, "miss")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	m.observe(decision, "ok", false, start)
}

// cacheFirst favors speed and offline availability: a cached copy
// short-circuits the network entirely; a miss fills the cache from the origin.
func (m *Manager) cacheFirst(w http.ResponseWriter, r *http.Request, st *state, decision routing.Decision, start time.Time) {
	ctx := r.Context()
	key := cache.Key(r.URL)

	snap, ok, err := m.match(ctx, st.generation, key)
	if err != nil {
		m.logger.Warn("snapshot lookup failed", slog.String("key", key), slog.Any("error", err))
	}
	if ok {
		m.writeSnapshot(w, snap, "hit")
		m.observe(decision, "cached", true, start)
		return
	}

	resp, err := m.fetcher.Forward(ctx, r, false)
	if err != nil {
		m.writeUnreachable(w, decision, start, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.relay(w, resp)
		m.observe(decision, "ok", false, start)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		m.writeUnreachable(w, decision, start, err)
		return
	}
	m.storeBestEffort(r, st, cache.Snapshot{
		Status: resp.StatusCode,
		Header: map[string][]string(resp.Header.Clone()),
		Body:   body,
	})

	copyHeader(w.Header(), resp.Header)
	w.Header().Set(cacheStateHeader, "miss")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	m.observe(decision, "ok", false, start)
}

// serveFallback recovers a failed network-first fetch: exact cached URL, then
// the offline page for navigations, then an honest failure.
func (m *Manager) serveFallback(w http.ResponseWriter, r *http.Request, st *state, decision routing.Decision, start time.Time, cause error) {
	ctx := r.Context()
	key := cache.Key(r.URL)

	snap, ok, err := m.match(ctx, st.generation, key)
	if err != nil {
		m.logger.Warn("snapshot lookup failed", slog.String("key", key), slog.Any("error", err))
	}
	if ok {
		m.writeSnapshot(w, snap, "fallback")
		m.observe(decision, "cached", true, start)
		return
	}

	if decision.Class == routing.ClassNavigation && st.worker.Offline.Path != "" {
		if offKey, err := manifestKey(st.worker.Offline.Path); err == nil {
			offSnap, offOK, err := m.match(ctx, st.generation, offKey)
			if err != nil {
				m.logger.Warn("offline page lookup failed", slog.Any("error", err))
			}
			if offOK {
				m.writeSnapshot(w, offSnap, "offline")
				m.observe(decision, "offline_fallback", true, start)
				return
			}
		}
		m.logger.Warn("navigation failed with no offline page cached", slog.String("path", r.URL.Path), slog.Any("error", cause))
		http.Error(w, "offline", http.StatusServiceUnavailable)
		m.observe(decision, "unreachable", false, start)
		return
	}

	m.writeUnreachable(w, decision, start, cause)
}

// storeBestEffort caches a snapshot without gating the response on the write.
// Quota or backend failures are logged and otherwise ignored.
func (m *Manager) storeBestEffort(r *http.Request, st *state, snap cache.Snapshot) {
	key := cache.Key(r.URL)
	if err := m.put(r.Context(), st.generation, key, snap); err != nil {
		m.logger.Warn("snapshot write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (m *Manager) writeSnapshot(w http.ResponseWriter, snap cache.Snapshot, cacheState string) {
	copyHeader(w.Header(), snap.HTTPHeader())
	w.Header().Set(cacheStateHeader, cacheState)
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
}

func (m *Manager) writeUnreachable(w http.ResponseWriter, decision routing.Decision, start time.Time, cause error) {
	m.logger.Warn("origin fetch failed", slog.String("route", string(decision.Class)), slog.Any("error", cause))
	http.Error(w, "origin unreachable", http.StatusBadGateway)
	m.observe(decision, "unreachable", false, start)
}

func (m *Manager) relay(w http.ResponseWriter, resp *http.Response) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (m *Manager) observe(decision routing.Decision, outcome string, fromCache bool, start time.Time) {
	m.metrics.ObserveFetch(string(decision.Class), decision.Policy, outcome, fromCache, time.Since(start))
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
