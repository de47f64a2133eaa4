package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/l0p7/offgate/internal/config"
	"github.com/l0p7/offgate/internal/metrics"
	"github.com/l0p7/offgate/internal/templates"
	"github.com/l0p7/offgate/internal/worker/cache"
	"github.com/l0p7/offgate/internal/worker/routing"
)

// ErrNoGeneration indicates activation was requested before any generation
// finished installing.
var ErrNoGeneration = errors.New("worker: no generation installed")

// DefaultGenerationPrefix namespaces generation names in the snapshot store.
const DefaultGenerationPrefix = "offgate-"

// state is one installed worker generation: its version, the generation it
// reads from, and the routing configuration that shipped with it. A state is
// immutable once built; upgrades swap whole states.
type state struct {
	version    string
	generation string
	worker     config.WorkerConfig
	classifier *routing.Classifier
}

// Options wires the manager's collaborators.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Store      cache.Store
	Fetcher    *Fetcher
	Events     *Hub
	Renderer   *templates.Renderer
	PublicHost string
	// GenerationPrefix overrides DefaultGenerationPrefix, mainly for tests
	// sharing a store.
	GenerationPrefix string
}

// Manager owns the cache generation lifecycle and the per-request routing
// policy. One generation is authoritative for reads at a time; a newer install
// holds in waiting until promoted, so an in-progress page session is never
// switched mid-use.
type Manager struct {
	logger     *slog.Logger
	metrics    *metrics.Recorder
	store      cache.Store
	fetcher    *Fetcher
	events     *Hub
	renderer   *templates.Renderer
	publicHost string
	genPrefix  string

	mu      sync.RWMutex
	active  *state
	waiting *state
}

// NewManager validates the collaborators and returns an idle manager. Nothing
// is served from cache until the first successful Install.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("worker: store required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("worker: fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := opts.Events
	if events == nil {
		events = NewHub(opts.Metrics)
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	prefix := opts.GenerationPrefix
	if prefix == "" {
		prefix = DefaultGenerationPrefix
	}
	return &Manager{
		logger:     logger.With(slog.String("agent", "worker")),
		metrics:    opts.Metrics,
		store:      opts.Store,
		fetcher:    opts.Fetcher,
		events:     events,
		renderer:   renderer,
		publicHost: opts.PublicHost,
		genPrefix:  prefix,
	}, nil
}

// Events exposes the broadcast hub so transport layers can subscribe pages.
func (m *Manager) Events() *Hub { return m.events }

func (m *Manager) generationName(version string) string {
	return m.genPrefix + version
}

// Install creates the generation for the supplied worker config and precaches
// its asset manifest. Any manifest failure is fatal: the partial generation is
// deleted, the previously active generation keeps serving, and the caller may
// retry on the next trigger. On success the new state either activates
// immediately (first install, or a refresh of the active version) or holds in
// waiting next to an older active generation.
func (m *Manager) Install(ctx context.Context, worker config.WorkerConfig, routes []config.RouteRuleConfig) error {
	classifier, err := routing.NewClassifier(worker, m.publicHost, routes)
	if err != nil {
		m.metrics.ObserveInstall(metrics.InstallFailed)
		return err
	}

	generation := m.generationName(worker.Version)
	logger := m.logger.With(slog.String("version", worker.Version), slog.String("generation", generation))

	if err := m.precache(ctx, generation, worker); err != nil {
		if delErr := m.store.DeleteGeneration(ctx, generation); delErr != nil {
			logger.Warn("partial generation cleanup failed", slog.Any("error", delErr))
		}
		m.metrics.ObserveInstall(metrics.InstallFailed)
		logger.Error("install failed", slog.Any("error", err))
		return err
	}

	m.metrics.ObserveInstall(metrics.InstallSucceeded)
	logger.Info("install complete", slog.Int("manifest_size", len(worker.Precache)))
	m.events.Publish(Message{Type: MessageOfflineReady, Version: worker.Version})

	st := &state{
		version:    worker.Version,
		generation: generation,
		worker:     worker,
		classifier: classifier,
	}

	m.mu.Lock()
	activeNow := m.active
	if activeNow != nil && activeNow.version != st.version {
		m.waiting = st
		m.mu.Unlock()
		logger.Info("update held in waiting", slog.String("active_version", activeNow.version))
		m.events.Publish(Message{Type: MessageUpdateWaiting, Version: st.version})
		return nil
	}
	m.mu.Unlock()

	return m.activate(ctx, st)
}

// precache fetches every manifest URL into the generation. The offline
// fallback may instead be rendered locally when a template file is configured.
func (m *Manager) precache(ctx context.Context, generation string, worker config.WorkerConfig) error {
	renderOffline := worker.Offline.Path != "" && worker.Offline.TemplateFile != ""

	for _, path := range worker.Precache {
		if renderOffline && path == worker.Offline.Path {
			continue
		}
		if err := m.precachePath(ctx, generation, path); err != nil {
			return err
		}
	}

	if renderOffline {
		body, err := m.renderer.RenderFile(worker.Offline.TemplateFile, templates.OfflinePageData{
			Version:     worker.Version,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("worker: render offline page: %w", err)
		}
		snap := cache.Snapshot{
			Status: http.StatusOK,
			Header: map[string][]string{"Content-Type": {"text/html; charset=utf-8"}},
			Body:   body,
		}
		key, err := manifestKey(worker.Offline.Path)
		if err != nil {
			return err
		}
		if err := m.put(ctx, generation, key, snap); err != nil {
			return fmt.Errorf("worker: store offline page: %w", err)
		}
	}
	return nil
}

func (m *Manager) precachePath(ctx context.Context, generation, path string) error {
	resp, err := m.fetcher.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("worker: precache %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("worker: precache %s: origin returned %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("worker: precache %s: read body: %w", path, err)
	}
	key, err := manifestKey(path)
	if err != nil {
		return err
	}
	snap := cache.Snapshot{
		Status: resp.StatusCode,
		Header: map[string][]string(resp.Header.Clone()),
		Body:   body,
	}
	if err := m.put(ctx, generation, key, snap); err != nil {
		return fmt.Errorf("worker: precache %s: %w", path, err)
	}
	return nil
}

// put wraps store writes with cache operation metrics.
func (m *Manager) put(ctx context.Context, generation, key string, snap cache.Snapshot) error {
	start := time.Now()
	err := m.store.Put(ctx, generation, key, snap)
	outcome := metrics.CacheStored
	if err != nil {
		outcome = metrics.CacheError
	}
	m.metrics.ObserveCache(metrics.CacheOperationPut, outcome, time.Since(start))
	return err
}

// match wraps store reads with cache operation metrics.
func (m *Manager) match(ctx context.Context, generation, key string) (cache.Snapshot, bool, error) {
	start := time.Now()
	snap, ok, err := m.store.Match(ctx, generation, key)
	outcome := metrics.CacheMiss
	switch {
	case err != nil:
		outcome = metrics.CacheError
	case ok:
		outcome = metrics.CacheHit
	}
	m.metrics.ObserveCache(metrics.CacheOperationMatch, outcome, time.Since(start))
	return snap, ok, err
}

// Activate promotes the waiting state when one exists, then purges every
// generation other than the current one. Safe to invoke repeatedly: a second
// call with nothing waiting re-runs the purge and leaves exactly one
// generation standing.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	st := m.active
	if m.waiting != nil {
		st = m.waiting
	}
	m.mu.Unlock()
	if st == nil {
		return ErrNoGeneration
	}
	return m.activate(ctx, st)
}

// SkipWaiting promotes the waiting state immediately, reporting whether a
// promotion actually happened.
func (m *Manager) SkipWaiting(ctx context.Context) (bool, error) {
	m.mu.RLock()
	st := m.waiting
	m.mu.RUnlock()
	if st == nil {
		return false, nil
	}
	if err := m.activate(ctx, st); err != nil {
		return false, err
	}
	return true, nil
}

// activate makes st authoritative. Control is claimed immediately: the very
// next intercepted request routes through the new state without waiting for
// pages to reload.
func (m *Manager) activate(ctx context.Context, st *state) error {
	m.mu.Lock()
	m.active = st
	if m.waiting == st {
		m.waiting = nil
	}
	m.mu.Unlock()

	logger := m.logger.With(slog.String("version", st.version), slog.String("generation", st.generation))

	generations, err := m.store.Generations(ctx)
	if err != nil {
		logger.Error("generation enumeration failed during activation", slog.Any("error", err))
		return err
	}
	purged := 0
	for _, name := range generations {
		if name == st.generation {
			continue
		}
		if err := m.store.DeleteGeneration(ctx, name); err != nil {
			logger.Warn("stale generation purge failed", slog.String("stale", name), slog.Any("error", err))
			continue
		}
		purged++
	}
	m.metrics.ObservePurgedGenerations(purged)
	logger.Info("generation activated", slog.Int("purged", purged))
	m.events.Publish(Message{Type: MessageActivated, Version: st.version})
	return nil
}

// Status is the JSON surface reported to pages and operators.
type Status struct {
	State          string   `json:"state"`
	ActiveVersion  string   `json:"activeVersion,omitempty"`
	WaitingVersion string   `json:"waitingVersion,omitempty"`
	Generations    []string `json:"generations"`
}

// Status reports the manager's lifecycle position and surviving generations.
func (m *Manager) Status(ctx context.Context) Status {
	m.mu.RLock()
	active, waiting := m.active, m.waiting
	m.mu.RUnlock()

	status := Status{State: "idle", Generations: []string{}}
	if active != nil {
		status.State = "active"
		status.ActiveVersion = active.version
	}
	if waiting != nil {
		status.State = "waiting"
		status.WaitingVersion = waiting.version
	}
	if generations, err := m.store.Generations(ctx); err == nil {
		status.Generations = generations
	}
	return status
}

// current returns the serving state, or nil before the first activation.
func (m *Manager) current() *state {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func manifestKey(path string) (string, error) {
	parsed, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("worker: manifest path %q: %w", path, err)
	}
	return cache.Key(parsed), nil
}
