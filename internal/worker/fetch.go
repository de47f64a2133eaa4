package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/offgate/internal/config"
)

// Fetcher is the worker's network arm: it re-issues intercepted requests
// against the configured origin and fetches manifest paths during install.
type Fetcher struct {
	origin *url.URL
	client *http.Client
}

// NewFetcher validates the origin URL and prepares the shared HTTP client.
// A zero timeout disables the bound entirely, matching deployments that
// prefer the hosting environment's own limits.
func NewFetcher(cfg config.OriginConfig) (*Fetcher, error) {
	origin, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("worker: origin url: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return nil, errors.New("worker: origin url must be absolute")
	}
	client := &http.Client{}
	if cfg.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Fetcher{origin: origin, client: client}, nil
}

// Forward re-issues the incoming request against the origin, preserving
// method, headers, and body. When noStore is set the upstream is told not to
// let intermediaries cache the exchange.
func (f *Fetcher) Forward(ctx context.Context, r *http.Request, noStore bool) (*http.Response, error) {
	out := r.Clone(ctx)
	out.URL.Scheme = f.origin.Scheme
	out.URL.Host = f.origin.Host
	out.Host = f.origin.Host
	out.RequestURI = ""
	stripHopByHop(out.Header)
	if noStore {
		out.Header.Set("Cache-Control", "no-store")
	}
	return f.client.Do(out)
}

// Get fetches an origin-relative path, used to precache the asset manifest.
func (f *Fetcher) Get(ctx context.Context, path string) (*http.Response, error) {
	target := *f.origin
	parsed, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("worker: manifest path %q: %w", path, err)
	}
	target.Path = parsed.Path
	target.RawQuery = parsed.RawQuery
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("worker: manifest request %q: %w", path, err)
	}
	return f.client.Do(req)
}

// hopByHopHeaders are connection-scoped and must not be replayed upstream.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			if field = strings.TrimSpace(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
