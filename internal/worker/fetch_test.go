package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/l0p7/offgate/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewFetcherRejectsRelativeOrigin(t *testing.T) {
	_, err := NewFetcher(config.OriginConfig{URL: "/not-absolute"})
	require.Error(t, err)
}

func TestForwardRewritesRequestToOrigin(t *testing.T) {
	var gotHost, gotPath, gotConnection string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotPath = r.URL.Path
		gotConnection = r.Header.Get("X-Should-Drop")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(origin.Close)

	fetcher, err := NewFetcher(config.OriginConfig{URL: origin.URL, TimeoutSeconds: 5})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://dictionary.example.org/submit", nil)
	req.Header.Set("Connection", "X-Should-Drop")
	req.Header.Set("X-Should-Drop", "yes")
	req.Header.Set("X-Kept", "yes")

	resp, err := fetcher.Forward(context.Background(), req, false)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "/submit", gotPath)
	require.NotEqual(t, "dictionary.example.org", gotHost)
	require.Empty(t, gotConnection, "headers named by Connection must be dropped")
}

func TestForwardNoStoreSetsCacheControl(t *testing.T) {
	var gotCacheControl string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCacheControl = r.Header.Get("Cache-Control")
	}))
	t.Cleanup(origin.Close)

	fetcher, err := NewFetcher(config.OriginConfig{URL: origin.URL})
	require.NoError(t, err)

	resp, err := fetcher.Forward(context.Background(), httptest.NewRequest("GET", "/api/words", nil), true)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, "no-store", gotCacheControl)
}

func TestGetFetchesManifestPath(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/static/app.js" && r.URL.RawQuery == "v=2" {
			_, _ = w.Write([]byte("ok"))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(origin.Close)

	fetcher, err := NewFetcher(config.OriginConfig{URL: origin.URL})
	require.NoError(t, err)

	resp, err := fetcher.Get(context.Background(), "/static/app.js?v=2")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
