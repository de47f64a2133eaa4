package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/l0p7/offgate/internal/worker"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	hub         *worker.Hub
	status      worker.Status
	promoted    bool
	promoteErr  error
	skipCalls   int
	fetchCalls  int
	lastFetched string
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		hub: worker.NewHub(nil),
		status: worker.Status{
			State:         "active",
			ActiveVersion: "v1",
			Generations:   []string{"offgate-v1"},
		},
	}
}

func (f *fakeWorker) ServeFetch(w http.ResponseWriter, r *http.Request) {
	f.fetchCalls++
	f.lastFetched = r.URL.Path
	w.WriteHeader(http.StatusOK)
}

func (f *fakeWorker) SkipWaiting(context.Context) (bool, error) {
	f.skipCalls++
	return f.promoted, f.promoteErr
}

func (f *fakeWorker) Status(context.Context) worker.Status { return f.status }

func (f *fakeWorker) Events() *worker.Hub { return f.hub }

func TestHandlerRoutesStatus(t *testing.T) {
	fake := newFakeWorker()
	handler := NewWorkerHandler(fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/worker/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status worker.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "active", status.State)
	require.Equal(t, "v1", status.ActiveVersion)
}

func TestHandlerStatusRejectsWrites(t *testing.T) {
	handler := NewWorkerHandler(newFakeWorker())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/worker/status", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerSkipWaitingMessage(t *testing.T) {
	fake := newFakeWorker()
	fake.promoted = true
	handler := NewWorkerHandler(fake)

	body := strings.NewReader(`{"type":"SKIP_WAITING"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/worker/message", body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, fake.skipCalls)

	var result map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result["promoted"])
}

func TestHandlerSkipWaitingFailure(t *testing.T) {
	fake := newFakeWorker()
	fake.promoteErr = errors.New("store down")
	handler := NewWorkerHandler(fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/worker/message", strings.NewReader(`{"type":"SKIP_WAITING"}`)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandlerRejectsUnknownMessageType(t *testing.T) {
	fake := newFakeWorker()
	handler := NewWorkerHandler(fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/worker/message", strings.NewReader(`{"type":"REFRESH"}`)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, fake.skipCalls)
}

func TestHandlerRejectsMalformedMessage(t *testing.T) {
	handler := NewWorkerHandler(newFakeWorker())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/worker/message", strings.NewReader("{not json")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMessageRequiresPost(t *testing.T) {
	handler := NewWorkerHandler(newFakeWorker())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/worker/message", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerUnknownControlRouteIs404(t *testing.T) {
	fake := newFakeWorker()
	handler := NewWorkerHandler(fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/worker/restart", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Zero(t, fake.fetchCalls, "control paths never reach fetch interception")
}

func TestHandlerFallsThroughToFetch(t *testing.T) {
	fake := newFakeWorker()
	handler := NewWorkerHandler(fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/submit", nil))

	require.Equal(t, 1, fake.fetchCalls)
	require.Equal(t, "/submit", fake.lastFetched)
}

func TestNilWorkerHandlerIsUnavailable(t *testing.T) {
	handler := NewWorkerHandler(nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerStreamsEvents(t *testing.T) {
	fake := newFakeWorker()
	srv := httptest.NewServer(NewWorkerHandler(fake))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/worker/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the server loop a beat to register the subscriber before publishing.
	time.Sleep(50 * time.Millisecond)
	fake.hub.Publish(worker.Message{Type: worker.MessageActivated, Version: "v2"})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg worker.Message
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &msg))
		require.Equal(t, worker.MessageActivated, msg.Type)
		require.Equal(t, "v2", msg.Version)
		return
	}
}
