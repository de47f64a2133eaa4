package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/offgate/internal/worker"
)

// Worker defines the minimal surface the router needs from the cache manager
// so URL dispatch stays out of the worker itself.
type Worker interface {
	ServeFetch(http.ResponseWriter, *http.Request)
	SkipWaiting(context.Context) (bool, error)
	Status(context.Context) worker.Status
	Events() *worker.Hub
}

// heartbeatInterval keeps idle SSE connections from being reaped by
// intermediaries.
const heartbeatInterval = 25 * time.Second

// NewWorkerHandler wires the control surface (status, message, events) and
// routes everything else into fetch interception.
func NewWorkerHandler(wk Worker) http.Handler {
	if wk == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "worker unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route, ok := controlRoute(r.URL.Path); ok {
			switch route {
			case "status":
				serveStatus(wk, w, r)
			case "message":
				serveMessage(wk, w, r)
			case "events":
				serveEvents(wk, w, r)
			default:
				http.NotFound(w, r)
			}
			return
		}
		wk.ServeFetch(w, r)
	})
}

func controlRoute(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "worker") {
		return "", false
	}
	return strings.ToLower(parts[1]), true
}

func serveStatus(wk Worker, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "status is read-only")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wk.Status(r.Context()))
}

// serveMessage accepts the page-script control contract: a JSON body with a
// type field. SKIP_WAITING promotes a held generation immediately.
func serveMessage(wk Worker, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "messages must be POSTed")
		return
	}
	var msg worker.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed message body")
		return
	}
	switch msg.Type {
	case worker.MessageSkipWaiting:
		promoted, err := wk.SkipWaiting(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "promotion failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"promoted": promoted})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

// serveEvents streams lifecycle broadcasts as server-sent events until the
// page disconnects.
func serveEvents(wk Worker, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "events are read-only")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := wk.Events().Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-events:
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
