package cache

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Snapshot is one cached response: status, headers, and body captured from a
// successful origin GET. StoredAt records when the copy was taken.
type Snapshot struct {
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header,omitempty"`
	Body     []byte              `json:"body,omitempty"`
	StoredAt time.Time           `json:"storedAt"`
}

// HTTPHeader converts the stored header map back into an http.Header.
func (s Snapshot) HTTPHeader() http.Header {
	h := make(http.Header, len(s.Header))
	for k, values := range s.Header {
		for _, v := range values {
			h.Add(k, v)
		}
	}
	return h
}

// Store persists response snapshots grouped into named generations. Exactly
// one generation is read from at a time; superseded generations are deleted
// wholesale on activation. Individual Put/Match calls are atomic per key and
// idempotent, so racing writers for the same URL are tolerated (last write
// wins).
type Store interface {
	// Put records a snapshot under the given generation and key, replacing
	// any previous entry for that key.
	Put(ctx context.Context, generation, key string, snap Snapshot) error

	// Match returns the snapshot stored for key within the generation, if any.
	Match(ctx context.Context, generation, key string) (Snapshot, bool, error)

	// Generations lists every generation that currently holds entries or has
	// been registered by a Put.
	Generations(ctx context.Context) ([]string, error)

	// DeleteGeneration removes a generation and all of its entries.
	DeleteGeneration(ctx context.Context, generation string) error

	// Len reports the number of entries held by the generation.
	Len(ctx context.Context, generation string) (int64, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// Key canonicalizes a request URL into a generation-relative cache key. Only
// GET responses are ever stored, so the method is not part of the key.
func Key(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}
