package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newRedisStore(t *testing.T) Store {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	store, err := NewRedis(RedisConfig{Address: server.Addr(), KeyPrefix: "offgate-test"}, RedisTLSConfig{})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestRedisStorePutMatch(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	snap := Snapshot{
		Status:   200,
		Header:   map[string][]string{"Content-Type": {"application/javascript"}},
		Body:     []byte("console.log('hi')"),
		StoredAt: time.Now().UTC(),
	}
	if err := store.Put(ctx, "offgate-v1", "/static/app.js", snap); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := store.Match(ctx, "offgate-v1", "/static/app.js")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok {
		t.Fatalf("expected redis cache hit")
	}
	if got.Status != 200 || got.HTTPHeader().Get("Content-Type") != "application/javascript" {
		t.Fatalf("unexpected snapshot: %#v", got)
	}

	size, err := store.Len(ctx, "offgate-v1")
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	_, ok, err = store.Match(ctx, "offgate-v1", "/missing")
	if err != nil {
		t.Fatalf("match miss: %v", err)
	}
	if ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestRedisStoreDeleteGeneration(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	for _, gen := range []string{"offgate-v1", "offgate-v2"} {
		if err := store.Put(ctx, gen, "/", Snapshot{Status: 200, Body: []byte("home")}); err != nil {
			t.Fatalf("put %s: %v", gen, err)
		}
		if err := store.Put(ctx, gen, "/offline", Snapshot{Status: 200, Body: []byte("offline")}); err != nil {
			t.Fatalf("put %s offline: %v", gen, err)
		}
	}

	if err := store.DeleteGeneration(ctx, "offgate-v1"); err != nil {
		t.Fatalf("delete generation: %v", err)
	}

	generations, err := store.Generations(ctx)
	if err != nil {
		t.Fatalf("generations: %v", err)
	}
	if len(generations) != 1 || generations[0] != "offgate-v2" {
		t.Fatalf("expected only offgate-v2 to survive, got %v", generations)
	}

	_, ok, err := store.Match(ctx, "offgate-v1", "/")
	if err != nil {
		t.Fatalf("match deleted: %v", err)
	}
	if ok {
		t.Fatalf("expected deleted generation entries to be gone")
	}

	size, err := store.Len(ctx, "offgate-v1")
	if err != nil {
		t.Fatalf("len deleted: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected empty index for deleted generation, got %d", size)
	}
}

func TestNewRedisRequiresAddress(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}, RedisTLSConfig{}); err == nil {
		t.Fatalf("expected error for missing address")
	}
}
