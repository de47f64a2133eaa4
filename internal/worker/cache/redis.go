package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// KeyPrefix namespaces every key so multiple gateways can share a server.
	KeyPrefix string
}

func (c RedisConfig) prefix() string {
	p := strings.TrimSpace(c.KeyPrefix)
	if p == "" {
		return "offgate"
	}
	return p
}

type redisStore struct {
	client valkey.Client
	prefix string
}

// NewRedis builds a snapshot store backed by a Redis-compatible server. Each
// generation keeps an index set of its entry keys so DeleteGeneration can
// enumerate entries without SCAN, and a registry set tracks the generations
// themselves.
func NewRedis(cfg RedisConfig, tlsCfg RedisTLSConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if tlsCfg.Enabled {
		tc := &tls.Config{}
		if tlsCfg.CAFile != "" {
			caData, err := os.ReadFile(tlsCfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tc.RootCAs = pool
		}
		option.TLSConfig = tc
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisStore{client: client, prefix: cfg.prefix()}, nil
}

func (s *redisStore) entryKey(generation, key string) string {
	return s.prefix + ":gen:" + generation + ":entry:" + key
}

func (s *redisStore) indexKey(generation string) string {
	return s.prefix + ":gen:" + generation + ":keys"
}

func (s *redisStore) registryKey() string {
	return s.prefix + ":generations"
}

func (s *redisStore) Put(ctx context.Context, generation, key string, snap Snapshot) error {
	if snap.StoredAt.IsZero() {
		snap.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmds := []valkey.Completed{
		s.client.B().Set().Key(s.entryKey(generation, key)).Value(string(payload)).Build(),
		s.client.B().Sadd().Key(s.indexKey(generation)).Member(key).Build(),
		s.client.B().Sadd().Key(s.registryKey()).Member(generation).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: redis put: %w", err)
		}
	}
	return nil
}

func (s *redisStore) Match(ctx context.Context, generation, key string) (Snapshot, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.entryKey(generation, key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return snap, true, nil
}

func (s *redisStore) Generations(ctx context.Context) ([]string, error) {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(s.registryKey()).Build())
	names, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis generations: %w", err)
	}
	return names, nil
}

func (s *redisStore) DeleteGeneration(ctx context.Context, generation string) error {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(s.indexKey(generation)).Build())
	keys, err := resp.AsStrSlice()
	if err != nil {
		return fmt.Errorf("cache: redis delete generation: %w", err)
	}

	del := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		del = append(del, s.entryKey(generation, key))
	}
	del = append(del, s.indexKey(generation))

	cmds := []valkey.Completed{
		s.client.B().Del().Key(del...).Build(),
		s.client.B().Srem().Key(s.registryKey()).Member(generation).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: redis delete generation: %w", err)
		}
	}
	return nil
}

func (s *redisStore) Len(ctx context.Context, generation string) (int64, error) {
	resp := s.client.Do(ctx, s.client.B().Scard().Key(s.indexKey(generation)).Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis len: %w", err)
	}
	return size, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
