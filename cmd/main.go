package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/offgate/internal/config"
	"github.com/l0p7/offgate/internal/logging"
	"github.com/l0p7/offgate/internal/metrics"
	"github.com/l0p7/offgate/internal/server"
	"github.com/l0p7/offgate/internal/worker"
	"github.com/l0p7/offgate/internal/worker/cache"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "OFFGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	storeLogger := logger.With(slog.String("agent", "cache_factory"))
	store := buildSnapshotStore(storeLogger, cfg.Server.Cache)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	fetcher, err := worker.NewFetcher(cfg.Server.Origin)
	if err != nil {
		logger.Error("unable to construct origin fetcher", slog.Any("error", err))
		os.Exit(1)
	}

	manager, err := worker.NewManager(worker.Options{
		Logger:     logger,
		Metrics:    metricsRecorder,
		Store:      store,
		Fetcher:    fetcher,
		Events:     worker.NewHub(metricsRecorder),
		PublicHost: cfg.Server.Origin.PublicHost,
	})
	if err != nil {
		logger.Error("unable to construct worker", slog.Any("error", err))
		os.Exit(1)
	}

	// A failed first install is not fatal: the gateway serves passthrough
	// until a config change triggers the next install attempt.
	if err := manager.Install(ctx, cfg.Worker, cfg.Routes); err != nil {
		logger.Error("initial install failed", slog.Any("error", err))
	}

	if *configFile != "" {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			if err := manager.Install(ctx, next.Worker, next.Routes); err != nil {
				logger.Error("install for updated config failed", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.NewWorkerHandler(manager))

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildSnapshotStore(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory snapshot store")
		}
		return cache.NewMemory()
	case "redis":
		redisStore, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.KeyPrefix,
		}, cache.RedisTLSConfig{
			Enabled: cfg.Redis.TLS.Enabled,
			CAFile:  cfg.Redis.TLS.CAFile,
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis snapshot store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory store")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis snapshot store", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}
