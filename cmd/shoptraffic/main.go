package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/radiusdt/shoptraffic/internal/config"
	"github.com/radiusdt/shoptraffic/internal/database"
	"github.com/radiusdt/shoptraffic/internal/dedup"
	"github.com/radiusdt/shoptraffic/internal/geo"
	"github.com/radiusdt/shoptraffic/internal/httpserver"
	"github.com/radiusdt/shoptraffic/internal/metrics"
	"github.com/radiusdt/shoptraffic/internal/middleware"
	"github.com/radiusdt/shoptraffic/internal/storage"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("shoptraffic stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting shoptraffic",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("dedup_backend", cfg.Tracking.DedupBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics("shoptraffic", reg)

	deps := &httpserver.Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	}

	if cfg.Database.Enabled {
		db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		store := storage.NewPostgresStore(db.Pool)
		if cfg.Database.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			logger.Info("database schema ensured")
		}
		deps.DB = db
		deps.Store = store
	}

	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		deps.Redis = rdb
	}

	// The local cache serves the memory backend and is the fallback of the
	// redis one, so its janitor always runs.
	cache := dedup.NewCache(cfg.Tracking.DedupCapacity)
	deps.Dedup = cache
	if cfg.Tracking.DedupBackend == config.DedupBackendRedis {
		deps.Dedup = deps.Redis.DedupAdmitter(cache, logger.Named("dedup"), dedup.WithFallbackHook(m.RecordDedupFallback))
	}
	go cache.RunJanitor(ctx, time.Minute)

	if cfg.Geo.Enabled {
		locator, err := geo.OpenMaxMind(cfg.Geo.DatabasePath)
		if err != nil {
			logger.Warn("geo database unavailable, country lookup disabled", zap.Error(err))
		} else {
			defer locator.Close()
			deps.Geo = locator
		}
	}

	var mirror *storage.Mirror
	if cfg.ClickHouse.Enabled {
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			return err
		}
		defer ch.Close()

		writer := storage.NewClickHouseWriter(ch.Conn)
		if err := writer.EnsureTable(ctx); err != nil {
			return fmt.Errorf("ensure clickhouse table: %w", err)
		}
		mirror = storage.NewMirror(writer, storage.MirrorConfig{
			BatchSize:     cfg.ClickHouse.BatchSize,
			FlushInterval: cfg.ClickHouse.FlushInterval,
			BufferSize:    cfg.ClickHouse.BufferSize,
		}, logger.Named("mirror"))
		mirror.OnDrop(m.RecordMirrorDrop)
		go mirror.Run(ctx)
		deps.Sink = mirror
	}

	handler, err := httpserver.NewServer(deps)
	if err != nil {
		return err
	}

	rateLimiter := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger, m)
	go rateLimiter.RunCleanup(ctx, 5*time.Minute)

	// outermost first
	chain := []interface{ Handler(http.Handler) http.Handler }{
		middleware.NewRecoveryMiddleware(logger, m),
		middleware.NewRequestIDMiddleware(),
		middleware.NewLoggingMiddleware(logger, m),
		rateLimiter,
		middleware.NewAuthMiddleware(cfg.Auth, logger),
	}
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i].Handler(handler)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if mirror != nil {
		// Run drains the buffer once ctx is cancelled
		mirror.Wait()
	}

	logger.Info("server stopped")
	return nil
}
