package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/zhejian/shortlink/internal/api"
	"github.com/zhejian/shortlink/internal/config"
	"github.com/zhejian/shortlink/internal/infra"
	"github.com/zhejian/shortlink/internal/migrations"
	"github.com/zhejian/shortlink/internal/observability"
	"github.com/zhejian/shortlink/internal/server"
	"github.com/zhejian/shortlink/internal/visitlog"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	obs, err := observability.Setup(ctx, observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		Environment:  cfg.Observability.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		LogLevel:     cfg.Observability.LogLevel,
	})
	if err != nil {
		log.Fatalf("Failed to set up observability: %v", err)
	}
	logger := obs.Logger
	slog.SetDefault(logger)

	backend, closeDB, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeDB()

	// Cache is optional: redirects keep working against the database without it
	cache, err := openCache(ctx, cfg)
	if err != nil {
		logger.Warn("cache unavailable, continuing without it", slog.String("error", err.Error()))
		cache = nil
	}
	if cache != nil {
		defer cache.Close()
	}

	sink, broker, closeSink, err := openVisitSink(cfg, backend)
	if err != nil {
		logger.Error("failed to open visit sink", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeSink()

	recorder := visitlog.NewAsyncRecorder(sink, visitlog.Options{
		Workers:   cfg.App.VisitWorkers,
		QueueSize: cfg.App.VisitQueueSize,
	}, logger, obs.Metrics)

	srv := server.NewServer(cfg, server.Deps{
		Backend:  backend,
		Cache:    cache,
		Recorder: recorder,
		Broker:   broker,
		Obs:      obs,
	})

	// Start server in a goroutine
	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Server.Port),
			slog.String("base_url", cfg.App.BaseURL),
			slog.String("db_driver", cfg.Database.Driver),
			slog.String("visit_sink", cfg.App.VisitSink),
			slog.Bool("cache", cache != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal (Ctrl+C or SIGTERM)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests first, then flush the visits they queued
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Warn("visit queue not fully drained", slog.String("error", err.Error()))
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability shutdown incomplete", slog.String("error", err.Error()))
	}

	logger.Info("server exited gracefully")
}

// openBackend migrates and connects the configured database.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (server.Backend, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		db, err := infra.OpenSQLite(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return server.Backend{}, nil, err
		}
		if err := migrations.Run(migrations.SQLite, "sqlite://"+cfg.Database.SQLitePath, logger); err != nil {
			db.Close()
			return server.Backend{}, nil, err
		}
		return server.SQLiteBackend(db), func() { db.Close() }, nil

	default:
		connString := cfg.Database.ConnectionString()
		if err := migrations.Run(migrations.Postgres, connString, logger); err != nil {
			return server.Backend{}, nil, err
		}
		pool, err := infra.NewPostgresPool(ctx, connString, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return server.Backend{}, nil, err
		}
		return server.PostgresBackend(pool), pool.Close, nil
	}
}

func openCache(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	return infra.NewCacheClient(ctx, cfg.Cache.ConnectionString())
}

// openVisitSink picks where recorded visits go: straight into the database,
// or onto the broker for the analytics worker to persist.
func openVisitSink(cfg *config.Config, backend server.Backend) (visitlog.Sink, api.Pinger, func(), error) {
	if cfg.App.VisitSink != config.VisitSinkAMQP {
		return backend.Visits, nil, func() {}, nil
	}

	conn, err := infra.NewAMQPConnection(cfg.Broker.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	publisher, err := visitlog.NewPublisher(conn, cfg.Broker.Queue)
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("visit publisher: %w", err)
	}
	return publisher, publisher, func() { closeAll(publisher, conn) }, nil
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
