package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhejian/shortlink/internal/config"
	"github.com/zhejian/shortlink/internal/infra"
	"github.com/zhejian/shortlink/internal/migrations"
	"github.com/zhejian/shortlink/internal/observability"
	"github.com/zhejian/shortlink/internal/repository"
	"github.com/zhejian/shortlink/internal/visitlog"
)

// The analytics worker drains visit events published by the server and
// persists them into the visit log.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Setup(ctx, observability.Config{
		ServiceName:  cfg.Observability.ServiceName + "-analytics",
		Environment:  cfg.Observability.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		LogLevel:     cfg.Observability.LogLevel,
	})
	if err != nil {
		log.Fatalf("Failed to set up observability: %v", err)
	}
	logger := obs.Logger
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("analytics worker stopped", slog.String("error", err.Error()))
		_ = obs.Shutdown(context.Background())
		os.Exit(1)
	}

	if err := obs.Shutdown(context.Background()); err != nil {
		logger.Warn("observability shutdown incomplete", slog.String("error", err.Error()))
	}
	logger.Info("analytics worker exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var sink visitlog.Sink
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		db, err := infra.OpenSQLite(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := migrations.Run(migrations.SQLite, "sqlite://"+cfg.Database.SQLitePath, logger); err != nil {
			return err
		}
		sink = repository.NewSQLiteRepository(db)

	default:
		connString := cfg.Database.ConnectionString()
		if err := migrations.Run(migrations.Postgres, connString, logger); err != nil {
			return err
		}
		pool, err := infra.NewPostgresPool(ctx, connString, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		sink = repository.NewVisitRepository(pool)
	}

	conn, err := infra.NewAMQPConnection(cfg.Broker.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	consumer, err := visitlog.NewConsumer(conn, cfg.Broker.Queue, cfg.Broker.Prefetch, sink, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	// A closed delivery channel means the broker went away; let the
	// supervisor restart the worker.
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
