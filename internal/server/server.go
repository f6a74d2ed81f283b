package server

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/zhejian/shortlink/internal/api"
	"github.com/zhejian/shortlink/internal/config"
	"github.com/zhejian/shortlink/internal/middleware"
	"github.com/zhejian/shortlink/internal/observability"
	"github.com/zhejian/shortlink/internal/repository"
	"github.com/zhejian/shortlink/internal/service"
	"github.com/zhejian/shortlink/internal/visitlog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Backend is the storage engine behind the link and visit stores.
type Backend struct {
	Links  repository.LinkRepositoryInterface
	Visits repository.VisitRepositoryInterface
	DB     api.Pinger
}

// PostgresBackend builds a Backend over a pgx pool.
func PostgresBackend(pool *pgxpool.Pool) Backend {
	return Backend{
		Links:  repository.NewLinkRepository(pool),
		Visits: repository.NewVisitRepository(pool),
		DB:     pool,
	}
}

// SQLiteBackend builds a Backend over a single SQLite file.
func SQLiteBackend(db *sql.DB) Backend {
	repo := repository.NewSQLiteRepository(db)
	return Backend{Links: repo, Visits: repo, DB: repo}
}

// Deps are the runtime collaborators of the HTTP server.
type Deps struct {
	Backend  Backend
	Cache    *redis.Client     // nil disables the read cache
	Recorder visitlog.Recorder // receives a visit per redirect
	Broker   api.Pinger        // nil when visits are not published
	Obs      *observability.Observability
}

// NewRouter wires repositories, services and handlers into a Gin engine.
// This is useful for testing where you don't need the full HTTP server.
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	logger := slog.Default()
	metrics := observability.NoopMetrics()
	if deps.Obs != nil {
		logger = deps.Obs.Logger
		metrics = deps.Obs.Metrics
	}

	links := deps.Backend.Links
	health := api.Dependencies{Database: deps.Backend.DB, Broker: deps.Broker}
	if deps.Cache != nil {
		cached := repository.NewCachedLinkRepository(links, deps.Cache, cfg.Cache.TTL,
			repository.WithBreakerTimeout(cfg.Cache.BreakerTimeout),
			repository.WithNegativeTTL(cfg.Cache.NegativeTTL),
			repository.WithLogger(logger),
		)
		links = cached
		health.Cache = cached
	}

	linkService := service.NewLinkService(links, deps.Recorder, service.NewShortCodeGenerator(cfg.App.ShortCodeLen), cfg.App, logger, metrics)
	statsService := service.NewStatsService(links, deps.Backend.Visits, cfg.App.StatsRecentLimit)
	handler := api.NewHandler(linkService, statsService, health, logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.Observability.ServiceName))
	r.Use(middleware.Logging(logger))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
	}))

	if deps.Obs != nil && deps.Obs.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.Obs.MetricsHandler))
	}
	handler.RegisterRoutes(r)

	return r
}

// NewServer wires the router into an HTTP server with the configured timeouts.
func NewServer(cfg *config.Config, deps Deps) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      NewRouter(cfg, deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
