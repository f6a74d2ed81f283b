package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/zhejian/shortlink/internal/model"
	"golang.org/x/sync/singleflight"
)

const (
	notFoundSentinel = "__NOT_FOUND__"

	defaultNegativeTTL = time.Minute
	defaultLoadTimeout = 5 * time.Second
)

// CachedLinkRepository puts a Redis cache-aside layer in front of a link store.
// Redis failures never fail a request: a circuit breaker stops calling Redis
// after repeated errors and lookups fall through to the database.
type CachedLinkRepository struct {
	db          LinkRepositoryInterface
	cache       *redis.Client
	ttl         time.Duration
	negativeTTL time.Duration
	loadTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker
	group       singleflight.Group
	logger      *slog.Logger

	breakerTimeout time.Duration
}

// CacheOption configures a CachedLinkRepository
type CacheOption func(*CachedLinkRepository)

// WithBreakerTimeout sets how long the breaker stays open before probing Redis again
func WithBreakerTimeout(d time.Duration) CacheOption {
	return func(r *CachedLinkRepository) {
		r.breakerTimeout = d
	}
}

// WithNegativeTTL sets how long an unknown code stays cached as not found
func WithNegativeTTL(d time.Duration) CacheOption {
	return func(r *CachedLinkRepository) {
		r.negativeTTL = d
	}
}

// WithLoadTimeout bounds the shared database read behind a cache miss
func WithLoadTimeout(d time.Duration) CacheOption {
	return func(r *CachedLinkRepository) {
		r.loadTimeout = d
	}
}

// WithLogger sets the logger used for cache degradation events
func WithLogger(logger *slog.Logger) CacheOption {
	return func(r *CachedLinkRepository) {
		r.logger = logger
	}
}

// NewCachedLinkRepository wraps db with a Redis cache. A nil cache disables caching.
func NewCachedLinkRepository(db LinkRepositoryInterface, cache *redis.Client, ttl time.Duration, opts ...CacheOption) *CachedLinkRepository {
	r := &CachedLinkRepository{
		db:             db,
		cache:          cache,
		ttl:            ttl,
		negativeTTL:    defaultNegativeTTL,
		loadTimeout:    defaultLoadTimeout,
		logger:         slog.Default(),
		breakerTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.negativeTTL <= 0 {
		r.negativeTTL = defaultNegativeTTL
	}
	if r.negativeTTL > ttl {
		r.negativeTTL = ttl
	}
	if r.loadTimeout <= 0 {
		r.loadTimeout = defaultLoadTimeout
	}
	r.breaker = newCacheBreaker(r.breakerTimeout, r.logger)
	return r
}

func newCacheBreaker(timeout time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

func cacheKey(code string) string {
	return fmt.Sprintf("url:%s", code)
}

// GetByCode with cache-aside pattern
func (r *CachedLinkRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	key := cacheKey(code)

	// 1. Try cache first
	if cached, ok := r.cacheGet(ctx, key); ok {
		if cached == notFoundSentinel {
			return nil, ErrNotFound
		}
		var link model.Link
		if err := json.Unmarshal([]byte(cached), &link); err == nil {
			return &link, nil
		}
		// Corrupt entry: fall through and overwrite it.
	}

	// 2. Query database, coalescing concurrent misses for the same code.
	// The shared load is detached from any one caller so a disconnecting
	// client does not fail the others waiting on it.
	ch := r.group.DoChan(code, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
		defer cancel()
		return r.load(loadCtx, key, code)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		link := *res.Val.(*model.Link)
		return &link, nil
	}
}

func (r *CachedLinkRepository) load(ctx context.Context, key, code string) (*model.Link, error) {
	link, err := r.db.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// SetNX: a write-through from a concurrent Create must win
			r.cacheSetNX(ctx, key, notFoundSentinel, r.negativeTTL)
		}
		return nil, err
	}

	// 3. Store in cache
	if data, err := json.Marshal(link); err == nil {
		r.cacheSet(ctx, key, string(data))
	}
	return link, nil
}

// Create writes through to the cache after a successful insert
func (r *CachedLinkRepository) Create(ctx context.Context, link *model.Link) error {
	if err := r.db.Create(ctx, link); err != nil {
		return err
	}

	if data, err := json.Marshal(link); err == nil {
		r.cacheSet(ctx, cacheKey(link.Code), string(data))
	}
	return nil
}

// Ping reports whether Redis is reachable
func (r *CachedLinkRepository) Ping(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Ping(ctx).Err()
}

func (r *CachedLinkRepository) cacheGet(ctx context.Context, key string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	v, err := r.breaker.Execute(func() (interface{}, error) {
		return r.cache.Get(ctx, key).Result()
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) && !isBreakerOpen(err) {
			r.logger.WarnContext(ctx, "cache get failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return "", false
	}
	return v.(string), true
}

func (r *CachedLinkRepository) cacheSet(ctx context.Context, key, value string) {
	if r.cache == nil {
		return
	}
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.cache.Set(ctx, key, value, r.ttl).Err()
	})
	if err != nil && !isBreakerOpen(err) {
		r.logger.WarnContext(ctx, "cache set failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (r *CachedLinkRepository) cacheSetNX(ctx context.Context, key, value string, ttl time.Duration) {
	if r.cache == nil {
		return
	}
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return r.cache.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil && !isBreakerOpen(err) {
		r.logger.WarnContext(ctx, "cache setnx failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
