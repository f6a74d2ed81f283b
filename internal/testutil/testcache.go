package testutil

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	redisTC "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/zhejian/shortlink/internal/infra"
)

// TestCache holds a Redis container backing the link cache in tests
type TestCache struct {
	Client    *redis.Client
	container *redisTC.RedisContainer
}

// SetupTestCache starts Redis and connects through the production client constructor
func SetupTestCache(ctx context.Context) (*TestCache, error) {
	container, err := redisTC.Run(ctx,
		"redis:8-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, err
	}

	connString, err := container.ConnectionString(ctx)
	if err != nil {
		return nil, abort(ctx, container, err)
	}

	client, err := infra.NewCacheClient(ctx, connString)
	if err != nil {
		return nil, abort(ctx, container, err)
	}

	return &TestCache{Client: client, container: container}, nil
}

// Cleanup drops every cached link and negative entry
func (t *TestCache) Cleanup(ctx context.Context) {
	if t == nil || t.Client == nil {
		return
	}
	t.Client.FlushDB(ctx)
}

// TTL reports the remaining lifetime of a cached key
func (t *TestCache) TTL(ctx context.Context, key string) time.Duration {
	return t.Client.TTL(ctx, key).Val()
}

// Container exposes the container so tests can stop Redis mid-run
func (t *TestCache) Container() *redisTC.RedisContainer {
	return t.container
}

// Teardown closes the client and terminates the container
func (t *TestCache) Teardown(ctx context.Context) {
	if t.Client != nil {
		t.Client.Close()
	}
	if t.container != nil {
		terminate(ctx, t.container)
	}
}
