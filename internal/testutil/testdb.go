package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/zhejian/shortlink/internal/infra"
	"github.com/zhejian/shortlink/internal/migrations"
)

// TestDB holds test database resources
type TestDB struct {
	Pool       *pgxpool.Pool
	ConnString string
	container  *postgres.PostgresContainer
}

// SetupTestDB creates a new test database with migrations applied
func SetupTestDB(ctx context.Context) (*TestDB, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, err
	}

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, abort(ctx, container, err)
	}

	if err := migrations.Run(migrations.Postgres, connString, nil); err != nil {
		return nil, abort(ctx, container, err)
	}

	pool, err := infra.NewPostgresPool(ctx, connString, 10, 1)
	if err != nil {
		return nil, abort(ctx, container, err)
	}

	return &TestDB{Pool: pool, ConnString: connString, container: container}, nil
}

// Cleanup truncates all tables
func (t *TestDB) Cleanup(ctx context.Context) {
	if t == nil || t.Pool == nil {
		return
	}
	if _, err := t.Pool.Exec(ctx, "TRUNCATE TABLE urls, visits RESTART IDENTITY"); err != nil {
		return
	}
}

// Container returns the underlying postgres container for direct access.
func (t *TestDB) Container() *postgres.PostgresContainer {
	return t.container
}

// Teardown closes connections and terminates container
func (t *TestDB) Teardown(ctx context.Context) {
	if t.Pool != nil {
		t.Pool.Close()
	}
	if t.container != nil {
		terminate(ctx, t.container)
	}
}

// NewSQLiteDB opens a migrated SQLite database in a per-test temp dir
func NewSQLiteDB(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shortlink.db")
	if err := migrations.Run(migrations.SQLite, "sqlite://"+path, nil); err != nil {
		t.Fatalf("failed to migrate sqlite database: %v", err)
	}

	db, err := infra.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open sqlite database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
