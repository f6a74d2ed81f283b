package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/testutil"
)

func TestSQLiteRepository_Links(t *testing.T) {
	repo := NewSQLiteRepository(testutil.NewSQLiteDB(t))
	ctx := context.Background()

	t.Run("success - round trip preserves fields", func(t *testing.T) {
		created := now()
		expiresAt := created.Add(24 * time.Hour)
		require.NoError(t, repo.Create(ctx, &model.Link{
			Code:        "abc123",
			OriginalURL: "https://example.com/path?q=1",
			CreatedAt:   created,
			ExpiresAt:   &expiresAt,
		}))

		link, err := repo.GetByCode(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, "abc123", link.Code)
		assert.Equal(t, "https://example.com/path?q=1", link.OriginalURL)
		assert.True(t, created.Equal(link.CreatedAt), "created_at %v != %v", created, link.CreatedAt)
		require.NotNil(t, link.ExpiresAt)
		assert.True(t, expiresAt.Equal(*link.ExpiresAt))
	})

	t.Run("success - link without expiry", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, &model.Link{Code: "noexp1", OriginalURL: "https://example.com", CreatedAt: now()}))

		link, err := repo.GetByCode(ctx, "noexp1")
		require.NoError(t, err)
		assert.Nil(t, link.ExpiresAt)
	})

	t.Run("error - duplicate short code", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, &model.Link{Code: "dup123", OriginalURL: "https://example.com/1", CreatedAt: now()}))

		err := repo.Create(ctx, &model.Link{Code: "dup123", OriginalURL: "https://example.com/2", CreatedAt: now()})
		assert.ErrorIs(t, err, ErrCodeConflict)

		link, err := repo.GetByCode(ctx, "dup123")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/1", link.OriginalURL)
	})

	t.Run("error - not found", func(t *testing.T) {
		link, err := repo.GetByCode(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, link)
	})

	t.Run("success - ping", func(t *testing.T) {
		assert.NoError(t, repo.Ping(ctx))
	})
}

func TestSQLiteRepository_Visits(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	repo := NewSQLiteRepository(db)
	visitRepositoryContract(t, repo, func() {
		_, err := db.Exec("DELETE FROM visits")
		require.NoError(t, err)
	})
}
