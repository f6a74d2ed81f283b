package repository

import (
	"context"

	"github.com/zhejian/shortlink/internal/model"
)

// LinkRepositoryInterface is the link store. Create fails with ErrCodeConflict
// when the code is taken; GetByCode returns ErrNotFound for unknown codes.
type LinkRepositoryInterface interface {
	Create(ctx context.Context, link *model.Link) error
	GetByCode(ctx context.Context, code string) (*model.Link, error)
}

// VisitRepositoryInterface is the append-only visit log.
type VisitRepositoryInterface interface {
	Append(ctx context.Context, visit *model.Visit) error
	CountByCode(ctx context.Context, code string) (int64, error)
	// ListByCode returns visits newest first. limit <= 0 returns all of them.
	ListByCode(ctx context.Context, code string, limit int) ([]model.Visit, error)
}
