package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zhejian/shortlink/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// LinkRepository handles PostgreSQL operations for links
type LinkRepository struct {
	db *pgxpool.Pool
}

// NewLinkRepository creates a new link repository
func NewLinkRepository(db *pgxpool.Pool) *LinkRepository {
	return &LinkRepository{db: db}
}

// Create inserts a new link. The primary key on id makes the insert the
// single arbiter of code uniqueness: a concurrent insert of the same code
// surfaces as ErrCodeConflict.
func (r *LinkRepository) Create(ctx context.Context, link *model.Link) error {
	ctx, span := tracer.Start(ctx, "db.insert",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "INSERT"),
			attribute.String("db.sql.table", "urls"),
			attribute.String("short_code", link.Code),
		),
	)
	defer span.End()

	query := `
		INSERT INTO urls (id, original_url, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Exec(ctx, query, link.Code, link.OriginalURL, link.CreatedAt, link.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrCodeConflict
		}
		span.RecordError(err)
		return err
	}

	return nil
}

// GetByCode retrieves a link by its short code
func (r *LinkRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	ctx, span := tracer.Start(ctx, "db.select",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "SELECT"),
			attribute.String("db.sql.table", "urls"),
			attribute.String("short_code", code),
		),
	)
	defer span.End()

	query := `
		SELECT id, original_url, created_at, expires_at
		FROM urls
		WHERE id = $1`
	var link model.Link
	err := r.db.QueryRow(ctx, query, code).Scan(
		&link.Code,
		&link.OriginalURL,
		&link.CreatedAt,
		&link.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, err
	}

	link.CreatedAt = link.CreatedAt.UTC()
	if link.ExpiresAt != nil {
		t := link.ExpiresAt.UTC()
		link.ExpiresAt = &t
	}
	return &link, nil
}
