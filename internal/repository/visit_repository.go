package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zhejian/shortlink/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// VisitRepository handles PostgreSQL operations for the visit log
type VisitRepository struct {
	db *pgxpool.Pool
}

// NewVisitRepository creates a new visit repository
func NewVisitRepository(db *pgxpool.Pool) *VisitRepository {
	return &VisitRepository{db: db}
}

// Append inserts a visit. Re-delivering the same event_id is a no-op.
func (r *VisitRepository) Append(ctx context.Context, visit *model.Visit) error {
	ctx, span := tracer.Start(ctx, "db.insert",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "INSERT"),
			attribute.String("db.sql.table", "visits"),
			attribute.String("short_code", visit.Code),
		),
	)
	defer span.End()

	query := `
		INSERT INTO visits (event_id, url_id, ip_address, user_agent, visited_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		visit.EventID,
		visit.Code,
		visit.IPAddress,
		visit.UserAgent,
		visit.VisitedAt,
	)
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// CountByCode returns the total number of visits for a code
func (r *VisitRepository) CountByCode(ctx context.Context, code string) (int64, error) {
	ctx, span := tracer.Start(ctx, "db.select",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "COUNT"),
			attribute.String("db.sql.table", "visits"),
			attribute.String("short_code", code),
		),
	)
	defer span.End()

	var count int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM visits WHERE url_id = $1`, code).Scan(&count); err != nil {
		span.RecordError(err)
		return 0, err
	}
	return count, nil
}

// ListByCode returns visits for a code, newest first
func (r *VisitRepository) ListByCode(ctx context.Context, code string, limit int) ([]model.Visit, error) {
	ctx, span := tracer.Start(ctx, "db.select",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "SELECT"),
			attribute.String("db.sql.table", "visits"),
			attribute.String("short_code", code),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	// LIMIT NULL means no limit in PostgreSQL.
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	query := `
		SELECT id, event_id, url_id, ip_address, user_agent, visited_at
		FROM visits
		WHERE url_id = $1
		ORDER BY visited_at DESC, id DESC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, code, lim)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	visits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Visit, error) {
		var v model.Visit
		err := row.Scan(&v.ID, &v.EventID, &v.Code, &v.IPAddress, &v.UserAgent, &v.VisitedAt)
		v.VisitedAt = v.VisitedAt.UTC()
		return v, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return visits, nil
}
