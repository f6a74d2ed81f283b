package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zhejian/shortlink/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteRepository stores links and visits in a single SQLite file. It
// satisfies both LinkRepositoryInterface and VisitRepositoryInterface.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an open SQLite handle with the schema applied
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func sqliteSpan(ctx context.Context, name, op, table, code string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("db.system", "sqlite"),
			attribute.String("db.operation", op),
			attribute.String("db.sql.table", table),
			attribute.String("short_code", code),
		),
	)
}

func isSQLiteConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// Create inserts a new link
func (r *SQLiteRepository) Create(ctx context.Context, link *model.Link) error {
	ctx, span := sqliteSpan(ctx, "db.insert", "INSERT", "urls", link.Code)
	defer span.End()

	var expiresAt sql.NullTime
	if link.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: link.ExpiresAt.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO urls (id, original_url, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		link.Code, link.OriginalURL, link.CreatedAt.UTC(), expiresAt,
	)
	if err != nil {
		if isSQLiteConflict(err) {
			return ErrCodeConflict
		}
		span.RecordError(err)
		return err
	}
	return nil
}

// GetByCode retrieves a link by its short code
func (r *SQLiteRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	ctx, span := sqliteSpan(ctx, "db.select", "SELECT", "urls", code)
	defer span.End()

	var (
		link      model.Link
		expiresAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, original_url, created_at, expires_at FROM urls WHERE id = ?`, code,
	).Scan(&link.Code, &link.OriginalURL, &link.CreatedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, err
	}

	link.CreatedAt = link.CreatedAt.UTC()
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		link.ExpiresAt = &t
	}
	return &link, nil
}

// Append inserts a visit. Re-delivering the same event_id is a no-op.
func (r *SQLiteRepository) Append(ctx context.Context, visit *model.Visit) error {
	ctx, span := sqliteSpan(ctx, "db.insert", "INSERT", "visits", visit.Code)
	defer span.End()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO visits (event_id, url_id, ip_address, user_agent, visited_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		visit.EventID.String(), visit.Code, nullString(visit.IPAddress), nullString(visit.UserAgent), visit.VisitedAt.UTC(),
	)
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// CountByCode returns the total number of visits for a code
func (r *SQLiteRepository) CountByCode(ctx context.Context, code string) (int64, error) {
	ctx, span := sqliteSpan(ctx, "db.select", "COUNT", "visits", code)
	defer span.End()

	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visits WHERE url_id = ?`, code).Scan(&count); err != nil {
		span.RecordError(err)
		return 0, err
	}
	return count, nil
}

// ListByCode returns visits for a code, newest first
func (r *SQLiteRepository) ListByCode(ctx context.Context, code string, limit int) ([]model.Visit, error) {
	ctx, span := sqliteSpan(ctx, "db.select", "SELECT", "visits", code)
	defer span.End()

	// LIMIT -1 means no limit in SQLite.
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, url_id, ip_address, user_agent, visited_at
		FROM visits
		WHERE url_id = ?
		ORDER BY visited_at DESC, id DESC
		LIMIT ?`, code, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	visits := []model.Visit{}
	for rows.Next() {
		var (
			v         model.Visit
			ip, agent sql.NullString
			visitedAt time.Time
		)
		if err := rows.Scan(&v.ID, &v.EventID, &v.Code, &ip, &agent, &visitedAt); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if ip.Valid {
			v.IPAddress = &ip.String
		}
		if agent.Valid {
			v.UserAgent = &agent.String
		}
		v.VisitedAt = visitedAt.UTC()
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return visits, nil
}

// Ping verifies the database handle is usable
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
