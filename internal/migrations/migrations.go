// Package migrations embeds the schema for both storage drivers and applies it with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql sqlite/*.sql
var migrationsFS embed.FS

// Dialect selects the embedded migration set.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Migrator wraps a migrate instance bound to one database.
type Migrator struct {
	migrate *migrate.Migrate
	logger  *slog.Logger
}

// New builds a migrator. databaseURL must use the scheme matching the dialect
// (postgres://... or sqlite://path).
func New(dialect Dialect, databaseURL string, logger *slog.Logger) (*Migrator, error) {
	switch dialect {
	case Postgres, SQLite:
	default:
		return nil, fmt.Errorf("migrations: unknown dialect %q", dialect)
	}

	source, err := iofs.New(migrationsFS, string(dialect))
	if err != nil {
		return nil, fmt.Errorf("migrations: open source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrations: create instance: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{migrate: m, logger: logger}, nil
}

// Up applies all pending migrations. A dirty version means that migration
// failed part way, so it is rolled back to the previous version and re-run;
// every migration is written to be safely re-applied.
func (m *Migrator) Up() error {
	version, dirty, err := m.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrations: read version: %w", err)
	}

	if dirty {
		previous := int(version) - 1
		if previous < 1 {
			previous = database.NilVersion
		}
		m.logger.Warn("database is dirty, re-running failed migration",
			slog.Uint64("version", uint64(version)),
			slog.Int("forced_to", previous))
		if err := m.migrate.Force(previous); err != nil {
			return fmt.Errorf("migrations: force version %d: %w", previous, err)
		}
	}

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("database schema up to date", slog.Uint64("version", uint64(version)))
			return nil
		}
		return fmt.Errorf("migrations: up: %w", err)
	}

	newVersion, _, _ := m.migrate.Version()
	m.logger.Info("database migrated", slog.Uint64("version", uint64(newVersion)))
	return nil
}

// Down rolls back every migration.
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: down: %w", err)
	}
	return nil
}

// Close releases the source and database handles.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}

// Run is a convenience for New + Up + Close.
func Run(dialect Dialect, databaseURL string, logger *slog.Logger) error {
	m, err := New(dialect, databaseURL, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}
