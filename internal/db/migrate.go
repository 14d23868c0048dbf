package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

//go:embed *.sql
var migrationFiles embed.FS

// MigrationLock serializes schema changes of concurrently starting daemons.
const (
	MigrationLock        = "schema_migrations"
	migrationLockTimeout = 2 * time.Minute
)

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		applied_at TIMESTAMPTZ DEFAULT NOW(),
		checksum VARCHAR(64) NOT NULL
	)`

// resetTables lists every table of the schema, dependents first.
var resetTables = []string{
	"api_keys", "versioninfo", "note", "vuln", "service", "host",
	"planner_lastrun", "readynet", "heatmap", "job", "target", "queue", "excl",
	"schema_migrations",
}

type migration struct {
	name     string
	body     string
	checksum string
}

type appliedMigration struct {
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// MigrationStatus is one embedded migration and whether it was applied.
// Modified marks an applied migration whose file has changed since.
type MigrationStatus struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
	Modified  bool
}

// Migrator applies the embedded schema files in name order.
type Migrator struct {
	db     *DB
	logger *logging.Logger
}

// NewMigrator creates a migrator on database.
func NewMigrator(database *DB) *Migrator {
	return &Migrator{db: database, logger: logging.Default()}
}

func embeddedMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationFiles, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migration files: %w", err)
	}
	slices.Sort(names)

	migrations := make([]migration, 0, len(names))
	for _, name := range names {
		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		migrations = append(migrations, migration{
			name:     strings.TrimSuffix(name, ".sql"),
			body:     string(body),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	return migrations, nil
}

func migrationFailed(operation string, err error) error {
	return errors.WrapDatabaseError(errors.CodeDatabaseMigration, "Database migration failed", err).
		WithOperation(operation)
}

func loadApplied(ctx context.Context, q sqlx.ExtContext) (map[string]appliedMigration, error) {
	if _, err := q.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, migrationFailed("create schema_migrations", err)
	}
	var rows []appliedMigration
	if err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT name, applied_at, checksum FROM schema_migrations ORDER BY id`); err != nil {
		return nil, migrationFailed("list applied migrations", err)
	}
	applied := make(map[string]appliedMigration, len(rows))
	for _, row := range rows {
		applied[row.Name] = row
	}
	return applied, nil
}

// Up applies all pending migrations in one transaction holding
// MigrationLock. An applied migration whose file changed afterwards aborts
// the run with CodeDatabaseMigration.
func (m *Migrator) Up(ctx context.Context) error {
	_, err := WithLock(ctx, m.db, MigrationLock, migrationLockTimeout, func(tx *sqlx.Tx) (int, error) {
		return m.up(ctx, tx)
	})
	return err
}

func (m *Migrator) up(ctx context.Context, tx *sqlx.Tx) (int, error) {
	applied, err := loadApplied(ctx, tx)
	if err != nil {
		return 0, err
	}
	migrations, err := embeddedMigrations()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if prev, ok := applied[mig.name]; ok {
			if prev.Checksum != mig.checksum {
				return 0, errors.NewDatabaseError(errors.CodeDatabaseMigration,
					fmt.Sprintf("migration %s changed after it was applied", mig.name))
			}
			continue
		}

		m.logger.InfoDatabase("Applying migration", "migration", mig.name)
		if _, err := tx.ExecContext(ctx, mig.body); err != nil {
			return 0, migrationFailed(mig.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`, mig.name, mig.checksum); err != nil {
			return 0, migrationFailed(mig.name, err)
		}
		count++
	}
	if count == 0 {
		m.logger.Debug("Schema up to date")
	}
	return count, nil
}

// Status lists embedded migrations with their applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := loadApplied(ctx, m.db)
	if err != nil {
		return nil, err
	}
	migrations, err := embeddedMigrations()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		prev, ok := applied[mig.name]
		statuses = append(statuses, MigrationStatus{
			Name:      mig.name,
			Applied:   ok,
			AppliedAt: prev.AppliedAt,
			Modified:  ok && prev.Checksum != mig.checksum,
		})
	}
	return statuses, nil
}

// Reset drops every table and applies the schema again, all in one
// transaction.
func (m *Migrator) Reset(ctx context.Context) error {
	_, err := WithLock(ctx, m.db, MigrationLock, migrationLockTimeout, func(tx *sqlx.Tx) (int, error) {
		for _, table := range resetTables {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
				return 0, migrationFailed("drop "+table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DROP TYPE IF EXISTS excl_family"); err != nil {
			return 0, migrationFailed("drop excl_family", err)
		}
		logging.Warn("All tables dropped, re-running migrations")
		return m.up(ctx, tx)
	})
	return err
}

// ConnectAndMigrate connects and brings the schema up to date.
func ConnectAndMigrate(ctx context.Context, config *Config) (*DB, error) {
	database, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := NewMigrator(database).Up(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}
