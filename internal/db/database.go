// Package db provides database connectivity, schema migrations and the
// scheduler data models for scanfleet. Repositories in this package cover the
// plain CRUD side of queues, jobs, exclusions and planner state; heat
// accounting lives with the scheduler.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

// SanitizeError converts raw database errors into sanitized errors that
// don't expose SQL details or credentials. The original error is kept as Cause.
func SanitizeError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewDatabaseError(errors.CodeNotFound, "Resource not found").WithOperation(operation)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.WrapDatabaseError(errors.CodeCanceled, "Database operation was canceled", err).
			WithOperation(operation)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.WrapDatabaseError(errors.CodeDatabaseTimeout, "Database operation timed out", err).
			WithOperation(operation)
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		var dbErr *errors.DatabaseError
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr = errors.NewDatabaseError(errors.CodeConflict, "Resource already exists")
		case "23503": // foreign_key_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Referenced resource does not exist")
		case "23502": // not_null_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Required field is missing")
		case "23514": // check_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Data validation failed")
		case "55P03": // lock_not_available
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseTimeout, "Lock not available")
		case "57014": // query_canceled
			dbErr = errors.NewDatabaseError(errors.CodeCanceled, "Database operation was canceled")
		case "57P01": // admin_shutdown
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection lost")
		case "08000", "08003", "08006": // connection errors
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection error")
		default:
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery, fmt.Sprintf("Database operation failed: %s", operation))
		}
		dbErr.Operation = operation
		dbErr.Cause = err
		return dbErr
	}

	return errors.WrapDatabaseError(errors.CodeDatabaseQuery,
		fmt.Sprintf("Database operation failed: %s", operation), err).WithOperation(operation)
}

const (
	// Default database configuration values.
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5
	defaultConnMaxIdleTime = 5
)

// DB wraps sqlx.DB with additional functionality.
type DB struct {
	*sqlx.DB
}

// New wraps an existing sqlx handle, used by tests with sqlmock.
func New(conn *sqlx.DB) *DB {
	return &DB{DB: conn}
}

// Config holds database configuration.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
// Database name, username, and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
		ConnMaxIdleTime: defaultConnMaxIdleTime * time.Minute,
	}
}

// DSN renders the lib/pq key=value connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Connect establishes a connection to PostgreSQL.
// Returns sanitized errors that don't leak credentials or DSN details.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	conn, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	conn.SetMaxOpenConns(config.MaxOpenConns)
	conn.SetMaxIdleConns(config.MaxIdleConns)
	conn.SetConnMaxLifetime(config.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := conn.PingContext(ctx); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logging.Warn("Failed to close database connection after ping failure")
		}
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to verify database connection", err)
	}

	logging.Default().InfoDatabase("Connected to database",
		"host", config.Host, "port", config.Port, "database", config.Database)
	return &DB{DB: conn}, nil
}

// Ping tests the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// InTx runs fn inside a transaction, committing on success.
func (db *DB) InTx(ctx context.Context, operation string, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return SanitizeError(operation, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return SanitizeError(operation, err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
