package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"
)

// LastrunRepository persists the last execution time of planner schedules.
type LastrunRepository struct {
	db *DB
}

// NewLastrunRepository creates a new lastrun repository.
func NewLastrunRepository(db *DB) *LastrunRepository {
	return &LastrunRepository{db: db}
}

// Get returns the last run of a schedule, or the zero time when it never ran.
func (r *LastrunRepository) Get(ctx context.Context, lockname string) (time.Time, error) {
	var lastrun time.Time
	err := r.db.GetContext(ctx, &lastrun, `SELECT lastrun FROM planner_lastrun WHERE lockname = $1`, lockname)
	if stderrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, SanitizeError("get lastrun", err)
	}
	return lastrun, nil
}

// Set records the last run of a schedule.
func (r *LastrunRepository) Set(ctx context.Context, lockname string, at time.Time) error {
	query := `
		INSERT INTO planner_lastrun (lockname, lastrun) VALUES ($1, $2)
		ON CONFLICT (lockname) DO UPDATE SET lastrun = EXCLUDED.lastrun`

	if _, err := r.db.ExecContext(ctx, query, lockname, at.UTC()); err != nil {
		return SanitizeError("set lastrun", err)
	}
	return nil
}
