package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/scanfleet/internal/errors"
)

const jobColumns = `id, queue_id, assignment, retval, time_start, time_end`

// JobRepository handles job lookups and bookkeeping outside the scheduler lock.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Get retrieves a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*Job, error) {
	return GetJob(ctx, r.db, id)
}

// GetJob loads a job through any query handle. A missing job yields a
// CodeNotFound scheduler error.
func GetJob(ctx context.Context, q sqlx.QueryerContext, id string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM job WHERE id = $1`

	if err := sqlx.GetContext(ctx, q, &job, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			jobErr := errors.NewSchedulerError(errors.CodeNotFound, "job not found")
			jobErr.JobID = id
			return nil, jobErr
		}
		return nil, SanitizeError("get job", err)
	}
	return &job, nil
}

// GetRunning returns the job when it exists and still awaits output, nil otherwise.
func (r *JobRepository) GetRunning(ctx context.Context, id string) (*Job, error) {
	job, err := r.Get(ctx, id)
	if err != nil {
		if errors.IsCode(err, errors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !job.IsRunning() {
		return nil, nil
	}
	return job, nil
}

// ListCompleted returns the finished jobs of a queue with the given retval,
// oldest first.
func (r *JobRepository) ListCompleted(ctx context.Context, queueID int64, retval int) ([]*Job, error) {
	var jobs []*Job
	query := `SELECT ` + jobColumns + ` FROM job WHERE queue_id = $1 AND retval = $2 ORDER BY time_end, id`

	if err := r.db.SelectContext(ctx, &jobs, query, queueID, retval); err != nil {
		return nil, SanitizeError("list completed jobs", err)
	}
	return jobs, nil
}

// ListByQueue returns every job of a queue.
func (r *JobRepository) ListByQueue(ctx context.Context, queueID int64) ([]*Job, error) {
	var jobs []*Job
	query := `SELECT ` + jobColumns + ` FROM job WHERE queue_id = $1 ORDER BY time_start, id`

	if err := r.db.SelectContext(ctx, &jobs, query, queueID); err != nil {
		return nil, SanitizeError("list queue jobs", err)
	}
	return jobs, nil
}

// ListRunning returns every job still awaiting output.
func (r *JobRepository) ListRunning(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	query := `SELECT ` + jobColumns + ` FROM job WHERE retval IS NULL ORDER BY time_start, id`

	if err := r.db.SelectContext(ctx, &jobs, query); err != nil {
		return nil, SanitizeError("list running jobs", err)
	}
	return jobs, nil
}

// SetRetval overwrites the return code of a finished job.
func (r *JobRepository) SetRetval(ctx context.Context, id string, retval int) error {
	result, err := r.db.ExecContext(ctx, `UPDATE job SET retval = $2 WHERE id = $1`, id, retval)
	if err != nil {
		return SanitizeError("set job retval", err)
	}
	return expectJobAffected(result, id)
}

// Delete removes a finished job row. Finished jobs hold no heat, so this
// needs no scheduler lock; running jobs are left alone and reported missing.
// Stored output is handled by the caller.
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM job WHERE id = $1 AND retval IS NOT NULL`, id)
	if err != nil {
		return SanitizeError("delete job", err)
	}
	return expectJobAffected(result, id)
}

func expectJobAffected(result rowsAffecter, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return SanitizeError("job rows affected", err)
	}
	if rowsAffected == 0 {
		jobErr := errors.NewSchedulerError(errors.CodeNotFound, fmt.Sprintf("job %s not found", id))
		jobErr.JobID = id
		return jobErr
	}
	return nil
}
