package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanfleet/internal/errors"
)

// QueueRepository handles queue operations.
type QueueRepository struct {
	db *DB
}

// NewQueueRepository creates a new queue repository.
func NewQueueRepository(db *DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// ValidateQueue checks the fields a queue needs before it is stored.
func ValidateQueue(q *Queue) error {
	if q.Name == "" {
		return errors.ErrConfigMissing("queue.name")
	}
	if q.GroupSize <= 0 {
		return errors.ErrConfigInvalid("queue.group_size", q.GroupSize)
	}
	if q.Config != "" {
		var cfg map[string]any
		if err := yaml.Unmarshal([]byte(q.Config), &cfg); err != nil {
			return errors.WrapConfigError(errors.CodeValidation,
				fmt.Sprintf("queue %s: config is not valid YAML", q.Name), err)
		}
	}
	if q.Reqs == nil {
		q.Reqs = pq.StringArray{}
	}
	return nil
}

// Create inserts a new queue.
func (r *QueueRepository) Create(ctx context.Context, q *Queue) error {
	if err := ValidateQueue(q); err != nil {
		return err
	}

	query := `
		INSERT INTO queue (name, config, group_size, priority, active, reqs)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if err := r.db.QueryRowxContext(ctx, query,
		q.Name, q.Config, q.GroupSize, q.Priority, q.Active, q.Reqs).Scan(&q.ID); err != nil {
		return SanitizeError("create queue", err)
	}
	return nil
}

// Ensure creates the queue or updates its settings when the name exists.
func (r *QueueRepository) Ensure(ctx context.Context, q *Queue) error {
	if err := ValidateQueue(q); err != nil {
		return err
	}

	query := `
		INSERT INTO queue (name, config, group_size, priority, active, reqs)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET config = EXCLUDED.config, group_size = EXCLUDED.group_size,
		    priority = EXCLUDED.priority, active = EXCLUDED.active, reqs = EXCLUDED.reqs
		RETURNING id`

	if err := r.db.QueryRowxContext(ctx, query,
		q.Name, q.Config, q.GroupSize, q.Priority, q.Active, q.Reqs).Scan(&q.ID); err != nil {
		return SanitizeError("ensure queue", err)
	}
	return nil
}

// GetByName retrieves a queue by its unique name.
func (r *QueueRepository) GetByName(ctx context.Context, name string) (*Queue, error) {
	return GetQueueByName(ctx, r.db, name)
}

// GetQueueByName loads a queue through any sqlx query handle, including a
// locked transaction. A missing queue yields errors.ErrQueueNotFound.
func GetQueueByName(ctx context.Context, q sqlx.QueryerContext, name string) (*Queue, error) {
	var queue Queue
	query := `SELECT id, name, config, group_size, priority, active, reqs FROM queue WHERE name = $1`

	if err := sqlx.GetContext(ctx, q, &queue, query, name); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrQueueNotFound(name)
		}
		return nil, SanitizeError("get queue", err)
	}
	return &queue, nil
}

// List returns all queues with their pending target and job counts.
func (r *QueueRepository) List(ctx context.Context) ([]*QueueStats, error) {
	var queues []*QueueStats
	query := `
		SELECT q.id, q.name, q.config, q.group_size, q.priority, q.active, q.reqs,
		       (SELECT COUNT(*) FROM target t WHERE t.queue_id = q.id) AS targets,
		       (SELECT COUNT(*) FROM job j WHERE j.queue_id = q.id) AS jobs
		FROM queue q
		ORDER BY q.priority DESC, q.id ASC`

	if err := r.db.SelectContext(ctx, &queues, query); err != nil {
		return nil, SanitizeError("list queues", err)
	}
	return queues, nil
}

// Update stores the mutable queue settings.
func (r *QueueRepository) Update(ctx context.Context, q *Queue) error {
	if err := ValidateQueue(q); err != nil {
		return err
	}

	query := `
		UPDATE queue
		SET name = $2, config = $3, group_size = $4, priority = $5, active = $6, reqs = $7
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query,
		q.ID, q.Name, q.Config, q.GroupSize, q.Priority, q.Active, q.Reqs)
	if err != nil {
		return SanitizeError("update queue", err)
	}
	return expectAffected(result, "update queue", q.Name)
}

// Delete removes a queue. Targets and jobs are removed by cascade; job
// outputs must be removed by the caller.
func (r *QueueRepository) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM queue WHERE name = $1`, name)
	if err != nil {
		return SanitizeError("delete queue", err)
	}
	return expectAffected(result, "delete queue", name)
}

// TargetValues returns the target strings pending in a queue.
func (r *QueueRepository) TargetValues(ctx context.Context, queueID int64) ([]string, error) {
	var targets []string
	if err := r.db.SelectContext(ctx, &targets,
		`SELECT target FROM target WHERE queue_id = $1 ORDER BY id`, queueID); err != nil {
		return nil, SanitizeError("list queue targets", err)
	}
	return targets, nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func expectAffected(result rowsAffecter, operation, name string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return SanitizeError(operation, err)
	}
	if rowsAffected == 0 {
		return errors.ErrQueueNotFound(name)
	}
	return nil
}
