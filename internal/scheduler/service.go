// Package scheduler hands out bounded batches of queued targets to scan agents
// and ingests their results. Concurrent load on each network bucket is limited
// by a heatmap kept in the database and mutated only under the global
// scheduler advisory lock.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/metrics"
)

// LockName is the advisory lock guarding all heat ledger mutations.
const LockName = "scheduler"

const (
	defaultLockTimeout   = 3 * time.Second
	defaultGCProbability = 0.05
	orphanQueue          = "_orphan"
)

// OutputResult tells an agent what happened to a submitted output.
type OutputResult int

const (
	OutputAccepted OutputResult = iota
	OutputDiscard
)

func (r OutputResult) String() string {
	if r == OutputAccepted {
		return "success"
	}
	return "discard"
}

// OutputStore persists raw job outputs keyed by queue name and job id.
type OutputStore interface {
	Write(ctx context.Context, queue, jobID string, data []byte) error
	Delete(ctx context.Context, queue, jobID string) error
}

// Config holds the scheduler tunables.
type Config struct {
	HotLevel      int
	LockTimeout   time.Duration
	GCProbability float64
	Maintenance   bool
}

// Service implements the assign/output protocol and queue maintenance.
type Service struct {
	db      *db.DB
	outputs OutputStore
	config  Config
	logger  *logging.Logger
	random  func() float64

	maintenance atomic.Bool
}

// NewService creates a scheduler service.
func NewService(database *db.DB, outputs OutputStore, cfg Config, logger *logging.Logger) *Service {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.GCProbability < 0 {
		cfg.GCProbability = defaultGCProbability
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		db:      database,
		outputs: outputs,
		config:  cfg,
		logger:  logger.WithComponent("scheduler"),
		random:  rand.Float64,
	}
	s.maintenance.Store(cfg.Maintenance)
	return s
}

// Config returns the service configuration.
func (s *Service) Config() Config {
	cfg := s.config
	cfg.Maintenance = s.maintenance.Load()
	return cfg
}

// Maintenance reports whether assignment is suspended.
func (s *Service) Maintenance() bool {
	return s.maintenance.Load()
}

// SetMaintenance switches assignment off or back on at runtime.
func (s *Service) SetMaintenance(on bool) {
	if s.maintenance.Swap(on) != on {
		s.logger.InfoScheduler("Maintenance mode changed", "maintenance", on)
	}
}

func withLock[T any](ctx context.Context, s *Service, fn func(tx *sqlx.Tx) (T, error)) (T, error) {
	start := time.Now()
	result, err := db.WithLock(ctx, s.db, LockName, s.config.LockTimeout, fn)
	metrics.ObserveLockWait(LockName, time.Since(start), !errors.IsBusy(err))
	return result, err
}

// Assign pops a batch of targets for an agent. A non-empty queueName restricts
// the selection to that queue; otherwise every active queue whose reqs are a
// subset of caps is a candidate. It returns nil when there is no work and
// errors.ErrBusy when the lock could not be acquired in time.
func (s *Service) Assign(ctx context.Context, queueName string, caps []string) (*db.Assignment, error) {
	if s.maintenance.Load() {
		metrics.IncrementAssignments(queueName, "maintenance")
		return nil, nil
	}

	assignment, err := withLock(ctx, s, func(tx *sqlx.Tx) (*db.Assignment, error) {
		return s.assign(ctx, tx, queueName, caps)
	})
	switch {
	case errors.IsBusy(err):
		metrics.IncrementAssignments(queueName, "busy")
		return nil, err
	case err != nil:
		metrics.IncrementAssignments(queueName, "error")
		s.logger.ErrorScheduler("Job assign failed", err, "queue", queueName)
		return nil, err
	case assignment == nil:
		metrics.IncrementAssignments(queueName, "nowork")
		return nil, nil
	}

	s.logger.Debug("Job assigned", "job_id", assignment.ID, "targets", len(assignment.Targets))
	return assignment, nil
}

func (s *Service) assign(ctx context.Context, tx *sqlx.Tx, queueName string, caps []string) (*db.Assignment, error) {
	rules, err := db.ListExclusions(ctx, tx)
	if err != nil {
		return nil, err
	}
	matcher, err := NewExclMatcher(rules)
	if err != nil {
		return nil, err
	}
	l := &ledger{tx: tx, hotLevel: s.config.HotLevel}

	// Excluded targets are removed as they are popped, so every pass that
	// assigns nothing still shrinks the queue.
	for {
		queue, err := s.selectQueue(ctx, tx, queueName, caps)
		if err != nil || queue == nil {
			return nil, err
		}

		var hashval string
		if err := tx.GetContext(ctx, &hashval,
			`SELECT hashval FROM readynet WHERE queue_id = $1 ORDER BY hashval LIMIT 1`, queue.ID); err != nil {
			return nil, db.SanitizeError("select readynet", err)
		}

		targets, excluded, err := s.popTargets(ctx, tx, queue, hashval, matcher)
		if err != nil {
			return nil, err
		}
		if err := l.dropIfDrained(ctx, queue.ID, hashval); err != nil {
			return nil, err
		}
		if excluded > 0 {
			s.logger.Info("Excluded targets dropped on assign", "queue", queue.Name, "count", excluded)
		}
		if len(targets) == 0 {
			continue
		}

		assignment, err := s.createJob(ctx, tx, queue, targets)
		if err != nil {
			return nil, err
		}
		if err := l.addHeat(ctx, distinctHashvals(targets)); err != nil {
			return nil, err
		}
		metrics.IncrementAssignments(queue.Name, "assigned")
		return assignment, nil
	}
}

// selectQueue returns the first candidate queue with a readynet, ordered by
// priority and id.
func (s *Service) selectQueue(ctx context.Context, tx *sqlx.Tx, queueName string, caps []string) (*db.Queue, error) {
	query := `
		SELECT q.id, q.name, q.config, q.group_size, q.priority, q.active, q.reqs
		FROM queue q
		WHERE q.active AND EXISTS (SELECT 1 FROM readynet r WHERE r.queue_id = q.id)`
	var args []any

	switch {
	case queueName != "":
		args = append(args, queueName)
		query += fmt.Sprintf(" AND q.name = $%d", len(args))
	case len(caps) > 0:
		args = append(args, pq.StringArray(caps))
		query += fmt.Sprintf(" AND q.reqs <@ $%d::text[]", len(args))
	}
	query += " ORDER BY q.priority DESC, q.id ASC LIMIT 1"

	var queues []*db.Queue
	if err := tx.SelectContext(ctx, &queues, query, args...); err != nil {
		return nil, db.SanitizeError("select queue", err)
	}
	if len(queues) == 0 {
		return nil, nil
	}
	return queues[0], nil
}

// popTargets removes up to group_size non-excluded targets of one bucket.
// Excluded targets are removed as well.
func (s *Service) popTargets(ctx context.Context, tx *sqlx.Tx, queue *db.Queue, hashval string,
	matcher *ExclMatcher) (targets []string, excluded int, err error) {
	for len(targets) < queue.GroupSize {
		requested := queue.GroupSize - len(targets)
		var popped []db.Target
		err := tx.SelectContext(ctx, &popped, `
			DELETE FROM target
			WHERE id IN (
				SELECT id FROM target WHERE queue_id = $1 AND hashval = $2
				ORDER BY id LIMIT $3
			)
			RETURNING id, queue_id, target, hashval`, queue.ID, hashval, requested)
		if err != nil {
			return nil, 0, db.SanitizeError("pop targets", err)
		}

		for _, t := range popped {
			if matcher.Match(t.Target) {
				excluded++
				continue
			}
			targets = append(targets, t.Target)
		}
		if len(popped) < requested {
			break
		}
	}
	return targets, excluded, nil
}

func (s *Service) createJob(ctx context.Context, tx *sqlx.Tx, queue *db.Queue, targets []string) (*db.Assignment, error) {
	config, err := queue.ModuleConfig()
	if err != nil {
		return nil, errors.WrapSchedulerError(errors.CodeConfiguration, "invalid queue config", err)
	}

	assignment := &db.Assignment{
		ID:      uuid.NewString(),
		Config:  config,
		Targets: targets,
	}
	snapshot, err := json.Marshal(assignment)
	if err != nil {
		return nil, fmt.Errorf("encode assignment: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job (id, queue_id, assignment) VALUES ($1, $2, $3)`,
		assignment.ID, queue.ID, string(snapshot)); err != nil {
		return nil, db.SanitizeError("create job", err)
	}
	return assignment, nil
}

// Output stores the output of a running job and releases its heat. Outputs for
// unknown or finished jobs are discarded. errors.ErrBusy is returned when the
// lock could not be acquired in time.
func (s *Service) Output(ctx context.Context, jobID string, retval int, payload []byte) (OutputResult, error) {
	job, err := db.NewJobRepository(s.db).GetRunning(ctx, jobID)
	if err != nil {
		metrics.IncrementOutputs("error")
		return OutputDiscard, err
	}
	if job == nil {
		s.logger.Debug("Discarding output of unknown or finished job", "job_id", jobID)
		metrics.IncrementOutputs("discard")
		return OutputDiscard, nil
	}

	result, err := withLock(ctx, s, func(tx *sqlx.Tx) (OutputResult, error) {
		return s.output(ctx, tx, jobID, retval, payload)
	})
	switch {
	case errors.IsBusy(err):
		metrics.IncrementOutputs("busy")
		return OutputDiscard, err
	case err != nil:
		metrics.IncrementOutputs("error")
		s.logger.ErrorScheduler("Job output failed", err, "job_id", jobID)
		return OutputDiscard, err
	}

	metrics.IncrementOutputs(result.String())
	return result, nil
}

func (s *Service) output(ctx context.Context, tx *sqlx.Tx, jobID string, retval int, payload []byte) (OutputResult, error) {
	job, err := db.GetJob(ctx, tx, jobID)
	if err != nil {
		if errors.IsCode(err, errors.CodeNotFound) {
			return OutputDiscard, nil
		}
		return OutputDiscard, err
	}
	if !job.IsRunning() {
		s.logger.Debug("Discarding duplicate output", "job_id", jobID)
		return OutputDiscard, nil
	}

	queueName, err := jobQueueName(ctx, tx, job)
	if err != nil {
		return OutputDiscard, err
	}
	if err := s.outputs.Write(ctx, queueName, job.ID, payload); err != nil {
		return OutputDiscard, errors.WrapSchedulerError(errors.CodeArchiveFailed, "failed to store job output", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE job SET retval = $2, time_end = (NOW() AT TIME ZONE 'utc') WHERE id = $1`,
		job.ID, retval); err != nil {
		return OutputDiscard, db.SanitizeError("finish job", err)
	}

	if err := s.releaseJobHeat(ctx, tx, job); err != nil {
		return OutputDiscard, err
	}

	if s.config.GCProbability > 0 && s.random() < s.config.GCProbability {
		l := &ledger{tx: tx, hotLevel: s.config.HotLevel}
		removed, err := l.gc(ctx)
		if err != nil {
			return OutputDiscard, err
		}
		s.logger.Debug("Heatmap gc", "removed", removed)
	}

	return OutputAccepted, nil
}

func (s *Service) releaseJobHeat(ctx context.Context, tx *sqlx.Tx, job *db.Job) error {
	assignment, err := job.DecodeAssignment()
	if err != nil {
		return errors.WrapSchedulerError(errors.CodeJobStale, "cannot release heat", err)
	}
	l := &ledger{tx: tx, hotLevel: s.config.HotLevel}
	return l.releaseHeat(ctx, distinctHashvals(assignment.Targets))
}

func jobQueueName(ctx context.Context, q sqlx.QueryerContext, job *db.Job) (string, error) {
	if job.QueueID == nil {
		return orphanQueue, nil
	}
	var name string
	if err := sqlx.GetContext(ctx, q, &name, `SELECT name FROM queue WHERE id = $1`, *job.QueueID); err != nil {
		return "", db.SanitizeError("job queue name", err)
	}
	return name, nil
}

// NormalizeTargets trims targets and drops empty lines.
func NormalizeTargets(targets []string) []string {
	normalized := make([]string, 0, len(targets))
	for _, target := range targets {
		if target = strings.TrimSpace(target); target != "" {
			normalized = append(normalized, target)
		}
	}
	return normalized
}

// Enqueue adds targets to a queue and marks their buckets ready. It returns
// the number of enqueued targets.
func (s *Service) Enqueue(ctx context.Context, queueName string, targets []string) (int, error) {
	targets = NormalizeTargets(targets)
	if len(targets) == 0 {
		return 0, nil
	}

	return withLock(ctx, s, func(tx *sqlx.Tx) (int, error) {
		queue, err := db.GetQueueByName(ctx, tx, queueName)
		if err != nil {
			return 0, err
		}
		if err := s.enqueue(ctx, tx, queue.ID, targets); err != nil {
			return 0, err
		}
		metrics.AddEnqueued(queue.Name, len(targets))
		return len(targets), nil
	})
}

func (s *Service) enqueue(ctx context.Context, tx *sqlx.Tx, queueID int64, targets []string) error {
	hashvals := make([]string, len(targets))
	for i, target := range targets {
		hashvals[i] = Hashval(target)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO target (queue_id, target, hashval)
		SELECT $1, t.target, t.hashval FROM UNNEST($2::text[], $3::text[]) AS t(target, hashval)`,
		queueID, pq.StringArray(targets), pq.StringArray(hashvals)); err != nil {
		return db.SanitizeError("enqueue targets", err)
	}

	l := &ledger{tx: tx, hotLevel: s.config.HotLevel}
	return l.markReady(ctx, queueID, distinctHashvals(targets))
}

// FilterExcluded drops targets matching the current exclusion rules.
func (s *Service) FilterExcluded(ctx context.Context, targets []string) ([]string, error) {
	matcher, err := s.Matcher(ctx)
	if err != nil {
		return nil, err
	}
	return matcher.Filter(targets), nil
}

// Matcher builds an exclusion matcher from the stored rules.
func (s *Service) Matcher(ctx context.Context) (*ExclMatcher, error) {
	rules, err := db.NewExclRepository(s.db).List(ctx)
	if err != nil {
		return nil, err
	}
	return NewExclMatcher(rules)
}

// Flush removes all pending targets of a queue.
func (s *Service) Flush(ctx context.Context, queueName string) error {
	_, err := withLock(ctx, s, func(tx *sqlx.Tx) (struct{}, error) {
		queue, err := db.GetQueueByName(ctx, tx, queueName)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM target WHERE queue_id = $1`, queue.ID); err != nil {
			return struct{}{}, db.SanitizeError("flush targets", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM readynet WHERE queue_id = $1`, queue.ID); err != nil {
			return struct{}{}, db.SanitizeError("flush readynets", err)
		}
		return struct{}{}, nil
	})
	if err == nil {
		s.logger.InfoScheduler("Queue flushed", "queue", queueName)
	}
	return err
}

// Prune deletes all jobs of a queue together with their outputs. Heat of
// running jobs is released.
func (s *Service) Prune(ctx context.Context, queueName string) (int, error) {
	return withLock(ctx, s, func(tx *sqlx.Tx) (int, error) {
		queue, err := db.GetQueueByName(ctx, tx, queueName)
		if err != nil {
			return 0, err
		}
		var jobs []*db.Job
		if err := tx.SelectContext(ctx, &jobs,
			`SELECT id, queue_id, assignment, retval, time_start, time_end FROM job WHERE queue_id = $1`,
			queue.ID); err != nil {
			return 0, db.SanitizeError("list queue jobs", err)
		}
		for _, job := range jobs {
			if err := s.deleteJob(ctx, tx, job, queue.Name); err != nil {
				return 0, err
			}
		}
		return len(jobs), nil
	})
}

// DeleteQueue removes a queue with its targets, jobs and outputs.
func (s *Service) DeleteQueue(ctx context.Context, queueName string) error {
	if _, err := s.Prune(ctx, queueName); err != nil {
		return err
	}
	_, err := withLock(ctx, s, func(tx *sqlx.Tx) (struct{}, error) {
		result, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE name = $1`, queueName)
		if err != nil {
			return struct{}{}, db.SanitizeError("delete queue", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return struct{}{}, errors.ErrQueueNotFound(queueName)
		}
		return struct{}{}, nil
	})
	return err
}

// JobDelete removes a job and its output, releasing heat if it still runs.
func (s *Service) JobDelete(ctx context.Context, jobID string) error {
	_, err := withLock(ctx, s, func(tx *sqlx.Tx) (struct{}, error) {
		job, err := db.GetJob(ctx, tx, jobID)
		if err != nil {
			return struct{}{}, err
		}
		queueName, err := jobQueueName(ctx, tx, job)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.deleteJob(ctx, tx, job, queueName)
	})
	return err
}

func (s *Service) deleteJob(ctx context.Context, tx *sqlx.Tx, job *db.Job, queueName string) error {
	if job.IsRunning() {
		if err := s.releaseJobHeat(ctx, tx, job); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job WHERE id = $1`, job.ID); err != nil {
		return db.SanitizeError("delete job", err)
	}
	if err := s.outputs.Delete(ctx, queueName, job.ID); err != nil {
		return errors.WrapSchedulerError(errors.CodeArchiveFailed, "failed to delete job output", err)
	}
	return nil
}

// ReadynetRecount rebuilds readynets for the current hot level.
func (s *Service) ReadynetRecount(ctx context.Context) error {
	_, err := withLock(ctx, s, func(tx *sqlx.Tx) (struct{}, error) {
		l := &ledger{tx: tx, hotLevel: s.config.HotLevel}
		return struct{}{}, l.recount(ctx)
	})
	return err
}

// HeatmapDiff is a bucket whose stored count disagrees with running jobs.
type HeatmapDiff struct {
	Hashval  string `json:"hashval"`
	Expected int    `json:"expected"`
	Actual   int    `json:"actual"`
}

// HeatmapReport is the result of HeatmapCheck.
type HeatmapReport struct {
	OK    bool          `json:"ok"`
	Diffs []HeatmapDiff `json:"diffs"`
}

// HeatmapCheck recomputes heat from running jobs and compares it with the
// stored heatmap.
func (s *Service) HeatmapCheck(ctx context.Context) (*HeatmapReport, error) {
	return withLock(ctx, s, func(tx *sqlx.Tx) (*HeatmapReport, error) {
		var running []*db.Job
		if err := tx.SelectContext(ctx, &running,
			`SELECT id, queue_id, assignment, retval, time_start, time_end FROM job WHERE retval IS NULL`); err != nil {
			return nil, db.SanitizeError("list running jobs", err)
		}
		expected := map[string]int{}
		for _, job := range running {
			assignment, err := job.DecodeAssignment()
			if err != nil {
				return nil, err
			}
			for _, hv := range distinctHashvals(assignment.Targets) {
				expected[hv]++
			}
		}

		var stored []db.Heatmap
		if err := tx.SelectContext(ctx, &stored,
			`SELECT hashval, count FROM heatmap WHERE count > 0`); err != nil {
			return nil, db.SanitizeError("list heatmap", err)
		}

		return compareHeat(expected, stored), nil
	})
}

func compareHeat(expected map[string]int, stored []db.Heatmap) *HeatmapReport {
	report := &HeatmapReport{OK: true}
	actual := make(map[string]int, len(stored))
	for _, row := range stored {
		actual[row.Hashval] = row.Count
	}

	keys := make(map[string]struct{}, len(expected)+len(actual))
	for hv := range expected {
		keys[hv] = struct{}{}
	}
	for hv := range actual {
		keys[hv] = struct{}{}
	}
	hashvals := make([]string, 0, len(keys))
	for hv := range keys {
		hashvals = append(hashvals, hv)
	}
	sort.Strings(hashvals)

	for _, hv := range hashvals {
		if expected[hv] != actual[hv] {
			report.OK = false
			report.Diffs = append(report.Diffs, HeatmapDiff{Hashval: hv, Expected: expected[hv], Actual: actual[hv]})
		}
	}
	return report
}

// RepeatFailedJobs requeues the targets of jobs that failed on the agent side
// and deletes those jobs. Running, successful and parse-failed jobs are kept.
func (s *Service) RepeatFailedJobs(ctx context.Context) (int, error) {
	return withLock(ctx, s, func(tx *sqlx.Tx) (int, error) {
		return s.repeatFailedJobs(ctx, tx)
	})
}

func (s *Service) repeatFailedJobs(ctx context.Context, tx *sqlx.Tx) (int, error) {
	var failed []*db.Job
	if err := tx.SelectContext(ctx, &failed, `
		SELECT id, queue_id, assignment, retval, time_start, time_end FROM job
		WHERE retval < 0 OR (retval >= 1 AND retval < $1)
		ORDER BY time_start, id`, ParseFailureOffset); err != nil {
		return 0, db.SanitizeError("list failed jobs", err)
	}

	for _, job := range failed {
		queueName, err := jobQueueName(ctx, tx, job)
		if err != nil {
			return 0, err
		}
		if job.QueueID != nil {
			assignment, err := job.DecodeAssignment()
			if err != nil {
				return 0, err
			}
			if targets := NormalizeTargets(assignment.Targets); len(targets) > 0 {
				if err := s.enqueue(ctx, tx, *job.QueueID, targets); err != nil {
					return 0, err
				}
			}
		}
		if err := s.deleteJob(ctx, tx, job, queueName); err != nil {
			return 0, err
		}
	}

	if len(failed) > 0 {
		s.logger.InfoScheduler("Failed jobs repeated", "count", len(failed))
	}
	return len(failed), nil
}

// RecoverHeatmap fails every running job, clears the heatmap, repeats failed
// jobs and rebuilds readynets.
func (s *Service) RecoverHeatmap(ctx context.Context) error {
	_, err := withLock(ctx, s, func(tx *sqlx.Tx) (struct{}, error) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE job SET retval = -1, time_end = (NOW() AT TIME ZONE 'utc') WHERE retval IS NULL`); err != nil {
			return struct{}{}, db.SanitizeError("fail running jobs", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM heatmap`); err != nil {
			return struct{}{}, db.SanitizeError("clear heatmap", err)
		}
		if _, err := s.repeatFailedJobs(ctx, tx); err != nil {
			return struct{}{}, err
		}
		l := &ledger{tx: tx, hotLevel: s.config.HotLevel}
		return struct{}{}, l.recount(ctx)
	})
	if err == nil {
		s.logger.InfoScheduler("Heatmap recovered")
	}
	return err
}
