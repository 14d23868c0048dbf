// Package planner runs the stage graph that turns configured scope and
// drained job outputs into new scheduler targets and stored results.
package planner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/scanfleet/internal/archive"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/parser"
	"github.com/anstrom/scanfleet/internal/scheduler"
	"github.com/anstrom/scanfleet/internal/storage"
)

// Stage is a unit of planner work run once per sweep.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
}

// Tasker accepts targets fanned out by upstream stages.
type Tasker interface {
	Task(ctx context.Context, targets []string) error
}

// Scheduler is the part of the scheduler service used by queue handlers.
type Scheduler interface {
	Enqueue(ctx context.Context, queueName string, targets []string) (int, error)
	FilterExcluded(ctx context.Context, targets []string) ([]string, error)
}

// QueueStore reads queues and their finished jobs.
type QueueStore interface {
	Ensure(ctx context.Context, q *db.Queue) error
	GetByName(ctx context.Context, name string) (*db.Queue, error)
	TargetValues(ctx context.Context, queueID int64) ([]string, error)
	ListCompleted(ctx context.Context, queueID int64, retval int) ([]*db.Job, error)
	SetRetval(ctx context.Context, id string, retval int) error
	DeleteJob(ctx context.Context, id string) error
}

// Outputs reads spooled job outputs and moves drained ones to the archive.
type Outputs interface {
	Read(ctx context.Context, queue, jobID string) ([]byte, error)
	Archive(ctx context.Context, queue, jobID string) error
	IsArchived(ctx context.Context, queue, jobID string) (bool, error)
}

// LastrunStore persists the last run time of scheduled stages.
type LastrunStore interface {
	Get(ctx context.Context, lockname string) (time.Time, error)
	Set(ctx context.Context, lockname string, at time.Time) error
}

// Deps bundles the collaborators stages are built with.
type Deps struct {
	Scheduler Scheduler
	Queues    QueueStore
	Outputs   Outputs
	Parsers   *parser.Registry
	Storage   storage.Storage
	Lastrun   LastrunStore
	Logger    *logging.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewDeps wires the database backed collaborators.
func NewDeps(database *db.DB, sched *scheduler.Service, outputs *archive.OutputStore,
	store storage.Storage, logger *logging.Logger) *Deps {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deps{
		Scheduler: sched,
		Queues:    &dbQueues{db.NewQueueRepository(database), db.NewJobRepository(database)},
		Outputs:   outputs,
		Parsers:   parser.NewRegistry(),
		Storage:   store,
		Lastrun:   db.NewLastrunRepository(database),
		Logger:    logger.WithComponent("planner"),
		Now:       time.Now,
	}
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

type dbQueues struct {
	*db.QueueRepository
	jobs *db.JobRepository
}

func (q *dbQueues) ListCompleted(ctx context.Context, queueID int64, retval int) ([]*db.Job, error) {
	return q.jobs.ListCompleted(ctx, queueID, retval)
}

func (q *dbQueues) SetRetval(ctx context.Context, id string, retval int) error {
	return q.jobs.SetRetval(ctx, id, retval)
}

func (q *dbQueues) DeleteJob(ctx context.Context, id string) error {
	return q.jobs.Delete(ctx, id)
}

// Schedule gates an action on an interval or cron spec. The last run time
// is kept under lockname so restarts do not rerun fresh work.
type Schedule struct {
	lockname string
	schedule cron.Schedule
	lastrun  LastrunStore
	now      func() time.Time
}

// NewSchedule parses spec, an interval string or a cron expression.
func NewSchedule(lockname, spec string, deps *Deps) (*Schedule, error) {
	schedule, err := config.ParseSchedule(spec)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeValidation, "invalid schedule for "+lockname, err)
	}
	return &Schedule{lockname: lockname, schedule: schedule, lastrun: deps.Lastrun, now: deps.now}, nil
}

// Due reports whether the schedule has elapsed since the last run.
func (s *Schedule) Due(ctx context.Context) (bool, error) {
	last, err := s.lastrun.Get(ctx, s.lockname)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return true, nil
	}
	return !s.now().Before(s.schedule.Next(last)), nil
}

// Run executes action when due and then records the run.
func (s *Schedule) Run(ctx context.Context, action func(ctx context.Context) error) (bool, error) {
	due, err := s.Due(ctx)
	if err != nil || !due {
		return false, err
	}
	if err := action(ctx); err != nil {
		return true, err
	}
	return true, s.lastrun.Set(ctx, s.lockname, s.now())
}
