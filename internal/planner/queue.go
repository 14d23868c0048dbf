package planner

import (
	"context"
	"fmt"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/metrics"
	"github.com/anstrom/scanfleet/internal/parser"
	"github.com/anstrom/scanfleet/internal/scheduler"
)

// QueueHandler binds a stage to a scheduler queue. It drains finished jobs
// through the parser of the queue's agent module and enqueues new targets.
type QueueHandler struct {
	queue  *db.Queue
	parser parser.Parser
	deps   *Deps
	logger *logging.Logger
}

// NewQueueHandler resolves the queue and its parser. Both must exist when
// the planner is built.
func NewQueueHandler(ctx context.Context, deps *Deps, queueName string) (*QueueHandler, error) {
	queue, err := deps.Queues.GetByName(ctx, queueName)
	if err != nil {
		if errors.IsCode(err, errors.CodeNotFound) {
			return nil, errors.WrapConfigError(errors.CodeConfiguration,
				fmt.Sprintf("planner references missing queue %q", queueName), err)
		}
		return nil, err
	}

	p, err := deps.Parsers.Get(queue.Module())
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("queue %q has no parser for module %q", queueName, queue.Module()), err)
	}

	return &QueueHandler{
		queue:  queue,
		parser: p,
		deps:   deps,
		logger: deps.Logger.WithQueue(queue.Name),
	}, nil
}

// QueueName returns the bound queue name.
func (h *QueueHandler) QueueName() string {
	return h.queue.Name
}

// Drain yields the parsed output of every successfully finished job to fn.
// After fn accepts a bundle the output is archived and the job deleted.
// A job whose output is already archived was drained by an interrupted
// earlier pass and is only deleted. Jobs whose output does not parse are
// marked with the parse failure offset and left in place. It returns the
// number of drained jobs.
func (h *QueueHandler) Drain(ctx context.Context, fn func(ctx context.Context, items *parser.ParsedItems) error) (int, error) {
	jobs, err := h.deps.Queues.ListCompleted(ctx, h.queue.ID, 0)
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return drained, err
		}

		items, err := h.parse(ctx, job)
		if err != nil {
			done, aerr := h.alreadyArchived(ctx, job, err)
			if aerr != nil {
				return drained, aerr
			}
			if done {
				drained++
				continue
			}
			if ferr := h.failJob(ctx, job, err); ferr != nil {
				return drained, ferr
			}
			continue
		}

		if err := fn(ctx, items); err != nil {
			return drained, err
		}
		if err := h.deps.Outputs.Archive(ctx, h.queue.Name, job.ID); err != nil {
			return drained, err
		}
		if err := h.deps.Queues.DeleteJob(ctx, job.ID); err != nil {
			return drained, err
		}

		metrics.IncrementDrainedJobs(h.queue.Name, scheduler.Success().String())
		h.logger.Debug("Drained job", "job_id", job.ID, "items", items.String())
		drained++
	}
	return drained, nil
}

func (h *QueueHandler) parse(ctx context.Context, job *db.Job) (*parser.ParsedItems, error) {
	output, err := h.deps.Outputs.Read(ctx, h.queue.Name, job.ID)
	if err != nil {
		return nil, err
	}
	return h.parser.Parse(ctx, job, output)
}

// alreadyArchived deletes a job whose spooled output is gone because an
// earlier drain archived it before failing to delete the job.
func (h *QueueHandler) alreadyArchived(ctx context.Context, job *db.Job, cause error) (bool, error) {
	if !errors.IsCode(cause, errors.CodeFileNotFound) {
		return false, nil
	}
	archived, err := h.deps.Outputs.IsArchived(ctx, h.queue.Name, job.ID)
	if err != nil || !archived {
		return false, err
	}
	if err := h.deps.Queues.DeleteJob(ctx, job.ID); err != nil {
		return false, err
	}
	h.logger.Info("Deleted job with archived output", "job_id", job.ID)
	return true, nil
}

func (h *QueueHandler) failJob(ctx context.Context, job *db.Job, cause error) error {
	current := 0
	if job.Retval != nil {
		current = *job.Retval
	}
	outcome := scheduler.ParseFailure()
	if err := h.deps.Queues.SetRetval(ctx, job.ID, outcome.Retval(current)); err != nil {
		return err
	}
	metrics.IncrementDrainedJobs(h.queue.Name, outcome.String())
	h.logger.WithError(cause).Error("Failed to parse job output", "job_id", job.ID)
	return nil
}

// Task enqueues targets not already pending in the queue and not excluded.
func (h *QueueHandler) Task(ctx context.Context, targets []string) error {
	pending, err := h.deps.Queues.TargetValues(ctx, h.queue.ID)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(pending)+len(targets))
	for _, target := range pending {
		seen[target] = struct{}{}
	}
	fresh := make([]string, 0, len(targets))
	for _, target := range scheduler.NormalizeTargets(targets) {
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		fresh = append(fresh, target)
	}
	if len(fresh) == 0 {
		return nil
	}

	allowed, err := h.deps.Scheduler.FilterExcluded(ctx, fresh)
	if err != nil {
		return err
	}
	count, err := h.deps.Scheduler.Enqueue(ctx, h.queue.Name, allowed)
	if err != nil {
		return err
	}

	h.logger.Info("Enqueued targets", "count", count, "excluded", len(fresh)-len(allowed))
	return nil
}
