package planner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/metrics"
)

const (
	defaultLoopSleep = 60 * time.Second
	sleepStep        = time.Second
)

// Planner sweeps its stages sequentially until the context ends.
type Planner struct {
	stages    []Stage
	loopSleep time.Duration
	step      time.Duration
	oneshot   bool
	logger    *logging.Logger
}

// New validates cfg and builds the planner stages.
func New(ctx context.Context, cfg *config.PlannerConfig, deps *Deps, oneshot bool) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapConfigError(errors.CodeValidation, "invalid planner configuration", err)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default().WithComponent("planner")
	}

	stages, err := BuildStages(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	return NewWithStages(stages, cfg.LoopSleep, oneshot, deps.Logger), nil
}

// NewWithStages creates a planner over prebuilt stages.
func NewWithStages(stages []Stage, loopSleep time.Duration, oneshot bool, logger *logging.Logger) *Planner {
	if loopSleep <= 0 {
		loopSleep = defaultLoopSleep
	}
	if logger == nil {
		logger = logging.Default().WithComponent("planner")
	}
	return &Planner{
		stages:    stages,
		loopSleep: loopSleep,
		step:      sleepStep,
		oneshot:   oneshot,
		logger:    logger,
	}
}

// Stages returns the stage names in sweep order.
func (p *Planner) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run sweeps all stages. In oneshot mode it returns after one sweep,
// otherwise it repeats until ctx is canceled.
func (p *Planner) Run(ctx context.Context) error {
	p.logger.InfoPlanner("Planner started", "", "stages", len(p.stages), "oneshot", p.oneshot)
	defer p.logger.InfoPlanner("Planner stopped", "")

	for {
		p.Sweep(ctx)
		if p.oneshot {
			return nil
		}
		if !p.wait(ctx) {
			return nil
		}
	}
}

// Sweep runs every stage once and returns the number of failed stages.
// A failing stage does not stop the sweep.
func (p *Planner) Sweep(ctx context.Context) int {
	failed := 0
	for _, stage := range p.stages {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		err := p.runStage(ctx, stage)
		metrics.RecordStageRun(stage.Name(), time.Since(start), err)
		switch {
		case err == nil:
		case errors.IsRetryable(err):
			failed++
			p.logger.Warn("Stage deferred to next sweep", "stage", stage.Name(), "error", err)
		default:
			failed++
			p.logger.ErrorPlanner("Stage failed", stage.Name(), err)
		}
	}
	metrics.IncrementSweeps()
	return failed
}

// runStage turns a stage panic into a stage failure.
func (p *Planner) runStage(ctx context.Context, stage Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Stage panic recovered",
				"stage", stage.Name(),
				"panic", r,
				"stack", string(debug.Stack()))
			err = errors.WrapPlannerError(errors.CodeStageFailed, stage.Name(), "stage panicked", fmt.Errorf("%v", r))
		}
	}()
	return stage.Run(ctx)
}

// wait sleeps loopSleep in short steps so cancellation is seen quickly.
func (p *Planner) wait(ctx context.Context) bool {
	for remaining := p.loopSleep; remaining > 0; remaining -= p.step {
		timer := time.NewTimer(min(p.step, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return ctx.Err() == nil
}
