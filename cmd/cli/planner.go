package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/daemon"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/planner"
	"github.com/anstrom/scanfleet/internal/scheduler"
	"github.com/anstrom/scanfleet/internal/storage"
)

var plannerOneshot bool

// plannerCmd groups the planner commands.
var plannerCmd = &cobra.Command{
	Use:   "planner",
	Short: "Run the planner and its helper tools",
}

var plannerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the planner loop outside the daemon",
	Long: `Run the configured planner stages until interrupted. With --oneshot every
stage runs once and the command exits.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withDatabase(ctx, func(cfg *config.Config, database *db.DB) error {
			return runPlanner(ctx, cfg, database, plannerOneshot)
		})
	},
}

func init() {
	rootCmd.AddCommand(plannerCmd)
	plannerCmd.AddCommand(plannerRunCmd)

	plannerRunCmd.Flags().BoolVar(&plannerOneshot, "oneshot", false, "Run every stage once and exit")
}

func runPlanner(ctx context.Context, cfg *config.Config, database *db.DB, oneshot bool) error {
	logger := logging.Default()

	outputs, err := daemon.NewOutputStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sched := scheduler.NewService(database, outputs, daemon.SchedulerConfig(cfg), logger)

	plannerCfg := cfg.Planner
	if err := planner.MergeAggregateNetlists(&plannerCfg, cfg.Daemon.WorkDir, logger); err != nil {
		return fmt.Errorf("merge aggregate netlists: %w", err)
	}

	store := storage.NewPostgres(database, plannerCfg.RescanChunkSize, logger)
	p, err := planner.New(ctx, &plannerCfg, planner.NewDeps(database, sched, outputs, store, logger), oneshot)
	if err != nil {
		return err
	}
	logger.Info("Planner starting", "stages", strings.Join(p.Stages(), ","), "oneshot", oneshot)
	return p.Run(ctx)
}
