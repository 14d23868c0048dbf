package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/daemon"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/scheduler"
)

// DatabaseOperation represents a function that operates on a database connection.
type DatabaseOperation func(cfg *config.Config, database *db.DB) error

// SchedulerOperation runs against a scheduler service backed by the
// configured database and output store.
type SchedulerOperation func(cfg *config.Config, database *db.DB, sched *scheduler.Service) error

// withDatabase loads the configuration, connects to the database and runs
// operation. The connection is closed afterwards.
func withDatabase(ctx context.Context, operation DatabaseOperation) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}

	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(cfg, database)
}

// withScheduler is withDatabase plus a scheduler service.
func withScheduler(ctx context.Context, operation SchedulerOperation) error {
	return withDatabase(ctx, func(cfg *config.Config, database *db.DB) error {
		logger := logging.Default()
		outputs, err := daemon.NewOutputStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		sched := scheduler.NewService(database, outputs, daemon.SchedulerConfig(cfg), logger)
		return operation(cfg, database, sched)
	})
}
