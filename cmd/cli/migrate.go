package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/db"
)

var migrateResetForce bool

// migrateCmd groups the schema migration commands.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			if err := db.NewMigrator(database).Up(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			statuses, err := db.NewMigrator(database).Status(cmd.Context())
			if err != nil {
				return err
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		})
	},
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every table and re-run migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !migrateResetForce && !confirm(cmd, "Drop all scanfleet tables?") {
			fmt.Fprintln(cmd.OutOrStdout(), "Reset cancelled.")
			return nil
		}
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			return db.NewMigrator(database).Reset(cmd.Context())
		})
	},
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Status", "Applied At")
	for _, st := range statuses {
		state, appliedAt := "pending", "-"
		if st.Applied {
			state = "applied"
			appliedAt = st.AppliedAt.Format(time.RFC3339)
		}
		if st.Modified {
			state = "modified"
		}
		_ = table.Append([]string{st.Name, state, appliedAt})
	}
	_ = table.Render()
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd, migrateResetCmd)

	migrateResetCmd.Flags().BoolVarP(&migrateResetForce, "force", "f", false, "Reset without confirmation")
}
