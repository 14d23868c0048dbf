package cli

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/scheduler"
)

// schedulerCmd groups the scheduler maintenance commands.
var schedulerCmd = &cobra.Command{
	Use:     "scheduler",
	Aliases: []string{"sched"},
	Short:   "Scheduler maintenance",
	Long: `Inspect and repair scheduler state. Run heatmap-check after an unclean
shutdown and recover-heatmap when it reports differences.`,
}

var readynetRecountCmd = &cobra.Command{
	Use:   "readynet-recount",
	Short: "Rebuild ready networks for the current hot level",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withScheduler(cmd.Context(), func(_ *config.Config, _ *db.DB, sched *scheduler.Service) error {
			return sched.ReadynetRecount(cmd.Context())
		})
	},
}

var heatmapCheckCmd = &cobra.Command{
	Use:   "heatmap-check",
	Short: "Compare the heatmap with the heat of running jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withScheduler(cmd.Context(), func(_ *config.Config, _ *db.DB, sched *scheduler.Service) error {
			report, err := sched.HeatmapCheck(cmd.Context())
			if err != nil {
				return err
			}
			return printHeatmapReport(cmd.OutOrStdout(), report)
		})
	},
}

var recoverHeatmapCmd = &cobra.Command{
	Use:   "recover-heatmap",
	Short: "Rebuild the heatmap from running jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withScheduler(cmd.Context(), func(_ *config.Config, _ *db.DB, sched *scheduler.Service) error {
			if err := sched.RecoverHeatmap(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Heatmap recovered")
			return nil
		})
	},
}

var repeatFailedJobsCmd = &cobra.Command{
	Use:   "repeat-failed-jobs",
	Short: "Requeue targets of jobs that failed on the agent",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withScheduler(cmd.Context(), func(_ *config.Config, _ *db.DB, sched *scheduler.Service) error {
			count, err := sched.RepeatFailedJobs(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Repeated %d failed jobs\n", count)
			return nil
		})
	},
}

var jobsQueue string

var jobsListCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List running jobs, or every job of a queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			repo := db.NewJobRepository(database)
			var jobs []*db.Job
			if jobsQueue == "" {
				running, err := repo.ListRunning(cmd.Context())
				if err != nil {
					return err
				}
				jobs = running
			} else {
				queue, err := db.NewQueueRepository(database).GetByName(cmd.Context(), jobsQueue)
				if err != nil {
					return err
				}
				if jobs, err = repo.ListByQueue(cmd.Context(), queue.ID); err != nil {
					return err
				}
			}
			displayJobsTable(cmd.OutOrStdout(), jobs)
			return nil
		})
	},
}

var jobDeleteCmd = &cobra.Command{
	Use:   "job-delete <job-id>",
	Short: "Delete a job and its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd.Context(), func(_ *config.Config, _ *db.DB, sched *scheduler.Service) error {
			return sched.JobDelete(cmd.Context(), args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(readynetRecountCmd, heatmapCheckCmd, recoverHeatmapCmd, repeatFailedJobsCmd,
		jobsListCmd, jobDeleteCmd)

	jobsListCmd.Flags().StringVarP(&jobsQueue, "queue", "q", "", "List every job of this queue")
}

func displayJobsTable(w io.Writer, jobs []*db.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Outcome", "Targets", "Started", "Ended")
	for _, job := range jobs {
		outcome := "running"
		if job.Retval != nil {
			outcome = scheduler.OutcomeFromRetval(*job.Retval).String()
		}
		targets := "?"
		if assignment, err := job.DecodeAssignment(); err == nil {
			targets = fmt.Sprint(len(assignment.Targets))
		}
		_ = table.Append([]string{
			job.ID,
			outcome,
			targets,
			job.TimeStart.Format(timeLayout),
			formatOptionalTime(job.TimeEnd),
		})
	}
	_ = table.Render()
}

// printHeatmapReport prints the differences and fails when there are any.
func printHeatmapReport(w io.Writer, report *scheduler.HeatmapReport) error {
	if report.OK {
		fmt.Fprintln(w, "heatmap check ok")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Hashval", "Expected", "Actual")
	for _, diff := range report.Diffs {
		_ = table.Append([]string{diff.Hashval, fmt.Sprint(diff.Expected), fmt.Sprint(diff.Actual)})
	}
	_ = table.Render()
	return fmt.Errorf("heatmap not correct")
}
