package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lib/pq"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/scheduler"
)

var (
	queueConfig     string
	queueConfigFile string
	queueGroupSize  int
	queuePriority   int
	queueReqs       []string
	queueInactive   bool
	targetsFile     string
)

// queueCmd groups the queue management commands.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage scan queues and their targets",
	Example: `  scanfleet queue create nmap.top --config-file nmap_top.yaml --group-size 16
  scanfleet queue enqueue nmap.top 192.0.2.0/28 2001:db8::1
  scanfleet queue enqueue nmap.top --file targets.txt
  scanfleet queue flush nmap.top
  scanfleet queue prune nmap.top`,
}

var queueCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		moduleConfig, err := readQueueConfig()
		if err != nil {
			return err
		}
		queue := &db.Queue{
			Name:      args[0],
			Config:    moduleConfig,
			GroupSize: queueGroupSize,
			Priority:  queuePriority,
			Active:    !queueInactive,
			Reqs:      pq.StringArray(queueReqs),
		}
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			if err := db.NewQueueRepository(database).Create(cmd.Context(), queue); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queue %s created (id %d)\n", queue.Name, queue.ID)
			return nil
		})
	},
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queues with pending targets and jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			queues, err := db.NewQueueRepository(database).List(cmd.Context())
			if err != nil {
				return err
			}
			displayQueuesTable(cmd.OutOrStdout(), queues)
			return nil
		})
	},
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a queue with its targets, jobs and outputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd.Context(), func(_ *config.Config, _ *db.DB, sched *scheduler.Service) error {
			if err := sched.DeleteQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queue %s deleted\n", args[0])
			return nil
		})
	},
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <queue> [target...]",
	Short: "Add targets to a queue",
	Long: `Add targets to a queue. Targets come from the arguments, from --file, or
from standard input when neither is given. Exclusions are not applied here.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := readTargets(cmd.InOrStdin(), args[1:], targetsFile)
		if err != nil {
			return err
		}
		return withScheduler(cmd.Context(), func(_ *config.Config, _ *db.DB, sched *scheduler.Service) error {
			count, err := sched.Enqueue(cmd.Context(), args[0], targets)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d targets to %s\n", count, args[0])
			return nil
		})
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush <queue>",
	Short: "Remove all pending targets of a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd.Context(), func(_ *config.Config, _ *db.DB, sched *scheduler.Service) error {
			return sched.Flush(cmd.Context(), args[0])
		})
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune <queue>",
	Short: "Delete all jobs and outputs of a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd.Context(), func(_ *config.Config, _ *db.DB, sched *scheduler.Service) error {
			count, err := sched.Prune(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d jobs from %s\n", count, args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueCreateCmd, queueListCmd, queueDeleteCmd, queueEnqueueCmd, queueFlushCmd, queuePruneCmd)

	queueCreateCmd.Flags().StringVar(&queueConfig, "config-yaml", "", "Agent module configuration as inline YAML")
	queueCreateCmd.Flags().StringVar(&queueConfigFile, "config-file", "", "File holding the agent module configuration")
	queueCreateCmd.Flags().IntVar(&queueGroupSize, "group-size", 1, "Targets handed out per job")
	queueCreateCmd.Flags().IntVar(&queuePriority, "priority", 10, "Queue priority, higher is served first")
	queueCreateCmd.Flags().StringSliceVar(&queueReqs, "reqs", nil, "Agent capabilities required by the queue")
	queueCreateCmd.Flags().BoolVar(&queueInactive, "inactive", false, "Create the queue inactive")
	queueCreateCmd.MarkFlagsMutuallyExclusive("config-yaml", "config-file")

	queueEnqueueCmd.Flags().StringVarP(&targetsFile, "file", "f", "", "Read targets from file, one per line")
}

func readQueueConfig() (string, error) {
	if queueConfigFile == "" {
		return queueConfig, nil
	}
	// #nosec G304 - path comes from a command line flag
	data, err := os.ReadFile(queueConfigFile)
	if err != nil {
		return "", fmt.Errorf("read queue config: %w", err)
	}
	return string(data), nil
}

// readTargets returns args when given, else the lines of file, else the
// lines of stdin. Blank lines are dropped.
func readTargets(stdin io.Reader, args []string, file string) ([]string, error) {
	if len(args) > 0 {
		return scheduler.NormalizeTargets(args), nil
	}

	src := stdin
	if file != "" {
		// #nosec G304 - path comes from a command line flag
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open targets file: %w", err)
		}
		defer func() { _ = f.Close() }()
		src = f
	}

	var targets []string
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			targets = append(targets, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	return targets, nil
}

func displayQueuesTable(w io.Writer, queues []*db.QueueStats) {
	if len(queues) == 0 {
		fmt.Fprintln(w, "No queues found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Priority", "Group Size", "Active", "Reqs", "Targets", "Jobs")
	for _, q := range queues {
		_ = table.Append([]string{
			fmt.Sprint(q.ID),
			q.Name,
			fmt.Sprint(q.Priority),
			fmt.Sprint(q.GroupSize),
			fmt.Sprint(q.Active),
			strings.Join(q.Reqs, ","),
			fmt.Sprint(q.Targets),
			fmt.Sprint(q.Jobs),
		})
	}
	_ = table.Render()
}
