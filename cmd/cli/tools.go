package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/planner"
	"github.com/anstrom/scanfleet/internal/scheduler"
	"github.com/anstrom/scanfleet/internal/storage"
)

var (
	enumFile        string
	outOfScopePrune bool
)

var enumerateIPsCmd = &cobra.Command{
	Use:     "enumerate-ips [network...]",
	Aliases: []string{"enumips"},
	Short:   "Print every host address of the given networks",
	Long: `Print every host address of the given networks. Networks come from the
arguments, from --file, or from standard input when neither is given.`,
	Example: `  scanfleet enumerate-ips 192.0.2.0/30
  scanfleet range-to-cidr 192.0.2.10 192.0.2.20 | scanfleet enumerate-ips
  echo 2001:db8::/126 | scanfleet enumerate-ips`,
	RunE: func(cmd *cobra.Command, args []string) error {
		networks, err := readTargets(cmd.InOrStdin(), args, enumFile)
		if err != nil {
			return err
		}
		return enumerateIPs(cmd.OutOrStdout(), networks)
	},
}

var rangeToCIDRCmd = &cobra.Command{
	Use:     "range-to-cidr <start> <end>",
	Aliases: []string{"rangetocidr"},
	Short:   "Convert an address range to the covering CIDR blocks",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefixes, err := scheduler.RangeToCIDR(args[0], args[1])
		if err != nil {
			return err
		}
		for _, prefix := range prefixes {
			fmt.Fprintln(cmd.OutOrStdout(), prefix.String())
		}
		return nil
	},
}

var dumpTargetsCmd = &cobra.Command{
	Use:   "dump-targets <netlist>",
	Short: "Print the addresses of a planner netlist without excluded ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd.Context(), func(cfg *config.Config, _ *db.DB, sched *scheduler.Service) error {
			plannerCfg := cfg.Planner
			if err := planner.MergeAggregateNetlists(&plannerCfg, cfg.Daemon.WorkDir, logging.Default()); err != nil {
				return err
			}
			targets, err := planner.DumpTargets(cmd.Context(), &plannerCfg, args[0], sched)
			if err != nil {
				return err
			}
			for _, target := range targets {
				fmt.Fprintln(cmd.OutOrStdout(), target)
			}
			return nil
		})
	},
}

var outOfScopeCmd = &cobra.Command{
	Use:   "outofscope-check",
	Short: "Report stored hosts and findings outside the configured netlists",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(cfg *config.Config, database *db.DB) error {
			plannerCfg := cfg.Planner
			if err := planner.MergeAggregateNetlists(&plannerCfg, cfg.Daemon.WorkDir, logging.Default()); err != nil {
				return err
			}
			store := storage.NewPostgres(database, plannerCfg.RescanChunkSize, logging.Default())
			report, err := planner.OutOfScope(cmd.Context(), &plannerCfg, store, outOfScopePrune)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		})
	},
}

var fetchAggregateCmd = &cobra.Command{
	Use:   "fetch-aggregate-netlists",
	Short: "Download aggregated netlists into the work directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.Daemon.WorkDir, 0o750); err != nil {
			return err
		}
		if err := planner.FetchAggregateNetlists(cmd.Context(), nil, &cfg.Planner, cfg.Daemon.WorkDir); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Aggregate netlists stored in %s\n", cfg.Daemon.WorkDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enumerateIPsCmd, rangeToCIDRCmd)
	plannerCmd.AddCommand(dumpTargetsCmd, outOfScopeCmd, fetchAggregateCmd)

	enumerateIPsCmd.Flags().StringVarP(&enumFile, "file", "f", "", "Read networks from file, one per line")
	outOfScopeCmd.Flags().BoolVar(&outOfScopePrune, "prune", false, "Delete the out of scope records")
}

func enumerateIPs(w io.Writer, networks []string) error {
	for _, network := range networks {
		addrs, err := scheduler.EnumerateNetwork(network)
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			fmt.Fprintln(w, addr)
		}
	}
	return nil
}
