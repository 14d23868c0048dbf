package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/db"
)

var (
	exclFamily  string
	exclValue   string
	exclComment string
)

// exclCmd groups the exclusion rule commands.
var exclCmd = &cobra.Command{
	Use:     "excl",
	Aliases: []string{"exclusion"},
	Short:   "Manage target exclusions",
	Long: `Manage exclusion rules. NETWORK rules match addresses inside a CIDR,
REGEX rules match the target string. Planner stages drop excluded targets
before enqueueing them.`,
	Example: `  scanfleet excl add --family network --value 192.0.2.0/24 --comment "customer lab"
  scanfleet excl add --family regex --value '^tcp://.*:25$'
  scanfleet excl list
  scanfleet excl delete 3`,
}

var exclAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an exclusion rule",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rule := &db.Excl{
			Family: db.ExclFamily(strings.ToUpper(exclFamily)),
			Value:  exclValue,
		}
		if exclComment != "" {
			rule.Comment = &exclComment
		}
		if err := db.ValidateExcl(rule); err != nil {
			return err
		}
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			if err := db.NewExclRepository(database).Create(cmd.Context(), rule); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exclusion %d added\n", rule.ID)
			return nil
		})
	},
}

var exclListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List exclusion rules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			rules, err := db.NewExclRepository(database).List(cmd.Context())
			if err != nil {
				return err
			}
			displayExclTable(cmd.OutOrStdout(), rules)
			return nil
		})
	},
}

var exclDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an exclusion rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid exclusion id %q", args[0])
		}
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			if err := db.NewExclRepository(database).Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exclusion %d deleted\n", id)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(exclCmd)
	exclCmd.AddCommand(exclAddCmd, exclListCmd, exclDeleteCmd)

	exclAddCmd.Flags().StringVar(&exclFamily, "family", "network", "Rule family (network, regex)")
	exclAddCmd.Flags().StringVar(&exclValue, "value", "", "CIDR network or regular expression")
	exclAddCmd.Flags().StringVar(&exclComment, "comment", "", "Free form comment")
	_ = exclAddCmd.MarkFlagRequired("value")
}

func displayExclTable(w io.Writer, rules []*db.Excl) {
	if len(rules) == 0 {
		fmt.Fprintln(w, "No exclusions found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Family", "Value", "Comment")
	for _, rule := range rules {
		comment := ""
		if rule.Comment != nil {
			comment = *rule.Comment
		}
		_ = table.Append([]string{fmt.Sprint(rule.ID), string(rule.Family), rule.Value, comment})
	}
	_ = table.Render()
}
