package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/auth"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/db"
)

const timeLayout = "2006-01-02 15:04"

var (
	apiKeyName      string
	apiKeyExpiresIn string
	apiKeyShowAll   bool
	apiKeyForce     bool
	apiKeyOutput    string
)

// apiKeysCmd represents the apikeys command group
var apiKeysCmd = &cobra.Command{
	Use:     "apikeys",
	Aliases: []string{"apikey", "keys"},
	Short:   "Manage agent API keys",
	Long: `Manage the API keys agents use to request jobs and upload output.

Keys are stored hashed in the database. The clear text key is shown only once,
when it is created.

Examples:
  scanfleet apikeys create --name agent-01
  scanfleet apikeys create --name lab --expires-in 30d
  scanfleet apikeys list --all
  scanfleet apikeys revoke sfk_1a2b3c4d5e6f`,
}

var apiKeysListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List API keys",
	Long: `List API keys. Revoked and expired keys are hidden unless --all is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			keys, err := auth.NewAPIKeyRepository(database, nil).List(cmd.Context(), apiKeyShowAll)
			if err != nil {
				return fmt.Errorf("failed to query API keys: %w", err)
			}
			return displayAPIKeys(cmd.OutOrStdout(), keys, apiKeyOutput)
		})
	},
}

var apiKeysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if apiKeyName == "" {
			return fmt.Errorf("API key name is required")
		}
		expiresAt, err := parseExpiration(apiKeyExpiresIn, time.Now().UTC())
		if err != nil {
			return err
		}

		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			generated, err := auth.NewAPIKeyRepository(database, nil).Create(cmd.Context(), apiKeyName, expiresAt)
			if err != nil {
				return fmt.Errorf("failed to store API key: %w", err)
			}
			printCreatedKey(cmd.OutOrStdout(), generated)
			return nil
		})
	},
}

var apiKeysRevokeCmd = &cobra.Command{
	Use:     "revoke <key-id-or-prefix>",
	Aliases: []string{"delete", "disable"},
	Short:   "Revoke an API key",
	Long: `Revoke an API key by id or lookup prefix. Revoked keys stay in the
database but can no longer authenticate. This cannot be undone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !apiKeyForce && !confirm(cmd, fmt.Sprintf("Revoke API key %s?", args[0])) {
			fmt.Fprintln(cmd.OutOrStdout(), "Revocation cancelled.")
			return nil
		}
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			if err := auth.NewAPIKeyRepository(database, nil).Revoke(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to revoke API key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key %s revoked.\n", args[0])
			return nil
		})
	},
}

var apiKeysCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Deactivate expired API keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(_ *config.Config, database *db.DB) error {
			count, err := auth.NewAPIKeyRepository(database, nil).CleanupExpiredKeys(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to clean up API keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %d expired API keys\n", count)
			return nil
		})
	},
}

// parseExpiration turns an interval such as "30d" into an absolute expiry.
// An empty value means the key never expires.
func parseExpiration(value string, now time.Time) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	d, err := config.ParseInterval(value)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration %q: %w", value, err)
	}
	expiresAt := now.Add(d)
	return &expiresAt, nil
}

// confirm asks a yes/no question on the command's input.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s Type 'yes' to confirm: ", question)
	var answer string
	_, _ = fmt.Fscanln(cmd.InOrStdin(), &answer)
	return strings.EqualFold(answer, "yes")
}

func keyStatus(key *auth.APIKeyInfo) string {
	switch {
	case !key.IsActive:
		return "Revoked"
	case key.IsExpired():
		return "Expired"
	default:
		return "Active"
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "Never"
	}
	return t.Format(timeLayout)
}

func displayAPIKeys(w io.Writer, keys []auth.APIKeyInfo, format string) error {
	switch format {
	case "json":
		return displayAPIKeysJSON(w, keys)
	case "", "table":
		if len(keys) == 0 {
			fmt.Fprintln(w, "No API keys found.")
			return nil
		}
		displayAPIKeysTable(w, keys)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// displayAPIKeysTable displays API keys in a table format
func displayAPIKeysTable(w io.Writer, keys []auth.APIKeyInfo) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Prefix", "Status", "Created", "Last Used", "Expires", "Uses")

	for i := range keys {
		key := &keys[i]

		displayID := key.ID
		if len(key.ID) > 8 {
			displayID = key.ID[:8] + "..."
		}

		_ = table.Append([]string{
			displayID,
			key.Name,
			key.KeyPrefix,
			keyStatus(key),
			key.CreatedAt.Format(timeLayout),
			formatOptionalTime(key.LastUsedAt),
			formatOptionalTime(key.ExpiresAt),
			fmt.Sprint(key.UsageCount),
		})
	}

	_ = table.Render()
}

// displayAPIKeysJSON displays API keys in JSON format
func displayAPIKeysJSON(w io.Writer, keys []auth.APIKeyInfo) error {
	if keys == nil {
		keys = []auth.APIKeyInfo{}
	}
	output := struct {
		APIKeys []auth.APIKeyInfo `json:"api_keys"`
		Count   int               `json:"count"`
	}{
		APIKeys: keys,
		Count:   len(keys),
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func printCreatedKey(w io.Writer, generated *auth.GeneratedAPIKey) {
	info := generated.KeyInfo
	fmt.Fprintln(w, "API key created")
	fmt.Fprintf(w, "ID:      %s\n", info.ID)
	fmt.Fprintf(w, "Name:    %s\n", info.Name)
	fmt.Fprintf(w, "Prefix:  %s\n", info.KeyPrefix)
	fmt.Fprintf(w, "Key:     %s\n", generated.Key)
	fmt.Fprintf(w, "Expires: %s\n", formatOptionalTime(info.ExpiresAt))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Save this key now, it will not be shown again. Agents read it from:")
	fmt.Fprintf(w, "  export SCANFLEET_API_KEY=%s\n", generated.Key)
}

func init() {
	rootCmd.AddCommand(apiKeysCmd)
	apiKeysCmd.AddCommand(apiKeysListCmd, apiKeysCreateCmd, apiKeysRevokeCmd, apiKeysCleanupCmd)

	apiKeysListCmd.Flags().BoolVar(&apiKeyShowAll, "all", false, "Include revoked and expired keys")
	apiKeysListCmd.Flags().StringVarP(&apiKeyOutput, "output", "o", "table", "Output format (table, json)")

	apiKeysCreateCmd.Flags().StringVar(&apiKeyName, "name", "", "Name of the API key (required)")
	apiKeysCreateCmd.Flags().StringVar(&apiKeyExpiresIn, "expires-in", "", "Expiry interval, e.g. 30d or 12h")
	_ = apiKeysCreateCmd.MarkFlagRequired("name")

	apiKeysRevokeCmd.Flags().BoolVarP(&apiKeyForce, "force", "f", false, "Revoke without confirmation")
}
