package planner

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/scheduler"
	"github.com/anstrom/scanfleet/internal/storage"
)

// AggregateNetlistsFile is the work dir file holding fetched netlists.
const AggregateNetlistsFile = "aggregate_netlists.json"

const aggregateTimeout = 60 * time.Second

// Excluder filters targets through the exclusion rules.
type Excluder interface {
	FilterExcluded(ctx context.Context, targets []string) ([]string, error)
}

// DumpTargets enumerates a configured netlist without excluded addresses.
func DumpTargets(ctx context.Context, cfg *config.PlannerConfig, name string, excl Excluder) ([]string, error) {
	networks, ok := cfg.Netlist(name)
	if !ok {
		return nil, errors.ErrConfigInvalid("netlist", name)
	}

	var targets []string
	for _, network := range networks {
		addrs, err := scheduler.EnumerateNetwork(network)
		if err != nil {
			return nil, err
		}
		targets = append(targets, addrs...)
	}
	return excl.FilterExcluded(ctx, targets)
}

// OutOfScope reports stored data outside every configured netlist. Hosts are
// checked against the whole scan scope, nuclei vulns and sportmap notes
// against the vuln scan scope. With prune the reported records are deleted.
func OutOfScope(ctx context.Context, cfg *config.PlannerConfig, store storage.Storage, prune bool) (*storage.OutOfScopeReport, error) {
	return store.OutOfScope(ctx, cfg.ScanScope(), cfg.VulnScope(), prune)
}

// FetchAggregateNetlists downloads aggregated netlists and stores them in workDir.
func FetchAggregateNetlists(ctx context.Context, client *http.Client, cfg *config.PlannerConfig, workDir string) error {
	if cfg.AggregateURL == "" {
		return errors.ErrConfigMissing("planner.aggregate_url")
	}
	if client == nil {
		client = &http.Client{Timeout: aggregateTimeout}
	}

	url := strings.TrimRight(cfg.AggregateURL, "/") + "/api/v1/networks/aggregated?output=json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "invalid aggregate url", err)
	}
	req.Header.Set("X-API-KEY", cfg.AggregateAPIKey)

	resp, err := client.Do(req)
	if err != nil {
		return errors.WrapPlannerError(errors.CodeServiceUnavailable, "fetch_aggregate_netlists", "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.WrapPlannerError(errors.CodeServiceUnavailable, "fetch_aggregate_netlists",
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var netlists map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&netlists); err != nil {
		return errors.WrapPlannerError(errors.CodeParseFailed, "fetch_aggregate_netlists", "invalid response", err)
	}

	data, err := json.MarshalIndent(netlists, "", "    ")
	if err != nil {
		return err
	}
	path := filepath.Join(workDir, AggregateNetlistsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadAggregateNetlists reads fetched netlists. A missing file yields nil.
func LoadAggregateNetlists(workDir string) (map[string][]string, error) {
	data, err := os.ReadFile(filepath.Join(workDir, AggregateNetlistsFile))
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var netlists map[string][]string
	if err := json.Unmarshal(data, &netlists); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "invalid "+AggregateNetlistsFile, err)
	}
	return netlists, nil
}

// MergeAggregateNetlists merges fetched netlists into cfg. Invalid networks
// are logged and skipped.
func MergeAggregateNetlists(cfg *config.PlannerConfig, workDir string, logger *logging.Logger) error {
	netlists, err := LoadAggregateNetlists(workDir)
	if err != nil || netlists == nil {
		return err
	}
	if logger == nil {
		logger = logging.Default()
	}
	for _, network := range cfg.MergeAggregate(netlists) {
		logger.Error("Invalid aggregate network", "network", network)
	}
	logger.Debug("Merged aggregate netlists")
	return nil
}
