// Package storage persists parsed scan results: hosts, services, vulns and
// notes. The planner imports drained job outputs through the Storage
// interface and reads rescan candidates and derived target lists back from it.
package storage

//go:generate mockgen -source=storage.go -destination=mocks/storage_mock.go -package=mocks

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/anstrom/scanfleet/internal/parser"
)

// Endpoint is a stored service address.
type Endpoint struct {
	Address string `db:"address" json:"address"`
	Proto   string `db:"proto" json:"proto"`
	Port    int    `db:"port" json:"port"`
}

// CleanupResult counts the records removed by Cleanup.
type CleanupResult struct {
	Services int64 `json:"services"`
	Hosts    int64 `json:"hosts"`
}

// OutOfScopeReport counts stored records outside the scanning scope.
type OutOfScopeReport struct {
	Hosts      int64 `json:"hosts"`
	Vulns      int64 `json:"vulns"`
	Notes      int64 `json:"notes"`
	TotalHosts int64 `json:"total_hosts"`
	TotalVulns int64 `json:"total_vulns"`
	TotalNotes int64 `json:"total_notes"`
	Pruned     bool  `json:"pruned"`
}

// Storage is the result store used by the planner.
type Storage interface {
	// Import upserts every record of the bundle.
	Import(ctx context.Context, items *parser.ParsedItems) error
	// RescanHosts returns the addresses of hosts not rescanned within interval
	// and marks them as rescanned.
	RescanHosts(ctx context.Context, interval time.Duration) ([]string, error)
	// RescanServices returns the open services not rescanned within interval
	// and marks them as rescanned.
	RescanServices(ctx context.Context, interval time.Duration) ([]Endpoint, error)
	// Cleanup removes services that are not open and hosts without data.
	Cleanup(ctx context.Context) (*CleanupResult, error)
	// SixAddresses returns every stored IPv6 host address.
	SixAddresses(ctx context.Context) ([]string, error)
	// OpenServices returns the open services on proto/port.
	OpenServices(ctx context.Context, proto string, port int) ([]Endpoint, error)
	// PruneNucleiVulns deletes stored nuclei vulns of the bundle's
	// (address, via_target) pairs that the bundle no longer reports.
	PruneNucleiVulns(ctx context.Context, items *parser.ParsedItems) (int64, error)
	// PruneSportmapNotes deletes the sportmap notes of the given addresses.
	PruneSportmapNotes(ctx context.Context, addresses []string) (int64, error)
	// RebuildVersioninfo recreates the product/version map from service info.
	RebuildVersioninfo(ctx context.Context) (int, error)
	// OutOfScope counts, and with prune deletes, hosts outside scope and
	// nuclei vulns and sportmap notes outside vulnScope.
	OutOfScope(ctx context.Context, scope, vulnScope []string, prune bool) (*OutOfScopeReport, error)
}

var serviceInfoPattern = regexp.MustCompile(`^product: (.+?)(?: version: (.+?))?(?: extrainfo: .*)?$`)

// ParseServiceInfo extracts the product and version from service info in
// the "product: X version: Y extrainfo: Z" form.
func ParseServiceInfo(info string) (product, version string, ok bool) {
	m := serviceInfoPattern.FindStringSubmatch(strings.TrimSpace(info))
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(m[1]), m[2], true
}
