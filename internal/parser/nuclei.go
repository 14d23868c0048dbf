package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/logging"
)

var nucleiMember = regexp.MustCompile(`^output\.json$`)

// Severities ordered from least to most severe.
var Severities = []string{"unknown", "info", "low", "medium", "high", "critical"}

// NucleiParser parses the JSON export of nuclei.
type NucleiParser struct {
	Logger *logging.Logger
}

// stringList decodes either a JSON string or a list of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = stringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

type nucleiReport struct {
	Type             string     `json:"type"`
	TemplateID       string     `json:"template-id"`
	Host             string     `json:"host"`
	IP               string     `json:"ip"`
	MatchedAt        string     `json:"matched-at"`
	MatcherName      string     `json:"matcher-name"`
	Timestamp        string     `json:"timestamp"`
	ExtractedResults stringList `json:"extracted-results"`
	Info             struct {
		Name           string     `json:"name"`
		Severity       string     `json:"severity"`
		Description    string     `json:"description"`
		Reference      stringList `json:"reference"`
		Classification struct {
			CVEID stringList `json:"cve-id"`
		} `json:"classification"`
	} `json:"info"`
}

// Parse implements Parser.
func (p *NucleiParser) Parse(_ context.Context, _ *db.Job, output []byte) (*ParsedItems, error) {
	items := NewParsedItems()

	if !isZip(output) {
		if err := p.parseData(items, output); err != nil {
			return nil, parseError("nuclei", err)
		}
		return items, nil
	}

	names, members, err := zipMembers(output, nucleiMember)
	if err != nil {
		return nil, parseError("nuclei", err)
	}
	for _, name := range names {
		if err := p.parseData(items, members[name]); err != nil {
			return nil, parseError("nuclei", fmt.Errorf("%s: %w", name, err))
		}
	}
	return items, nil
}

func (p *NucleiParser) logger() *logging.Logger {
	if p.Logger == nil {
		return logging.Default()
	}
	return p.Logger
}

func (p *NucleiParser) parseData(items *ParsedItems, data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for _, message := range raw {
		var report nucleiReport
		if err := json.Unmarshal(message, &report); err != nil {
			return err
		}

		ident := report.Type + "/" + report.TemplateID
		if ident == "dns/ptr-fingerprint" {
			if err := parseNucleiPTR(items, &report); err != nil {
				return err
			}
			continue
		}
		if report.IP == "" {
			p.logger().Warn("IP missing in nuclei report", "template", ident)
			continue
		}
		if err := parseNucleiReport(items, &report, string(message)); err != nil {
			return err
		}
	}
	return nil
}

// DNSPtrToIP converts a reverse DNS name to the address it points at.
func DNSPtrToIP(ptr string) (string, error) {
	ptr = strings.TrimSuffix(ptr, ".")
	switch {
	case strings.HasSuffix(ptr, ".in-addr.arpa"):
		parts := strings.Split(strings.TrimSuffix(ptr, ".in-addr.arpa"), ".")
		slices.Reverse(parts)
		return NormalizeAddress(strings.Join(parts, "."))
	case strings.HasSuffix(ptr, ".ip6.arpa"):
		parts := strings.Split(strings.TrimSuffix(ptr, ".ip6.arpa"), ".")
		slices.Reverse(parts)
		nibbles := strings.Join(parts, "")
		if len(nibbles) != 32 {
			return "", fmt.Errorf("invalid reverse DNS name %q", ptr)
		}
		groups := make([]string, 0, 8)
		for i := 0; i < len(nibbles); i += 4 {
			groups = append(groups, nibbles[i:i+4])
		}
		return NormalizeAddress(strings.Join(groups, ":"))
	}
	return "", fmt.Errorf("invalid reverse DNS name %q", ptr)
}

func parseNucleiPTR(items *ParsedItems, report *nucleiReport) error {
	address, err := DNSPtrToIP(report.Host)
	if err != nil {
		return err
	}
	host := items.UpsertHost(address)
	if len(report.ExtractedResults) > 0 {
		host.AddHostname(strings.TrimRight(report.ExtractedResults[0], "."))
	}
	return nil
}

// splitTarget parses a nuclei host or matched-at value. Values without a
// scheme are treated as authorities so the port is not read as a path.
func splitTarget(value string) (*url.URL, error) {
	if !strings.Contains(value, "://") {
		value = "//" + value
	}
	return url.Parse(value)
}

// NucleiSeverity maps a reported severity onto the known severities.
func NucleiSeverity(severity string) string {
	severity = strings.ToLower(strings.TrimSpace(severity))
	if slices.Contains(Severities, severity) {
		return severity
	}
	return "unknown"
}

func parseNucleiReport(items *ParsedItems, report *nucleiReport, raw string) error {
	address, err := NormalizeAddress(report.IP)
	if err != nil {
		return err
	}
	host := items.UpsertHost(address)
	if reported, err := splitTarget(report.Host); err == nil {
		if name := reported.Hostname(); name != "" {
			if _, err := NormalizeAddress(name); err != nil {
				host.AddHostname(name)
			}
		}
	}

	var stamp *time.Time
	if ts, err := time.Parse(time.RFC3339Nano, report.Timestamp); err == nil {
		stamp = &ts
	}

	target, err := splitTarget(report.MatchedAt)
	if err != nil {
		return fmt.Errorf("invalid matched-at %q: %w", report.MatchedAt, err)
	}
	port := target.Port()
	if port == "" && report.Type == "http" {
		port = "80"
		if target.Scheme == "https" {
			port = "443"
		}
	}

	var ref *ServiceRef
	if port != "" {
		portNum, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port in %q: %w", report.MatchedAt, err)
		}
		svc := items.UpsertService(address, "tcp", portNum)
		svc.State = "open:nuclei"
		if report.Type == "http" {
			svc.Name = "www"
		}
		svc.ImportTime = stamp
		ref = &ServiceRef{Proto: "tcp", Port: portNum}
	}

	var refs []string
	for _, cve := range report.Info.Classification.CVEID {
		refs = append(refs, strings.ToUpper(cve))
	}
	for _, reference := range report.Info.Reference {
		refs = append(refs, "URL-"+reference)
	}

	xtype := "nuclei." + report.TemplateID
	if report.MatcherName != "" {
		xtype += "." + report.MatcherName
	}

	items.UpsertVuln(&Vuln{
		Address:   address,
		Service:   ref,
		ViaTarget: target.Hostname(),
		Name:      report.Info.Name,
		XType:     xtype,
		Severity:  NucleiSeverity(report.Info.Severity),
		Descr: fmt.Sprintf("## Description\n\n%s\n\n## Extracted results\n\n%s",
			report.Info.Description, strings.Join(report.ExtractedResults, "\n")),
		Data:       raw,
		Refs:       refs,
		ImportTime: stamp,
	})
	return nil
}
