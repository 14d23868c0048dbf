package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/anstrom/scanfleet/internal/db"
)

var (
	sixDNSMember  = regexp.MustCompile(`^output\.json$`)
	sixEnumMember = regexp.MustCompile(`^output.*\.txt$`)
)

// SixDNSParser parses the output of IPv6 discovery by DNS. The agent reports
// a JSON object mapping each discovered IPv6 address to the names or
// addresses it was resolved from.
type SixDNSParser struct{}

// Parse implements Parser.
func (p *SixDNSParser) Parse(_ context.Context, _ *db.Job, output []byte) (*ParsedItems, error) {
	items := NewParsedItems()

	documents := [][]byte{output}
	if isZip(output) {
		names, members, err := zipMembers(output, sixDNSMember)
		if err != nil {
			return nil, parseError("six_dns_discover", err)
		}
		documents = documents[:0]
		for _, name := range names {
			documents = append(documents, members[name])
		}
	}

	for _, doc := range documents {
		if err := parseSixDNS(items, doc); err != nil {
			return nil, parseError("six_dns_discover", err)
		}
	}
	return items, nil
}

func parseSixDNS(items *ParsedItems, data []byte) error {
	var discovered map[string][]string
	if err := json.Unmarshal(data, &discovered); err != nil {
		return err
	}

	sources := make(map[string][]string, len(discovered))
	addresses := make([]string, 0, len(discovered))
	for raw, via := range discovered {
		address, err := NormalizeAddress(raw)
		if err != nil {
			return err
		}
		if _, seen := sources[address]; !seen {
			addresses = append(addresses, address)
		}
		sources[address] = append(sources[address], via...)
	}
	sort.Strings(addresses)

	for _, address := range addresses {
		host := items.UpsertHost(address)
		for _, via := range sources[address] {
			if _, err := NormalizeAddress(via); err != nil {
				host.AddHostname(strings.TrimRight(via, "."))
			}
		}
		data, err := json.Marshal(sources[address])
		if err != nil {
			return err
		}
		items.UpsertNote(&Note{Address: address, XType: "six_dns_discover.via", Data: string(data)})
	}
	return nil
}

// SixEnumParser parses address lists produced by IPv6 range enumeration,
// one address per line.
type SixEnumParser struct{}

// Parse implements Parser.
func (p *SixEnumParser) Parse(_ context.Context, _ *db.Job, output []byte) (*ParsedItems, error) {
	items := NewParsedItems()

	documents := [][]byte{output}
	if isZip(output) {
		names, members, err := zipMembers(output, sixEnumMember)
		if err != nil {
			return nil, parseError("six_enum_discover", err)
		}
		documents = documents[:0]
		for _, name := range names {
			documents = append(documents, members[name])
		}
	}

	for _, doc := range documents {
		if err := parseSixEnum(items, doc); err != nil {
			return nil, parseError("six_enum_discover", err)
		}
	}
	return items, nil
}

func parseSixEnum(items *ParsedItems, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		address, err := NormalizeAddress(line)
		if err != nil {
			// scan6 interleaves progress lines with results
			continue
		}
		if !strings.Contains(address, ":") {
			return fmt.Errorf("unexpected IPv4 address %s in enumeration output", address)
		}
		items.UpsertHost(address)
	}
	return scanner.Err()
}
