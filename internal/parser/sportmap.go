package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/anstrom/scanfleet/internal/db"
)

const defaultSport = "default"

// SportmapParser compares nmap scans run from several source ports against the
// scan from the default source port. Every scanned host is returned; a host
// whose open ports differ gets a "sportmap" note describing the difference.
type SportmapParser struct{}

// sportmapDiff is keyed by proto, port and source port.
type sportmapDiff map[string]map[string]map[string]string

// Parse implements Parser.
func (p *SportmapParser) Parse(_ context.Context, _ *db.Job, output []byte) (*ParsedItems, error) {
	scans, err := sportmapScans(output)
	if err != nil {
		return nil, parseError("sportmap", err)
	}
	return sportmapResults(scans), nil
}

// sportmapScans parses every report member, merging reports of the same source port.
func sportmapScans(output []byte) (map[string]*ParsedItems, error) {
	names, members, err := zipMembers(output, nmapMember)
	if err != nil {
		return nil, err
	}

	scans := map[string]*ParsedItems{}
	for _, name := range names {
		base := strings.TrimSuffix(path.Base(name), ".xml")
		sport := base[strings.LastIndex(base, "-")+1:]
		if scans[sport] == nil {
			scans[sport] = NewParsedItems()
		}
		if err := parseNmapReport(scans[sport], members[name]); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	if scans[defaultSport] == nil {
		return nil, fmt.Errorf("missing %s source port scan", defaultSport)
	}
	return scans, nil
}

func sportmapResults(scans map[string]*ParsedItems) *ParsedItems {
	items := NewParsedItems()
	baseline := scans[defaultSport]
	diffs := map[string]sportmapDiff{}

	sports := make([]string, 0, len(scans))
	for sport := range scans {
		if sport != defaultSport {
			sports = append(sports, sport)
		}
	}
	sort.Strings(sports)

	for _, sport := range sports {
		for _, svc := range scans[sport].Services {
			items.UpsertHost(svc.Address)

			var defaultState string
			if base := baseline.Service(svc.Address, svc.Proto, svc.Port); base != nil {
				defaultState = base.State
			}
			if !strings.Contains(svc.State, "open") || defaultState == svc.State {
				continue
			}
			if defaultState == "" {
				defaultState = "closed:nostate"
			}

			diff := diffs[svc.Address]
			if diff == nil {
				diff = sportmapDiff{}
				diffs[svc.Address] = diff
			}
			if diff[svc.Proto] == nil {
				diff[svc.Proto] = map[string]map[string]string{}
			}
			port := strconv.Itoa(svc.Port)
			if diff[svc.Proto][port] == nil {
				diff[svc.Proto][port] = map[string]string{}
			}
			diff[svc.Proto][port][defaultSport] = defaultState
			diff[svc.Proto][port][sport] = svc.State
		}
	}

	for _, host := range items.Hosts {
		diff, ok := diffs[host.Address]
		if !ok {
			continue
		}
		data, err := json.Marshal(diff)
		if err != nil {
			continue
		}
		items.UpsertNote(&Note{
			Address:   host.Address,
			ViaTarget: host.Address,
			XType:     "sportmap",
			Data:      string(data),
		})
	}
	return items
}
