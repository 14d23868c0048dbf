package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/scanfleet/internal/db"
)

var nmapMember = regexp.MustCompile(`^(output.*|scan-.*)\.xml$`)

// NmapParser parses nmap XML reports, either raw or zipped by the agent.
type NmapParser struct{}

// Parse implements Parser.
func (p *NmapParser) Parse(_ context.Context, _ *db.Job, output []byte) (*ParsedItems, error) {
	items := NewParsedItems()

	if !isZip(output) {
		if err := parseNmapReport(items, output); err != nil {
			return nil, parseError("nmap", err)
		}
		return items, nil
	}

	names, members, err := zipMembers(output, nmapMember)
	if err != nil {
		return nil, parseError("nmap", err)
	}
	for _, name := range names {
		if err := parseNmapReport(items, members[name]); err != nil {
			return nil, parseError("nmap", fmt.Errorf("%s: %w", name, err))
		}
	}
	return items, nil
}

func parseNmapReport(items *ParsedItems, data []byte) error {
	run := &nmap.Run{}
	if err := nmap.Parse(data, run); err != nil {
		return err
	}

	importTime := time.Time(run.Start)
	for i := range run.Hosts {
		importNmapHost(items, &run.Hosts[i], importTime)
	}
	return nil
}

// nmapAddress returns the first IP address of the host.
func nmapAddress(host *nmap.Host) string {
	for _, addr := range host.Addresses {
		if addr.AddrType != "ipv4" && addr.AddrType != "ipv6" {
			continue
		}
		if normalized, err := NormalizeAddress(addr.Addr); err == nil {
			return normalized
		}
	}
	return ""
}

func importNmapHost(items *ParsedItems, h *nmap.Host, importTime time.Time) {
	if h.Status.State == "down" {
		return
	}
	address := nmapAddress(h)
	if address == "" {
		return
	}

	host := items.UpsertHost(address)
	for _, hostname := range h.Hostnames {
		host.AddHostname(hostname.Name)
	}
	if len(h.OS.Matches) > 0 {
		host.OS = h.OS.Matches[0].Name
	}

	var stamp *time.Time
	if !importTime.IsZero() {
		stamp = &importTime
	}

	for _, port := range h.Ports {
		svc := items.UpsertService(address, port.Protocol, int(port.ID))
		svc.State = nmapPortState(port.State)
		svc.Name = port.Service.Name
		svc.Info = nmapServiceInfo(port.Service)
		svc.ImportTime = stamp

		for _, script := range port.Scripts {
			items.UpsertNote(&Note{
				Address:    address,
				Service:    &ServiceRef{Proto: port.Protocol, Port: int(port.ID)},
				XType:      "nmap." + script.ID,
				Data:       nmapScriptData(script),
				ImportTime: stamp,
			})
		}
	}

	for _, script := range h.HostScripts {
		items.UpsertNote(&Note{
			Address:    address,
			XType:      "nmap." + script.ID,
			Data:       nmapScriptData(script),
			ImportTime: stamp,
		})
	}
}

func nmapPortState(state nmap.State) string {
	if state.Reason == "" {
		return state.State
	}
	return state.State + ":" + state.Reason
}

func nmapServiceInfo(service nmap.Service) string {
	var parts []string
	for _, field := range []struct{ name, value string }{
		{"product", service.Product},
		{"version", service.Version},
		{"extrainfo", service.ExtraInfo},
	} {
		if field.value != "" {
			parts = append(parts, field.name+": "+field.value)
		}
	}
	return strings.Join(parts, " ")
}

func nmapScriptData(script nmap.Script) string {
	data, err := json.Marshal(map[string]string{"id": script.ID, "output": script.Output})
	if err != nil {
		return script.Output
	}
	return string(data)
}
