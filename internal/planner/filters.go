package planner

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/anstrom/scanfleet/internal/parser"
	"github.com/anstrom/scanfleet/internal/scheduler"
	"github.com/anstrom/scanfleet/internal/storage"
)

// TarpitThreshold is the service count above which a host is treated as a
// tarpit answering on every port.
const TarpitThreshold = 200

// FilterTarpits removes hosts reporting more than threshold services.
func FilterTarpits(items *parser.ParsedItems, threshold int) []string {
	counts := make(map[string]int)
	for _, svc := range items.Services {
		counts[svc.Address]++
	}

	tarpits := make(map[string]struct{})
	var removed []string
	for address, count := range counts {
		if count > threshold {
			tarpits[address] = struct{}{}
			removed = append(removed, address)
		}
	}
	items.RemoveHosts(tarpits)
	sort.Strings(removed)
	return removed
}

// FilterServiceOpen keeps services whose state starts with "open:".
func FilterServiceOpen(items *parser.ParsedItems) {
	items.FilterServices(func(svc *parser.Service) bool {
		return strings.HasPrefix(svc.State, "open:")
	})
}

// ProjectHosts returns the host addresses of the bundle.
func ProjectHosts(items *parser.ParsedItems) []string {
	hosts := make([]string, 0, len(items.Hosts))
	for _, host := range items.Hosts {
		hosts = append(hosts, host.Address)
	}
	return hosts
}

// ServiceTarget formats a service as proto://host:port, bracketing IPv6 hosts.
func ServiceTarget(proto, address string, port int) string {
	return fmt.Sprintf("%s://%s", proto, net.JoinHostPort(address, strconv.Itoa(port)))
}

// ProjectServices returns a target for every service of the bundle.
func ProjectServices(items *parser.ParsedItems) []string {
	targets := make([]string, 0, len(items.Services))
	for _, svc := range items.Services {
		targets = append(targets, ServiceTarget(svc.Proto, svc.Address, svc.Port))
	}
	return targets
}

// ProjectEndpoints returns a target for every stored service.
func ProjectEndpoints(endpoints []storage.Endpoint) []string {
	targets := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		targets = append(targets, ServiceTarget(ep.Proto, ep.Address, ep.Port))
	}
	return targets
}

// isEUI64 reports whether the interface identifier carries the ff:fe marker
// of a MAC derived address.
func isEUI64(addr netip.Addr) bool {
	raw := addr.As16()
	return raw[11] == 0xff && raw[12] == 0xfe
}

// ProjectSixenumTargets turns IPv6 addresses into sixenum ranges covering
// the last address group. EUI-64 addresses are skipped since their
// neighbourhood is not densely allocated.
func ProjectSixenumTargets(addresses []string) []string {
	seen := make(map[string]struct{})
	var targets []string
	for _, address := range addresses {
		addr, err := netip.ParseAddr(address)
		if err != nil || !addr.Is6() || addr.Is4In6() || isEUI64(addr) {
			continue
		}
		target := scheduler.SixenumScheme + sixenumRange(addr)
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}

// sixenumRange renders the last-group range of addr with the seven leading
// groups fully expanded, e.g. 2001:0db8:0000:0000:0000:0000:0000:0-ffff.
func sixenumRange(addr netip.Addr) string {
	raw := addr.As16()
	groups := make([]string, 0, 8)
	for i := 0; i < 14; i += 2 {
		groups = append(groups, fmt.Sprintf("%02x%02x", raw[i], raw[i+1]))
	}
	groups = append(groups, "0-ffff")
	return strings.Join(groups, ":")
}

// ParseNetworks parses networks or bare addresses into prefixes.
func ParseNetworks(networks []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(networks))
	for _, network := range networks {
		network = strings.TrimSpace(network)
		if prefix, err := netip.ParsePrefix(network); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(network)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q", network)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func contained(addr netip.Addr, networks []netip.Prefix) bool {
	for _, network := range networks {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

// FilterExternalHosts keeps the addresses inside networks. An empty network
// list keeps everything. Unparsable addresses are dropped.
func FilterExternalHosts(addresses []string, networks []netip.Prefix) []string {
	if len(networks) == 0 {
		return addresses
	}
	kept := make([]string, 0, len(addresses))
	for _, address := range addresses {
		addr, err := netip.ParseAddr(address)
		if err != nil {
			continue
		}
		if contained(addr.Unmap(), networks) {
			kept = append(kept, address)
		}
	}
	return kept
}

// filterSixOutside drops IPv6 addresses outside networks and keeps IPv4.
func filterSixOutside(addresses []string, networks []netip.Prefix) []string {
	kept := make([]string, 0, len(addresses))
	for _, address := range addresses {
		addr, err := netip.ParseAddr(address)
		if err != nil {
			continue
		}
		if addr.Unmap().Is6() && !contained(addr, networks) {
			continue
		}
		kept = append(kept, address)
	}
	return kept
}
