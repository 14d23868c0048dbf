package config

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// PlannerConfig describes scan scope and the pipelines the planner wires.
type PlannerConfig struct {
	// Pause between sweeps of all stages
	LoopSleep time.Duration `yaml:"loop_sleep" json:"loop_sleep"`

	// Maximum number of storage rows touched by one rescan query
	RescanChunkSize int `yaml:"rescan_chunk_size" json:"rescan_chunk_size" validate:"gte=0"`

	// Aggregated netlist source merged into the scan scope
	AggregateURL    string `yaml:"aggregate_url" json:"aggregate_url" validate:"omitempty,url"`
	AggregateAPIKey string `yaml:"aggregate_api_key" json:"aggregate_api_key"`

	// Queues ensured to exist before stages are built
	Queues []QueueSpec `yaml:"queues" json:"queues" validate:"dive"`

	BasicNetsIPv4 []string `yaml:"basic_nets_ipv4" json:"basic_nets_ipv4" validate:"dive,cidrv4|ipv4"`
	BasicNetsIPv6 []string `yaml:"basic_nets_ipv6" json:"basic_nets_ipv6" validate:"dive,cidrv6|ipv6"`
	BasicTargets  []string `yaml:"basic_targets" json:"basic_targets" validate:"dive,required"`

	NucleiNetsIPv4 []string `yaml:"nuclei_nets_ipv4" json:"nuclei_nets_ipv4" validate:"dive,cidrv4|ipv4"`
	NucleiNetsIPv6 []string `yaml:"nuclei_nets_ipv6" json:"nuclei_nets_ipv6" validate:"dive,cidrv6|ipv6"`
	NucleiTargets  []string `yaml:"nuclei_targets" json:"nuclei_targets" validate:"dive,required"`

	SportmapNetsIPv4 []string `yaml:"sportmap_nets_ipv4" json:"sportmap_nets_ipv4" validate:"dive,cidrv4|ipv4"`
	SportmapNetsIPv6 []string `yaml:"sportmap_nets_ipv6" json:"sportmap_nets_ipv6" validate:"dive,cidrv6|ipv6"`

	Pipelines *Pipelines `yaml:"pipelines" json:"pipelines" validate:"omitempty"`
}

// QueueSpec declares a scheduler queue.
type QueueSpec struct {
	Name      string   `yaml:"name" json:"name" validate:"required,max=250"`
	Config    string   `yaml:"config" json:"config" validate:"required"`
	GroupSize int      `yaml:"group_size" json:"group_size" validate:"gte=1"`
	Priority  int      `yaml:"priority" json:"priority"`
	Active    *bool    `yaml:"active" json:"active"`
	Reqs      []string `yaml:"reqs" json:"reqs" validate:"dive,required"`
}

// IsActive defaults unset activity to true.
func (q QueueSpec) IsActive() bool {
	return q.Active == nil || *q.Active
}

// Pipelines lists the optional planner pipelines.
type Pipelines struct {
	StandaloneQueues      *StandaloneQueues      `yaml:"standalone_queues" json:"standalone_queues" validate:"omitempty"`
	BasicScan             *BasicScan             `yaml:"basic_scan" json:"basic_scan" validate:"omitempty"`
	BasicRescan           *BasicRescan           `yaml:"basic_rescan" json:"basic_rescan" validate:"omitempty"`
	SixDisco              *SixDisco              `yaml:"six_disco" json:"six_disco" validate:"omitempty"`
	NucleiScan            *QueueSchedule         `yaml:"nuclei_scan" json:"nuclei_scan" validate:"omitempty"`
	SportmapScan          *QueueSchedule         `yaml:"sportmap_scan" json:"sportmap_scan" validate:"omitempty"`
	TestsslScan           *QueueSchedule         `yaml:"testssl_scan" json:"testssl_scan" validate:"omitempty"`
	StorageCleanup        *StorageCleanup        `yaml:"storage_cleanup" json:"storage_cleanup" validate:"omitempty"`
	RebuildVersioninfoMap *RebuildVersioninfoMap `yaml:"rebuild_versioninfo_map" json:"rebuild_versioninfo_map" validate:"omitempty"`
}

// StandaloneQueues are loaded into storage without further processing.
type StandaloneQueues struct {
	Queues []string `yaml:"queues" json:"queues" validate:"required,min=1,dive,required"`
}

// BasicScan is periodic discovery followed by service scans.
type BasicScan struct {
	Schedule          string   `yaml:"schedule" json:"schedule" validate:"required,schedule"`
	ServiceDiscoQueue string   `yaml:"service_disco_queue" json:"service_disco_queue" validate:"required"`
	ServiceScanQueues []string `yaml:"service_scan_queues" json:"service_scan_queues" validate:"dive,required"`
}

// BasicRescan re-feeds stale storage hosts and services into basic scan.
type BasicRescan struct {
	Schedule        string `yaml:"schedule" json:"schedule" validate:"required,schedule"`
	HostInterval    string `yaml:"host_interval" json:"host_interval" validate:"required,interval"`
	ServiceInterval string `yaml:"service_interval" json:"service_interval" validate:"required,interval"`
}

// SixDisco discovers ipv6 hosts by DNS and neighbour enumeration.
type SixDisco struct {
	Schedule         string `yaml:"schedule" json:"schedule" validate:"required,schedule"`
	DNSDiscoQueue    string `yaml:"dns_disco_queue" json:"dns_disco_queue" validate:"required"`
	StorageEnumQueue string `yaml:"storage_enum_queue" json:"storage_enum_queue" validate:"required"`
}

// QueueSchedule is a scheduled target feed into a single loader queue.
type QueueSchedule struct {
	Schedule string `yaml:"schedule" json:"schedule" validate:"required,schedule"`
	Queue    string `yaml:"queue" json:"queue" validate:"required"`
}

// StorageCleanup toggles the storage cleanup stage.
type StorageCleanup struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// RebuildVersioninfoMap schedules the versioninfo rebuild.
type RebuildVersioninfoMap struct {
	Schedule string `yaml:"schedule" json:"schedule" validate:"required,schedule"`
}

// CleanupEnabled reports whether storage cleanup runs; unset means enabled.
func (p *Pipelines) CleanupEnabled() bool {
	return p.StorageCleanup == nil || p.StorageCleanup.Enabled
}

var plannerValidate = newPlannerValidator()

func newPlannerValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		_, err := ParseSchedule(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("interval", func(fl validator.FieldLevel) bool {
		_, err := ParseInterval(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the planner configuration tree.
func (p *PlannerConfig) Validate() error {
	if err := plannerValidate.Struct(p); err != nil {
		var messages []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				messages = append(messages, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("planner: %s", strings.Join(messages, "; "))
		}
		return fmt.Errorf("planner: %w", err)
	}
	return nil
}

// SplitNetworks separates networks by address family, reporting unparsable entries.
func SplitNetworks(networks []string) (ipv4, ipv6, invalid []string) {
	for _, net := range networks {
		prefix, err := netip.ParsePrefix(net)
		if err != nil {
			addr, aerr := netip.ParseAddr(net)
			if aerr != nil {
				invalid = append(invalid, net)
				continue
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		if prefix.Addr().Is4() {
			ipv4 = append(ipv4, net)
		} else {
			ipv6 = append(ipv6, net)
		}
	}
	return ipv4, ipv6, invalid
}

// MergeAggregate adds aggregated netlists, keyed "scanfleet/basic" and
// "scanfleet/nuclei", to the configured scan scope. Nuclei networks also feed
// the sportmap scope. Invalid networks are returned to the caller for logging.
func (p *PlannerConfig) MergeAggregate(netlists map[string][]string) []string {
	v4, v6, invalid := SplitNetworks(netlists["scanfleet/basic"])
	p.BasicNetsIPv4 = mergeUnique(p.BasicNetsIPv4, v4)
	p.BasicNetsIPv6 = mergeUnique(p.BasicNetsIPv6, v6)

	v4, v6, bad := SplitNetworks(netlists["scanfleet/nuclei"])
	invalid = append(invalid, bad...)
	p.NucleiNetsIPv4 = mergeUnique(p.NucleiNetsIPv4, v4)
	p.NucleiNetsIPv6 = mergeUnique(p.NucleiNetsIPv6, v6)
	p.SportmapNetsIPv4 = mergeUnique(p.SportmapNetsIPv4, v4)
	p.SportmapNetsIPv6 = mergeUnique(p.SportmapNetsIPv6, v6)

	return invalid
}

// Netlist returns a named scope list, as used by dump-targets.
func (p *PlannerConfig) Netlist(name string) ([]string, bool) {
	lists := map[string][]string{
		"basic_nets_ipv4":    p.BasicNetsIPv4,
		"basic_nets_ipv6":    p.BasicNetsIPv6,
		"nuclei_nets_ipv4":   p.NucleiNetsIPv4,
		"nuclei_nets_ipv6":   p.NucleiNetsIPv6,
		"sportmap_nets_ipv4": p.SportmapNetsIPv4,
		"sportmap_nets_ipv6": p.SportmapNetsIPv6,
	}
	list, ok := lists[name]
	return list, ok
}

// ScanScope is every network any pipeline scans.
func (p *PlannerConfig) ScanScope() []string {
	return slices.Concat(p.BasicNetsIPv4, p.BasicNetsIPv6, p.VulnScope())
}

// VulnScope is the scope shared by the nuclei and sportmap pipelines.
func (p *PlannerConfig) VulnScope() []string {
	return slices.Concat(p.NucleiNetsIPv4, p.NucleiNetsIPv6, p.SportmapNetsIPv4, p.SportmapNetsIPv6)
}

func mergeUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, item := range slices.Concat(base, extra) {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}
