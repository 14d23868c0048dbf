package planner

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/lib/pq"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
)

type factory func(b *builder) (Stage, error)

// builder resolves stages by name, constructing dependencies first.
type builder struct {
	ctx  context.Context
	cfg  *config.PlannerConfig
	deps *Deps

	factories map[string]factory
	order     []string
	built     map[string]Stage
	building  map[string]bool
	err       error
}

func newBuilder(ctx context.Context, cfg *config.PlannerConfig, deps *Deps) *builder {
	return &builder{
		ctx:       ctx,
		cfg:       cfg,
		deps:      deps,
		factories: map[string]factory{},
		built:     map[string]Stage{},
		building:  map[string]bool{},
	}
}

func (b *builder) define(name string, f factory) {
	if _, exists := b.factories[name]; exists && b.err == nil {
		b.err = errors.NewConfigError(errors.CodeConfiguration, fmt.Sprintf("duplicate planner stage %q", name))
		return
	}
	b.factories[name] = f
	b.order = append(b.order, name)
}

func (b *builder) stage(name string) (Stage, error) {
	if s, ok := b.built[name]; ok {
		return s, nil
	}
	f, ok := b.factories[name]
	if !ok {
		return nil, errors.NewConfigError(errors.CodeConfiguration, fmt.Sprintf("unknown planner stage %q", name))
	}
	if b.building[name] {
		return nil, errors.NewConfigError(errors.CodeConfiguration, fmt.Sprintf("planner stage %q depends on itself", name))
	}

	b.building[name] = true
	defer delete(b.building, name)

	s, err := f(b)
	if err != nil {
		return nil, errors.WrapPlannerError(errors.GetCode(err), name, "failed to build stage: "+err.Error(), err)
	}
	b.built[name] = s
	return s, nil
}

func (b *builder) tasker(name string) (Tasker, error) {
	s, err := b.stage(name)
	if err != nil {
		return nil, err
	}
	t, ok := s.(Tasker)
	if !ok {
		return nil, errors.NewConfigError(errors.CodeConfiguration, fmt.Sprintf("planner stage %q does not accept targets", name))
	}
	return t, nil
}

func (b *builder) taskers(names []string) ([]Tasker, error) {
	out := make([]Tasker, 0, len(names))
	for _, name := range names {
		t, err := b.tasker(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *builder) handler(queueName string) (*QueueHandler, error) {
	return NewQueueHandler(b.ctx, b.deps, queueName)
}

func (b *builder) schedule(lockname, spec string) (*Schedule, error) {
	return NewSchedule(lockname, spec, b.deps)
}

func (b *builder) networks(field string, networks []string) ([]netip.Prefix, error) {
	prefixes, err := ParseNetworks(networks)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeValidation, "invalid "+field, err)
	}
	return prefixes, nil
}

// lockname derives the persisted schedule key from a stage name.
func lockname(stage string) string {
	return strings.ReplaceAll(stage, ":", "__")
}

// BuildStages ensures the configured queues exist and builds the stages of
// every configured pipeline, in sweep order.
func BuildStages(ctx context.Context, cfg *config.PlannerConfig, deps *Deps) ([]Stage, error) {
	for _, spec := range cfg.Queues {
		queue := &db.Queue{
			Name:      spec.Name,
			Config:    spec.Config,
			GroupSize: spec.GroupSize,
			Priority:  spec.Priority,
			Active:    spec.IsActive(),
			Reqs:      pq.StringArray(spec.Reqs),
		}
		if err := deps.Queues.Ensure(ctx, queue); err != nil {
			return nil, err
		}
	}

	b := newBuilder(ctx, cfg, deps)
	if cfg.Pipelines != nil {
		definePipelines(b, cfg.Pipelines)
	}
	if b.err != nil {
		return nil, b.err
	}

	stages := make([]Stage, 0, len(b.order))
	for _, name := range b.order {
		s, err := b.stage(name)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, nil
}

func definePipelines(b *builder, p *config.Pipelines) {
	if p.StandaloneQueues != nil {
		for _, queue := range p.StandaloneQueues.Queues {
			b.define("standalone_queue:"+queue, storageLoader("standalone_queue:"+queue, queue))
		}
	}
	if p.BasicScan != nil {
		defineBasicScan(b, p.BasicScan)
	}
	if p.BasicRescan != nil {
		defineBasicRescan(b, p.BasicRescan)
	}
	if p.SixDisco != nil {
		defineSixDisco(b, p.SixDisco)
	}
	if p.NucleiScan != nil {
		defineNucleiScan(b, p.NucleiScan)
	}
	if p.SportmapScan != nil {
		defineSportmapScan(b, p.SportmapScan)
	}
	if p.TestsslScan != nil {
		defineTestsslScan(b, p.TestsslScan)
	}
	if p.CleanupEnabled() {
		b.define("storage_cleanup", func(b *builder) (Stage, error) {
			return &StorageCleanupStage{
				name:    "storage_cleanup",
				storage: b.deps.Storage,
				logger:  b.deps.Logger.WithFields("stage", "storage_cleanup"),
			}, nil
		})
	}
	if p.RebuildVersioninfoMap != nil {
		spec := p.RebuildVersioninfoMap.Schedule
		b.define("rebuild_versioninfo_map", func(b *builder) (Stage, error) {
			sched, err := b.schedule("rebuild_versioninfo_map", spec)
			if err != nil {
				return nil, err
			}
			return &RebuildVersioninfoStage{
				scheduledStage: newScheduledStage("rebuild_versioninfo_map", sched, b.deps),
				storage:        b.deps.Storage,
			}, nil
		})
	}
}

func storageLoader(name, queue string) factory {
	return func(b *builder) (Stage, error) {
		h, err := b.handler(queue)
		if err != nil {
			return nil, err
		}
		return &StorageLoaderStage{queueStage: newQueueStage(name, h, b.deps), storage: b.deps.Storage}, nil
	}
}

func netlist(name, spec string, networks []string, next ...string) factory {
	return func(b *builder) (Stage, error) {
		if _, err := b.networks(name, networks); err != nil {
			return nil, err
		}
		sched, err := b.schedule(lockname(name), spec)
		if err != nil {
			return nil, err
		}
		downstream, err := b.taskers(next)
		if err != nil {
			return nil, err
		}
		return &NetlistStage{
			scheduledStage: newScheduledStage(name, sched, b.deps),
			networks:       networks,
			next:           downstream,
		}, nil
	}
}

func targetlist(name, spec string, targets []string, next ...string) factory {
	return func(b *builder) (Stage, error) {
		sched, err := b.schedule(lockname(name), spec)
		if err != nil {
			return nil, err
		}
		downstream, err := b.taskers(next)
		if err != nil {
			return nil, err
		}
		return &TargetlistStage{
			scheduledStage: newScheduledStage(name, sched, b.deps),
			targets:        targets,
			next:           downstream,
		}, nil
	}
}

func storageSixTargetlist(name, spec string, filternets []string, next string) factory {
	return func(b *builder) (Stage, error) {
		nets, err := b.networks(name, filternets)
		if err != nil {
			return nil, err
		}
		sched, err := b.schedule(lockname(name), spec)
		if err != nil {
			return nil, err
		}
		downstream, err := b.tasker(next)
		if err != nil {
			return nil, err
		}
		return &StorageSixTargetlistStage{
			scheduledStage: newScheduledStage(name, sched, b.deps),
			storage:        b.deps.Storage,
			filternets:     nets,
			next:           downstream,
		}, nil
	}
}

func basicScanQueues(b *builder) []string {
	if b.cfg.Pipelines == nil || b.cfg.Pipelines.BasicScan == nil {
		return nil
	}
	names := make([]string, 0, len(b.cfg.Pipelines.BasicScan.ServiceScanQueues))
	for _, queue := range b.cfg.Pipelines.BasicScan.ServiceScanQueues {
		names = append(names, "basic_scan:"+queue)
	}
	return names
}

func defineBasicScan(b *builder, p *config.BasicScan) {
	for _, queue := range p.ServiceScanQueues {
		b.define("basic_scan:"+queue, storageLoader("basic_scan:"+queue, queue))
	}

	b.define("basic_scan:service_disco", func(b *builder) (Stage, error) {
		h, err := b.handler(p.ServiceDiscoQueue)
		if err != nil {
			return nil, err
		}
		next, err := b.taskers(basicScanQueues(b))
		if err != nil {
			return nil, err
		}
		return &ServiceDiscoStage{queueStage: newQueueStage("basic_scan:service_disco", h, b.deps), next: next}, nil
	})

	b.define("basic_scan:netlist",
		netlist("basic_scan:netlist", p.Schedule, b.cfg.BasicNetsIPv4, "basic_scan:service_disco"))
	b.define("basic_scan:targetlist",
		targetlist("basic_scan:targetlist", p.Schedule, b.cfg.BasicTargets, "basic_scan:service_disco"))
}

func defineBasicRescan(b *builder, p *config.BasicRescan) {
	b.define("basic_rescan", func(b *builder) (Stage, error) {
		hostInterval, err := config.ParseInterval(p.HostInterval)
		if err != nil {
			return nil, errors.WrapConfigError(errors.CodeValidation, "invalid host_interval", err)
		}
		serviceInterval, err := config.ParseInterval(p.ServiceInterval)
		if err != nil {
			return nil, errors.WrapConfigError(errors.CodeValidation, "invalid service_interval", err)
		}
		nets, err := b.networks("basic_nets_ipv6", b.cfg.BasicNetsIPv6)
		if err != nil {
			return nil, err
		}
		sched, err := b.schedule("basic_rescan", p.Schedule)
		if err != nil {
			return nil, err
		}
		disco, err := b.tasker("basic_scan:service_disco")
		if err != nil {
			return nil, err
		}
		scans, err := b.taskers(basicScanQueues(b))
		if err != nil {
			return nil, err
		}
		return &StorageRescanStage{
			scheduledStage:  newScheduledStage("basic_rescan", sched, b.deps),
			storage:         b.deps.Storage,
			hostInterval:    hostInterval,
			serviceInterval: serviceInterval,
			filternets:      nets,
			serviceDisco:    disco,
			serviceScans:    scans,
		}, nil
	})
}

func sixDisco(name, queue string) factory {
	return func(b *builder) (Stage, error) {
		h, err := b.handler(queue)
		if err != nil {
			return nil, err
		}
		nets, err := b.networks("basic_nets_ipv6", b.cfg.BasicNetsIPv6)
		if err != nil {
			return nil, err
		}
		next, err := b.tasker("basic_scan:service_disco")
		if err != nil {
			return nil, err
		}
		return &SixDiscoStage{queueStage: newQueueStage(name, h, b.deps), filternets: nets, next: next}, nil
	}
}

func defineSixDisco(b *builder, p *config.SixDisco) {
	b.define("six_disco:dns_disco", sixDisco("six_disco:dns_disco", p.DNSDiscoQueue))
	b.define("six_disco:dns_netlist",
		netlist("six_disco:dns_netlist", p.Schedule, b.cfg.BasicNetsIPv4, "six_disco:dns_disco"))
	b.define("six_disco:storage_enum", sixDisco("six_disco:storage_enum", p.StorageEnumQueue))

	const enumName = "six_disco:storage_six_enum_targetlist"
	b.define(enumName, func(b *builder) (Stage, error) {
		nets, err := b.networks("basic_nets_ipv6", b.cfg.BasicNetsIPv6)
		if err != nil {
			return nil, err
		}
		sched, err := b.schedule(lockname(enumName), p.Schedule)
		if err != nil {
			return nil, err
		}
		next, err := b.tasker("six_disco:storage_enum")
		if err != nil {
			return nil, err
		}
		return &StorageSixEnumTargetlistStage{
			scheduledStage: newScheduledStage(enumName, sched, b.deps),
			storage:        b.deps.Storage,
			filternets:     nets,
			next:           next,
		}, nil
	})
}

func defineNucleiScan(b *builder, p *config.QueueSchedule) {
	b.define("nuclei_scan:load", func(b *builder) (Stage, error) {
		h, err := b.handler(p.Queue)
		if err != nil {
			return nil, err
		}
		return &StorageLoaderNucleiStage{queueStage: newQueueStage("nuclei_scan:load", h, b.deps), storage: b.deps.Storage}, nil
	})
	b.define("nuclei_scan:netlist",
		netlist("nuclei_scan:netlist", p.Schedule, b.cfg.NucleiNetsIPv4, "nuclei_scan:load"))
	b.define("nuclei_scan:targetlist",
		targetlist("nuclei_scan:targetlist", p.Schedule, b.cfg.NucleiTargets, "nuclei_scan:load"))
	b.define("nuclei_scan:storage_six_targetlist",
		storageSixTargetlist("nuclei_scan:storage_six_targetlist", p.Schedule, b.cfg.NucleiNetsIPv6, "nuclei_scan:load"))
}

func defineSportmapScan(b *builder, p *config.QueueSchedule) {
	b.define("sportmap_scan:load", func(b *builder) (Stage, error) {
		h, err := b.handler(p.Queue)
		if err != nil {
			return nil, err
		}
		return &StorageLoaderSportmapStage{queueStage: newQueueStage("sportmap_scan:load", h, b.deps), storage: b.deps.Storage}, nil
	})
	b.define("sportmap_scan:netlist",
		netlist("sportmap_scan:netlist", p.Schedule, b.cfg.SportmapNetsIPv4, "sportmap_scan:load"))
	b.define("sportmap_scan:storage_six_targetlist",
		storageSixTargetlist("sportmap_scan:storage_six_targetlist", p.Schedule, b.cfg.SportmapNetsIPv6, "sportmap_scan:load"))
}

func defineTestsslScan(b *builder, p *config.QueueSchedule) {
	b.define("testssl_scan:load", storageLoader("testssl_scan:load", p.Queue))
	b.define("testssl_scan:targetlist", func(b *builder) (Stage, error) {
		sched, err := b.schedule("testssl_scan__targetlist", p.Schedule)
		if err != nil {
			return nil, err
		}
		next, err := b.tasker("testssl_scan:load")
		if err != nil {
			return nil, err
		}
		return &StorageTestsslTargetlistStage{
			scheduledStage: newScheduledStage("testssl_scan:targetlist", sched, b.deps),
			storage:        b.deps.Storage,
			next:           next,
		}, nil
	})
}
