package planner

import (
	"context"
	"net/netip"
	"time"

	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/parser"
	"github.com/anstrom/scanfleet/internal/scheduler"
	"github.com/anstrom/scanfleet/internal/storage"
)

func fanOut(ctx context.Context, next []Tasker, targets []string) error {
	if len(targets) == 0 {
		return nil
	}
	for _, stage := range next {
		if err := stage.Task(ctx, targets); err != nil {
			return err
		}
	}
	return nil
}

// queueStage is the common part of stages draining a queue. Targets fanned
// into the stage are enqueued to its queue.
type queueStage struct {
	name    string
	handler *QueueHandler
	logger  *logging.Logger
}

func newQueueStage(name string, handler *QueueHandler, deps *Deps) queueStage {
	return queueStage{name: name, handler: handler, logger: deps.Logger.WithFields("stage", name)}
}

func (s *queueStage) Name() string { return s.name }

func (s *queueStage) Task(ctx context.Context, targets []string) error {
	return s.handler.Task(ctx, targets)
}

// scheduledStage is the common part of stages gated by a Schedule.
type scheduledStage struct {
	name     string
	schedule *Schedule
	logger   *logging.Logger
}

func newScheduledStage(name string, schedule *Schedule, deps *Deps) scheduledStage {
	return scheduledStage{name: name, schedule: schedule, logger: deps.Logger.WithFields("stage", name)}
}

func (s *scheduledStage) Name() string { return s.name }

func (s *scheduledStage) run(ctx context.Context, action func(ctx context.Context) error) error {
	ran, err := s.schedule.Run(ctx, action)
	if ran && err == nil {
		s.logger.Debug("Scheduled stage ran")
	}
	return err
}

// NetlistStage enumerates networks into addresses on its schedule.
type NetlistStage struct {
	scheduledStage
	networks []string
	next     []Tasker
}

// Run implements Stage.
func (s *NetlistStage) Run(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		var targets []string
		for _, network := range s.networks {
			addrs, err := scheduler.EnumerateNetwork(network)
			if err != nil {
				return err
			}
			targets = append(targets, addrs...)
		}
		s.logger.Info("Enumerated netlist", "networks", len(s.networks), "targets", len(targets))
		return fanOut(ctx, s.next, targets)
	})
}

// TargetlistStage sends a static target list on its schedule.
type TargetlistStage struct {
	scheduledStage
	targets []string
	next    []Tasker
}

// Run implements Stage.
func (s *TargetlistStage) Run(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		s.logger.Info("Sending targetlist", "targets", len(s.targets))
		return fanOut(ctx, s.next, s.targets)
	})
}

// ServiceDiscoStage projects open services of discovery results into
// service scan targets.
type ServiceDiscoStage struct {
	queueStage
	next []Tasker
}

// Run implements Stage.
func (s *ServiceDiscoStage) Run(ctx context.Context) error {
	_, err := s.handler.Drain(ctx, func(ctx context.Context, items *parser.ParsedItems) error {
		if tarpits := FilterTarpits(items, TarpitThreshold); len(tarpits) > 0 {
			s.logger.Info("Dropped tarpit hosts", "hosts", tarpits)
		}
		FilterServiceOpen(items)
		services := ProjectServices(items)
		s.logger.Info("Projected services", "count", len(services))
		return fanOut(ctx, s.next, services)
	})
	return err
}

// SixDiscoStage passes discovered hosts in scope on to service discovery.
type SixDiscoStage struct {
	queueStage
	filternets []netip.Prefix
	next       Tasker
}

// Run implements Stage.
func (s *SixDiscoStage) Run(ctx context.Context) error {
	_, err := s.handler.Drain(ctx, func(ctx context.Context, items *parser.ParsedItems) error {
		hosts := FilterExternalHosts(ProjectHosts(items), s.filternets)
		s.logger.Info("Projected hosts", "count", len(hosts))
		return fanOut(ctx, []Tasker{s.next}, hosts)
	})
	return err
}

// StorageLoaderStage imports drained results into storage.
type StorageLoaderStage struct {
	queueStage
	storage storage.Storage
}

// Run implements Stage.
func (s *StorageLoaderStage) Run(ctx context.Context) error {
	_, err := s.handler.Drain(ctx, func(ctx context.Context, items *parser.ParsedItems) error {
		s.logger.Info("Loading results", "items", items.String())
		return s.storage.Import(ctx, items)
	})
	return err
}

// StorageLoaderNucleiStage imports nuclei results and prunes stored
// findings the latest scan of the same target no longer reports.
type StorageLoaderNucleiStage struct {
	queueStage
	storage storage.Storage
}

// Run implements Stage.
func (s *StorageLoaderNucleiStage) Run(ctx context.Context) error {
	_, err := s.handler.Drain(ctx, func(ctx context.Context, items *parser.ParsedItems) error {
		s.logger.Info("Loading results", "items", items.String())
		if err := s.storage.Import(ctx, items); err != nil {
			return err
		}
		pruned, err := s.storage.PruneNucleiVulns(ctx, items)
		if err != nil {
			return err
		}
		s.logger.Info("Pruned stale vulns", "count", pruned)
		return nil
	})
	return err
}

// StorageLoaderSportmapStage imports hosts with sportmap findings. Stored
// findings of hosts that no longer show a difference are pruned.
type StorageLoaderSportmapStage struct {
	queueStage
	storage storage.Storage
}

// Run implements Stage.
func (s *StorageLoaderSportmapStage) Run(ctx context.Context) error {
	_, err := s.handler.Drain(ctx, func(ctx context.Context, items *parser.ParsedItems) error {
		detected := make(map[string]struct{})
		for _, note := range items.Notes {
			if note.XType == "sportmap" {
				detected[note.Address] = struct{}{}
			}
		}
		prune := make(map[string]struct{})
		var pruneAddrs []string
		for _, host := range items.Hosts {
			if _, ok := detected[host.Address]; !ok {
				prune[host.Address] = struct{}{}
				pruneAddrs = append(pruneAddrs, host.Address)
			}
		}
		items.RemoveHosts(prune)

		s.logger.Info("Loading results", "items", items.String())
		if err := s.storage.Import(ctx, items); err != nil {
			return err
		}
		if len(pruneAddrs) == 0 {
			return nil
		}
		pruned, err := s.storage.PruneSportmapNotes(ctx, pruneAddrs)
		if err != nil {
			return err
		}
		s.logger.Info("Pruned old notes", "count", pruned)
		return nil
	})
	return err
}

// StorageRescanStage re-feeds stale hosts to service discovery and stale
// services to the service scans.
type StorageRescanStage struct {
	scheduledStage
	storage         storage.Storage
	hostInterval    time.Duration
	serviceInterval time.Duration
	filternets      []netip.Prefix
	serviceDisco    Tasker
	serviceScans    []Tasker
}

// Run implements Stage.
func (s *StorageRescanStage) Run(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		hosts, err := s.storage.RescanHosts(ctx, s.hostInterval)
		if err != nil {
			return err
		}
		endpoints, err := s.storage.RescanServices(ctx, s.serviceInterval)
		if err != nil {
			return err
		}

		hosts = filterSixOutside(hosts, s.filternets)
		kept := endpoints[:0]
		for _, ep := range endpoints {
			if len(filterSixOutside([]string{ep.Address}, s.filternets)) == 1 {
				kept = append(kept, ep)
			}
		}
		services := ProjectEndpoints(kept)

		s.logger.Info("Rescanning", "hosts", len(hosts), "services", len(services))
		if err := fanOut(ctx, []Tasker{s.serviceDisco}, hosts); err != nil {
			return err
		}
		return fanOut(ctx, s.serviceScans, services)
	})
}

// StorageSixTargetlistStage sends stored IPv6 hosts in scope downstream.
type StorageSixTargetlistStage struct {
	scheduledStage
	storage    storage.Storage
	filternets []netip.Prefix
	next       Tasker
}

// Run implements Stage.
func (s *StorageSixTargetlistStage) Run(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		addresses, err := s.storage.SixAddresses(ctx)
		if err != nil {
			return err
		}
		targets := FilterExternalHosts(addresses, s.filternets)
		s.logger.Info("Projected targets", "count", len(targets))
		return fanOut(ctx, []Tasker{s.next}, targets)
	})
}

// StorageSixEnumTargetlistStage sends enumeration ranges around stored
// IPv6 hosts in scope downstream.
type StorageSixEnumTargetlistStage struct {
	scheduledStage
	storage    storage.Storage
	filternets []netip.Prefix
	next       Tasker
}

// Run implements Stage.
func (s *StorageSixEnumTargetlistStage) Run(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		addresses, err := s.storage.SixAddresses(ctx)
		if err != nil {
			return err
		}
		targets := ProjectSixenumTargets(FilterExternalHosts(addresses, s.filternets))
		s.logger.Info("Projected targets", "count", len(targets))
		return fanOut(ctx, []Tasker{s.next}, targets)
	})
}

// StorageTestsslTargetlistStage sends every open https service downstream.
type StorageTestsslTargetlistStage struct {
	scheduledStage
	storage storage.Storage
	next    Tasker
}

// Run implements Stage.
func (s *StorageTestsslTargetlistStage) Run(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		endpoints, err := s.storage.OpenServices(ctx, "tcp", 443)
		if err != nil {
			return err
		}
		targets := ProjectEndpoints(endpoints)
		s.logger.Info("Projected targets", "count", len(targets))
		return fanOut(ctx, []Tasker{s.next}, targets)
	})
}

// StorageCleanupStage removes closed services and empty hosts every sweep.
type StorageCleanupStage struct {
	name    string
	storage storage.Storage
	logger  *logging.Logger
}

// Name implements Stage.
func (s *StorageCleanupStage) Name() string { return s.name }

// Run implements Stage.
func (s *StorageCleanupStage) Run(ctx context.Context) error {
	result, err := s.storage.Cleanup(ctx)
	if err != nil {
		return err
	}
	if result.Services > 0 || result.Hosts > 0 {
		s.logger.Info("Storage cleaned up", "services", result.Services, "hosts", result.Hosts)
	}
	return nil
}

// RebuildVersioninfoStage recreates the versioninfo map on its schedule.
type RebuildVersioninfoStage struct {
	scheduledStage
	storage storage.Storage
}

// Run implements Stage.
func (s *RebuildVersioninfoStage) Run(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		count, err := s.storage.RebuildVersioninfo(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("Rebuilt versioninfo map", "entries", count)
		return nil
	})
}
