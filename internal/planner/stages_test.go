package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanfleet/internal/parser"
	"github.com/anstrom/scanfleet/internal/storage"
)

func TestScheduleRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sched, err := NewSchedule("basic_scan__netlist", "1h", env.deps)
	require.NoError(t, err)

	runs := 0
	action := func(context.Context) error { runs++; return nil }

	ran, err := sched.Run(ctx, action)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, env.now, env.lastrun.runs["basic_scan__netlist"])

	env.now = env.now.Add(30 * time.Minute)
	ran, err = sched.Run(ctx, action)
	require.NoError(t, err)
	assert.False(t, ran)

	env.now = env.now.Add(30 * time.Minute)
	ran, err = sched.Run(ctx, action)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, runs)
}

func TestScheduleZeroIntervalAlwaysDue(t *testing.T) {
	env := newTestEnv(t)
	sched, err := NewSchedule("always", "0s", env.deps)
	require.NoError(t, err)

	env.lastrun.runs["always"] = env.now
	due, err := sched.Due(context.Background())
	require.NoError(t, err)
	assert.True(t, due)
}

func TestScheduleInvalid(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewSchedule("broken", "every now and then", env.deps)
	assert.Error(t, err)
}

func TestNetlistStage(t *testing.T) {
	env := newTestEnv(t)
	sched, err := NewSchedule("netlist", "1d", env.deps)
	require.NoError(t, err)

	next := &recordingTasker{}
	stage := &NetlistStage{
		scheduledStage: newScheduledStage("basic_scan:netlist", sched, env.deps),
		networks:       []string{"192.0.2.0/30", "198.51.100.7"},
		next:           []Tasker{next},
	}

	require.NoError(t, stage.Run(context.Background()))
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2", "198.51.100.7"}, next.all())

	// not due again
	require.NoError(t, stage.Run(context.Background()))
	assert.Len(t, next.targets, 1)
}

func TestServiceDiscoStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	queue := env.queues.add("disco", "nmap")
	env.spool(t, queue, "job-1", "<nmaprun/>")

	bundle := items("192.0.2.1", "open:syn-ack", 22, 80)
	bundle.UpsertService("192.0.2.1", "tcp", 25).State = "closed:reset"
	bundle.Merge(items("192.0.2.66", "open:syn-ack", portRange(250)...))
	env.parser.EXPECT().Parse(gomock.Any(), gomock.Any(), gomock.Any()).Return(bundle, nil)

	h, err := NewQueueHandler(ctx, env.deps, "disco")
	require.NoError(t, err)

	first, second := &recordingTasker{}, &recordingTasker{}
	stage := &ServiceDiscoStage{queueStage: newQueueStage("basic_scan:service_disco", h, env.deps), next: []Tasker{first, second}}

	require.NoError(t, stage.Run(ctx))
	assert.Equal(t, []string{"tcp://192.0.2.1:22", "tcp://192.0.2.1:80"}, first.all())
	assert.Equal(t, first.all(), second.all())
}

func TestSixDiscoStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	queue := env.queues.add("six_dns", "nmap")
	env.spool(t, queue, "job-1", "{}")

	bundle := parser.NewParsedItems()
	bundle.UpsertHost("2001:db8::1")
	bundle.UpsertHost("2001:db8:ffff::1")
	env.parser.EXPECT().Parse(gomock.Any(), gomock.Any(), gomock.Any()).Return(bundle, nil)

	h, err := NewQueueHandler(ctx, env.deps, "six_dns")
	require.NoError(t, err)
	nets, err := ParseNetworks([]string{"2001:db8::/48"})
	require.NoError(t, err)

	next := &recordingTasker{}
	stage := &SixDiscoStage{queueStage: newQueueStage("six_disco:dns_disco", h, env.deps), filternets: nets, next: next}

	require.NoError(t, stage.Run(ctx))
	assert.Equal(t, []string{"2001:db8::1"}, next.all())
}

func TestStorageLoaderStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	queue := env.queues.add("version", "nmap")
	env.spool(t, queue, "job-1", "<nmaprun/>")

	bundle := items("192.0.2.1", "open:syn-ack", 22)
	env.parser.EXPECT().Parse(gomock.Any(), gomock.Any(), gomock.Any()).Return(bundle, nil)
	env.storage.EXPECT().Import(gomock.Any(), bundle).Return(nil)

	h, err := NewQueueHandler(ctx, env.deps, "version")
	require.NoError(t, err)
	stage := &StorageLoaderStage{queueStage: newQueueStage("basic_scan:version", h, env.deps), storage: env.storage}

	require.NoError(t, stage.Run(ctx))
	assert.Equal(t, []string{"job-1"}, env.queues.deleted)
}

func TestStorageLoaderNucleiStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	queue := env.queues.add("nuclei", "nmap")
	env.spool(t, queue, "job-1", "[]")

	bundle := parser.NewParsedItems()
	bundle.UpsertVuln(&parser.Vuln{Address: "192.0.2.1", Name: "exposed panel", XType: "nuclei.panel", ViaTarget: "www.example.com"})
	env.parser.EXPECT().Parse(gomock.Any(), gomock.Any(), gomock.Any()).Return(bundle, nil)

	gomock.InOrder(
		env.storage.EXPECT().Import(gomock.Any(), bundle).Return(nil),
		env.storage.EXPECT().PruneNucleiVulns(gomock.Any(), bundle).Return(int64(3), nil),
	)

	h, err := NewQueueHandler(ctx, env.deps, "nuclei")
	require.NoError(t, err)
	stage := &StorageLoaderNucleiStage{queueStage: newQueueStage("nuclei_scan:load", h, env.deps), storage: env.storage}

	require.NoError(t, stage.Run(ctx))
}

func TestStorageLoaderSportmapStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	queue := env.queues.add("sportmap", "nmap")
	env.spool(t, queue, "job-1", "PK")

	bundle := parser.NewParsedItems()
	bundle.UpsertHost("192.0.2.1")
	bundle.UpsertHost("192.0.2.2")
	bundle.UpsertService("192.0.2.2", "tcp", 22).State = "open:syn-ack"
	bundle.UpsertNote(&parser.Note{Address: "192.0.2.1", XType: "sportmap", ViaTarget: "192.0.2.1", Data: "{}"})
	env.parser.EXPECT().Parse(gomock.Any(), gomock.Any(), gomock.Any()).Return(bundle, nil)

	env.storage.EXPECT().Import(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, imported *parser.ParsedItems) error {
			assert.Equal(t, []string{"192.0.2.1"}, ProjectHosts(imported))
			assert.Empty(t, imported.Services)
			return nil
		})
	env.storage.EXPECT().PruneSportmapNotes(gomock.Any(), []string{"192.0.2.2"}).Return(int64(1), nil)

	h, err := NewQueueHandler(ctx, env.deps, "sportmap")
	require.NoError(t, err)
	stage := &StorageLoaderSportmapStage{queueStage: newQueueStage("sportmap_scan:load", h, env.deps), storage: env.storage}

	require.NoError(t, stage.Run(ctx))
}

func TestStorageRescanStage(t *testing.T) {
	env := newTestEnv(t)
	sched, err := NewSchedule("basic_rescan", "1h", env.deps)
	require.NoError(t, err)
	nets, err := ParseNetworks([]string{"2001:db8::/64"})
	require.NoError(t, err)

	env.storage.EXPECT().RescanHosts(gomock.Any(), 24*time.Hour).
		Return([]string{"192.0.2.1", "2001:db8::1", "2001:db8:9::1"}, nil)
	env.storage.EXPECT().RescanServices(gomock.Any(), 48*time.Hour).
		Return([]storage.Endpoint{
			{Address: "192.0.2.1", Proto: "tcp", Port: 22},
			{Address: "2001:db8:9::1", Proto: "tcp", Port: 80},
		}, nil)

	disco, scan := &recordingTasker{}, &recordingTasker{}
	stage := &StorageRescanStage{
		scheduledStage:  newScheduledStage("basic_rescan", sched, env.deps),
		storage:         env.storage,
		hostInterval:    24 * time.Hour,
		serviceInterval: 48 * time.Hour,
		filternets:      nets,
		serviceDisco:    disco,
		serviceScans:    []Tasker{scan},
	}

	require.NoError(t, stage.Run(context.Background()))
	assert.Equal(t, []string{"192.0.2.1", "2001:db8::1"}, disco.all())
	assert.Equal(t, []string{"tcp://192.0.2.1:22"}, scan.all())
}

func TestStorageSixTargetlistStages(t *testing.T) {
	env := newTestEnv(t)
	nets, err := ParseNetworks([]string{"2001:db8::/48"})
	require.NoError(t, err)

	env.storage.EXPECT().SixAddresses(gomock.Any()).
		Return([]string{"2001:db8::1", "2001:db8:0:2::10", "2001:db9::1"}, nil).Times(2)

	sched, err := NewSchedule("six", "1h", env.deps)
	require.NoError(t, err)
	plain := &recordingTasker{}
	six := &StorageSixTargetlistStage{
		scheduledStage: newScheduledStage("nuclei_scan:storage_six_targetlist", sched, env.deps),
		storage:        env.storage, filternets: nets, next: plain,
	}
	require.NoError(t, six.Run(context.Background()))
	assert.Equal(t, []string{"2001:db8::1", "2001:db8:0:2::10"}, plain.all())

	enumSched, err := NewSchedule("six_enum", "1h", env.deps)
	require.NoError(t, err)
	enum := &recordingTasker{}
	sixEnum := &StorageSixEnumTargetlistStage{
		scheduledStage: newScheduledStage("six_disco:storage_six_enum_targetlist", enumSched, env.deps),
		storage:        env.storage, filternets: nets, next: enum,
	}
	require.NoError(t, sixEnum.Run(context.Background()))
	assert.Equal(t, []string{"sixenum://2001:0db8:0000:0000:0000:0000:0000:0-ffff", "sixenum://2001:0db8:0000:0002:0000:0000:0000:0-ffff"}, enum.all())
}

func TestStorageTestsslTargetlistStage(t *testing.T) {
	env := newTestEnv(t)
	sched, err := NewSchedule("testssl", "1h", env.deps)
	require.NoError(t, err)

	env.storage.EXPECT().OpenServices(gomock.Any(), "tcp", 443).
		Return([]storage.Endpoint{{Address: "192.0.2.1", Proto: "tcp", Port: 443}}, nil)

	next := &recordingTasker{}
	stage := &StorageTestsslTargetlistStage{
		scheduledStage: newScheduledStage("testssl_scan:targetlist", sched, env.deps),
		storage:        env.storage, next: next,
	}
	require.NoError(t, stage.Run(context.Background()))
	assert.Equal(t, []string{"tcp://192.0.2.1:443"}, next.all())
}

func TestStorageCleanupAndRebuildStages(t *testing.T) {
	env := newTestEnv(t)
	env.storage.EXPECT().Cleanup(gomock.Any()).Return(&storage.CleanupResult{Services: 2, Hosts: 1}, nil)
	env.storage.EXPECT().RebuildVersioninfo(gomock.Any()).Return(12, nil)

	cleanup := &StorageCleanupStage{name: "storage_cleanup", storage: env.storage, logger: env.deps.Logger}
	require.NoError(t, cleanup.Run(context.Background()))

	sched, err := NewSchedule("rebuild_versioninfo_map", "1d", env.deps)
	require.NoError(t, err)
	rebuild := &RebuildVersioninfoStage{
		scheduledStage: newScheduledStage("rebuild_versioninfo_map", sched, env.deps),
		storage:        env.storage,
	}
	require.NoError(t, rebuild.Run(context.Background()))
}
