package planner

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanfleet/internal/archive"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/parser"
	parsermocks "github.com/anstrom/scanfleet/internal/parser/mocks"
	storagemocks "github.com/anstrom/scanfleet/internal/storage/mocks"
)

type fakeScheduler struct {
	mu       sync.Mutex
	excluded map[string]bool
	enqueued map[string][]string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{excluded: map[string]bool{}, enqueued: map[string][]string{}}
}

func (f *fakeScheduler) Enqueue(_ context.Context, queueName string, targets []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued[queueName] = append(f.enqueued[queueName], targets...)
	return len(targets), nil
}

func (f *fakeScheduler) FilterExcluded(_ context.Context, targets []string) ([]string, error) {
	var kept []string
	for _, target := range targets {
		if !f.excluded[target] {
			kept = append(kept, target)
		}
	}
	return kept, nil
}

type fakeQueues struct {
	queues  map[string]*db.Queue
	pending map[int64][]string
	jobs    map[int64][]*db.Job
	retvals map[string]int
	ensured []string
	deleted []string

	// deleteErrs is returned, one per call, before deletes succeed.
	deleteErrs []error
}

func newFakeQueues() *fakeQueues {
	return &fakeQueues{
		queues:  map[string]*db.Queue{},
		pending: map[int64][]string{},
		jobs:    map[int64][]*db.Job{},
		retvals: map[string]int{},
	}
}

// add registers a queue bound to an agent module.
func (f *fakeQueues) add(name, module string) *db.Queue {
	q := &db.Queue{ID: int64(len(f.queues) + 1), Name: name, Config: "module: " + module, GroupSize: 1, Active: true}
	f.queues[name] = q
	return q
}

func (f *fakeQueues) finish(queue *db.Queue, jobID string) *db.Job {
	zero := 0
	job := &db.Job{ID: jobID, QueueID: &queue.ID, Retval: &zero}
	f.jobs[queue.ID] = append(f.jobs[queue.ID], job)
	return job
}

func (f *fakeQueues) Ensure(_ context.Context, q *db.Queue) error {
	f.ensured = append(f.ensured, q.Name)
	if existing, ok := f.queues[q.Name]; ok {
		q.ID = existing.ID
	} else {
		q.ID = int64(len(f.queues) + 1)
	}
	f.queues[q.Name] = q
	return nil
}

func (f *fakeQueues) GetByName(_ context.Context, name string) (*db.Queue, error) {
	q, ok := f.queues[name]
	if !ok {
		return nil, errors.ErrQueueNotFound(name)
	}
	return q, nil
}

func (f *fakeQueues) TargetValues(_ context.Context, queueID int64) ([]string, error) {
	return f.pending[queueID], nil
}

func (f *fakeQueues) ListCompleted(_ context.Context, queueID int64, retval int) ([]*db.Job, error) {
	var out []*db.Job
	for _, job := range f.jobs[queueID] {
		if job.Retval != nil && *job.Retval == retval {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeQueues) SetRetval(_ context.Context, id string, retval int) error {
	f.retvals[id] = retval
	for _, jobs := range f.jobs {
		for _, job := range jobs {
			if job.ID == id {
				value := retval
				job.Retval = &value
			}
		}
	}
	return nil
}

func (f *fakeQueues) DeleteJob(_ context.Context, id string) error {
	if len(f.deleteErrs) > 0 {
		err := f.deleteErrs[0]
		f.deleteErrs = f.deleteErrs[1:]
		return err
	}
	f.deleted = append(f.deleted, id)
	for queueID, jobs := range f.jobs {
		for i, job := range jobs {
			if job.ID == id {
				f.jobs[queueID] = append(jobs[:i:i], jobs[i+1:]...)
				break
			}
		}
	}
	return nil
}

type fakeLastrun struct {
	runs map[string]time.Time
}

func (f *fakeLastrun) Get(_ context.Context, lockname string) (time.Time, error) {
	return f.runs[lockname], nil
}

func (f *fakeLastrun) Set(_ context.Context, lockname string, at time.Time) error {
	f.runs[lockname] = at
	return nil
}

type testEnv struct {
	deps     *Deps
	sched    *fakeScheduler
	queues   *fakeQueues
	lastrun  *fakeLastrun
	outputs  *archive.OutputStore
	archived *archive.FileStore
	storage  *storagemocks.MockStorage
	parser   *parsermocks.MockParser
	now      time.Time
}

// newTestEnv builds deps over in-memory fakes. The mock parser serves the
// nmap module; other built-in parsers stay registered.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)

	dir := t.TempDir()
	spool, err := archive.NewFileStore(filepath.Join(dir, "spool"))
	require.NoError(t, err)
	archived, err := archive.NewFileStore(filepath.Join(dir, "archive"))
	require.NoError(t, err)

	env := &testEnv{
		sched:    newFakeScheduler(),
		queues:   newFakeQueues(),
		lastrun:  &fakeLastrun{runs: map[string]time.Time{}},
		outputs:  archive.NewOutputStore(spool, archived, logging.Default()),
		archived: archived,
		storage:  storagemocks.NewMockStorage(ctrl),
		parser:   parsermocks.NewMockParser(ctrl),
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	registry := parser.NewRegistry()
	registry.Register("nmap", env.parser)

	env.deps = &Deps{
		Scheduler: env.sched,
		Queues:    env.queues,
		Outputs:   env.outputs,
		Parsers:   registry,
		Storage:   env.storage,
		Lastrun:   env.lastrun,
		Logger:    logging.Default(),
		Now:       func() time.Time { return env.now },
	}
	return env
}

// spool writes a finished job output for queue.
func (e *testEnv) spool(t *testing.T, queue *db.Queue, jobID string, output string) *db.Job {
	t.Helper()
	require.NoError(t, e.outputs.Write(context.Background(), queue.Name, jobID, []byte(output)))
	return e.queues.finish(queue, jobID)
}

// items builds a bundle with one service per entry of ports on address.
func items(address string, state string, ports ...int) *parser.ParsedItems {
	out := parser.NewParsedItems()
	out.UpsertHost(address)
	for _, port := range ports {
		out.UpsertService(address, "tcp", port).State = state
	}
	return out
}

type recordingTasker struct {
	targets [][]string
}

func (r *recordingTasker) Task(_ context.Context, targets []string) error {
	r.targets = append(r.targets, targets)
	return nil
}

func (r *recordingTasker) all() []string {
	var out []string
	for _, batch := range r.targets {
		out = append(out, batch...)
	}
	return out
}
