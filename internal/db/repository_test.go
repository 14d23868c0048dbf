package db

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/errors"
)

var queueCols = []string{"id", "name", "config", "group_size", "priority", "active", "reqs"}

func TestValidateQueue(t *testing.T) {
	tests := []struct {
		name    string
		queue   Queue
		wantErr bool
	}{
		{"valid", Queue{Name: "nmap.top", GroupSize: 8, Config: "module: nmap\nargs: -sS"}, false},
		{"empty config", Queue{Name: "dummy", GroupSize: 1}, false},
		{"missing name", Queue{GroupSize: 1}, true},
		{"zero group size", Queue{Name: "q", GroupSize: 0}, true},
		{"bad yaml", Queue{Name: "q", GroupSize: 1, Config: "module: [nmap"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.queue
			err := ValidateQueue(&q)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, q.Reqs)
		})
	}
}

func TestQueueModule(t *testing.T) {
	q := Queue{Name: "nmap.top", Config: "module: nmap\nargs: -sS -Pn\ntiming_perhost: 2\n"}
	cfg, err := q.ModuleConfig()
	require.NoError(t, err)
	assert.Equal(t, "nmap", cfg["module"])
	assert.Equal(t, 2, cfg["timing_perhost"])
	assert.Equal(t, "nmap", q.Module())

	empty := Queue{Name: "empty"}
	cfg, err = empty.ModuleConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg)
	assert.Equal(t, "", empty.Module())
}

func TestQueueRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO queue (name, config, group_size, priority, active, reqs)")).
			WithArgs("nmap.top", "module: nmap", 4, 10, true, pq.StringArray{"ipv6"}).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		q := &Queue{Name: "nmap.top", Config: "module: nmap", GroupSize: 4, Priority: 10, Active: true,
			Reqs: pq.StringArray{"ipv6"}}
		require.NoError(t, NewQueueRepository(database).Create(ctx, q))
		assert.Equal(t, int64(7), q.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("create duplicate", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("INSERT INTO queue").WillReturnError(&pq.Error{Code: "23505"})

		err := NewQueueRepository(database).Create(ctx, &Queue{Name: "dup", GroupSize: 1})
		assert.True(t, errors.IsCode(err, errors.CodeConflict))
	})

	t.Run("get by name", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("SELECT (.+) FROM queue WHERE name = \\$1").
			WithArgs("nmap.top").
			WillReturnRows(sqlmock.NewRows(queueCols).AddRow(3, "nmap.top", "module: nmap", 2, 5, true, "{}"))

		q, err := NewQueueRepository(database).GetByName(ctx, "nmap.top")
		require.NoError(t, err)
		assert.Equal(t, int64(3), q.ID)
		assert.Equal(t, 2, q.GroupSize)
		assert.Empty(t, q.Reqs)
	})

	t.Run("get by name missing", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("SELECT (.+) FROM queue WHERE name").WillReturnError(sql.ErrNoRows)

		_, err := NewQueueRepository(database).GetByName(ctx, "nope")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
		assert.Contains(t, err.Error(), "nope")
	})

	t.Run("list with stats", func(t *testing.T) {
		database, mock := newMockDB(t)
		cols := append(append([]string{}, queueCols...), "targets", "jobs")
		mock.ExpectQuery("ORDER BY q.priority DESC, q.id ASC").
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow(2, "high", "", 1, 10, true, "{}", 5, 1).
				AddRow(1, "low", "", 1, 0, true, "{ipv6}", 0, 0))

		queues, err := NewQueueRepository(database).List(ctx)
		require.NoError(t, err)
		require.Len(t, queues, 2)
		assert.Equal(t, "high", queues[0].Name)
		assert.Equal(t, int64(5), queues[0].Targets)
		assert.Equal(t, pq.StringArray{"ipv6"}, queues[1].Reqs)
	})

	t.Run("delete missing", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectExec("DELETE FROM queue WHERE name").WithArgs("gone").WillReturnResult(sqlmock.NewResult(0, 0))

		err := NewQueueRepository(database).Delete(ctx, "gone")
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	})
}

func TestJobRepository(t *testing.T) {
	ctx := context.Background()
	cols := []string{"id", "queue_id", "assignment", "retval", "time_start", "time_end"}
	now := time.Now()

	t.Run("get running", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("SELECT (.+) FROM job WHERE id = \\$1").
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("job-1", 1, `{"id":"job-1"}`, nil, now, nil))

		job, err := NewJobRepository(database).GetRunning(ctx, "job-1")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.True(t, job.IsRunning())
	})

	t.Run("get running on finished job", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("SELECT (.+) FROM job WHERE id").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("job-1", 1, `{}`, 0, now, now))

		job, err := NewJobRepository(database).GetRunning(ctx, "job-1")
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("get running missing", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("SELECT (.+) FROM job WHERE id").WillReturnError(sql.ErrNoRows)

		job, err := NewJobRepository(database).GetRunning(ctx, "job-x")
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("list completed", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("FROM job WHERE queue_id = \\$1 AND retval = \\$2").
			WithArgs(int64(4), 0).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("a", 4, `{"id":"a","config":{},"targets":["192.0.2.1"]}`, 0, now, now))

		jobs, err := NewJobRepository(database).ListCompleted(ctx, 4, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assignment, err := jobs[0].DecodeAssignment()
		require.NoError(t, err)
		assert.Equal(t, []string{"192.0.2.1"}, assignment.Targets)
	})

	t.Run("list by queue and running", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("FROM job WHERE queue_id = \\$1 ORDER BY time_start").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("a", 2, `{}`, 0, now, now).
				AddRow("b", 2, `{}`, nil, now, nil))
		mock.ExpectQuery("FROM job WHERE retval IS NULL").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("b", 2, `{}`, nil, now, nil))

		repo := NewJobRepository(database)
		jobs, err := repo.ListByQueue(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)

		running, err := repo.ListRunning(ctx)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "b", running[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete only finished jobs", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectExec("DELETE FROM job WHERE id = \\$1 AND retval IS NOT NULL").
			WithArgs("done").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("DELETE FROM job WHERE id = \\$1 AND retval IS NOT NULL").
			WithArgs("running").WillReturnResult(sqlmock.NewResult(0, 0))

		repo := NewJobRepository(database)
		require.NoError(t, repo.Delete(ctx, "done"))
		err := repo.Delete(ctx, "running")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("set retval", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectExec("UPDATE job SET retval").WithArgs("a", 1000).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, NewJobRepository(database).SetRetval(ctx, "a", 1000))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestExclRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("validate", func(t *testing.T) {
		assert.NoError(t, ValidateExcl(&Excl{Family: ExclNetwork, Value: "192.0.2.0/24"}))
		assert.NoError(t, ValidateExcl(&Excl{Family: ExclNetwork, Value: "2001:db8::/32"}))
		assert.NoError(t, ValidateExcl(&Excl{Family: ExclNetwork, Value: "192.0.2.1"}))
		assert.NoError(t, ValidateExcl(&Excl{Family: ExclRegex, Value: `notarget[0-9]+`}))
		assert.Error(t, ValidateExcl(&Excl{Family: ExclNetwork, Value: "not-a-net"}))
		assert.Error(t, ValidateExcl(&Excl{Family: ExclRegex, Value: `(`}))
		assert.Error(t, ValidateExcl(&Excl{Family: "OTHER", Value: "x"}))
	})

	t.Run("list", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("SELECT id, family, value, comment FROM excl").
			WillReturnRows(sqlmock.NewRows([]string{"id", "family", "value", "comment"}).
				AddRow(1, "NETWORK", "10.0.0.0/8", nil).
				AddRow(2, "REGEX", "^tcp://", "no tcp"))

		rules, err := NewExclRepository(database).List(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, ExclNetwork, rules[0].Family)
		require.NotNil(t, rules[1].Comment)
		assert.Equal(t, "no tcp", *rules[1].Comment)
	})

	t.Run("create", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("INSERT INTO excl").
			WithArgs(ExclRegex, "^udp://", nil).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

		rule := &Excl{Family: ExclRegex, Value: "^udp://"}
		require.NoError(t, NewExclRepository(database).Create(ctx, rule))
		assert.Equal(t, int64(9), rule.ID)
	})
}

func TestLastrunRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("never ran", func(t *testing.T) {
		database, mock := newMockDB(t)
		mock.ExpectQuery("SELECT lastrun FROM planner_lastrun").
			WithArgs("basic_scan:netlist").
			WillReturnError(sql.ErrNoRows)

		last, err := NewLastrunRepository(database).Get(ctx, "basic_scan:netlist")
		require.NoError(t, err)
		assert.True(t, last.IsZero())
	})

	t.Run("set", func(t *testing.T) {
		database, mock := newMockDB(t)
		at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		mock.ExpectExec("INSERT INTO planner_lastrun").
			WithArgs("basic_scan:netlist", at).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, NewLastrunRepository(database).Set(ctx, "basic_scan:netlist", at))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
