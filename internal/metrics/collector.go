package metrics

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
)

const collectTimeout = 10 * time.Second

// DBCollector exports storage and scheduler state read from the database on
// every scrape.
type DBCollector struct {
	db           sqlx.QueryerContext
	staleHorizon time.Duration

	storageTotals  *prometheus.Desc
	queueTargets   *prometheus.Desc
	targets        *prometheus.Desc
	jobs           *prometheus.Desc
	heatHashvals   *prometheus.Desc
	heatTargets    *prometheus.Desc
	readynets      *prometheus.Desc
	collectFailure *prometheus.Desc
}

// NewDBCollector creates a collector. Running jobs started before
// staleHorizon are reported as stale.
func NewDBCollector(db sqlx.QueryerContext, staleHorizon time.Duration) *DBCollector {
	return &DBCollector{
		db:           db,
		staleHorizon: staleHorizon,
		storageTotals: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystemStorage, "objects_total"),
			"Stored objects by kind", []string{"kind"}, nil),
		queueTargets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystemScheduler, "queue_targets_total"),
			"Pending targets by queue", []string{"name"}, nil),
		targets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystemScheduler, "targets_total"),
			"Pending targets in all queues", nil, nil),
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystemScheduler, "jobs_total"),
			"Jobs by state", []string{"state"}, nil),
		heatHashvals: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystemScheduler, "heatmap_hashvals_total"),
			"Buckets with non-zero heat", nil, nil),
		heatTargets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystemScheduler, "heatmap_targets_total"),
			"Sum of heat over all buckets", nil, nil),
		readynets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystemScheduler, "readynets_available_total"),
			"Distinct buckets ready for assignment", nil, nil),
		collectFailure: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "collector_errors"),
			"Database collector query failures during the last scrape", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *DBCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.storageTotals
	ch <- c.queueTargets
	ch <- c.targets
	ch <- c.jobs
	ch <- c.heatHashvals
	ch <- c.heatTargets
	ch <- c.readynets
	ch <- c.collectFailure
}

type labeledCount struct {
	Label string `db:"label"`
	Count int64  `db:"count"`
}

// Collect implements prometheus.Collector.
func (c *DBCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	failures := 0
	gauge := func(desc *prometheus.Desc, query string, args []any, labels ...string) {
		var value float64
		if err := sqlx.GetContext(ctx, c.db, &value, query, args...); err != nil {
			failures++
			return
		}
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labels...)
	}

	var storage []labeledCount
	if err := sqlx.SelectContext(ctx, c.db, &storage, `
		SELECT 'hosts' AS label, COUNT(*) AS count FROM host
		UNION ALL SELECT 'services', COUNT(*) FROM service
		UNION ALL SELECT 'vulns', COUNT(*) FROM vuln
		UNION ALL SELECT 'notes', COUNT(*) FROM note
		UNION ALL SELECT 'versioninfo', COUNT(*) FROM versioninfo`); err != nil {
		failures++
	}
	for _, row := range storage {
		ch <- prometheus.MustNewConstMetric(c.storageTotals, prometheus.GaugeValue, float64(row.Count), row.Label)
	}

	var queues []labeledCount
	if err := sqlx.SelectContext(ctx, c.db, &queues, `
		SELECT q.name AS label, COUNT(t.id) AS count
		FROM queue q LEFT JOIN target t ON t.queue_id = q.id
		GROUP BY q.name ORDER BY q.name`); err != nil {
		failures++
	}
	for _, row := range queues {
		ch <- prometheus.MustNewConstMetric(c.queueTargets, prometheus.GaugeValue, float64(row.Count), row.Label)
	}
	gauge(c.targets, `SELECT COUNT(*) FROM target`, nil)

	horizon := time.Now().UTC().Add(-c.staleHorizon)
	gauge(c.jobs, `SELECT COUNT(*) FROM job WHERE retval IS NULL AND time_start >= $1`, []any{horizon}, "running")
	gauge(c.jobs, `SELECT COUNT(*) FROM job WHERE retval IS NULL AND time_start < $1`, []any{horizon}, "stale")
	gauge(c.jobs, `SELECT COUNT(*) FROM job WHERE retval = 0`, nil, "finished")
	gauge(c.jobs, `SELECT COUNT(*) FROM job WHERE retval <> 0`, nil, "failed")

	gauge(c.heatHashvals, `SELECT COUNT(*) FROM heatmap WHERE count <> 0`, nil)
	gauge(c.heatTargets, `SELECT COALESCE(SUM(count), 0) FROM heatmap`, nil)
	gauge(c.readynets, `SELECT COUNT(DISTINCT hashval) FROM readynet`, nil)

	ch <- prometheus.MustNewConstMetric(c.collectFailure, prometheus.GaugeValue, float64(failures))
}
