// Package metrics provides Prometheus-based metrics collection for scanfleet.
// Counters and histograms are updated by the scheduler, planner and API
// server; database-derived gauges are produced on scrape by DBCollector.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all scanfleet metrics
	namespace = "scanfleet"

	// Subsystems
	subsystemScheduler = "scheduler"
	subsystemPlanner   = "planner"
	subsystemStorage   = "storage"
	subsystemAPI       = "api"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scheduler metrics
	assignments *prometheus.CounterVec
	outputs     *prometheus.CounterVec
	enqueued    *prometheus.CounterVec
	lockWait    *prometheus.HistogramVec

	// Planner metrics
	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	sweeps        prometheus.Counter
	drainedJobs   *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	startTime time.Time
	registry  *prometheus.Registry
}

// newPrometheusMetrics registers every collector on a private registry.
func newPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initSchedulerMetrics()
	pm.initPlannerMetrics()
	pm.initAPIMetrics()
	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initSchedulerMetrics() {
	pm.assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "assign_requests_total",
			Help:      "Job assign requests by queue and result",
		},
		[]string{"queue", "status"},
	)

	pm.outputs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "output_requests_total",
			Help:      "Job output submissions by result",
		},
		[]string{"status"},
	)

	pm.enqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "enqueued_targets_total",
			Help:      "Targets added to queues",
		},
		[]string{"queue"},
	)

	pm.lockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "lock_duration_seconds",
			Help:      "Time spent in advisory lock sections including the wait",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 3.0, 10.0},
		},
		[]string{"lock", "acquired"},
	)
}

func (pm *PrometheusMetrics) initPlannerMetrics() {
	pm.stageRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPlanner,
			Name:      "stage_runs_total",
			Help:      "Planner stage executions by stage and status",
		},
		[]string{"stage", "status"},
	)

	pm.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemPlanner,
			Name:      "stage_duration_seconds",
			Help:      "Duration of planner stage executions",
			Buckets:   []float64{0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0},
		},
		[]string{"stage"},
	)

	pm.sweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPlanner,
			Name:      "sweeps_total",
			Help:      "Completed planner sweeps",
		},
	)

	pm.drainedJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPlanner,
			Name:      "drained_jobs_total",
			Help:      "Jobs drained by queue handlers by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"method", "path"},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.assignments,
		pm.outputs,
		pm.enqueued,
		pm.lockWait,
		pm.stageRuns,
		pm.stageDuration,
		pm.sweeps,
		pm.drainedJobs,
		pm.httpRequests,
		pm.httpDuration,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// RegisterCollector adds an extra collector such as DBCollector.
func (pm *PrometheusMetrics) RegisterCollector(c prometheus.Collector) error {
	return pm.registry.Register(c)
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// IncrementAssignments counts an assign request.
func (pm *PrometheusMetrics) IncrementAssignments(queue, status string) {
	pm.assignments.WithLabelValues(queue, status).Inc()
}

// IncrementOutputs counts an output submission.
func (pm *PrometheusMetrics) IncrementOutputs(status string) {
	pm.outputs.WithLabelValues(status).Inc()
}

// AddEnqueued counts targets added to a queue.
func (pm *PrometheusMetrics) AddEnqueued(queue string, count int) {
	pm.enqueued.WithLabelValues(queue).Add(float64(count))
}

// ObserveLockWait records the duration of a locked section.
func (pm *PrometheusMetrics) ObserveLockWait(lock string, duration time.Duration, acquired bool) {
	pm.lockWait.WithLabelValues(lock, strconv.FormatBool(acquired)).Observe(duration.Seconds())
}

// RecordStageRun records one planner stage execution.
func (pm *PrometheusMetrics) RecordStageRun(stage string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pm.stageRuns.WithLabelValues(stage, status).Inc()
	pm.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncrementSweeps counts a completed planner sweep.
func (pm *PrometheusMetrics) IncrementSweeps() {
	pm.sweeps.Inc()
}

// IncrementDrainedJobs counts a job consumed by a queue handler.
func (pm *PrometheusMetrics) IncrementDrainedJobs(queue, outcome string) {
	pm.drainedJobs.WithLabelValues(queue, outcome).Inc()
}

// RecordHTTPRequest records an API request.
func (pm *PrometheusMetrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	pm.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = newPrometheusMetrics()
	})
	return globalMetrics
}

// Convenience functions using global instance

// IncrementAssignments counts an assign request using global metrics.
func IncrementAssignments(queue, status string) {
	GetGlobalMetrics().IncrementAssignments(queue, status)
}

// IncrementOutputs counts an output submission using global metrics.
func IncrementOutputs(status string) {
	GetGlobalMetrics().IncrementOutputs(status)
}

// AddEnqueued counts enqueued targets using global metrics.
func AddEnqueued(queue string, count int) {
	GetGlobalMetrics().AddEnqueued(queue, count)
}

// ObserveLockWait records a locked section using global metrics.
func ObserveLockWait(lock string, duration time.Duration, acquired bool) {
	GetGlobalMetrics().ObserveLockWait(lock, duration, acquired)
}

// RecordStageRun records a stage execution using global metrics.
func RecordStageRun(stage string, duration time.Duration, err error) {
	GetGlobalMetrics().RecordStageRun(stage, duration, err)
}

// IncrementSweeps counts a planner sweep using global metrics.
func IncrementSweeps() {
	GetGlobalMetrics().IncrementSweeps()
}

// IncrementDrainedJobs counts a drained job using global metrics.
func IncrementDrainedJobs(queue, outcome string) {
	GetGlobalMetrics().IncrementDrainedJobs(queue, outcome)
}

// RecordHTTPRequest records an API request using global metrics.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	GetGlobalMetrics().RecordHTTPRequest(method, path, status, duration)
}
