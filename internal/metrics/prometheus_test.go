package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_Initialization(t *testing.T) {
	pm := newPrometheusMetrics()
	if pm == nil {
		t.Fatalf("newPrometheusMetrics returned nil")
	}
	if pm.GetRegistry() == nil {
		t.Fatalf("GetRegistry returned nil")
	}

	before := pm.GetUptime()
	time.Sleep(10 * time.Millisecond)
	if after := pm.GetUptime(); before >= after {
		t.Fatalf("expected uptime to increase, before=%v after=%v", before, after)
	}
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := newPrometheusMetrics()
	pm.IncrementAssignments("nmap.top", "assigned")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `scanfleet_scheduler_assign_requests_total{queue="nmap.top",status="assigned"} 1`) {
		t.Fatalf("expected assign counter in output, got: %s", body[:min(300, len(body))])
	}
}

func TestPrometheusMetrics_SchedulerMetrics(t *testing.T) {
	pm := newPrometheusMetrics()

	pm.IncrementAssignments("nmap.top", "assigned")
	pm.IncrementAssignments("nmap.top", "assigned")
	pm.IncrementAssignments("", "nowork")
	if count := testutil.CollectAndCount(pm.assignments); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
	if v := testutil.ToFloat64(pm.assignments.WithLabelValues("nmap.top", "assigned")); v != 2 {
		t.Errorf("expected 2 assignments, got %v", v)
	}

	pm.IncrementOutputs("success")
	pm.IncrementOutputs("discard")
	if count := testutil.CollectAndCount(pm.outputs); count != 2 {
		t.Errorf("expected 2 output statuses, got %d", count)
	}

	pm.AddEnqueued("six_dns", 128)
	if v := testutil.ToFloat64(pm.enqueued.WithLabelValues("six_dns")); v != 128 {
		t.Errorf("expected 128 enqueued targets, got %v", v)
	}

	pm.ObserveLockWait("scheduler", 20*time.Millisecond, true)
	pm.ObserveLockWait("scheduler", 3*time.Second, false)
	if count := testutil.CollectAndCount(pm.lockWait); count != 2 {
		t.Errorf("expected 2 lock histograms, got %d", count)
	}
}

func TestPrometheusMetrics_PlannerMetrics(t *testing.T) {
	pm := newPrometheusMetrics()

	pm.RecordStageRun("basic_scan:service_disco", time.Second, nil)
	pm.RecordStageRun("basic_scan:service_disco", time.Second, errors.New("parse"))
	pm.RecordStageRun("storage_cleanup", time.Millisecond, nil)

	if count := testutil.CollectAndCount(pm.stageRuns); count != 3 {
		t.Errorf("expected 3 stage/status combinations, got %d", count)
	}
	if count := testutil.CollectAndCount(pm.stageDuration); count != 2 {
		t.Errorf("expected 2 stage histograms, got %d", count)
	}

	pm.IncrementSweeps()
	pm.IncrementSweeps()
	if v := testutil.ToFloat64(pm.sweeps); v != 2 {
		t.Errorf("expected 2 sweeps, got %v", v)
	}

	pm.IncrementDrainedJobs("nmap.top", "success")
	pm.IncrementDrainedJobs("nmap.top", "parse_failure")
	if count := testutil.CollectAndCount(pm.drainedJobs); count != 2 {
		t.Errorf("expected 2 drained job outcomes, got %d", count)
	}
}

func TestPrometheusMetrics_APIMetrics(t *testing.T) {
	pm := newPrometheusMetrics()

	pm.RecordHTTPRequest("POST", "/api/v2/scheduler/job/assign", 200, 5*time.Millisecond)
	pm.RecordHTTPRequest("POST", "/api/v2/scheduler/job/output", 429, time.Millisecond)

	if count := testutil.CollectAndCount(pm.httpRequests); count != 2 {
		t.Errorf("expected 2 request series, got %d", count)
	}
	if count := testutil.CollectAndCount(pm.httpDuration); count != 2 {
		t.Errorf("expected 2 duration series, got %d", count)
	}
}

func TestPrometheusMetrics_GlobalInstance(t *testing.T) {
	first := GetGlobalMetrics()
	second := GetGlobalMetrics()
	if first != second {
		t.Fatalf("expected the same global instance")
	}

	IncrementAssignments("global", "assigned")
	IncrementOutputs("success")
	AddEnqueued("global", 1)
	ObserveLockWait("scheduler", time.Millisecond, true)
	RecordStageRun("global", time.Millisecond, nil)
	IncrementSweeps()
	IncrementDrainedJobs("global", "success")
	RecordHTTPRequest("GET", "/health", 200, time.Millisecond)

	if v := testutil.ToFloat64(first.assignments.WithLabelValues("global", "assigned")); v < 1 {
		t.Errorf("expected global assignment counter to be incremented, got %v", v)
	}
}
