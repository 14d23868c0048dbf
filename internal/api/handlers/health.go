package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// DatabasePinger is the database as seen by the health endpoint.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// MaintenanceReporter tells whether the scheduler currently refuses to assign.
type MaintenanceReporter interface {
	Maintenance() bool
}

const pingTimeout = 5 * time.Second

// Overall states reported by /health.
const (
	StatusHealthy     = "healthy"
	StatusUnhealthy   = "unhealthy"
	StatusMaintenance = "maintenance"
)

// Per component check results.
const (
	CheckOK      = "ok"
	CheckSkipped = "not configured"
)

// HealthResponse is the body of /health. Agents only care about the status
// code; operators read the checks.
type HealthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// VersionResponse is the body of /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// HealthHandler serves /health and /version.
type HealthHandler struct {
	database  DatabasePinger
	scheduler MaintenanceReporter
	logger    *slog.Logger
	started   time.Time
}

// NewHealthHandler creates a health handler. Both collaborators may be nil.
func NewHealthHandler(database DatabasePinger, scheduler MaintenanceReporter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		database:  database,
		scheduler: scheduler,
		logger:    logger.With("handler", "health"),
		started:   time.Now(),
	}
}

// Health answers 503 when the database is unreachable. A scheduler in
// maintenance mode is reported but still answers 200.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        StatusHealthy,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Checks: map[string]string{
			"database":  h.checkDatabase(r.Context()),
			"scheduler": h.checkScheduler(),
		},
	}

	code := http.StatusOK
	switch {
	case resp.Checks["database"] != CheckOK && resp.Checks["database"] != CheckSkipped:
		resp.Status = StatusUnhealthy
		code = http.StatusServiceUnavailable
	case resp.Checks["scheduler"] == StatusMaintenance:
		resp.Status = StatusMaintenance
	}
	writeJSON(w, r, code, resp)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) string {
	if h.database == nil {
		return CheckSkipped
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.database.Ping(ctx); err != nil {
		h.logger.Warn("Database ping failed", "error", err)
		return "failed: " + err.Error()
	}
	return CheckOK
}

func (h *HealthHandler) checkScheduler() string {
	switch {
	case h.scheduler == nil:
		return CheckSkipped
	case h.scheduler.Maintenance():
		return StatusMaintenance
	default:
		return CheckOK
	}
}

// Version reports the build the server runs.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   build.version,
		Commit:    build.commit,
		BuildTime: build.time,
		GoVersion: runtime.Version(),
	})
}

var build = struct{ version, commit, time string }{"dev", "none", "unknown"}

// SetBuildInfo records the ldflags build information for /version.
func SetBuildInfo(version, commit, buildTime string) {
	build.version, build.commit, build.time = version, commit, buildTime
}
