package handlers

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/anstrom/scanfleet/internal/api/middleware"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/scheduler"
)

// JobService is the scheduler side of the agent protocol.
type JobService interface {
	Assign(ctx context.Context, queueName string, caps []string) (*db.Assignment, error)
	Output(ctx context.Context, jobID string, retval int, payload []byte) (scheduler.OutputResult, error)
}

// AssignRequest asks for work, optionally from a single queue.
type AssignRequest struct {
	Queue string   `json:"queue,omitempty" validate:"omitempty,max=250"`
	Caps  []string `json:"caps,omitempty" validate:"dive,required"`
}

// OutputRequest carries the base64 encoded output of a finished job.
type OutputRequest struct {
	ID     string `json:"id" validate:"required"`
	Retval *int   `json:"retval" validate:"required"`
	Output string `json:"output"`
}

// Reply messages of the output endpoint.
const (
	MessageSuccess        = "success"
	MessageDiscard        = "discard job"
	MessageBusy           = "server busy"
	MessageInvalidRequest = "invalid request"
)

// SchedulerHandler serves job assignment and output upload.
type SchedulerHandler struct {
	jobs   JobService
	logger *slog.Logger
}

// NewSchedulerHandler creates a new scheduler handler.
func NewSchedulerHandler(jobs JobService, logger *slog.Logger) *SchedulerHandler {
	return &SchedulerHandler{
		jobs:   jobs,
		logger: logger.With("handler", "scheduler"),
	}
}

// Assign hands out a job. Lock contention and missing work both answer with
// an empty object, agents poll again later.
func (h *SchedulerHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := parseJSON(r, &req); err != nil {
		h.logger.Debug("Invalid assign request", "request_id", middleware.GetRequestID(r), "error", err)
		writeMessage(w, r, http.StatusBadRequest, MessageInvalidRequest)
		return
	}

	assignment, err := h.jobs.Assign(r.Context(), req.Queue, req.Caps)
	switch {
	case errors.IsBusy(err):
		writeJSON(w, r, http.StatusOK, struct{}{})
		return
	case err != nil:
		h.logger.Error("Job assign failed",
			"request_id", middleware.GetRequestID(r),
			"agent", middleware.GetAgent(r),
			"error", err)
		writeMessage(w, r, http.StatusInternalServerError, "internal server error")
		return
	case assignment == nil:
		writeJSON(w, r, http.StatusOK, struct{}{})
		return
	}

	h.logger.Info("Job assigned",
		"job_id", assignment.ID,
		"agent", middleware.GetAgent(r),
		"targets", len(assignment.Targets))
	writeJSON(w, r, http.StatusOK, assignment)
}

// Output stores the output of a running job.
func (h *SchedulerHandler) Output(w http.ResponseWriter, r *http.Request) {
	var req OutputRequest
	if err := parseJSON(r, &req); err != nil {
		h.logger.Debug("Invalid output request", "request_id", middleware.GetRequestID(r), "error", err)
		writeMessage(w, r, http.StatusBadRequest, MessageInvalidRequest)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Output)
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, MessageInvalidRequest)
		return
	}

	// ids that cannot name a job are discarded like repeated uploads
	if uuid.Validate(req.ID) != nil {
		writeMessage(w, r, http.StatusOK, MessageDiscard)
		return
	}

	result, err := h.jobs.Output(r.Context(), req.ID, *req.Retval, payload)
	switch {
	case errors.IsBusy(err):
		writeMessage(w, r, http.StatusTooManyRequests, MessageBusy)
		return
	case err != nil:
		h.logger.Error("Job output failed",
			"request_id", middleware.GetRequestID(r),
			"job_id", req.ID,
			"error", err)
		writeMessage(w, r, http.StatusInternalServerError, "internal server error")
		return
	case result == scheduler.OutputDiscard:
		writeMessage(w, r, http.StatusOK, MessageDiscard)
		return
	}

	h.logger.Info("Job output received",
		"job_id", req.ID,
		"agent", middleware.GetAgent(r),
		"retval", *req.Retval,
		"size", len(payload))
	writeMessage(w, r, http.StatusOK, MessageSuccess)
}
