package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/scheduler"
)

const jobID = "8d8b1d4e-0f44-4a2f-9d0a-6a3c5b0f1e11"

type fakeJobs struct {
	assignment *db.Assignment
	assignErr  error
	result     scheduler.OutputResult
	outputErr  error

	queue   string
	caps    []string
	retval  int
	payload []byte
	outputs int
}

func (f *fakeJobs) Assign(_ context.Context, queueName string, caps []string) (*db.Assignment, error) {
	f.queue, f.caps = queueName, caps
	return f.assignment, f.assignErr
}

func (f *fakeJobs) Output(_ context.Context, _ string, retval int, payload []byte) (scheduler.OutputResult, error) {
	f.outputs++
	f.retval, f.payload = retval, payload
	return f.result, f.outputErr
}

func newTestHandler(jobs *fakeJobs) *SchedulerHandler {
	return NewSchedulerHandler(jobs, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func post(handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestAssign(t *testing.T) {
	tests := []struct {
		name   string
		jobs   *fakeJobs
		body   string
		status int
		want   string
	}{
		{
			name: "assignment",
			jobs: &fakeJobs{assignment: &db.Assignment{
				ID: jobID, Config: map[string]any{"module": "nmap"}, Targets: []string{"192.0.2.1"},
			}},
			body:   `{"queue":"nmap.top","caps":["ipv6"]}`,
			status: http.StatusOK,
			want:   `{"id":"` + jobID + `","config":{"module":"nmap"},"targets":["192.0.2.1"]}`,
		},
		{name: "no work", jobs: &fakeJobs{}, body: `{}`, status: http.StatusOK, want: `{}`},
		{name: "empty body", jobs: &fakeJobs{}, body: ``, status: http.StatusOK, want: `{}`},
		{name: "busy is no work", jobs: &fakeJobs{assignErr: errors.ErrBusy}, body: `{}`,
			status: http.StatusOK, want: `{}`},
		{name: "failure", jobs: &fakeJobs{assignErr: fmt.Errorf("db down")}, body: `{}`,
			status: http.StatusInternalServerError, want: `{"message":"internal server error"}`},
		{name: "unknown field", jobs: &fakeJobs{}, body: `{"queues":"x"}`,
			status: http.StatusBadRequest, want: `{"message":"invalid request"}`},
		{name: "empty cap", jobs: &fakeJobs{}, body: `{"caps":[""]}`,
			status: http.StatusBadRequest, want: `{"message":"invalid request"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(newTestHandler(tt.jobs).Assign, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, tt.want, w.Body.String())
		})
	}
}

func TestAssignPassesSelection(t *testing.T) {
	jobs := &fakeJobs{}
	post(newTestHandler(jobs).Assign, `{"queue":"nmap.top","caps":["ipv6","fast"]}`)
	assert.Equal(t, "nmap.top", jobs.queue)
	assert.Equal(t, []string{"ipv6", "fast"}, jobs.caps)
}

func outputBody(t *testing.T, id string, retval int, output string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{"id": id, "retval": retval, "output": output})
	require.NoError(t, err)
	return string(body)
}

func TestOutput(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("PK\x03\x04 zip"))

	tests := []struct {
		name    string
		jobs    *fakeJobs
		body    string
		status  int
		message string
		called  bool
	}{
		{"success", &fakeJobs{result: scheduler.OutputAccepted}, outputBody(t, jobID, 0, encoded),
			http.StatusOK, MessageSuccess, true},
		{"discard", &fakeJobs{result: scheduler.OutputDiscard}, outputBody(t, jobID, 0, encoded),
			http.StatusOK, MessageDiscard, true},
		{"busy", &fakeJobs{outputErr: errors.ErrBusy}, outputBody(t, jobID, 0, encoded),
			http.StatusTooManyRequests, MessageBusy, true},
		{"invalid base64", &fakeJobs{}, outputBody(t, jobID, 0, "not base64!"),
			http.StatusBadRequest, MessageInvalidRequest, false},
		{"non uuid id", &fakeJobs{}, outputBody(t, "1234", 0, encoded),
			http.StatusOK, MessageDiscard, false},
		{"missing retval", &fakeJobs{}, `{"id":"` + jobID + `","output":""}`,
			http.StatusBadRequest, MessageInvalidRequest, false},
		{"failure", &fakeJobs{outputErr: fmt.Errorf("disk full")}, outputBody(t, jobID, 0, encoded),
			http.StatusInternalServerError, "internal server error", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(newTestHandler(tt.jobs).Output, tt.body)
			assert.Equal(t, tt.status, w.Code)

			var resp MessageResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.message, resp.Message)
			assert.Equal(t, tt.called, tt.jobs.outputs == 1)
		})
	}
}

func TestOutputPassesPayload(t *testing.T) {
	jobs := &fakeJobs{}
	body := outputBody(t, jobID, 1002, base64.StdEncoding.EncodeToString([]byte("raw")))
	post(newTestHandler(jobs).Output, body)

	assert.Equal(t, 1002, jobs.retval)
	assert.Equal(t, []byte("raw"), jobs.payload)
}
