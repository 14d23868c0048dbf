package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/scheduler"
)

const testJobID = "8d8b1d4e-0f44-4a2f-9d0a-6a3c5b0f1e11"

// MockDB provides a mock database for testing
type MockDB struct {
	mock.Mock
}

func (m *MockDB) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockJobs provides a mock scheduler for testing
type MockJobs struct {
	mock.Mock
}

func (m *MockJobs) Assign(ctx context.Context, queueName string, caps []string) (*db.Assignment, error) {
	args := m.Called(ctx, queueName, caps)
	assignment, _ := args.Get(0).(*db.Assignment)
	return assignment, args.Error(1)
}

func (m *MockJobs) Output(ctx context.Context, jobID string, retval int, payload []byte) (scheduler.OutputResult, error) {
	args := m.Called(ctx, jobID, retval, payload)
	return args.Get(0).(scheduler.OutputResult), args.Error(1)
}

type keyAuth string

func (k keyAuth) Authenticate(_ context.Context, apiKey string) (string, error) {
	if apiKey == string(k) {
		return "agent-01", nil
	}
	return "", errors.ErrUnauthorized
}

func createTestConfig() config.APIConfig {
	return config.APIConfig{
		Enabled:        true,
		ListenAddr:     "127.0.0.1",
		Port:           0,
		RequestTimeout: 5 * time.Second,
		MaxRequestSize: 1024,
		AllowedOrigins: []string{"https://ops.example.org"},
	}
}

func newTestServer(t *testing.T, cfg config.APIConfig, jobs *MockJobs, database *MockDB) *Server {
	t.Helper()
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "scanfleet_test_total", Help: "test"}))

	s, err := New(cfg, Deps{
		Jobs:     jobs,
		Auth:     keyAuth("secret"),
		Database: database,
		Gatherer: registry,
	})
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Apikey "+key)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestNewServerValidation(t *testing.T) {
	_, err := New(createTestConfig(), Deps{Auth: keyAuth("x")})
	assert.Error(t, err)

	_, err = New(createTestConfig(), Deps{Jobs: &MockJobs{}})
	assert.Error(t, err)

	cfg := createTestConfig()
	cfg.AuthDisabled = true
	s, err := New(cfg, Deps{Jobs: &MockJobs{}})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", s.GetAddress())
}

func TestAgentEndpointsRequireKey(t *testing.T) {
	jobs := &MockJobs{}
	s := newTestServer(t, createTestConfig(), jobs, &MockDB{})

	w := do(s, http.MethodPost, "/api/v2/scheduler/job/assign", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodPost, "/api/v2/scheduler/job/assign", "wrong", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	jobs.AssertNotCalled(t, "Assign", mock.Anything, mock.Anything, mock.Anything)
}

func TestAssignRoute(t *testing.T) {
	jobs := &MockJobs{}
	jobs.On("Assign", mock.Anything, "nmap.top", []string(nil)).Return(&db.Assignment{
		ID: testJobID, Config: map[string]any{"module": "nmap"}, Targets: []string{"192.0.2.1"},
	}, nil).Once()
	s := newTestServer(t, createTestConfig(), jobs, &MockDB{})

	w := do(s, http.MethodPost, "/api/v2/scheduler/job/assign", "secret", `{"queue":"nmap.top"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"`+testJobID+`","config":{"module":"nmap"},"targets":["192.0.2.1"]}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	jobs.AssertExpectations(t)
}

func TestOutputRoute(t *testing.T) {
	payload := []byte("output archive")
	body := fmt.Sprintf(`{"id":%q,"retval":0,"output":%q}`, testJobID, base64.StdEncoding.EncodeToString(payload))

	t.Run("busy", func(t *testing.T) {
		jobs := &MockJobs{}
		jobs.On("Output", mock.Anything, testJobID, 0, payload).Return(scheduler.OutputDiscard, errors.ErrBusy)
		s := newTestServer(t, createTestConfig(), jobs, &MockDB{})

		w := do(s, http.MethodPost, "/api/v2/scheduler/job/output", "secret", body)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.JSONEq(t, `{"message":"server busy"}`, w.Body.String())
	})

	t.Run("success", func(t *testing.T) {
		jobs := &MockJobs{}
		jobs.On("Output", mock.Anything, testJobID, 0, payload).Return(scheduler.OutputAccepted, nil)
		s := newTestServer(t, createTestConfig(), jobs, &MockDB{})

		w := do(s, http.MethodPost, "/api/v2/scheduler/job/output", "secret", body)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"message":"success"}`, w.Body.String())
	})

	t.Run("body too large", func(t *testing.T) {
		jobs := &MockJobs{}
		s := newTestServer(t, createTestConfig(), jobs, &MockDB{})

		big := fmt.Sprintf(`{"id":%q,"retval":0,"output":%q}`, testJobID, strings.Repeat("QUFB", 1024))
		w := do(s, http.MethodPost, "/api/v2/scheduler/job/output", "secret", big)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		jobs.AssertNotCalled(t, "Output", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, createTestConfig(), &MockJobs{}, &MockDB{})
	for _, path := range []string{"/api/v2/scheduler/job/assign", "/api/v2/scheduler/job/output"} {
		w := do(s, http.MethodGet, path, "secret", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}

	w := do(s, http.MethodPost, "/api/v2/scheduler/job/unknown", "secret", "{}")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	database := &MockDB{}
	database.On("Ping", mock.Anything).Return(nil)
	s := newTestServer(t, createTestConfig(), &MockJobs{}, database)

	w := do(s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	w = do(s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "scanfleet_test_total")
	database.AssertExpectations(t)
}

type maintenanceJobs struct{ *MockJobs }

func (maintenanceJobs) Maintenance() bool { return true }

func TestHealthReportsSchedulerMaintenance(t *testing.T) {
	database := &MockDB{}
	database.On("Ping", mock.Anything).Return(nil)
	s, err := New(createTestConfig(), Deps{
		Jobs:     maintenanceJobs{&MockJobs{}},
		Auth:     keyAuth("secret"),
		Database: database,
		Gatherer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	w := do(s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"maintenance"`)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, createTestConfig(), &MockJobs{}, &MockDB{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v2/scheduler/job/assign", http.NoBody)
	req.Header.Set("Origin", "https://ops.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://ops.example.org", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeStopsOnCancel(t *testing.T) {
	s := newTestServer(t, createTestConfig(), &MockJobs{}, &MockDB{})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, listener) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/version")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestResponsesAreCompressed(t *testing.T) {
	s := newTestServer(t, createTestConfig(), &MockJobs{}, &MockDB{})

	req := httptest.NewRequest(http.MethodGet, "/version", http.NoBody)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}
