package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/database"
	"github.com/ethpandaops/gradeoor/pkg/orchestrator"
	"github.com/ethpandaops/gradeoor/pkg/scheduler"
	"github.com/ethpandaops/gradeoor/pkg/store"
)

type nopBroker struct{}

func (nopBroker) RequestRunners(context.Context, string, string, int) error { return nil }

func (nopBroker) KillRunner(context.Context, string, string) error { return nil }

func (nopBroker) NotifyJobEnded(context.Context, string) error { return nil }

func setupTestServer(t *testing.T, cfg *config.APIConfig) (*server, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	db, err := database.Open(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = database.Close(db) })

	ctx := context.Background()

	st := store.NewStore(log, db)
	require.NoError(t, st.Migrate(ctx))

	sched := scheduler.NewDispatcher(log, db, scheduler.Options{})
	require.NoError(t, sched.Migrate(ctx))

	orch := orchestrator.New(log, st, nopBroker{}, sched, orchestrator.Options{})

	if cfg == nil {
		cfg = &config.APIConfig{}
	}

	srv := NewServer(log, cfg, st, orch, nil).(*server)
	t.Cleanup(func() { _ = srv.Stop() })

	return srv, st
}

func doRequest(
	t *testing.T, h http.Handler, method, path string, body any,
) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer

	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := setupTestServer(t, &config.APIConfig{Token: "secret"})

	rec := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRunLifecycle(t *testing.T) {
	srv, st := setupTestServer(t, nil)
	router := srv.buildRouter()

	rec := doRequest(t, router, http.MethodPut, "/api/v1/assignments/asg-1",
		map[string]any{"name": "Lab 1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	deadline := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs/", map[string]any{
		"id":            "run-1",
		"assignment_id": "asg-1",
		"kill_deadline": deadline,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var run store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, store.RunStateCreated, run.State)
	require.NotEmpty(t, run.JobID)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs/run-1/submissions",
		map[string]any{"submission_id": "student-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result store.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, store.ResultStateNotStarted, result.State)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs/run-1/runners",
		map[string]any{"address": "10.0.0.1:7000", "job_id": run.JobID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var runner store.Runner
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runner))

	rec = doRequest(t, router, http.MethodPost,
		"/api/v1/runners/"+runner.ID+"/heartbeat", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodPut,
		"/api/v1/runners/"+runner.ID+"/results/"+result.ID,
		map[string]any{"state": "passed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunStateDone, got.State)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, store.RunStateDone, resp.Run.State)
	assert.Len(t, resp.Results, 1)
	assert.Len(t, resp.Runners, 1)
	assert.Equal(t, int64(1), resp.Counts[store.ResultStatePassed])
}

func TestErrorMapping(t *testing.T) {
	srv, st := setupTestServer(t, nil)
	router := srv.buildRouter()
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, &store.Run{
		ID: "done", JobID: "job-done", State: store.RunStateDone,
	}))
	require.NoError(t, st.CreateRun(ctx, &store.Run{
		ID: "live", JobID: "job-live", State: store.RunStateRunning,
	}))

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
	}{
		{
			name:       "unknown run",
			method:     http.MethodGet,
			path:       "/api/v1/runs/missing",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "submission to finished run",
			method:     http.MethodPost,
			path:       "/api/v1/runs/done/submissions",
			body:       map[string]any{"submission_id": "s"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "stale job",
			method:     http.MethodPost,
			path:       "/api/v1/runs/live/runners",
			body:       map[string]any{"address": "a", "job_id": "job-old"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "heartbeat from unknown runner",
			method:     http.MethodPost,
			path:       "/api/v1/runners/missing/heartbeat",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown field",
			method:     http.MethodPost,
			path:       "/api/v1/runs/live/submissions",
			body:       map[string]any{"submission": "s"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing assignment name",
			method:     http.MethodPut,
			path:       "/api/v1/assignments/a",
			body:       map[string]any{},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestRequireToken(t *testing.T) {
	srv, _ := setupTestServer(t, &config.APIConfig{Token: "secret"})
	router := srv.buildRouter()

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "missing", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "valid", header: "Bearer secret", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := setupTestServer(t, &config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	})
	router := srv.buildRouter()

	codes := make([]int, 0, 3)

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{
		http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests,
	}, codes)
}

func TestRateLimit_RunnerRoutes(t *testing.T) {
	srv, _ := setupTestServer(t, &config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	})
	router := srv.buildRouter()

	send := func(method, path string) int {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(`{"state":"passed"}`))
		req.RemoteAddr = "198.51.100.4:4000"

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		return rec.Code
	}

	// Heartbeats from one address never hit the limiter.
	for range 5 {
		assert.Equal(t, http.StatusNotFound,
			send(http.MethodPost, "/api/v1/runners/r-1/heartbeat"))
	}

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, send(http.MethodPut, "/api/v1/runners/r-1/results/x"))
	}

	assert.Equal(t, []int{
		http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests,
	}, codes)

	// Another runner behind the same address has its own bucket, as do
	// clients on the run routes.
	assert.Equal(t, http.StatusNotFound,
		send(http.MethodPut, "/api/v1/runners/r-2/results/x"))
	assert.Equal(t, http.StatusNotFound,
		send(http.MethodGet, "/api/v1/runs/missing"))
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", extractIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", extractIP(req))
}
