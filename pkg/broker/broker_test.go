package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/gradeoor/pkg/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   requestRunnersBody
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	c, err := NewClient(log, &config.BrokerConfig{
		URL:        srv.URL + "/",
		Token:      "secret",
		Timeout:    2 * time.Second,
		MaxRetries: 2,
	})
	require.NoError(t, err)

	return c, srv
}

func recorder(t *testing.T, status int, out *[]recordedRequest) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Auth:   r.Header.Get("Authorization"),
		}

		if r.Body != nil && r.ContentLength > 0 {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&rec.Body))
		}

		*out = append(*out, rec)

		w.WriteHeader(status)
	}
}

func TestClient_RequestRunners(t *testing.T) {
	var reqs []recordedRequest

	c, _ := newTestClient(t, recorder(t, http.StatusAccepted, &reqs))

	require.NoError(t, c.RequestRunners(context.Background(), "run-1", "job-1", 3))
	require.NoError(t, c.RequestRunners(context.Background(), "run-1", "job-1", -2))

	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/v1/jobs/job-1/runners", reqs[0].Path)
	assert.Equal(t, "Bearer secret", reqs[0].Auth)
	assert.Equal(t, requestRunnersBody{RunID: "run-1", Delta: 3}, reqs[0].Body)
	assert.Equal(t, -2, reqs[1].Body.Delta)
}

func TestClient_RequestRunnersZeroDeltaIsSilent(t *testing.T) {
	var reqs []recordedRequest

	c, _ := newTestClient(t, recorder(t, http.StatusOK, &reqs))

	require.NoError(t, c.RequestRunners(context.Background(), "run-1", "job-1", 0))
	assert.Empty(t, reqs)
}

func TestClient_KillRunnerAndNotify(t *testing.T) {
	var reqs []recordedRequest

	c, _ := newTestClient(t, recorder(t, http.StatusNoContent, &reqs))

	require.NoError(t, c.KillRunner(context.Background(), "job-1", "10.0.0.7:8080"))
	require.NoError(t, c.NotifyJobEnded(context.Background(), "job-1"))

	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodDelete, reqs[0].Method)
	assert.Equal(t, "/api/v1/jobs/job-1/runners/10.0.0.7:8080", reqs[0].Path)
	assert.Equal(t, http.MethodDelete, reqs[1].Method)
	assert.Equal(t, "/api/v1/jobs/job-1", reqs[1].Path)
}

func TestClient_StatusHandling(t *testing.T) {
	tests := []struct {
		name            string
		status          int
		call            func(c Client) error
		wantErr         bool
		wantUnavailable bool
	}{
		{
			name:   "delete of unknown runner is success",
			status: http.StatusNotFound,
			call: func(c Client) error {
				return c.KillRunner(context.Background(), "job-1", "addr")
			},
		},
		{
			name:   "post to unknown job is an error",
			status: http.StatusNotFound,
			call: func(c Client) error {
				return c.RequestRunners(context.Background(), "run-1", "job-1", 1)
			},
			wantErr: true,
		},
		{
			name:   "server error is unavailable",
			status: http.StatusBadGateway,
			call: func(c Client) error {
				return c.NotifyJobEnded(context.Background(), "job-1")
			},
			wantErr:         true,
			wantUnavailable: true,
		},
		{
			name:   "bad request is not retryable",
			status: http.StatusBadRequest,
			call: func(c Client) error {
				return c.RequestRunners(context.Background(), "run-1", "job-1", 1)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})

			err := tt.call(c)
			if !tt.wantErr {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.wantUnavailable, errors.Is(err, ErrUnavailable))
		})
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32

	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.NotifyJobEnded(context.Background(), "job-1"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_UnreachableBroker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	c, err := NewClient(log, &config.BrokerConfig{
		URL:        srv.URL,
		Timeout:    time.Second,
		MaxRetries: 0,
	})
	require.NoError(t, err)

	err = c.NotifyJobEnded(context.Background(), "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	_, err := NewClient(logrus.New(), &config.BrokerConfig{URL: "broker.local"})
	require.Error(t, err)
}
