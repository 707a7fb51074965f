// Package broker is a client for the provisioning service that starts
// and stops runner machines on behalf of a run's job.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when the broker could not be reached or
// kept failing after all retries. Callers treat it as retryable.
var ErrUnavailable = errors.New("broker unavailable")

const (
	retryWaitMin = 200 * time.Millisecond
	retryWaitMax = 5 * time.Second
)

// Client talks to the broker. Calls never touch local state.
type Client interface {
	// RequestRunners asks for delta more runners for the job, or fewer
	// when delta is negative.
	RequestRunners(ctx context.Context, runID, jobID string, delta int) error

	// KillRunner terminates one runner of the job.
	KillRunner(ctx context.Context, jobID, runnerAddress string) error

	// NotifyJobEnded tells the broker the job needs no more runners.
	NotifyJobEnded(ctx context.Context, jobID string) error
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	baseURL *url.URL
	token   string
	http    *retryablehttp.Client
	limiter *rate.Limiter
}

// NewClient creates a broker client from config.
func NewClient(log logrus.FieldLogger, cfg *config.BrokerConfig) (Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}

	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("broker url %q must be absolute", cfg.URL)
	}

	log = log.WithField("component", "broker")

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = &leveledLogger{log: log}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &client{
		log:     log,
		baseURL: base,
		token:   cfg.Token,
		http:    rc,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

type requestRunnersBody struct {
	RunID string `json:"run_id"`
	Delta int    `json:"delta"`
}

func (c *client) RequestRunners(
	ctx context.Context, runID, jobID string, delta int,
) error {
	if delta == 0 {
		return nil
	}

	body, err := json.Marshal(requestRunnersBody{RunID: runID, Delta: delta})
	if err != nil {
		return fmt.Errorf("encoding runner request: %w", err)
	}

	if err := c.do(
		ctx, http.MethodPost, c.path("jobs", jobID, "runners"), body,
	); err != nil {
		return fmt.Errorf("requesting %d runners for job %s: %w", delta, jobID, err)
	}

	c.log.WithFields(logrus.Fields{
		"run_id": runID,
		"job_id": jobID,
		"delta":  delta,
	}).Info("Requested runner change from broker")

	return nil
}

func (c *client) KillRunner(
	ctx context.Context, jobID, runnerAddress string,
) error {
	if err := c.do(
		ctx, http.MethodDelete,
		c.path("jobs", jobID, "runners", runnerAddress), nil,
	); err != nil {
		return fmt.Errorf("killing runner %s of job %s: %w", runnerAddress, jobID, err)
	}

	c.log.WithField("job_id", jobID).
		WithField("address", runnerAddress).
		Info("Asked broker to kill runner")

	return nil
}

func (c *client) NotifyJobEnded(ctx context.Context, jobID string) error {
	if err := c.do(ctx, http.MethodDelete, c.path("jobs", jobID), nil); err != nil {
		return fmt.Errorf("ending job %s: %w", jobID, err)
	}

	c.log.WithField("job_id", jobID).Info("Notified broker of job end")

	return nil
}

func (c *client) path(segments ...string) string {
	escaped := make([]string, 0, len(segments)+2)
	escaped = append(escaped, "api", "v1")

	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}

	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

// do sends one request. Network errors and 5xx answers are retried by
// the retrying client and then reported as ErrUnavailable. A 404 on
// DELETE means the broker already forgot the resource, which is the
// outcome the caller wanted.
func (c *client) do(
	ctx context.Context, method, target string, body []byte,
) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	var reqBody any
	if body != nil {
		reqBody = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("unexpected status %d: %s",
			resp.StatusCode, string(bytes.TrimSpace(msg)))
	}
}

// leveledLogger adapts logrus to retryablehttp's LeveledLogger.
type leveledLogger struct {
	log logrus.FieldLogger
}

func (l *leveledLogger) fields(keysAndValues []any) logrus.FieldLogger {
	entry := l.log

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		entry = entry.WithField(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}

	return entry
}

func (l *leveledLogger) Error(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Error(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Debug(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Debug(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Warn(msg)
}
