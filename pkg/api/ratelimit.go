package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

const (
	throttleSweepInterval = 5 * time.Minute
	throttleIdleTTL       = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// throttle hands out one token bucket per caller key. A nil throttle lets
// every request through.
type throttle struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	refill  rate.Limit
	burst   int
}

func newThrottle(cfg config.RateLimitConfig, done <-chan struct{}) *throttle {
	if !cfg.Enabled {
		return nil
	}

	t := &throttle{
		buckets: make(map[string]*bucket, 64),
		refill:  rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   cfg.RequestsPerMinute,
	}

	go t.evictIdle(done)

	return t
}

func (t *throttle) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.refill, t.burst)}
		t.buckets[key] = b
	}

	b.lastSeen = time.Now()

	return b.limiter.Allow()
}

func (t *throttle) evictIdle(done <-chan struct{}) {
	ticker := time.NewTicker(throttleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-done:
			return
		}

		t.mu.Lock()

		for key, b := range t.buckets {
			if time.Since(b.lastSeen) > throttleIdleTTL {
				delete(t.buckets, key)
			}
		}

		t.mu.Unlock()
	}
}

// by returns middleware that charges each request to the bucket named by
// keyOf.
func (t *throttle) by(keyOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if t == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !t.allow(keyOf(r)) {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey buckets requests by the caller's address.
func clientKey(r *http.Request) string {
	return "client:" + extractIP(r)
}

// runnerKey buckets requests by runner id, so runners sharing a NAT
// address do not starve each other.
func runnerKey(r *http.Request) string {
	return "runner:" + chi.URLParam(r, "id")
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
