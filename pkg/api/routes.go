package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints.
		r.Get("/health", s.handleHealth)

		limit := newThrottle(s.cfg.RateLimit, s.done)

		r.Group(func(r chi.Router) {
			if s.cfg.Token != "" {
				r.Use(s.requireToken)
			}

			r.With(limit.by(clientKey)).Put("/assignments/{id}", s.handleUpsertAssignment)

			r.Route("/runs", func(r chi.Router) {
				r.Use(limit.by(clientKey))

				r.Post("/", s.handleCreateRun)
				r.Get("/{id}", s.handleGetRun)
				r.Post("/{id}/submissions", s.handleAddSubmission)
				r.Post("/{id}/runners", s.handleRegisterRunner)
			})

			r.Route("/runners/{id}", func(r chi.Router) {
				// Heartbeats are never throttled; a dropped beat counts as
				// a missed one.
				r.Post("/heartbeat", s.handleHeartbeat)
				r.With(limit.by(runnerKey)).Put("/results/{resultID}", s.handleRecordResult)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
