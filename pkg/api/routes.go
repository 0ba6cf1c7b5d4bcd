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
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())
	r.Use(strayPreflight)

	r.Get("/health", s.handleHealth)
	r.Get("/ws/metrics", s.handleMetricsWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Get("/metrics/summary", s.handleSummary)

		// Write endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit))
			}

			r.Post("/events/run", s.handleIngestRun)
			r.Post("/simulate", s.handleSimulate)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"*"},
		MaxAge:         300,
	}

	if s.cfg.Server.CORSAllowAll {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = s.cfg.Server.AllowedOrigins()
	}

	return cors.Handler(opts)
}

// checkOrigin applies the CORS policy to WebSocket upgrades.
func (s *server) checkOrigin(r *http.Request) bool {
	if s.cfg.Server.CORSAllowAll {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range s.cfg.Server.AllowedOrigins() {
		if origin == allowed {
			return true
		}
	}

	return false
}
