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

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Read endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Read))
			}

			r.Get("/projects", s.handleListProjects)
			r.Get("/projects/{id}", s.handleGetProject)
			r.Get("/projects/{id}/testcases", s.handleListTestCases)

			r.Get("/testcases/{id}", s.handleGetTestCase)
			r.Get("/testcases/{id}/versions", s.handleListScriptVersions)

			r.Get("/recordings/status", s.handleRecordingStatus)

			r.Get("/executions", s.handleListExecutions)
			r.Get("/executions/{id}", s.handleGetExecution)
		})

		// Mutating endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Mutate))
			}

			r.Post("/projects", s.handleCreateProject)
			r.Put("/projects/{id}", s.handleUpdateProject)
			r.Delete("/projects/{id}", s.handleDeleteProject)

			r.Delete("/testcases/{id}", s.handleDeleteTestCase)
			r.Put("/testcases/{id}/document", s.handleUpdateDocument)
			r.Post("/testcases/{id}/translate", s.handleTranslate)
			r.Post("/testcases/{id}/execute", s.handleExecuteTestCase)

			r.Post("/recordings/start", s.handleStartRecording)
			r.Post("/recordings/stop", s.handleStopRecording)
			r.Post("/recordings/cancel", s.handleCancelRecording)

			r.Post("/projects/{id}/execute-suite", s.handleExecuteSuite)
			r.Post("/executions/{id}/cancel", s.handleCancelExecution)
		})

		// Artifact file serving (logs, reports, videos, scripts).
		r.Route("/files", func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Read))
			}

			r.Get("/*", s.handleFileRequest)
			r.Head("/*", s.handleFileRequest)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
