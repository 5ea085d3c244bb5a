// Package api assembles the HTTP surface: middleware stack and routes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/musegen/musegen/internal/api/middleware"
	"github.com/musegen/musegen/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitHandler http.HandlerFunc
	RemixHandler  http.HandlerFunc

	GetJobHandler         http.HandlerFunc
	ListJobsHandler       http.HandlerFunc
	GetApplicationHandler http.HandlerFunc

	StreamProgressHandler http.HandlerFunc
	StreamContentHandler  http.HandlerFunc

	CancelJobHandler  http.HandlerFunc
	RetryJobHandler   http.HandlerFunc
	CleanOldHandler   http.HandlerFunc
	ActiveJobsHandler http.HandlerFunc
	QueueStatsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/generations", orNotImplemented(deps.SubmitHandler))
		r.Post("/api/v1/generations/{applicationID}/remix", orNotImplemented(deps.RemixHandler))

		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Get("/api/v1/jobs/{jobID}/events", orNotImplemented(deps.StreamProgressHandler))
		r.Get("/api/v1/jobs/{jobID}/content/events", orNotImplemented(deps.StreamContentHandler))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))

		r.Get("/api/v1/applications/{applicationID}", orNotImplemented(deps.GetApplicationHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/jobs/{jobID}/retry", orNotImplemented(deps.RetryJobHandler))
			r.Delete("/api/v1/admin/jobs", orNotImplemented(deps.CleanOldHandler))
			r.Get("/api/v1/admin/jobs/active", orNotImplemented(deps.ActiveJobsHandler))
			r.Get("/api/v1/admin/queue/stats", orNotImplemented(deps.QueueStatsHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
