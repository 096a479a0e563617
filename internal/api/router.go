package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/scanpipe/internal/api/middleware"
	"github.com/kiranshivaraju/scanpipe/internal/api/response"
	"github.com/kiranshivaraju/scanpipe/internal/apikey"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateScan http.HandlerFunc
	GetScan    http.HandlerFunc
	DeleteScan http.HandlerFunc

	CreateStage http.HandlerFunc
	ScanStatus  http.HandlerFunc

	GetJob    http.HandlerFunc
	CancelJob http.HandlerFunc

	ListAssets    http.HandlerFunc
	UpdateAsset   http.HandlerFunc
	DeleteAsset   http.HandlerFunc
	DownloadAsset http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Metrics)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(apikey.ScopeRead))

			r.Get("/api/v1/scans/{scanID}", orNotImplemented(deps.GetScan))
			r.Get("/api/v1/scans/{scanID}/status", orNotImplemented(deps.ScanStatus))
			r.Get("/api/v1/scans/{scanID}/assets", orNotImplemented(deps.ListAssets))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
			r.Get("/api/v1/assets/{assetID}/download", orNotImplemented(deps.DownloadAsset))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(apikey.ScopeWrite))

			r.Post("/api/v1/scans", orNotImplemented(deps.CreateScan))
			r.Delete("/api/v1/scans/{scanID}", orNotImplemented(deps.DeleteScan))
			r.Post("/api/v1/scans/{scanID}/stages", orNotImplemented(deps.CreateStage))
			r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
			r.Patch("/api/v1/assets/{assetID}", orNotImplemented(deps.UpdateAsset))
			r.Delete("/api/v1/assets/{assetID}", orNotImplemented(deps.DeleteAsset))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(apikey.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
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
