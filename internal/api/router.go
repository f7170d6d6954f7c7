// Package api serves the HTTP surface: the validation endpoint, identity
// administration and, when ClickHouse is configured, event analytics.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/auth"
	"github.com/triage-ai/bastion/internal/limiter"
	"github.com/triage-ai/bastion/internal/storage"
	"github.com/triage-ai/bastion/internal/validator"
)

// EventReader queries persisted validation events.
type EventReader interface {
	ListEvents(ctx context.Context, params storage.ListEventsParams) ([]storage.EventRow, int, error)
	Analytics(ctx context.Context, days int) (*storage.AnalyticsResult, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Validator   *validator.Service
	Tracker     *limiter.Tracker
	Verifier    *auth.KeyVerifier
	Events      EventReader // nil if ClickHouse unavailable
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter builds the chi router with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(deps.CORSOrigins))
	r.Use(requestLogging(deps.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.authMiddleware)
		r.Use(limitRequestBody(maxBodyBytes))

		r.Post("/v1/validate", deps.handleValidate)

		r.Route("/api/identities/{identity}", func(r chi.Router) {
			r.Get("/", deps.handleGetIdentity)
			r.Put("/blocklist", deps.handleSetBlocklist(true))
			r.Delete("/blocklist", deps.handleSetBlocklist(false))
			r.Put("/allowlist", deps.handleSetAllowlist(true))
			r.Delete("/allowlist", deps.handleSetAllowlist(false))
		})

		r.Get("/api/events", deps.handleListEvents)
		r.Get("/api/analytics", deps.handleGetAnalytics)
	})

	return r
}
