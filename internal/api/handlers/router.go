package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/api/middleware"
)

// RouterConfig wires the handlers into one http.Handler. Nil handlers are
// not mounted.
type RouterConfig struct {
	ServiceName   string
	Check         *CheckHandler
	Drafts        *DraftHandler
	Prescriptions *PrescriptionHandler
	Admin         *AdminHandler
	// APIKeys maps key to client ID; empty disables authentication
	APIKeys     map[string]string
	RateLimiter *middleware.RateLimiter
	Observer    middleware.RequestObserver
	// Metrics is served on /metrics when set
	Metrics http.Handler
	// Ready reports whether dependencies are reachable
	Ready  func(ctx context.Context) error
	Health func() interface{}
	Logger *zap.Logger
}

// NewRouter builds the API router
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "interaction-api"
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger, cfg.Observer))
	r.Use(middleware.Tracing(cfg.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{"status": "healthy", "service": cfg.ServiceName}
		if cfg.Health != nil {
			body["components"] = cfg.Health()
		}
		writeJSON(w, http.StatusOK, body)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				jsonError(w, "not ready", "not_ready", http.StatusServiceUnavailable)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}
		if cfg.Check != nil {
			r.Mount("/medications", cfg.Check.MedicationRoutes())
			r.Mount("/compositions", cfg.Check.CompositionRoutes())
		}
		if cfg.Drafts != nil {
			r.Mount("/drafts", cfg.Drafts.Routes())
		}
		if cfg.Prescriptions != nil {
			r.Mount("/prescriptions", cfg.Prescriptions.Routes())
		}
		if cfg.Admin != nil {
			r.Mount("/admin", cfg.Admin.Routes())
		}
	})
	return r
}
