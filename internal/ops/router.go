package ops

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/linkrelay/linkrelay/internal/abuse"
	"github.com/linkrelay/linkrelay/internal/quota"
	"github.com/linkrelay/linkrelay/internal/recovery"
)

// RouterConfig holds configuration for the ops router.
type RouterConfig struct {
	Version  string
	Logger   zerolog.Logger
	Manager  *recovery.Manager
	Guard    *abuse.Guard
	Uploads  *quota.Bucket
	Verifier *TokenVerifier
}

// NewRouter creates a chi router with the ops API configured. Read
// endpoints are rate limited per IP; mutating admin endpoints
// additionally require a bearer token and a stricter limit.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - order matters
	r.Use(RequestID)
	r.Use(Logger(cfg.Logger))
	r.Use(Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)

	handler := NewHandler(HandlerConfig{
		Version: cfg.Version,
		Manager: cfg.Manager,
		Guard:   cfg.Guard,
		Uploads: cfg.Uploads,
	})

	standardRateLimit := RateLimitByIP(StandardRateLimit)
	adminRateLimit := RateLimitByIP(AdminRateLimit)
	auth := Auth(cfg.Verifier)

	r.Get("/healthz", handler.Healthz)

	r.Route("/v1", func(r chi.Router) {
		// Read endpoints (public)
		r.Group(func(r chi.Router) {
			r.Use(standardRateLimit)
			r.Get("/health", handler.Health)
			r.Get("/stats", handler.Stats)
			r.Get("/abuse/blocked", handler.Blocked)
		})

		// Admin endpoints (authenticated)
		r.Group(func(r chi.Router) {
			r.Use(adminRateLimit)
			r.Use(auth)
			r.Post("/abuse/unblock", handler.Unblock)
			r.Post("/abuse/clear-warnings", handler.ClearWarnings)
			r.Post("/abuse/reset", handler.ResetAbuse)
			r.Post("/recovery/force", handler.ForceRecovery)
			r.Post("/recovery/reset-breaker", handler.ResetBreaker)
			r.Post("/quota/reset", handler.ResetQuota)
		})
	})

	return r
}
