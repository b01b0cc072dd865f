package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"mdquery/internal/middleware"
)

// RouterConfig configures the middleware stack of NewRouter.
type RouterConfig struct {
	Auth        middleware.AuthConfig
	RateLimit   middleware.RateLimitConfig
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewRouter mounts h under /v1 behind authentication and rate limiting.
// /healthz stays public.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", cfg.Auth.APIKeyHeader, cfg.Auth.UserHeader},
		ExposedHeaders: []string{"X-Request-ID", "X-Query-ID", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.Auth))
		if cfg.RateLimit.RequestsPerSecond > 0 {
			r.Use(middleware.RateLimiter(cfg.RateLimit))
		}
		r.Post("/query", h.ExecuteQuery)
		r.Post("/compile", h.CompileQuery)
		r.Get("/cache/stats", h.CacheStats)
		r.Delete("/cache", h.ClearCache)
		r.Get("/history", h.ListHistory)
	})
	return r
}
