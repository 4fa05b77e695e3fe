package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
// Passed from main.go so the router can configure CORS and auth from env vars.
type RouterConfig struct {
	// JWTSecret verifies owner bearer tokens. Empty accepts X-Owner-ID (development).
	JWTSecret string

	// AdminAPIKey guards /v1/admin. Empty leaves the admin routes unmounted.
	AdminAPIKey string

	// WebhookSecret is the key the motion provider sends with push notifications.
	WebhookSecret string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (applied to all routes including /health)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// CORS: restrict origins when configured, otherwise allow all (dev mode)
	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check, public
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		// Owner routes
		r.Group(func(r chi.Router) {
			r.Use(OwnerAuth(cfg.JWTSecret))

			r.Post("/jobs", h.CreateJob)
			r.Get("/jobs/{id}", h.GetJob)
			r.Post("/jobs/{id}/cancel", h.CancelJob)
			r.Get("/jobs/{id}/download", h.GetJobDownload)
		})

		// Provider push notifications
		r.Group(func(r chi.Router) {
			if cfg.WebhookSecret != "" {
				r.Use(APIKeyAuth(cfg.WebhookSecret))
			}
			r.Post("/webhooks/motion", h.MotionWebhook)
		})

		// Ledger administration
		if cfg.AdminAPIKey != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(APIKeyAuth(cfg.AdminAPIKey))

				r.Get("/ledger/unbilled", h.ListUnbilled)
				r.Post("/jobs/{id}/retry-deduction", h.RetryDeduction)
				r.Post("/jobs/{id}/repair-deduction", h.RepairDeduction)
				r.Get("/jobs/{id}/ledger", h.GetJobLedger)
			})
		}
	})

	return r
}
