package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ukydev/usage-integrity/internal/middleware"
	"github.com/ukydev/usage-integrity/internal/models"
)

// RouterConfig carries what NewRouter needs to build the HTTP surface.
type RouterConfig struct {
	Auth           *AuthHandler
	API            *APIHandler
	AuthMiddleware *middleware.AuthMiddleware
	AllowedOrigins []string
	// LoginRateLimit is the number of login attempts per client per minute.
	LoginRateLimit int
}

// NewRouter wires every route behind authentication and role checks.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	limit := cfg.LoginRateLimit
	if limit <= 0 {
		limit = 10
	}
	limiter := middleware.NewRateLimitMiddleware()

	am := cfg.AuthMiddleware
	r.Route("/api", func(r chi.Router) {
		r.With(limiter.RateLimit(limit, time.Minute)).Post("/auth/login", cfg.Auth.Login)

		r.Group(func(r chi.Router) {
			r.Use(am.Authenticate)
			r.Get("/auth/profile", cfg.Auth.GetProfile)

			r.With(am.RequirePermission(models.ActionIngest)).Post("/trips", cfg.API.RecordTrip)
			r.With(am.RequirePermission(models.ActionIngest)).Post("/service-records", cfg.API.RecordServiceRecord)

			r.Route("/vehicles/{vehicleID}", func(r chi.Router) {
				r.With(am.RequirePermission(models.ActionView)).Get("/", cfg.API.GetVehicle)
				r.With(am.RequirePermission(models.ActionView)).Get("/compliance", cfg.API.GetCompliance)
				r.With(am.RequirePermission(models.ActionIngest)).Put("/declaration", cfg.API.ChangeDeclaration)
				r.With(am.RequirePermission(models.ActionReconcile)).Post("/reconcile", cfg.API.Reconcile)
			})

			r.With(am.RequirePermission(models.ActionView)).Get("/anomalies", cfg.API.ListAnomalies)
			r.With(am.RequirePermission(models.ActionResolveAnomaly)).Post("/anomalies/{anomalyID}/resolve", cfg.API.ResolveAnomaly)

			r.With(am.RequirePermission(models.ActionFileClaim)).Post("/claims", cfg.API.FileClaim)
		})
	})

	return r
}
