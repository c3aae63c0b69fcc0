package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	mw "github.com/lorrc/invoice-tracker/internal/adapters/primary/http/middleware"
	"github.com/lorrc/invoice-tracker/internal/auth"
)

// RouterConfig collects the handlers and middleware of the API.
type RouterConfig struct {
	Auth      *AuthHandler
	Me        *MeHandler
	Invoices  *InvoiceHandler
	Customers *CustomerHandler
	WebSocket *WebSocketHandler
	Health    *HealthHandler

	TokenManager *auth.TokenManager
	CORSOrigins  []string

	// Optional limiters; nil disables them.
	GeneralLimiter *mw.RateLimiter
	AuthLimiter    *mw.RateLimiter
	SendLimiter    *mw.RateLimitByKey

	Logger *slog.Logger
}

// NewRouter wires every route under /api plus the health probes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(cfg.Logger))
	r.Use(mw.RecoveryLogger(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", mw.RequestIDHeader},
		ExposedHeaders:   []string{mw.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.GeneralLimiter != nil {
		r.Use(cfg.GeneralLimiter.Middleware)
	}
	if cfg.SendLimiter != nil {
		cfg.Invoices.sendMiddleware = append(cfg.Invoices.sendMiddleware, cfg.SendLimiter.Middleware(mw.ClaimsUserKey))
	}

	// Health check endpoints (outside /api for standard probe paths)
	if cfg.Health != nil {
		cfg.Health.RegisterRoutes(r)
	}

	r.Route("/api", func(r chi.Router) {
		// Public auth routes with stricter rate limiting
		r.Group(func(r chi.Router) {
			if cfg.AuthLimiter != nil {
				r.Use(cfg.AuthLimiter.Middleware)
			}
			r.Route("/auth", cfg.Auth.RegisterRoutes)
		})

		// WebSocket route (authentication is handled inside the handler)
		if cfg.WebSocket != nil {
			r.Get("/websocket", cfg.WebSocket.ServeHTTP)
		}

		// Protected REST routes
		r.Group(func(r chi.Router) {
			r.Use(mw.JWTMiddleware(cfg.TokenManager))
			r.Route("/me", cfg.Me.RegisterRoutes)
			r.Route("/invoices", cfg.Invoices.RegisterRoutes)
			r.Route("/customers", cfg.Customers.RegisterRoutes)
		})
	})

	return r
}
