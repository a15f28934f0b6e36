package routes

import (
	"github.com/bastionauth/bastion/internal/handlers"
	"github.com/bastionauth/bastion/internal/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	loginHandler *handlers.LoginHandler,
	db handlers.Pinger,
	rateLimit middleware.RateLimitConfig,
) {
	router.With(middleware.RateLimitByIP(rateLimit)).Post("/v1/login", loginHandler.Login)

	router.Get("/health", handlers.Health(db))
	router.Handle("/metrics", promhttp.Handler())
}
