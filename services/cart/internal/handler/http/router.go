package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/gomarketplace/pkg/health"
	"github.com/utafrali/gomarketplace/pkg/middleware"
	"github.com/utafrali/gomarketplace/services/cart/internal/service"
)

// NewRouter creates a chi router with all cart service routes registered.
func NewRouter(
	store *service.CartStore,
	healthHandler *health.Handler,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("cart"))
	r.Use(middleware.Tracing("cart"))
	r.Use(middleware.RequestLogger(logger))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	// Cart API endpoints
	cartHandler := NewCartHandler(logger)

	r.Route("/api/v1/cart", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(ProvideCart(store))
		mountCartRoutes(r, cartHandler)
	})

	return r
}

func mountCartRoutes(r chi.Router, h *CartHandler) {
	r.Get("/", h.GetCart)
	r.Post("/items", h.AddItem)
	r.Post("/items/{id}/increment", h.IncrementItem)
	r.Post("/items/{id}/decrement", h.DecrementItem)
}
