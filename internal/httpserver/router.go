package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"claudegate/internal/handlers"
	"claudegate/internal/metrics"
	"claudegate/internal/middleware"
)

// Request bodies can carry base64 images up to the vision ceiling; the cap
// leaves headroom for base64 expansion plus the rest of the payload.
const maxRequestBody = 256 * 1024 * 1024

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, msgs *handlers.MessagesHandler, health *handlers.HealthHandler) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.MaxBodySize(maxRequestBody))

	// No Timeout middleware on /v1/messages: streams run until the model
	// stops or the client hangs up.
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", msgs.Messages)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", health.Health)
	})

	r.Handle("/metrics", metrics.Handler())
}
