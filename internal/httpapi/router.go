// Package httpapi is the HTTP transport boundary: it wires the
// gatekeeper, dispatcher, and subscription service behind a chi router
// and maps the closed apperr.Kind taxonomy to status codes exactly once.
package httpapi

import (
	"net/http"
	"time"

	"github.com/crosslogic/payledger/internal/gatekeeper"
	"github.com/crosslogic/payledger/internal/metrics"
	"github.com/crosslogic/payledger/internal/subscriptions"
	"github.com/crosslogic/payledger/internal/webhooks"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

// Server holds the services the HTTP handlers dispatch to.
type Server struct {
	Dispatcher    *webhooks.Dispatcher
	Subscriptions *subscriptions.Service
	Gatekeeper    *gatekeeper.Gatekeeper
	Metrics       *metrics.Counters
	Logger        *zap.Logger
	ReadyCheck    func() error
}

// NewRouter builds the full middleware chain and route table: security
// headers, size limit, request id, real ip, request-id echo, logging,
// content-type check, recoverer, timeout, then CORS.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(securityHeaders)
	r.Use(requestSizeLimit(1024 * 1024))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestIDResponse)
	r.Use(requestLogger(s.Logger))
	r.Use(apiContentType)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "X-Webhook-Signature", "X-Webhook-Timestamp", "X-Webhook-Key-Id"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Get("/v1/metrics", s.handlePrometheusMetrics)
	r.Get("/v1/docs", httpSwagger.Handler(httpSwagger.URL("/v1/openapi.yaml")).ServeHTTP)
	r.Get("/v1/docs/*", httpSwagger.Handler(httpSwagger.URL("/v1/openapi.yaml")).ServeHTTP)
	r.Get("/v1/openapi.yaml", s.handleOpenAPISpec)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/subscriptions", s.handleCreateSubscription)
		v1.Post("/subscriptions/{id}/cancel-at-period-end", s.handleSetCancelAtPeriodEnd)

		v1.Post("/webhooks/{provider}", s.handleReceiveWebhook)
		v1.Get("/webhooks", s.handleListWebhooks)
		v1.Get("/webhooks/{event_id}", s.handleGetWebhook)

		v1.Post("/jobs/enforce-grace", s.handleEnforceGrace)
		v1.Post("/jobs/expire-subscriptions", s.handleExpireSubscriptions)
		v1.Post("/jobs/retry-failed-webhooks", s.handleRetryFailedWebhooks)

		v1.Post("/admin/webhooks/{event_id}/reprocess", s.handleReprocessWebhook)
		v1.Get("/admin/metrics", s.handleAdminMetrics)
	})

	return r
}
