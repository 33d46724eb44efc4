package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outhook/outhook/internal/breaker"
	"github.com/outhook/outhook/internal/engine"
	"github.com/outhook/outhook/internal/feed"
	"github.com/outhook/outhook/internal/secrets"
	"github.com/outhook/outhook/internal/store"
	"github.com/outhook/outhook/internal/validate"
	"github.com/outhook/outhook/internal/worker"
)

type tenantCtxKey struct{}

// tenantID returns the tenant bound to the request by requireTenant.
func tenantID(r *http.Request) string {
	id, _ := r.Context().Value(tenantCtxKey{}).(string)
	return id
}

// requireTenant rejects requests that do not identify a tenant. Authentication
// lives in the gateway in front of this service; the header is trusted here.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Tenant-ID")
		if id == "" {
			respondError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
			return
		}
		ctx := context.WithValue(r.Context(), tenantCtxKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RouterConfig carries the dependencies the HTTP surface needs.
type RouterConfig struct {
	Store     *store.PostgresStore
	Secrets   *secrets.Engine
	Validator *validate.Validator
	Breakers  *breaker.Registry
	FanOut    *engine.FanOut
	Deliverer *worker.Deliverer
	Schedule  Scheduler
	Hub       *feed.Hub
	Gatherer  prometheus.Gatherer
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	subHandler := NewSubscriptionHandler(cfg.Store, cfg.Secrets, cfg.Validator, cfg.Breakers, cfg.Deliverer)
	eventHandler := NewEventHandler(cfg.Store, cfg.FanOut)
	deliveryHandler := NewDeliveryHandler(cfg.Store, cfg.Schedule)
	hookHandler := NewHookHandler(subHandler)

	r.Get("/healthz", HealthHandler())
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.Hub != nil {
		r.Get("/ws", cfg.Hub.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireTenant)

		r.Get("/event-types", eventHandler.Catalog)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Create)
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Patch("/{id}", subHandler.Update)
			r.Delete("/{id}", subHandler.Delete)
			r.Get("/{id}/health", subHandler.Health)
			r.Post("/{id}/rotate-secret", subHandler.RotateSecret)
			r.Post("/{id}/test", subHandler.TestSend)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", eventHandler.Emit)
			r.Get("/{id}", eventHandler.Get)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
			r.Post("/{id}/retry", deliveryHandler.Retry)
		})

		// REST-hooks compatibility surface: thin subscribe/unsubscribe verbs
		// over the same subscription machinery.
		r.Route("/hooks", func(r chi.Router) {
			r.Post("/", hookHandler.Subscribe)
			r.Delete("/{id}", hookHandler.Unsubscribe)
			r.Get("/samples/{eventType}", hookHandler.Sample)
		})
	})

	return r
}
