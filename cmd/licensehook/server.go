package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/licensehook/pkg/api"
	"github.com/mihaimyh/licensehook/pkg/billing"
)

const healthCheckTimeout = 2 * time.Second

// healthChecker reports whether the backing store is reachable
type healthChecker interface {
	Ping(ctx context.Context) error
}

// newRouter mounts the webhook handler, the read API and the health endpoint
func newRouter(provider billing.Provider, readAPI *api.Handler, health healthChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	webhook := provider.WebhookHandler()
	r.Method(http.MethodPost, "/webhooks/"+provider.Name(), webhook)
	r.Method(http.MethodOptions, "/webhooks/"+provider.Name(), webhook)

	r.Route("/api", func(r chi.Router) {
		r.Get("/licenses", readAPI.GetLicenses)
		r.Get("/entitlement", readAPI.GetEntitlement)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := health.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	return r
}
