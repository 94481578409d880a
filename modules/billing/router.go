// Package billing exposes the billing subsystem over HTTP: checkout
// initiation, per-processor webhook intake, the plan catalog and the
// subscription read path.
package billing

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouterOptions configures the billing module routes. Healthchecks are
// optional and only mounted when provided.
type RouterOptions struct {
	Handlers     *Handlers
	Healthchecks map[string]func(r *http.Request) error
}

// Router assembles the billing module routes.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", billing.Router(billing.RouterOptions{
//	    Handlers: billing.NewHandlers(svc, catalog, cache, log),
//	}))
func Router(opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	h := opts.Handlers

	r.Get("/plans", h.ListPlans)
	r.Post("/checkout", h.CreateCheckout)
	r.Post("/webhooks/{gateway}", h.HandleWebhook)
	r.Get("/users/{userID}/subscription", h.GetSubscription)

	if len(opts.Healthchecks) > 0 {
		r.Get("/health", healthHandler(opts.Healthchecks))
	}

	return r
}
