// Package http mounts a billing provider's webhook handler on a net/http ServeMux.
package http

import (
	"net/http"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Path returns the webhook route for a provider, e.g. "/webhooks/stripe"
func Path(provider billing.Provider) string {
	return "/webhooks/" + provider.Name()
}

// Register mounts the provider's webhook handler for POST and OPTIONS on Path(provider).
// Other methods get 405 from the mux.
func Register(mux *http.ServeMux, provider billing.Provider) {
	handler := provider.WebhookHandler()
	mux.Handle(http.MethodPost+" "+Path(provider), handler)
	mux.Handle(http.MethodOptions+" "+Path(provider), handler)
}
