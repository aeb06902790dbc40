// Package gorilla mounts a billing provider's webhook handler on a gorilla/mux router.
package gorilla

import (
	"net/http"

	"github.com/gorilla/mux"

	httpadapter "github.com/mihaimyh/licensehook/middleware/http"
	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Register mounts the provider's webhook handler for POST and OPTIONS on "/webhooks/<provider>"
func Register(r *mux.Router, provider billing.Provider) *mux.Route {
	return r.Handle(httpadapter.Path(provider), provider.WebhookHandler()).
		Methods(http.MethodPost, http.MethodOptions)
}
