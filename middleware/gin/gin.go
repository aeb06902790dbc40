// Package gin mounts a billing provider's webhook handler on a Gin router.
package gin

import (
	"github.com/gin-gonic/gin"

	httpadapter "github.com/mihaimyh/licensehook/middleware/http"
	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Handler wraps the provider's webhook handler. The raw request body reaches
// the handler untouched, which signature verification depends on.
func Handler(provider billing.Provider) gin.HandlerFunc {
	return gin.WrapH(provider.WebhookHandler())
}

// Register mounts Handler for POST and OPTIONS on "/webhooks/<provider>"
func Register(r gin.IRoutes, provider billing.Provider) {
	h := Handler(provider)
	path := httpadapter.Path(provider)
	r.POST(path, h)
	r.OPTIONS(path, h)
}
