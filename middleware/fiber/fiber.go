// Package fiber mounts a billing provider's webhook handler on a Fiber router.
package fiber

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	httpadapter "github.com/mihaimyh/licensehook/middleware/http"
	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Handler converts the provider's net/http webhook handler to a fiber.Handler
func Handler(provider billing.Provider) fiber.Handler {
	return adaptor.HTTPHandler(provider.WebhookHandler())
}

// Register mounts Handler for POST and OPTIONS on "/webhooks/<provider>"
func Register(r fiber.Router, provider billing.Provider) {
	h := Handler(provider)
	path := httpadapter.Path(provider)
	r.Post(path, h)
	r.Options(path, h)
}
