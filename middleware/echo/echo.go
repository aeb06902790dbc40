// Package echo mounts a billing provider's webhook handler on an Echo router.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	httpadapter "github.com/mihaimyh/licensehook/middleware/http"
	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Router is satisfied by *echo.Echo and *echo.Group
type Router interface {
	Add(method, path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) *echo.Route
}

// Handler wraps the provider's webhook handler
func Handler(provider billing.Provider) echo.HandlerFunc {
	return echo.WrapHandler(provider.WebhookHandler())
}

// Register mounts Handler for POST and OPTIONS on "/webhooks/<provider>"
func Register(r Router, provider billing.Provider) {
	h := Handler(provider)
	path := httpadapter.Path(provider)
	r.Add(http.MethodPost, path, h)
	r.Add(http.MethodOptions, path, h)
}
