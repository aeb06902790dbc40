package billing

import (
	"context"
	"net/http"
	"time"
)

// WebhookCallback is invoked after a delivery has been fully dispatched.
// Errors are logged and never change the HTTP response.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error

// Config defines the standard configuration all providers should accept
type Config struct {
	// Repository persists subscriptions, invoices and purchases (required)
	Repository Repository

	// WebhookSecret is the shared secret used to verify inbound deliveries.
	// When empty, verification is skipped and a warning is logged per request.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider (subscription lookup).
	APIKey string

	// SiteURL is the public base URL used for success and activation links.
	SiteURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 5s timeout will be used.
	HTTPClient *http.Client

	// OutboundTimeout bounds every blocking outbound call. Default: 5s.
	OutboundTimeout time.Duration

	// WebhookCallback is an optional hook invoked after successful processing.
	WebhookCallback WebhookCallback

	// Metrics is an optional metrics collector for tracking webhook processing.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics(reg, namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger Logger
}
