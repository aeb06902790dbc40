package billing

import "time"

// WebhookEvent describes a delivery that was dispatched successfully.
// It is passed to the WebhookCallback after all state changes were applied.
type WebhookEvent struct {
	// ID is the processor event identifier (e.g. "evt_...")
	ID string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type
	// Stripe: "customer.subscription.updated", "invoice.paid", etc.
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Handled is false for unrecognized event types that were acknowledged and ignored
	Handled bool

	// SubscriptionID is the processor subscription the event applied to, if any
	SubscriptionID string

	// Licenses holds the keys issued by a one-time checkout, keyed by product ID
	Licenses map[string]string
}
