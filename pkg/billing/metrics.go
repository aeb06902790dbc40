package billing

import "time"

// Metrics defines the interface for tracking webhook ingestion.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: The type of event (e.g., "invoice.paid", "checkout.session.completed")
	// status: "success", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook request rejected before or during dispatch.
	// errorType: e.g. "missing_signature", "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordAbsorbedFailure records a best-effort step that failed without failing the request.
	// operation: e.g. "subscription.resolve", "purchase.persist", "email.send"
	RecordAbsorbedFailure(provider, operation string)

	// RecordStatusTransition records a subscription status change.
	RecordStatusTransition(provider, fromStatus, toStatus string)

	// RecordLicensesIssued records license keys minted for a checkout session.
	RecordLicensesIssued(provider string, count int)

	// RecordEmailDelivery records one attempt against an email sender.
	// status: "success" or "error"
	RecordEmailDelivery(sender, status string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/v1/subscriptions/{id}")
	// status: "success", "error", or an HTTP status code
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAbsorbedFailure(_, _ string)                            {}
func (n *NoopMetrics) RecordStatusTransition(_, _, _ string)                        {}
func (n *NoopMetrics) RecordLicensesIssued(_ string, _ int)                         {}
func (n *NoopMetrics) RecordEmailDelivery(_, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
