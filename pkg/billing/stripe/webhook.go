package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/licensehook/pkg/billing"
	"github.com/mihaimyh/licensehook/pkg/billing/internal"
	"github.com/mihaimyh/licensehook/pkg/billing/signature"
)

const (
	signatureHeader = "Stripe-Signature"

	msgMissingSignature = "Missing stripe-signature header"
	msgInvalidSignature = "Invalid signature"
	msgInvalidJSON      = "Invalid JSON in webhook body"
	msgPayloadTooLarge  = "Payload too large"
	msgUnreadableBody   = "Failed to read request body"
	msgMethodNotAllowed = "Method not allowed"
	msgInternalError    = "Internal server error"
)

// ackBody is the response to every successfully processed delivery
type ackBody struct {
	Received bool `json:"received"`
}

// handleWebhook processes incoming Stripe webhook deliveries. Each branch is
// terminal and every branch carries the same CORS headers.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		_ = internal.WriteError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
		return
	}

	deliveryID := uuid.NewString()
	log := withFields(p.logger, billing.Field{Key: "delivery_id", Value: deliveryID})

	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		p.metrics.RecordWebhookError(providerName, "missing_signature")
		_ = internal.WriteError(w, http.StatusBadRequest, msgMissingSignature)
		return
	}

	// Raw bytes are required for verification; never parse before this point
	body, err := internal.ReadBody(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, msgPayloadTooLarge)
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		_ = internal.WriteError(w, http.StatusBadRequest, msgUnreadableBody)
		return
	}

	if p.webhookSecret != "" {
		verifier := signature.Verifier{Now: p.now}
		if !verifier.Verify(body, sig, p.webhookSecret) {
			p.metrics.RecordWebhookError(providerName, "auth_failed")
			log.Warn("webhook signature rejected")
			_ = internal.WriteError(w, http.StatusUnauthorized, msgInvalidSignature)
			return
		}
	} else {
		log.Warn("webhook secret not configured; processing unverified delivery")
	}

	var envelope stripe.Event
	if err := json.Unmarshal(body, &envelope); err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_json")
		_ = internal.WriteError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	eventType := string(envelope.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}
	log = withFields(log,
		billing.Field{Key: "event_id", Value: envelope.ID},
		billing.Field{Key: "event_type", Value: eventType},
	)

	result, err := p.processSafely(r.Context(), &envelope)
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		log.Error("webhook processing failed", billing.Err(err))

		msg := err.Error()
		if msg == "" {
			msg = msgInternalError
		}
		_ = internal.WriteError(w, http.StatusInternalServerError, msg)
		return
	}

	if p.callback != nil {
		if cbErr := p.callback(r.Context(), result); cbErr != nil {
			log.Warn("webhook callback failed", billing.Err(cbErr))
		}
	}

	outcome := "success"
	if !result.Handled {
		outcome = "ignored"
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, outcome)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	log.Debug("webhook processed", billing.Field{Key: "outcome", Value: outcome})

	_ = internal.WriteJSON(w, http.StatusOK, ackBody{Received: true})
}

// processSafely classifies and dispatches the envelope, converting a panic
// anywhere below into an error.
func (p *Provider) processSafely(ctx context.Context, envelope *stripe.Event) (result billing.WebhookEvent, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError{value: rec}
		}
	}()

	event, err := Classify(envelope)
	if err != nil {
		return billing.WebhookEvent{}, err
	}
	return p.dispatch(ctx, event)
}

// dispatch invokes exactly one handler for the classified event
func (p *Provider) dispatch(ctx context.Context, event Event) (billing.WebhookEvent, error) {
	meta := event.Meta()
	result := billing.WebhookEvent{
		ID:             meta.ID,
		Provider:       providerName,
		EventType:      meta.Type,
		EventTimestamp: meta.Created,
		Handled:        true,
	}

	var err error
	switch ev := event.(type) {
	case CheckoutCompleted:
		if ev.Session.IsOneTime() {
			result.Licenses, err = p.issueLicenses(ctx, ev)
		} else {
			result.SubscriptionID, err = p.createSubscriptionFromCheckout(ctx, ev)
		}
	case SubscriptionChanged:
		result.SubscriptionID, err = p.applySubscriptionChange(ctx, ev)
	case SubscriptionDeleted:
		result.SubscriptionID, err = p.cancelSubscription(ctx, ev)
	case InvoicePaid:
		result.SubscriptionID, err = p.recordInvoicePaid(ctx, ev)
	case InvoicePaymentFailed:
		result.SubscriptionID, err = p.markPaymentFailed(ctx, ev)
	case Unknown:
		p.logger.Info("ignoring unhandled webhook event",
			billing.Field{Key: "event_id", Value: meta.ID},
			billing.Field{Key: "event_type", Value: meta.Type},
		)
		result.Handled = false
	default:
		return result, fmt.Errorf("unsupported event variant %T", event)
	}
	return result, err
}

type panicError struct {
	value interface{}
}

func (e panicError) Error() string {
	if err, ok := e.value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.value)
}

// fieldLogger prepends request-scoped fields to every entry
type fieldLogger struct {
	billing.Logger
	fields []billing.Field
}

func withFields(l billing.Logger, fields ...billing.Field) billing.Logger {
	if fl, ok := l.(fieldLogger); ok {
		merged := make([]billing.Field, 0, len(fl.fields)+len(fields))
		merged = append(merged, fl.fields...)
		return fieldLogger{Logger: fl.Logger, fields: append(merged, fields...)}
	}
	return fieldLogger{Logger: l, fields: fields}
}

func (l fieldLogger) with(fields []billing.Field) []billing.Field {
	out := make([]billing.Field, 0, len(l.fields)+len(fields))
	return append(append(out, l.fields...), fields...)
}

func (l fieldLogger) Debug(msg string, fields ...billing.Field) { l.Logger.Debug(msg, l.with(fields)...) }
func (l fieldLogger) Info(msg string, fields ...billing.Field)  { l.Logger.Info(msg, l.with(fields)...) }
func (l fieldLogger) Warn(msg string, fields ...billing.Field)  { l.Logger.Warn(msg, l.with(fields)...) }
func (l fieldLogger) Error(msg string, fields ...billing.Field) { l.Logger.Error(msg, l.with(fields)...) }

// Helper functions

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type, stripe-signature")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
}
