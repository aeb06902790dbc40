package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/licensehook/pkg/billing"
	"github.com/mihaimyh/licensehook/pkg/billing/internal"
)

const subscriptionsEndpoint = "/v1/subscriptions/{id}"

// SubscriptionLookup fetches the authoritative state of a subscription from
// the payment processor.
type SubscriptionLookup interface {
	Subscription(ctx context.Context, id string) (*SubscriptionPayload, error)
}

// APILookup implements SubscriptionLookup with the Stripe API
type APILookup struct {
	client  *stripe.Client
	metrics billing.Metrics
}

// NewAPILookup creates a lookup backed by a Stripe client for apiKey
func NewAPILookup(apiKey string, metrics billing.Metrics) *APILookup {
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &APILookup{
		client:  stripe.NewClient(apiKey),
		metrics: metrics,
	}
}

// Subscription retrieves subscription id. The raw response is decoded into
// SubscriptionPayload so item-level period fields are read the same way as
// in webhook payloads.
func (l *APILookup) Subscription(ctx context.Context, id string) (*SubscriptionPayload, error) {
	startTime := time.Now()

	sub, err := l.client.V1Subscriptions.Retrieve(ctx, id, nil)
	l.metrics.RecordAPICallDuration(providerName, subscriptionsEndpoint, time.Since(startTime))
	if err != nil {
		l.metrics.RecordAPICall(providerName, subscriptionsEndpoint, "error")
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return nil, fmt.Errorf("%w: status %d: %s", billing.ErrProviderAPIError, stripeErr.HTTPStatusCode, stripeErr.Msg)
		}
		return nil, fmt.Errorf("failed to fetch subscription: %w", err)
	}
	l.metrics.RecordAPICall(providerName, subscriptionsEndpoint, "success")

	if sub.LastResponse == nil || len(sub.LastResponse.RawJSON) == 0 {
		return nil, fmt.Errorf("%w: empty subscription response", billing.ErrProviderAPIError)
	}

	var payload SubscriptionPayload
	if err := json.Unmarshal(sub.LastResponse.RawJSON, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &payload, nil
}

// breakerLookup fails fast while the Stripe API keeps failing so checkouts
// fall back to the configured periods without waiting out the timeout.
type breakerLookup struct {
	next    SubscriptionLookup
	breaker *internal.CircuitBreaker
}

func newBreakerLookup(next SubscriptionLookup, threshold int, resetTimeout time.Duration,
	now func() time.Time, logger billing.Logger) *breakerLookup {
	return &breakerLookup{
		next: next,
		breaker: internal.NewCircuitBreaker(threshold, resetTimeout, now, func(state internal.CircuitBreakerState) {
			logger.Warn("stripe: subscription lookup circuit changed state", billing.Field{Key: "state", Value: string(state)})
		}),
	}
}

func (l *breakerLookup) Subscription(ctx context.Context, id string) (*SubscriptionPayload, error) {
	var payload *SubscriptionPayload
	err := l.breaker.Execute(func() error {
		var err error
		payload, err = l.next.Subscription(ctx, id)
		return err
	})
	if errors.Is(err, internal.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	return payload, err
}
