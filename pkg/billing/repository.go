package billing

import (
	"context"
	"time"
)

// Repository defines the persistence contract used by webhook handlers.
// Every write is keyed by a processor-assigned identifier so that applying
// the same input twice leaves the store unchanged.
type Repository interface {
	// UpsertSubscription inserts or replaces the row keyed by StripeSubscriptionID
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription returns ErrRecordNotFound when no row exists
	GetSubscription(ctx context.Context, stripeSubscriptionID string) (*Subscription, error)

	// FindSubscriptionByCustomer returns the most recently updated subscription
	// for the customer, or ErrRecordNotFound
	FindSubscriptionByCustomer(ctx context.Context, stripeCustomerID string) (*Subscription, error)

	// UpdateSubscriptionStatus changes status of an existing row. A nil cancelledAt
	// leaves the stored cancellation time unchanged.
	// Returns ErrRecordNotFound when the row does not exist.
	UpdateSubscriptionStatus(
		ctx context.Context, stripeSubscriptionID string, status SubscriptionStatus, cancelledAt *time.Time,
	) error

	// UpsertInvoice inserts or replaces the row keyed by StripeInvoiceID
	UpsertInvoice(ctx context.Context, inv *Invoice) error

	// GetInvoice returns ErrRecordNotFound when no row exists
	GetInvoice(ctx context.Context, stripeInvoiceID string) (*Invoice, error)

	// CreatePurchase inserts the purchase unless one already exists for
	// (ProductID, StripeSessionID), in which case it is a no-op
	CreatePurchase(ctx context.Context, p *Purchase) error

	// ListPurchasesBySession returns all purchases recorded for a checkout session.
	// An empty slice (not an error) is returned when there are none.
	ListPurchasesBySession(ctx context.Context, stripeSessionID string) ([]*Purchase, error)
}
