// Package memory provides an in-memory implementation of the billing.Repository interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Repository implements billing.Repository using in-memory maps
type Repository struct {
	mu            sync.RWMutex
	subscriptions map[string]*billing.Subscription
	invoices      map[string]*billing.Invoice
	purchases     map[string]*billing.Purchase
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		subscriptions: make(map[string]*billing.Subscription),
		invoices:      make(map[string]*billing.Invoice),
		purchases:     make(map[string]*billing.Purchase),
	}
}

// UpsertSubscription implements billing.Repository
func (r *Repository) UpsertSubscription(_ context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.StripeSubscriptionID == "" {
		return fmt.Errorf("%w: subscription id is required", billing.ErrInvalidRecord)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy to prevent external mutations
	r.subscriptions[sub.StripeSubscriptionID] = copySubscription(sub)
	return nil
}

// GetSubscription implements billing.Repository
func (r *Repository) GetSubscription(_ context.Context, stripeSubscriptionID string) (*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subscriptions[stripeSubscriptionID]
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return copySubscription(sub), nil
}

// FindSubscriptionByCustomer implements billing.Repository
func (r *Repository) FindSubscriptionByCustomer(_ context.Context, stripeCustomerID string) (*billing.Subscription, error) {
	if stripeCustomerID == "" {
		return nil, billing.ErrRecordNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *billing.Subscription
	for _, sub := range r.subscriptions {
		if sub.StripeCustomerID != stripeCustomerID {
			continue
		}
		if latest == nil || sub.UpdatedAt.After(latest.UpdatedAt) ||
			(sub.UpdatedAt.Equal(latest.UpdatedAt) && sub.StripeSubscriptionID > latest.StripeSubscriptionID) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, billing.ErrRecordNotFound
	}
	return copySubscription(latest), nil
}

// UpdateSubscriptionStatus implements billing.Repository
func (r *Repository) UpdateSubscriptionStatus(
	_ context.Context, stripeSubscriptionID string, status billing.SubscriptionStatus, cancelledAt *time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscriptions[stripeSubscriptionID]
	if !ok {
		return billing.ErrRecordNotFound
	}
	sub.Status = status
	if cancelledAt != nil {
		t := *cancelledAt
		sub.CancelledAt = &t
	}
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// UpsertInvoice implements billing.Repository
func (r *Repository) UpsertInvoice(_ context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.StripeInvoiceID == "" {
		return fmt.Errorf("%w: invoice id is required", billing.ErrInvalidRecord)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	invCopy := *inv
	if inv.DueDate != nil {
		due := *inv.DueDate
		invCopy.DueDate = &due
	}
	r.invoices[inv.StripeInvoiceID] = &invCopy
	return nil
}

// GetInvoice implements billing.Repository
func (r *Repository) GetInvoice(_ context.Context, stripeInvoiceID string) (*billing.Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.invoices[stripeInvoiceID]
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	invCopy := *inv
	return &invCopy, nil
}

// CreatePurchase implements billing.Repository. Existing rows are never replaced.
func (r *Repository) CreatePurchase(_ context.Context, p *billing.Purchase) error {
	if p == nil || p.ProductID == "" || p.StripeSessionID == "" {
		return fmt.Errorf("%w: product and session id are required", billing.ErrInvalidRecord)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := purchaseKey(p.ProductID, p.StripeSessionID)
	if _, exists := r.purchases[key]; exists {
		return nil
	}
	pCopy := *p
	r.purchases[key] = &pCopy
	return nil
}

// ListPurchasesBySession implements billing.Repository
func (r *Repository) ListPurchasesBySession(_ context.Context, stripeSessionID string) ([]*billing.Purchase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*billing.Purchase, 0)
	for _, p := range r.purchases {
		if p.StripeSessionID == stripeSessionID {
			pCopy := *p
			out = append(out, &pCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Counts returns the number of stored subscriptions, invoices and purchases
func (r *Repository) Counts() (subscriptions, invoices, purchases int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions), len(r.invoices), len(r.purchases)
}

func copySubscription(sub *billing.Subscription) *billing.Subscription {
	subCopy := *sub
	if sub.CancelledAt != nil {
		t := *sub.CancelledAt
		subCopy.CancelledAt = &t
	}
	return &subCopy
}

func purchaseKey(productID, sessionID string) string {
	return sessionID + "\x00" + productID
}
