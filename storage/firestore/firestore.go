// Package firestore provides a Firestore implementation of the billing.Repository interface.
// Purchases are stored as a per-session subcollection so one-time licenses are
// created with Create and never overwritten.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Repository implements billing.Repository using Google Cloud Firestore
type Repository struct {
	client                  *firestore.Client
	subscriptionsCollection string
	invoicesCollection      string
	purchasesCollection     string
}

// Config holds Firestore repository configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// InvoicesCollection is the Firestore collection for paid invoices
	// Default: "billing_invoices"
	InvoicesCollection string

	// PurchasesCollection is the Firestore collection holding one document per
	// checkout session, each with a "products" subcollection
	// Default: "billing_purchases"
	PurchasesCollection string
}

// New creates a new Firestore repository
func New(client *firestore.Client, config Config) (*Repository, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.InvoicesCollection == "" {
		config.InvoicesCollection = "billing_invoices"
	}
	if config.PurchasesCollection == "" {
		config.PurchasesCollection = "billing_purchases"
	}

	return &Repository{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		invoicesCollection:      config.InvoicesCollection,
		purchasesCollection:     config.PurchasesCollection,
	}, nil
}

// UpsertSubscription implements billing.Repository
func (r *Repository) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.StripeSubscriptionID == "" {
		return fmt.Errorf("%w: subscription id is required", billing.ErrInvalidRecord)
	}

	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	data := map[string]interface{}{
		"userId":               sub.UserID,
		"tier":                 string(sub.Tier),
		"status":               string(sub.Status),
		"billingPeriod":        string(sub.BillingPeriod),
		"currentPeriodStart":   sub.CurrentPeriodStart,
		"currentPeriodEnd":     sub.CurrentPeriodEnd,
		"cancelAtPeriodEnd":    sub.CancelAtPeriodEnd,
		"cancelledAt":          nil,
		"stripeSubscriptionId": sub.StripeSubscriptionID,
		"stripeCustomerId":     sub.StripeCustomerID,
		"stripePriceId":        sub.StripePriceID,
		"updatedAt":            updatedAt,
	}
	if sub.CancelledAt != nil {
		data["cancelledAt"] = *sub.CancelledAt
	}

	if _, err := r.subscriptionDoc(sub.StripeSubscriptionID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription implements billing.Repository
func (r *Repository) GetSubscription(ctx context.Context, stripeSubscriptionID string) (*billing.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, billing.ErrRecordNotFound
	}
	snap, err := r.subscriptionDoc(stripeSubscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrRecordNotFound
	}
	return subscriptionFromData(snap.Data()), nil
}

// FindSubscriptionByCustomer implements billing.Repository.
// Requires a composite index on (stripeCustomerId, updatedAt desc).
func (r *Repository) FindSubscriptionByCustomer(ctx context.Context, stripeCustomerID string) (*billing.Subscription, error) {
	if stripeCustomerID == "" {
		return nil, billing.ErrRecordNotFound
	}

	iter := r.client.Collection(r.subscriptionsCollection).
		Where("stripeCustomerId", "==", stripeCustomerID).
		OrderBy("updatedAt", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, billing.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	return subscriptionFromData(snap.Data()), nil
}

// UpdateSubscriptionStatus implements billing.Repository
func (r *Repository) UpdateSubscriptionStatus(
	ctx context.Context, stripeSubscriptionID string, newStatus billing.SubscriptionStatus, cancelledAt *time.Time,
) error {
	if stripeSubscriptionID == "" {
		return billing.ErrRecordNotFound
	}
	doc := r.subscriptionDoc(stripeSubscriptionID)

	err := r.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrRecordNotFound
			}
			return err
		}
		if !snap.Exists() {
			return billing.ErrRecordNotFound
		}

		updates := []firestore.Update{
			{Path: "status", Value: string(newStatus)},
			{Path: "updatedAt", Value: time.Now().UTC()},
		}
		if cancelledAt != nil {
			updates = append(updates, firestore.Update{Path: "cancelledAt", Value: cancelledAt.UTC()})
		}
		return tx.Update(doc, updates)
	})
	if errors.Is(err, billing.ErrRecordNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return nil
}

// UpsertInvoice implements billing.Repository
func (r *Repository) UpsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.StripeInvoiceID == "" {
		return fmt.Errorf("%w: invoice id is required", billing.ErrInvalidRecord)
	}

	data := map[string]interface{}{
		"subscriptionId":   inv.SubscriptionID,
		"userId":           inv.UserID,
		"stripeInvoiceId":  inv.StripeInvoiceID,
		"amountPaid":       inv.AmountPaid,
		"currency":         inv.Currency,
		"status":           inv.Status,
		"paidAt":           inv.PaidAt,
		"dueDate":          nil,
		"invoicePdf":       inv.InvoicePDF,
		"hostedInvoiceUrl": inv.HostedInvoiceURL,
	}
	if inv.DueDate != nil {
		data["dueDate"] = *inv.DueDate
	}

	if _, err := r.client.Collection(r.invoicesCollection).Doc(inv.StripeInvoiceID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return nil
}

// GetInvoice implements billing.Repository
func (r *Repository) GetInvoice(ctx context.Context, stripeInvoiceID string) (*billing.Invoice, error) {
	if stripeInvoiceID == "" {
		return nil, billing.ErrRecordNotFound
	}
	snap, err := r.client.Collection(r.invoicesCollection).Doc(stripeInvoiceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrRecordNotFound
	}

	data := snap.Data()
	inv := &billing.Invoice{
		SubscriptionID:   getString(data, "subscriptionId"),
		UserID:           getString(data, "userId"),
		StripeInvoiceID:  getString(data, "stripeInvoiceId"),
		AmountPaid:       getInt64(data, "amountPaid"),
		Currency:         getString(data, "currency"),
		Status:           getString(data, "status"),
		PaidAt:           getTime(data, "paidAt"),
		DueDate:          getTimePtr(data, "dueDate"),
		InvoicePDF:       getString(data, "invoicePdf"),
		HostedInvoiceURL: getString(data, "hostedInvoiceUrl"),
	}
	return inv, nil
}

// CreatePurchase implements billing.Repository. Create fails with AlreadyExists
// for a repeated (session, product) pair, which is treated as success.
func (r *Repository) CreatePurchase(ctx context.Context, p *billing.Purchase) error {
	if p == nil || p.ProductID == "" || p.StripeSessionID == "" {
		return fmt.Errorf("%w: product and session id are required", billing.ErrInvalidRecord)
	}

	data := map[string]interface{}{
		"userId":           p.UserID,
		"productId":        p.ProductID,
		"licenseKey":       p.LicenseKey,
		"stripeSessionId":  p.StripeSessionID,
		"stripeCustomerId": p.StripeCustomerID,
		"amount":           p.Amount,
		"currency":         p.Currency,
		"status":           p.Status,
		"purchasedAt":      p.PurchasedAt,
	}

	_, err := r.productsCollection(p.StripeSessionID).Doc(p.ProductID).Create(ctx, data)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

// ListPurchasesBySession implements billing.Repository
func (r *Repository) ListPurchasesBySession(ctx context.Context, stripeSessionID string) ([]*billing.Purchase, error) {
	purchases := make([]*billing.Purchase, 0)
	if stripeSessionID == "" {
		return purchases, nil
	}

	iter := r.productsCollection(stripeSessionID).Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list purchases: %w", err)
		}
		data := snap.Data()
		purchases = append(purchases, &billing.Purchase{
			UserID:           getString(data, "userId"),
			ProductID:        getString(data, "productId"),
			LicenseKey:       getString(data, "licenseKey"),
			StripeSessionID:  getString(data, "stripeSessionId"),
			StripeCustomerID: getString(data, "stripeCustomerId"),
			Amount:           getInt64(data, "amount"),
			Currency:         getString(data, "currency"),
			Status:           getString(data, "status"),
			PurchasedAt:      getTime(data, "purchasedAt"),
		})
	}

	sort.Slice(purchases, func(i, j int) bool { return purchases[i].ProductID < purchases[j].ProductID })
	return purchases, nil
}

func (r *Repository) subscriptionDoc(id string) *firestore.DocumentRef {
	return r.client.Collection(r.subscriptionsCollection).Doc(id)
}

func (r *Repository) productsCollection(sessionID string) *firestore.CollectionRef {
	return r.client.Collection(r.purchasesCollection).
		Doc(sessionID).
		Collection("products")
}

func subscriptionFromData(data map[string]interface{}) *billing.Subscription {
	return &billing.Subscription{
		UserID:               getString(data, "userId"),
		Tier:                 billing.Tier(getString(data, "tier")),
		Status:               billing.SubscriptionStatus(getString(data, "status")),
		BillingPeriod:        billing.BillingPeriod(getString(data, "billingPeriod")),
		CurrentPeriodStart:   getTime(data, "currentPeriodStart"),
		CurrentPeriodEnd:     getTime(data, "currentPeriodEnd"),
		CancelAtPeriodEnd:    getBool(data, "cancelAtPeriodEnd"),
		CancelledAt:          getTimePtr(data, "cancelledAt"),
		StripeSubscriptionID: getString(data, "stripeSubscriptionId"),
		StripeCustomerID:     getString(data, "stripeCustomerId"),
		StripePriceID:        getString(data, "stripePriceId"),
		UpdatedAt:            getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return &v
	}
	return nil
}
