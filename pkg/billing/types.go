package billing

import "time"

// Tier identifies the product plan a subscription grants.
// Unknown tiers are stored as-is so new plans do not require a release.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// SubscriptionStatus is the internal subscription lifecycle state
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusTrialing  SubscriptionStatus = "trialing"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

// BillingPeriod is the recurring interval of a subscription
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodAnnual  BillingPeriod = "annual"
)

const (
	// InvoiceStatusPaid is the only invoice status recorded; failed payments never create invoices
	InvoiceStatusPaid = "paid"

	// PurchaseStatusActive is the status of every newly issued license
	PurchaseStatusActive = "active"
)

// Subscription represents a user's recurring entitlement.
// StripeSubscriptionID is the upsert key; rows are never hard-deleted.
type Subscription struct {
	UserID               string
	Tier                 Tier
	Status               SubscriptionStatus
	BillingPeriod        BillingPeriod
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
	CancelledAt          *time.Time
	StripeSubscriptionID string
	StripeCustomerID     string
	StripePriceID        string
	UpdatedAt            time.Time
}

// Invoice is a paid billing event tied to a subscription, keyed by StripeInvoiceID
type Invoice struct {
	SubscriptionID   string
	UserID           string
	StripeInvoiceID  string
	AmountPaid       int64
	Currency         string
	Status           string
	PaidAt           time.Time
	DueDate          *time.Time
	InvoicePDF       string
	HostedInvoiceURL string
}

// Purchase is a one-time product license. One record exists per
// (ProductID, StripeSessionID) and it is immutable once created.
type Purchase struct {
	UserID           string
	ProductID        string
	LicenseKey       string
	StripeSessionID  string
	StripeCustomerID string
	Amount           int64
	Currency         string
	Status           string
	PurchasedAt      time.Time
}
