// Package postgres provides a PostgreSQL implementation of the billing.Repository interface.
// Every write is an INSERT ... ON CONFLICT keyed by the processor identifier, so
// redelivered webhooks converge on the same rows.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

//go:embed schema.sql
var schema string

// Repository implements billing.Repository using PostgreSQL
type Repository struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL repository configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies schema.sql on startup
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
	}
}

// New creates a new PostgreSQL repository
func New(ctx context.Context, config Config) (*Repository, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := &Repository{pool: pool}
	if config.Migrate {
		if err := r.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return r, nil
}

// Migrate creates the tables and indexes if they do not exist
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping verifies the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const subscriptionColumns = `user_id, tier, status, billing_period, current_period_start, current_period_end,
	cancel_at_period_end, cancelled_at, stripe_subscription_id, stripe_customer_id, stripe_price_id, updated_at`

// UpsertSubscription implements billing.Repository
func (r *Repository) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.StripeSubscriptionID == "" {
		return fmt.Errorf("%w: subscription id is required", billing.ErrInvalidRecord)
	}

	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (stripe_subscription_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				tier = EXCLUDED.tier,
				status = EXCLUDED.status,
				billing_period = EXCLUDED.billing_period,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				cancelled_at = EXCLUDED.cancelled_at,
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				stripe_price_id = EXCLUDED.stripe_price_id,
				updated_at = EXCLUDED.updated_at`,
		sub.UserID, string(sub.Tier), string(sub.Status), string(sub.BillingPeriod),
		nullableTime(sub.CurrentPeriodStart), nullableTime(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd, sub.CancelledAt,
		sub.StripeSubscriptionID, sub.StripeCustomerID, sub.StripePriceID, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription implements billing.Repository
func (r *Repository) GetSubscription(ctx context.Context, stripeSubscriptionID string) (*billing.Subscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID)
	return scanSubscription(row)
}

// FindSubscriptionByCustomer implements billing.Repository
func (r *Repository) FindSubscriptionByCustomer(ctx context.Context, stripeCustomerID string) (*billing.Subscription, error) {
	if stripeCustomerID == "" {
		return nil, billing.ErrRecordNotFound
	}
	row := r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE stripe_customer_id = $1
			ORDER BY updated_at DESC, stripe_subscription_id DESC
			LIMIT 1`,
		stripeCustomerID)
	return scanSubscription(row)
}

// UpdateSubscriptionStatus implements billing.Repository
func (r *Repository) UpdateSubscriptionStatus(
	ctx context.Context, stripeSubscriptionID string, status billing.SubscriptionStatus, cancelledAt *time.Time,
) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE subscriptions
			SET status = $2, cancelled_at = COALESCE($3, cancelled_at), updated_at = $4
			WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID, string(status), cancelledAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrRecordNotFound
	}
	return nil
}

// UpsertInvoice implements billing.Repository
func (r *Repository) UpsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.StripeInvoiceID == "" {
		return fmt.Errorf("%w: invoice id is required", billing.ErrInvalidRecord)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO invoices (stripe_invoice_id, subscription_id, user_id, amount_paid, currency, status,
				paid_at, due_date, invoice_pdf, hosted_invoice_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (stripe_invoice_id) DO UPDATE SET
				subscription_id = EXCLUDED.subscription_id,
				user_id = EXCLUDED.user_id,
				amount_paid = EXCLUDED.amount_paid,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				paid_at = EXCLUDED.paid_at,
				due_date = EXCLUDED.due_date,
				invoice_pdf = EXCLUDED.invoice_pdf,
				hosted_invoice_url = EXCLUDED.hosted_invoice_url`,
		inv.StripeInvoiceID, inv.SubscriptionID, inv.UserID, inv.AmountPaid, inv.Currency, inv.Status,
		nullableTime(inv.PaidAt), inv.DueDate, inv.InvoicePDF, inv.HostedInvoiceURL,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return nil
}

// GetInvoice implements billing.Repository
func (r *Repository) GetInvoice(ctx context.Context, stripeInvoiceID string) (*billing.Invoice, error) {
	var inv billing.Invoice
	var paidAt *time.Time

	err := r.pool.QueryRow(ctx,
		`SELECT stripe_invoice_id, subscription_id, user_id, amount_paid, currency, status,
				paid_at, due_date, invoice_pdf, hosted_invoice_url
			FROM invoices WHERE stripe_invoice_id = $1`,
		stripeInvoiceID).Scan(
		&inv.StripeInvoiceID, &inv.SubscriptionID, &inv.UserID, &inv.AmountPaid, &inv.Currency, &inv.Status,
		&paidAt, &inv.DueDate, &inv.InvoicePDF, &inv.HostedInvoiceURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	inv.PaidAt = valueOrZero(paidAt)
	return &inv, nil
}

// CreatePurchase implements billing.Repository. Existing rows are never replaced.
func (r *Repository) CreatePurchase(ctx context.Context, p *billing.Purchase) error {
	if p == nil || p.ProductID == "" || p.StripeSessionID == "" {
		return fmt.Errorf("%w: product and session id are required", billing.ErrInvalidRecord)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO one_time_purchases (stripe_session_id, product_id, user_id, license_key,
				stripe_customer_id, amount, currency, status, purchased_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (product_id, stripe_session_id) DO NOTHING`,
		p.StripeSessionID, p.ProductID, p.UserID, p.LicenseKey,
		p.StripeCustomerID, p.Amount, p.Currency, p.Status, p.PurchasedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

// ListPurchasesBySession implements billing.Repository
func (r *Repository) ListPurchasesBySession(ctx context.Context, stripeSessionID string) ([]*billing.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT stripe_session_id, product_id, user_id, license_key, stripe_customer_id,
				amount, currency, status, purchased_at
			FROM one_time_purchases WHERE stripe_session_id = $1
			ORDER BY product_id`,
		stripeSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	purchases := make([]*billing.Purchase, 0)
	for rows.Next() {
		var p billing.Purchase
		if err := rows.Scan(
			&p.StripeSessionID, &p.ProductID, &p.UserID, &p.LicenseKey, &p.StripeCustomerID,
			&p.Amount, &p.Currency, &p.Status, &p.PurchasedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	return purchases, nil
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var tier, status, period string
	var start, end *time.Time

	err := row.Scan(
		&sub.UserID, &tier, &status, &period, &start, &end,
		&sub.CancelAtPeriodEnd, &sub.CancelledAt,
		&sub.StripeSubscriptionID, &sub.StripeCustomerID, &sub.StripePriceID, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.Tier = billing.Tier(tier)
	sub.Status = billing.SubscriptionStatus(status)
	sub.BillingPeriod = billing.BillingPeriod(period)
	sub.CurrentPeriodStart = valueOrZero(start)
	sub.CurrentPeriodEnd = valueOrZero(end)
	return &sub, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func valueOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
