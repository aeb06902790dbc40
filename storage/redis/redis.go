// Package redis provides a Redis implementation of the billing.Repository interface.
// Records are stored as JSON strings; secondary indexes (customer, session) are
// kept in sorted sets and sets updated atomically with the record.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Repository implements billing.Repository using Redis
type Repository struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis repository configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "licensehook:")
	KeyPrefix string

	// MaxRetries is the maximum number of optimistic-transaction attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "licensehook:",
		MaxRetries: 3,
	}
}

// New creates a new Redis repository
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Repository, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "licensehook:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	r := &Repository{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	r.loadScripts()

	return r, nil
}

// loadScripts loads the Lua scripts used for atomic multi-key writes
func (r *Repository) loadScripts() {
	// Write a subscription and index it under its customer
	r.scripts["upsert_subscription"] = redis.NewScript(`
		local subKey = KEYS[1]
		local customerKey = KEYS[2]
		local data = ARGV[1]
		local score = tonumber(ARGV[2])
		local subID = ARGV[3]

		redis.call('SET', subKey, data)
		if customerKey ~= "" then
			redis.call('ZADD', customerKey, score, subID)
		end
		return 1
	`)

	// Insert a purchase only if absent and index it under its session
	r.scripts["create_purchase"] = redis.NewScript(`
		local purchaseKey = KEYS[1]
		local sessionKey = KEYS[2]
		local data = ARGV[1]

		if redis.call('SETNX', purchaseKey, data) == 1 then
			redis.call('SADD', sessionKey, purchaseKey)
			return 1
		end
		return 0
	`)
}

// UpsertSubscription implements billing.Repository
func (r *Repository) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.StripeSubscriptionID == "" {
		return fmt.Errorf("%w: subscription id is required", billing.ErrInvalidRecord)
	}

	record := *sub
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	customerKey := ""
	if record.StripeCustomerID != "" {
		customerKey = r.customerKey(record.StripeCustomerID)
	}

	err = r.scripts["upsert_subscription"].Run(ctx, r.client,
		[]string{r.subscriptionKey(record.StripeSubscriptionID), customerKey},
		data, record.UpdatedAt.UnixMilli(), record.StripeSubscriptionID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription implements billing.Repository
func (r *Repository) GetSubscription(ctx context.Context, stripeSubscriptionID string) (*billing.Subscription, error) {
	data, err := r.client.Get(ctx, r.subscriptionKey(stripeSubscriptionID)).Bytes()
	if err == redis.Nil {
		return nil, billing.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub billing.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// FindSubscriptionByCustomer implements billing.Repository. Index entries whose
// subscription has since moved to another customer are skipped.
func (r *Repository) FindSubscriptionByCustomer(ctx context.Context, stripeCustomerID string) (*billing.Subscription, error) {
	if stripeCustomerID == "" {
		return nil, billing.ErrRecordNotFound
	}

	ids, err := r.client.ZRevRange(ctx, r.customerKey(stripeCustomerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read customer index: %w", err)
	}

	var latest *billing.Subscription
	for _, id := range ids {
		sub, err := r.GetSubscription(ctx, id)
		if errors.Is(err, billing.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if sub.StripeCustomerID != stripeCustomerID {
			continue
		}
		if latest == nil || sub.UpdatedAt.After(latest.UpdatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, billing.ErrRecordNotFound
	}
	return latest, nil
}

// UpdateSubscriptionStatus implements billing.Repository using an optimistic
// WATCH/MULTI transaction on the subscription key.
func (r *Repository) UpdateSubscriptionStatus(
	ctx context.Context, stripeSubscriptionID string, status billing.SubscriptionStatus, cancelledAt *time.Time,
) error {
	key := r.subscriptionKey(stripeSubscriptionID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return billing.ErrRecordNotFound
		}
		if err != nil {
			return err
		}

		var sub billing.Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		sub.Status = status
		if cancelledAt != nil {
			t := cancelledAt.UTC()
			sub.CancelledAt = &t
		}
		sub.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(&sub)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if sub.StripeCustomerID != "" {
				pipe.ZAdd(ctx, r.customerKey(sub.StripeCustomerID), redis.Z{
					Score:  float64(sub.UpdatedAt.UnixMilli()),
					Member: sub.StripeSubscriptionID,
				})
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.config.MaxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, billing.ErrRecordNotFound) {
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to update subscription status: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to update subscription status: too many concurrent writers")
}

// UpsertInvoice implements billing.Repository
func (r *Repository) UpsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.StripeInvoiceID == "" {
		return fmt.Errorf("%w: invoice id is required", billing.ErrInvalidRecord)
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invoice: %w", err)
	}
	if err := r.client.Set(ctx, r.invoiceKey(inv.StripeInvoiceID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return nil
}

// GetInvoice implements billing.Repository
func (r *Repository) GetInvoice(ctx context.Context, stripeInvoiceID string) (*billing.Invoice, error) {
	data, err := r.client.Get(ctx, r.invoiceKey(stripeInvoiceID)).Bytes()
	if err == redis.Nil {
		return nil, billing.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	var inv billing.Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	return &inv, nil
}

// CreatePurchase implements billing.Repository. Existing rows are never replaced.
func (r *Repository) CreatePurchase(ctx context.Context, p *billing.Purchase) error {
	if p == nil || p.ProductID == "" || p.StripeSessionID == "" {
		return fmt.Errorf("%w: product and session id are required", billing.ErrInvalidRecord)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal purchase: %w", err)
	}

	err = r.scripts["create_purchase"].Run(ctx, r.client,
		[]string{r.purchaseKey(p.StripeSessionID, p.ProductID), r.sessionKey(p.StripeSessionID)},
		data,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

// ListPurchasesBySession implements billing.Repository
func (r *Repository) ListPurchasesBySession(ctx context.Context, stripeSessionID string) ([]*billing.Purchase, error) {
	keys, err := r.client.SMembers(ctx, r.sessionKey(stripeSessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}

	purchases := make([]*billing.Purchase, 0, len(keys))
	if len(keys) == 0 {
		return purchases, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p billing.Purchase
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal purchase: %w", err)
		}
		purchases = append(purchases, &p)
	}
	sort.Slice(purchases, func(i, j int) bool { return purchases[i].ProductID < purchases[j].ProductID })
	return purchases, nil
}

// Close closes the Redis client connection
func (r *Repository) Close() error {
	return r.client.Close()
}

// Ping checks the Redis connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Repository) subscriptionKey(id string) string {
	return r.config.KeyPrefix + "subscription:" + id
}

func (r *Repository) customerKey(customerID string) string {
	return r.config.KeyPrefix + "customer:" + customerID + ":subscriptions"
}

func (r *Repository) invoiceKey(id string) string {
	return r.config.KeyPrefix + "invoice:" + id
}

// purchaseKey and sessionKey share a hash tag so cluster scripts stay on one slot
func (r *Repository) purchaseKey(sessionID, productID string) string {
	return r.config.KeyPrefix + "purchase:{" + sessionID + "}:" + productID
}

func (r *Repository) sessionKey(sessionID string) string {
	return r.config.KeyPrefix + "session:{" + sessionID + "}:purchases"
}
