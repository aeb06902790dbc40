// Package tiered provides a Hot/Cold tiered repository that pairs a fast
// ephemeral store (Hot, e.g. Redis) with a durable store (Cold, e.g. Postgres).
// Cold is always the source of truth.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Config configures the tiered repository behavior
type Config struct {
	// Hot is the L1 cache repository (e.g., Redis, Memory)
	Hot billing.Repository

	// Cold is the L2 persistence repository (e.g., Postgres, Firestore)
	Cold billing.Repository

	// AsyncHotSync moves Hot writes onto a background worker so webhook
	// latency is bound by Cold only. If false, Hot is written inline.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails or is dropped
	AsyncErrorHandler func(error)
}

// Repository implements a Hot/Cold tiered billing.Repository.
// - Read-Through: GetSubscription, GetInvoice, ListPurchasesBySession (Hot → Cold → populate Hot)
// - Cold-Only: FindSubscriptionByCustomer
// - Write-Through: all writes (Cold → Hot)
type Repository struct {
	hot  billing.Repository
	cold billing.Repository
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered repository.
func New(config Config) (*Repository, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered repository: both hot and cold repositories are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	r := &Repository{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		r.startWorker()
	}

	return r, nil
}

// Close drains pending Hot writes and stops the async worker (if enabled).
func (r *Repository) Close() error {
	if r.conf.AsyncHotSync {
		r.closeOnce.Do(func() {
			close(r.shutdown)
			r.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially to keep writes for the same record ordered.
func (r *Repository) startWorker() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case job := <-r.syncQueue:
				r.run(job)
			case <-r.shutdown:
				for {
					select {
					case job := <-r.syncQueue:
						r.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (r *Repository) run(job func() error) {
	if err := job(); err != nil {
		r.reportError(fmt.Errorf("tiered sync failed: %w", err))
	}
}

func (r *Repository) reportError(err error) {
	if r.conf.AsyncErrorHandler != nil {
		r.conf.AsyncErrorHandler(err)
	}
}

// writeHot applies a Hot write inline or through the async queue.
// Hot failures never fail the caller since Cold already succeeded.
func (r *Repository) writeHot(ctx context.Context, write func(context.Context) error) {
	if !r.conf.AsyncHotSync {
		if err := write(ctx); err != nil {
			r.reportError(fmt.Errorf("tiered repository: hot write failed: %w", err))
		}
		return
	}

	select {
	case r.syncQueue <- func() error {
		// Background context so the write completes after the request returns
		return write(context.Background())
	}:
	default:
		r.reportError(errors.New("tiered repository: sync queue full, dropping hot write"))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetSubscription implements billing.Repository with read-through strategy.
func (r *Repository) GetSubscription(ctx context.Context, stripeSubscriptionID string) (*billing.Subscription, error) {
	sub, err := r.hot.GetSubscription(ctx, stripeSubscriptionID)
	if err == nil {
		return sub, nil
	}

	sub, err = r.cold.GetSubscription(ctx, stripeSubscriptionID)
	if err != nil {
		return nil, err
	}

	// Read-repair; cache fill errors are non-critical
	_ = r.hot.UpsertSubscription(ctx, sub) //nolint:errcheck // Cache fill
	return sub, nil
}

// GetInvoice implements billing.Repository with read-through strategy.
func (r *Repository) GetInvoice(ctx context.Context, stripeInvoiceID string) (*billing.Invoice, error) {
	inv, err := r.hot.GetInvoice(ctx, stripeInvoiceID)
	if err == nil {
		return inv, nil
	}

	inv, err = r.cold.GetInvoice(ctx, stripeInvoiceID)
	if err != nil {
		return nil, err
	}

	_ = r.hot.UpsertInvoice(ctx, inv) //nolint:errcheck // Cache fill
	return inv, nil
}

// ListPurchasesBySession implements billing.Repository with read-through strategy.
// Hot is trusted only when it returns at least one purchase.
func (r *Repository) ListPurchasesBySession(ctx context.Context, stripeSessionID string) ([]*billing.Purchase, error) {
	purchases, err := r.hot.ListPurchasesBySession(ctx, stripeSessionID)
	if err == nil && len(purchases) > 0 {
		return purchases, nil
	}

	purchases, err = r.cold.ListPurchasesBySession(ctx, stripeSessionID)
	if err != nil {
		return nil, err
	}

	for _, p := range purchases {
		_ = r.hot.CreatePurchase(ctx, p) //nolint:errcheck // Cache fill
	}
	return purchases, nil
}

// --- Strategy: Cold-Only ---

// FindSubscriptionByCustomer implements billing.Repository against Cold only,
// since Hot may hold an incomplete set of the customer's subscriptions.
func (r *Repository) FindSubscriptionByCustomer(ctx context.Context, stripeCustomerID string) (*billing.Subscription, error) {
	return r.cold.FindSubscriptionByCustomer(ctx, stripeCustomerID)
}

// --- Strategy: Write-Through (Cold → Hot) ---

// UpsertSubscription implements billing.Repository with write-through strategy.
func (r *Repository) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if err := r.cold.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	clone := *sub
	r.writeHot(ctx, func(ctx context.Context) error {
		return r.hot.UpsertSubscription(ctx, &clone)
	})
	return nil
}

// UpdateSubscriptionStatus implements billing.Repository with write-through strategy.
// Hot receives the full row re-read from Cold, so a Hot miss does not leave it stale.
func (r *Repository) UpdateSubscriptionStatus(
	ctx context.Context, stripeSubscriptionID string, status billing.SubscriptionStatus, cancelledAt *time.Time,
) error {
	if err := r.cold.UpdateSubscriptionStatus(ctx, stripeSubscriptionID, status, cancelledAt); err != nil {
		return err
	}

	sub, err := r.cold.GetSubscription(ctx, stripeSubscriptionID)
	if err != nil {
		r.reportError(fmt.Errorf("tiered repository: refresh after status update failed: %w", err))
		return nil
	}
	r.writeHot(ctx, func(ctx context.Context) error {
		return r.hot.UpsertSubscription(ctx, sub)
	})
	return nil
}

// UpsertInvoice implements billing.Repository with write-through strategy.
func (r *Repository) UpsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	if err := r.cold.UpsertInvoice(ctx, inv); err != nil {
		return err
	}
	clone := *inv
	r.writeHot(ctx, func(ctx context.Context) error {
		return r.hot.UpsertInvoice(ctx, &clone)
	})
	return nil
}

// CreatePurchase implements billing.Repository with write-through strategy.
// Hot is filled from Cold's stored rows so a concurrent duplicate cannot
// leave Hot holding a different license key than Cold.
func (r *Repository) CreatePurchase(ctx context.Context, p *billing.Purchase) error {
	if err := r.cold.CreatePurchase(ctx, p); err != nil {
		return err
	}
	sessionID := p.StripeSessionID
	r.writeHot(ctx, func(ctx context.Context) error {
		stored, err := r.cold.ListPurchasesBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, purchase := range stored {
			if err := r.hot.CreatePurchase(ctx, purchase); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}
