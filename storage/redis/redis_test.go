package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

// setupTestRepository starts an in-process Redis and returns a repository on it
func setupTestRepository(t *testing.T) (*Repository, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return repo, mr
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil client")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	repo, err := New(client, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if repo.config.KeyPrefix != "licensehook:" || repo.config.MaxRetries != 3 {
		t.Errorf("Defaults not applied: %+v", repo.config)
	}
}

func TestRepository_SubscriptionRoundTrip(t *testing.T) {
	repo, mr := setupTestRepository(t)
	ctx := context.Background()

	if _, err := repo.GetSubscription(ctx, "sub_1"); !errors.Is(err, billing.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}

	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	sub := &billing.Subscription{
		UserID:               "user1",
		Tier:                 billing.TierEnterprise,
		Status:               billing.StatusActive,
		BillingPeriod:        billing.PeriodMonthly,
		CurrentPeriodStart:   now,
		CurrentPeriodEnd:     now.AddDate(0, 1, 0),
		StripeSubscriptionID: "sub_1",
		StripeCustomerID:     "cus_1",
		UpdatedAt:            now,
	}
	if err := repo.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	if !mr.Exists("licensehook:subscription:sub_1") {
		t.Error("Expected subscription key to exist")
	}

	got, err := repo.GetSubscription(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.Tier != sub.Tier || !got.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) {
		t.Errorf("Unexpected subscription %+v", got)
	}
}

func TestRepository_FindSubscriptionByCustomer(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = repo.UpsertSubscription(ctx, &billing.Subscription{StripeSubscriptionID: "sub_old", StripeCustomerID: "cus_1", UpdatedAt: base})
	_ = repo.UpsertSubscription(ctx, &billing.Subscription{StripeSubscriptionID: "sub_new", StripeCustomerID: "cus_1", UpdatedAt: base.Add(time.Hour)})

	got, err := repo.FindSubscriptionByCustomer(ctx, "cus_1")
	if err != nil {
		t.Fatalf("FindSubscriptionByCustomer failed: %v", err)
	}
	if got.StripeSubscriptionID != "sub_new" {
		t.Errorf("Expected sub_new, got %s", got.StripeSubscriptionID)
	}

	// Moving sub_new to another customer leaves a stale index entry that must be ignored
	_ = repo.UpsertSubscription(ctx, &billing.Subscription{StripeSubscriptionID: "sub_new", StripeCustomerID: "cus_2", UpdatedAt: base.Add(2 * time.Hour)})
	got, err = repo.FindSubscriptionByCustomer(ctx, "cus_1")
	if err != nil {
		t.Fatalf("FindSubscriptionByCustomer failed: %v", err)
	}
	if got.StripeSubscriptionID != "sub_old" {
		t.Errorf("Expected sub_old after move, got %s", got.StripeSubscriptionID)
	}

	if _, err := repo.FindSubscriptionByCustomer(ctx, "cus_missing"); !errors.Is(err, billing.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestRepository_UpdateSubscriptionStatus(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()

	if err := repo.UpdateSubscriptionStatus(ctx, "sub_missing", billing.StatusPastDue, nil); !errors.Is(err, billing.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}

	_ = repo.UpsertSubscription(ctx, &billing.Subscription{StripeSubscriptionID: "sub_1", StripeCustomerID: "cus_1", Status: billing.StatusActive})

	cancelledAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.UpdateSubscriptionStatus(ctx, "sub_1", billing.StatusCancelled, &cancelledAt); err != nil {
		t.Fatalf("UpdateSubscriptionStatus failed: %v", err)
	}
	if err := repo.UpdateSubscriptionStatus(ctx, "sub_1", billing.StatusCancelled, nil); err != nil {
		t.Fatalf("UpdateSubscriptionStatus failed: %v", err)
	}

	got, _ := repo.GetSubscription(ctx, "sub_1")
	if got.Status != billing.StatusCancelled || got.CancelledAt == nil || !got.CancelledAt.Equal(cancelledAt) {
		t.Errorf("Unexpected subscription after cancel: %+v", got)
	}
}

func TestRepository_Invoice(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()

	due := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)
	inv := &billing.Invoice{StripeInvoiceID: "in_1", AmountPaid: 1200, Status: billing.InvoiceStatusPaid, DueDate: &due}
	if err := repo.UpsertInvoice(ctx, inv); err != nil {
		t.Fatalf("UpsertInvoice failed: %v", err)
	}

	got, err := repo.GetInvoice(ctx, "in_1")
	if err != nil {
		t.Fatalf("GetInvoice failed: %v", err)
	}
	if got.AmountPaid != 1200 || got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("Unexpected invoice %+v", got)
	}
	if _, err := repo.GetInvoice(ctx, "in_missing"); !errors.Is(err, billing.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestRepository_CreatePurchase_InsertIfAbsent(t *testing.T) {
	repo, _ := setupTestRepository(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, key := range []string{"KEY-1", "KEY-2", "KEY-3"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = repo.CreatePurchase(ctx, &billing.Purchase{ProductID: "pdf", StripeSessionID: "cs_1", LicenseKey: key})
		}(key)
	}
	wg.Wait()
	_ = repo.CreatePurchase(ctx, &billing.Purchase{ProductID: "ocr", StripeSessionID: "cs_1", LicenseKey: "KEY-4"})

	list, err := repo.ListPurchasesBySession(ctx, "cs_1")
	if err != nil {
		t.Fatalf("ListPurchasesBySession failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 purchases, got %d", len(list))
	}
	if list[0].ProductID != "ocr" || list[1].ProductID != "pdf" {
		t.Errorf("Unexpected order %s, %s", list[0].ProductID, list[1].ProductID)
	}

	empty, err := repo.ListPurchasesBySession(ctx, "cs_none")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("Expected empty slice, got %v, %v", empty, err)
	}
}

func TestRepository_Ping(t *testing.T) {
	repo, mr := setupTestRepository(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	mr.Close()
	if err := repo.Ping(context.Background()); err == nil {
		t.Error("Expected Ping to fail after server shutdown")
	}
}
