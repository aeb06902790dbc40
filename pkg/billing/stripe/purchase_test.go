package stripe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mihaimyh/licensehook/pkg/billing"
	"github.com/mihaimyh/licensehook/storage/memory"
)

func oneTimeCheckout(productIDs string, userID string) map[string]interface{} {
	metadata := map[string]string{
		"purchase_type": "one_time",
		"product_ids":   productIDs,
	}
	if userID != "" {
		metadata["user_id"] = userID
	}
	return map[string]interface{}{
		"id":               testSessionID,
		"mode":             "payment",
		"created":          testNow.Unix(),
		"customer":         testCustomerID,
		"amount_total":     2999,
		"currency":         "eur",
		"customer_details": map[string]interface{}{"email": "buyer@example.com"},
		"metadata":         metadata,
	}
}

func TestOneTimeCheckout_IssuesLicensePerProduct(t *testing.T) {
	var issued map[string]string
	env := newTestEnv(t, func(c *Config) {
		c.WebhookCallback = func(_ context.Context, ev billing.WebhookEvent) error {
			issued = ev.Licenses
			return nil
		}
	})

	rec := env.post(t, eventBody(t, "evt_co", eventCheckoutSessionCompleted, oneTimeCheckout("a, b", testUserID)))
	assertReceived(t, rec)

	purchases, err := env.repo.ListPurchasesBySession(context.Background(), testSessionID)
	if err != nil {
		t.Fatalf("ListPurchasesBySession failed: %v", err)
	}
	if len(purchases) != 2 {
		t.Fatalf("Expected 2 purchases, got %d", len(purchases))
	}
	if purchases[0].LicenseKey == purchases[1].LicenseKey {
		t.Error("Expected distinct license keys")
	}
	for _, p := range purchases {
		prefix := strings.ToUpper(p.ProductID) + "-"
		if !strings.HasPrefix(p.LicenseKey, prefix) {
			t.Errorf("License %s does not start with %s", p.LicenseKey, prefix)
		}
		if p.LicenseKey != strings.ToUpper(p.LicenseKey) {
			t.Errorf("License %s is not upper case", p.LicenseKey)
		}
		if p.UserID != testUserID || p.Status != billing.PurchaseStatusActive || p.Currency != "eur" {
			t.Errorf("Unexpected purchase %+v", p)
		}
	}
	if purchases[0].Amount+purchases[1].Amount != 2999 {
		t.Errorf("Expected amounts to add up to the session total, got %d and %d", purchases[0].Amount, purchases[1].Amount)
	}

	if len(env.notifier.notices) != 1 {
		t.Fatalf("Expected 1 license notice, got %d", len(env.notifier.notices))
	}
	notice := env.notifier.notices[0]
	if notice.Email != "buyer@example.com" || len(notice.Licenses) != 2 {
		t.Errorf("Unexpected notice %+v", notice)
	}
	if notice.ActivationURL != testSiteURL+"/activate?session_id="+testSessionID {
		t.Errorf("Unexpected activation URL %s", notice.ActivationURL)
	}
	if len(issued) != 2 || issued["a"] == "" || issued["b"] == "" {
		t.Errorf("Expected callback to carry both licenses, got %v", issued)
	}
}

func TestOneTimeCheckout_RedeliveryReusesKeys(t *testing.T) {
	env := newTestEnv(t, nil)
	body := eventBody(t, "evt_co", eventCheckoutSessionCompleted, oneTimeCheckout("pdf-editor,ocr-pack", testUserID))

	assertReceived(t, env.post(t, body))
	assertReceived(t, env.post(t, body))

	purchases, _ := env.repo.ListPurchasesBySession(context.Background(), testSessionID)
	if len(purchases) != 2 {
		t.Fatalf("Expected 2 purchases after redelivery, got %d", len(purchases))
	}
	if len(env.notifier.notices) != 2 {
		t.Fatalf("Expected 2 notices, got %d", len(env.notifier.notices))
	}
	first, second := env.notifier.notices[0].Licenses, env.notifier.notices[1].Licenses
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Redelivery minted a new key: %v != %v", first[i], second[i])
		}
	}
	if !strings.HasPrefix(first[0].LicenseKey, "PDF--") || !strings.HasPrefix(first[1].LicenseKey, "OCR--") {
		t.Errorf("Unexpected key prefixes %s, %s", first[0].LicenseKey, first[1].LicenseKey)
	}
}

func TestOneTimeCheckout_NoProducts(t *testing.T) {
	env := newTestEnv(t, nil)

	assertReceived(t, env.post(t, eventBody(t, "evt_co", eventCheckoutSessionCompleted, oneTimeCheckout(" , ", testUserID))))

	assertNoWrites(t, env.repo)
	if len(env.notifier.notices) != 0 {
		t.Errorf("Expected no notices, got %d", len(env.notifier.notices))
	}
}

func TestOneTimeCheckout_WithoutUserNotPersisted(t *testing.T) {
	env := newTestEnv(t, nil)

	assertReceived(t, env.post(t, eventBody(t, "evt_co", eventCheckoutSessionCompleted, oneTimeCheckout("pdf", ""))))

	assertNoWrites(t, env.repo)
	if len(env.notifier.notices) != 1 || len(env.notifier.notices[0].Licenses) != 1 {
		t.Errorf("Expected the key to still be delivered, got %+v", env.notifier.notices)
	}
}

// flakyPurchaseRepository fails CreatePurchase for one product
type flakyPurchaseRepository struct {
	*memory.Repository
	failProduct string
}

func (r *flakyPurchaseRepository) CreatePurchase(ctx context.Context, p *billing.Purchase) error {
	if p.ProductID == r.failProduct {
		return errors.New("write timeout")
	}
	return r.Repository.CreatePurchase(ctx, p)
}

func TestOneTimeCheckout_PartialFailureContinues(t *testing.T) {
	repo := &flakyPurchaseRepository{Repository: memory.New(), failProduct: "b"}
	env := newTestEnv(t, func(c *Config) { c.Repository = repo })

	rec := env.post(t, eventBody(t, "evt_co", eventCheckoutSessionCompleted, oneTimeCheckout("a,b,c", testUserID)))
	assertReceived(t, rec)

	purchases, _ := repo.ListPurchasesBySession(context.Background(), testSessionID)
	if len(purchases) != 2 {
		t.Fatalf("Expected 2 persisted purchases, got %d", len(purchases))
	}
	if purchases[0].ProductID != "a" || purchases[1].ProductID != "c" {
		t.Errorf("Unexpected persisted products %s, %s", purchases[0].ProductID, purchases[1].ProductID)
	}
	if len(env.notifier.notices) != 1 || len(env.notifier.notices[0].Licenses) != 3 {
		t.Errorf("Expected all three keys delivered, got %+v", env.notifier.notices)
	}
}

// racingRepository hides existing purchases from the first listing, as when a
// concurrent delivery of the same session commits in between.
type racingRepository struct {
	*memory.Repository
	lists int
}

func (r *racingRepository) ListPurchasesBySession(ctx context.Context, sessionID string) ([]*billing.Purchase, error) {
	r.lists++
	if r.lists == 1 {
		return []*billing.Purchase{}, nil
	}
	return r.Repository.ListPurchasesBySession(ctx, sessionID)
}

func TestOneTimeCheckout_ConcurrentDeliveryEmailsStoredKey(t *testing.T) {
	repo := &racingRepository{Repository: memory.New()}
	if err := repo.Repository.CreatePurchase(context.Background(), &billing.Purchase{
		UserID:          testUserID,
		ProductID:       "pdf",
		LicenseKey:      "PDF-STORED-KEY",
		StripeSessionID: testSessionID,
		Status:          billing.PurchaseStatusActive,
	}); err != nil {
		t.Fatalf("Failed to seed purchase: %v", err)
	}
	env := newTestEnv(t, func(c *Config) { c.Repository = repo })

	assertReceived(t, env.post(t, eventBody(t, "evt_co", eventCheckoutSessionCompleted, oneTimeCheckout("pdf,ocr", testUserID))))

	if len(env.notifier.notices) != 1 {
		t.Fatalf("Expected 1 notice, got %d", len(env.notifier.notices))
	}
	emailed := map[string]string{}
	for _, l := range env.notifier.notices[0].Licenses {
		emailed[l.ProductID] = l.LicenseKey
	}
	purchases, _ := repo.Repository.ListPurchasesBySession(context.Background(), testSessionID)
	if len(purchases) != 2 {
		t.Fatalf("Expected 2 stored purchases, got %d", len(purchases))
	}
	for _, p := range purchases {
		if emailed[p.ProductID] != p.LicenseKey {
			t.Errorf("Emailed key %q for %s, stored %q", emailed[p.ProductID], p.ProductID, p.LicenseKey)
		}
	}
	if emailed["pdf"] != "PDF-STORED-KEY" {
		t.Errorf("Expected the stored pdf key, got %q", emailed["pdf"])
	}
}
