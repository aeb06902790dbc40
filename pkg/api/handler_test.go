package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/licensehook/pkg/billing"
	"github.com/mihaimyh/licensehook/storage/memory"
)

const (
	testSessionID  = "cs_test_123"
	testCustomerID = "cus_123"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T, repo billing.Repository) *Handler {
	t.Helper()
	h, err := NewHandler(Config{Repository: repo, Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return h
}

func TestNewHandler_RequiresRepository(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("Expected error without repository")
	}
}

func TestHandler_GetLicenses(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	for _, p := range []string{"pdf", "ocr"} {
		_ = repo.CreatePurchase(ctx, &billing.Purchase{
			ProductID:       p,
			StripeSessionID: testSessionID,
			LicenseKey:      p + "-KEY",
			Status:          billing.PurchaseStatusActive,
			PurchasedAt:     testNow,
		})
	}
	h := newTestHandler(t, repo)

	rec := httptest.NewRecorder()
	h.GetLicenses(rec, httptest.NewRequest(http.MethodGet, "/api/licenses?session_id="+testSessionID, http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp LicensesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.SessionID != testSessionID || len(resp.Licenses) != 2 {
		t.Fatalf("Unexpected response %+v", resp)
	}
	if resp.Licenses[0].ProductID != "ocr" || resp.Licenses[0].LicenseKey != "ocr-KEY" {
		t.Errorf("Unexpected first license %+v", resp.Licenses[0])
	}
}

func TestHandler_GetLicenses_Errors(t *testing.T) {
	h := newTestHandler(t, memory.New())

	tests := []struct {
		name       string
		url        string
		wantStatus int
	}{
		{"missing session", "/api/licenses", http.StatusBadRequest},
		{"unknown session", "/api/licenses?session_id=cs_unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.GetLicenses(rec, httptest.NewRequest(http.MethodGet, tt.url, http.NoBody))
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

// brokenRepository fails every read
type brokenRepository struct {
	*memory.Repository
}

func (brokenRepository) ListPurchasesBySession(context.Context, string) ([]*billing.Purchase, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestHandler_GetLicenses_StoreFailureHidesDetails(t *testing.T) {
	h := newTestHandler(t, brokenRepository{memory.New()})

	rec := httptest.NewRecorder()
	h.GetLicenses(rec, httptest.NewRequest(http.MethodGet, "/api/licenses?session_id=cs_1", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	var resp ErrorResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Error != "internal server error" {
		t.Errorf("Expected generic error, got %q", resp.Error)
	}
}

func TestHandler_GetEntitlement(t *testing.T) {
	tests := []struct {
		name       string
		status     billing.SubscriptionStatus
		periodEnd  time.Time
		wantActive bool
	}{
		{"active", billing.StatusActive, testNow.AddDate(0, 1, 0), true},
		{"trialing", billing.StatusTrialing, testNow.AddDate(0, 0, 7), true},
		{"past due keeps access", billing.StatusPastDue, testNow.AddDate(0, 0, 1), true},
		{"active but period ended", billing.StatusActive, testNow.Add(-time.Hour), false},
		{"cancelled", billing.StatusCancelled, testNow.AddDate(0, 1, 0), false},
		{"expired", billing.StatusExpired, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.New()
			_ = repo.UpsertSubscription(context.Background(), &billing.Subscription{
				StripeSubscriptionID: "sub_1",
				StripeCustomerID:     testCustomerID,
				Tier:                 billing.TierProfessional,
				Status:               tt.status,
				BillingPeriod:        billing.PeriodMonthly,
				CurrentPeriodEnd:     tt.periodEnd,
			})
			h := newTestHandler(t, repo)

			rec := httptest.NewRecorder()
			h.GetEntitlement(rec, httptest.NewRequest(http.MethodGet, "/api/entitlement?customer_id="+testCustomerID, http.NoBody))
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", rec.Code)
			}

			var resp EntitlementResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Active != tt.wantActive {
				t.Errorf("Expected active=%v, got %v", tt.wantActive, resp.Active)
			}
			if resp.Tier != "professional" || resp.Status != string(tt.status) {
				t.Errorf("Unexpected response %+v", resp)
			}
		})
	}
}

func TestHandler_GetEntitlement_NotFound(t *testing.T) {
	h := newTestHandler(t, memory.New())

	rec := httptest.NewRecorder()
	h.GetEntitlement(rec, httptest.NewRequest(http.MethodGet, "/api/entitlement?customer_id=cus_none", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestHandler_CustomExtractorAndOnError(t *testing.T) {
	var gotStatus int
	h, err := NewHandler(Config{
		Repository:    memory.New(),
		GetCustomerID: FromHeader("X-Customer-ID"),
		OnError: func(w http.ResponseWriter, _ *http.Request, _ error, status int) {
			gotStatus = status
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/entitlement?customer_id=ignored", http.NoBody)
	rec := httptest.NewRecorder()
	h.GetEntitlement(rec, req)

	if gotStatus != http.StatusBadRequest || rec.Code != http.StatusTeapot {
		t.Errorf("Expected OnError with 400, got %d / %d", gotStatus, rec.Code)
	}
}

func TestHandler_BearerTokenGatesEndpoints(t *testing.T) {
	repo := memory.New()
	_ = repo.CreatePurchase(context.Background(), &billing.Purchase{
		ProductID:       "pdf",
		StripeSessionID: testSessionID,
		LicenseKey:      "PDF-KEY",
		Status:          billing.PurchaseStatusActive,
	})
	h, err := NewHandler(Config{Repository: repo, Authorize: BearerToken("s3cret")})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/licenses?session_id="+testSessionID, http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.GetLicenses(rec, req)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := httptest.NewRecorder()
	h.GetEntitlement(rec, httptest.NewRequest(http.MethodGet, "/api/entitlement?customer_id="+testCustomerID, http.NoBody))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected entitlement to require the token, got %d", rec.Code)
	}
}
