package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mihaimyh/licensehook/pkg/api"
	"github.com/mihaimyh/licensehook/pkg/billing"
	"github.com/mihaimyh/licensehook/pkg/billing/stripe"
	"github.com/mihaimyh/licensehook/pkg/config"
	"github.com/mihaimyh/licensehook/storage/memory"
)

type fakeHealth struct {
	err error
}

func (f fakeHealth) Ping(context.Context) error { return f.err }

func newTestRouter(t *testing.T, health healthChecker) http.Handler {
	t.Helper()
	repo := memory.New()
	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{Repository: repo, WebhookSecret: "whsec_test"},
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	readAPI, err := api.NewHandler(api.Config{Repository: repo})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return newRouter(provider, readAPI, health)
}

func TestRouter_Healthz(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"healthy", nil, http.StatusOK, `"status":"ok"`},
		{"unhealthy", errors.New("connection refused"), http.StatusServiceUnavailable, "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, fakeHealth{err: tt.err})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %q, got %s", tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestRouter_WebhookRoute(t *testing.T) {
	router := newTestRouter(t, fakeHealth{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/webhooks/stripe", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected preflight 200, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header on preflight")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unsigned delivery, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}
}

func TestRouter_ReadAPI(t *testing.T) {
	router := newTestRouter(t, fakeHealth{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/licenses?session_id=cs_unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/entitlement", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without customer id, got %d", rec.Code)
	}
}

func TestOpenStore_Memory(t *testing.T) {
	st, err := openStore(context.Background(), &config.Config{StorageDriver: config.DriverMemory}, &billing.NoopLogger{})
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	defer st.Close()

	if _, ok := st.repo.(*memory.Repository); !ok {
		t.Errorf("Expected memory repository, got %T", st.repo)
	}
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Expected memory store to be healthy, got %v", err)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	if _, err := openStore(context.Background(), &config.Config{StorageDriver: "mysql"}, &billing.NoopLogger{}); err == nil {
		t.Error("Expected error for unknown driver")
	}
}

func TestNewSenders(t *testing.T) {
	senders := newSenders(&config.Config{ResendAPIKey: "re_x", SendGridAPIKey: "SG.x"}, &billing.NoopLogger{})
	if len(senders) != 2 || senders[0].Name() != "resend" || senders[1].Name() != "sendgrid" {
		t.Errorf("Unexpected senders %v", senders)
	}
	if len(newSenders(&config.Config{}, &billing.NoopLogger{})) != 0 {
		t.Error("Expected no senders without API keys")
	}
}
