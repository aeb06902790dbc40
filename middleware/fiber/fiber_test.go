package fiber

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type echoProvider struct{}

func (echoProvider) Name() string { return "stripe" }

func (echoProvider) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Signature-Seen", r.Header.Get("Stripe-Signature"))
		_, _ = w.Write([]byte(r.Method + ":" + string(body)))
	})
}

func TestRegister(t *testing.T) {
	app := fiber.New()
	Register(app, echoProvider{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if string(body) != `POST:{"id":"evt_1"}` {
		t.Errorf("Expected raw body passthrough, got %q", body)
	}
	if resp.Header.Get("X-Signature-Seen") != "t=1,v1=abc" {
		t.Errorf("Expected signature header passthrough, got %q", resp.Header.Get("X-Signature-Seen"))
	}
}

func TestRegister_OptionsAndUnknownMethod(t *testing.T) {
	app := fiber.New()
	Register(app, echoProvider{})

	resp, err := app.Test(httptest.NewRequest(http.MethodOptions, "/webhooks/stripe", http.NoBody))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for OPTIONS, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/stripe", http.NoBody))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", resp.StatusCode)
	}
}
