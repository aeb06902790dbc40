package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// echoProvider answers with the method and raw body it received
type echoProvider struct{}

func (echoProvider) Name() string { return "stripe" }

func (echoProvider) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(r.Method + ":" + string(body)))
	})
}

func TestPath(t *testing.T) {
	if got := Path(echoProvider{}); got != "/webhooks/stripe" {
		t.Errorf("Expected /webhooks/stripe, got %s", got)
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux, echoProvider{})

	tests := []struct {
		method     string
		wantStatus int
		wantBody   string
	}{
		{http.MethodPost, http.StatusOK, `POST:{"id":"evt_1"}`},
		{http.MethodOptions, http.StatusOK, `OPTIONS:{"id":"evt_1"}`},
		{http.MethodGet, http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`)))

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("Expected body %q, got %q", tt.wantBody, rec.Body.String())
			}
		})
	}
}
