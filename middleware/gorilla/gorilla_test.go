package gorilla

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

type echoProvider struct{}

func (echoProvider) Name() string { return "stripe" }

func (echoProvider) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(r.Method + ":" + string(body)))
	})
}

func TestRegister(t *testing.T) {
	r := mux.NewRouter()
	route := Register(r, echoProvider{})

	if tpl, _ := route.GetPathTemplate(); tpl != "/webhooks/stripe" {
		t.Errorf("Unexpected path template %s", tpl)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader("raw-body")))
	if rec.Code != http.StatusOK || rec.Body.String() != "POST:raw-body" {
		t.Errorf("Unexpected POST response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", http.NoBody))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}
}
