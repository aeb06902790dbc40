package resend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/licensehook/pkg/notify"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{APIKey: "  "})
	assert.ErrorIs(t, err, notify.ErrNoSender)
}

func TestSender_Send(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"email_1"}`))
	}))
	defer srv.Close()

	s, err := New(Config{APIKey: "re_test", BaseURL: srv.URL})
	require.NoError(t, err)

	err = s.Send(context.Background(), notify.Message{
		From: "noreply@example.com", To: "buyer@example.com", Subject: "hi", HTML: "<p>x</p>", Text: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"buyer@example.com"}, got.To)
	assert.Equal(t, "noreply@example.com", got.From)
	assert.Equal(t, "<p>x</p>", got.HTML)
	assert.Equal(t, "resend", s.Name())
}

func TestSender_SendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid from"}`))
	}))
	defer srv.Close()

	s, err := New(Config{APIKey: "re_test", BaseURL: srv.URL})
	require.NoError(t, err)

	err = s.Send(context.Background(), notify.Message{To: "buyer@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "invalid from")
}
