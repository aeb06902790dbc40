package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Config holds configuration for the read API handler
type Config struct {
	// Repository is the store written by the webhook handler (required)
	Repository billing.Repository

	// GetSessionID extracts the checkout session id from the request.
	// Default: FromQuery("session_id")
	GetSessionID func(*http.Request) string

	// GetCustomerID extracts the Stripe customer id from the request.
	// Default: FromQuery("customer_id")
	GetCustomerID func(*http.Request) string

	// Authorize gates every endpoint; a non-nil error yields 401.
	// Default: nil, in which case a checkout session id acts as the
	// credential for its own licenses.
	Authorize func(*http.Request) error

	// OnError handles errors. If nil, a JSON error body is written.
	OnError func(http.ResponseWriter, *http.Request, error, int)

	// Logger is optional; errors are logged at warn level
	Logger billing.Logger

	// Now overrides the clock (tests). Default: time.Now
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	return nil
}

// NewHandler creates a new read API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetSessionID == nil {
		config.GetSessionID = FromQuery("session_id")
	}
	if config.GetCustomerID == nil {
		config.GetCustomerID = FromQuery("customer_id")
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}

// ErrUnauthorized is returned by Authorize functions that reject a request
var ErrUnauthorized = errors.New("unauthorized")

// BearerToken returns an Authorize function that requires
// "Authorization: Bearer <token>".
func BearerToken(token string) func(*http.Request) error {
	return func(r *http.Request) error {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return ErrUnauthorized
		}
		return nil
	}
}

// Helper functions for common id extraction patterns

// FromQuery returns an extractor reading a query parameter
func FromQuery(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// FromHeader returns an extractor reading a request header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns an extractor reading a string value from the request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if v, ok := r.Context().Value(key).(string); ok {
			return v
		}
		return ""
	}
}
