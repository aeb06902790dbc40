// Package resend sends email through the Resend HTTP API.
package resend

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/licensehook/pkg/notify"
	"github.com/mihaimyh/licensehook/pkg/notify/internal"
)

const (
	senderName         = "resend"
	defaultBaseURL     = "https://api.resend.com"
	defaultHTTPTimeout = 5 * time.Second
)

// Config configures the Resend sender
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint (tests). Default: https://api.resend.com
	BaseURL string

	// HTTPClient is optional; a client with a 5s timeout is used when nil
	HTTPClient *http.Client
}

// Sender implements notify.Sender
type Sender struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// New creates the sender. It fails with notify.ErrNoSender when no API key is configured.
func New(config Config) (*Sender, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, notify.ErrNoSender
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Sender{apiKey: apiKey, baseURL: baseURL, httpClient: client}, nil
}

// Name returns the sender name
func (s *Sender) Name() string {
	return senderName
}

// Send posts msg to /emails
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	return internal.PostJSON(ctx, s.httpClient, s.baseURL+"/emails", s.apiKey, sendRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
}
