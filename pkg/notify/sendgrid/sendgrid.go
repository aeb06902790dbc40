// Package sendgrid sends email through the SendGrid v3 mail/send API.
package sendgrid

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/licensehook/pkg/notify"
	"github.com/mihaimyh/licensehook/pkg/notify/internal"
)

const (
	senderName         = "sendgrid"
	defaultBaseURL     = "https://api.sendgrid.com"
	defaultHTTPTimeout = 5 * time.Second
)

// Config configures the SendGrid sender
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint (tests). Default: https://api.sendgrid.com
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

type address struct {
	Email string `json:"email"`
}

type personalization struct {
	To []address `json:"to"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mailRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
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

// Send posts msg to /v3/mail/send. Plain text must precede HTML in content.
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	req := mailRequest{
		Personalizations: []personalization{{To: []address{{Email: msg.To}}}},
		From:             address{Email: msg.From},
		Subject:          msg.Subject,
	}
	if msg.Text != "" {
		req.Content = append(req.Content, content{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		req.Content = append(req.Content, content{Type: "text/html", Value: msg.HTML})
	}
	return internal.PostJSON(ctx, s.httpClient, s.baseURL+"/v3/mail/send", s.apiKey, req)
}
