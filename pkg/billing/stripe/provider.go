package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/licensehook/pkg/billing"
	"github.com/mihaimyh/licensehook/pkg/billing/internal"
	"github.com/mihaimyh/licensehook/pkg/billing/license"
	"github.com/mihaimyh/licensehook/pkg/notify"
)

const (
	providerName               = "stripe"
	defaultOutboundTimeout     = 5 * time.Second
	defaultRateLimitWindow     = time.Minute
	defaultRateLimitRequests   = 100
	defaultMaxBodyBytes        = 256 * 1024
	defaultFallbackTrialPeriod = 14 * 24 * time.Hour
	defaultFallbackPeriod      = 30 * 24 * time.Hour
	defaultTierName            = billing.TierStarter
	defaultLookupFailures      = 5
	defaultLookupResetTimeout  = 30 * time.Second
)

// LicenseNotifier delivers issued license keys to the purchaser.
// *notify.Dispatcher implements it.
type LicenseNotifier interface {
	DeliverLicenses(ctx context.Context, n notify.LicenseNotice) bool
}

// KeyGenerator mints license keys. license.Generator implements it.
type KeyGenerator interface {
	NewKey(productID string) (string, error)
}

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Repository, WebhookSecret, APIKey, etc.)

	// TierMapping maps Stripe price IDs to tiers (case-insensitive).
	// Subscription metadata "tier" takes precedence.
	TierMapping map[string]billing.Tier

	// DefaultTier is used when neither metadata nor TierMapping names a tier.
	// Default: starter
	DefaultTier billing.Tier

	// Lookup overrides the subscription lookup. When nil and APIKey is set,
	// the Stripe API is used; when both are unset the lookup is unavailable
	// and checkout-created subscriptions use the fallback periods below.
	Lookup SubscriptionLookup

	// LookupFailureThreshold consecutive lookup failures open the lookup
	// circuit for LookupResetTimeout. Default: 5 failures, 30 seconds.
	LookupFailureThreshold int
	LookupResetTimeout     time.Duration

	// Notifier delivers license emails. When nil, keys are only logged.
	Notifier LicenseNotifier

	// Keys mints license keys. Default: license.Generator{}
	Keys KeyGenerator

	// FallbackTrialPeriod is assumed for trial checkouts when the lookup is
	// unavailable. Default: 14 days.
	FallbackTrialPeriod time.Duration

	// FallbackPeriod is assumed for paid checkouts when the lookup is
	// unavailable. Default: 30 days.
	FallbackPeriod time.Duration

	// RateLimitRequests per client IP per RateLimitWindow. Default: 100/minute.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// MaxBodyBytes limits the request body. Default: 256 KiB.
	MaxBodyBytes int64

	// Now overrides the clock (tests). Default: time.Now
	Now func() time.Time
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	repo            billing.Repository
	webhookSecret   string
	siteURL         string
	tierMapping     map[string]billing.Tier
	defaultTier     billing.Tier
	lookup          SubscriptionLookup
	notifier        LicenseNotifier
	keys            KeyGenerator
	trialPeriod     time.Duration
	paidPeriod      time.Duration
	outboundTimeout time.Duration
	maxBodyBytes    int64
	rateLimiter     *internal.RateLimiter
	callback        billing.WebhookCallback
	metrics         billing.Metrics
	logger          billing.Logger
	bestEffort      internal.BestEffort
	now             func() time.Time
}

// NewProvider creates a new Stripe webhook provider
func NewProvider(config Config) (*Provider, error) {
	if config.Repository == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	// Setup metrics and logger (optional)
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	lookup := config.Lookup
	if apiKey := strings.TrimSpace(config.APIKey); lookup == nil && apiKey != "" {
		lookup = NewAPILookup(apiKey, metrics)
	}
	if lookup != nil {
		threshold, reset := config.LookupFailureThreshold, config.LookupResetTimeout
		if threshold <= 0 {
			threshold = defaultLookupFailures
		}
		if reset <= 0 {
			reset = defaultLookupResetTimeout
		}
		lookup = newBreakerLookup(lookup, threshold, reset, config.Now, logger)
	}

	notifier := config.Notifier
	if notifier == nil {
		notifier = notify.NewDispatcher(notify.Config{Logger: logger, Metrics: metrics})
	}

	var keys KeyGenerator = license.Generator{Now: config.Now}
	if config.Keys != nil {
		keys = config.Keys
	}

	tierMapping := make(map[string]billing.Tier, len(config.TierMapping))
	for priceID, tier := range config.TierMapping {
		tierMapping[strings.ToLower(strings.TrimSpace(priceID))] = tier
	}

	p := &Provider{
		repo:            config.Repository,
		webhookSecret:   strings.TrimSpace(config.WebhookSecret),
		siteURL:         strings.TrimRight(config.SiteURL, "/"),
		tierMapping:     tierMapping,
		defaultTier:     config.DefaultTier,
		lookup:          lookup,
		notifier:        notifier,
		keys:            keys,
		trialPeriod:     config.FallbackTrialPeriod,
		paidPeriod:      config.FallbackPeriod,
		outboundTimeout: config.OutboundTimeout,
		maxBodyBytes:    config.MaxBodyBytes,
		callback:        config.WebhookCallback,
		metrics:         metrics,
		logger:          logger,
		now:             config.Now,
	}
	if p.defaultTier == "" {
		p.defaultTier = defaultTierName
	}
	if p.trialPeriod <= 0 {
		p.trialPeriod = defaultFallbackTrialPeriod
	}
	if p.paidPeriod <= 0 {
		p.paidPeriod = defaultFallbackPeriod
	}
	if p.outboundTimeout <= 0 {
		p.outboundTimeout = defaultOutboundTimeout
	}
	if p.maxBodyBytes <= 0 {
		p.maxBodyBytes = defaultMaxBodyBytes
	}
	if p.now == nil {
		p.now = time.Now
	}

	limit, window := config.RateLimitRequests, config.RateLimitWindow
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	p.rateLimiter = internal.NewRateLimiter(limit, window)
	p.rateLimiter.Reject = func(w http.ResponseWriter, _ *http.Request) {
		setCORSHeaders(w)
		_ = internal.WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded")
	}

	p.bestEffort = internal.BestEffort{Provider: providerName, Logger: logger, Metrics: metrics}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

// VerificationEnabled reports whether deliveries are signature-checked
func (p *Provider) VerificationEnabled() bool {
	return p.webhookSecret != ""
}

// MapPriceToTier maps a Stripe price ID to a tier, or "" when unmapped
func (p *Provider) MapPriceToTier(priceID string) billing.Tier {
	if priceID == "" {
		return ""
	}
	return p.tierMapping[strings.ToLower(strings.TrimSpace(priceID))]
}
