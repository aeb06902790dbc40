// Package config loads service settings from the environment, optionally
// seeded from .env files, and validates them.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

// Storage drivers accepted by STORAGE_DRIVER
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
	DriverTiered    = "tiered"
)

// Config is the full service configuration
type Config struct {
	StripeWebhookSecret string
	StripeSecretKey     string
	SiteURL             string `validate:"omitempty,url"`

	ResendAPIKey   string
	SendGridAPIKey string
	EmailFrom      string

	// ReadAPIToken, when set, is required as a bearer token on /api routes
	ReadAPIToken string

	ListenAddr  string `validate:"required,hostname_port"`
	MetricsAddr string `validate:"omitempty,hostname_port"`

	StorageDriver      string `validate:"oneof=memory postgres redis firestore tiered"`
	DatabaseURL        string `validate:"omitempty,url"`
	RedisURL           string `validate:"omitempty,url"`
	FirestoreProjectID string

	// TierMapping maps Stripe price ids to tiers, parsed from "price_a=professional,price_b=enterprise"
	TierMapping map[string]billing.Tier

	// FallbackTrialPeriod is used when checkout requests a trial without a length
	FallbackTrialPeriod time.Duration `validate:"gte=0"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(storageValidation, Config{})
	return v
}

// storageValidation requires the connection settings of the selected driver
func storageValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)

	needsPostgres := c.StorageDriver == DriverPostgres || c.StorageDriver == DriverTiered
	needsRedis := c.StorageDriver == DriverRedis || c.StorageDriver == DriverTiered

	if needsPostgres && c.DatabaseURL == "" {
		sl.ReportError(c.DatabaseURL, "DatabaseURL", "DatabaseURL", "required_for_driver", c.StorageDriver)
	}
	if needsRedis && c.RedisURL == "" {
		sl.ReportError(c.RedisURL, "RedisURL", "RedisURL", "required_for_driver", c.StorageDriver)
	}
	if c.StorageDriver == DriverFirestore && c.FirestoreProjectID == "" {
		sl.ReportError(c.FirestoreProjectID, "FirestoreProjectID", "FirestoreProjectID", "required_for_driver", c.StorageDriver)
	}
}

// Load reads the given .env files (missing files are ignored; variables
// already set in the process win) and builds a validated Config from the
// environment. With no arguments ".env" is tried.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a validated Config from a variable lookup function
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	trialDays, err := strconv.Atoi(get("FALLBACK_TRIAL_DAYS", "14"))
	if err != nil {
		return nil, fmt.Errorf("invalid FALLBACK_TRIAL_DAYS: %w", err)
	}
	mapping, err := ParseTierMapping(get("TIER_MAPPING", ""))
	if err != nil {
		return nil, err
	}

	c := &Config{
		StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET", ""),
		StripeSecretKey:     get("STRIPE_SECRET_KEY", ""),
		SiteURL:             get("SITE_URL", ""),
		ResendAPIKey:        get("RESEND_API_KEY", ""),
		SendGridAPIKey:      get("SENDGRID_API_KEY", ""),
		EmailFrom:           get("EMAIL_FROM", ""),
		ReadAPIToken:        get("READ_API_TOKEN", ""),
		ListenAddr:          get("LISTEN_ADDR", ":8080"),
		MetricsAddr:         get("METRICS_ADDR", ":9090"),
		StorageDriver:       strings.ToLower(get("STORAGE_DRIVER", DriverMemory)),
		DatabaseURL:         get("DATABASE_URL", ""),
		RedisURL:            get("REDIS_URL", ""),
		FirestoreProjectID:  get("FIRESTORE_PROJECT_ID", ""),
		TierMapping:         mapping,
		FallbackTrialPeriod: time.Duration(trialDays) * 24 * time.Hour,
		LogLevel:            strings.ToLower(get("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(get("LOG_FORMAT", "json")),
	}

	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// ParseTierMapping parses "price_a=professional,price_b=enterprise"
func ParseTierMapping(raw string) (map[string]billing.Tier, error) {
	mapping := make(map[string]billing.Tier)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		priceID, tier, ok := strings.Cut(pair, "=")
		priceID, tier = strings.TrimSpace(priceID), strings.TrimSpace(tier)
		if !ok || priceID == "" || tier == "" {
			return nil, fmt.Errorf("invalid TIER_MAPPING entry %q", pair)
		}
		mapping[priceID] = billing.Tier(strings.ToLower(tier))
	}
	return mapping, nil
}
