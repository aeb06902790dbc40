// Command licensehook serves the Stripe webhook endpoint and a Prometheus
// metrics listener until interrupted.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/licensehook/pkg/api"
	"github.com/mihaimyh/licensehook/pkg/billing"
	zerologadapter "github.com/mihaimyh/licensehook/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/licensehook/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/licensehook/pkg/billing/stripe"
	"github.com/mihaimyh/licensehook/pkg/config"
	"github.com/mihaimyh/licensehook/pkg/notify"
	"github.com/mihaimyh/licensehook/pkg/notify/resend"
	"github.com/mihaimyh/licensehook/pkg/notify/sendgrid"
)

const (
	metricsNamespace  = "licensehook"
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("Failed to load configuration")
	}

	zlog := newZerolog(cfg)
	if err := run(cfg, zlog); err != nil {
		zlog.Fatal().Err(err).Msg("licensehook stopped")
	}
}

func newZerolog(cfg *config.Config) zerolog.Logger {
	var zlog zerolog.Logger
	if cfg.LogFormat == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zlog.Level(level).With().Timestamp().Str("service", "licensehook").Logger()
}

func run(cfg *config.Config, zlog zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerologadapter.NewLogger(zlog)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(registry, metricsNamespace)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	dispatcher := notify.NewDispatcher(notify.Config{
		Senders: newSenders(cfg, logger),
		From:    cfg.EmailFrom,
		Logger:  logger,
		Metrics: metrics,
	})

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Repository:    st.repo,
			WebhookSecret: cfg.StripeWebhookSecret,
			APIKey:        cfg.StripeSecretKey,
			SiteURL:       cfg.SiteURL,
			Metrics:       metrics,
			Logger:        logger,
		},
		TierMapping:         cfg.TierMapping,
		Notifier:            dispatcher,
		FallbackTrialPeriod: cfg.FallbackTrialPeriod,
	})
	if err != nil {
		return err
	}
	if !provider.VerificationEnabled() {
		logger.Warn("STRIPE_WEBHOOK_SECRET is not set; webhook signatures will not be verified")
	}

	apiConfig := api.Config{Repository: st.repo, Logger: logger}
	if cfg.ReadAPIToken != "" {
		apiConfig.Authorize = api.BearerToken(cfg.ReadAPIToken)
	} else {
		logger.Warn("READ_API_TOKEN is not set; /api/licenses is readable by anyone holding a checkout session id")
	}
	readAPI, err := api.NewHandler(apiConfig)
	if err != nil {
		return err
	}

	servers := []*http.Server{{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(provider, readAPI, st),
		ReadHeaderTimeout: readHeaderTimeout,
	}}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("Listening", billing.Field{Key: "addr", Value: srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		logger.Info("Shutdown complete")
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newSenders returns the configured email senders in priority order
func newSenders(cfg *config.Config, logger billing.Logger) []notify.Sender {
	var senders []notify.Sender
	if s, err := resend.New(resend.Config{APIKey: cfg.ResendAPIKey}); err == nil {
		senders = append(senders, s)
	}
	if s, err := sendgrid.New(sendgrid.Config{APIKey: cfg.SendGridAPIKey}); err == nil {
		senders = append(senders, s)
	}
	if len(senders) == 0 {
		logger.Warn("No email sender configured; license keys will only be logged")
	}
	return senders
}
