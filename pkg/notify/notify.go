// Package notify delivers purchaser emails through an ordered list of
// interchangeable senders. A failing sender never stops the next one from
// being tried, and delivery failure is never reported as a processing failure.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

const defaultSendTimeout = 5 * time.Second

// ErrNoSender is returned when no sender is configured
var ErrNoSender = errors.New("no email sender configured")

// Message is a single outbound email
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender is one email provider
type Sender interface {
	// Name identifies the provider in logs and metrics (e.g. "resend")
	Name() string

	// Send delivers msg or returns an error for any non-success outcome
	Send(ctx context.Context, msg Message) error
}

// Config configures a Dispatcher
type Config struct {
	// Senders are tried in order until one succeeds
	Senders []Sender

	// From is the sender address applied to messages that do not set one
	From string

	// Timeout bounds each sender attempt. Default: 5s
	Timeout time.Duration

	Logger  billing.Logger
	Metrics billing.Metrics
}

// Dispatcher tries each configured sender in priority order
type Dispatcher struct {
	senders []Sender
	from    string
	timeout time.Duration
	logger  billing.Logger
	metrics billing.Metrics
}

// NewDispatcher creates a dispatcher
func NewDispatcher(config Config) *Dispatcher {
	d := &Dispatcher{
		from:    config.From,
		timeout: config.Timeout,
		logger:  config.Logger,
		metrics: config.Metrics,
	}
	for _, s := range config.Senders {
		if s != nil {
			d.senders = append(d.senders, s)
		}
	}
	if d.timeout <= 0 {
		d.timeout = defaultSendTimeout
	}
	if d.logger == nil {
		d.logger = &billing.NoopLogger{}
	}
	if d.metrics == nil {
		d.metrics = &billing.NoopMetrics{}
	}
	return d
}

// Senders returns the names of configured senders in priority order
func (d *Dispatcher) Senders() []string {
	names := make([]string, 0, len(d.senders))
	for _, s := range d.senders {
		names = append(names, s.Name())
	}
	return names
}

// Send tries each sender in order and returns the name of the one that
// accepted the message. When all fail, the joined errors are returned.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (string, error) {
	if len(d.senders) == 0 {
		return "", ErrNoSender
	}
	if msg.From == "" {
		msg.From = d.from
	}

	var errs []error
	for _, s := range d.senders {
		if err := d.try(ctx, s, msg); err != nil {
			d.metrics.RecordEmailDelivery(s.Name(), "error")
			d.logger.Warn("email sender failed",
				billing.Field{Key: "sender", Value: s.Name()},
				billing.Err(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		d.metrics.RecordEmailDelivery(s.Name(), "success")
		return s.Name(), nil
	}
	return "", errors.Join(errs...)
}

// try isolates one sender: its own deadline, and a panic becomes an error
func (d *Dispatcher) try(ctx context.Context, s Sender, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return s.Send(ctx, msg)
}
