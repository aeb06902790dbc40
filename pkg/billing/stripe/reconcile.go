package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

// statusTable maps processor statuses onto the internal lifecycle.
// Anything absent maps to expired.
var statusTable = map[string]billing.SubscriptionStatus{
	"active":    billing.StatusActive,
	"trialing":  billing.StatusTrialing,
	"past_due":  billing.StatusPastDue,
	"canceled":  billing.StatusCancelled,
	"cancelled": billing.StatusCancelled,
}

// MapStatus converts a Stripe subscription status to the internal status
func MapStatus(status string) billing.SubscriptionStatus {
	if s, ok := statusTable[strings.ToLower(strings.TrimSpace(status))]; ok {
		return s
	}
	return billing.StatusExpired
}

// createSubscriptionFromCheckout records the subscription started by a
// subscription-mode checkout. Status and period come from the subscription
// lookup; when it is unavailable they are estimated from checkout metadata.
func (p *Provider) createSubscriptionFromCheckout(ctx context.Context, ev CheckoutCompleted) (string, error) {
	session := ev.Session
	subID := session.Subscription.ID
	if subID == "" {
		p.bestEffort.Drop("create_subscription", "checkout session has no subscription",
			billing.Field{Key: "session_id", Value: session.ID})
		return "", nil
	}

	existing, err := p.getSubscription(ctx, subID)
	if err != nil {
		return subID, err
	}

	sub := &billing.Subscription{
		UserID:               session.UserID(),
		StripeSubscriptionID: subID,
		StripeCustomerID:     session.Customer.ID,
		UpdatedAt:            p.now().UTC(),
	}
	if sub.UserID == "" && existing != nil {
		sub.UserID = existing.UserID
	}

	if details := p.lookupSubscription(ctx, subID); details != nil {
		sub.Status = MapStatus(details.Status)
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = details.Period()
		sub.BillingPeriod = details.BillingPeriod()
		sub.StripePriceID = details.PriceID()
		sub.CancelAtPeriodEnd = details.CancelAtPeriodEnd
		if sub.StripeCustomerID == "" {
			sub.StripeCustomerID = details.Customer.ID
		}
	} else {
		p.applyFallbackPeriod(sub, session)
	}

	if bp, ok := parseBillingPeriod(session.Metadata[metadataKeyBillingPeriod]); ok {
		sub.BillingPeriod = bp
	}
	if sub.BillingPeriod == "" {
		sub.BillingPeriod = billing.PeriodMonthly
	}
	sub.Tier = p.resolveTier(session.Metadata, sub.StripePriceID, existing)

	if err := p.repo.UpsertSubscription(ctx, sub); err != nil {
		return subID, fmt.Errorf("failed to upsert subscription %s: %w", subID, err)
	}
	p.recordTransition(existing, sub.Status)
	p.logger.Info("subscription created from checkout",
		billing.Field{Key: "subscription_id", Value: subID},
		billing.Field{Key: "session_id", Value: session.ID},
		billing.Field{Key: "status", Value: string(sub.Status)},
	)
	return subID, nil
}

// applyFallbackPeriod fills status and period when the lookup is unavailable:
// trialing for trial checkouts, active otherwise, starting at checkout creation.
func (p *Provider) applyFallbackPeriod(sub *billing.Subscription, session CheckoutSession) {
	start := unixOrZero(session.Created)
	if start.IsZero() {
		start = p.now().UTC()
	}
	sub.CurrentPeriodStart = start

	if trialPeriod, ok := p.trialFromMetadata(session.Metadata); ok {
		sub.Status = billing.StatusTrialing
		sub.CurrentPeriodEnd = start.Add(trialPeriod)
		return
	}
	sub.Status = billing.StatusActive
	sub.CurrentPeriodEnd = start.Add(p.paidPeriod)
}

// trialFromMetadata reports whether the checkout requested a trial and for how long.
// A positive trial_days overrides the configured fallback length.
func (p *Provider) trialFromMetadata(metadata map[string]string) (time.Duration, bool) {
	if raw, ok := metadata[metadataKeyTrialDays]; ok && strings.TrimSpace(raw) != "" {
		days, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return p.trialPeriod, true
		}
		if days <= 0 {
			return 0, false
		}
		return time.Duration(days) * 24 * time.Hour, true
	}
	raw, ok := metadata[metadataKeyTrial]
	if !ok {
		return 0, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "false", "0", "no":
		return 0, false
	}
	return p.trialPeriod, true
}

// applySubscriptionChange handles customer.subscription.created/updated
func (p *Provider) applySubscriptionChange(ctx context.Context, ev SubscriptionChanged) (string, error) {
	payload := ev.Subscription
	existing, err := p.resolveSubscription(ctx, payload.ID, payload.Customer.ID)
	if err != nil {
		return payload.ID, err
	}
	if existing == nil {
		p.bestEffort.Drop("update_subscription", "no subscription matches the event",
			billing.Field{Key: "subscription_id", Value: payload.ID},
			billing.Field{Key: "customer_id", Value: payload.Customer.ID},
		)
		return payload.ID, nil
	}

	sub := *existing
	if payload.ID != "" && payload.ID != existing.StripeSubscriptionID {
		// Matched by customer: only owner and tier carry over.
		sub = billing.Subscription{
			UserID:               existing.UserID,
			Tier:                 existing.Tier,
			StripeSubscriptionID: payload.ID,
			StripeCustomerID:     existing.StripeCustomerID,
		}
	}
	if payload.Customer.ID != "" {
		sub.StripeCustomerID = payload.Customer.ID
	}
	sub.Status = MapStatus(payload.Status)
	sub.BillingPeriod = payload.BillingPeriod()
	if start, end := payload.Period(); !start.IsZero() || !end.IsZero() {
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = start, end
	}
	sub.CancelAtPeriodEnd = payload.CancelAtPeriodEnd
	if payload.CanceledAt != 0 {
		cancelledAt := time.Unix(payload.CanceledAt, 0).UTC()
		sub.CancelledAt = &cancelledAt
	}
	if priceID := payload.PriceID(); priceID != "" {
		sub.StripePriceID = priceID
	}
	sub.Tier = p.resolveTier(payload.Metadata, sub.StripePriceID, existing)
	sub.UpdatedAt = p.now().UTC()

	if err := p.repo.UpsertSubscription(ctx, &sub); err != nil {
		return sub.StripeSubscriptionID, fmt.Errorf("failed to upsert subscription %s: %w", sub.StripeSubscriptionID, err)
	}
	if existing.StripeSubscriptionID == sub.StripeSubscriptionID {
		p.recordTransition(existing, sub.Status)
	} else {
		p.recordTransition(nil, sub.Status)
	}
	return sub.StripeSubscriptionID, nil
}

// cancelSubscription handles customer.subscription.deleted. The cancellation
// time is the processing time; a redelivery keeps the first stamp.
func (p *Provider) cancelSubscription(ctx context.Context, ev SubscriptionDeleted) (string, error) {
	payload := ev.Subscription
	existing, err := p.resolveOwnSubscription(ctx, payload.ID, payload.Customer.ID)
	if err != nil {
		return payload.ID, err
	}
	if existing == nil {
		p.bestEffort.Drop("cancel_subscription", "no subscription matches the event",
			billing.Field{Key: "subscription_id", Value: payload.ID},
			billing.Field{Key: "customer_id", Value: payload.Customer.ID},
		)
		return payload.ID, nil
	}

	cancelledAt := existing.CancelledAt
	if cancelledAt == nil || existing.Status != billing.StatusCancelled {
		now := p.now().UTC()
		cancelledAt = &now
	}
	return p.setStatus(ctx, existing, billing.StatusCancelled, cancelledAt)
}

// recordInvoicePaid handles invoice.paid
func (p *Provider) recordInvoicePaid(ctx context.Context, ev InvoicePaid) (string, error) {
	inv := ev.Invoice
	if inv.ID == "" {
		p.bestEffort.Drop("record_invoice", "invoice has no id")
		return "", nil
	}

	owner, err := p.resolveOwner(ctx, inv)
	if err != nil {
		return inv.SubscriptionID(), err
	}
	if owner == nil {
		p.bestEffort.Drop("record_invoice", "no subscription matches the invoice customer",
			billing.Field{Key: "invoice_id", Value: inv.ID},
			billing.Field{Key: "customer_id", Value: inv.Customer.ID},
		)
		return inv.SubscriptionID(), nil
	}

	subID := inv.SubscriptionID()
	if subID == "" {
		subID = owner.StripeSubscriptionID
	}
	paidAt := inv.PaidAt()
	if paidAt.IsZero() {
		paidAt = p.now().UTC()
	}

	record := &billing.Invoice{
		SubscriptionID:   subID,
		UserID:           owner.UserID,
		StripeInvoiceID:  inv.ID,
		AmountPaid:       inv.AmountPaid,
		Currency:         strings.ToLower(inv.Currency),
		Status:           billing.InvoiceStatusPaid,
		PaidAt:           paidAt,
		InvoicePDF:       inv.InvoicePDF,
		HostedInvoiceURL: inv.HostedInvoiceURL,
	}
	if inv.DueDate != 0 {
		due := time.Unix(inv.DueDate, 0).UTC()
		record.DueDate = &due
	}

	if err := p.repo.UpsertInvoice(ctx, record); err != nil {
		return subID, fmt.Errorf("failed to upsert invoice %s: %w", inv.ID, err)
	}
	return subID, nil
}

// markPaymentFailed handles invoice.payment_failed. No invoice row is written.
func (p *Provider) markPaymentFailed(ctx context.Context, ev InvoicePaymentFailed) (string, error) {
	inv := ev.Invoice
	existing, err := p.resolveOwnSubscription(ctx, inv.SubscriptionID(), inv.Customer.ID)
	if err != nil {
		return inv.SubscriptionID(), err
	}
	if existing == nil {
		p.bestEffort.Drop("mark_past_due", "no subscription matches the invoice",
			billing.Field{Key: "invoice_id", Value: inv.ID},
			billing.Field{Key: "subscription_id", Value: inv.SubscriptionID()},
			billing.Field{Key: "customer_id", Value: inv.Customer.ID},
		)
		return inv.SubscriptionID(), nil
	}
	return p.setStatus(ctx, existing, billing.StatusPastDue, existing.CancelledAt)
}

func (p *Provider) setStatus(
	ctx context.Context, existing *billing.Subscription, status billing.SubscriptionStatus, cancelledAt *time.Time,
) (string, error) {
	subID := existing.StripeSubscriptionID
	err := p.repo.UpdateSubscriptionStatus(ctx, subID, status, cancelledAt)
	if errors.Is(err, billing.ErrRecordNotFound) {
		p.bestEffort.Drop("update_status", "subscription disappeared before update",
			billing.Field{Key: "subscription_id", Value: subID})
		return subID, nil
	}
	if err != nil {
		return subID, fmt.Errorf("failed to set subscription %s to %s: %w", subID, status, err)
	}
	p.recordTransition(existing, status)
	return subID, nil
}

// resolveSubscription finds the row by subscription id, then by customer id.
// A nil row with a nil error means nothing matched.
func (p *Provider) resolveSubscription(ctx context.Context, subID, customerID string) (*billing.Subscription, error) {
	if subID != "" {
		sub, err := p.getSubscription(ctx, subID)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	if customerID == "" {
		return nil, nil
	}
	sub, err := p.repo.FindSubscriptionByCustomer(ctx, customerID)
	if errors.Is(err, billing.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription for customer %s: %w", customerID, err)
	}
	return sub, nil
}

// resolveOwnSubscription acts on the event's own subscription: when an id is
// given only that row matches. The customer is consulted only without an id.
func (p *Provider) resolveOwnSubscription(ctx context.Context, subID, customerID string) (*billing.Subscription, error) {
	if subID != "" {
		return p.getSubscription(ctx, subID)
	}
	return p.resolveSubscription(ctx, "", customerID)
}

// resolveOwner finds the subscription that owns an invoice, by customer first
func (p *Provider) resolveOwner(ctx context.Context, inv InvoicePayload) (*billing.Subscription, error) {
	if inv.Customer.ID != "" {
		sub, err := p.repo.FindSubscriptionByCustomer(ctx, inv.Customer.ID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, billing.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to find subscription for customer %s: %w", inv.Customer.ID, err)
		}
	}
	if subID := inv.SubscriptionID(); subID != "" {
		return p.getSubscription(ctx, subID)
	}
	return nil, nil
}

func (p *Provider) getSubscription(ctx context.Context, subID string) (*billing.Subscription, error) {
	sub, err := p.repo.GetSubscription(ctx, subID)
	if errors.Is(err, billing.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", subID, err)
	}
	return sub, nil
}

// lookupSubscription asks the processor for authoritative subscription state.
// It returns nil when the lookup is not configured or fails.
func (p *Provider) lookupSubscription(ctx context.Context, subID string) *SubscriptionPayload {
	if p.lookup == nil {
		p.logger.Debug("subscription lookup not configured; using fallback period",
			billing.Field{Key: "subscription_id", Value: subID})
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.outboundTimeout)
	defer cancel()

	var details *SubscriptionPayload
	p.bestEffort.Attempt("lookup_subscription", func() error {
		var err error
		details, err = p.lookup.Subscription(ctx, subID)
		if err == nil && details == nil {
			err = fmt.Errorf("%w: empty subscription", billing.ErrProviderAPIError)
		}
		return err
	}, billing.Field{Key: "subscription_id", Value: subID})
	return details
}

// resolveTier picks the tier from metadata, then the price mapping, then the
// existing row, then the default tier.
func (p *Provider) resolveTier(metadata map[string]string, priceID string, existing *billing.Subscription) billing.Tier {
	if tier := strings.ToLower(strings.TrimSpace(metadata[metadataKeyTier])); tier != "" {
		return billing.Tier(tier)
	}
	if tier := p.MapPriceToTier(priceID); tier != "" {
		return tier
	}
	if existing != nil && existing.Tier != "" {
		return existing.Tier
	}
	return p.defaultTier
}

func (p *Provider) recordTransition(existing *billing.Subscription, to billing.SubscriptionStatus) {
	from := "none"
	if existing != nil {
		from = string(existing.Status)
	}
	if from == string(to) {
		return
	}
	p.metrics.RecordStatusTransition(providerName, from, string(to))
}

func parseBillingPeriod(raw string) (billing.BillingPeriod, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "annual", "yearly", "year":
		return billing.PeriodAnnual, true
	case "monthly", "month":
		return billing.PeriodMonthly, true
	}
	return "", false
}
