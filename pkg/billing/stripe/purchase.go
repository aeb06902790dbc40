package stripe

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mihaimyh/licensehook/pkg/billing"
	"github.com/mihaimyh/licensehook/pkg/billing/license"
	"github.com/mihaimyh/licensehook/pkg/notify"
)

// issueLicenses mints one license per product of a one-time checkout,
// persists a purchase per product when the buyer is known, and emails the
// keys. Keys already recorded for the session are reused.
func (p *Provider) issueLicenses(ctx context.Context, ev CheckoutCompleted) (map[string]string, error) {
	session := ev.Session
	sessionField := billing.Field{Key: "session_id", Value: session.ID}

	productIDs := license.ParseProductIDs(session.Metadata[metadataKeyProductIDs])
	if len(productIDs) == 0 {
		p.bestEffort.Drop("issue_licenses", "checkout metadata has no product ids", sessionField)
		return nil, nil
	}

	issuedBefore, err := p.issuedKeys(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	userID := session.UserID()
	amounts := splitAmount(session.AmountTotal, len(productIDs))
	purchasedAt := unixOrZero(session.Created)
	if purchasedAt.IsZero() {
		purchasedAt = p.now().UTC()
	}

	licenses := make([]notify.IssuedLicense, 0, len(productIDs))
	minted := 0
	for i, productID := range productIDs {
		key, ok := issuedBefore[productID]
		if !ok {
			key, err = p.keys.NewKey(productID)
			if err != nil {
				return nil, fmt.Errorf("failed to generate license key for %s: %w", productID, err)
			}
			minted++

			if userID != "" {
				purchase := &billing.Purchase{
					UserID:           userID,
					ProductID:        productID,
					LicenseKey:       key,
					StripeSessionID:  session.ID,
					StripeCustomerID: session.Customer.ID,
					Amount:           amounts[i],
					Currency:         strings.ToLower(session.Currency),
					Status:           billing.PurchaseStatusActive,
					PurchasedAt:      purchasedAt,
				}
				p.bestEffort.Attempt("create_purchase", func() error {
					return p.repo.CreatePurchase(ctx, purchase)
				}, sessionField, billing.Field{Key: "product_id", Value: productID})
			}
		}
		licenses = append(licenses, notify.IssuedLicense{ProductID: productID, LicenseKey: key})
	}

	if minted > 0 && userID != "" {
		minted -= p.adoptStoredKeys(ctx, session.ID, licenses)
	}
	if minted > 0 {
		p.metrics.RecordLicensesIssued(providerName, minted)
	}
	if userID == "" {
		p.logger.Warn("one-time checkout without user id; purchases not persisted", sessionField)
	}
	p.logger.Info("licenses issued",
		sessionField,
		billing.Field{Key: "count", Value: len(licenses)},
		billing.Field{Key: "success_url", Value: p.SuccessURL(session.ID, licenses)},
	)

	p.notifier.DeliverLicenses(ctx, notify.LicenseNotice{
		Email:         session.Email(),
		SessionID:     session.ID,
		Licenses:      licenses,
		ActivationURL: p.ActivationURL(session.ID),
	})

	out := make(map[string]string, len(licenses))
	for _, l := range licenses {
		out[l.ProductID] = l.LicenseKey
	}
	return out, nil
}

// issuedKeys returns keys already persisted for the session, keyed by product
func (p *Provider) issuedKeys(ctx context.Context, sessionID string) (map[string]string, error) {
	existing, err := p.repo.ListPurchasesBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases for session %s: %w", sessionID, err)
	}
	keys := make(map[string]string, len(existing))
	for _, purchase := range existing {
		keys[purchase.ProductID] = purchase.LicenseKey
	}
	return keys, nil
}

// adoptStoredKeys replaces freshly minted keys with the ones the repository
// kept, so a concurrent delivery that lost the insert emails the stored key.
// It returns how many keys were replaced.
func (p *Provider) adoptStoredKeys(ctx context.Context, sessionID string, licenses []notify.IssuedLicense) int {
	var stored map[string]string
	ok := p.bestEffort.Attempt("reread_purchases", func() error {
		var err error
		stored, err = p.issuedKeys(ctx, sessionID)
		return err
	}, billing.Field{Key: "session_id", Value: sessionID})
	if !ok {
		return 0
	}

	replaced := 0
	for i, l := range licenses {
		if key, found := stored[l.ProductID]; found && key != l.LicenseKey {
			licenses[i].LicenseKey = key
			replaced++
		}
	}
	return replaced
}

// SuccessURL builds the post-checkout redirect embedding {product}-{key} pairs
func (p *Provider) SuccessURL(sessionID string, licenses []notify.IssuedLicense) string {
	pairs := make([]string, 0, len(licenses))
	for _, l := range licenses {
		pairs = append(pairs, l.ProductID+"-"+l.LicenseKey)
	}
	query := url.Values{}
	query.Set("licenses", strings.Join(pairs, ","))
	query.Set("session_id", sessionID)
	return p.siteURL + "/purchase/success?" + query.Encode()
}

// ActivationURL is the link included in license emails
func (p *Provider) ActivationURL(sessionID string) string {
	return p.siteURL + "/activate?session_id=" + url.QueryEscape(sessionID)
}

// splitAmount divides total across n products; the remainder goes to the first
func splitAmount(total int64, n int) []int64 {
	amounts := make([]int64, n)
	if n == 0 {
		return amounts
	}
	share := total / int64(n)
	for i := range amounts {
		amounts[i] = share
	}
	amounts[0] += total - share*int64(n)
	return amounts
}
