package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

const (
	eventCheckoutSessionCompleted = "checkout.session.completed"
	eventSubscriptionCreated      = "customer.subscription.created"
	eventSubscriptionUpdated      = "customer.subscription.updated"
	eventSubscriptionDeleted      = "customer.subscription.deleted"
	eventInvoicePaid              = "invoice.paid"
	eventInvoicePaymentFailed     = "invoice.payment_failed"
	purchaseTypeOneTime           = "one_time"
	metadataKeyPurchaseType       = "purchase_type"
	metadataKeyProductIDs         = "product_ids"
	metadataKeyUserID             = "user_id"
	metadataKeyTier               = "tier"
	metadataKeyBillingPeriod      = "billing_period"
	metadataKeyTrial              = "trial"
	metadataKeyTrialDays          = "trial_days"
	recurringIntervalYear         = "year"
)

// Event is a classified webhook delivery. It is a closed set: the only
// implementations are the variants declared in this file.
type Event interface {
	// Meta returns the envelope fields shared by every variant
	Meta() EventMeta
	isEvent()
}

// EventMeta holds the envelope fields of a delivery
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

// CheckoutCompleted is checkout.session.completed
type CheckoutCompleted struct {
	EventMeta
	Session CheckoutSession
}

// SubscriptionChanged is customer.subscription.created or customer.subscription.updated
type SubscriptionChanged struct {
	EventMeta
	Subscription SubscriptionPayload
}

// SubscriptionDeleted is customer.subscription.deleted
type SubscriptionDeleted struct {
	EventMeta
	Subscription SubscriptionPayload
}

// InvoicePaid is invoice.paid
type InvoicePaid struct {
	EventMeta
	Invoice InvoicePayload
}

// InvoicePaymentFailed is invoice.payment_failed
type InvoicePaymentFailed struct {
	EventMeta
	Invoice InvoicePayload
}

// Unknown is any event type this service does not act on
type Unknown struct {
	EventMeta
}

func (CheckoutCompleted) isEvent()    {}
func (SubscriptionChanged) isEvent()  {}
func (SubscriptionDeleted) isEvent()  {}
func (InvoicePaid) isEvent()          {}
func (InvoicePaymentFailed) isEvent() {}
func (Unknown) isEvent()              {}

// ExpandableID decodes a Stripe field that is either an ID string or an
// expanded object carrying an "id".
type ExpandableID struct {
	ID string
}

// UnmarshalJSON implements json.Unmarshaler
func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		e.ID = ""
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

// MarshalJSON implements json.Marshaler
func (e ExpandableID) MarshalJSON() ([]byte, error) {
	if e.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(e.ID)
}

// CheckoutSession is the data.object of checkout.session.completed
type CheckoutSession struct {
	ID                string            `json:"id"`
	Created           int64             `json:"created"`
	Mode              string            `json:"mode"`
	Customer          ExpandableID      `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *CustomerDetails  `json:"customer_details"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      ExpandableID      `json:"subscription"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// CustomerDetails is the purchaser information collected at checkout
type CustomerDetails struct {
	Email string `json:"email"`
}

// IsOneTime reports whether the session was a one-time product purchase
func (s CheckoutSession) IsOneTime() bool {
	return s.Metadata[metadataKeyPurchaseType] == purchaseTypeOneTime
}

// UserID returns the internal user the session was created for, if any
func (s CheckoutSession) UserID() string {
	if id := s.Metadata[metadataKeyUserID]; id != "" {
		return id
	}
	return s.ClientReferenceID
}

// Email returns the best known purchaser address
func (s CheckoutSession) Email() string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

// SubscriptionPayload is the data.object of customer.subscription.* events
// and the body returned by the subscription retrieve API.
type SubscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           ExpandableID      `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialEnd           int64             `json:"trial_end"`
	Created            int64             `json:"created"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

// SubscriptionItem is one price line of a subscription. Newer API versions
// carry the billing period here rather than on the subscription.
type SubscriptionItem struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              struct {
		ID        string `json:"id"`
		Recurring *struct {
			Interval string `json:"interval"`
		} `json:"recurring"`
	} `json:"price"`
}

// PriceID returns the first item's price
func (s SubscriptionPayload) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// BillingPeriod is annual when the recurring interval is yearly, monthly otherwise
func (s SubscriptionPayload) BillingPeriod() billing.BillingPeriod {
	if len(s.Items.Data) > 0 {
		if r := s.Items.Data[0].Price.Recurring; r != nil && r.Interval == recurringIntervalYear {
			return billing.PeriodAnnual
		}
	}
	return billing.PeriodMonthly
}

// Period returns the current period bounds, preferring subscription-level fields
func (s SubscriptionPayload) Period() (start, end time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if (startUnix == 0 || endUnix == 0) && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if startUnix == 0 {
			startUnix = item.CurrentPeriodStart
		}
		if endUnix == 0 {
			endUnix = item.CurrentPeriodEnd
		}
	}
	return unixOrZero(startUnix), unixOrZero(endUnix)
}

// InvoicePayload is the data.object of invoice.* events
type InvoicePayload struct {
	ID                string       `json:"id"`
	Customer          ExpandableID `json:"customer"`
	Subscription      ExpandableID `json:"subscription"`
	AmountPaid        int64        `json:"amount_paid"`
	Currency          string       `json:"currency"`
	Created           int64        `json:"created"`
	DueDate           int64        `json:"due_date"`
	InvoicePDF        string       `json:"invoice_pdf"`
	HostedInvoiceURL  string       `json:"hosted_invoice_url"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the billed subscription from either invoice shape
func (i InvoicePayload) SubscriptionID() string {
	if i.Subscription.ID != "" {
		return i.Subscription.ID
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

// PaidAt returns the payment time, falling back to invoice creation
func (i InvoicePayload) PaidAt() time.Time {
	if i.StatusTransitions.PaidAt != 0 {
		return time.Unix(i.StatusTransitions.PaidAt, 0).UTC()
	}
	return unixOrZero(i.Created)
}

// Classify turns a decoded envelope into exactly one Event variant. Unknown
// types are returned as Unknown; a recognized type whose payload cannot be
// decoded is an error.
func Classify(event *stripe.Event) (Event, error) {
	meta := EventMeta{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: unixOrZero(event.Created),
	}

	switch meta.Type {
	case eventCheckoutSessionCompleted:
		var s CheckoutSession
		if err := decodeObject(event, &s); err != nil {
			return nil, err
		}
		return CheckoutCompleted{EventMeta: meta, Session: s}, nil
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		var s SubscriptionPayload
		if err := decodeObject(event, &s); err != nil {
			return nil, err
		}
		return SubscriptionChanged{EventMeta: meta, Subscription: s}, nil
	case eventSubscriptionDeleted:
		var s SubscriptionPayload
		if err := decodeObject(event, &s); err != nil {
			return nil, err
		}
		return SubscriptionDeleted{EventMeta: meta, Subscription: s}, nil
	case eventInvoicePaid:
		var inv InvoicePayload
		if err := decodeObject(event, &inv); err != nil {
			return nil, err
		}
		return InvoicePaid{EventMeta: meta, Invoice: inv}, nil
	case eventInvoicePaymentFailed:
		var inv InvoicePayload
		if err := decodeObject(event, &inv); err != nil {
			return nil, err
		}
		return InvoicePaymentFailed{EventMeta: meta, Invoice: inv}, nil
	default:
		return Unknown{EventMeta: meta}, nil
	}
}

func decodeObject(event *stripe.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s event has no data.object", billing.ErrInvalidWebhookPayload, event.Type)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: failed to decode %s object: %v", billing.ErrInvalidWebhookPayload, event.Type, err)
	}
	return nil
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
