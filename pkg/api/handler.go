// Package api exposes read-only endpoints over the records the webhook
// handler writes: licenses by checkout session and entitlement by customer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/licensehook/pkg/billing"
)

const maxIDLen = 255

// Handler provides HTTP endpoints for license and entitlement lookup
type Handler struct {
	config Config
}

// GetLicenses returns the licenses issued for a checkout session.
// An unknown session yields 404 so the activation page can retry while the
// webhook is still in flight.
func (h *Handler) GetLicenses(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	sessionID := h.config.GetSessionID(r)
	if sessionID == "" || len(sessionID) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("invalid session id"), http.StatusBadRequest)
		return
	}

	purchases, err := h.config.Repository.ListPurchasesBySession(r.Context(), sessionID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list purchases: %w", err), http.StatusInternalServerError)
		return
	}
	if len(purchases) == 0 {
		h.handleError(w, r, fmt.Errorf("no licenses for session"), http.StatusNotFound)
		return
	}

	response := LicensesResponse{
		SessionID: sessionID,
		Licenses:  make([]License, 0, len(purchases)),
	}
	for _, p := range purchases {
		response.Licenses = append(response.Licenses, License{
			ProductID:   p.ProductID,
			LicenseKey:  p.LicenseKey,
			Status:      p.Status,
			PurchasedAt: p.PurchasedAt,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// GetEntitlement returns the standing of the customer's most recent subscription
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	customerID := h.config.GetCustomerID(r)
	if customerID == "" || len(customerID) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("invalid customer id"), http.StatusBadRequest)
		return
	}

	sub, err := h.config.Repository.FindSubscriptionByCustomer(r.Context(), customerID)
	if errors.Is(err, billing.ErrRecordNotFound) {
		h.handleError(w, r, fmt.Errorf("no subscription for customer"), http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to find subscription: %w", err), http.StatusInternalServerError)
		return
	}

	response := EntitlementResponse{
		CustomerID:    customerID,
		Active:        h.isActive(sub),
		Tier:          string(sub.Tier),
		Status:        string(sub.Status),
		BillingPeriod: string(sub.BillingPeriod),
		CancelAtEnd:   sub.CancelAtPeriodEnd,
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		response.CurrentPeriodEnd = &end
	}
	writeJSON(w, http.StatusOK, response)
}

// isActive grants access for active, trialing and past_due subscriptions whose
// period has not ended. past_due keeps access while the processor retries payment.
func (h *Handler) isActive(sub *billing.Subscription) bool {
	switch sub.Status {
	case billing.StatusActive, billing.StatusTrialing, billing.StatusPastDue:
	default:
		return false
	}
	return sub.CurrentPeriodEnd.IsZero() || sub.CurrentPeriodEnd.After(h.config.Now())
}

func (h *Handler) authorized(w http.ResponseWriter, r *http.Request) bool {
	if h.config.Authorize == nil {
		return true
	}
	if err := h.config.Authorize(r); err != nil {
		h.handleError(w, r, ErrUnauthorized, http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status >= http.StatusInternalServerError {
		h.config.Logger.Warn("Read API request failed", billing.Err(err), billing.Field{Key: "path", Value: r.URL.Path})
	}
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, status)
		return
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
