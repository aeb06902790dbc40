package api

import "time"

// LicensesResponse lists the license keys issued for one checkout session
type LicensesResponse struct {
	SessionID string    `json:"session_id"`
	Licenses  []License `json:"licenses"`
}

// License is one issued product key
type License struct {
	ProductID   string    `json:"product_id"`
	LicenseKey  string    `json:"license_key"`
	Status      string    `json:"status"`
	PurchasedAt time.Time `json:"purchased_at"`
}

// EntitlementResponse is the subscription standing of a customer
type EntitlementResponse struct {
	CustomerID       string     `json:"customer_id"`
	Active           bool       `json:"active"`
	Tier             string     `json:"tier"`
	Status           string     `json:"status"`
	BillingPeriod    string     `json:"billing_period,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CancelAtEnd      bool       `json:"cancel_at_period_end"`
}

// ErrorResponse is the default error body
type ErrorResponse struct {
	Error string `json:"error"`
}
