// Package signature verifies Stripe-style webhook signature headers.
//
// A header has the form "t=<unix-seconds>,v1=<hex>[,v1=<hex>...]". Every
// "v"-prefixed value is a candidate signature, which lets the processor roll
// secrets or schemes without breaking receivers.
package signature

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"
)

// DefaultTolerance is the maximum allowed clock difference between the
// signed timestamp and now. It is the only replay protection.
const DefaultTolerance = 300 * time.Second

// Verifier checks signature headers against a shared secret
type Verifier struct {
	// Tolerance defaults to DefaultTolerance when zero
	Tolerance time.Duration

	// Now defaults to time.Now
	Now func() time.Time
}

// Verify checks header against body using the default Verifier.
func Verify(body []byte, header, secret string) bool {
	return Verifier{}.Verify(body, header, secret)
}

// Verify returns true only when the header carries a fresh timestamp and at
// least one candidate equal to the expected HMAC. Any malformed input yields false.
func (v Verifier) Verify(body []byte, header, secret string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	ts, candidates := parseHeader(header)
	if ts == "" || len(candidates) == 0 {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	signedAt := time.Unix(unix, 0)

	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if age := now().Sub(signedAt); age > tolerance || age < -tolerance {
		return false
	}

	expected := hex.EncodeToString(webhook.ComputeSignature(signedAt, body, secret))
	for _, candidate := range candidates {
		if constantTimeEqual(expected, candidate) {
			return true
		}
	}
	return false
}

// Sign builds a header for body signed at t. Used by tests and local tooling.
func Sign(body []byte, secret string, t time.Time) string {
	sig := hex.EncodeToString(webhook.ComputeSignature(t, body, secret))
	return "t=" + strconv.FormatInt(t.Unix(), 10) + ",v1=" + sig
}

// parseHeader returns the last "t" value and every "v*" value in the header
func parseHeader(header string) (ts string, candidates []string) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch {
		case key == "t":
			ts = value
		case strings.HasPrefix(key, "v") && value != "":
			candidates = append(candidates, value)
		}
	}
	return ts, candidates
}

// constantTimeEqual compares a and b without leaking the position of the
// first difference. Unequal lengths still walk the full expected string.
func constantTimeEqual(a, b string) bool {
	var diff byte
	if len(a) != len(b) {
		diff = 1
	}
	for i := 0; i < len(a); i++ {
		var c byte
		if i < len(b) {
			c = b[i]
		}
		diff |= a[i] ^ c
	}
	return diff == 0
}
