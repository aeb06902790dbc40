package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testSecret = "whsec_test"

var testBody = []byte(`{"type":"customer.subscription.deleted","data":{"object":{"id":"sub_123"}}}`)

func hmacHex(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return hex.EncodeToString(mac.Sum(nil))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestVerify_ValidSignature(t *testing.T) {
	now := time.Now()
	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hmacHex(testSecret, now.Unix(), testBody))

	assert.True(t, Verify(testBody, header, testSecret))
}

func TestVerify_SignMatchesManualHMAC(t *testing.T) {
	now := time.Unix(1700000000, 0)
	want := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hmacHex(testSecret, now.Unix(), testBody))

	assert.Equal(t, want, Sign(testBody, testSecret, now))
}

func TestVerify_Tolerance(t *testing.T) {
	signedAt := time.Unix(1700000000, 0)
	header := Sign(testBody, testSecret, signedAt)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"same instant", signedAt, true},
		{"just inside future", signedAt.Add(-300 * time.Second), true},
		{"just inside past", signedAt.Add(300 * time.Second), true},
		{"stale", signedAt.Add(301 * time.Second), false},
		{"far future", signedAt.Add(-301 * time.Second), false},
		{"a day late", signedAt.Add(24 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Verifier{Now: fixedClock(tt.now)}
			assert.Equal(t, tt.want, v.Verify(testBody, header, testSecret))
		})
	}
}

func TestVerify_Mismatch(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		header string
		body   []byte
		secret string
	}{
		{"wrong secret", Sign(testBody, "whsec_other", now), testBody, testSecret},
		{"tampered body", Sign(testBody, testSecret, now), []byte(`{"type":"invoice.paid"}`), testSecret},
		{"truncated signature", Sign(testBody, testSecret, now)[:20], testBody, testSecret},
		{"hex of wrong length", fmt.Sprintf("t=%d,v1=abcd", now.Unix()), testBody, testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Verify(tt.body, tt.header, tt.secret))
		})
	}
}

func TestVerify_MalformedHeaders(t *testing.T) {
	now := time.Now()
	sig := hmacHex(testSecret, now.Unix(), testBody)

	headers := []string{
		"",
		"garbage",
		fmt.Sprintf("v1=%s", sig),
		fmt.Sprintf("t=%d", now.Unix()),
		fmt.Sprintf("t=notanumber,v1=%s", sig),
		fmt.Sprintf("t=%d,v1=", now.Unix()),
		",,,=,",
	}
	for _, h := range headers {
		assert.False(t, Verify(testBody, h, testSecret), "header %q", h)
	}
}

func TestVerify_MultipleCandidates(t *testing.T) {
	now := time.Now()
	good := hmacHex(testSecret, now.Unix(), testBody)
	bad := hmacHex("whsec_rotated_out", now.Unix(), testBody)

	for n := 0; n < 5; n++ {
		header := fmt.Sprintf("t=%d", now.Unix())
		for i := 0; i < n; i++ {
			header += ",v1=" + bad
		}
		header += ",v1=" + good + ",v0=" + bad
		assert.True(t, Verify(testBody, header, testSecret), "with %d bad candidates first", n)
	}

	allBad := fmt.Sprintf("t=%d,v1=%s,v1=%s", now.Unix(), bad, bad)
	assert.False(t, Verify(testBody, allBad, testSecret))
}

func TestVerify_AcceptsAnyVersionPrefix(t *testing.T) {
	now := time.Now()
	header := fmt.Sprintf("t=%d,v2=%s", now.Unix(), hmacHex(testSecret, now.Unix(), testBody))

	assert.True(t, Verify(testBody, header, testSecret))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, constantTimeEqual("abc", "abc"))
	assert.False(t, constantTimeEqual("abc", "abd"))
	assert.False(t, constantTimeEqual("abc", "ab"))
	assert.False(t, constantTimeEqual("abc", "abcd"))
	assert.False(t, constantTimeEqual("", "a"))
	assert.True(t, constantTimeEqual("", ""))
}
