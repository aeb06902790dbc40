// Package license derives license keys for one-time product purchases.
//
// A key is PREFIX-TIME-RANDOM in upper case, where PREFIX is the first four
// characters of the product identifier, TIME is the base-36 issue time in
// milliseconds and RANDOM is base-36 encoded random bytes. Keys are
// collision-resistant and impractical to enumerate; they are not secrets.
package license

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	prefixLen   = 4
	randomBytes = 8
)

// Generator mints license keys. The zero value uses crypto/rand and time.Now.
type Generator struct {
	Rand io.Reader
	Now  func() time.Time
}

// NewKey mints a key for productID using the default Generator
func NewKey(productID string) (string, error) {
	return Generator{}.NewKey(productID)
}

// NewKey mints a key for productID
func (g Generator) NewKey(productID string) (string, error) {
	src := g.Rand
	if src == nil {
		src = rand.Reader
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}

	buf := make([]byte, randomBytes)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	key := Prefix(productID) + "-" +
		strconv.FormatInt(now().UnixMilli(), 36) + "-" +
		new(big.Int).SetBytes(buf).Text(36)
	return strings.ToUpper(key), nil
}

// Prefix returns the upper-cased product code used at the start of a key
func Prefix(productID string) string {
	runes := []rune(productID)
	if len(runes) > prefixLen {
		runes = runes[:prefixLen]
	}
	return strings.ToUpper(string(runes))
}

// ParseProductIDs splits a comma-separated metadata value, dropping blanks and duplicates
func ParseProductIDs(raw string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
