package cards

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/example/wallet-ledger/internal/ledger"
)

var (
	digitsOnly = regexp.MustCompile(`^\d+$`)
	expiryForm = regexp.MustCompile(`^(\d{2})/(\d{2}|\d{4})$`)
)

// NormalizePAN strips spaces and dashes and validates length and the Luhn
// checksum.
func NormalizePAN(pan string) (string, error) {
	pan = strings.NewReplacer(" ", "", "-", "").Replace(pan)
	if len(pan) < 13 || len(pan) > 19 {
		return "", ledger.Invalid("pan", "must be 13-19 digits")
	}
	if !digitsOnly.MatchString(pan) {
		return "", ledger.Invalid("pan", "must contain only digits")
	}
	if !luhn(pan) {
		return "", ledger.Invalid("pan", "failed luhn check")
	}
	return pan, nil
}

func luhn(pan string) bool {
	sum := 0
	parity := len(pan) % 2
	for i, r := range pan {
		d := int(r - '0')
		if i%2 == parity {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

// ParseExpiry reads MM/YY or MM/YYYY. Cards expire at the start of the
// month after the printed one.
func ParseExpiry(expiry string) (time.Time, error) {
	m := expiryForm.FindStringSubmatch(strings.TrimSpace(expiry))
	if m == nil {
		return time.Time{}, ledger.Invalid("expiry", "must be MM/YY or MM/YYYY")
	}
	month, _ := strconv.Atoi(m[1])
	if month < 1 || month > 12 {
		return time.Time{}, ledger.Invalid("expiry", "month must be between 01 and 12")
	}
	year, _ := strconv.Atoi(m[2])
	if len(m[2]) == 2 {
		year += 2000
	}
	return time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC), nil
}

// Mask keeps the first six and last four digits.
func Mask(pan string) string {
	return pan[:6] + strings.Repeat("*", len(pan)-10) + pan[len(pan)-4:]
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return "tok_" + hex.EncodeToString(b), nil
}
