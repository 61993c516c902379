// Package money provides shared amount parsing, formatting, and fee-split
// arithmetic.
//
// Amounts are stored as int64 cents everywhere in the platform
// (1 unit = 100 cents). Decimal strings appear only at the API edge.
package money

import (
	"strconv"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "1250.50") to cents (125050).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 2 fractional digits is rejected; shorter fractions are
//     padded (e.g. "1.5" -> 150)
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Sub-cent precision is rejected, not rounded.
	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	cents, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return cents, true
}

// Format converts cents to a human-readable decimal string with exactly
// 2 decimal places (e.g. 125050 -> "1250.50").
func Format(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	s := strconv.FormatInt(cents, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Split divides a total between the platform and the seller.
// The platform fee is total*feePercent/100 rounded half-up; the seller
// takes the remainder, so fee+seller == total holds exactly for every
// total >= 0 and feePercent in [0,100].
func Split(totalCents int64, feePercent int) (feeCents, sellerCents int64) {
	feeCents = (totalCents*int64(feePercent) + 50) / 100
	sellerCents = totalCents - feeCents
	return feeCents, sellerCents
}
