// Package util holds small pure helpers shared across the account service.
package util

import (
	"strings"
	"time"
)

// twoDigitCodes is the set of assigned two-digit E.164 calling codes. Codes
// starting with 1 or 7 are one digit; anything else not listed here is three.
var twoDigitCodes = map[string]bool{
	"20": true, "27": true,
	"30": true, "31": true, "32": true, "33": true, "34": true,
	"36": true, "39": true,
	"40": true, "41": true, "43": true, "44": true, "45": true,
	"46": true, "47": true, "48": true, "49": true,
	"51": true, "52": true, "53": true, "54": true, "55": true,
	"56": true, "57": true, "58": true,
	"60": true, "61": true, "62": true, "63": true, "64": true,
	"65": true, "66": true,
	"81": true, "82": true, "84": true, "86": true,
	"90": true, "91": true, "92": true, "93": true, "94": true,
	"95": true, "98": true,
}

// CountryCode extracts the calling code from an E.164 number. Used only for
// metric tagging, so unknown prefixes degrade to a best-effort answer rather
// than an error.
func CountryCode(e164 string) string {
	digits := strings.TrimPrefix(e164, "+")
	if digits == "" {
		return ""
	}

	if digits[0] == '1' || digits[0] == '7' {
		return digits[:1]
	}
	if len(digits) < 2 {
		return digits
	}
	if twoDigitCodes[digits[:2]] {
		return digits[:2]
	}
	if len(digits) >= 3 {
		return digits[:3]
	}
	return digits[:2]
}

// CanonicalUsername maps a raw username to its canonical form. Syntactic
// validation happens upstream; canonicalization only needs to be stable.
func CanonicalUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// StartOfDayMillis truncates a timestamp to the start of its UTC day,
// in unix milliseconds.
func StartOfDayMillis(t time.Time) int64 {
	return t.UTC().Truncate(24 * time.Hour).UnixMilli()
}
