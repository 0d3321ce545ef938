/**
 * @description
 * Exact fixed-point conversion between minor currency units (cents) and the
 * decimal major-unit representation some callers use. All arithmetic is integer
 * arithmetic; float division or multiplication is never used, so the same value
 * always round-trips losslessly on both the debit and credit side.
 */

package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedAmount = errors.New("malformed amount")
	ErrAmountOverflow  = errors.New("amount overflows int64 cents")
)

// CentsFromMajorString parses a decimal major-unit string such as "125.50"
// into int64 cents. At most two fractional digits are accepted; a third digit
// would require rounding, which the ledger treats as a malformed input rather
// than silently truncating.
func CentsFromMajorString(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, ErrMalformedAmount
	}

	negative := false
	switch trimmed[0] {
	case '-':
		negative = true
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	if trimmed == "" || trimmed == "." {
		return 0, ErrMalformedAmount
	}

	wholePart := trimmed
	fracPart := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		wholePart = trimmed[:idx]
		fracPart = trimmed[idx+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return 0, ErrMalformedAmount
		}
	}
	if wholePart == "" {
		wholePart = "0"
	}
	if len(fracPart) > 2 {
		return 0, fmt.Errorf("%w: more than two fractional digits in %q", ErrMalformedAmount, s)
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}

	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedAmount, s)
	}
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedAmount, s)
	}

	if whole > (1<<63-1-frac)/100 {
		return 0, ErrAmountOverflow
	}
	cents := whole*100 + frac
	if negative {
		cents = -cents
	}
	return cents, nil
}

// MajorStringFromCents renders int64 cents as a decimal major-unit string with
// exactly two fractional digits, e.g. 12550 -> "125.50", -5 -> "-0.05".
func MajorStringFromCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
