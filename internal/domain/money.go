package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amounts cross the API boundary as decimal strings ("5.00") and live inside
// the engine as integer cents. The conversion goes through shopspring/decimal
// so "0.1"-style inputs never touch a float.

// ParseCents converts a decimal amount string to cents. Negative amounts and
// sub-cent precision are rejected.
func ParseCents(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount %q: must not be negative", s)
	}
	shifted := d.Shift(2)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("invalid amount %q: at most two decimal places", s)
	}
	return shifted.IntPart(), nil
}

// FormatCents renders cents as a fixed two-decimal string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
