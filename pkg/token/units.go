package token

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseUnits converts a human amount such as "3.80" to smallest units at
// the given decimals. More fractional digits than decimals is an error.
func ParseUnits(s string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return scaled.IntPart(), nil
}

// FormatUnits renders smallest units as a fixed-point string, e.g.
// 3800000 at 6 decimals is "3.800000".
func FormatUnits(amount int64, decimals int32) string {
	return decimal.New(amount, -decimals).StringFixed(decimals)
}

// ParseUnits on the ledger's own decimals.
func (i Info) ParseUnits(s string) (int64, error) { return ParseUnits(s, i.Decimals) }

func (i Info) FormatUnits(amount int64) string { return FormatUnits(amount, i.Decimals) }
