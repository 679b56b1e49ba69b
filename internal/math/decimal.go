package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseFixed converts a decimal string ("1000.5") into a fixed-point int64 at
// the given precision. More fractional digits than the precision allows is an
// error rather than a silent rounding.
func ParseFixed(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return FromDecimal(d, cfg)
}

// FromDecimal converts a decimal into fixed-point at the given precision.
func FromDecimal(d decimal.Decimal, cfg DecimalConfig) (int64, error) {
	shifted := d.Shift(int32(cfg.DecimalPrecision))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%s has more than %d decimal places", d.String(), cfg.DecimalPrecision)
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%s out of range", d.String())
	}
	return bi.Int64(), nil
}

// ToDecimal converts a fixed-point int64 back to a decimal.
func ToDecimal(v int64, cfg DecimalConfig) decimal.Decimal {
	return decimal.New(v, -int32(cfg.DecimalPrecision))
}

// FormatFixed renders a fixed-point value with exactly cfg.DecimalPrecision
// fractional digits.
func FormatFixed(v int64, cfg DecimalConfig) string {
	return ToDecimal(v, cfg).StringFixed(int32(cfg.DecimalPrecision))
}

func ParseQuote(s string) (int64, error)    { return ParseFixed(s, QuoteConfig) }
func ParsePrice(s string) (int64, error)    { return ParseFixed(s, PriceConfig) }
func ParseLeverage(s string) (int64, error) { return ParseFixed(s, LeverageConfig) }
func ParseRatio(s string) (int64, error)    { return ParseFixed(s, RatioConfig) }

func FormatQuote(v int64) string { return FormatFixed(v, QuoteConfig) }
func FormatPrice(v int64) string { return FormatFixed(v, PriceConfig) }
func FormatLeverage(v int64) string {
	return FormatFixed(v, LeverageConfig)
}
func FormatRatio(v int64) string { return FormatFixed(v, RatioConfig) }
