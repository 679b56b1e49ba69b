// internal/math/fixedpoint.go
package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	PriceConfig    = DecimalConfig{DecimalPrecision: 2, Scale: 100}       // 0.01
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 collateral units
	LeverageConfig = DecimalConfig{DecimalPrecision: 2, Scale: 100}       // 0.01x
	RatioConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // maintenance margin ratio
)

// DefaultMaintenanceMarginRatio is 0.1 at RatioConfig scale.
const DefaultMaintenanceMarginRatio int64 = 100_000

var bigIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBigInt() *big.Int {
	return bigIntPool.Get().(*big.Int)
}

func putBigInt(v *big.Int) {
	v.SetInt64(0)
	bigIntPool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward -inf
	RoundUp                           // toward +inf
)

// MultiplyWide performs a * b without int64 overflow. Caller returns the
// result with putBigInt.
func MultiplyWide(a, b int64) *big.Int {
	result := getBigInt()
	return result.Mul(big.NewInt(a), big.NewInt(b))
}

// DivideWide performs numerator / denominator (denominator > 0) with rounding.
// ok is false when the quotient does not fit in int64.
func DivideWide(numerator *big.Int, denominator int64, mode RoundingMode) (result int64, ok bool) {
	denom := big.NewInt(denominator)
	quotient := getBigInt()
	remainder := getBigInt()
	defer putBigInt(quotient)
	defer putBigInt(remainder)

	// Euclidean: remainder is always in [0, denominator), quotient is the floor.
	quotient.DivMod(numerator, denom, remainder)

	if remainder.Sign() != 0 {
		switch mode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfEven:
			doubled := getBigInt()
			doubled.Lsh(remainder, 1)
			cmp := doubled.Cmp(denom)
			putBigInt(doubled)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	if !quotient.IsInt64() {
		return 0, false
	}
	return quotient.Int64(), true
}

// ComputeNotional returns margin × leverage at quote scale (rounded down).
func ComputeNotional(margin, leverage int64) (int64, bool) {
	raw := MultiplyWide(margin, leverage)
	defer putBigInt(raw)
	return DivideWide(raw, LeverageConfig.Scale, RoundDown)
}

// ComputePnL returns the signed PnL of a position at quote scale:
// sideSign × (markPrice − entryPrice) × size / entryPrice.
// entryPrice must be positive.
func ComputePnL(sideSign, markPrice, entryPrice, size int64) int64 {
	priceDiff := sideSign * (markPrice - entryPrice)

	temp := MultiplyWide(priceDiff, size)
	defer putBigInt(temp)

	// |priceDiff × size / entryPrice| is bounded by size × max(mark/entry, 1),
	// which fits for any sane price; saturate rather than wrap if it doesn't.
	pnl, ok := DivideWide(temp, entryPrice, RoundHalfEven)
	if !ok {
		if temp.Sign() < 0 {
			return minInt64
		}
		return maxInt64
	}
	return pnl
}

// SettlementAmounts splits margin + pnl into the amount returned to the trader
// and the shortfall the protocol absorbs. Exactly one of them is non-zero
// unless margin + pnl == 0.
func SettlementAmounts(margin, pnl int64) (returned int64, shortfall int64) {
	total := saturatingAdd(margin, pnl)
	if total < 0 {
		return 0, -total
	}
	return total, 0
}

// IsLiquidatable reports whether pnl < −margin × (1 − ratio), evaluated exactly
// at RatioConfig scale: pnl × S < −margin × (S − ratio).
func IsLiquidatable(pnl, margin, ratio int64) bool {
	lhs := MultiplyWide(pnl, RatioConfig.Scale)
	defer putBigInt(lhs)

	rhs := MultiplyWide(-margin, RatioConfig.Scale-ratio)
	defer putBigInt(rhs)

	return lhs.Cmp(rhs) < 0
}

// IsLiquidatableAt decides IsLiquidatable on the unrounded PnL of a position,
// cross-multiplying by entryPrice (> 0):
// sideSign×(mark−entry)×size×Scale < −margin×(Scale−ratio)×entry.
func IsLiquidatableAt(sideSign, markPrice, entryPrice, size, margin, ratio int64) bool {
	lhs := MultiplyWide(sideSign*(markPrice-entryPrice), size)
	defer putBigInt(lhs)
	lhs.Mul(lhs, big.NewInt(RatioConfig.Scale))

	rhs := MultiplyWide(-margin, RatioConfig.Scale-ratio)
	defer putBigInt(rhs)
	rhs.Mul(rhs, big.NewInt(entryPrice))

	return lhs.Cmp(rhs) < 0
}

// LiquidationThreshold returns the loss cushion margin × (1 − ratio) at quote
// scale, rounded down. Informational only; IsLiquidatable is the authority.
func LiquidationThreshold(margin, ratio int64) int64 {
	raw := MultiplyWide(margin, RatioConfig.Scale-ratio)
	defer putBigInt(raw)
	v, _ := DivideWide(raw, RatioConfig.Scale, RoundDown)
	return v
}

const (
	maxInt64 = int64(^uint64(0) >> 1)
	minInt64 = -maxInt64 - 1
)

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if a > 0 && b > 0 && sum < 0 {
		return maxInt64
	}
	if a < 0 && b < 0 && sum >= 0 {
		return minInt64
	}
	return sum
}
