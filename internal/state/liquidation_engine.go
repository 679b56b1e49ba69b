package state

import (
	"errors"
	"fmt"

	fpmath "MarginLedger/internal/math"
)

// LiquidationOutcome is the result of evaluating one identity.
type LiquidationOutcome int32

const (
	OutcomeNoPosition LiquidationOutcome = iota
	OutcomeNotLiquidated
	OutcomeLiquidated
)

func (o LiquidationOutcome) String() string {
	switch o {
	case OutcomeNoPosition:
		return "NoPosition"
	case OutcomeNotLiquidated:
		return "NotLiquidated"
	case OutcomeLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// LiquidationResult describes a check. Settlement is set only when the
// outcome is OutcomeLiquidated.
type LiquidationResult struct {
	Trader     TraderID
	Outcome    LiquidationOutcome
	MarkPrice  int64
	PnL        int64
	Margin     int64
	Threshold  int64 // margin × (1 − ratio), informational
	Settlement *Settlement
}

// PositionCloser is what the engine needs from the position manager.
type PositionCloser interface {
	Position(trader TraderID) (Position, error)
	Close(trader TraderID, price int64) (Settlement, error)
}

// PriceSource is the engine's view of the oracle.
type PriceSource interface {
	Price() int64
}

// LiquidationEngine evaluates positions against the oracle and forces a close
// through the normal close path when the maintenance threshold is breached.
// It keeps no state of its own.
type LiquidationEngine struct {
	positions PositionCloser
	prices    PriceSource
}

func NewLiquidationEngine(positions PositionCloser, prices PriceSource) *LiquidationEngine {
	return &LiquidationEngine{positions: positions, prices: prices}
}

// CheckLiquidation evaluates trader's open position with the given
// maintenance margin ratio (RatioConfig scale, 0..1). A missing position is
// an outcome, not an error. A missing price is ErrNoPrice.
func (le *LiquidationEngine) CheckLiquidation(trader TraderID, ratio int64) (LiquidationResult, error) {
	result := LiquidationResult{Trader: trader, Outcome: OutcomeNoPosition}

	if ratio < 0 || ratio > fpmath.RatioConfig.Scale {
		return result, fmt.Errorf("ratio %d: %w", ratio, ErrInvalidRatio)
	}

	pos, err := le.positions.Position(trader)
	if errors.Is(err, ErrNoOpenPosition) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("read position for %s: %w", trader, err)
	}

	// Read once; every step below uses this value.
	price := le.prices.Price()
	if price <= 0 {
		return result, fmt.Errorf("check %s: %w", trader, ErrNoPrice)
	}

	margin := pos.LockedMargin()
	pnl := ComputePnL(&pos, price)

	result.MarkPrice = price
	result.PnL = pnl
	result.Margin = margin
	result.Threshold = fpmath.LiquidationThreshold(margin, ratio)
	result.Outcome = OutcomeNotLiquidated

	// PnL above is reported rounded; the decision uses the exact value.
	if !fpmath.IsLiquidatableAt(pos.Direction.SideSign(), price, pos.EntryPrice, pos.Size, margin, ratio) {
		return result, nil
	}

	settlement, err := le.positions.Close(trader, price)
	if errors.Is(err, ErrNoOpenPosition) {
		// Closed by someone else between the read and the close.
		result.Outcome = OutcomeNoPosition
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("liquidate %s: %w", trader, err)
	}

	settlement.Liquidated = true
	result.Outcome = OutcomeLiquidated
	result.Settlement = &settlement
	return result, nil
}
