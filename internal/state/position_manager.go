package state

import (
	fpmath "MarginLedger/internal/math"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PositionManager owns every identity's position slot. It moves margin
// between the vault and the slot through the injected CollateralLocker.
type PositionManager struct {
	mu        sync.RWMutex
	positions map[TraderID]*Position
	vault     CollateralLocker
	now       func() time.Time
}

func NewPositionManager(vault CollateralLocker) *PositionManager {
	return &PositionManager{
		positions: make(map[TraderID]*Position),
		vault:     vault,
		now:       time.Now,
	}
}

// Open locks margin from the vault and opens a position at price. If the
// withdrawal fails nothing about the slot changes.
func (pm *PositionManager) Open(
	trader TraderID,
	margin int64,
	direction Direction,
	leverage int64,
	price int64,
) (Position, error) {
	if margin <= 0 || leverage <= 0 {
		return Position{}, fmt.Errorf("open margin=%d leverage=%d: %w", margin, leverage, ErrInvalidAmount)
	}
	if price <= 0 {
		return Position{}, fmt.Errorf("open at price %d: %w", price, ErrInvalidPrice)
	}
	if direction.SideSign() == 0 {
		return Position{}, fmt.Errorf("open direction %d: %w", direction, ErrInvalidAmount)
	}

	size, ok := fpmath.ComputeNotional(margin, leverage)
	if !ok || size <= 0 {
		return Position{}, fmt.Errorf("open margin=%d leverage=%d: notional out of range: %w", margin, leverage, ErrInvalidAmount)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	existing := pm.positions[trader]
	if !existing.State().CanTransitionTo(SlotStateOpen) {
		return Position{}, fmt.Errorf("open for %s: %w", trader, ErrPositionAlreadyOpen)
	}

	if err := pm.vault.Withdraw(trader, margin); err != nil {
		return Position{}, fmt.Errorf("lock margin for %s: %w", trader, err)
	}

	pos := &Position{
		PositionID: uuid.New(),
		Trader:     trader,
		EntryPrice: price,
		Size:       size,
		Leverage:   leverage,
		Margin:     margin,
		Direction:  direction,
		Open:       true,
		OpenedAt:   pm.now(),
	}
	pm.positions[trader] = pos

	return *pos, nil
}

// Close settles trader's open position at price and returns
// max(0, margin + PnL) to the vault. The slot is kept, marked closed.
func (pm *PositionManager) Close(trader TraderID, price int64) (Settlement, error) {
	if price <= 0 {
		return Settlement{}, fmt.Errorf("close at price %d: %w", price, ErrInvalidPrice)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos := pm.positions[trader]
	if !pos.State().CanTransitionTo(SlotStateClosed) {
		return Settlement{}, fmt.Errorf("close for %s: %w", trader, ErrNoOpenPosition)
	}

	pnl := ComputePnL(pos, price)
	returned, shortfall := fpmath.SettlementAmounts(pos.LockedMargin(), pnl)

	// Vault deposits reject zero; a fully wiped-out position credits nothing.
	if returned > 0 {
		if err := pm.vault.Deposit(trader, returned); err != nil {
			return Settlement{}, fmt.Errorf("release margin for %s: %w", trader, err)
		}
	}

	closedAt := pm.now()
	pos.Open = false
	pos.ClosedAt = closedAt

	return Settlement{
		PositionID: pos.PositionID,
		Trader:     trader,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		Size:       pos.Size,
		Margin:     pos.Margin,
		PnL:        pnl,
		Returned:   returned,
		Shortfall:  shortfall,
		ClosedAt:   closedAt,
	}, nil
}

// Position returns a snapshot of trader's open position.
func (pm *PositionManager) Position(trader TraderID) (Position, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	pos := pm.positions[trader]
	if pos.State() != SlotStateOpen {
		return Position{}, fmt.Errorf("position for %s: %w", trader, ErrNoOpenPosition)
	}
	return *pos, nil
}

// ComputePnL is the unrealized PnL of pos marked at price.
func ComputePnL(pos *Position, price int64) int64 {
	return fpmath.ComputePnL(pos.Direction.SideSign(), price, pos.EntryPrice, pos.Size)
}

// OpenTraders returns every identity that currently holds an open position,
// sorted for deterministic sweeps.
func (pm *PositionManager) OpenTraders() []TraderID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	result := make([]TraderID, 0, len(pm.positions))
	for trader, pos := range pm.positions {
		if pos.Open {
			result = append(result, trader)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// LockedMargin returns the margin held by trader's open position, 0 if none.
func (pm *PositionManager) LockedMargin(trader TraderID) int64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pos := pm.positions[trader]; pos.State() == SlotStateOpen {
		return pos.LockedMargin()
	}
	return 0
}

// GetAllPositions returns copies of every slot, open or closed (for snapshot creation)
func (pm *PositionManager) GetAllPositions() []Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	result := make([]Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, *pos)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Trader < result[j].Trader })
	return result
}

// SetPosition directly sets a slot (used for snapshot restore)
func (pm *PositionManager) SetPosition(pos Position) error {
	if pos.Open && (pos.EntryPrice <= 0 || pos.Size <= 0 || pos.Leverage <= 0 || pos.Margin <= 0) {
		return fmt.Errorf("restore position for %s: %w", pos.Trader, ErrInvalidAmount)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	p := pos
	pm.positions[pos.Trader] = &p
	return nil
}
