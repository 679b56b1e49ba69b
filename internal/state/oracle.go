package state

import (
	"fmt"
	"sync"
	"time"
)

// MarkPriceState is the single latest price and when it was written.
type MarkPriceState struct {
	Price     int64 // Fixed-point: price scale, 0 = never set
	Version   int64 // Number of accepted updates
	UpdatedAt time.Time
}

// PriceOracle holds one process-wide price. Last write wins; no history.
type PriceOracle struct {
	mu    sync.RWMutex
	state MarkPriceState
	now   func() time.Time
}

func NewPriceOracle() *PriceOracle {
	return &PriceOracle{now: time.Now}
}

// SetPrice overwrites the stored price.
func (o *PriceOracle) SetPrice(price int64) error {
	if price <= 0 {
		return fmt.Errorf("set price %d: %w", price, ErrInvalidPrice)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.Price = price
	o.state.Version++
	o.state.UpdatedAt = o.now()
	return nil
}

// Price returns the last set price, or 0 if none was ever set.
func (o *PriceOracle) Price() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.Price
}

// State returns a copy of the full price state.
func (o *PriceOracle) State() MarkPriceState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// RestoreMarkPrice directly sets the price state (used for snapshot restore)
func (o *PriceOracle) RestoreMarkPrice(mp MarkPriceState) error {
	if mp.Price < 0 {
		return fmt.Errorf("restore price %d: %w", mp.Price, ErrInvalidPrice)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = mp
	return nil
}
