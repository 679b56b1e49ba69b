package state

import (
	"fmt"
	"sort"
	"sync"
)

// CollateralLocker is the capability the position manager needs from the
// vault: moving funds out of and back into a trader's free balance.
type CollateralLocker interface {
	Deposit(trader TraderID, amount int64) error
	Withdraw(trader TraderID, amount int64) error
}

// CollateralVault owns every identity's free (unlocked) balance.
type CollateralVault struct {
	mu       sync.RWMutex
	balances map[TraderID]*UserBalance
}

func NewCollateralVault() *CollateralVault {
	return &CollateralVault{
		balances: make(map[TraderID]*UserBalance),
	}
}

// Deposit credits amount to trader's free balance.
func (v *CollateralVault) Deposit(trader TraderID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit %d: %w", amount, ErrInvalidAmount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.balances[trader]
	if bal != nil && bal.TotalCollateral > maxInt64-amount {
		return fmt.Errorf("deposit %d: balance would overflow: %w", amount, ErrInvalidAmount)
	}
	// Records are created lazily, only by a deposit that applies.
	if bal == nil {
		bal = &UserBalance{Trader: trader}
		v.balances[trader] = bal
	}
	bal.TotalCollateral += amount
	return nil
}

// Withdraw debits amount from trader's free balance. Amount positivity is
// checked first so a negative amount can never pass as "sufficient".
func (v *CollateralVault) Withdraw(trader TraderID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw %d: %w", amount, ErrInvalidAmount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.balances[trader]
	if bal == nil || bal.TotalCollateral < amount {
		have := int64(0)
		if bal != nil {
			have = bal.TotalCollateral
		}
		return fmt.Errorf("withdraw %d from %s (have=%d): %w", amount, trader, have, ErrInsufficientFunds)
	}
	bal.TotalCollateral -= amount
	return nil
}

// Balance returns trader's free balance, 0 for an unknown identity.
func (v *CollateralVault) Balance(trader TraderID) int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if bal := v.balances[trader]; bal != nil {
		return bal.TotalCollateral
	}
	return 0
}

// GetAllBalances returns a copy of every balance record sorted by trader
// (for snapshot creation).
func (v *CollateralVault) GetAllBalances() []UserBalance {
	v.mu.RLock()
	defer v.mu.RUnlock()

	result := make([]UserBalance, 0, len(v.balances))
	for _, bal := range v.balances {
		result = append(result, *bal)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Trader < result[j].Trader })
	return result
}

// RestoreBalance directly sets a balance (used for snapshot restore)
func (v *CollateralVault) RestoreBalance(bal UserBalance) error {
	if bal.TotalCollateral < 0 {
		return fmt.Errorf("restore %s: negative balance %d", bal.Trader, bal.TotalCollateral)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	b := bal
	v.balances[bal.Trader] = &b
	return nil
}

const maxInt64 = int64(^uint64(0) >> 1)
