package ledger

import (
	"fmt"
	"sort"
	"sync"

	"MarginLedger/internal/state"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

func (bt *BalanceTracker) applyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	for _, j := range batch.Journals {
		bt.applyJournal(j)
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// GetUserCollateral mirrors the vault's free balance.
func (bt *BalanceTracker) GetUserCollateral(trader state.TraderID) int64 {
	return bt.GetBalance(UserAccount(trader, SubTypeCollateral))
}

// GetUserMargin mirrors the margin locked in trader's open position.
func (bt *BalanceTracker) GetUserMargin(trader state.TraderID) int64 {
	return bt.GetBalance(UserAccount(trader, SubTypeMargin))
}

// TraderTotal sums every account owned by trader. Zero for balanced books.
func (bt *BalanceTracker) TraderTotal(trader state.TraderID) int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	var total int64
	for key, balance := range bt.balances {
		if key.Owner == trader {
			total += balance
		}
	}
	return total
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// Traders lists every owner that has at least one account, sorted.
func (bt *BalanceTracker) Traders() []state.TraderID {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	seen := make(map[state.TraderID]struct{})
	for key := range bt.balances {
		seen[key.Owner] = struct{}{}
	}
	out := make([]state.TraderID, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances (used for snapshot restore)
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
