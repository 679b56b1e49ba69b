package ledger

import (
	"fmt"

	"MarginLedger/internal/state"
)

// StateView is the subset of live state the ledger reconciles against.
type StateView interface {
	Balance(trader state.TraderID) int64
	LockedMargin(trader state.TraderID) int64
}

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateTrader checks one trader's books after a mutation:
// collateral and margin are non-negative, the trader's accounts sum to
// zero, and the journal agrees with the vault and position manager.
func (v *InvariantValidator) ValidateTrader(trader state.TraderID, live StateView) error {
	if err := v.tracker.ValidateNonNegative(UserAccount(trader, SubTypeCollateral)); err != nil {
		return err
	}
	if err := v.tracker.ValidateNonNegative(UserAccount(trader, SubTypeMargin)); err != nil {
		return err
	}

	if total := v.tracker.TraderTotal(trader); total != 0 {
		return fmt.Errorf("books for %s do not balance: %d", trader, total)
	}

	if live == nil {
		return nil
	}
	if got, want := v.tracker.GetUserCollateral(trader), live.Balance(trader); got != want {
		return fmt.Errorf("collateral for %s: journal=%d vault=%d", trader, got, want)
	}
	if got, want := v.tracker.GetUserMargin(trader), live.LockedMargin(trader); got != want {
		return fmt.Errorf("margin for %s: journal=%d positions=%d", trader, got, want)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}
