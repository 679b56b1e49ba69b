package ledger

import (
	"fmt"
	"time"

	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for ledger operations.
// It holds no state; the caller supplies the sequence.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

type batchBuilder struct {
	batch *Batch
}

func newBatch(eventRef string, sequence int64, ts time.Time) *batchBuilder {
	return &batchBuilder{batch: &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: ts.UnixMicro(),
		Journals:  make([]Journal, 0, 2),
	}}
}

// add appends one leg; zero amounts are skipped.
func (b *batchBuilder) add(debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
}

// GenerateDeposit moves funds: external:deposits → user:collateral
func (jg *JournalGenerator) GenerateDeposit(
	trader state.TraderID,
	amount int64,
	eventRef string,
	sequence int64,
	ts time.Time,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit journal: %w", state.ErrInvalidAmount)
	}
	b := newBatch(eventRef, sequence, ts)
	b.add(UserAccount(trader, SubTypeCollateral), ExternalAccount(trader, SubTypeExternalDeposits), amount, JournalTypeDeposit)
	return b.batch, nil
}

// GenerateWithdrawal moves funds: user:collateral → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(
	trader state.TraderID,
	amount int64,
	eventRef string,
	sequence int64,
	ts time.Time,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal journal: %w", state.ErrInvalidAmount)
	}
	b := newBatch(eventRef, sequence, ts)
	b.add(ExternalAccount(trader, SubTypeExternalWithdrawals), UserAccount(trader, SubTypeCollateral), amount, JournalTypeWithdrawal)
	return b.batch, nil
}

// GenerateOpen locks margin: user:collateral → user:margin
func (jg *JournalGenerator) GenerateOpen(
	pos state.Position,
	eventRef string,
	sequence int64,
	ts time.Time,
) (*Batch, error) {
	if pos.Margin <= 0 {
		return nil, fmt.Errorf("open journal: %w", state.ErrInvalidAmount)
	}
	b := newBatch(eventRef, sequence, ts)
	b.add(UserAccount(pos.Trader, SubTypeMargin), UserAccount(pos.Trader, SubTypeCollateral), pos.Margin, JournalTypeMarginLock)
	return b.batch, nil
}

// GenerateClose settles a position. The margin account always drains to
// zero; system:pnl is the counterparty for realized PnL, and any loss past
// the margin lands in system:shortfall.
//
//	profit:            margin → collateral (M), pnl → collateral (P)
//	loss within M:     margin → pnl (L), margin → collateral (M − L)
//	loss beyond M:     margin → pnl (M), shortfall → pnl (S)
func (jg *JournalGenerator) GenerateClose(
	s state.Settlement,
	eventRef string,
	sequence int64,
	ts time.Time,
) (*Batch, error) {
	if s.Margin <= 0 {
		return nil, fmt.Errorf("close journal: %w", state.ErrInvalidAmount)
	}
	if s.Returned-s.Shortfall != s.Margin+s.PnL {
		return nil, fmt.Errorf("close journal: settlement does not add up: returned=%d shortfall=%d margin=%d pnl=%d",
			s.Returned, s.Shortfall, s.Margin, s.PnL)
	}

	t := s.Trader
	collateral := UserAccount(t, SubTypeCollateral)
	margin := UserAccount(t, SubTypeMargin)
	pnl := SystemAccount(t, SubTypeSystemPnL)
	shortfall := SystemAccount(t, SubTypeSystemShortfall)

	b := newBatch(eventRef, sequence, ts)
	switch {
	case s.PnL >= 0:
		b.add(collateral, margin, s.Margin, JournalTypeMarginRelease)
		b.add(collateral, pnl, s.PnL, JournalTypePnLCredit)
	case s.Shortfall == 0:
		b.add(pnl, margin, -s.PnL, JournalTypePnLDebit)
		b.add(collateral, margin, s.Returned, JournalTypeMarginRelease)
	default:
		b.add(pnl, margin, s.Margin, JournalTypePnLDebit)
		b.add(pnl, shortfall, s.Shortfall, JournalTypeShortfallAbsorbed)
	}
	return b.batch, nil
}
