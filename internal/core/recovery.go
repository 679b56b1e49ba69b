package core

import (
	"fmt"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/state"
)

// Snapshot is a consistent copy of all in-memory state.
type Snapshot struct {
	Sequence        int64    // next sequence to assign
	StateHash       [32]byte // chain tip
	Balances        []state.UserBalance
	Positions       []state.Position
	Price           state.MarkPriceState
	Accounts        map[ledger.AccountKey]int64
	History         []state.Settlement
	PriceSources    map[string]int64
	IdempotencyKeys []string
	CreatedAt       time.Time
}

// Snapshot blocks all operations while it copies state.
func (l *Ledger) Snapshot() *Snapshot {
	l.priceMu.Lock()
	defer l.priceMu.Unlock()
	l.locks.LockAll()
	defer l.locks.UnlockAll()
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	return &Snapshot{
		Sequence:        l.sequence,
		StateHash:       l.hasher.GetPrevHash(),
		Balances:        l.vault.GetAllBalances(),
		Positions:       l.positions.GetAllPositions(),
		Price:           l.oracle.State(),
		Accounts:        l.tracker.Snapshot(),
		History:         l.history.All(),
		PriceSources:    l.priceSources.State(),
		IdempotencyKeys: l.idempotency.Keys(),
		CreatedAt:       l.now(),
	}
}

// Restore loads snap into a freshly constructed ledger, then checks that the
// journal agrees with the restored vault and positions.
func (l *Ledger) Restore(snap *Snapshot) error {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	if l.sequence != 0 && l.sequence != snap.Sequence {
		return fmt.Errorf("restore into a ledger already at seq %d", l.sequence)
	}

	for _, b := range snap.Balances {
		if err := l.vault.RestoreBalance(b); err != nil {
			return err
		}
	}
	open := 0
	for _, p := range snap.Positions {
		if err := l.positions.SetPosition(p); err != nil {
			return err
		}
		if p.Open {
			open++
		}
	}
	if err := l.oracle.RestoreMarkPrice(snap.Price); err != nil {
		return err
	}
	l.tracker.Restore(snap.Accounts)
	for _, s := range snap.History {
		l.history.Append(s)
	}
	l.priceSources.Restore(snap.PriceSources)
	l.idempotency.Warm(snap.IdempotencyKeys)

	l.sequence = snap.Sequence
	l.hasher.SetPrevHash(snap.StateHash)

	for _, t := range l.tracker.Traders() {
		if err := l.validator.ValidateTrader(t, l.live); err != nil {
			return fmt.Errorf("restored state inconsistent: %w", err)
		}
	}

	if l.metrics != nil {
		l.metrics.Sequence.Set(float64(l.sequence))
		l.metrics.OpenPositions.Set(float64(open))
		l.metrics.MarkPrice.Set(float64(snap.Price.Price))
	}
	l.log.Info().Int64("sequence", snap.Sequence).Int("positions_open", open).Msg("state restored from snapshot")
	return nil
}

// Replay re-applies one persisted envelope on top of restored state. The
// envelope must be the next in sequence, and the recomputed state hash must
// match the persisted one.
func (l *Ledger) Replay(env *event.EventEnvelope) error {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	if env.Sequence != l.sequence {
		return fmt.Errorf("replay gap: expected seq %d, got %d", l.sequence, env.Sequence)
	}
	if env.PrevHash != l.hasher.GetPrevHash() {
		return fmt.Errorf("replay seq %d: prev hash does not match chain tip", env.Sequence)
	}

	evt, err := env.Decode()
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	gen, err := l.replayState(env, evt)
	if err != nil {
		return fmt.Errorf("replay seq %d (%s): %w", env.Sequence, env.EventType, err)
	}

	out, err := l.apply(env.Sequence, env.Timestamp, env.IdempotencyKey, evt, gen)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if out.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch", env.Sequence)
	}

	if env.IdempotencyKey != "" {
		l.idempotency.Warm([]string{compositeKey(opForEvent(env.EventType), env.IdempotencyKey)})
	}
	l.sequence++
	return nil
}

// replayState applies evt's effect to live state and returns the journal
// generator the live path used for it.
func (l *Ledger) replayState(env *event.EventEnvelope, evt event.Event) (batchFunc, error) {
	switch e := evt.(type) {
	case *event.Deposited:
		if err := l.vault.Deposit(e.Trader, e.Amount); err != nil {
			return nil, err
		}
		if got := l.vault.Balance(e.Trader); got != e.Balance {
			return nil, fmt.Errorf("balance after deposit: got %d, logged %d", got, e.Balance)
		}
		return func(ref string, seq int64, ts time.Time) (*ledger.Batch, error) {
			return l.journalGen.GenerateDeposit(e.Trader, e.Amount, ref, seq, ts)
		}, nil

	case *event.Withdrawn:
		if err := l.vault.Withdraw(e.Trader, e.Amount); err != nil {
			return nil, err
		}
		if got := l.vault.Balance(e.Trader); got != e.Balance {
			return nil, fmt.Errorf("balance after withdrawal: got %d, logged %d", got, e.Balance)
		}
		return func(ref string, seq int64, ts time.Time) (*ledger.Batch, error) {
			return l.journalGen.GenerateWithdrawal(e.Trader, e.Amount, ref, seq, ts)
		}, nil

	case *event.PositionOpened:
		dir, err := state.ParseDirection(e.Direction)
		if err != nil {
			return nil, err
		}
		if _, err := l.positions.Position(e.Trader); err == nil {
			return nil, state.ErrPositionAlreadyOpen
		}
		if err := l.vault.Withdraw(e.Trader, e.Margin); err != nil {
			return nil, err
		}
		pos := state.Position{
			PositionID: e.PositionID,
			Trader:     e.Trader,
			EntryPrice: e.EntryPrice,
			Size:       e.Size,
			Leverage:   e.Leverage,
			Margin:     e.Margin,
			Direction:  dir,
			Open:       true,
			OpenedAt:   e.OpenedAt,
		}
		if err := l.positions.SetPosition(pos); err != nil {
			return nil, err
		}
		return func(ref string, seq int64, ts time.Time) (*ledger.Batch, error) {
			return l.journalGen.GenerateOpen(pos, ref, seq, ts)
		}, nil

	case *event.PositionClosed:
		return l.replayClose(e, false)

	case *event.PositionLiquidated:
		return l.replayClose(&e.PositionClosed, true)

	case *event.PriceUpdated:
		if err := l.oracle.RestoreMarkPrice(state.MarkPriceState{
			Price:     e.Price,
			Version:   e.Version,
			UpdatedAt: env.Timestamp,
		}); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unhandled event %T", evt)
	}
}

func (l *Ledger) replayClose(e *event.PositionClosed, liquidated bool) (batchFunc, error) {
	s, err := l.positions.Close(e.Trader, e.ExitPrice)
	if err != nil {
		return nil, err
	}
	if s.PnL != e.PnL || s.Returned != e.Returned || s.Shortfall != e.Shortfall {
		return nil, fmt.Errorf("settlement differs from log: pnl %d/%d returned %d/%d",
			s.PnL, e.PnL, s.Returned, e.Returned)
	}
	s.ClosedAt = e.ClosedAt
	s.Liquidated = liquidated
	l.history.Append(s)

	return func(ref string, seq int64, ts time.Time) (*ledger.Batch, error) {
		return l.journalGen.GenerateClose(s, ref, seq, ts)
	}, nil
}

func opForEvent(t event.EventType) string {
	for op, et := range opEvents {
		if et == t {
			return op
		}
	}
	return "unknown"
}

var opEvents = map[string]event.EventType{
	OpDeposit:   event.EventTypeDeposited,
	OpWithdraw:  event.EventTypeWithdrawn,
	OpOpen:      event.EventTypePositionOpened,
	OpClose:     event.EventTypePositionClosed,
	OpLiquidate: event.EventTypePositionLiquidated,
	OpSetPrice:  event.EventTypePriceUpdated,
}

// EventTypeForOp returns the event type an operation records, used by the
// persisted dedup tier to look request ids up in the event log.
func EventTypeForOp(op string) (event.EventType, bool) {
	et, ok := opEvents[op]
	return et, ok
}

// Sequence returns the next sequence to be assigned.
func (l *Ledger) Sequence() int64 {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	return l.sequence
}

// StateHash returns the current chain tip.
func (l *Ledger) StateHash() [32]byte {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	return l.hasher.GetPrevHash()
}
