package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/state"

	"github.com/rs/zerolog"
)

const (
	OpDeposit   = "deposit"
	OpWithdraw  = "withdraw"
	OpOpen      = "open"
	OpClose     = "close"
	OpLiquidate = "liquidate"
	OpSetPrice  = "set_price"
)

// ErrLedgerClosed is returned by mutating operations once Close has begun.
var ErrLedgerClosed = errors.New("ledger closed")

// globalCheckInterval is how often (in sequences) the zero-sum check runs.
const globalCheckInterval = 1000

// CoreOutput is one applied operation handed to persistence and publishing.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch // nil for price updates
}

type Config struct {
	StartSequence          int64
	MaintenanceMarginRatio int64 // ratio scale; 0 selects the default
	LRUCapacity            int
	DBChecker              DBIdempotencyChecker
	PersistChan            chan<- CoreOutput
	PublishChan            chan<- CoreOutput
	Metrics                *observability.Metrics
	Logger                 zerolog.Logger
}

// liveState lets the journal validator reconcile against the vault and the
// position manager.
type liveState struct {
	*state.CollateralVault
	*state.PositionManager
}

// Ledger wires the vault, oracle, position manager and liquidation engine
// together and records every change as a journaled, hash-chained event.
//
// Operations on one trader are serialized by that trader's stripe lock;
// operations on different traders run in parallel. Sequence assignment,
// hashing and emission are serialized by emitMu. Lock order is
// priceMu → stripe → emitMu.
type Ledger struct {
	vault      *state.CollateralVault
	oracle     *state.PriceOracle
	positions  *state.PositionManager
	liquidator *state.LiquidationEngine
	history    *state.PositionHistory

	tracker    *ledger.BalanceTracker
	journalGen *ledger.JournalGenerator
	validator  *ledger.InvariantValidator
	live       liveState

	locks        StripedLocks
	priceMu      sync.Mutex
	idempotency  *IdempotencyChecker
	priceSources *SequenceValidator
	ratio        int64

	emitMu   sync.Mutex
	sequence int64
	hasher   *StateHasher

	gateMu   sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
	metrics     *observability.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

func NewLedger(cfg Config) (*Ledger, error) {
	ratio := cfg.MaintenanceMarginRatio
	if ratio == 0 {
		ratio = fpmath.DefaultMaintenanceMarginRatio
	}
	if ratio < 0 || ratio > fpmath.RatioConfig.Scale {
		return nil, fmt.Errorf("maintenance margin ratio %d: %w", ratio, state.ErrInvalidRatio)
	}

	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 100_000
	}
	idem, err := NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics, cfg.Logger)
	if err != nil {
		return nil, err
	}

	vault := state.NewCollateralVault()
	oracle := state.NewPriceOracle()
	positions := state.NewPositionManager(vault)
	tracker := ledger.NewBalanceTracker()

	return &Ledger{
		vault:        vault,
		oracle:       oracle,
		positions:    positions,
		liquidator:   state.NewLiquidationEngine(positions, oracle),
		history:      state.NewPositionHistory(),
		tracker:      tracker,
		journalGen:   ledger.NewJournalGenerator(),
		validator:    ledger.NewInvariantValidator(tracker),
		live:         liveState{vault, positions},
		idempotency:  idem,
		priceSources: NewSequenceValidator(),
		ratio:        ratio,
		sequence:     cfg.StartSequence,
		hasher:       NewStateHasher(),
		persistChan:  cfg.PersistChan,
		publishChan:  cfg.PublishChan,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		now:          time.Now,
	}, nil
}

// MaintenanceMarginRatio is the configured ratio used by sweeps.
func (l *Ledger) MaintenanceMarginRatio() int64 { return l.ratio }

// === Vault ===

// Deposit credits amount to trader's free balance and returns the new balance.
func (l *Ledger) Deposit(ctx context.Context, trader state.TraderID, amount int64) (balance int64, err error) {
	start := time.Now()
	key, err := l.reserve(ctx, OpDeposit)
	if err != nil {
		return 0, err
	}
	defer func() { l.finish(OpDeposit, key, start, err) }()

	mu := l.locks.For(trader)
	mu.Lock()
	defer mu.Unlock()

	if err = l.vault.Deposit(trader, amount); err != nil {
		return 0, err
	}
	balance = l.vault.Balance(trader)

	l.commit(key, &event.Deposited{Trader: trader, Amount: amount, Balance: balance},
		func(ref string, seq int64, ts time.Time) (*ledger.Batch, error) {
			return l.journalGen.GenerateDeposit(trader, amount, ref, seq, ts)
		})

	l.log.Debug().Str("trader", trader.String()).Int64("amount", amount).Int64("balance", balance).Msg("deposit applied")
	return balance, nil
}

// Withdraw debits amount from trader's free balance and returns the new balance.
func (l *Ledger) Withdraw(ctx context.Context, trader state.TraderID, amount int64) (balance int64, err error) {
	start := time.Now()
	key, err := l.reserve(ctx, OpWithdraw)
	if err != nil {
		return 0, err
	}
	defer func() { l.finish(OpWithdraw, key, start, err) }()

	mu := l.locks.For(trader)
	mu.Lock()
	defer mu.Unlock()

	if err = l.vault.Withdraw(trader, amount); err != nil {
		return l.vault.Balance(trader), err
	}
	balance = l.vault.Balance(trader)

	l.commit(key, &event.Withdrawn{Trader: trader, Amount: amount, Balance: balance},
		func(ref string, seq int64, ts time.Time) (*ledger.Batch, error) {
			return l.journalGen.GenerateWithdrawal(trader, amount, ref, seq, ts)
		})

	l.log.Debug().Str("trader", trader.String()).Int64("amount", amount).Int64("balance", balance).Msg("withdrawal applied")
	return balance, nil
}

// Balance returns trader's free balance (0 if unknown).
func (l *Ledger) Balance(trader state.TraderID) int64 {
	return l.vault.Balance(trader)
}

// === Oracle ===

// SetPrice stores a new oracle price. A positive sourceSeq orders updates
// from one feed source: an update older than one already seen from that
// source is dropped and reported as not applied.
func (l *Ledger) SetPrice(ctx context.Context, price int64, source string, sourceSeq int64) (applied bool, err error) {
	start := time.Now()
	key, err := l.reserve(ctx, OpSetPrice)
	if err != nil {
		return false, err
	}
	defer func() { l.finish(OpSetPrice, key, start, err) }()

	if price <= 0 {
		return false, fmt.Errorf("set price %d: %w", price, state.ErrInvalidPrice)
	}

	l.priceMu.Lock()
	defer l.priceMu.Unlock()

	if sourceSeq > 0 && !l.priceSources.ValidatePriceSequence(source, sourceSeq) {
		l.log.Debug().Str("source", source).Int64("source_seq", sourceSeq).Msg("stale price dropped")
		return false, nil
	}

	if err = l.oracle.SetPrice(price); err != nil {
		return false, err
	}
	st := l.oracle.State()

	l.commit(key, &event.PriceUpdated{Price: st.Price, Version: st.Version, Source: source}, nil)

	if l.metrics != nil {
		l.metrics.MarkPrice.Set(float64(price))
	}
	return true, nil
}

// Price returns the current oracle state; Price == 0 means never set.
func (l *Ledger) Price() state.MarkPriceState {
	return l.oracle.State()
}

// === Positions ===

// OpenPosition opens a position for trader at the current oracle price.
func (l *Ledger) OpenPosition(
	ctx context.Context,
	trader state.TraderID,
	margin int64,
	direction state.Direction,
	leverage int64,
) (pos state.Position, err error) {
	start := time.Now()
	key, err := l.reserve(ctx, OpOpen)
	if err != nil {
		return state.Position{}, err
	}
	defer func() { l.finish(OpOpen, key, start, err) }()

	mu := l.locks.For(trader)
	mu.Lock()
	defer mu.Unlock()

	price := l.oracle.Price()
	if price <= 0 {
		return state.Position{}, fmt.Errorf("open for %s: %w", trader, state.ErrNoPrice)
	}

	pos, err = l.positions.Open(trader, margin, direction, leverage, price)
	if err != nil {
		return state.Position{}, err
	}

	l.commit(key, event.NewPositionOpened(pos),
		func(ref string, seq int64, ts time.Time) (*ledger.Batch, error) {
			return l.journalGen.GenerateOpen(pos, ref, seq, ts)
		})

	if l.metrics != nil {
		l.metrics.OpenPositions.Inc()
	}
	l.log.Info().
		Str("trader", trader.String()).
		Str("position_id", pos.PositionID.String()).
		Str("direction", pos.Direction.String()).
		Int64("margin", pos.Margin).
		Int64("size", pos.Size).
		Int64("entry_price", pos.EntryPrice).
		Msg("position opened")
	return pos, nil
}

// ClosePosition settles trader's open position at the current oracle price.
func (l *Ledger) ClosePosition(ctx context.Context, trader state.TraderID) (s state.Settlement, err error) {
	start := time.Now()
	key, err := l.reserve(ctx, OpClose)
	if err != nil {
		return state.Settlement{}, err
	}
	defer func() { l.finish(OpClose, key, start, err) }()

	mu := l.locks.For(trader)
	mu.Lock()
	defer mu.Unlock()

	price := l.oracle.Price()
	if price <= 0 {
		return state.Settlement{}, fmt.Errorf("close for %s: %w", trader, state.ErrNoPrice)
	}

	s, err = l.positions.Close(trader, price)
	if err != nil {
		return state.Settlement{}, err
	}
	l.settled(key, s, event.NewPositionClosed(s))
	return s, nil
}

// Position returns trader's open position or state.ErrNoOpenPosition.
func (l *Ledger) Position(trader state.TraderID) (state.Position, error) {
	return l.positions.Position(trader)
}

// History returns trader's settled positions, oldest first.
func (l *Ledger) History(trader state.TraderID, limit int) []state.Settlement {
	return l.history.ForTrader(trader, limit)
}

// OpenTraders lists identities holding an open position.
func (l *Ledger) OpenTraders() []state.TraderID {
	return l.positions.OpenTraders()
}

// === Liquidation ===

// CheckLiquidation evaluates trader against ratio (ratio scale) and forces a
// close when the maintenance threshold is breached.
func (l *Ledger) CheckLiquidation(ctx context.Context, trader state.TraderID, ratio int64) (res state.LiquidationResult, err error) {
	start := time.Now()
	key, err := l.reserve(ctx, OpLiquidate)
	if err != nil {
		return state.LiquidationResult{Trader: trader}, err
	}
	defer func() {
		// Only a forced close consumes the request id.
		if err == nil && res.Outcome != state.OutcomeLiquidated && key != "" {
			l.idempotency.Release(OpLiquidate, key)
			key = ""
		}
		l.finish(OpLiquidate, key, start, err)
	}()

	mu := l.locks.For(trader)
	mu.Lock()
	defer mu.Unlock()

	res, err = l.liquidator.CheckLiquidation(trader, ratio)
	if err != nil {
		return res, err
	}
	if l.metrics != nil {
		l.metrics.LiquidationChecks.WithLabelValues(res.Outcome.String()).Inc()
	}
	if res.Outcome != state.OutcomeLiquidated {
		return res, nil
	}

	l.settled(key, *res.Settlement, event.NewPositionLiquidated(*res.Settlement, ratio))
	l.log.Warn().
		Str("trader", trader.String()).
		Int64("mark_price", res.MarkPrice).
		Int64("pnl", res.PnL).
		Int64("margin", res.Margin).
		Int64("shortfall", res.Settlement.Shortfall).
		Msg("position liquidated")
	return res, nil
}

// settled records a close: history, journal, event, metrics. Caller holds
// the trader's stripe.
func (l *Ledger) settled(key string, s state.Settlement, evt event.Event) {
	l.history.Append(s)
	l.commit(key, evt, func(ref string, seq int64, ts time.Time) (*ledger.Batch, error) {
		return l.journalGen.GenerateClose(s, ref, seq, ts)
	})

	if l.metrics != nil {
		l.metrics.OpenPositions.Dec()
		if s.Shortfall > 0 {
			l.metrics.LiquidationShortfall.Add(float64(s.Shortfall))
		}
	}
	if s.Shortfall > 0 {
		l.log.Warn().Str("trader", s.Trader.String()).Int64("shortfall", s.Shortfall).Msg("loss beyond margin absorbed")
	}
}

// === Commit pipeline ===

type batchFunc func(ref string, seq int64, ts time.Time) (*ledger.Batch, error)

// commit journals, hashes and emits one applied operation. A failure here
// means live state and journal disagree, which is unrecoverable.
func (l *Ledger) commit(requestID string, evt event.Event, gen batchFunc) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	seq := l.sequence
	out, err := l.apply(seq, l.now(), requestID, evt, gen)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %s at seq %d: %v", evt.EventType(), seq, err))
	}
	l.sequence++

	if seq > 0 && seq%globalCheckInterval == 0 {
		if err := l.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated at seq %d: %v", seq, err))
		}
	}

	l.emit(out)

	if l.metrics != nil {
		l.metrics.Sequence.Set(float64(l.sequence))
	}
}

// apply is shared by live commits and replay. Caller holds emitMu.
func (l *Ledger) apply(seq int64, ts time.Time, requestID string, evt event.Event, gen batchFunc) (CoreOutput, error) {
	ref := requestID
	if ref == "" {
		ref = fmt.Sprintf("seq:%d", seq)
	}

	var batch *ledger.Batch
	if gen != nil {
		var err error
		batch, err = gen(ref, seq, ts)
		if err != nil {
			return CoreOutput{}, fmt.Errorf("generate journal: %w", err)
		}
		if err := l.validator.ValidateBatchBalance(batch); err != nil {
			return CoreOutput{}, fmt.Errorf("unbalanced batch: %w", err)
		}
		if err := l.tracker.ApplyBatch(batch); err != nil {
			return CoreOutput{}, fmt.Errorf("apply batch: %w", err)
		}
		if err := l.validator.ValidateTrader(evt.Owner(), l.live); err != nil {
			return CoreOutput{}, fmt.Errorf("post-check: %w", err)
		}
		if l.metrics != nil {
			for _, j := range batch.Journals {
				l.metrics.Journals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	env, err := event.NewEnvelope(seq, requestID, ts, evt)
	if err != nil {
		return CoreOutput{}, err
	}
	env.PrevHash = l.hasher.GetPrevHash()
	env.StateHash = l.hasher.ComputeHash(seq, l.computeStateDigest(evt, batch))

	return CoreOutput{Envelope: env, Batch: batch}, nil
}

// emit: the persist channel uses a BLOCKING send so nothing is lost; the
// publish channel uses a NON-BLOCKING send and drops when full.
func (l *Ledger) emit(out CoreOutput) {
	if l.persistChan != nil {
		if l.metrics != nil && len(l.persistChan) == cap(l.persistChan) {
			l.metrics.PersistBackpressure.Inc()
		}
		l.persistChan <- out
	}

	if l.publishChan != nil {
		select {
		case l.publishChan <- out:
		default:
			if l.metrics != nil {
				l.metrics.PublishDrops.Inc()
			}
		}
	}
}

// computeStateDigest creates canonical bytes for the state hash: the event
// digest followed by every touched account and its balance after the batch.
func (l *Ledger) computeStateDigest(evt event.Event, batch *ledger.Batch) []byte {
	digest := evt.Digest()
	if batch == nil {
		return digest
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, l.tracker.GetBalance(key))
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// reserve claims the context's request id for op. The returned key is ""
// when the caller supplied none.
func (l *Ledger) reserve(ctx context.Context, op string) (string, error) {
	if err := l.enter(); err != nil {
		if l.metrics != nil {
			l.metrics.OpsRejected.WithLabelValues(op, RejectReason(err)).Inc()
		}
		return "", err
	}
	key := RequestIDFromContext(ctx)
	if key == "" {
		return "", nil
	}
	if err := l.idempotency.Reserve(ctx, op, key); err != nil {
		l.inflight.Done()
		if l.metrics != nil {
			l.metrics.OpsRejected.WithLabelValues(op, RejectReason(err)).Inc()
		}
		return "", err
	}
	return key, nil
}

// finish settles the op's reservation, records metrics and leaves the gate.
// Every successful reserve is paired with exactly one finish.
func (l *Ledger) finish(op, key string, start time.Time, err error) {
	defer l.inflight.Done()

	if key != "" {
		if err != nil {
			l.idempotency.Release(op, key)
		} else {
			l.idempotency.Commit(op, key)
		}
	}
	if l.metrics == nil {
		return
	}
	if err != nil {
		l.metrics.OpsRejected.WithLabelValues(op, RejectReason(err)).Inc()
		return
	}
	l.metrics.OpsApplied.WithLabelValues(op).Inc()
	l.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (l *Ledger) enter() error {
	l.gateMu.Lock()
	defer l.gateMu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}
	l.inflight.Add(1)
	return nil
}

// Close stops accepting mutations and waits for those already running to
// finish emitting. After it returns nothing sends on the output channels,
// so the caller may close them. Reads keep working.
func (l *Ledger) Close() {
	l.gateMu.Lock()
	l.closed = true
	l.gateMu.Unlock()
	l.inflight.Wait()
}

// RejectReason maps an error to a short metric/log label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, state.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, state.ErrInvalidRatio):
		return "invalid_ratio"
	case errors.Is(err, state.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, state.ErrPositionAlreadyOpen):
		return "position_already_open"
	case errors.Is(err, state.ErrNoOpenPosition):
		return "no_open_position"
	case errors.Is(err, state.ErrNoPrice):
		return "no_price"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, ErrRequestInFlight):
		return "in_flight"
	case errors.Is(err, ErrLedgerClosed):
		return "closed"
	default:
		return "internal"
	}
}
