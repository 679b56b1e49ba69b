package persistence_test

import (
	"context"
	"testing"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/state"
	"MarginLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	q = int64(1_000_000)
	p = int64(100)
	x = int64(100)
)

func newLedger(t *testing.T, persist chan core.CoreOutput) *core.Ledger {
	t.Helper()
	l, err := core.NewLedger(core.Config{PersistChan: persist, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return l
}

// populate runs a short session that touches every event type.
func populate(t *testing.T, l *core.Ledger) {
	t.Helper()
	ctx := context.Background()
	_, err := l.Deposit(core.WithRequestID(ctx, "dep-1"), "alice", 100*q)
	require.NoError(t, err)
	_, err = l.SetPrice(ctx, 1000*p, "feed", 1)
	require.NoError(t, err)
	_, err = l.OpenPosition(ctx, "alice", 50*q, state.DirectionLong, 2*x)
	require.NoError(t, err)
	_, err = l.SetPrice(ctx, 1100*p, "feed", 2)
	require.NoError(t, err)
	_, err = l.ClosePosition(ctx, "alice")
	require.NoError(t, err)
	_, err = l.OpenPosition(ctx, "alice", 10*q, state.DirectionShort, 10*x)
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, "alice", 5*q)
	require.NoError(t, err)
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================================
// Row conversion
// ============================================================================

func TestEventRow_EnvelopeRoundTrip(t *testing.T) {
	ch := make(chan core.CoreOutput, 64)
	populate(t, newLedger(t, ch))

	for _, out := range drain(ch) {
		row := persistence.EventRowFromEnvelope(out.Envelope)
		assert.Equal(t, out.Envelope.EventType.String(), row.EventType)
		assert.Len(t, row.StateHash, 32)

		env, err := row.Envelope()
		require.NoError(t, err)
		assert.Equal(t, out.Envelope.Sequence, env.Sequence)
		assert.Equal(t, out.Envelope.EventType, env.EventType)
		assert.Equal(t, out.Envelope.Trader, env.Trader)
		assert.Equal(t, out.Envelope.IdempotencyKey, env.IdempotencyKey)
		assert.Equal(t, out.Envelope.StateHash, env.StateHash)
		assert.Equal(t, out.Envelope.PrevHash, env.PrevHash)
	}
}

func TestEventRow_RejectsBadRows(t *testing.T) {
	_, err := persistence.EventRow{EventType: "Nope", StateHash: make([]byte, 32), PrevHash: make([]byte, 32)}.Envelope()
	assert.Error(t, err)

	_, err = persistence.EventRow{EventType: event.EventTypeDeposited.String(), StateHash: make([]byte, 31), PrevHash: make([]byte, 32)}.Envelope()
	assert.Error(t, err)
}

func TestJournalRowsFromBatch(t *testing.T) {
	assert.Nil(t, persistence.JournalRowsFromBatch(nil))

	gen := ledger.NewJournalGenerator()
	batch, err := gen.GenerateDeposit("alice", 7*q, "ref-1", 3, time.Now())
	require.NoError(t, err)

	rows := persistence.JournalRowsFromBatch(batch)
	require.Len(t, rows, 1)
	assert.Equal(t, "user:collateral:alice", rows[0].DebitAccount)
	assert.Equal(t, "external:deposits:alice", rows[0].CreditAccount)
	assert.Equal(t, 7*q, rows[0].Amount)
	assert.Equal(t, "deposit", rows[0].JournalType)
	assert.Equal(t, int64(3), rows[0].Sequence)
	assert.Equal(t, "ref-1", rows[0].EventRef)
	_, err = uuid.Parse(rows[0].JournalID)
	assert.NoError(t, err)
}

// ============================================================================
// Snapshot conversion
// ============================================================================

func TestSnapshotData_RestoresEquivalentLedger(t *testing.T) {
	src := newLedger(t, make(chan core.CoreOutput, 64))
	populate(t, src)

	data := persistence.FromCore(src.Snapshot())
	assert.Equal(t, 95*q, data.Balances["alice"])
	require.Len(t, data.Positions, 1)
	assert.Equal(t, "short", data.Positions[0].Direction)
	require.Len(t, data.History, 1)
	assert.Contains(t, data.IdempotencyKeys, "deposit:dep-1")

	cs, err := data.ToCore()
	require.NoError(t, err)

	dst := newLedger(t, make(chan core.CoreOutput, 64))
	require.NoError(t, dst.Restore(cs))

	assert.Equal(t, src.Sequence(), dst.Sequence())
	assert.Equal(t, src.StateHash(), dst.StateHash())
	assert.Equal(t, src.Balance("alice"), dst.Balance("alice"))

	srcPos, err := src.Position("alice")
	require.NoError(t, err)
	dstPos, err := dst.Position("alice")
	require.NoError(t, err)
	assert.Equal(t, srcPos.PositionID, dstPos.PositionID)
	assert.Equal(t, srcPos.Margin, dstPos.Margin)

	_, err = dst.Deposit(core.WithRequestID(context.Background(), "dep-1"), "alice", q)
	assert.ErrorIs(t, err, core.ErrDuplicateRequest)

	applied, err := dst.SetPrice(context.Background(), 900*p, "feed", 2)
	require.NoError(t, err)
	assert.False(t, applied, "feed sequence must survive the snapshot")
}

func TestSnapshotData_RejectsCorruptFields(t *testing.T) {
	_, err := (&persistence.SnapshotData{StateHash: []byte{1}}).ToCore()
	assert.Error(t, err)

	_, err = (&persistence.SnapshotData{
		StateHash: make([]byte, 32),
		Positions: []persistence.PositionSnapshot{{Direction: "sideways"}},
	}).ToCore()
	assert.Error(t, err)

	_, err = (&persistence.SnapshotData{
		StateHash: make([]byte, 32),
		Accounts:  map[string]int64{"nonsense": 1},
	}).ToCore()
	assert.Error(t, err)
}

// ============================================================================
// Postgres (integration)
// ============================================================================

func TestPostgres_PersistSnapshotRecover(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 256)
	src := newLedger(t, persist)
	sm := persistence.NewSnapshotManager(db)

	worker := persistence.NewPersistenceWorker(db, persist, 4, 10*time.Millisecond, nil, zerolog.Nop())
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	_, err := src.Deposit(ctx, "bob", 40*q)
	require.NoError(t, err)

	snapper := persistence.NewSnapshotter(src, sm, time.Hour, nil, zerolog.Nop())
	snapSeq, err := snapper.SaveNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapSeq)

	populate(t, src)
	close(persist)
	require.NoError(t, <-workerDone)

	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, src.Sequence()-1, latest)

	_, err = sm.VerifyDurable(ctx)
	require.NoError(t, err)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate(ctx, core.OpDeposit, "dep-1")
	require.NoError(t, err)
	assert.True(t, dup)

	dst := newLedger(t, nil)
	replayed, err := persistence.Recover(ctx, dst, sm, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 7, replayed)
	assert.Equal(t, src.StateHash(), dst.StateHash())
	assert.Equal(t, src.Balance("alice"), dst.Balance("alice"))
	assert.Equal(t, src.Balance("bob"), dst.Balance("bob"))
}
