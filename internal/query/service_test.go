package query_test

import (
	"context"
	"testing"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/query"
	"MarginLedger/internal/state"
	"MarginLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	q = int64(1_000_000)
	p = int64(100)
	x = int64(100)
)

// persistSession runs a short session and waits until the worker has
// written every event.
func persistSession(t *testing.T, ctx context.Context) (*query.QueryService, *core.Ledger) {
	t.Helper()
	db := testutil.SetupTestDB(t)

	persist := make(chan core.CoreOutput, 256)
	l, err := core.NewLedger(core.Config{PersistChan: persist, Logger: zerolog.Nop()})
	require.NoError(t, err)

	worker := persistence.NewPersistenceWorker(db, persist, 8, 5*time.Millisecond, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	_, err = l.Deposit(ctx, "alice", 100*q)
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
	_, err = l.Deposit(ctx, "bob", 7*q)
	require.NoError(t, err)

	close(persist)
	require.NoError(t, <-done)

	return query.NewQueryService(db), l
}

func TestQueryService_BalancesMatchLedger(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()
	qs, l := persistSession(t, ctx)

	resp, err := qs.GetBalances(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, l.Sequence()-1, resp.AsOfSequence)

	byAccount := make(map[string]int64)
	var sum int64
	for _, a := range resp.Accounts {
		byAccount[a.Account] = a.Balance
		sum += a.Balance
	}
	assert.Equal(t, l.Balance("alice"), byAccount["user:collateral:alice"])
	assert.Equal(t, 95*q, byAccount["user:collateral:alice"])
	assert.Equal(t, 10*q, byAccount["user:margin:alice"])
	assert.Zero(t, sum)
}

func TestQueryService_JournalHistoryPagesBackwards(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()
	qs, _ := persistSession(t, ctx)

	all, err := qs.GetJournalHistory(ctx, "alice", 100, nil)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].Sequence, all[i].Sequence)
	}
	assert.Equal(t, "withdrawal", all[0].JournalType)
	assert.Equal(t, "Withdrawn", all[0].EventType)

	before := all[0].Sequence
	older, err := qs.GetJournalHistory(ctx, "alice", 100, &before)
	require.NoError(t, err)
	assert.Len(t, older, len(all)-1)

	bob, err := qs.GetJournalHistory(ctx, "bob", 100, nil)
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, 7*q, bob[0].Amount)
}

func TestQueryService_VerifyIntegrity(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()
	qs, _ := persistSession(t, ctx)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
}
