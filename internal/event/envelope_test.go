package event_test

import (
	"testing"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_LiquidationPayloadKeepsTypeAndOwner(t *testing.T) {
	s := state.Settlement{
		PositionID: uuid.New(),
		Trader:     "alice",
		Direction:  state.DirectionShort,
		EntryPrice: 100_000,
		ExitPrice:  145_001,
		Margin:     100_000_000,
		PnL:        -90_002_000,
		Returned:   9_998_000,
	}
	liq := event.NewPositionLiquidated(s, 100_000)

	env, err := event.NewEnvelope(7, "req-1", time.Unix(0, 0), liq)
	require.NoError(t, err)
	assert.Equal(t, event.EventTypePositionLiquidated, env.EventType)
	assert.Equal(t, state.TraderID("alice"), env.Trader)
	assert.Contains(t, string(env.Payload), `"maintenance_margin_ratio":100000`)
	assert.Contains(t, string(env.Payload), `"direction":"short"`)

	decoded, err := env.Decode()
	require.NoError(t, err)
	got, ok := decoded.(*event.PositionLiquidated)
	require.True(t, ok)
	assert.Equal(t, liq.PnL, got.PnL)
	assert.Equal(t, liq.Digest(), got.Digest())
}

func TestEnvelope_DigestsDifferByType(t *testing.T) {
	closed := event.NewPositionClosed(state.Settlement{Trader: "a", PnL: 1})
	liq := event.NewPositionLiquidated(state.Settlement{Trader: "a", PnL: 1}, 0)
	assert.NotEqual(t, closed.Digest(), liq.Digest())

	assert.Empty(t, (&event.PriceUpdated{Price: 1}).Owner())
}

func TestEnvelope_UnknownTypeFailsDecode(t *testing.T) {
	env := &event.EventEnvelope{EventType: event.EventTypeUnknown, Payload: []byte(`{}`)}
	_, err := env.Decode()
	assert.Error(t, err)
}

func TestParseEventType_RoundTrip(t *testing.T) {
	for et := event.EventTypeDeposited; et <= event.EventTypePriceUpdated; et++ {
		got, err := event.ParseEventType(et.String())
		require.NoError(t, err)
		assert.Equal(t, et, got)
	}
	_, err := event.ParseEventType("FundingSettled")
	assert.Error(t, err)
}
