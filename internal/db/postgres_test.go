package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/db/conf"
	"github.com/UrbanHao/perpwatch/internal/journal"
)

func newTestStorage(t *testing.T) (*Default, func()) {
	t.Helper()
	cfg, cleanup := conf.NewTestConfig(t)
	st, err := New(*cfg)
	require.NoError(t, err)
	return st, cleanup
}

func TestPostgresEventsRoundTrip(t *testing.T) {
	st, cleanup := newTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, st.LogEvent(ctx, journal.Event{
		Time: base, Type: "open", Description: "opened BTCUSDT",
		Data: map[string]any{"symbol": "BTCUSDT", "qty": 0.01},
	}))
	require.NoError(t, st.LogEvent(ctx, journal.Event{
		Time: base.Add(time.Hour), Type: "settle", Description: "closed BTCUSDT",
	}))

	events, err := st.GetEvents(ctx, "open", base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "opened BTCUSDT", events[0].Description)
	assert.Equal(t, "BTCUSDT", events[0].Data["symbol"])
}

func TestPostgresDeleteEvents(t *testing.T) {
	st, cleanup := newTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, st.LogEvent(ctx, journal.Event{Time: base, Type: "open"}))
	require.NoError(t, st.LogEvent(ctx, journal.Event{Time: base.Add(time.Hour), Type: "open"}))

	require.NoError(t, st.DeleteEvents(ctx, "open", base.Add(time.Minute)))

	events, err := st.GetEvents(ctx, "open", base.Add(-time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPostgresSaveTradeIdempotent(t *testing.T) {
	st, cleanup := newTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tr := account.Trade{
		Time: now, Account: "SIM", Symbol: "BTCUSDT", Side: "LONG",
		Entry: 65000, Exit: 65500, Qty: 0.01, NetPnL: 4.7, NetPct: 0.7,
		Fee: 0.3, RiskR: 1.2, UniqueID: "SIM:BTCUSDT:1:abcd1234", Reason: "tp",
	}
	require.NoError(t, st.SaveTrade(ctx, tr))

	// The (account, pos_uid) unique constraint makes the second insert a
	// no-op rather than an error.
	dup := tr
	dup.NetPnL = 999
	require.NoError(t, st.SaveTrade(ctx, dup))

	trades, err := st.GetTrades(ctx, "SIM", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 4.7, trades[0].NetPnL, 1e-9)
	assert.Equal(t, tr.UniqueID, trades[0].UniqueID)
	assert.True(t, trades[0].Time.Equal(now))
}

func TestPostgresGetTradesFiltersAccountAndWindow(t *testing.T) {
	st, cleanup := newTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, st.SaveTrade(ctx, account.Trade{Time: now, Account: "SIM", Symbol: "BTCUSDT", UniqueID: "a"}))
	require.NoError(t, st.SaveTrade(ctx, account.Trade{Time: now, Account: "LIVE", Symbol: "BTCUSDT", UniqueID: "b"}))
	require.NoError(t, st.SaveTrade(ctx, account.Trade{Time: now.Add(-2 * time.Hour), Account: "SIM", Symbol: "BTCUSDT", UniqueID: "c"}))

	trades, err := st.GetTrades(ctx, "SIM", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "a", trades[0].UniqueID)
}
