package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"LIVE", Live, false},
		{"live", Live, false},
		{" pos1 ", Live, false},
		{"REAL", Live, false},
		{"SIM", Sim, false},
		{"paper", Sim, false},
		{"POS2", Sim, false},
		{"bogus", Live, true},
		{"", Live, true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSettleSimMutatesBalance(t *testing.T) {
	a := New(Sim, 10000)

	a.Settle(150)
	a.Settle(-50)

	assert.InDelta(t, 10100.0, a.Balance(), 1e-9)
	assert.InDelta(t, 100.0, a.DailyPnl(), 1e-9)
	assert.InDelta(t, 100.0, a.TotalPnl(), 1e-9)
}

func TestSettleLiveKeepsBalance(t *testing.T) {
	a := New(Live, 0)
	a.SyncLive(5000, 4800, 25, time.Now())

	a.Settle(150)

	// Live equity comes only from the venue; Settle books realized PnL.
	assert.InDelta(t, 5025.0, a.Balance(), 1e-9)
	assert.InDelta(t, 150.0, a.TotalPnl(), 1e-9)
}

func TestSyncLiveDailyBaseline(t *testing.T) {
	a := New(Live, 0)
	day1 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	a.SyncLive(1000, 950, 0, day1)
	assert.InDelta(t, 1000.0, a.DailyStartEquity(), 1e-9)
	assert.InDelta(t, 0.0, a.DailyPnl(), 1e-9)

	// Same day: the baseline holds and daily PnL tracks equity.
	a.SyncLive(1040, 990, 10, day1.Add(2*time.Hour))
	assert.InDelta(t, 1000.0, a.DailyStartEquity(), 1e-9)
	assert.InDelta(t, 50.0, a.DailyPnl(), 1e-9)

	// Next day: the baseline rolls to the fresh equity.
	a.SyncLive(1040, 990, 10, day1.Add(24*time.Hour))
	assert.InDelta(t, 1050.0, a.DailyStartEquity(), 1e-9)
	assert.InDelta(t, 0.0, a.DailyPnl(), 1e-9)
}

func TestResetDailyDeferredUntilLiveSync(t *testing.T) {
	a := New(Live, 0)

	// Unsynced Live never resets on a local figure.
	a.ResetDailyIfNeeded(time.Now())
	assert.InDelta(t, 0.0, a.DailyStartEquity(), 1e-9)

	s := New(Sim, 10000)
	day1 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	s.ResetDailyIfNeeded(day1)
	s.Settle(500)
	assert.InDelta(t, 500.0, s.DailyPnl(), 1e-9)

	s.ResetDailyIfNeeded(day1.Add(24 * time.Hour))
	assert.InDelta(t, 0.0, s.DailyPnl(), 1e-9)
	assert.InDelta(t, 10500.0, s.DailyStartEquity(), 1e-9)
}

func TestCanTradeCircuitBreakers(t *testing.T) {
	day := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		pnl        float64
		ok         bool
		wantReason string
	}{
		{"flat", 0, true, ""},
		{"small gain", 500, true, ""},
		{"target hit", 2000, false, "daily_target_hit"},
		{"small loss", -500, true, ""},
		{"max loss hit", -1000, false, "daily_max_loss_hit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(Sim, 10000)
			a.ResetDailyIfNeeded(day)
			a.Settle(tt.pnl)
			ok, reason := a.CanTrade(20, 10)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestTradesLimit(t *testing.T) {
	a := New(Sim, 1000)
	for i := 0; i < 5; i++ {
		a.AppendTrade(Trade{Symbol: "BTCUSDT", NetPnL: float64(i)})
	}

	all := a.Trades(0)
	require.Len(t, all, 5)

	last2 := a.Trades(2)
	require.Len(t, last2, 2)
	assert.InDelta(t, 3.0, last2[0].NetPnL, 1e-9)
	assert.InDelta(t, 4.0, last2[1].NetPnL, 1e-9)
}

func TestRestoreLedger(t *testing.T) {
	a := New(Sim, 10000)
	trades := []Trade{{Symbol: "ETHUSDT", NetPnL: 12.5}}

	a.RestoreLedger(10250, 10000, 250, 250, trades)

	assert.InDelta(t, 10250.0, a.Balance(), 1e-9)
	assert.InDelta(t, 250.0, a.DailyPnl(), 1e-9)
	assert.InDelta(t, 250.0, a.TotalPnl(), 1e-9)
	require.Len(t, a.Trades(0), 1)
	assert.Equal(t, "ETHUSDT", a.Trades(0)[0].Symbol)
}
