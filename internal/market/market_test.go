package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/candle"
	"github.com/UrbanHao/perpwatch/internal/position"
)

func feedBarsFrom(st *State, start, n int, px float64) {
	base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	for i := start; i < start+n; i++ {
		st.AppendBar(candle.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      px, High: px + 0.5, Low: px - 0.5, Close: px, Volume: 10,
		})
	}
}

func feedBars(st *State, n int, px float64) { feedBarsFrom(st, 0, n, px) }

func TestIndicatorsReadyAfterWarmup(t *testing.T) {
	st := NewState("BTCUSDT")
	assert.False(t, st.IndicatorsReady())

	feedBars(st, EMASlow+4, 100)
	assert.False(t, st.IndicatorsReady())

	feedBarsFrom(st, EMASlow+4, 10, 100)
	require.True(t, st.IndicatorsReady())

	emaFast, emaSlow, bbMid, _, _, vwap := st.Indicators()
	assert.InDelta(t, 100.0, emaFast, 1e-6)
	assert.InDelta(t, 100.0, emaSlow, 1e-6)
	assert.InDelta(t, 100.0, bbMid, 1e-6)
	assert.InDelta(t, 100.0, vwap, 1e-6)
	assert.InDelta(t, 0.0, st.BBWidth(), 1e-9)
	assert.InDelta(t, 100.0, st.LastPrice(), 1e-9)
}

func TestFeaturesVector(t *testing.T) {
	st := NewState("BTCUSDT")

	_, ok := st.Features()
	assert.False(t, ok)

	feedBars(st, EMASlow+10, 100)
	x, ok := st.Features()
	require.True(t, ok)
	require.Len(t, x, FeatureLen)
	for i, v := range x {
		assert.False(t, v < -2 || v > 2, "feature %d out of clip range: %v", i, v)
	}
}

func TestFallbackFeaturesAlwaysFixedLength(t *testing.T) {
	st := NewState("BTCUSDT")
	x := st.FallbackFeatures()
	require.Len(t, x, FeatureLen)

	feedBars(st, 50, 100)
	x = st.FallbackFeatures()
	require.Len(t, x, FeatureLen)
}

func TestPositionsPerAccount(t *testing.T) {
	st := NewState("BTCUSDT")
	assert.Nil(t, st.Position(account.Live))
	assert.Nil(t, st.Position(account.Sim))

	p := &position.Position{Side: position.Long, Qty: 0.01, Entry: 65000}
	st.SetPosition(account.Sim, p)
	assert.Same(t, p, st.Position(account.Sim))
	assert.Nil(t, st.Position(account.Live))

	st.SetPosition(account.Sim, nil)
	assert.Nil(t, st.Position(account.Sim))
}

func TestUpdatePositionInstallsCopy(t *testing.T) {
	st := NewState("BTCUSDT")
	orig := &position.Position{Side: position.Long, Qty: 1, Entry: 100, Stop: 98, Target: 104}
	st.SetPosition(account.Sim, orig)

	st.UpdatePosition(account.Sim, func(p *position.Position) { p.Stop = 99 })

	// The held pointer is a frozen snapshot; the slot carries the copy.
	assert.InDelta(t, 98.0, orig.Stop, 1e-9)
	cur := st.Position(account.Sim)
	require.NotSame(t, orig, cur)
	assert.InDelta(t, 99.0, cur.Stop, 1e-9)
	assert.InDelta(t, 104.0, cur.Target, 1e-9)
}

func TestUpdatePositionFlatIsNoop(t *testing.T) {
	st := NewState("BTCUSDT")
	called := false
	st.UpdatePosition(account.Live, func(p *position.Position) { called = true })
	assert.False(t, called)
	assert.Nil(t, st.Position(account.Live))
}

func TestScoreFreshness(t *testing.T) {
	st := NewState("BTCUSDT")
	now := time.Now()

	_, ok := st.Score(now, time.Minute)
	assert.False(t, ok)

	st.SetScore(0.63, now)
	p, ok := st.Score(now.Add(30*time.Second), time.Minute)
	require.True(t, ok)
	assert.InDelta(t, 0.63, p, 1e-9)

	_, ok = st.Score(now.Add(2*time.Minute), time.Minute)
	assert.False(t, ok)
}

func TestRegimeRangeWithoutHistory(t *testing.T) {
	st := NewState("BTCUSDT")
	feedBars(st, 50, 100)
	assert.Equal(t, RegimeRange, st.Regime())
}

func TestAggregationInto5m(t *testing.T) {
	st := NewState("BTCUSDT")
	feedBars(st, 11, 100)
	// Eleven 1m bars close two full 5m buckets.
	assert.Equal(t, 2, len(st.Bars5m()))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("BTCUSDT"))

	st := r.Ensure("BTCUSDT")
	require.NotNil(t, st)
	assert.Same(t, st, r.Ensure("BTCUSDT"))
	assert.Same(t, st, r.Get("BTCUSDT"))

	r.Ensure("ETHUSDT")
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, r.Symbols())

	assert.Equal(t, 0, r.OpenCount(account.Sim))
	st.SetPosition(account.Sim, &position.Position{Side: position.Long, Qty: 1})
	assert.Equal(t, 1, r.OpenCount(account.Sim))
	assert.Equal(t, 0, r.OpenCount(account.Live))
}

func TestATRFromState(t *testing.T) {
	st := NewState("BTCUSDT")
	feedBars(st, 30, 100)
	atr, ok := st.ATR(14)
	require.True(t, ok)
	// Constant bars with a 1-point range: the ATR settles at the range.
	assert.InDelta(t, 1.0, atr, 1e-9)
}
