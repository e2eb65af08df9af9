package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UrbanHao/perpwatch/internal/candle"
	"github.com/UrbanHao/perpwatch/internal/market"
	"github.com/UrbanHao/perpwatch/internal/position"
)

var barBase = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func appendBar(st *market.State, i int, close, vol float64) {
	st.AppendBar(candle.Candle{
		Timestamp: barBase.Add(time.Duration(i) * time.Minute),
		Open:      close, High: close + 0.2, Low: close - 0.2, Close: close, Volume: vol,
	})
}

// trendingLongState warms up a flat market and then walks it upward in a
// zigzag that keeps RSI under the long cap while all trend filters align.
func trendingLongState(t *testing.T) (*market.Registry, *market.State) {
	t.Helper()
	reg := market.NewRegistry()
	st := reg.Ensure("BTCUSDT")

	i := 0
	for ; i < market.EMASlow+5; i++ {
		appendBar(st, i, 100, 10)
	}
	px := 100.0
	for k := 0; k <= 60; k++ {
		if k%2 == 0 {
			px += 0.2
		} else {
			px -= 0.1
		}
		vol := 10.0
		if k == 60 {
			vol = 20
		}
		appendBar(st, i, px, vol)
		i++
	}
	require.True(t, st.IndicatorsReady())
	return reg, st
}

func TestScanProposesTrendLong(t *testing.T) {
	reg, _ := trendingLongState(t)
	sc := NewScanner(reg)

	p, ok := sc.Scan("BTCUSDT", time.Now())
	require.True(t, ok)

	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.Equal(t, position.Long, p.Side)
	assert.Equal(t, "trend_long", p.Reason)
	assert.Less(t, p.Stop, p.Entry)
	assert.Greater(t, p.Target, p.Entry)
	// Target distance is twice the stop distance.
	assert.InDelta(t, 2*(p.Entry-p.Stop), p.Target-p.Entry, 1e-9)
	assert.Len(t, p.Feature, market.FeatureLen)
}

func TestScanCooldownBlocksRepeat(t *testing.T) {
	reg, _ := trendingLongState(t)
	sc := NewScanner(reg)
	now := time.Now()

	_, ok := sc.Scan("BTCUSDT", now)
	require.True(t, ok)

	_, ok = sc.Scan("BTCUSDT", now.Add(10*time.Second))
	assert.False(t, ok)

	_, ok = sc.Scan("BTCUSDT", now.Add(cooldown+time.Second))
	assert.True(t, ok)
}

func TestScanUnknownSymbol(t *testing.T) {
	sc := NewScanner(market.NewRegistry())
	_, ok := sc.Scan("DOGEUSDT", time.Now())
	assert.False(t, ok)
}

func TestScanRejectsQuietMarket(t *testing.T) {
	reg := market.NewRegistry()
	st := reg.Ensure("BTCUSDT")
	// A dead-flat tape has zero band width, under the regime floor.
	for i := 0; i < market.EMASlow+10; i++ {
		appendBar(st, i, 100, 10)
	}
	require.True(t, st.IndicatorsReady())

	sc := NewScanner(reg)
	_, ok := sc.Scan("BTCUSDT", time.Now())
	assert.False(t, ok)
}

func TestScanRequiresVolumeConfirmation(t *testing.T) {
	reg := market.NewRegistry()
	st := reg.Ensure("BTCUSDT")

	i := 0
	for ; i < market.EMASlow+5; i++ {
		appendBar(st, i, 100, 10)
	}
	// Same zigzag rise but the final bar carries only average volume.
	px := 100.0
	for k := 0; k <= 60; k++ {
		if k%2 == 0 {
			px += 0.2
		} else {
			px -= 0.1
		}
		appendBar(st, i, px, 10)
		i++
	}

	sc := NewScanner(reg)
	_, ok := sc.Scan("BTCUSDT", time.Now())
	assert.False(t, ok)
}
