package position

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UrbanHao/perpwatch/internal/account"
)

func TestSideSignAndOpposite(t *testing.T) {
	assert.Equal(t, 1.0, Long.Sign())
	assert.Equal(t, -1.0, Short.Sign())
	assert.Equal(t, Short, Long.Opposite())
	assert.Equal(t, Long, Short.Opposite())
}

func TestRMultiple(t *testing.T) {
	long := &Position{Side: Long, Entry: 100, RiskDistance: 2}
	assert.InDelta(t, 1.0, long.RMultiple(102), 1e-9)
	assert.InDelta(t, -1.0, long.RMultiple(98), 1e-9)
	assert.InDelta(t, 2.5, long.RMultiple(105), 1e-9)

	short := &Position{Side: Short, Entry: 100, RiskDistance: 2}
	assert.InDelta(t, 1.0, short.RMultiple(98), 1e-9)
	assert.InDelta(t, -1.5, short.RMultiple(103), 1e-9)

	// Degenerate risk distance never divides by zero.
	bad := &Position{Side: Long, Entry: 100, RiskDistance: 0}
	assert.Equal(t, 0.0, bad.RMultiple(200))
}

func TestNewUniqueID(t *testing.T) {
	now := time.Now()
	id1 := NewUniqueID(account.Sim, "BTCUSDT", now)
	id2 := NewUniqueID(account.Sim, "BTCUSDT", now)

	assert.True(t, strings.HasPrefix(id1, "SIM:BTCUSDT:"))
	assert.NotEqual(t, id1, id2)
	require.Len(t, strings.Split(id1, ":"), 4)
}

func TestInFlightSet(t *testing.T) {
	s := NewInFlightSet()

	require.True(t, s.Reserve("BTCUSDT"))
	assert.False(t, s.Reserve("BTCUSDT"))
	assert.True(t, s.Has("BTCUSDT"))
	assert.Equal(t, 1, s.Len())

	require.True(t, s.Reserve("ETHUSDT"))
	assert.Equal(t, 2, s.Len())

	s.Release("BTCUSDT")
	assert.False(t, s.Has("BTCUSDT"))
	assert.True(t, s.Reserve("BTCUSDT"))
}

func TestDedupSet(t *testing.T) {
	s := NewDedupSet()

	require.True(t, s.MarkIfNew("a"))
	assert.False(t, s.MarkIfNew("a"))
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("b"))
	assert.True(t, s.MarkIfNew("b"))
}

func TestLossTrackerStreak(t *testing.T) {
	now := time.Now()
	lt := NewLossTracker(3, 4*time.Hour)

	assert.False(t, lt.OnResult("BTCUSDT", -10, now))
	assert.False(t, lt.OnResult("BTCUSDT", -10, now))
	assert.True(t, lt.OnResult("BTCUSDT", -10, now))

	blocked, left := lt.Suspended("BTCUSDT", now.Add(time.Hour))
	assert.True(t, blocked)
	assert.InDelta(t, float64(3*time.Hour), float64(left), float64(time.Second))

	blocked, _ = lt.Suspended("BTCUSDT", now.Add(5*time.Hour))
	assert.False(t, blocked)
}

func TestLossTrackerWinResetsStreak(t *testing.T) {
	now := time.Now()
	lt := NewLossTracker(3, time.Hour)

	lt.OnResult("BTCUSDT", -10, now)
	lt.OnResult("BTCUSDT", -10, now)
	lt.OnResult("BTCUSDT", 25, now)
	assert.False(t, lt.OnResult("BTCUSDT", -10, now))
	assert.False(t, lt.OnResult("BTCUSDT", -10, now))
	assert.True(t, lt.OnResult("BTCUSDT", -10, now))
}

func TestLossTrackerPerSymbol(t *testing.T) {
	now := time.Now()
	lt := NewLossTracker(2, time.Hour)

	lt.OnResult("BTCUSDT", -10, now)
	assert.False(t, lt.OnResult("ETHUSDT", -10, now))
	assert.True(t, lt.OnResult("BTCUSDT", -10, now))

	blocked, _ := lt.Suspended("ETHUSDT", now)
	assert.False(t, blocked)
}

func TestQtyDiffers(t *testing.T) {
	assert.False(t, QtyDiffers(1.5, 1.5))
	assert.False(t, QtyDiffers(1.5, 1.5+1e-12))
	assert.True(t, QtyDiffers(1.5, 1.501))
}
