package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleMessageAggTrade(t *testing.T) {
	m := NewBinanceMarketStream(false)

	m.handleMessage([]byte(`{"stream":"btcusdt@aggTrade","data":{"s":"BTCUSDT","p":"65432.10","q":"0.005","T":1741600000000}}`))

	tick, ok := m.LastTick("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 65432.10, tick.Price, 1e-9)
	assert.InDelta(t, 0.005, tick.Qty, 1e-9)
	assert.Equal(t, time.UnixMilli(1741600000000), tick.Time)

	// Later prints replace the cached tick.
	m.handleMessage([]byte(`{"stream":"btcusdt@aggTrade","data":{"s":"BTCUSDT","p":"65440.00","q":"0.010","T":1741600001000}}`))
	tick, _ = m.LastTick("BTCUSDT")
	assert.InDelta(t, 65440.0, tick.Price, 1e-9)

	_, ok = m.LastTick("ETHUSDT")
	assert.False(t, ok)
}

func TestHandleMessageKlineOnlyFinalBars(t *testing.T) {
	m := NewBinanceMarketStream(false)

	// An in-progress kline is dropped.
	m.handleMessage([]byte(`{"stream":"btcusdt@kline_1m","data":{"s":"BTCUSDT","k":{"t":1741600000000,"o":"100","h":"101","l":"99","c":"100.5","v":"12.5","x":false}}}`))
	select {
	case b := <-m.Bars():
		t.Fatalf("unexpected bar for unfinished kline: %+v", b)
	default:
	}

	m.handleMessage([]byte(`{"stream":"btcusdt@kline_1m","data":{"s":"BTCUSDT","k":{"t":1741600000000,"o":"100","h":"101","l":"99","c":"100.5","v":"12.5","x":true}}}`))
	select {
	case b := <-m.Bars():
		assert.Equal(t, "BTCUSDT", b.Symbol)
		assert.Equal(t, time.UnixMilli(1741600000000), b.OpenTime)
		assert.InDelta(t, 100.0, b.Open, 1e-9)
		assert.InDelta(t, 101.0, b.High, 1e-9)
		assert.InDelta(t, 99.0, b.Low, 1e-9)
		assert.InDelta(t, 100.5, b.Close, 1e-9)
		assert.InDelta(t, 12.5, b.Volume, 1e-9)
		assert.True(t, b.Closed)
	default:
		t.Fatal("expected a bar for the closed kline")
	}
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	m := NewBinanceMarketStream(false)

	m.handleMessage([]byte(`not json`))
	m.handleMessage([]byte(`{"stream":"btcusdt@aggTrade","data":"not an object"}`))
	m.handleMessage([]byte(`{"stream":"btcusdt@unknown","data":{}}`))

	_, ok := m.LastTick("BTCUSDT")
	assert.False(t, ok)
	select {
	case <-m.Bars():
		t.Fatal("no bar expected")
	default:
	}
}

func TestStreamURLHosts(t *testing.T) {
	prod := NewBinanceMarketStream(false)
	prod.symbols = []string{"BTCUSDT", "ETHUSDT"}
	url := prod.streamURL()
	assert.Contains(t, url, "fstream.binance.com")
	assert.Contains(t, url, "btcusdt@aggTrade")
	assert.Contains(t, url, "btcusdt@kline_1m")
	assert.Contains(t, url, "ethusdt@aggTrade")

	test := NewBinanceMarketStream(true)
	test.symbols = []string{"BTCUSDT"}
	assert.Contains(t, test.streamURL(), "stream.binancefuture.com")
}

func TestParseHelpers(t *testing.T) {
	assert.InDelta(t, 1.5, parseF("1.5"), 1e-9)
	assert.Equal(t, 0.0, parseF("garbage"))
	assert.Equal(t, "0.001", fmtQty(0.001))
	assert.Equal(t, "100.50000000", fmtPx(100.5))
}
