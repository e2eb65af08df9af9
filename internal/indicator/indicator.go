// Package indicator
package indicator

import (
	"math"

	"github.com/UrbanHao/perpwatch/internal/candle"
)

// EMAStep advances an exponential moving average by one price. A NaN prev
// seeds the average with the price itself.
func EMAStep(prev, price float64, length int) float64 {
	if math.IsNaN(prev) {
		return price
	}
	k := 2.0 / (float64(length) + 1.0)
	return price*k + prev*(1-k)
}

// EMA runs EMAStep over the whole slice and returns the final value.
func EMA(prices []float64, length int) (float64, bool) {
	if len(prices) == 0 || length <= 0 {
		return 0, false
	}
	v := math.NaN()
	for _, px := range prices {
		v = EMAStep(v, px, length)
	}
	return v, true
}

func SMA(prices []float64) (float64, bool) {
	if len(prices) == 0 {
		return 0, false
	}
	var sum float64
	for _, px := range prices {
		sum += px
	}
	return sum / float64(len(prices)), true
}

func StdDev(prices []float64) (float64, bool) {
	m, ok := SMA(prices)
	if !ok {
		return 0, false
	}
	var sum float64
	for _, px := range prices {
		d := px - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(prices))), true
}

// RSI returns the classic 14-style RSI of the final bar.
func RSI(closes []float64, length int) (float64, bool) {
	if len(closes) < length+1 || length <= 0 {
		return 0, false
	}
	var gains, losses float64
	for i := len(closes) - length; i < len(closes); i++ {
		diff := closes[i] - closes[i-1]
		if diff >= 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	avgLoss := losses / float64(length)
	if avgLoss <= 0 {
		avgLoss = 1e-9
	}
	rs := (gains / float64(length)) / avgLoss
	return 100 - 100/(1+rs), true
}

// MACD returns the final (macd, signal, histogram) triple.
func MACD(closes []float64, fast, slow, sig int) (float64, float64, float64, bool) {
	if len(closes) < slow+sig {
		return 0, 0, 0, false
	}
	ef, es := math.NaN(), math.NaN()
	macds := make([]float64, 0, len(closes))
	for _, px := range closes {
		ef = EMAStep(ef, px, fast)
		es = EMAStep(es, px, slow)
		macds = append(macds, ef-es)
	}
	signal := math.NaN()
	for _, m := range macds {
		signal = EMAStep(signal, m, sig)
	}
	last := macds[len(macds)-1]
	return last, signal, last - signal, true
}

// VWAP computes the volume-weighted average typical price of the window.
func VWAP(candles []candle.Candle) (float64, bool) {
	var volSum, pv float64
	for _, c := range candles {
		volSum += c.Volume
		pv += c.Typical() * c.Volume
	}
	if volSum <= 0 {
		return 0, false
	}
	return pv / volSum, true
}

func trueRange(prevClose, high, low float64) float64 {
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATRWilder computes the Wilder-smoothed average true range: SMA of the
// first n true ranges, then atr = (atr*(n-1) + tr) / n.
func ATRWilder(candles []candle.Candle, n int) (float64, bool) {
	if len(candles) < n+1 || n <= 0 {
		return 0, false
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i-1].Close, candles[i].High, candles[i].Low))
	}
	var init float64
	for _, tr := range trs[:n] {
		init += tr
	}
	atr := init / float64(n)
	for _, tr := range trs[n:] {
		atr = (atr*float64(n-1) + tr) / float64(n)
	}
	return atr, true
}

// Bollinger returns (mid, upper, lower) over the final length closes.
func Bollinger(closes []float64, length int, k float64) (float64, float64, float64, bool) {
	if len(closes) < length || length <= 0 {
		return 0, 0, 0, false
	}
	window := closes[len(closes)-length:]
	mid, _ := SMA(window)
	sd, _ := StdDev(window)
	return mid, mid + k*sd, mid - k*sd, true
}

// BollingerWidth is (upper-lower)/(2*mid), the normalized band width.
func BollingerWidth(closes []float64, length int, k float64) (float64, bool) {
	mid, up, dn, ok := Bollinger(closes, length, k)
	if !ok || mid == 0 {
		return 0, false
	}
	return (up - dn) / (2 * mid), true
}

// Clip bounds v into [lo, hi].
func Clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
