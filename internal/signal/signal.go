// Package signal produces entry proposals from the per-symbol market
// state. The scanner is the default producer; the engine accepts
// proposals from any source.
package signal

import (
	"time"

	"github.com/UrbanHao/perpwatch/internal/indicator"
	"github.com/UrbanHao/perpwatch/internal/market"
	"github.com/UrbanHao/perpwatch/internal/position"
)

// Proposal is a fully specified entry intent: direction plus the exact
// entry, stop, and target the proposer wants. The gate may still adjust
// the exits for tick alignment and minimum gap.
type Proposal struct {
	Symbol  string
	Side    position.Side
	Entry   float64
	Stop    float64
	Target  float64
	Reason  string
	Feature []float64
	Prob    float64
	HasProb bool
}

const (
	// cooldown between proposals per symbol.
	cooldown = 30 * time.Second

	// Band-width regime filter: too quiet means chop, too wide means a
	// move already under way.
	bbwMin = 0.003
	bbwMax = 0.030

	rsiLongMax  = 68.0
	rsiShortMin = 32.0

	volConfirm = 1.2

	atrStopMult   = 2.5
	atrTargetMult = 5.0
	minStopPct    = 0.004
)

// Scanner derives proposals from closed bars.
type Scanner struct {
	registry *market.Registry
}

func NewScanner(registry *market.Registry) *Scanner {
	return &Scanner{registry: registry}
}

// Scan evaluates one symbol after a bar close. Returns (proposal, true)
// when all entry conditions line up.
func (s *Scanner) Scan(symbol string, now time.Time) (Proposal, bool) {
	st := s.registry.Get(symbol)
	if st == nil || !st.IndicatorsReady() {
		return Proposal{}, false
	}
	if now.Sub(st.LastSignalAt()) < cooldown {
		return Proposal{}, false
	}

	bars := st.Bars()
	if len(bars) < market.EMASlow+5 {
		return Proposal{}, false
	}
	last := bars[len(bars)-1]
	px := last.Close
	if px <= 0 {
		return Proposal{}, false
	}

	emaFast, emaSlow, _, _, _, vwap := st.Indicators()
	bbw := st.BBWidth()
	if bbw < bbwMin || bbw > bbwMax {
		return Proposal{}, false
	}

	closes := make([]float64, len(bars))
	vols := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		vols[i] = b.Volume
	}
	_, _, hist, ok := indicator.MACD(closes, market.MACDFast, market.MACDSlow, market.MACDSig)
	if !ok {
		return Proposal{}, false
	}
	rsi, ok := indicator.RSI(closes, market.RSILen)
	if !ok {
		return Proposal{}, false
	}
	if len(vols) < market.VolMA {
		return Proposal{}, false
	}
	volMA, ok := indicator.SMA(vols[len(vols)-market.VolMA:])
	if !ok || volMA <= 0 {
		return Proposal{}, false
	}
	if last.Volume < volConfirm*volMA {
		return Proposal{}, false
	}

	atr, ok := st.ATR(14)
	if !ok || atr <= 0 {
		return Proposal{}, false
	}
	stopDist := atrStopMult * atr
	if min := minStopPct * px; stopDist < min {
		stopDist = min
	}
	targetDist := stopDist * atrTargetMult / atrStopMult

	var p Proposal
	switch {
	case emaFast > emaSlow && px > vwap && hist > 0 && rsi < rsiLongMax:
		p = Proposal{
			Symbol: symbol,
			Side:   position.Long,
			Entry:  px,
			Stop:   px - stopDist,
			Target: px + targetDist,
			Reason: "trend_long",
		}
	case emaFast < emaSlow && px < vwap && hist < 0 && rsi > rsiShortMin:
		p = Proposal{
			Symbol: symbol,
			Side:   position.Short,
			Entry:  px,
			Stop:   px + stopDist,
			Target: px - targetDist,
			Reason: "trend_short",
		}
	default:
		return Proposal{}, false
	}

	if feat, ok := st.Features(); ok {
		p.Feature = feat
	}
	st.MarkSignal(now)
	return p, true
}
