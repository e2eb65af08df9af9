// Package market
package market

import (
	"math"
	"sync"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/candle"
	"github.com/UrbanHao/perpwatch/internal/indicator"
	"github.com/UrbanHao/perpwatch/internal/position"
)

// Indicator windows shared by the scanner, the admission features, and the
// exit manager.
const (
	EMAFast  = 50
	EMASlow  = 200
	MACDFast = 12
	MACDSlow = 26
	MACDSig  = 9
	RSILen   = 14
	BBLen    = 20
	BBStd    = 2.0
	VolMA    = 20

	bufferBars = 270
)

// FeatureLen is the fixed admission feature-vector length.
const FeatureLen = 8

// Regime classifies the 5-minute trend.
type Regime string

const (
	RegimeRange Regime = "RANGE"
	RegimeUp    Regime = "UP"
	RegimeDown  Regime = "DOWN"
)

// State is the per-instrument view: candle buffers, derived indicators, at
// most one position per account, the last traded price, and the cached
// admission score.
type State struct {
	mu sync.RWMutex

	symbol string

	bars   *candle.Series
	bars5m *candle.Series
	agg    *candle.Aggregator

	emaFast float64
	emaSlow float64
	bbMid   float64
	bbUp    float64
	bbDn    float64
	vwap    float64
	indOK   bool

	lastPrice float64

	positions [2]*position.Position

	lastSignalAt time.Time

	score   float64
	scoreAt time.Time
}

func NewState(symbol string) *State {
	return &State{
		symbol: symbol,
		bars:   candle.NewSeries(bufferBars),
		bars5m: candle.NewSeries(bufferBars),
		agg:    candle.NewAggregator(5 * time.Minute),
	}
}

func (s *State) Symbol() string { return s.symbol }

func (s *State) SetLastPrice(px float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrice = px
}

func (s *State) LastPrice() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPrice
}

// AppendBar ingests one closed base-interval bar, folds it into the 5m
// buffer, and refreshes the derived indicators.
func (s *State) AppendBar(c candle.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars.Append(c)
	if done, ok := s.agg.Add(c); ok {
		s.bars5m.Append(done)
	}
	s.lastPrice = c.Close
	s.refreshIndicators()
}

func (s *State) refreshIndicators() {
	need := EMASlow + 5
	if s.bars.Len() < need {
		s.indOK = false
		return
	}
	closes := s.bars.Closes()
	s.emaFast, _ = indicator.EMA(closes[len(closes)-need:], EMAFast)
	s.emaSlow, _ = indicator.EMA(closes[len(closes)-need:], EMASlow)
	s.bbMid, s.bbUp, s.bbDn, _ = indicator.Bollinger(closes, BBLen, BBStd)

	window := 96
	all := s.bars.Candles()
	if len(all) > window {
		all = all[len(all)-window:]
	}
	s.vwap, _ = indicator.VWAP(all)
	s.indOK = true
}

// IndicatorsReady reports whether enough bars exist for full indicators.
func (s *State) IndicatorsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indOK
}

// Indicators returns (emaFast, emaSlow, bbMid, bbUp, bbDn, vwap).
func (s *State) Indicators() (float64, float64, float64, float64, float64, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emaFast, s.emaSlow, s.bbMid, s.bbUp, s.bbDn, s.vwap
}

// BBWidth is the normalized Bollinger band width of the base bars.
func (s *State) BBWidth() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bbMid == 0 {
		return 0
	}
	return (s.bbUp - s.bbDn) / (2 * s.bbMid)
}

// Bars returns the base-interval bars, oldest first. Read-only.
func (s *State) Bars() []candle.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bars.Candles()
}

// Bars5m returns the aggregated 5-minute bars, oldest first. Read-only.
func (s *State) Bars5m() []candle.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bars5m.Candles()
}

// ATR is the Wilder ATR of the base bars.
func (s *State) ATR(n int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indicator.ATRWilder(s.bars.Candles(), n)
}

// Position returns the open position for one account, nil if flat.
func (s *State) Position(kind account.Kind) *position.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[kind]
}

// SetPosition installs (or clears, with nil) the position for one account.
func (s *State) SetPosition(kind account.Kind, p *position.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[kind] = p
}

// UpdatePosition applies fn to a copy of the open position and installs
// the copy, so a reader holding the previous pointer keeps a frozen
// snapshot. No-op when flat.
func (s *State) UpdatePosition(kind account.Kind, fn func(*position.Position)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.positions[kind]
	if cur == nil {
		return
	}
	next := *cur
	fn(&next)
	s.positions[kind] = &next
}

func (s *State) LastSignalAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSignalAt
}

func (s *State) MarkSignal(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSignalAt = t
}

// SetScore caches the admission probability for the panel/scan ordering.
func (s *State) SetScore(p float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.score = p
	s.scoreAt = at
}

// Score returns the cached admission probability if it is fresher than
// maxAge.
func (s *State) Score(now time.Time, maxAge time.Duration) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scoreAt.IsZero() || now.Sub(s.scoreAt) > maxAge {
		return 0, false
	}
	return s.score, true
}

// Features builds the fixed-length, range-clipped admission feature vector:
// RSI, MACD histogram, EMA gap, band width, VWAP deviation, volume z-score,
// ATR ratio, trend slope. Returns false until enough bars exist.
func (s *State) Features() ([]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	need := MACDSlow + MACDSig + 5
	if s.bars.Len() < need || !s.indOK || s.lastPrice <= 0 {
		return nil, false
	}
	closes := s.bars.Closes()
	vols := s.bars.Volumes()

	rsi, ok := indicator.RSI(closes, RSILen)
	if !ok {
		rsi = 50
	}
	_, _, macdHist, _ := indicator.MACD(closes, MACDFast, MACDSlow, MACDSig)

	emaGap := (s.emaFast - s.emaSlow) / s.lastPrice
	bbw := 0.0
	if s.bbMid != 0 {
		bbw = (s.bbUp - s.bbDn) / (2 * s.bbMid)
	}
	vwapDev := 0.0
	if s.vwap != 0 {
		vwapDev = (s.lastPrice - s.vwap) / s.lastPrice
	}

	volZ := 0.0
	if len(vols) >= VolMA {
		w := vols[len(vols)-VolMA:]
		vMA, _ := indicator.SMA(w)
		vSD, _ := indicator.StdDev(w)
		if vSD > 0 {
			volZ = (vols[len(vols)-1] - vMA) / vSD
		}
	}

	atrRel := 0.0
	if all := s.bars.Candles(); len(all) >= 2 {
		hi := math.Max(all[len(all)-1].High, all[len(all)-2].High)
		lo := math.Min(all[len(all)-1].Low, all[len(all)-2].Low)
		atrRel = (hi - lo) / math.Max(1e-9, all[len(all)-1].Close)
	}

	slope := 0.0
	if s.bbMid != 0 {
		slope = (s.emaFast - s.emaSlow) / s.bbMid
	}

	return []float64{
		indicator.Clip(rsi/100.0, 0, 1),
		indicator.Clip(macdHist, -1, 1),
		indicator.Clip(emaGap, -0.05, 0.05),
		indicator.Clip(bbw, 0, 0.05),
		indicator.Clip(vwapDev, -0.05, 0.05),
		indicator.Clip(volZ/3.0, -2, 2),
		indicator.Clip(atrRel*1.5, 0, 0.15),
		indicator.Clip(slope, -0.05, 0.05),
	}, true
}

// FallbackFeatures builds a degraded feature vector from whatever indicator
// state exists, for positions adopted without an open-time snapshot.
func (s *State) FallbackFeatures() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rsi := 50.0
	macdHist := 0.0
	if closes := s.bars.Closes(); len(closes) >= MACDSlow+MACDSig+5 {
		if r, ok := indicator.RSI(closes, RSILen); ok {
			rsi = r
		}
		_, _, macdHist, _ = indicator.MACD(closes, MACDFast, MACDSlow, MACDSig)
	}
	emaGap := 0.0
	if s.lastPrice > 0 {
		emaGap = (s.emaFast - s.emaSlow) / s.lastPrice
	}
	bbw := 0.0
	if s.bbMid != 0 {
		bbw = (s.bbUp - s.bbDn) / (2 * s.bbMid)
	}
	vwapDev := 0.0
	if s.vwap != 0 && s.lastPrice > 0 {
		vwapDev = (s.lastPrice - s.vwap) / s.lastPrice
	}
	return []float64{
		indicator.Clip(rsi/100.0, 0, 1),
		indicator.Clip(macdHist, -1, 1),
		indicator.Clip(emaGap, -0.05, 0.05),
		indicator.Clip(bbw, 0, 0.05),
		indicator.Clip(vwapDev, -0.05, 0.05),
		0, 0, 0,
	}
}

// Regime classifies the 5-minute trend from EMA crossover plus return and
// band-width heuristics.
func (s *State) Regime() Regime {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arr := s.bars5m.Candles()
	if len(arr) < EMASlow+5 {
		return RegimeRange
	}
	closes := make([]float64, len(arr))
	for i, c := range arr {
		closes[i] = c.Close
	}
	ef, _ := indicator.EMA(closes[len(closes)-(EMASlow+5):], EMAFast)
	es, _ := indicator.EMA(closes[len(closes)-(EMASlow+5):], EMASlow)
	bbw, _ := indicator.BollingerWidth(closes, BBLen, BBStd)
	ret := 0.0
	if len(closes) >= BBLen+1 {
		ret = (closes[len(closes)-1] - closes[len(closes)-BBLen]) / closes[len(closes)-BBLen]
	}
	if ef > es && (ret > 0.004 || bbw > 0.010) {
		return RegimeUp
	}
	if ef < es && (ret < -0.004 || bbw > 0.010) {
		return RegimeDown
	}
	return RegimeRange
}

// Registry owns the symbol->state map. It is passed by reference to every
// worker; there are no ambient globals.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*State)}
}

// Ensure returns the state for symbol, creating it if absent.
func (r *Registry) Ensure(symbol string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.m[symbol]
	if !ok {
		st = NewState(symbol)
		r.m[symbol] = st
	}
	return st
}

// Get returns the state for symbol, nil if untracked.
func (r *Registry) Get(symbol string) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[symbol]
}

// Symbols lists every tracked symbol.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for s := range r.m {
		out = append(out, s)
	}
	return out
}

// OpenCount counts open positions for one account across all symbols.
func (r *Registry) OpenCount(kind account.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.m {
		if st.Position(kind) != nil {
			n++
		}
	}
	return n
}
