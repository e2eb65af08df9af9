// Package sizing
package sizing

import "math"

// Mode selects how a risk budget becomes an order quantity.
type Mode string

const (
	// ModeAlloc sizes by a fixed allocation of the balance.
	ModeAlloc Mode = "ALLOC"
	// ModeRisk sizes so the stop distance costs a fixed fraction of balance.
	ModeRisk Mode = "RISK"
)

// marginHeadroom keeps sized notional under 95% of what the available
// margin supports, so the exchange never rejects on margin.
const marginHeadroom = 0.95

// riskScaleCap steepens the model-driven scale and bounds the extra
// multiplier, so effective risk never exceeds 2.5x base.
const riskScaleCap = 1.5

type Params struct {
	Mode     Mode
	RiskPct  float64 // percent of balance risked per trade (RISK mode)
	AllocPct float64 // percent of balance allocated per trade (ALLOC mode)
	Leverage float64
}

type Sizer struct {
	p Params
}

func New(p Params) *Sizer {
	if p.Mode == "" {
		p.Mode = ModeRisk
	}
	return &Sizer{p: p}
}

// Quantity converts the entry/stop pair plus the account budget into a raw
// order quantity. riskPctOverride > 0 replaces the configured risk percent
// (model-scaled sizing). The caller floors to the step size.
func (s *Sizer) Quantity(entry, stop, balance, availMargin, riskPctOverride float64) float64 {
	if entry <= 0 {
		return 0
	}
	maxNotional := math.Max(availMargin, 0) * math.Max(s.p.Leverage, 0) * marginHeadroom

	if s.p.Mode == ModeAlloc {
		allocMargin := balance * math.Max(s.p.AllocPct, 0) / 100
		notional := math.Min(allocMargin*math.Max(s.p.Leverage, 0), maxNotional)
		return math.Max(notional/entry, 0)
	}

	dist := math.Abs(entry - stop)
	if dist <= 0 {
		return 0
	}
	riskPct := s.p.RiskPct
	if riskPctOverride > 0 {
		riskPct = riskPctOverride
	}
	riskBudget := balance * math.Max(riskPct, 0) / 100
	notional := math.Min(riskBudget*entry/dist, maxNotional)
	return math.Max(notional/entry, 0)
}

// ScaledRiskPct scales the base risk percent up only, proportional to how far
// the admission probability clears the threshold, capped at 2.5x base.
func (s *Sizer) ScaledRiskPct(p, threshold float64) float64 {
	if p <= threshold {
		return s.p.RiskPct
	}
	gain := (p - threshold) / math.Max(1e-9, 1-threshold)
	return s.p.RiskPct * (1 + math.Min(riskScaleCap, riskScaleCap*gain))
}

// BaseRiskPct exposes the configured per-trade risk percent.
func (s *Sizer) BaseRiskPct() float64 { return s.p.RiskPct }

// Leverage exposes the configured leverage.
func (s *Sizer) Leverage() float64 { return s.p.Leverage }
