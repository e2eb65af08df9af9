package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuantityRiskMode(t *testing.T) {
	s := New(Params{Mode: ModeRisk, RiskPct: 2.0, Leverage: 10})

	// 2% of 10000 = 200 risk budget, stop distance 2 => qty 100. The
	// notional (10000) stays inside 0.95 * 10000 * 10.
	qty := s.Quantity(100, 98, 10000, 10000, 0)
	assert.InDelta(t, 100.0, qty, 1e-9)
}

func TestQuantityCappedByMargin(t *testing.T) {
	s := New(Params{Mode: ModeRisk, RiskPct: 2.0, Leverage: 10})

	// A 0.1 stop distance wants 2000 notional per unit of risk, but only
	// 100 of available margin caps notional at 950.
	qty := s.Quantity(100, 99.9, 10000, 100, 0)
	assert.InDelta(t, 9.5, qty, 1e-9)
}

func TestQuantityAllocMode(t *testing.T) {
	s := New(Params{Mode: ModeAlloc, AllocPct: 10, Leverage: 10})

	// 10% of 10000 = 1000 margin, x10 leverage = 10000 notional, /100 entry.
	qty := s.Quantity(100, 0, 10000, 10000, 0)
	assert.InDelta(t, 100.0, qty, 1e-9)
}

func TestQuantityDegenerateInputs(t *testing.T) {
	s := New(Params{Mode: ModeRisk, RiskPct: 2.0, Leverage: 10})
	assert.Zero(t, s.Quantity(0, 98, 10000, 10000, 0))
	assert.Zero(t, s.Quantity(100, 100, 10000, 10000, 0))
	assert.Zero(t, s.Quantity(100, 98, 10000, 0, 0))
}

func TestRiskOverride(t *testing.T) {
	s := New(Params{Mode: ModeRisk, RiskPct: 2.0, Leverage: 10})
	base := s.Quantity(100, 98, 10000, 10000, 0)
	doubled := s.Quantity(100, 98, 10000, 100000, 4.0)
	assert.InDelta(t, base*2, doubled, 1e-9)
}

func TestScaledRiskPct(t *testing.T) {
	s := New(Params{Mode: ModeRisk, RiskPct: 2.0, Leverage: 10})

	// At or below threshold: base risk.
	assert.Equal(t, 2.0, s.ScaledRiskPct(0.50, 0.55))
	assert.Equal(t, 2.0, s.ScaledRiskPct(0.55, 0.55))

	// Above threshold the scale grows, capped at 2.5x base.
	mid := s.ScaledRiskPct(0.70, 0.55)
	assert.Greater(t, mid, 2.0)
	assert.LessOrEqual(t, mid, 5.0)
	assert.InDelta(t, 5.0, s.ScaledRiskPct(1.0, 0.55), 1e-9)

	// Full confidence never exceeds the 2.5x ceiling.
	assert.InDelta(t, 5.0, s.ScaledRiskPct(0.999999, 0.50), 1e-4)
}
