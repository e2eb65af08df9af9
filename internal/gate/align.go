// Package gate
package gate

import (
	"github.com/shopspring/decimal"

	"github.com/UrbanHao/perpwatch/internal/position"
)

// Alignment and gap rules shared by the gate, the execution engine, and the
// exit manager. All arithmetic goes through decimals so a 0.01 step never
// picks up binary-float drift.

const (
	// minGapTicks and minGapPct define the minimum distance any protective
	// price keeps from the entry: max(12 ticks, 0.15% of entry).
	minGapTicks = 12.0
	minGapPct   = 0.0015
)

// FloorToStep aligns value down to the allowed step (quantities and prices).
// Rounding up could exceed a risk or margin budget, so this always floors.
func FloorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	q := v.Div(s).Floor().Mul(s)
	f, _ := q.Float64()
	return f
}

// RoundToTick aligns price to the tick grid. dir > 0 rounds away-from (up),
// dir < 0 rounds toward (down).
func RoundToTick(price, tick float64, dir int) float64 {
	if tick <= 0 {
		return price
	}
	v := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := v.Div(t).Floor()
	if dir > 0 && !steps.Mul(t).Equal(v) {
		steps = steps.Add(decimal.NewFromInt(1))
	}
	f, _ := steps.Mul(t).Float64()
	return f
}

// MinGap is the minimum entry distance for stop and target.
func MinGap(entry, tick float64) float64 {
	gap := tick * minGapTicks
	if pct := entry * minGapPct; pct > gap {
		gap = pct
	}
	return gap
}

// ApplyMinGap pushes price out of the forbidden band around entry.
// above=true means price must sit above entry (LONG target, SHORT stop).
func ApplyMinGap(entry, price, tick float64, above bool) float64 {
	gap := MinGap(entry, tick)
	if above {
		if price <= entry+gap {
			return entry + gap
		}
		return price
	}
	if price >= entry-gap {
		return entry - gap
	}
	return price
}

// AlignExits enforces the minimum gap on both protective prices and snaps
// them to the tick grid away from entry. It returns (stop, target).
func AlignExits(side position.Side, entry, stop, target, tick float64) (float64, float64) {
	if side == position.Long {
		target = RoundToTick(ApplyMinGap(entry, target, tick, true), tick, +1)
		stop = RoundToTick(ApplyMinGap(entry, stop, tick, false), tick, -1)
		if !(target > entry && entry > stop) {
			target = RoundToTick(maxf(target, entry+tick), tick, +1)
			stop = RoundToTick(minf(stop, entry-tick), tick, -1)
		}
		return stop, target
	}
	target = RoundToTick(ApplyMinGap(entry, target, tick, false), tick, -1)
	stop = RoundToTick(ApplyMinGap(entry, stop, tick, true), tick, +1)
	if !(target < entry && entry < stop) {
		target = RoundToTick(minf(target, entry-tick), tick, -1)
		stop = RoundToTick(maxf(stop, entry+tick), tick, +1)
	}
	return stop, target
}

// TicksBetween measures |a-b| in tick units.
func TicksBetween(a, b, tick float64) float64 {
	if tick <= 0 {
		tick = 1e-12
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return d / tick
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
