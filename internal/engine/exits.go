package engine

import (
	"context"
	"log"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/gate"
	"github.com/UrbanHao/perpwatch/internal/market"
	"github.com/UrbanHao/perpwatch/internal/metrics"
	"github.com/UrbanHao/perpwatch/internal/position"
)

const (
	atrLen    = 14
	atrSLMult = 2.5
	atrTPMult = 5.0
	atrMinPct = 0.004

	// Regime-scaled distances used when retargeting an open position.
	regimeMinSLPct = 0.002
	regimeMinTPPct = 0.004

	retargetMinInterval = 20 * time.Second
	minTickChangeSL     = 2
	minTickChangeTP     = 4

	trailBreakevenR = 1.0
	trailFullR      = 2.0
	trailATRMult    = 0.75

	quickTrainThrottle = 30 * time.Second

	roiConfirmWindow = 2 * time.Second
	roiMinAge        = 15 * time.Second
)

func regimeMults(r market.Regime) (sl, tp float64) {
	if r == market.RegimeRange {
		return 1.8, 2.6
	}
	return 2.5, 4.5
}

// desiredExits derives stop/target distances for an open or adopted
// position from the current market. Falls back to margin-percent exits
// when no ATR is available.
func (e *Engine) desiredExits(st *market.State, side position.Side, entry float64) (stop, target float64) {
	var slDist, tpDist float64
	if atr, ok := st.ATR(atrLen); ok && atr > 0 && e.cfg.UseATRExits {
		slMult, tpMult := regimeMults(st.Regime())
		slDist = maxf(slMult*atr, regimeMinSLPct*entry)
		tpDist = maxf(tpMult*atr, regimeMinTPPct*entry)
	} else {
		// Margin-percent exits: the configured percent of margin mapped
		// into a price distance at the configured leverage.
		lev := e.sizer.Leverage()
		if lev <= 0 {
			lev = 1
		}
		slDist = e.cfg.MarginSLPercent / 100 * entry / lev
		tpDist = e.cfg.MarginTPPercent / 100 * entry / lev
	}
	if side == position.Long {
		return entry - slDist, entry + tpDist
	}
	return entry + slDist, entry - tpDist
}

// initialExits derives exits for a brand new position when the proposal
// carries none, using the base ATR multipliers.
func (e *Engine) initialExits(st *market.State, side position.Side, entry float64) (stop, target float64) {
	atr, ok := st.ATR(atrLen)
	if !ok || atr <= 0 {
		return e.desiredExits(st, side, entry)
	}
	slDist := maxf(atrSLMult*atr, atrMinPct*entry)
	tpDist := slDist * atrTPMult / atrSLMult
	if side == position.Long {
		return entry - slDist, entry + tpDist
	}
	return entry + slDist, entry - tpDist
}

// RetargetAll refreshes exits of every open position against the current
// market. Per-position throttled; a retarget that would invert the
// ordering against the last price is rejected whole.
func (e *Engine) RetargetAll(ctx context.Context) {
	now := time.Now()
	for _, sym := range e.registry.Symbols() {
		st := e.registry.Get(sym)
		if st == nil {
			continue
		}
		last := st.LastPrice()
		if last <= 0 {
			continue
		}
		for _, kind := range e.Kinds() {
			pos := st.Position(kind)
			if pos == nil {
				continue
			}
			if now.Sub(pos.LastAdjust) < retargetMinInterval {
				continue
			}
			e.retargetOne(ctx, kind, st, pos, last, now)
		}
	}
}

func (e *Engine) retargetOne(ctx context.Context, kind account.Kind, st *market.State, pos *position.Position, last float64, now time.Time) {
	r, err := e.rules.Get(ctx, st.Symbol())
	if err != nil {
		return
	}
	rawStop, rawTarget := e.desiredExits(st, pos.Side, pos.Entry)
	newStop, newTarget := gate.AlignExits(pos.Side, pos.Entry, rawStop, rawTarget, r.TickSize)

	if e.cfg.RetargetTighten {
		// Tighten-only: the stop may only move toward price, the target
		// only toward price.
		if pos.Side == position.Long {
			newStop = maxf(newStop, pos.Stop)
			newTarget = minf(newTarget, pos.Target)
		} else {
			newStop = minf(newStop, pos.Stop)
			newTarget = maxf(newTarget, pos.Target)
		}
	}

	changeSL := gate.TicksBetween(newStop, pos.Stop, r.TickSize) >= minTickChangeSL
	changeTP := gate.TicksBetween(newTarget, pos.Target, r.TickSize) >= minTickChangeTP
	if !changeSL {
		newStop = pos.Stop
	}
	if !changeTP {
		newTarget = pos.Target
	}
	if newStop == pos.Stop && newTarget == pos.Target {
		return
	}

	// The retargeted pair must still bracket the last price; otherwise
	// the whole adjustment is dropped, not partially applied.
	if pos.Side == position.Long {
		if !(newStop < last && last < newTarget) {
			return
		}
	} else {
		if !(newTarget < last && last < newStop) {
			return
		}
	}

	if kind == account.Live && e.liveEnabled {
		if err := e.ex.CancelAllOrders(ctx, st.Symbol()); err != nil {
			log.Printf("engine.retarget | %s cancel: %v", st.Symbol(), err)
			return
		}
		if err := e.ex.PlaceProtectiveExits(ctx, st.Symbol(), pos.Side, newStop, newTarget); err != nil {
			log.Printf("engine.retarget | %s replace exits: %v", st.Symbol(), err)
			// Old orders are gone; put the previous pair back rather than
			// leaving the position naked.
			if err := e.ex.PlaceProtectiveExits(ctx, st.Symbol(), pos.Side, pos.Stop, pos.Target); err != nil {
				log.Printf("engine.retarget | %s restore exits: %v", st.Symbol(), err)
			}
			return
		}
	}

	st.UpdatePosition(kind, func(p *position.Position) {
		p.Stop = newStop
		p.Target = newTarget
		p.LastAdjust = now
	})
}

// OnTick handles a fresh trade price: sim exit triggers, trailing, the
// ROI fallback, and the in-trade quick-train step.
func (e *Engine) OnTick(ctx context.Context, symbol string, price float64) {
	st := e.registry.Get(symbol)
	if st == nil || price <= 0 {
		return
	}
	st.SetLastPrice(price)

	if pos := st.Position(account.Sim); pos != nil {
		if e.simExitHit(ctx, st, pos, price) {
			return
		}
		e.simTrail(ctx, st, pos, price)
		e.quickTrain(st, pos, price)
		e.roiFallback(ctx, account.Sim, st, pos, price)
	}
	if pos := st.Position(account.Live); pos != nil && e.liveEnabled {
		e.roiFallback(ctx, account.Live, st, pos, price)
	}
}

// simExitHit settles a sim position whose stop or target the price has
// crossed, at the trigger price rather than the crossing print.
func (e *Engine) simExitHit(ctx context.Context, st *market.State, pos *position.Position, price float64) bool {
	hitStop := (pos.Side == position.Long && price <= pos.Stop) ||
		(pos.Side == position.Short && price >= pos.Stop)
	hitTarget := (pos.Side == position.Long && price >= pos.Target) ||
		(pos.Side == position.Short && price <= pos.Target)
	switch {
	case hitStop:
		e.Settle(ctx, account.Sim, st.Symbol(), pos.Stop, "sl", true)
		return true
	case hitTarget:
		e.Settle(ctx, account.Sim, st.Symbol(), pos.Target, "tp", true)
		return true
	}
	return false
}

// simTrail moves the sim stop to break-even at +1R and trails by
// 0.75 ATR beyond +2R. Tighten-only, tick-aligned, kept at least one
// tick off the last price.
func (e *Engine) simTrail(ctx context.Context, st *market.State, pos *position.Position, price float64) {
	rm := pos.RMultiple(price)
	if rm < trailBreakevenR {
		return
	}
	r, err := e.rules.Get(ctx, st.Symbol())
	if err != nil {
		return
	}

	candidate := pos.Entry
	if rm >= trailFullR {
		if atr, ok := st.ATR(atrLen); ok && atr > 0 {
			if pos.Side == position.Long {
				candidate = price - trailATRMult*atr
			} else {
				candidate = price + trailATRMult*atr
			}
		}
	}

	if pos.Side == position.Long {
		candidate = minf(candidate, price-r.TickSize)
		candidate = gate.RoundToTick(candidate, r.TickSize, -1)
	} else {
		candidate = maxf(candidate, price+r.TickSize)
		candidate = gate.RoundToTick(candidate, r.TickSize, +1)
	}
	st.UpdatePosition(account.Sim, func(p *position.Position) {
		if p.Side == position.Long {
			if candidate > p.Stop {
				p.Stop = candidate
			}
		} else if candidate < p.Stop {
			p.Stop = candidate
		}
	})
}

// quickTrain feeds an excursion beyond one initial-risk unit back into
// the model while the trade is still open. Throttled per position.
func (e *Engine) quickTrain(st *market.State, pos *position.Position, price float64) {
	if !e.ml.Active() || pos.Features == nil {
		return
	}
	rm := pos.RMultiple(price)
	if rm > -1 && rm < 1 {
		return
	}
	now := time.Now()
	stamped := false
	st.UpdatePosition(account.Sim, func(p *position.Position) {
		if now.Sub(p.LastQuickTrain) >= quickTrainThrottle {
			p.LastQuickTrain = now
			stamped = true
		}
	})
	if !stamped {
		return
	}

	label := 0
	switch {
	case rm >= 1.5:
		label = 1
	case rm <= -1:
		label = 0
	case rm > 0:
		label = 1
	}
	e.ml.QuickTrain(pos.Features, label, 1.0)
	metrics.ModelThreshold.Set(e.ml.Threshold())
}

// roiFallback closes a position whose leveraged, fee-adjusted return on
// margin has sat beyond the configured bounds for the confirmation
// window. Acts as a backstop when protective orders fail to trigger.
func (e *Engine) roiFallback(ctx context.Context, kind account.Kind, st *market.State, pos *position.Position, price float64) {
	now := time.Now()
	if now.Sub(pos.OpenedAt) < roiMinAge {
		return
	}
	lev := e.sizer.Leverage()
	if lev <= 0 {
		lev = 1
	}
	move := (price - pos.Entry) / pos.Entry * pos.Side.Sign()
	feeAdj := 2 * e.cfg.TakerFeePercent / 100
	roi := (move - feeAdj) * lev * 100

	beyond := roi >= e.cfg.MarginTPPercent || roi <= -e.cfg.MarginSLPercent
	if !beyond {
		if !pos.ROIHitSince.IsZero() {
			st.UpdatePosition(kind, func(p *position.Position) { p.ROIHitSince = time.Time{} })
		}
		return
	}
	if pos.ROIHitSince.IsZero() {
		st.UpdatePosition(kind, func(p *position.Position) {
			if p.ROIHitSince.IsZero() {
				p.ROIHitSince = now
			}
		})
		return
	}
	if now.Sub(pos.ROIHitSince) < roiConfirmWindow {
		return
	}

	reason := "roi_tp"
	if roi < 0 {
		reason = "roi_sl"
	}
	e.Settle(ctx, kind, st.Symbol(), price, reason, kind == account.Sim)
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
