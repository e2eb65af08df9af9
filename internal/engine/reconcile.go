package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/exchange"
	"github.com/UrbanHao/perpwatch/internal/gate"
	"github.com/UrbanHao/perpwatch/internal/market"
	"github.com/UrbanHao/perpwatch/internal/metrics"
	"github.com/UrbanHao/perpwatch/internal/position"
)

const (
	reconcileBackoffBase   = 60 * time.Second
	reconcileBackoffFactor = 1.7
	reconcileBackoffMax    = 300 * time.Second
)

// TriggerReconcile asks for an immediate reconciliation pass, typically
// from a user-stream push event. Non-blocking.
func (e *Engine) TriggerReconcile(symbol string) {
	select {
	case e.reconcileNow <- symbol:
	default:
	}
}

// ReconcileOnce compares the venue's positions against the local live
// book and repairs every divergence. The venue is authoritative: a
// position it does not report is settled locally, one it reports that
// we do not track is adopted.
func (e *Engine) ReconcileOnce(ctx context.Context) error {
	if !e.liveEnabled {
		return nil
	}
	venuePositions, err := e.ex.FetchPositions(ctx)
	if err != nil {
		return err
	}

	venueBySym := make(map[string]exchange.PositionInfo, len(venuePositions))
	for _, vp := range venuePositions {
		venueBySym[vp.Symbol] = vp
	}

	seen := make(map[string]bool)
	for _, sym := range e.registry.Symbols() {
		seen[sym] = true
		e.reconcileSymbol(ctx, sym, venueBySym)
	}
	for sym := range venueBySym {
		if !seen[sym] {
			e.reconcileSymbol(ctx, sym, venueBySym)
		}
	}
	return nil
}

func (e *Engine) reconcileSymbol(ctx context.Context, sym string, venueBySym map[string]exchange.PositionInfo) {
	st := e.registry.Ensure(sym)
	local := st.Position(account.Live)
	venue, onVenue := venueBySym[sym]

	switch {
	case local == nil && onVenue:
		e.adopt(ctx, st, venue)

	case local != nil && !onVenue:
		// Venue says flat: the stop or target fired without us seeing it.
		// The flat positionRisk row still carries the venue's mark price;
		// settlement books that, not a cached local tick.
		exitPx := e.venueMark(ctx, sym)
		if exitPx <= 0 {
			if tick, ok := e.stream.LastTick(sym); ok && tick.Price > 0 {
				exitPx = tick.Price
			} else {
				exitPx = st.LastPrice()
			}
		}
		e.Settle(ctx, account.Live, sym, exitPx, "reconciled_flat", true)

	case local != nil && onVenue:
		venueQty := absf(venue.Qty)
		if venue.Side() != local.Side || position.QtyDiffers(local.Qty, venueQty) {
			log.Printf("engine.reconcile | %s divergent (local %s %.8f, venue %s %.8f), overwriting",
				sym, local.Side, local.Qty, venue.Side(), venueQty)
			st.UpdatePosition(account.Live, func(p *position.Position) {
				p.Side = venue.Side()
				p.Qty = venueQty
				if venue.Entry > 0 {
					p.Entry = venue.Entry
				}
			})
			e.logEvent(ctx, "reconcile", sym+" overwritten from venue", map[string]any{
				"symbol": sym, "qty": venueQty, "entry": venue.Entry,
			})
		}

	default:
		// Flat on both sides: any leftover reservation is stale.
		if e.inflight[account.Live].Has(sym) {
			e.inflight[account.Live].Release(sym)
			log.Printf("engine.reconcile | %s released stale in-flight reservation", sym)
		}
	}
}

// venueMark re-reads the symbol's positionRisk row for its mark price.
// Flat symbols still report one.
func (e *Engine) venueMark(ctx context.Context, sym string) float64 {
	venue, err := e.ex.FetchPosition(ctx, sym)
	if err != nil {
		log.Printf("engine.reconcile | %s mark read: %v", sym, err)
		return 0
	}
	return venue.Mark
}

// adopt registers a venue position we have no record of, with fresh
// exits derived from the current market and degraded feature data for
// the model.
func (e *Engine) adopt(ctx context.Context, st *market.State, venue exchange.PositionInfo) {
	sym := st.Symbol()
	side := venue.Side()
	entry := venue.Entry
	if entry <= 0 {
		entry = venue.Mark
	}
	if entry <= 0 {
		log.Printf("engine.adopt | %s has no usable entry price, skipping", sym)
		return
	}

	stop, target := e.desiredExits(st, side, entry)
	if r, err := e.rules.Get(ctx, sym); err == nil {
		stop, target = gate.AlignExits(side, entry, stop, target, r.TickSize)
	}

	pos := &position.Position{
		Side:         side,
		Qty:          absf(venue.Qty),
		Entry:        entry,
		Stop:         stop,
		Target:       target,
		OpenedAt:     time.Now(),
		RiskDistance: absf(entry - stop),
		UniqueID:     position.NewUniqueID(account.Live, sym, time.Now()),
		Features:     st.FallbackFeatures(),
	}
	st.SetPosition(account.Live, pos)
	e.inflight[account.Live].Release(sym)

	e.ml.RecordOpen(account.Live, sym, pos.Features, 0, false)
	e.logEvent(ctx, "adopt", fmt.Sprintf("LIVE %s %s adopted from venue", sym, side), map[string]any{
		"symbol": sym, "qty": pos.Qty, "entry": entry, "sl": stop, "tp": target, "pos_uid": pos.UniqueID,
	})
	log.Printf("engine.adopt | %s %s qty=%.8f entry=%.4f", sym, side, pos.Qty, entry)

	go func() {
		exCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.ex.PlaceProtectiveExits(exCtx, sym, side, stop, target); err != nil {
			log.Printf("engine.adopt | %s protective exits: %v", sym, err)
		}
	}()
}

// NextBackoffDelay reports the delay to wait after a failed pass and
// advances the backoff. Exported for tests.
func (e *Engine) NextBackoffDelay() time.Duration {
	e.backoffMu.Lock()
	defer e.backoffMu.Unlock()
	d := e.backoff
	next := time.Duration(float64(e.backoff) * reconcileBackoffFactor)
	if next > reconcileBackoffMax {
		next = reconcileBackoffMax
	}
	e.backoff = next
	return d
}

// ResetBackoff restores the base delay after a successful pass.
func (e *Engine) ResetBackoff() {
	e.backoffMu.Lock()
	defer e.backoffMu.Unlock()
	e.backoff = reconcileBackoffBase
}

// runReconcile drives periodic and push-triggered reconciliation until
// ctx is done. Failures push the next attempt out by the backoff.
func (e *Engine) runReconcile(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	var holdUntil time.Time
	pass := func() {
		if err := e.ReconcileOnce(ctx); err != nil {
			metrics.ReconcileErrors.Inc()
			delay := e.NextBackoffDelay()
			holdUntil = time.Now().Add(delay)
			log.Printf("engine.reconcile | pass failed, next attempt in %v: %v", delay, err)
			return
		}
		e.ResetBackoff()
		holdUntil = time.Time{}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().Before(holdUntil) {
				continue
			}
			pass()
		case <-e.reconcileNow:
			if time.Now().Before(holdUntil) {
				continue
			}
			pass()
		}
	}
}
