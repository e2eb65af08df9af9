package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/gate"
	"github.com/UrbanHao/perpwatch/internal/metrics"
	"github.com/UrbanHao/perpwatch/internal/position"
)

const (
	closeAttempts = 3
	// commissionSlack widens the fee lookup window around the trade.
	commissionSlack = 5 * time.Second
)

// Settle closes a position on one book: venue close (live), PnL and fee
// computation, ledger append, model feedback, and local cleanup. A
// settlement already performed for the position's unique id degrades to
// local cleanup only; rapid duplicate calls are debounced.
func (e *Engine) Settle(ctx context.Context, kind account.Kind, symbol string, exitPx float64, reason string, skipExchange bool) {
	st := e.registry.Get(symbol)
	if st == nil {
		return
	}
	pos := st.Position(kind)
	if pos == nil {
		return
	}
	// The debounce stamp lands only once a real position is in hand; a
	// no-op close for a flat symbol consumes no window.
	if !e.debounceClose(kind, symbol) {
		return
	}

	if !e.settled.MarkIfNew(pos.UniqueID) {
		// Already settled elsewhere (reconciliation vs. tick race): only
		// the local bookkeeping remains.
		st.SetPosition(kind, nil)
		e.inflight[kind].Release(symbol)
		return
	}

	qty := pos.Qty
	if kind == account.Live && e.liveEnabled && !skipExchange {
		venueQty, closed := e.closeOnVenue(ctx, symbol, pos)
		if venueQty > 0 {
			qty = venueQty
		}
		if !closed {
			// Local settlement proceeds; the residual watcher keeps
			// hammering the venue until flat.
			go e.forceCloseResidual(symbol, pos.Side)
		}
	}

	if exitPx <= 0 {
		if tick, ok := e.stream.LastTick(symbol); ok {
			exitPx = tick.Price
		} else {
			exitPx = pos.Entry
		}
	}

	pnl := qty * (exitPx - pos.Entry) * pos.Side.Sign()
	fee := e.tradeFee(ctx, kind, symbol, pos, qty, exitPx)
	net := pnl - fee

	acct := e.accounts[kind]
	acct.Settle(net)

	netPct := 0.0
	if notional := qty * pos.Entry; notional > 0 {
		netPct = net / notional
	}
	riskR := 0.0
	if pos.RiskDistance > 0 && qty > 0 {
		riskR = pnl / (pos.RiskDistance * qty)
	}

	trade := account.Trade{
		Time:     time.Now().UTC(),
		Account:  kind.String(),
		Symbol:   symbol,
		Side:     string(pos.Side),
		Entry:    pos.Entry,
		Exit:     exitPx,
		Qty:      qty,
		NetPnL:   net,
		NetPct:   netPct * 100,
		Fee:      fee,
		RiskR:    riskR,
		UniqueID: pos.UniqueID,
		Reason:   reason,
	}
	acct.AppendTrade(trade)

	if e.ledger != nil {
		if err := e.ledger.Append(trade); err != nil {
			log.Printf("engine.Settle | ledger append %s: %v", symbol, err)
		}
	}
	if e.storage != nil {
		if err := e.storage.SaveTrade(ctx, trade); err != nil {
			log.Printf("engine.Settle | db trade %s: %v", symbol, err)
		}
	}
	e.logEvent(ctx, "settle", fmt.Sprintf("%s %s %s", kind, symbol, reason), map[string]any{
		"symbol": symbol, "account": kind.String(), "reason": reason,
		"exit": exitPx, "pnl": net, "fee": fee, "risk_R": riskR, "pos_uid": pos.UniqueID,
	})

	e.ml.RecordClose(kind, symbol, net, netPct)
	if err := e.ml.Save(); err != nil {
		log.Printf("engine.Settle | model save: %v", err)
	}
	metrics.ModelThreshold.Set(e.ml.Threshold())
	metrics.ModelSeen.Set(float64(e.ml.SeenTotal()))

	st.SetPosition(kind, nil)
	e.inflight[kind].Release(symbol)

	if kind == account.Live && e.liveEnabled {
		if err := e.ex.CancelAllOrders(ctx, symbol); err != nil {
			log.Printf("engine.Settle | %s cancel after close: %v", symbol, err)
		}
	}

	if e.losses.OnResult(symbol, net, time.Now()) {
		e.logEvent(ctx, "suspend", symbol+" loss streak", map[string]any{"symbol": symbol})
		go e.notify.SendWithRetry(fmt.Sprintf("SUSPEND %s after loss streak", symbol))
	}

	if kind == account.Sim {
		e.saveSimState()
	}

	metrics.Settlements.WithLabelValues(kind.String(), reason).Inc()
	metrics.OpenPositions.WithLabelValues(kind.String()).Set(float64(e.registry.OpenCount(kind)))
	metrics.Equity.WithLabelValues(kind.String()).Set(acct.Balance())
	metrics.DailyPnl.WithLabelValues(kind.String()).Set(acct.DailyPnl())

	go e.notify.SendWithRetry(fmt.Sprintf("CLOSE %s %s %s exit=%.4f pnl=%.2f (%s)",
		kind, symbol, pos.Side, exitPx, net, reason))
}

// debounceClose suppresses duplicate close attempts for one book+symbol
// inside the debounce window.
func (e *Engine) debounceClose(kind account.Kind, symbol string) bool {
	key := kind.String() + "|" + symbol
	now := time.Now()
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if last, ok := e.lastClose[key]; ok && now.Sub(last) < e.cfg.CloseDebounce {
		return false
	}
	e.lastClose[key] = now
	return true
}

// closeOnVenue re-reads the authoritative quantity and closes it with
// reduce-only market orders, shrinking by one step per rejected attempt,
// then falls back to a closePosition stop through the current price.
// Returns the venue quantity and whether the venue is believed flat.
func (e *Engine) closeOnVenue(ctx context.Context, symbol string, pos *position.Position) (float64, bool) {
	venue, err := e.ex.FetchPosition(ctx, symbol)
	if err != nil {
		log.Printf("engine.closeOnVenue | %s read: %v", symbol, err)
		return 0, false
	}
	qty := absf(venue.Qty)
	if qty == 0 {
		return 0, true
	}

	r, rerr := e.rules.Get(ctx, symbol)
	step := 0.0
	if rerr == nil {
		step = r.StepSize
	}

	attempt := qty
	for i := 0; i < closeAttempts; i++ {
		if attempt <= 0 {
			break
		}
		if err := e.ex.ReduceOnlyClose(ctx, symbol, pos.Side, attempt); err != nil {
			log.Printf("engine.closeOnVenue | %s reduce-only %.8f: %v", symbol, attempt, err)
			attempt = gate.FloorToStep(attempt-step, step)
			continue
		}
		metrics.OrdersPlaced.WithLabelValues("REDUCE_ONLY").Inc()
		return qty, true
	}

	trigger := pos.Entry
	if tick, ok := e.stream.LastTick(symbol); ok && tick.Price > 0 {
		trigger = tick.Price
	}
	if err := e.ex.ClosePositionStop(ctx, symbol, pos.Side, trigger); err != nil {
		log.Printf("engine.closeOnVenue | %s close-position stop: %v", symbol, err)
		return qty, false
	}
	metrics.OrdersPlaced.WithLabelValues("CLOSE_STOP").Inc()
	return qty, false
}

// forceCloseResidual keeps retrying until the venue reports the symbol
// flat. Runs detached from the settlement call.
func (e *Engine) forceCloseResidual(symbol string, side position.Side) {
	for i := 0; i < 10; i++ {
		time.Sleep(3 * time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		venue, err := e.ex.FetchPosition(ctx, symbol)
		if err == nil && venue.Qty == 0 {
			cancel()
			return
		}
		if err == nil {
			if err := e.ex.ReduceOnlyClose(ctx, symbol, side, absf(venue.Qty)); err != nil {
				log.Printf("engine.forceCloseResidual | %s: %v", symbol, err)
			}
		}
		cancel()
	}
	log.Printf("engine.forceCloseResidual | %s still not flat, giving up", symbol)
}

// tradeFee returns the realized fee for the round trip. Live fees come
// from the venue's commission records; when none are found the fee is
// zero rather than estimated. Sim charges the two-sided taker estimate.
func (e *Engine) tradeFee(ctx context.Context, kind account.Kind, symbol string, pos *position.Position, qty, exitPx float64) float64 {
	if kind == account.Sim || !e.liveEnabled {
		rate := e.cfg.TakerFeePercent / 100
		return qty*pos.Entry*rate + qty*exitPx*rate
	}
	from := pos.OpenedAt.Add(-commissionSlack)
	to := time.Now().Add(commissionSlack)
	comms, err := e.ex.FetchCommission(ctx, symbol, from, to)
	if err != nil {
		log.Printf("engine.tradeFee | %s commissions: %v", symbol, err)
		return 0
	}
	total := 0.0
	for _, c := range comms {
		total += c.Amount
	}
	return total
}
