package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/candle"
	"github.com/UrbanHao/perpwatch/internal/exchange"
	"github.com/UrbanHao/perpwatch/internal/metrics"
)

const tickPollInterval = 500 * time.Millisecond

// Run starts every worker loop and blocks until ctx is done and the
// workers have drained.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup

	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("engine.Run | %s worker panicked: %v", name, r)
					e.notify.SendWithRetry("PANIC in " + name + " worker")
				}
			}()
			fn(ctx)
		}()
	}

	start("bars", e.runBars)
	start("ticks", e.runTicks)
	start("reconcile", e.runReconcile)
	start("retarget", e.runRetarget)
	start("balance", e.runBalanceSync)
	start("autosave", e.runAutosave)
	start("daily", e.runDailyReset)

	wg.Wait()
}

// ConsumeAccountEvents turns user-stream pushes into reconcile triggers.
// Run as its own goroutine; returns when the channel closes.
func (e *Engine) ConsumeAccountEvents(ctx context.Context, events <-chan exchange.AccountEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.TriggerReconcile(ev.Symbol)
		}
	}
}

// runBars ingests closed bars, refreshes the model score, and feeds the
// scanner.
func (e *Engine) runBars(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-e.stream.Bars():
			if !ok {
				return
			}
			st := e.registry.Ensure(bar.Symbol)
			st.AppendBar(candle.Candle{
				Timestamp: bar.OpenTime,
				Open:      bar.Open,
				High:      bar.High,
				Low:       bar.Low,
				Close:     bar.Close,
				Volume:    bar.Volume,
			})

			if feat, ok := st.Features(); ok {
				if p, scored := e.ml.Score(feat); scored {
					st.SetScore(p, time.Now())
				}
			}

			if e.scanner != nil {
				if p, ok := e.scanner.Scan(bar.Symbol, time.Now()); ok {
					e.Open(ctx, p)
				}
			}
		}
	}
}

// runTicks polls the stream's last tick per symbol. The stream keeps
// only the freshest trade; half a second of latency is tolerable for
// exit checks because protective orders sit on the venue anyway.
func (e *Engine) runTicks(ctx context.Context) {
	ticker := time.NewTicker(tickPollInterval)
	defer ticker.Stop()
	lastSeen := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range e.registry.Symbols() {
				tick, ok := e.stream.LastTick(sym)
				if !ok || !tick.Time.After(lastSeen[sym]) {
					continue
				}
				lastSeen[sym] = tick.Time
				e.OnTick(ctx, sym, tick.Price)
			}
		}
	}
}

func (e *Engine) runRetarget(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RetargetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RetargetAll(ctx)
		}
	}
}

// runBalanceSync refreshes the live ledger from the venue wallet.
func (e *Engine) runBalanceSync(ctx context.Context) {
	if !e.liveEnabled {
		return
	}
	ticker := time.NewTicker(e.cfg.BalanceInterval)
	defer ticker.Stop()
	acct := e.accounts[account.Live]
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var bal exchange.Balance
			err := e.notify.RetryWithNotification(func() error {
				b, err := e.ex.FetchBalance(ctx)
				if err == nil {
					bal = b
				}
				return err
			}, "balance sync")
			if err != nil {
				log.Printf("engine.balance | %v", err)
				continue
			}
			acct.SyncLive(bal.Wallet, bal.Available, bal.Unrealized, time.Now())
			metrics.Equity.WithLabelValues(account.Live.String()).Set(bal.Wallet)
			metrics.DailyPnl.WithLabelValues(account.Live.String()).Set(acct.DailyPnl())
		}
	}
}

func (e *Engine) runAutosave(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final snapshot on the way out.
			e.saveSimState()
			return
		case <-ticker.C:
			e.saveSimState()
			metrics.Equity.WithLabelValues(account.Sim.String()).Set(e.accounts[account.Sim].Balance())
			metrics.DailyPnl.WithLabelValues(account.Sim.String()).Set(e.accounts[account.Sim].DailyPnl())
		}
	}
}

// runDailyReset rolls the daily PnL baseline at local midnight.
func (e *Engine) runDailyReset(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, kind := range e.Kinds() {
				e.accounts[kind].ResetDailyIfNeeded(now)
			}
		}
	}
}
