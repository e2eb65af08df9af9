// Package engine owns the order lifecycle: admission, placement, exit
// management, reconciliation against the venue, and settlement. One
// Engine instance drives both the live and the sim book.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/config"
	"github.com/UrbanHao/perpwatch/internal/db"
	"github.com/UrbanHao/perpwatch/internal/errs"
	"github.com/UrbanHao/perpwatch/internal/exchange"
	"github.com/UrbanHao/perpwatch/internal/gate"
	"github.com/UrbanHao/perpwatch/internal/journal"
	"github.com/UrbanHao/perpwatch/internal/market"
	"github.com/UrbanHao/perpwatch/internal/metrics"
	"github.com/UrbanHao/perpwatch/internal/ml"
	"github.com/UrbanHao/perpwatch/internal/notifier"
	"github.com/UrbanHao/perpwatch/internal/position"
	"github.com/UrbanHao/perpwatch/internal/rules"
	"github.com/UrbanHao/perpwatch/internal/signal"
	"github.com/UrbanHao/perpwatch/internal/sizing"
	"github.com/UrbanHao/perpwatch/internal/state"
)

// protectiveExitDelay gives the venue time to register the filled entry
// before the closePosition exit orders arrive.
const protectiveExitDelay = 2 * time.Second

// Engine wires the books together. All mutable collections are guarded;
// admission for a symbol is atomic under openMu.
type Engine struct {
	cfg      config.Config
	registry *market.Registry
	accounts map[account.Kind]*account.Account
	ex       exchange.Exchange
	rules    *rules.Cache
	gate     *gate.Gate
	sizer    *sizing.Sizer
	ml       *ml.Manager
	storage  db.Storage
	ledger   *journal.TradeLedger
	store    *state.Store
	notify   notifier.Notifier
	stream   exchange.MarketStream
	scanner  *signal.Scanner

	inflight map[account.Kind]*position.InFlightSet
	settled  *position.DedupSet
	losses   *position.LossTracker

	// openMu serializes the check-and-reserve step so two proposals for
	// one symbol cannot both pass admission.
	openMu sync.Mutex

	debounceMu sync.Mutex
	lastClose  map[string]time.Time

	backoffMu sync.Mutex
	backoff   time.Duration

	// reconcileNow wakes the reconcile loop ahead of its ticker.
	reconcileNow chan string

	liveEnabled bool
}

// Deps carries everything the engine needs. Live trading is enabled when
// Exchange is non-nil and LiveEnabled is set.
type Deps struct {
	Config      config.Config
	Registry    *market.Registry
	Accounts    map[account.Kind]*account.Account
	Exchange    exchange.Exchange
	Rules       *rules.Cache
	Gate        *gate.Gate
	Sizer       *sizing.Sizer
	ML          *ml.Manager
	Storage     db.Storage
	Ledger      *journal.TradeLedger
	SimStore    *state.Store
	Notifier    notifier.Notifier
	Stream      exchange.MarketStream
	Scanner     *signal.Scanner
	LiveEnabled bool
}

func New(d Deps) *Engine {
	e := &Engine{
		cfg:      d.Config,
		registry: d.Registry,
		accounts: d.Accounts,
		ex:       d.Exchange,
		rules:    d.Rules,
		gate:     d.Gate,
		sizer:    d.Sizer,
		ml:       d.ML,
		storage:  d.Storage,
		ledger:   d.Ledger,
		store:    d.SimStore,
		notify:   d.Notifier,
		stream:   d.Stream,
		scanner:  d.Scanner,
		inflight: map[account.Kind]*position.InFlightSet{
			account.Live: position.NewInFlightSet(),
			account.Sim:  position.NewInFlightSet(),
		},
		settled:      position.NewDedupSet(),
		losses:       position.NewLossTracker(d.Config.LossStreakLimit, d.Config.LossStreakSuspend),
		lastClose:    make(map[string]time.Time),
		backoff:      reconcileBackoffBase,
		reconcileNow: make(chan string, 16),
		liveEnabled:  d.LiveEnabled && d.Exchange != nil,
	}
	if e.notify == nil {
		e.notify = notifier.Noop{}
	}
	return e
}

// Kinds returns the books this engine trades.
func (e *Engine) Kinds() []account.Kind {
	if e.liveEnabled {
		return []account.Kind{account.Live, account.Sim}
	}
	return []account.Kind{account.Sim}
}

// InFlight exposes the per-book reservation set. Read-mostly; used by
// reconciliation and tests.
func (e *Engine) InFlight(kind account.Kind) *position.InFlightSet {
	return e.inflight[kind]
}

// Open runs one proposal through admission and placement on every book.
// Each book decides independently; a live rejection does not stop sim.
func (e *Engine) Open(ctx context.Context, p signal.Proposal) {
	for _, kind := range e.Kinds() {
		if err := e.openOne(ctx, kind, p); err != nil {
			reason := errs.Reason(err)
			metrics.Decisions.WithLabelValues(kind.String(), reason).Inc()
			if !errs.IsRejection(err) && !errs.IsValidation(err) {
				log.Printf("engine.Open | %s %s: %v", kind, p.Symbol, err)
			}
		} else {
			metrics.Decisions.WithLabelValues(kind.String(), "opened").Inc()
		}
	}
}

func (e *Engine) openOne(ctx context.Context, kind account.Kind, p signal.Proposal) error {
	now := time.Now()
	acct := e.accounts[kind]
	st := e.registry.Ensure(p.Symbol)

	if suspended, left := e.losses.Suspended(p.Symbol, now); suspended {
		return errs.Validation("loss_streak_suspended (%s left)", left.Round(time.Minute))
	}

	acct.ResetDailyIfNeeded(now)
	if ok, reason := acct.CanTrade(e.cfg.DailyTargetPercent, e.cfg.DailyMaxLossPercent); !ok {
		return errs.Validation("%s", reason)
	}

	// Model admission. Score applies per proposal, not per book; each
	// book still asks so a post-rejection threshold change is honored.
	take, prob, hasProb := e.ml.ShouldTake(p.Feature, now)
	if !take {
		return errs.Validation("ml_below_threshold")
	}

	// Atomic admission: position check, in-flight check, concurrency cap,
	// and reservation happen under one lock.
	e.openMu.Lock()
	if st.Position(kind) != nil {
		e.openMu.Unlock()
		return errs.Validation("position_exists")
	}
	if e.inflight[kind].Has(p.Symbol) {
		e.openMu.Unlock()
		return errs.Validation("order_in_flight")
	}
	if e.registry.OpenCount(kind)+e.inflight[kind].Len() >= e.cfg.MaxConcurrent {
		e.openMu.Unlock()
		return errs.Validation("max_concurrent")
	}
	e.inflight[kind].Reserve(p.Symbol)
	e.openMu.Unlock()

	pos, err := e.place(ctx, kind, st, p, prob, hasProb)
	if err != nil {
		e.inflight[kind].Release(p.Symbol)
		return err
	}

	st.SetPosition(kind, pos)
	e.inflight[kind].Release(p.Symbol)
	metrics.OpenPositions.WithLabelValues(kind.String()).Set(float64(e.registry.OpenCount(kind)))

	e.logEvent(ctx, "open", fmt.Sprintf("%s %s %s", kind, p.Symbol, pos.Side), map[string]any{
		"symbol": p.Symbol, "account": kind.String(), "side": string(pos.Side),
		"entry": pos.Entry, "sl": pos.Stop, "tp": pos.Target, "qty": pos.Qty,
		"pos_uid": pos.UniqueID, "reason": p.Reason,
	})
	e.ml.RecordOpen(kind, p.Symbol, pos.Features, prob, hasProb)
	if kind == account.Sim {
		e.saveSimState()
	}
	go e.notify.SendWithRetry(fmt.Sprintf("OPEN %s %s %s qty=%.6f entry=%.4f sl=%.4f tp=%.4f",
		kind, p.Symbol, pos.Side, pos.Qty, pos.Entry, pos.Stop, pos.Target))
	return nil
}

// place runs the gate, sizes, and executes on one book. The in-flight
// reservation is already held.
func (e *Engine) place(ctx context.Context, kind account.Kind, st *market.State, p signal.Proposal, prob float64, hasProb bool) (*position.Position, error) {
	acct := e.accounts[kind]

	if p.Stop == 0 || p.Target == 0 {
		// Bare directional proposal: derive exits from the market.
		p.Stop, p.Target = e.initialExits(st, p.Side, p.Entry)
	}

	dec, err := e.gate.Check(ctx, p.Symbol, p.Side, p.Entry, p.Stop, p.Target, acct)
	if err != nil {
		return nil, err
	}

	r, err := e.rules.Get(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}

	riskPct := e.sizer.BaseRiskPct()
	if e.ml.Active() && hasProb {
		riskPct = e.sizer.ScaledRiskPct(prob, e.ml.Threshold())
	}
	qty := e.sizer.Quantity(dec.Entry, dec.Stop, acct.Balance(), acct.AvailableMargin(), riskPct)
	qty = gate.FloorToStep(qty, r.StepSize)
	if qty < r.MinQty || qty*dec.Entry < r.MinNotional {
		return nil, errs.Validation("gate_block: sized qty %v below venue minimum", qty)
	}

	feat := p.Feature
	if feat == nil {
		feat = st.FallbackFeatures()
	}

	pos := &position.Position{
		Side:         p.Side,
		Qty:          qty,
		Entry:        dec.Entry,
		Stop:         dec.Stop,
		Target:       dec.Target,
		OpenedAt:     time.Now(),
		RiskDistance: absf(dec.Entry - dec.Stop),
		UniqueID:     position.NewUniqueID(kind, p.Symbol, time.Now()),
		Features:     feat,
		Prob:         prob,
		HasProb:      hasProb,
	}

	if kind == account.Sim {
		// Synthetic fill at the freshest price we have.
		if tick, ok := e.stream.LastTick(p.Symbol); ok && tick.Price > 0 {
			pos.Entry = tick.Price
			pos.Stop, pos.Target = gate.AlignExits(p.Side, pos.Entry, dec.Stop, dec.Target, r.TickSize)
			pos.RiskDistance = absf(pos.Entry - pos.Stop)
		}
		return pos, nil
	}

	if err := e.ex.SetupLeverage(ctx, p.Symbol, e.cfg.Leverage); err != nil {
		return nil, err
	}
	// Order hygiene: no stale exits may survive into the new position.
	if err := e.ex.CancelAllOrders(ctx, p.Symbol); err != nil {
		log.Printf("engine.place | %s cancel before entry: %v", p.Symbol, err)
	}

	fill, err := e.ex.MarketEntry(ctx, p.Symbol, p.Side, qty)
	if err != nil {
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues("MARKET").Inc()

	if fill.AvgPrice > 0 {
		pos.Entry = fill.AvgPrice
		pos.Stop, pos.Target = gate.AlignExits(p.Side, pos.Entry, dec.Stop, dec.Target, r.TickSize)
		pos.RiskDistance = absf(pos.Entry - pos.Stop)
	}
	if fill.Qty > 0 {
		pos.Qty = fill.Qty
	}

	// The entry is live even if the protective orders fail; reconciliation
	// and the retarget loop retry exits rather than abandoning the fill.
	go func() {
		timer := time.NewTimer(protectiveExitDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		exCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.ex.PlaceProtectiveExits(exCtx, p.Symbol, p.Side, pos.Stop, pos.Target); err != nil {
			log.Printf("engine.place | %s protective exits: %v", p.Symbol, err)
			e.logEvent(exCtx, "error", "protective exits failed", map[string]any{
				"symbol": p.Symbol, "error": err.Error(),
			})
			return
		}
		metrics.OrdersPlaced.WithLabelValues("STOP_MARKET").Inc()
		metrics.OrdersPlaced.WithLabelValues("TAKE_PROFIT_MARKET").Inc()
	}()

	return pos, nil
}

func (e *Engine) logEvent(ctx context.Context, typ, desc string, data map[string]any) {
	if e.storage == nil {
		return
	}
	if err := e.storage.LogEvent(ctx, journal.Event{
		Time: time.Now().UTC(), Type: typ, Description: desc, Data: data,
	}); err != nil {
		log.Printf("engine.logEvent | %s: %v", typ, err)
	}
}

// saveSimState snapshots the sim book. Errors are logged, not fatal.
func (e *Engine) saveSimState() {
	if e.store == nil {
		return
	}
	positions := make(map[string]*position.Position)
	for _, sym := range e.registry.Symbols() {
		if st := e.registry.Get(sym); st != nil {
			if p := st.Position(account.Sim); p != nil {
				positions[sym] = p
			}
		}
	}
	if err := e.store.Save(e.accounts[account.Sim], positions); err != nil {
		log.Printf("engine.saveSimState | %v", err)
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
