// Package account
package account

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind selects one of the two parallel books.
type Kind int

const (
	Live Kind = iota
	Sim
)

func (k Kind) String() string {
	if k == Live {
		return "LIVE"
	}
	return "SIM"
}

// ParseKind normalizes the string-typed account names used at the boundary
// (config, push events, persisted rows) into the closed enumeration.
// Historical aliases POS1/POS2 map to LIVE/SIM.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIVE", "POS1", "REAL":
		return Live, nil
	case "SIM", "POS2", "PAPER":
		return Sim, nil
	default:
		return Live, fmt.Errorf("unknown account kind %q", s)
	}
}

// Kinds lists both books in a stable order.
func Kinds() [2]Kind { return [2]Kind{Live, Sim} }

// Trade is one settled position, as appended to the ledger.
type Trade struct {
	Time     time.Time `json:"ts"`
	Account  string    `json:"account"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Entry    float64   `json:"entry"`
	Exit     float64   `json:"exit"`
	Qty      float64   `json:"qty"`
	NetPnL   float64   `json:"pnl_cash"`
	NetPct   float64   `json:"net_pct"`
	Fee      float64   `json:"fee_usdt"`
	RiskR    float64   `json:"risk_R"`
	UniqueID string    `json:"pos_uid"`
	Reason   string    `json:"reason"`
}

// Account is one ledger: equity/balance, the daily PnL baseline, the
// realized-PnL accumulator, and the trade history. The Live balance is an
// external fact refreshed from the venue; Sim's is mutated on settlement only.
type Account struct {
	mu sync.RWMutex

	kind             Kind
	balance          float64
	dailyStartEquity float64
	dailyPnl         float64
	totalPnl         float64
	trades           []Trade

	// Live-only fields filled by the balance sync worker.
	wallet     float64
	available  float64
	unrealized float64
	synced     bool

	lastReset time.Time
}

func New(kind Kind, startBalance float64) *Account {
	return &Account{kind: kind, balance: startBalance}
}

func (a *Account) Kind() Kind { return a.kind }

func (a *Account) Balance() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.balance
}

// AvailableMargin returns the venue-reported available balance for a synced
// Live account, and the spendable balance otherwise.
func (a *Account) AvailableMargin() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.kind == Live && a.synced {
		return a.available
	}
	return a.balance
}

func (a *Account) DailyPnl() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dailyPnl
}

func (a *Account) DailyStartEquity() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.dailyStartEquity > 0 {
		return a.dailyStartEquity
	}
	return a.balance
}

func (a *Account) TotalPnl() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totalPnl
}

// Settle books the net result of one closed position. The realized
// accumulator always moves; only the Sim book mutates its spendable balance
// and daily PnL here, the Live equity is synced from the venue.
func (a *Account) Settle(netPnL float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalPnl += netPnL
	if a.kind == Sim {
		a.balance += netPnL
		a.dailyPnl += netPnL
	}
}

// AppendTrade adds one row to the in-memory history.
func (a *Account) AppendTrade(t Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trades = append(a.trades, t)
}

// Trades returns up to limit most recent rows (all rows for limit <= 0).
func (a *Account) Trades(limit int) []Trade {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := len(a.trades)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Trade, n)
	copy(out, a.trades[len(a.trades)-n:])
	return out
}

// SyncLive overwrites the Live book with venue-reported equity. The daily
// baseline is set lazily: only once a real equity figure exists.
func (a *Account) SyncLive(wallet, available, unrealized float64, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	equity := wallet + unrealized
	a.balance = equity
	a.wallet = wallet
	a.available = available
	a.unrealized = unrealized
	a.synced = true

	today := now.Truncate(24 * time.Hour)
	if a.lastReset.IsZero() || !a.lastReset.Equal(today) || a.dailyStartEquity == 0 {
		a.dailyStartEquity = equity
		a.dailyPnl = 0
		a.lastReset = today
	} else {
		a.dailyPnl = equity - a.dailyStartEquity
	}
}

// ResetDailyIfNeeded rolls the daily baseline at midnight. For Live the reset
// is deferred to SyncLive so the baseline is a real equity figure, never a
// stale local one.
func (a *Account) ResetDailyIfNeeded(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.kind == Live && !a.synced {
		return
	}
	today := now.Truncate(24 * time.Hour)
	if a.lastReset.IsZero() || !a.lastReset.Equal(today) {
		a.dailyStartEquity = a.balance
		a.dailyPnl = 0
		a.lastReset = today
	}
}

// CanTrade applies the daily circuit breakers: stop after hitting the daily
// profit target or the daily max loss. Both limits are percents of the
// daily start equity.
func (a *Account) CanTrade(targetPct, maxLossPct float64) (bool, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	base := a.dailyStartEquity
	if base == 0 {
		base = a.balance
	}
	if targetPct > 0 && a.dailyPnl >= base*targetPct/100 {
		return false, "daily_target_hit"
	}
	if maxLossPct > 0 && a.dailyPnl <= -base*maxLossPct/100 {
		return false, "daily_max_loss_hit"
	}
	return true, ""
}

// RestoreLedger overwrites the ledger fields from a persisted snapshot.
func (a *Account) RestoreLedger(balance, dailyStartEquity, dailyPnl, totalPnl float64, trades []Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = balance
	a.dailyStartEquity = dailyStartEquity
	a.dailyPnl = dailyPnl
	a.totalPnl = totalPnl
	a.trades = append([]Trade(nil), trades...)
}
