// Package exchange abstracts the perpetual futures venue: REST order
// placement, account/position reads, and the streaming feeds the engine
// consumes.
package exchange

import (
	"context"
	"time"

	"github.com/UrbanHao/perpwatch/internal/position"
	"github.com/UrbanHao/perpwatch/internal/rules"
)

// PositionInfo is a venue-reported position. Qty is signed: positive for
// long, negative for short, zero for flat.
type PositionInfo struct {
	Symbol string
	Qty    float64
	Entry  float64
	Mark   float64
}

// Side returns the direction implied by the signed quantity.
func (p PositionInfo) Side() position.Side {
	if p.Qty < 0 {
		return position.Short
	}
	return position.Long
}

// Balance is a venue-reported futures wallet snapshot.
type Balance struct {
	Wallet     float64
	Available  float64
	Unrealized float64
}

// Fill is the venue's report of an executed entry order.
type Fill struct {
	OrderID  int64
	AvgPrice float64
	Qty      float64
}

// Commission is a realized fee record attributed to a symbol.
type Commission struct {
	Symbol string
	Asset  string
	Amount float64
	Time   time.Time
}

// Tick is the latest traded price for a symbol.
type Tick struct {
	Symbol string
	Price  float64
	Qty    float64
	Time   time.Time
}

// Bar is a closed kline as delivered by the market stream.
type Bar struct {
	Symbol    string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Closed    bool
}

// AccountEvent is a push notification from the user-data stream. The
// engine treats any event as a hint to reconcile the named symbol
// immediately instead of waiting for the next poll.
type AccountEvent struct {
	Type   string
	Symbol string
	Time   time.Time
}

// User-data event types the engine reacts to.
const (
	EventOrderUpdate   = "ORDER_TRADE_UPDATE"
	EventAccountUpdate = "ACCOUNT_UPDATE"
)

// Exchange is the venue surface the engine depends on. The live
// implementation talks to Binance USDT-M futures; tests use a mock.
type Exchange interface {
	rules.Source

	// FetchPositions returns all non-flat venue positions. The result is
	// authoritative: a symbol absent from it is flat on the venue.
	FetchPositions(ctx context.Context) ([]PositionInfo, error)

	// FetchPosition returns the venue position for one symbol. A flat
	// position is reported as Qty == 0, not as an error.
	FetchPosition(ctx context.Context, symbol string) (PositionInfo, error)

	FetchBalance(ctx context.Context) (Balance, error)

	// SetupLeverage sets isolated margin and the given leverage on the
	// symbol. Idempotent; "no need to change" venue errors are swallowed.
	SetupLeverage(ctx context.Context, symbol string, leverage int) error

	// MarketEntry places a market order and returns the fill.
	MarketEntry(ctx context.Context, symbol string, side position.Side, qty float64) (Fill, error)

	// PlaceProtectiveExits places close-position stop-market and
	// take-profit-market orders at the given trigger prices.
	PlaceProtectiveExits(ctx context.Context, symbol string, side position.Side, stop, target float64) error

	// ReduceOnlyClose sends a reduce-only market order against an open
	// position of the given side.
	ReduceOnlyClose(ctx context.Context, symbol string, side position.Side, qty float64) error

	// ClosePositionStop places a close-position stop-market at the given
	// trigger. Used as a fallback when reduce-only closes keep bouncing.
	ClosePositionStop(ctx context.Context, symbol string, side position.Side, trigger float64) error

	CancelAllOrders(ctx context.Context, symbol string) error

	// FetchCommission returns realized commissions for the symbol within
	// the window.
	FetchCommission(ctx context.Context, symbol string, from, to time.Time) ([]Commission, error)
}

// MarketStream delivers ticks and closed bars for the watched symbols.
type MarketStream interface {
	Start(ctx context.Context, symbols []string)
	Bars() <-chan Bar
	LastTick(symbol string) (Tick, bool)
	Close()
}

// UserStream delivers account push events for the live account.
type UserStream interface {
	Start(ctx context.Context) error
	Events() <-chan AccountEvent
	Close()
}
