package exchange

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"github.com/UrbanHao/perpwatch/internal/candle"
	"github.com/UrbanHao/perpwatch/internal/errs"
	"github.com/UrbanHao/perpwatch/internal/position"
	"github.com/UrbanHao/perpwatch/internal/rules"
)

// Binance venue error code for "No need to change margin type".
const codeNoNeedChangeMarginType = -4046

// Binance implements Exchange against Binance USDT-M futures.
type Binance struct {
	client *futures.Client
}

// NewBinance builds a futures client. When testnet is set, orders go to
// the Binance futures testnet instead of production.
func NewBinance(apiKey, secretKey string, testnet bool) *Binance {
	futures.UseTestnet = testnet
	return &Binance{client: futures.NewClient(apiKey, secretKey)}
}

// Client exposes the underlying futures client for the user stream.
func (b *Binance) Client() *futures.Client { return b.client }

// FetchRules reads symbol filters from exchangeInfo.
func (b *Binance) FetchRules(ctx context.Context, symbol string) (rules.Rules, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return rules.Rules{}, errs.Transient("exchange_info", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		r := rules.Rules{}
		if f := s.LotSizeFilter(); f != nil {
			r.StepSize = parseF(f.StepSize)
			r.MinQty = parseF(f.MinQuantity)
		}
		if f := s.PriceFilter(); f != nil {
			r.TickSize = parseF(f.TickSize)
		}
		if f := s.MinNotionalFilter(); f != nil {
			r.MinNotional = parseF(f.Notional)
		}
		if err := r.Validate(); err != nil {
			return rules.Rules{}, err
		}
		return r, nil
	}
	return rules.Rules{}, errs.Validation("symbol %s not found in exchange info", symbol)
}

// FetchPositions returns all non-flat positions on the account.
func (b *Binance) FetchPositions(ctx context.Context) ([]PositionInfo, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, errs.Transient("position_risk", err)
	}
	var out []PositionInfo
	for _, r := range risks {
		qty := parseF(r.PositionAmt)
		if qty == 0 {
			continue
		}
		out = append(out, PositionInfo{
			Symbol: r.Symbol,
			Qty:    qty,
			Entry:  parseF(r.EntryPrice),
			Mark:   parseF(r.MarkPrice),
		})
	}
	return out, nil
}

// FetchPosition returns the venue position for one symbol, flat as Qty 0.
func (b *Binance) FetchPosition(ctx context.Context, symbol string) (PositionInfo, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return PositionInfo{}, errs.Transient("position_risk", err)
	}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		return PositionInfo{
			Symbol: r.Symbol,
			Qty:    parseF(r.PositionAmt),
			Entry:  parseF(r.EntryPrice),
			Mark:   parseF(r.MarkPrice),
		}, nil
	}
	return PositionInfo{Symbol: symbol}, nil
}

func (b *Binance) FetchBalance(ctx context.Context) (Balance, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return Balance{}, errs.Transient("account", err)
	}
	return Balance{
		Wallet:     parseF(acct.TotalWalletBalance),
		Available:  parseF(acct.AvailableBalance),
		Unrealized: parseF(acct.TotalUnrealizedProfit),
	}, nil
}

// SetupLeverage switches the symbol to isolated margin and sets leverage.
// The margin-type call is idempotent; the venue's "no need to change"
// response is not an error.
func (b *Binance) SetupLeverage(ctx context.Context, symbol string, leverage int) error {
	err := b.client.NewChangeMarginTypeService().
		Symbol(symbol).MarginType(futures.MarginTypeIsolated).Do(ctx)
	if err != nil && !isAPICode(err, codeNoNeedChangeMarginType) {
		return errs.Transient("change_margin_type", err)
	}
	_, err = b.client.NewChangeLeverageService().
		Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return errs.Transient("change_leverage", err)
	}
	return nil
}

func (b *Binance) MarketEntry(ctx context.Context, symbol string, side position.Side, qty float64) (Fill, error) {
	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide(side)).
		Type(futures.OrderTypeMarket).
		Quantity(fmtQty(qty)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return Fill{}, errs.Rejection("market_entry", err)
	}
	fill := Fill{
		OrderID:  res.OrderID,
		AvgPrice: parseF(res.AvgPrice),
		Qty:      parseF(res.ExecutedQuantity),
	}
	if fill.Qty == 0 {
		fill.Qty = qty
	}
	return fill, nil
}

// PlaceProtectiveExits places closePosition STOP_MARKET and
// TAKE_PROFIT_MARKET orders. Triggers use contract (last) price with
// price protection on.
func (b *Binance) PlaceProtectiveExits(ctx context.Context, symbol string, side position.Side, stop, target float64) error {
	closeSide := orderSide(side.Opposite())
	_, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(closeSide).
		Type(futures.OrderTypeStopMarket).
		StopPrice(fmtPx(stop)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeContractPrice).
		PriceProtect(true).
		Do(ctx)
	if err != nil {
		return errs.Rejection("place_stop", err)
	}
	_, err = b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(closeSide).
		Type(futures.OrderTypeTakeProfitMarket).
		StopPrice(fmtPx(target)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeContractPrice).
		PriceProtect(true).
		Do(ctx)
	if err != nil {
		return errs.Rejection("place_take_profit", err)
	}
	return nil
}

func (b *Binance) ReduceOnlyClose(ctx context.Context, symbol string, side position.Side, qty float64) error {
	_, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide(side.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(fmtQty(qty)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return errs.Rejection("reduce_only_close", err)
	}
	return nil
}

func (b *Binance) ClosePositionStop(ctx context.Context, symbol string, side position.Side, trigger float64) error {
	_, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide(side.Opposite())).
		Type(futures.OrderTypeStopMarket).
		StopPrice(fmtPx(trigger)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeContractPrice).
		Do(ctx)
	if err != nil {
		return errs.Rejection("close_position_stop", err)
	}
	return nil
}

func (b *Binance) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return errs.Transient("cancel_all_orders", err)
	}
	return nil
}

// FetchCommission lists account trades in the window and returns their
// commissions.
func (b *Binance) FetchCommission(ctx context.Context, symbol string, from, to time.Time) ([]Commission, error) {
	trades, err := b.client.NewListAccountTradeService().
		Symbol(symbol).
		StartTime(from.UnixMilli()).
		EndTime(to.UnixMilli()).
		Do(ctx)
	if err != nil {
		return nil, errs.Transient("account_trades", err)
	}
	out := make([]Commission, 0, len(trades))
	for _, t := range trades {
		out = append(out, Commission{
			Symbol: t.Symbol,
			Asset:  t.CommissionAsset,
			Amount: parseF(t.Commission),
			Time:   time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

// FetchKlines pulls recent closed candles over REST, used to warm the
// indicator buffers at startup.
func (b *Binance) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]candle.Candle, error) {
	ks, err := b.client.NewKlinesService().
		Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, errs.Transient("klines", err)
	}
	out := make([]candle.Candle, 0, len(ks))
	for _, k := range ks {
		out = append(out, candle.Candle{
			Timestamp: time.UnixMilli(k.OpenTime),
			Open:      parseF(k.Open),
			High:      parseF(k.High),
			Low:       parseF(k.Low),
			Close:     parseF(k.Close),
			Volume:    parseF(k.Volume),
		})
	}
	return out, nil
}

func orderSide(s position.Side) futures.SideType {
	if s == position.Short {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func isAPICode(err error, code int64) bool {
	if apiErr, ok := err.(*common.APIError); ok {
		return apiErr.Code == code
	}
	return false
}

func parseF(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if s != "" {
			log.Printf("parseF | unparseable value %q: %v", s, err)
		}
		return 0
	}
	return v
}

func fmtQty(q float64) string { return strconv.FormatFloat(q, 'f', -1, 64) }

func fmtPx(p float64) string { return fmt.Sprintf("%.8f", p) }
