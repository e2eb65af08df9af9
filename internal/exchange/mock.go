package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/UrbanHao/perpwatch/internal/position"
	"github.com/UrbanHao/perpwatch/internal/rules"
)

// OrderRecord captures one order sent through the mock.
type OrderRecord struct {
	Symbol  string
	Side    position.Side
	Type    string
	Qty     float64
	Trigger float64
}

// Mock is an in-memory Exchange for tests. Behavior is driven by the
// exported maps and error slots; every order is recorded.
type Mock struct {
	mu sync.Mutex

	Rules       map[string]rules.Rules
	Positions   map[string]PositionInfo
	Bal         Balance
	Commissions []Commission

	FillPrice float64

	RulesErr     error
	PositionsErr error
	EntryErr     error
	ExitsErr     error
	// ReduceOnlyErrs is consumed one per ReduceOnlyClose call, letting a
	// test fail the first N attempts.
	ReduceOnlyErrs []error

	Orders     []OrderRecord
	Cancels    []string
	Leverages  map[string]int
	CloseCalls int
}

func NewMock() *Mock {
	return &Mock{
		Rules:     make(map[string]rules.Rules),
		Positions: make(map[string]PositionInfo),
		Leverages: make(map[string]int),
	}
}

func (m *Mock) FetchRules(ctx context.Context, symbol string) (rules.Rules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RulesErr != nil {
		return rules.Rules{}, m.RulesErr
	}
	if r, ok := m.Rules[symbol]; ok {
		return r, nil
	}
	return rules.Rules{StepSize: 0.001, MinQty: 0.001, TickSize: 0.01, MinNotional: 5}, nil
}

func (m *Mock) FetchPositions(ctx context.Context) ([]PositionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	var out []PositionInfo
	for _, p := range m.Positions {
		if p.Qty != 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Mock) FetchPosition(ctx context.Context, symbol string) (PositionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return PositionInfo{}, m.PositionsErr
	}
	if p, ok := m.Positions[symbol]; ok {
		return p, nil
	}
	return PositionInfo{Symbol: symbol}, nil
}

func (m *Mock) FetchBalance(ctx context.Context) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Bal, nil
}

func (m *Mock) SetupLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leverages[symbol] = leverage
	return nil
}

func (m *Mock) MarketEntry(ctx context.Context, symbol string, side position.Side, qty float64) (Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EntryErr != nil {
		return Fill{}, m.EntryErr
	}
	m.Orders = append(m.Orders, OrderRecord{Symbol: symbol, Side: side, Type: "MARKET", Qty: qty})
	m.Positions[symbol] = PositionInfo{
		Symbol: symbol,
		Qty:    qty * side.Sign(),
		Entry:  m.FillPrice,
		Mark:   m.FillPrice,
	}
	return Fill{OrderID: int64(len(m.Orders)), AvgPrice: m.FillPrice, Qty: qty}, nil
}

func (m *Mock) PlaceProtectiveExits(ctx context.Context, symbol string, side position.Side, stop, target float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExitsErr != nil {
		return m.ExitsErr
	}
	close := side.Opposite()
	m.Orders = append(m.Orders,
		OrderRecord{Symbol: symbol, Side: close, Type: "STOP_MARKET", Trigger: stop},
		OrderRecord{Symbol: symbol, Side: close, Type: "TAKE_PROFIT_MARKET", Trigger: target},
	)
	return nil
}

func (m *Mock) ReduceOnlyClose(ctx context.Context, symbol string, side position.Side, qty float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	if len(m.ReduceOnlyErrs) > 0 {
		err := m.ReduceOnlyErrs[0]
		m.ReduceOnlyErrs = m.ReduceOnlyErrs[1:]
		if err != nil {
			return err
		}
	}
	m.Orders = append(m.Orders, OrderRecord{Symbol: symbol, Side: side.Opposite(), Type: "REDUCE_ONLY", Qty: qty})
	if p, ok := m.Positions[symbol]; ok {
		remaining := p.Qty - qty*side.Sign()
		if remaining*side.Sign() <= 0 {
			remaining = 0
		}
		p.Qty = remaining
		m.Positions[symbol] = p
	}
	return nil
}

func (m *Mock) ClosePositionStop(ctx context.Context, symbol string, side position.Side, trigger float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders = append(m.Orders, OrderRecord{Symbol: symbol, Side: side.Opposite(), Type: "CLOSE_STOP", Trigger: trigger})
	return nil
}

func (m *Mock) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancels = append(m.Cancels, symbol)
	return nil
}

func (m *Mock) FetchCommission(ctx context.Context, symbol string, from, to time.Time) ([]Commission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Commission
	for _, c := range m.Commissions {
		if c.Symbol == symbol && !c.Time.Before(from) && !c.Time.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

// SetPosition overwrites the venue position for a symbol. A zero qty
// stores a flat row that still carries a mark price, the way
// positionRisk reports closed symbols.
func (m *Mock) SetPosition(symbol string, qty, entry, mark float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions[symbol] = PositionInfo{Symbol: symbol, Qty: qty, Entry: entry, Mark: mark}
}

// OrdersOfType filters recorded orders by type.
func (m *Mock) OrdersOfType(typ string) []OrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OrderRecord
	for _, o := range m.Orders {
		if o.Type == typ {
			out = append(out, o)
		}
	}
	return out
}
