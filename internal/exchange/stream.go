package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	futuresStreamHost        = "fstream.binance.com"
	futuresTestnetStreamHost = "stream.binancefuture.com"

	streamReadTimeout  = 90 * time.Second
	streamMaxRetry     = 60 * time.Second
	barChannelBuffer   = 256
)

// ConnectionState reports the websocket session state for health checks.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// combinedMessage is the envelope of the combined-stream endpoint:
// {"stream":"btcusdt@aggTrade","data":{...}}.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type aggTradeEvent struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Qty    string `json:"q"`
	Time   int64  `json:"T"`
}

type klineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		Start  int64  `json:"t"`
		Open   string `json:"o"`
		High   string `json:"h"`
		Low    string `json:"l"`
		Close  string `json:"c"`
		Volume string `json:"v"`
		Final  bool   `json:"x"`
	} `json:"k"`
}

// BinanceMarketStream subscribes to aggTrade and 1m kline streams for a
// set of symbols over one combined websocket connection. Only the last
// tick per symbol is retained; closed bars are delivered on a channel.
type BinanceMarketStream struct {
	mu         sync.RWMutex
	host       string
	symbols    []string
	state      ConnectionState
	healthErr  error
	conn       *websocket.Conn
	closed     bool
	cancelFunc context.CancelFunc

	lastTick map[string]Tick
	bars     chan Bar
}

// NewBinanceMarketStream builds a market stream manager. Start must be
// called before any data flows.
func NewBinanceMarketStream(testnet bool) *BinanceMarketStream {
	host := futuresStreamHost
	if testnet {
		host = futuresTestnetStreamHost
	}
	return &BinanceMarketStream{
		host:     host,
		state:    Disconnected,
		lastTick: make(map[string]Tick),
		bars:     make(chan Bar, barChannelBuffer),
	}
}

// Bars returns the closed-bar channel. Bars are dropped, not blocked on,
// when the consumer falls behind.
func (m *BinanceMarketStream) Bars() <-chan Bar { return m.bars }

// LastTick returns the most recent trade for the symbol, if any.
func (m *BinanceMarketStream) LastTick(symbol string) (Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastTick[symbol]
	return t, ok
}

// IsConnected reports whether the stream session is live.
func (m *BinanceMarketStream) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == Connected && m.conn != nil
}

// Health returns the last connection error, if any.
func (m *BinanceMarketStream) Health() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthErr
}

// Start connects and streams until ctx is done, reconnecting with a
// doubling delay on failure.
func (m *BinanceMarketStream) Start(ctx context.Context, symbols []string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.symbols = append([]string(nil), symbols...)
	m.state = Connecting
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel

	go func() {
		defer m.Close()
		retryDelay := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := m.connectAndStream(ctx); err != nil {
					m.mu.Lock()
					m.state = Reconnecting
					m.healthErr = err
					m.mu.Unlock()
					log.Printf("MarketStream | Disconnected, retrying in %v: %v", retryDelay, err)
					select {
					case <-ctx.Done():
						return
					case <-time.After(retryDelay):
					}
					if retryDelay < streamMaxRetry {
						retryDelay *= 2
					} else {
						retryDelay = streamMaxRetry
					}
					continue
				}
				return
			}
		}
	}()
}

// Close tears down the session and the bar channel.
func (m *BinanceMarketStream) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	if m.conn != nil {
		m.conn.Close()
	}
	close(m.bars)
	log.Printf("MarketStream | Closed (%d symbols)", len(m.symbols))
}

func (m *BinanceMarketStream) streamURL() string {
	parts := make([]string, 0, len(m.symbols)*2)
	for _, s := range m.symbols {
		lower := strings.ToLower(s)
		parts = append(parts, lower+"@aggTrade", lower+"@kline_1m")
	}
	return fmt.Sprintf("wss://%s/stream?streams=%s", m.host, strings.Join(parts, "/"))
}

// connectAndStream handles a single websocket session.
func (m *BinanceMarketStream) connectAndStream(ctx context.Context) error {
	m.mu.Lock()
	m.state = Connecting
	m.healthErr = nil
	m.mu.Unlock()

	c, _, err := websocket.DefaultDialer.DialContext(ctx, m.streamURL(), nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = c
	m.state = Connected
	m.mu.Unlock()

	log.Printf("MarketStream | Connection established for %d symbols", len(m.symbols))
	defer func() {
		c.Close()
		m.mu.Lock()
		m.conn = nil
		m.state = Disconnected
		m.mu.Unlock()
	}()

	// Binance pings every ~3 minutes; answer with pong and refresh the
	// read deadline so a dead peer is detected.
	c.SetReadDeadline(time.Now().Add(streamReadTimeout))
	c.SetPingHandler(func(data string) error {
		c.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, raw, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.SetReadDeadline(time.Now().Add(streamReadTimeout))
		m.handleMessage(raw)
	}
}

func (m *BinanceMarketStream) handleMessage(raw []byte) {
	var env combinedMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("MarketStream | Bad envelope: %v", err)
		return
	}
	switch {
	case strings.HasSuffix(env.Stream, "@aggTrade"):
		var ev aggTradeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		m.mu.Lock()
		m.lastTick[ev.Symbol] = Tick{
			Symbol: ev.Symbol,
			Price:  parseF(ev.Price),
			Qty:    parseF(ev.Qty),
			Time:   time.UnixMilli(ev.Time),
		}
		m.mu.Unlock()
	case strings.Contains(env.Stream, "@kline_"):
		var ev klineEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		if !ev.Kline.Final {
			return
		}
		bar := Bar{
			Symbol:   ev.Symbol,
			OpenTime: time.UnixMilli(ev.Kline.Start),
			Open:     parseF(ev.Kline.Open),
			High:     parseF(ev.Kline.High),
			Low:      parseF(ev.Kline.Low),
			Close:    parseF(ev.Kline.Close),
			Volume:   parseF(ev.Kline.Volume),
			Closed:   true,
		}
		select {
		case m.bars <- bar:
		default:
			log.Printf("MarketStream | Bar channel full, dropping %s bar", bar.Symbol)
		}
	}
}
