package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
)

const (
	listenKeyKeepalive = 30 * time.Minute
	eventChannelBuffer = 64
)

// userStreamEnvelope carries just enough of a user-data payload to route
// it. ORDER_TRADE_UPDATE carries the symbol under "o", ACCOUNT_UPDATE
// has no single symbol.
type userStreamEnvelope struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
	Order struct {
		Symbol string `json:"s"`
	} `json:"o"`
}

// BinanceUserStream maintains the futures user-data stream: listen key
// creation, 30-minute keepalive, and reconnect on failure. Events are
// reduced to reconcile hints for the engine.
type BinanceUserStream struct {
	mu         sync.RWMutex
	client     *futures.Client
	host       string
	listenKey  string
	state      ConnectionState
	healthErr  error
	conn       *websocket.Conn
	closed     bool
	cancelFunc context.CancelFunc

	events chan AccountEvent
}

func NewBinanceUserStream(client *futures.Client, testnet bool) *BinanceUserStream {
	host := futuresStreamHost
	if testnet {
		host = futuresTestnetStreamHost
	}
	return &BinanceUserStream{
		client: client,
		host:   host,
		state:  Disconnected,
		events: make(chan AccountEvent, eventChannelBuffer),
	}
}

func (u *BinanceUserStream) Events() <-chan AccountEvent { return u.events }

func (u *BinanceUserStream) IsConnected() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state == Connected && u.conn != nil
}

func (u *BinanceUserStream) Health() error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.healthErr
}

// Start creates the listen key, spawns the keepalive loop, and streams
// until ctx is done. Only the initial listen-key creation is fatal.
func (u *BinanceUserStream) Start(ctx context.Context) error {
	key, err := u.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}

	u.mu.Lock()
	u.listenKey = key
	u.state = Connecting
	u.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	u.cancelFunc = cancel

	go u.keepaliveLoop(ctx)
	go func() {
		defer u.Close()
		retryDelay := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := u.connectAndStream(ctx); err != nil {
					u.mu.Lock()
					u.state = Reconnecting
					u.healthErr = err
					u.mu.Unlock()
					log.Printf("UserStream | Disconnected, retrying in %v: %v", retryDelay, err)
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
	return nil
}

func (u *BinanceUserStream) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	key := u.listenKey
	if u.cancelFunc != nil {
		u.cancelFunc()
	}
	if u.conn != nil {
		u.conn.Close()
	}
	close(u.events)
	u.mu.Unlock()

	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := u.client.NewCloseUserStreamService().ListenKey(key).Do(ctx); err != nil {
			log.Printf("UserStream | Close listen key: %v", err)
		}
	}
	log.Printf("UserStream | Closed")
}

// keepaliveLoop pings the listen key every 30 minutes. A failed ping
// recreates the key; the stream loop reconnects with the new one.
func (u *BinanceUserStream) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.mu.RLock()
			key := u.listenKey
			u.mu.RUnlock()
			err := u.client.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx)
			if err == nil {
				continue
			}
			log.Printf("UserStream | Keepalive failed, recreating listen key: %v", err)
			newKey, err := u.client.NewStartUserStreamService().Do(ctx)
			if err != nil {
				log.Printf("UserStream | Listen key recreation failed: %v", err)
				continue
			}
			u.mu.Lock()
			u.listenKey = newKey
			if u.conn != nil {
				u.conn.Close()
			}
			u.mu.Unlock()
		}
	}
}

func (u *BinanceUserStream) connectAndStream(ctx context.Context) error {
	u.mu.Lock()
	u.state = Connecting
	u.healthErr = nil
	key := u.listenKey
	u.mu.Unlock()

	url := fmt.Sprintf("wss://%s/ws/%s", u.host, key)
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.conn = c
	u.state = Connected
	u.mu.Unlock()

	log.Printf("UserStream | Connection established")
	defer func() {
		c.Close()
		u.mu.Lock()
		u.conn = nil
		u.state = Disconnected
		u.mu.Unlock()
	}()

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

		var env userStreamEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("UserStream | Bad payload: %v", err)
			continue
		}
		switch env.Event {
		case EventOrderUpdate, EventAccountUpdate:
			ev := AccountEvent{
				Type:   env.Event,
				Symbol: env.Order.Symbol,
				Time:   time.UnixMilli(env.Time),
			}
			select {
			case u.events <- ev:
			default:
				log.Printf("UserStream | Event channel full, dropping %s", ev.Type)
			}
		}
	}
}
