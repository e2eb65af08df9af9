package db

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/journal"
)

// MemoryStorage is the in-memory Storage used when no database is
// configured, and by tests.
type MemoryStorage struct {
	mu sync.RWMutex

	// Events (append-only)
	events []journal.Event

	// Trades keyed by account|pos_uid for settle idempotency
	trades     map[string]account.Trade
	tradeOrder []string
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		events: make([]journal.Event, 0, 1024),
		trades: make(map[string]account.Trade),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || e.Time.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStorage) DeleteEvents(ctx context.Context, eventType string, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	for _, e := range m.events {
		if e.Type == eventType && e.Time.Before(before) {
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return nil
}

func tradeKey(acct, uid string) string { return acct + "|" + uid }

func (m *MemoryStorage) SaveTrade(ctx context.Context, t account.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tradeKey(t.Account, t.UniqueID)
	if _, exists := m.trades[key]; exists {
		return nil
	}
	m.trades[key] = t
	m.tradeOrder = append(m.tradeOrder, key)
	return nil
}

func (m *MemoryStorage) GetTrades(ctx context.Context, acct string, start, end time.Time) ([]account.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []account.Trade
	for _, key := range m.tradeOrder {
		t := m.trades[key]
		if t.Account != acct {
			continue
		}
		if t.Time.Before(start) || t.Time.After(end) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// TradeCount reports the number of distinct stored trades. Test helper.
func (m *MemoryStorage) TradeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trades)
}
