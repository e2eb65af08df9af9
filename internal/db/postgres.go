package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/db/conf"
	"github.com/UrbanHao/perpwatch/internal/journal"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

// Open connects with a plain connection string and pings.
func Open(connStr string) (*Default, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Default{db: db}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, _ := json.Marshal(event.Data)
		_, err := tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time <= $3 ORDER BY time ASC`, eventType, start, end)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()
	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, err
		}
		json.Unmarshal(data, &e.Data)
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *Default) DeleteEvents(ctx context.Context, eventType string, before time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM events WHERE type=$1 AND time < $2`, eventType, before)
		if err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
		return nil
	})
}

// SaveTrade inserts a settled trade. A second insert with the same
// (account, pos_uid) is silently skipped.
func (p *Default) SaveTrade(ctx context.Context, t account.Trade) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO trades
			(ts, account, symbol, side, entry, exit, qty, pnl_cash, net_pct, fee_usdt, risk_r, pos_uid, reason)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (account, pos_uid) DO NOTHING`,
			t.Time, t.Account, t.Symbol, t.Side, t.Entry, t.Exit, t.Qty,
			t.NetPnL, t.NetPct, t.Fee, t.RiskR, t.UniqueID, t.Reason)
		if err != nil {
			return fmt.Errorf("failed to save trade: %w", err)
		}
		return nil
	})
}

func (p *Default) GetTrades(ctx context.Context, acct string, start, end time.Time) ([]account.Trade, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT ts, account, symbol, side, entry, exit, qty, pnl_cash, net_pct, fee_usdt, risk_r, pos_uid, reason
		FROM trades WHERE account=$1 AND ts >= $2 AND ts <= $3 ORDER BY ts ASC`, acct, start, end)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()
	var trades []account.Trade
	for rows.Next() {
		var t account.Trade
		if err := rows.Scan(&t.Time, &t.Account, &t.Symbol, &t.Side, &t.Entry, &t.Exit, &t.Qty,
			&t.NetPnL, &t.NetPct, &t.Fee, &t.RiskR, &t.UniqueID, &t.Reason); err != nil {
			return nil, err
		}
		t.Time = t.Time.UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
