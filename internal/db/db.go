// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/journal"
)

// Storage is the interface for all persistent storage. The trade table
// mirrors the CSV ledger; (account, pos_uid) is unique so a replayed
// settlement never double-inserts.
type Storage interface {
	GetDB() *sql.DB

	LogEvent(ctx context.Context, event journal.Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error)
	DeleteEvents(ctx context.Context, eventType string, before time.Time) error

	SaveTrade(ctx context.Context, t account.Trade) error
	GetTrades(ctx context.Context, acct string, start, end time.Time) ([]account.Trade, error)
}
