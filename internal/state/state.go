// Package state persists the sim account and its open positions across
// restarts. Snapshots are JSON written atomically: temp file, fsync,
// rename, so a crash mid-write leaves the previous snapshot intact.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/position"
)

const (
	snapshotVersion = 1
	// Trades kept in the snapshot; the full history lives in the ledger.
	snapshotTradeCap = 500
)

// SnapshotPosition is the persisted form of an open sim position.
type SnapshotPosition struct {
	Side         string    `json:"side"`
	Qty          float64   `json:"qty"`
	Entry        float64   `json:"entry"`
	Stop         float64   `json:"sl"`
	Target       float64   `json:"tp"`
	RiskDistance float64   `json:"risk_dist"`
	UniqueID     string    `json:"pos_uid"`
	OpenedAt     time.Time `json:"opened_at"`
}

// SnapshotAccount is the persisted sim ledger.
type SnapshotAccount struct {
	Balance          float64 `json:"balance"`
	DailyStartEquity float64 `json:"daily_start_equity"`
	DailyPnl         float64 `json:"daily_pnl"`
	TotalPnl         float64 `json:"total_pnl"`
}

// Snapshot is the on-disk document.
type Snapshot struct {
	Version   int                         `json:"version"`
	SavedAt   time.Time                   `json:"saved_at"`
	Account   SnapshotAccount             `json:"account"`
	Trades    []account.Trade             `json:"trades"`
	Positions map[string]SnapshotPosition `json:"positions"`
}

// Store writes and reads snapshots at a fixed path.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save captures the sim account and open positions and writes the
// snapshot atomically.
func (s *Store) Save(acct *account.Account, positions map[string]*position.Position) error {
	snap := Snapshot{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
		Account: SnapshotAccount{
			Balance:          acct.Balance(),
			DailyStartEquity: acct.DailyStartEquity(),
			DailyPnl:         acct.DailyPnl(),
			TotalPnl:         acct.TotalPnl(),
		},
		Trades:    acct.Trades(snapshotTradeCap),
		Positions: make(map[string]SnapshotPosition, len(positions)),
	}
	for sym, p := range positions {
		if p == nil {
			continue
		}
		snap.Positions[sym] = SnapshotPosition{
			Side:         string(p.Side),
			Qty:          p.Qty,
			Entry:        p.Entry,
			Stop:         p.Stop,
			Target:       p.Target,
			RiskDistance: p.RiskDistance,
			UniqueID:     p.UniqueID,
			OpenedAt:     p.OpenedAt,
		}
	}
	return s.write(snap)
}

func (s *Store) write(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("snapshot rename: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file returns (nil, nil); a future
// version is refused rather than half-read.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, snapshotVersion)
	}
	return &snap, nil
}

// Restore applies a snapshot onto the sim account and returns the open
// positions to re-register.
func Restore(snap *Snapshot, acct *account.Account) map[string]*position.Position {
	if snap == nil {
		return nil
	}
	acct.RestoreLedger(
		snap.Account.Balance,
		snap.Account.DailyStartEquity,
		snap.Account.DailyPnl,
		snap.Account.TotalPnl,
		snap.Trades,
	)
	out := make(map[string]*position.Position, len(snap.Positions))
	for sym, sp := range snap.Positions {
		side := position.Long
		if sp.Side == string(position.Short) {
			side = position.Short
		}
		out[sym] = &position.Position{
			Side:         side,
			Qty:          sp.Qty,
			Entry:        sp.Entry,
			Stop:         sp.Stop,
			Target:       sp.Target,
			RiskDistance: sp.RiskDistance,
			UniqueID:     sp.UniqueID,
			OpenedAt:     sp.OpenedAt,
		}
	}
	return out
}
