package journal

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
)

// ledgerColumns is the fixed CSV schema. New columns go at the end only;
// old files keep replaying with the same header check.
var ledgerColumns = []string{
	"ts", "account", "symbol", "side", "entry", "exit", "qty",
	"pnl_cash", "net_pct", "fee_usdt", "risk_R", "pos_uid", "reason",
}

// TradeLedger is an append-only CSV of settled trades. Every append is
// flushed and fsynced before returning so a crash never loses a settled
// trade that the caller believes recorded.
type TradeLedger struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
}

// OpenTradeLedger opens (or creates) the ledger file, writing the header
// only when the file is new or empty.
func OpenTradeLedger(path string) (*TradeLedger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	l := &TradeLedger{path: path, file: f, w: csv.NewWriter(f)}
	if st.Size() == 0 {
		if err := l.w.Write(ledgerColumns); err != nil {
			f.Close()
			return nil, err
		}
		l.w.Flush()
		if err := l.w.Error(); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

// Append writes one settled trade and fsyncs.
func (l *TradeLedger) Append(t account.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := []string{
		t.Time.UTC().Format(time.RFC3339),
		t.Account,
		t.Symbol,
		t.Side,
		fmtNum(t.Entry),
		fmtNum(t.Exit),
		fmtNum(t.Qty),
		fmtNum(t.NetPnL),
		fmtNum(t.NetPct),
		fmtNum(t.Fee),
		fmtNum(t.RiskR),
		t.UniqueID,
		t.Reason,
	}
	if err := l.w.Write(rec); err != nil {
		return fmt.Errorf("ledger write: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("ledger flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("ledger sync: %w", err)
	}
	return nil
}

// Load replays the ledger into trade records, skipping the header and
// malformed rows.
func (l *TradeLedger) Load() ([]account.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var out []account.Trade
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("ledger read: %w", err)
		}
		if first {
			first = false
			if len(rec) > 0 && rec[0] == "ts" {
				continue
			}
		}
		if len(rec) < len(ledgerColumns) {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			continue
		}
		out = append(out, account.Trade{
			Time:     ts,
			Account:  rec[1],
			Symbol:   rec[2],
			Side:     rec[3],
			Entry:    parseNum(rec[4]),
			Exit:     parseNum(rec[5]),
			Qty:      parseNum(rec[6]),
			NetPnL:   parseNum(rec[7]),
			NetPct:   parseNum(rec[8]),
			Fee:      parseNum(rec[9]),
			RiskR:    parseNum(rec[10]),
			UniqueID: rec[11],
			Reason:   rec[12],
		})
	}
	return out, nil
}

func (l *TradeLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return l.file.Close()
}

func fmtNum(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func parseNum(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
