package journal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UrbanHao/perpwatch/internal/account"
)

func sampleTrade(uid string) account.Trade {
	return account.Trade{
		Time:     time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
		Account:  "SIM",
		Symbol:   "BTCUSDT",
		Side:     "LONG",
		Entry:    65000.5,
		Exit:     65450.25,
		Qty:      0.01,
		NetPnL:   4.4975,
		NetPct:   0.0069,
		Fee:      0.52,
		RiskR:    1.5,
		UniqueID: uid,
		Reason:   "tp",
	}
}

func TestLedgerAppendLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	l, err := OpenTradeLedger(path)
	require.NoError(t, err)
	defer l.Close()

	want := sampleTrade("SIM:BTCUSDT:1:abcd1234")
	require.NoError(t, l.Append(want))

	got, err := l.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])
}

func TestLedgerHeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")

	l, err := OpenTradeLedger(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(sampleTrade("uid-1")))
	require.NoError(t, l.Close())

	// Reopening an existing ledger must not write a second header.
	l, err = OpenTradeLedger(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(sampleTrade("uid-2")))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "ts,account,symbol"))

	l, err = OpenTradeLedger(path)
	require.NoError(t, err)
	defer l.Close()
	got, err := l.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "uid-1", got[0].UniqueID)
	assert.Equal(t, "uid-2", got[1].UniqueID)
}

func TestLedgerLoadSkipsMalformedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	l, err := OpenTradeLedger(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(sampleTrade("uid-good")))
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not-a-timestamp,SIM,BTCUSDT,LONG,1,2,3,4,5,6,7,uid-bad,tp\nshort,row\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = OpenTradeLedger(path)
	require.NoError(t, err)
	defer l.Close()
	got, err := l.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "uid-good", got[0].UniqueID)
}

func TestLedgerCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "trades.csv")
	l, err := OpenTradeLedger(path)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
