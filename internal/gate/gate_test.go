package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/errs"
	"github.com/UrbanHao/perpwatch/internal/position"
	"github.com/UrbanHao/perpwatch/internal/rules"
	"github.com/UrbanHao/perpwatch/internal/sizing"
)

func testGate() (*Gate, *account.Account) {
	rc := rules.NewCache(nil)
	rc.Put("BTCUSDT", rules.Rules{StepSize: 0.001, MinQty: 0.001, TickSize: 0.01, MinNotional: 5})
	sizer := sizing.New(sizing.Params{Mode: sizing.ModeRisk, RiskPct: 2.0, Leverage: 10})
	return New(rc, sizer), account.New(account.Sim, 10000)
}

func TestGateAcceptsValidLong(t *testing.T) {
	g, acct := testGate()
	dec, err := g.Check(context.Background(), "BTCUSDT", position.Long, 100, 98, 104.0034, acct)
	require.NoError(t, err)
	assert.Equal(t, 100.0, dec.Entry)
	assert.Equal(t, 98.0, dec.Stop)
	// Target rounds away from entry onto the tick grid.
	assert.Equal(t, 104.01, dec.Target)
}

func TestGateRejectsBadOrdering(t *testing.T) {
	g, acct := testGate()
	tests := []struct {
		name   string
		side   position.Side
		entry  float64
		stop   float64
		target float64
	}{
		{"long stop above entry", position.Long, 100, 101, 104},
		{"long target below entry", position.Long, 100, 98, 99},
		{"short stop below entry", position.Short, 100, 99, 96},
		{"short target above entry", position.Short, 100, 102, 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Check(context.Background(), "BTCUSDT", tt.side, tt.entry, tt.stop, tt.target, acct)
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err))
			assert.Contains(t, errs.Reason(err), "gate_block")
		})
	}
}

func TestGateRejectsNoMargin(t *testing.T) {
	g, _ := testGate()
	broke := account.New(account.Sim, 0)
	_, err := g.Check(context.Background(), "BTCUSDT", position.Long, 100, 98, 104, broke)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestGateRejectsBelowMinNotional(t *testing.T) {
	rc := rules.NewCache(nil)
	rc.Put("BTCUSDT", rules.Rules{StepSize: 0.001, MinQty: 0.001, TickSize: 0.01, MinNotional: 1e9})
	g := New(rc, sizing.New(sizing.Params{Mode: sizing.ModeRisk, RiskPct: 2.0, Leverage: 10}))
	_, err := g.Check(context.Background(), "BTCUSDT", position.Long, 100, 98, 104, account.New(account.Sim, 10000))
	require.Error(t, err)
	assert.Contains(t, errs.Reason(err), "minNotional")
}
