package gate

import (
	"context"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/errs"
	"github.com/UrbanHao/perpwatch/internal/position"
	"github.com/UrbanHao/perpwatch/internal/rules"
	"github.com/UrbanHao/perpwatch/internal/sizing"
)

// Decision is the tick-aligned price triple an accepted proposal trades at.
type Decision struct {
	Entry  float64
	Stop   float64
	Target float64
}

// Gate validates a proposed order against instrument rules and available
// margin. Pure validation: it never places orders and has no side effects.
type Gate struct {
	rules *rules.Cache
	sizer *sizing.Sizer
}

func New(rc *rules.Cache, sizer *sizing.Sizer) *Gate {
	return &Gate{rules: rc, sizer: sizer}
}

// Check previews the trade and returns the aligned prices, or a validation
// error whose reason carries the audit code.
func (g *Gate) Check(ctx context.Context, symbol string, side position.Side, entry, stop, target float64, acct *account.Account) (Decision, error) {
	r, err := g.rules.Get(ctx, symbol)
	if err != nil {
		return Decision{}, errs.Transient("rules_fetch", err)
	}

	if side == position.Long {
		if !(target > entry && entry > stop) {
			return Decision{}, errs.Validation("gate_block: price order invalid (LONG) target>entry>stop")
		}
	} else {
		if !(target < entry && entry < stop) {
			return Decision{}, errs.Validation("gate_block: price order invalid (SHORT) target<entry<stop")
		}
	}

	avail := acct.AvailableMargin()
	if avail <= 0 {
		return Decision{}, errs.Validation("gate_block: no available margin")
	}

	qty := FloorToStep(g.sizer.Quantity(entry, stop, acct.Balance(), avail, 0), r.StepSize)
	if qty <= 0 {
		return Decision{}, errs.Validation("gate_block: qty preview zero (risk too tight or no margin)")
	}
	if qty < r.MinQty {
		return Decision{}, errs.Validation("gate_block: qty %v below minQty %v", qty, r.MinQty)
	}
	if r.MinNotional > 0 && qty*entry < r.MinNotional {
		return Decision{}, errs.Validation("gate_block: notional %.4f below minNotional %v", qty*entry, r.MinNotional)
	}

	// Align the protective prices only; entry approximates a market fill.
	var stopAligned, targetAligned float64
	if side == position.Long {
		targetAligned = RoundToTick(target, r.TickSize, +1)
		stopAligned = RoundToTick(stop, r.TickSize, -1)
	} else {
		targetAligned = RoundToTick(target, r.TickSize, -1)
		stopAligned = RoundToTick(stop, r.TickSize, +1)
	}
	return Decision{Entry: entry, Stop: stopAligned, Target: targetAligned}, nil
}
