// Package drift measures how far a position has moved from a baseline
// snapshot, independent of the anchor the trigger logic uses.
package drift

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/position"
)

// Drift is the change since the baseline. Fields are nil when there is no
// baseline, and the percentages are nil when the baseline value was zero.
// Percentages are in percent.
type Drift struct {
	PositionDeltaPct *float64         `json:"position_delta_pct"`
	PositionDeltaAbs *decimal.Decimal `json:"position_delta_abs"`
	StockDeltaPct    *float64         `json:"stock_delta_pct"`
	StockDeltaAbs    *decimal.Decimal `json:"stock_delta_abs"`
}

// HasBaseline reports whether the drift was measured against anything.
func (d Drift) HasBaseline() bool {
	return d.PositionDeltaAbs != nil
}

// Reset snapshots pos at price as a new baseline.
func Reset(pos position.Position, price decimal.Decimal, at time.Time) position.Baseline {
	return position.Baseline{
		PositionID:        pos.ID,
		BaselineTimestamp: at,
		Qty:               pos.Qty,
		Price:             price,
		Cash:              pos.Cash,
	}
}

// Compute compares pos valued at q against b valued at its own price.
func Compute(pos position.Position, b *position.Baseline, q market.Quote) Drift {
	if b == nil {
		return Drift{}
	}
	baseStock := b.Qty.Mul(b.Price)
	baseTotal := baseStock.Add(b.Cash)
	curStock := pos.StockValue(q.Price)
	curTotal := curStock.Add(pos.Cash)

	posAbs := curTotal.Sub(baseTotal)
	stockAbs := curStock.Sub(baseStock)
	return Drift{
		PositionDeltaPct: pctOf(posAbs, baseTotal),
		PositionDeltaAbs: &posAbs,
		StockDeltaPct:    pctOf(stockAbs, baseStock),
		StockDeltaAbs:    &stockAbs,
	}
}

func pctOf(delta, base decimal.Decimal) *float64 {
	if base.IsZero() {
		return nil
	}
	v := delta.Div(base).Mul(decimal.NewFromInt(100)).InexactFloat64()
	return &v
}
