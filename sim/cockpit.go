package sim

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/volbalance/drift"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/position"
)

// GuardrailStatus is where a position sits relative to its guardrails.
type GuardrailStatus struct {
	StockPct         *float64 `json:"stock_pct"`
	MinStockAllocPct float64  `json:"min_stock_alloc_pct"`
	MaxStockAllocPct float64  `json:"max_stock_alloc_pct"`
	WithinBounds     *bool    `json:"within_bounds"`
	OrdersToday      int      `json:"orders_today"`
	MaxOrdersPerDay  int      `json:"max_orders_per_day"`
}

// Cockpit is the aggregated view of one position.
type Cockpit struct {
	Position   position.Position  `json:"position"`
	Quote      *market.Quote      `json:"quote,omitempty"`
	StockValue *decimal.Decimal   `json:"stock_value"`
	TotalValue *decimal.Decimal   `json:"total_value"`
	Baseline   *position.Baseline `json:"baseline"`
	Drift      drift.Drift        `json:"drift"`
	Guardrails GuardrailStatus    `json:"guardrails"`
}

// Cockpit gathers the position, its baseline, drift and guardrail status.
// With a nil quote the price-dependent fields are left nil.
func (e *Engine) Cockpit(ctx context.Context, positionID string, q *market.Quote) (Cockpit, error) {
	pos, err := e.Get(ctx, positionID)
	if err != nil {
		return Cockpit{}, err
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	b, err := e.store.GetBaseline(sctx, positionID)
	if err != nil {
		return Cockpit{}, fmt.Errorf("get baseline: %w", err)
	}
	today, err := e.ordersToday(ctx, positionID, e.now())
	if err != nil {
		return Cockpit{}, err
	}

	c := Cockpit{
		Position: pos,
		Baseline: b,
		Guardrails: GuardrailStatus{
			MinStockAllocPct: pos.Guardrails.MinStockAllocPct,
			MaxStockAllocPct: pos.Guardrails.MaxStockAllocPct,
			OrdersToday:      today,
			MaxOrdersPerDay:  pos.Guardrails.MaxOrdersPerDay,
		},
	}
	if q == nil {
		return c, nil
	}

	c.Quote = q
	stock := pos.StockValue(q.Price)
	total := pos.TotalValue(q.Price)
	c.StockValue = &stock
	c.TotalValue = &total
	c.Drift = drift.Compute(pos, b, *q)

	pct := pos.StockPct(q.Price)
	within := pct >= pos.Guardrails.MinStockAllocPct && pct <= pos.Guardrails.MaxStockAllocPct
	c.Guardrails.StockPct = &pct
	c.Guardrails.WithinBounds = &within
	return c, nil
}
