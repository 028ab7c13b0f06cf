package sim

import (
	"time"

	"github.com/rustyeddy/volbalance/drift"
	"github.com/rustyeddy/volbalance/internal/id"
	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/position"
	"github.com/rustyeddy/volbalance/risk"
)

// proposalEvent builds the timeline entry for an evaluation. Decimals are
// written as strings so every store round-trips them the same way.
func proposalEvent(pos position.Position, q market.Quote, p risk.OrderProposal, ordersToday int, at time.Time, typ journal.EventType) journal.Event {
	anchor := ""
	if pos.AnchorPrice != nil {
		anchor = pos.AnchorPrice.String()
	}
	return journal.Event{
		ID:             id.NewWithPrefix(id.Event),
		PositionID:     pos.ID,
		Timestamp:      at,
		EvaluationType: typ,
		Inputs: map[string]any{
			"symbol":       pos.AssetSymbol,
			"price":        q.Price.String(),
			"session":      string(q.Session),
			"quote_time":   q.Timestamp.UTC().Format(time.RFC3339),
			"anchor_price": anchor,
			"qty":          pos.Qty.String(),
			"cash":         pos.Cash.String(),
			"orders_today": ordersToday,
		},
		Outputs: map[string]any{
			"side":             string(p.Side),
			"price_change_pct": p.PriceChangePct,
			"raw_qty":          p.RawQty.String(),
			"trimmed_qty":      p.TrimmedQty.String(),
			"notional":         p.Notional.String(),
			"commission":       p.Commission.String(),
			"valid":            p.Validation.Valid,
			"rejections":       p.Validation.Rejections,
			"warnings":         p.Validation.Warnings,
		},
		Action:               string(p.Action),
		ActionReason:         p.ActionReason,
		GuardrailBlockReason: p.GuardrailBlockReason,
	}
}

func driftOutputs(d drift.Drift) map[string]any {
	if !d.HasBaseline() {
		return nil
	}
	out := map[string]any{
		"position_delta_abs": d.PositionDeltaAbs.String(),
		"stock_delta_abs":    d.StockDeltaAbs.String(),
	}
	if d.PositionDeltaPct != nil {
		out["position_delta_pct"] = *d.PositionDeltaPct
	}
	if d.StockDeltaPct != nil {
		out["stock_delta_pct"] = *d.StockDeltaPct
	}
	return out
}
