package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/policy"
	"github.com/rustyeddy/volbalance/position"
)

// Evaluate compares the quote with the position's anchor and sizes a
// candidate order from the position's order policy. It does no I/O and
// reads no clock.
func Evaluate(pos position.Position, q market.Quote) OrderProposal {
	pol := pos.OrderPolicy
	p := OrderProposal{
		Action:     ActionHold,
		Price:      q.Price,
		RawQty:     decimal.Zero,
		TrimmedQty: decimal.Zero,
		Notional:   decimal.Zero,
		Commission: decimal.Zero,
		Validation: Validation{Valid: true},
	}

	if pos.AnchorPrice == nil {
		p.Validation.reject(ReasonNoAnchor)
		p.ActionReason = ReasonNoAnchor
		return p
	}
	anchor := *pos.AnchorPrice
	p.AnchorPrice = anchor
	if !q.Price.IsPositive() || !anchor.IsPositive() {
		p.Validation.reject(ReasonBadPrice)
		p.ActionReason = ReasonBadPrice
		return p
	}

	if !pol.AllowAfterHours && q.Session != "" && q.Session != market.SessionRegular {
		p.Validation.reject(ReasonAfterHours)
	}

	change := q.Price.Sub(anchor).Div(anchor)
	p.PriceChangePct = change.InexactFloat64()
	thr := decimal.NewFromFloat(pol.TriggerThresholdPct)

	switch {
	case change.LessThanOrEqual(thr.Neg()):
		p.Side = SideBuy
	case change.GreaterThanOrEqual(thr):
		p.Side = SideSell
	default:
		p.ActionReason = fmt.Sprintf("%s: change %s%% vs ±%s%%", ReasonWithinTrigger, pct(change), pct(thr))
		return p
	}

	excess := change.Abs().Sub(thr)
	if excess.IsNegative() {
		excess = decimal.Zero
	}
	notional := decimal.NewFromFloat(pol.RebalanceRatio).Mul(excess).Mul(pos.TotalValue(q.Price))
	p.RawQty = notional.Div(q.Price)

	qty := pol.RoundDown(p.RawQty)
	if p.Side == SideSell {
		held := pol.RoundDown(pos.Qty)
		if qty.GreaterThan(held) {
			p.Validation.warn(fmt.Sprintf("sell capped at held quantity %s", held))
			qty = held
		}
	}

	p.Action = p.Side.action()
	p.ActionReason = fmt.Sprintf("price moved %s%% from anchor %s", pct(change), anchor)

	if pol.BelowMin(qty, q.Price) {
		switch pol.ActionBelowMin {
		case policy.BelowMinHold, "":
			p.RawQty = p.RawQty.Round(8)
			p.hold(ReasonBelowMinimum)
			return p
		case policy.BelowMinTrim:
			minQty := pol.MinOrderQty(q.Price)
			if p.Side == SideSell && minQty.GreaterThan(pos.Qty) {
				p.Validation.reject(ReasonBelowMinimum)
				break
			}
			if !minQty.IsPositive() {
				p.RawQty = p.RawQty.Round(8)
				p.hold(ReasonBelowMinimum)
				return p
			}
			p.Validation.warn(fmt.Sprintf("quantity %s raised to minimum %s", qty, minQty))
			qty = minQty
		default:
			p.Validation.reject(ReasonBelowMinimum)
		}
	}

	p.RawQty = p.RawQty.Round(8)
	p.setQty(qty, pol.CommissionRate)
	return p
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
