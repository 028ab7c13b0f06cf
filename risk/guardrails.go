package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/volbalance/policy"
	"github.com/rustyeddy/volbalance/position"
)

var hundred = decimal.NewFromInt(100)

// Validate refines a proposal against allocation bounds and the daily order
// cap. It only ever trims or rejects; a HOLD proposal comes back untouched.
func Validate(pos position.Position, p OrderProposal, g policy.Guardrails, ordersToday int) OrderProposal {
	if p.Action == ActionHold {
		return p
	}
	p.Validation = p.Validation.clone()

	if ordersToday >= g.MaxOrdersPerDay {
		p.Validation.reject(ReasonDailyCap)
		p.GuardrailBlockReason = ReasonDailyCap
		return p
	}
	if !p.Validation.Valid || !p.TrimmedQty.IsPositive() {
		return p
	}

	pol := pos.OrderPolicy
	lo, hi := g.Bounds()
	fits := func(q decimal.Decimal) bool { return withinBounds(pos, p, q, lo, hi, pol.CommissionRate) }
	if fits(p.TrimmedQty) {
		return p
	}

	trimmed := pol.RoundDown(maxQtyWithinBounds(pos, p, lo, hi, pol.CommissionRate))
	unit := pol.Step()
	if !unit.IsPositive() {
		unit = minUnit
	}
	// The bound is solved with rounded division; step down until the exact
	// check agrees.
	for trimmed.IsPositive() && !fits(trimmed) {
		trimmed = pol.RoundDown(trimmed.Sub(unit))
	}
	if trimmed.GreaterThan(p.TrimmedQty) {
		trimmed = p.TrimmedQty
	}
	if pol.BelowMin(trimmed, p.Price) {
		p.Validation.reject(ReasonAllocation)
		p.GuardrailBlockReason = ReasonAllocation
		return p
	}
	p.Validation.warn(fmt.Sprintf("quantity trimmed from %s to %s by allocation guardrail", p.TrimmedQty, trimmed))
	p.setQty(trimmed, pol.CommissionRate)
	return p
}

var minUnit = decimal.New(1, -8)

// withinBounds checks, without division, that trading q keeps the stock
// share inside [lo, hi] percent on the side the order moves it.
func withinBounds(pos position.Position, p OrderProposal, q decimal.Decimal, lo, hi, commissionRate float64) bool {
	notional := q.Mul(p.Price)
	fee := notional.Mul(decimal.NewFromFloat(commissionRate))
	stock := pos.StockValue(p.Price)
	total := pos.TotalValue(p.Price).Sub(fee)

	switch p.Action {
	case ActionBuy:
		after := stock.Add(notional).Mul(hundred)
		return after.LessThanOrEqual(decimal.NewFromFloat(hi).Mul(total))
	case ActionSell:
		if q.GreaterThan(pos.Qty) {
			return false
		}
		after := stock.Sub(notional).Mul(hundred)
		return after.GreaterThanOrEqual(decimal.NewFromFloat(lo).Mul(total))
	}
	return true
}

// maxQtyWithinBounds solves for the largest quantity whose post-trade stock
// share, commission included, stays inside [lo, hi] percent. BUY can only
// push the share up and SELL only down, so each side checks one bound.
func maxQtyWithinBounds(pos position.Position, p OrderProposal, lo, hi, commissionRate float64) decimal.Decimal {
	price := p.Price
	stock := pos.StockValue(price)
	total := pos.TotalValue(price)
	r := decimal.NewFromFloat(commissionRate)

	var q decimal.Decimal
	switch p.Action {
	case ActionBuy:
		m := decimal.NewFromFloat(hi).Div(hundred)
		// (stock + qP) / (total - qPr) <= m
		q = m.Mul(total).Sub(stock).Div(price.Mul(decimal.NewFromInt(1).Add(m.Mul(r))))
	case ActionSell:
		n := decimal.NewFromFloat(lo).Div(hundred)
		// (stock - qP) / (total - qPr) >= n
		q = stock.Sub(n.Mul(total)).Div(price.Mul(decimal.NewFromInt(1).Sub(n.Mul(r))))
		q = decimal.Min(q, pos.Qty)
	default:
		return decimal.Zero
	}
	if q.IsNegative() {
		return decimal.Zero
	}
	return q
}

// ProjectedStockPct is the stock share in percent after applying p to pos.
func ProjectedStockPct(pos position.Position, p OrderProposal) float64 {
	qty, cash := pos.Qty, pos.Cash
	switch p.Action {
	case ActionBuy:
		qty = qty.Add(p.TrimmedQty)
		cash = cash.Sub(p.Notional).Sub(p.Commission)
	case ActionSell:
		qty = qty.Sub(p.TrimmedQty)
		cash = cash.Add(p.Notional).Sub(p.Commission)
	}
	stock := qty.Mul(p.Price)
	total := stock.Add(cash)
	if !total.IsPositive() {
		return 0
	}
	return stock.Div(total).Mul(hundred).InexactFloat64()
}
