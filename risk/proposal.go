// Package risk decides whether a position should trade at a quote and how
// much, then checks that order against the position's guardrails. Both steps
// are pure functions of their inputs.
package risk

import (
	"slices"

	"github.com/shopspring/decimal"
)

// Side is the direction a trigger fired in.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Action is what the proposal asks execution to do.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

func (s Side) action() Action {
	switch s {
	case SideBuy:
		return ActionBuy
	case SideSell:
		return ActionSell
	}
	return ActionHold
}

// Rejection and block reasons surfaced to callers and the timeline.
const (
	ReasonNoAnchor      = "anchor price not set"
	ReasonBadPrice      = "price must be positive"
	ReasonAfterHours    = "after-hours trading disabled"
	ReasonBelowMinimum  = "below minimum order size"
	ReasonDailyCap      = "daily order cap"
	ReasonAllocation    = "allocation guardrail"
	ReasonWithinTrigger = "within trigger threshold"
)

type Validation struct {
	Valid      bool     `json:"valid"`
	Rejections []string `json:"rejections"`
	Warnings   []string `json:"warnings"`
}

func (v *Validation) reject(msg string) {
	v.Valid = false
	v.Rejections = append(v.Rejections, msg)
}

func (v *Validation) warn(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

func (v Validation) clone() Validation {
	v.Rejections = slices.Clone(v.Rejections)
	v.Warnings = slices.Clone(v.Warnings)
	return v
}

// OrderProposal is the candidate order produced for one evaluation.
// Quantities are unsigned; Side and Action carry direction.
type OrderProposal struct {
	Side   Side   `json:"side,omitempty"`
	Action Action `json:"action"`

	Price          decimal.Decimal `json:"price"`
	AnchorPrice    decimal.Decimal `json:"anchor_price"`
	PriceChangePct float64         `json:"price_change_pct"`

	RawQty     decimal.Decimal `json:"raw_qty"`
	TrimmedQty decimal.Decimal `json:"trimmed_qty"`
	Notional   decimal.Decimal `json:"notional"`
	Commission decimal.Decimal `json:"commission"`

	Validation Validation `json:"validation"`

	ActionReason         string `json:"action_reason"`
	GuardrailBlockReason string `json:"guardrail_block_reason,omitempty"`
}

// Actionable reports whether execution may apply the proposal.
func (p OrderProposal) Actionable() bool {
	return p.Validation.Valid && p.Action != ActionHold && p.TrimmedQty.IsPositive()
}

func (p *OrderProposal) hold(reason string) {
	p.Action = ActionHold
	p.TrimmedQty = decimal.Zero
	p.Notional = decimal.Zero
	p.Commission = decimal.Zero
	p.ActionReason = reason
}

func (p *OrderProposal) setQty(q decimal.Decimal, commissionRate float64) {
	p.TrimmedQty = q
	p.Notional = q.Mul(p.Price)
	p.Commission = p.Notional.Mul(decimal.NewFromFloat(commissionRate))
}
