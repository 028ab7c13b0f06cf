// Package policy holds the per-position trading configuration: how orders
// are sized and rounded, and the allocation guardrails they must respect.
// Both types are validated once at the boundary (config load, API decode,
// position create/update) and treated as immutable during evaluation.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPolicy     = errors.New("invalid order policy")
	ErrInvalidGuardrails = errors.New("invalid guardrails")
)

// BelowMinAction says what to do with an order smaller than the minimum.
type BelowMinAction string

const (
	BelowMinHold   BelowMinAction = "hold"
	BelowMinTrim   BelowMinAction = "trim"
	BelowMinReject BelowMinAction = "reject"
)

// OrderPolicy controls trigger sensitivity and order sizing.
type OrderPolicy struct {
	MinQty      decimal.Decimal `json:"min_qty" yaml:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional" yaml:"min_notional"`
	LotSize     decimal.Decimal `json:"lot_size" yaml:"lot_size"`
	QtyStep     decimal.Decimal `json:"qty_step" yaml:"qty_step"`

	ActionBelowMin BelowMinAction `json:"action_below_min" yaml:"action_below_min"`

	// TriggerThresholdPct is a fraction: 0.03 fires at a 3% move from anchor.
	TriggerThresholdPct float64 `json:"trigger_threshold_pct" yaml:"trigger_threshold_pct"`
	// RebalanceRatio scales order size; 0.1 is timid, 5.0 aggressive.
	RebalanceRatio  float64 `json:"rebalance_ratio" yaml:"rebalance_ratio"`
	CommissionRate  float64 `json:"commission_rate" yaml:"commission_rate"`
	AllowAfterHours bool    `json:"allow_after_hours" yaml:"allow_after_hours"`
}

// DefaultOrderPolicy mirrors the defaults the dashboard offers.
func DefaultOrderPolicy() OrderPolicy {
	return OrderPolicy{
		MinQty:              decimal.Zero,
		MinNotional:         decimal.Zero,
		LotSize:             decimal.Zero,
		QtyStep:             decimal.NewFromInt(1),
		ActionBelowMin:      BelowMinHold,
		TriggerThresholdPct: 0.03,
		RebalanceRatio:      0.5,
		CommissionRate:      0.0001,
		AllowAfterHours:     false,
	}
}

func (p OrderPolicy) Validate() error {
	for _, f := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"min_qty", p.MinQty},
		{"min_notional", p.MinNotional},
		{"lot_size", p.LotSize},
		{"qty_step", p.QtyStep},
	} {
		if f.v.IsNegative() {
			return fmt.Errorf("%w: %s must be >= 0, got %s", ErrInvalidPolicy, f.name, f.v)
		}
	}
	switch p.ActionBelowMin {
	case BelowMinHold, BelowMinTrim, BelowMinReject:
	default:
		return fmt.Errorf("%w: action_below_min must be hold, trim or reject, got %q", ErrInvalidPolicy, p.ActionBelowMin)
	}
	if p.TriggerThresholdPct <= 0 || p.TriggerThresholdPct >= 1 {
		return fmt.Errorf("%w: trigger_threshold_pct must be in (0,1), got %g", ErrInvalidPolicy, p.TriggerThresholdPct)
	}
	if p.RebalanceRatio <= 0 {
		return fmt.Errorf("%w: rebalance_ratio must be > 0, got %g", ErrInvalidPolicy, p.RebalanceRatio)
	}
	if p.CommissionRate < 0 || p.CommissionRate >= 1 {
		return fmt.Errorf("%w: commission_rate must be in [0,1), got %g", ErrInvalidPolicy, p.CommissionRate)
	}
	return nil
}

// ParseBelowMinAction accepts the action names case-insensitively.
func ParseBelowMinAction(s string) (BelowMinAction, error) {
	a := BelowMinAction(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case BelowMinHold, BelowMinTrim, BelowMinReject:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action_below_min %q", ErrInvalidPolicy, s)
}

// Step is the increment order quantities are rounded up to: the lot size
// when set, otherwise the quantity step. Zero means unrestricted.
func (p OrderPolicy) Step() decimal.Decimal {
	if p.LotSize.IsPositive() {
		return p.LotSize
	}
	return p.QtyStep
}

// RoundDown floors q to qty_step and then to lot_size.
func (p OrderPolicy) RoundDown(q decimal.Decimal) decimal.Decimal {
	q = FloorToStep(q, p.QtyStep)
	return FloorToStep(q, p.LotSize)
}

// MinOrderQty is the smallest step-aligned quantity that satisfies both
// min_qty and min_notional at price. Zero when nothing is configured.
func (p OrderPolicy) MinOrderQty(price decimal.Decimal) decimal.Decimal {
	m := p.MinQty
	if p.MinNotional.IsPositive() && price.IsPositive() {
		m = decimal.Max(m, p.MinNotional.Div(price))
	}
	step := p.Step()
	m = CeilToStep(m, step)
	if m.IsZero() && step.IsPositive() {
		m = step
	}
	return m
}

// BelowMin reports whether q at price is too small to send.
func (p OrderPolicy) BelowMin(q, price decimal.Decimal) bool {
	if !q.IsPositive() {
		return true
	}
	if q.LessThan(p.MinQty) {
		return true
	}
	return q.Mul(price).LessThan(p.MinNotional)
}

// FloorToStep rounds q down to a multiple of step. Non-positive step is a no-op.
func FloorToStep(q, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return q
	}
	return q.Div(step).Floor().Mul(step)
}

// CeilToStep rounds q up to a multiple of step. Non-positive step is a no-op.
func CeilToStep(q, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return q
	}
	return q.Div(step).Ceil().Mul(step)
}
