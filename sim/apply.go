// Package sim executes validated proposals against positions and runs the
// live evaluate-validate-execute pipeline for a single position.
package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/position"
	"github.com/rustyeddy/volbalance/risk"
)

var (
	ErrNotActionable      = errors.New("proposal is not actionable")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
)

// IsInvariantViolation reports whether err means an execution would have
// driven cash or quantity negative.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInsufficientShares)
}

// Apply fills p against pos at the proposal price. On success the position's
// anchor moves to the fill price. pos is not modified; on error the zero
// Trade and the unchanged position are returned.
func Apply(pos position.Position, p risk.OrderProposal, at time.Time, tradeID string) (position.Position, journal.Trade, error) {
	if !p.Actionable() {
		return pos, journal.Trade{}, ErrNotActionable
	}

	qty, cash := pos.Qty, pos.Cash
	switch p.Action {
	case risk.ActionBuy:
		qty = qty.Add(p.TrimmedQty)
		cash = cash.Sub(p.Notional).Sub(p.Commission)
	case risk.ActionSell:
		qty = qty.Sub(p.TrimmedQty)
		cash = cash.Add(p.Notional).Sub(p.Commission)
	default:
		return pos, journal.Trade{}, ErrNotActionable
	}

	if cash.IsNegative() {
		return pos, journal.Trade{}, fmt.Errorf("%w: %s %s @ %s needs %s, have %s",
			ErrInsufficientFunds, p.Action, p.TrimmedQty, p.Price, p.Notional.Add(p.Commission), pos.Cash)
	}
	if qty.IsNegative() {
		return pos, journal.Trade{}, fmt.Errorf("%w: sell %s, hold %s",
			ErrInsufficientShares, p.TrimmedQty, pos.Qty)
	}

	out := pos.Clone()
	out.Qty = qty
	out.Cash = cash
	fill := p.Price
	out.AnchorPrice = &fill
	out.UpdatedAt = at

	t := journal.Trade{
		ID:          tradeID,
		PositionID:  pos.ID,
		Timestamp:   at,
		Side:        string(p.Action),
		Qty:         p.TrimmedQty,
		Price:       p.Price,
		Commission:  p.Commission,
		CashAfter:   cash,
		SharesAfter: qty,
	}
	return out, t, nil
}
