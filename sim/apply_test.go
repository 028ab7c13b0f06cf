package sim

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/volbalance/policy"
	"github.com/rustyeddy/volbalance/position"
	"github.com/rustyeddy/volbalance/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var at = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func pos(qty, cash string) position.Position {
	a := d("100")
	return position.Position{
		ID:          "pos_1",
		AssetSymbol: "AAPL",
		Qty:         d(qty),
		Cash:        d(cash),
		AnchorPrice: &a,
		Status:      position.StatusRunning,
		OrderPolicy: policy.DefaultOrderPolicy(),
		Guardrails:  policy.DefaultGuardrails(),
	}
}

func order(action risk.Action, qty, price, commission string) risk.OrderProposal {
	q, p := d(qty), d(price)
	return risk.OrderProposal{
		Side:       risk.Side(action),
		Action:     action,
		Price:      p,
		TrimmedQty: q,
		Notional:   q.Mul(p),
		Commission: d(commission),
		Validation: risk.Validation{Valid: true},
	}
}

func TestApplyBuy(t *testing.T) {
	in := pos("100", "10000")
	out, tr, err := Apply(in, order(risk.ActionBuy, "7", "90", "0.063"), at, "trd_1")
	require.NoError(t, err)

	assert.True(t, out.Qty.Equal(d("107")))
	assert.True(t, out.Cash.Equal(d("9369.937")))
	require.NotNil(t, out.AnchorPrice)
	assert.True(t, out.AnchorPrice.Equal(d("90")))
	assert.True(t, out.UpdatedAt.Equal(at))

	assert.Equal(t, "trd_1", tr.ID)
	assert.Equal(t, "pos_1", tr.PositionID)
	assert.Equal(t, "BUY", tr.Side)
	assert.True(t, tr.CashAfter.Equal(out.Cash))
	assert.True(t, tr.SharesAfter.Equal(out.Qty))

	// input untouched
	assert.True(t, in.Qty.Equal(d("100")))
	assert.True(t, in.AnchorPrice.Equal(d("100")))
}

func TestApplySell(t *testing.T) {
	out, tr, err := Apply(pos("10", "0"), order(risk.ActionSell, "4", "110", "0.044"), at, "trd_2")
	require.NoError(t, err)
	assert.True(t, out.Qty.Equal(d("6")))
	assert.True(t, out.Cash.Equal(d("439.956")))
	assert.Equal(t, "SELL", tr.Side)
}

func TestApplyInvariantViolations(t *testing.T) {
	tests := []struct {
		name    string
		pos     position.Position
		order   risk.OrderProposal
		wantErr error
	}{
		{"buy beyond cash", pos("0", "100"), order(risk.ActionBuy, "7", "90", "0"), ErrInsufficientFunds},
		{"commission tips cash negative", pos("0", "630"), order(risk.ActionBuy, "7", "90", "0.01"), ErrInsufficientFunds},
		{"sell beyond shares", pos("2", "0"), order(risk.ActionSell, "4", "110", "0"), ErrInsufficientShares},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, tr, err := Apply(tt.pos, tt.order, at, "trd_x")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsInvariantViolation(err))
			assert.Empty(t, tr.ID)
			assert.True(t, out.Qty.Equal(tt.pos.Qty))
			assert.True(t, out.Cash.Equal(tt.pos.Cash))
		})
	}
}

func TestApplyNotActionable(t *testing.T) {
	hold := order(risk.ActionHold, "0", "90", "0")
	_, _, err := Apply(pos("1", "1"), hold, at, "x")
	assert.ErrorIs(t, err, ErrNotActionable)
	assert.False(t, IsInvariantViolation(err))

	invalid := order(risk.ActionBuy, "1", "90", "0")
	invalid.Validation.Valid = false
	_, _, err = Apply(pos("1", "1000"), invalid, at, "x")
	assert.ErrorIs(t, err, ErrNotActionable)
}
