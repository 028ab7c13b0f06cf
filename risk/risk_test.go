package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/policy"
	"github.com/rustyeddy/volbalance/position"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func newPos(qty, cash, anchor string) position.Position {
	p := position.Position{
		ID:          "pos_test",
		AssetSymbol: "AAPL",
		Qty:         d(qty),
		Cash:        d(cash),
		Status:      position.StatusRunning,
		OrderPolicy: policy.DefaultOrderPolicy(),
		Guardrails:  policy.DefaultGuardrails(),
	}
	if anchor != "" {
		a := d(anchor)
		p.AnchorPrice = &a
	}
	return p
}

func quote(price string) market.Quote {
	return market.NewQuote("AAPL", d(price), time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC))
}

func TestEvaluateTriggers(t *testing.T) {
	tests := []struct {
		name       string
		price      string
		wantSide   Side
		wantChange float64
	}{
		{"buy at threshold", "97", SideBuy, -0.03},
		{"hold inside threshold", "98.50", "", -0.015},
		{"hold on small rise", "102", "", 0.02},
		{"sell at threshold", "103", SideSell, 0.03},
		{"deep buy", "90", SideBuy, -0.10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Evaluate(newPos("100", "10000", "100"), quote(tt.price))
			assert.Equal(t, tt.wantSide, p.Side)
			assert.InDelta(t, tt.wantChange, p.PriceChangePct, 1e-12)
			assert.True(t, p.Validation.Valid)
			if tt.wantSide == "" {
				assert.Equal(t, ActionHold, p.Action)
				assert.Contains(t, p.ActionReason, ReasonWithinTrigger)
			}
		})
	}
}

func TestEvaluateAtThresholdHasNoExcess(t *testing.T) {
	// Exactly at the threshold the trigger fires but the excess is zero,
	// so the default hold policy emits no order.
	p := Evaluate(newPos("100", "10000", "100"), quote("97"))
	assert.Equal(t, SideBuy, p.Side)
	assert.Equal(t, ActionHold, p.Action)
	assert.True(t, p.RawQty.IsZero())
	assert.True(t, p.TrimmedQty.IsZero())
	assert.False(t, p.Actionable())
}

func TestEvaluateSizing(t *testing.T) {
	// total = 100*90 + 10000 = 19000; notional = 0.5 * 0.07 * 19000 = 665
	p := Evaluate(newPos("100", "10000", "100"), quote("90"))
	require.Equal(t, ActionBuy, p.Action)
	assert.True(t, p.Actionable())
	assertDec(t, "7.38888889", p.RawQty)
	assertDec(t, "7", p.TrimmedQty)
	assertDec(t, "630", p.Notional)
	assertDec(t, "0.063", p.Commission)
	assertDec(t, "100", p.AnchorPrice)
}

func TestEvaluateSellCappedAtHeld(t *testing.T) {
	pos := newPos("2", "10000", "100")
	pos.OrderPolicy.RebalanceRatio = 5
	p := Evaluate(pos, quote("110"))
	require.Equal(t, ActionSell, p.Action)
	assertDec(t, "2", p.TrimmedQty)
	require.Len(t, p.Validation.Warnings, 1)
	assert.Contains(t, p.Validation.Warnings[0], "capped")
}

func TestEvaluateNoAnchor(t *testing.T) {
	p := Evaluate(newPos("100", "10000", ""), quote("90"))
	assert.False(t, p.Validation.Valid)
	assert.Equal(t, []string{ReasonNoAnchor}, p.Validation.Rejections)
	assert.Equal(t, ActionHold, p.Action)
	assert.False(t, p.Actionable())
}

func TestEvaluateAfterHours(t *testing.T) {
	q := quote("90")
	q.Session = market.SessionExtended

	p := Evaluate(newPos("100", "10000", "100"), q)
	assert.False(t, p.Validation.Valid)
	assert.Contains(t, p.Validation.Rejections, ReasonAfterHours)
	assert.False(t, p.Actionable())

	pos := newPos("100", "10000", "100")
	pos.OrderPolicy.AllowAfterHours = true
	p = Evaluate(pos, q)
	assert.True(t, p.Validation.Valid)
	assert.True(t, p.Actionable())
}

func TestEvaluateBelowMinimum(t *testing.T) {
	tests := []struct {
		name       string
		action     policy.BelowMinAction
		wantAction Action
		wantValid  bool
		wantQty    string
	}{
		{"hold", policy.BelowMinHold, ActionHold, true, "0"},
		{"trim", policy.BelowMinTrim, ActionBuy, true, "10"},
		{"reject", policy.BelowMinReject, ActionBuy, false, "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := newPos("100", "10000", "100")
			pos.OrderPolicy.MinQty = d("10")
			pos.OrderPolicy.ActionBelowMin = tt.action

			p := Evaluate(pos, quote("90"))
			assert.Equal(t, tt.wantAction, p.Action)
			assert.Equal(t, tt.wantValid, p.Validation.Valid)
			assertDec(t, tt.wantQty, p.TrimmedQty)
			if !tt.wantValid {
				assert.Contains(t, p.Validation.Rejections, ReasonBelowMinimum)
			}
		})
	}
}

func TestEvaluateLotSize(t *testing.T) {
	pos := newPos("1000", "100000", "100")
	pos.OrderPolicy.LotSize = d("50")
	// total = 90000 + 100000 = 190000; notional = 0.5*0.07*190000 = 6650; raw = 73.9
	p := Evaluate(pos, quote("90"))
	assertDec(t, "50", p.TrimmedQty)
	assertDec(t, "4500", p.Notional)
}

func TestEvaluateIsPure(t *testing.T) {
	pos := newPos("100", "10000", "100")
	q := quote("91.37")

	a := Evaluate(pos, q)
	b := Evaluate(pos, q)
	assert.Equal(t, a, b)
	assertDec(t, "100", *pos.AnchorPrice)
	assertDec(t, "100", pos.Qty)
}

func proposal(action Action, qty, price string) OrderProposal {
	p := OrderProposal{
		Side:       Side(action),
		Action:     action,
		Price:      d(price),
		Validation: Validation{Valid: true},
	}
	p.setQty(d(qty), 0)
	return p
}

func noCommission(pos position.Position) position.Position {
	pos.OrderPolicy.CommissionRate = 0
	return pos
}

func TestValidateAllocationTrim(t *testing.T) {
	g := policy.Guardrails{MinStockAllocPct: 25, MaxStockAllocPct: 75, MaxOrdersPerDay: 5}

	t.Run("buy trimmed to max", func(t *testing.T) {
		pos := noCommission(newPos("70", "3000", "100"))
		in := proposal(ActionBuy, "10", "100")
		require.InDelta(t, 80.0, ProjectedStockPct(pos, in), 1e-9)

		out := Validate(pos, in, g, 0)
		assert.True(t, out.Validation.Valid)
		assertDec(t, "5", out.TrimmedQty)
		assertDec(t, "500", out.Notional)
		assert.InDelta(t, 75.0, ProjectedStockPct(pos, out), 1e-9)
		assert.Empty(t, out.GuardrailBlockReason)
		assert.Len(t, out.Validation.Warnings, 1)
	})

	t.Run("buy rejected when lot cannot fit", func(t *testing.T) {
		pos := noCommission(newPos("70", "3000", "100"))
		pos.OrderPolicy.LotSize = d("10")
		out := Validate(pos, proposal(ActionBuy, "10", "100"), g, 0)
		assert.False(t, out.Validation.Valid)
		assert.Equal(t, ReasonAllocation, out.GuardrailBlockReason)
		assert.Contains(t, out.Validation.Rejections, ReasonAllocation)
	})

	t.Run("sell trimmed to min", func(t *testing.T) {
		pos := noCommission(newPos("30", "7000", "100"))
		out := Validate(pos, proposal(ActionSell, "10", "100"), g, 0)
		assert.True(t, out.Validation.Valid)
		assertDec(t, "5", out.TrimmedQty)
		assert.InDelta(t, 25.0, ProjectedStockPct(pos, out), 1e-9)
	})

	t.Run("inside band untouched", func(t *testing.T) {
		pos := noCommission(newPos("50", "5000", "100"))
		in := proposal(ActionBuy, "5", "100")
		out := Validate(pos, in, g, 0)
		assert.Equal(t, in, out)
	})

	t.Run("buffered stops short of bound", func(t *testing.T) {
		pos := noCommission(newPos("60", "4000", "100"))
		bg := g
		bg.TrimMode = policy.TrimBuffered
		bg.TrimBufferPct = 5
		out := Validate(pos, proposal(ActionBuy, "20", "100"), bg, 0)
		assertDec(t, "10", out.TrimmedQty)
		assert.InDelta(t, 70.0, ProjectedStockPct(pos, out), 1e-9)
	})

	t.Run("commission counted in projection", func(t *testing.T) {
		pos := newPos("70", "3000", "100")
		pos.OrderPolicy.CommissionRate = 0.01
		out := Validate(pos, proposal(ActionBuy, "10", "100"), g, 0)
		// (7500-7000) / (100 * 1.0075) = 4.96 -> 4
		assertDec(t, "4", out.TrimmedQty)
		assert.LessOrEqual(t, ProjectedStockPct(pos, out), 75.0)
	})
}

func TestValidateDailyCap(t *testing.T) {
	g := policy.Guardrails{MinStockAllocPct: 0, MaxStockAllocPct: 100, MaxOrdersPerDay: 5}
	pos := noCommission(newPos("50", "5000", "100"))

	for today := 0; today < 5; today++ {
		out := Validate(pos, proposal(ActionBuy, "1", "100"), g, today)
		assert.True(t, out.Validation.Valid, "order %d", today+1)
	}

	out := Validate(pos, proposal(ActionBuy, "1", "100"), g, 5)
	assert.False(t, out.Validation.Valid)
	assert.Equal(t, ReasonDailyCap, out.GuardrailBlockReason)
	assert.Contains(t, out.Validation.Rejections, ReasonDailyCap)

	invalid := proposal(ActionBuy, "1", "100")
	invalid.Validation.reject(ReasonAfterHours)
	out = Validate(pos, invalid, g, 7)
	assert.Equal(t, ReasonDailyCap, out.GuardrailBlockReason)
	assert.Equal(t, []string{ReasonAfterHours}, invalid.Validation.Rejections)
}

func TestValidateHoldUntouched(t *testing.T) {
	pos := newPos("100", "0", "100")
	in := Evaluate(pos, quote("99"))
	require.Equal(t, ActionHold, in.Action)

	out := Validate(pos, in, policy.Guardrails{MinStockAllocPct: 50, MaxStockAllocPct: 60, MaxOrdersPerDay: 1}, 10)
	assert.Equal(t, in, out)
	assert.True(t, out.Validation.Valid)
}

func TestValidateNeverIncreasesQty(t *testing.T) {
	grails := []policy.Guardrails{
		{MinStockAllocPct: 25, MaxStockAllocPct: 75, MaxOrdersPerDay: 5},
		{MinStockAllocPct: 40, MaxStockAllocPct: 60, MaxOrdersPerDay: 5},
		{MinStockAllocPct: 0, MaxStockAllocPct: 100, MaxOrdersPerDay: 5},
		{MinStockAllocPct: 25, MaxStockAllocPct: 75, MaxOrdersPerDay: 5, TrimMode: policy.TrimBuffered, TrimBufferPct: 10},
	}
	prices := []string{"60", "80", "94", "97", "103", "111", "140"}
	positions := []position.Position{
		newPos("100", "10000", "100"),
		newPos("10", "50000", "100"),
		newPos("500", "100", "100"),
	}

	for _, pos := range positions {
		for _, price := range prices {
			in := Evaluate(pos, quote(price))
			for _, g := range grails {
				out := Validate(pos, in, g, 0)
				assert.True(t, out.TrimmedQty.LessThanOrEqual(in.TrimmedQty),
					"qty grew from %s to %s at %s", in.TrimmedQty, out.TrimmedQty, price)
				if out.Actionable() {
					pct := ProjectedStockPct(pos, out)
					lo, hi := g.Bounds()
					if in.Action == ActionBuy {
						assert.LessOrEqual(t, pct, hi+1e-9)
					} else {
						assert.GreaterOrEqual(t, pct, lo-1e-9)
					}
				}
			}
		}
	}
}
