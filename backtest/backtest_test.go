package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/volbalance/dividend"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/policy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(n int) time.Time {
	return time.Date(2024, 1, 1+n, 20, 0, 0, 0, time.UTC)
}

func series(prices ...string) []market.Quote {
	out := make([]market.Quote, len(prices))
	for i, p := range prices {
		out[i] = market.NewQuote("AAPL", d(p), day(i))
	}
	return out
}

func input(prices ...string) Input {
	return Input{
		Symbol:      "AAPL",
		Series:      series(prices...),
		InitialCash: d("10000"),
		InitialQty:  d("100"),
		OrderPolicy: policy.DefaultOrderPolicy(),
		Guardrails:  policy.DefaultGuardrails(),
	}
}

func TestSimulateTrades(t *testing.T) {
	res, err := Simulate(input("100", "90", "100"))
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, "bt-000001", res.Trades[0].ID)
	assert.Equal(t, "BUY", res.Trades[0].Side)
	assert.True(t, res.Trades[0].Qty.Equal(d("7")))
	assert.Equal(t, "bt-000002", res.Trades[1].ID)
	assert.Equal(t, "SELL", res.Trades[1].Side)
	assert.True(t, res.Trades[1].Qty.Equal(d("8")))

	assert.True(t, res.Final.Qty.Equal(d("99")))
	assert.True(t, res.Final.Cash.Equal(d("10169.857")), "cash %s", res.Final.Cash)
	assert.Equal(t, 3, res.Evaluations)
	assert.Equal(t, 3, res.EventCount)

	require.Len(t, res.Days, 3)
	assert.True(t, res.Days[1].AlgorithmValue.Equal(d("18999.937")))
	assert.True(t, res.Days[1].BuyHoldValue.Equal(d("18000")))

	assert.True(t, res.Algorithm.TotalPnL.Equal(d("69.857")))
	assert.InDelta(t, 0.349285, res.Algorithm.ReturnPct, 1e-9)
	assert.InDelta(t, 5.000315, res.Algorithm.MaxDrawdownPct, 1e-6)
	assert.True(t, res.BuyHold.TotalPnL.IsZero())
	assert.InDelta(t, 10, res.BuyHold.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, 0.349285, res.Comparison.ExcessReturnPct, 1e-9)
	assert.Greater(t, res.BuyHold.Volatility, res.Algorithm.Volatility)
	assert.Greater(t, res.Comparison.Beta, 0.0)
}

func TestSimulateHoldsFlatSeries(t *testing.T) {
	res, err := Simulate(input("100", "101", "99", "100.5"))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.NotNil(t, res.Trades)
	assert.True(t, res.Final.Cash.Equal(d("10000")))
	assert.Equal(t, 4, res.Evaluations)
}

func TestSimulateSortsSeries(t *testing.T) {
	in := input("100", "90", "100")
	sorted, err := Simulate(in)
	require.NoError(t, err)

	in.Series = []market.Quote{in.Series[2], in.Series[0], in.Series[1]}
	shuffled, err := Simulate(in)
	require.NoError(t, err)
	assert.Equal(t, sorted, shuffled)
}

func TestSimulateIsDeterministic(t *testing.T) {
	prices := []string{"100", "96", "93", "97", "104", "108", "101", "95", "99", "103"}
	in := input(prices...)
	in.Dividends = []market.DividendEvent{{Symbol: "AAPL", ExDate: day(3), PayDate: day(6), DPS: d("0.24")}}
	in.WithholdingTaxRate = 0.15

	a, err := Simulate(in)
	require.NoError(t, err)
	b, err := Simulate(in)
	require.NoError(t, err)

	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(ja, jb))
}

func TestSimulateDoesNotMutateInput(t *testing.T) {
	in := input("100", "90", "100")
	in.Series = []market.Quote{in.Series[1], in.Series[0], in.Series[2]}
	before := append([]market.Quote(nil), in.Series...)

	_, err := Simulate(in)
	require.NoError(t, err)
	assert.Equal(t, before, in.Series)
}

func TestSimulateDividends(t *testing.T) {
	in := input("100", "100", "100")
	in.WithholdingTaxRate = 0.25
	in.Dividends = []market.DividendEvent{
		{Symbol: "AAPL", ExDate: time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), DPS: d("9")},
		{Symbol: "AAPL", ExDate: day(1), PayDate: day(2), DPS: d("0.50")},
	}

	res, err := Simulate(in)
	require.NoError(t, err)

	require.Len(t, res.Dividends, 1)
	r := res.Dividends[0]
	assert.Equal(t, dividend.StatusPaid, r.Status)
	assert.True(t, r.GrossAmount.Equal(d("50.00")))
	assert.True(t, r.WithholdingTaxAmount.Equal(d("12.50")))
	assert.True(t, r.NetAmount.Equal(d("37.50")))

	assert.True(t, res.Final.Cash.Equal(d("10037.50")))
	// buy-and-hold: 200 shares net 75.00
	assert.True(t, res.Days[2].BuyHoldValue.Equal(d("20075")))
	assert.Equal(t, 5, res.EventCount)
}

func TestSimulatePendingDividendReported(t *testing.T) {
	in := input("100", "100")
	in.Dividends = []market.DividendEvent{{Symbol: "AAPL", ExDate: day(1), PayDate: day(30), DPS: d("1")}}

	res, err := Simulate(in)
	require.NoError(t, err)
	require.Len(t, res.Dividends, 1)
	assert.Equal(t, dividend.StatusPending, res.Dividends[0].Status)
	assert.True(t, res.Final.Cash.Equal(d("10000")))
}

func TestSimulateRespectsDailyCap(t *testing.T) {
	in := input()
	in.Guardrails.MaxOrdersPerDay = 1
	base := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	in.Series = []market.Quote{
		market.NewQuote("AAPL", d("100"), base),
		market.NewQuote("AAPL", d("90"), base.Add(time.Hour)),
		market.NewQuote("AAPL", d("80"), base.Add(2*time.Hour)),
		market.NewQuote("AAPL", d("70"), base.Add(24*time.Hour)),
	}

	res, err := Simulate(in)
	require.NoError(t, err)
	assert.Len(t, res.Trades, 2)
	assert.Equal(t, 1, res.Blocked)
	assert.Len(t, res.Days, 2)
}

func TestSimulateCashAndQtyNeverNegative(t *testing.T) {
	prices := []string{"100", "80", "60", "45", "30", "60", "120", "200", "320", "150", "90"}
	res, err := Simulate(input(prices...))
	require.NoError(t, err)
	for _, tr := range res.Trades {
		assert.False(t, tr.CashAfter.IsNegative(), tr.ID)
		assert.False(t, tr.SharesAfter.IsNegative(), tr.ID)
	}
}

func TestSimulateInvalidInput(t *testing.T) {
	_, err := Simulate(Input{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	in := input("100")
	in.InitialCash, in.InitialQty = decimal.Zero, decimal.Zero
	_, err = Simulate(in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	in = input("100", "0")
	_, err = Simulate(in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	in = input("100")
	in.OrderPolicy.RebalanceRatio = -1
	_, err = Simulate(in)
	assert.ErrorIs(t, err, policy.ErrInvalidPolicy)
}

func TestRunnerLoadsFromFeed(t *testing.T) {
	feed := market.NewMemoryFeed()
	feed.Load("AAPL", series("100", "90", "100", "80"))
	feed.AddDividend(market.DividendEvent{Symbol: "AAPL", ExDate: market.Day(day(1)), PayDate: market.Day(day(2)), DPS: d("0.5")})

	r := &Runner{Feed: feed, Policy: policy.DefaultOrderPolicy(), Guardrails: policy.DefaultGuardrails()}
	req := Request{
		Ticker:      "AAPL",
		StartDate:   market.Day(day(0)),
		EndDate:     market.Day(day(2)),
		InitialCash: d("10000"),
		InitialQty:  d("100"),
	}

	in, err := r.Input(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, in.Series, 3)
	assert.Len(t, in.Dividends, 1)

	res, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Trades, 2)

	req.Ticker = "MSFT"
	_, err = r.Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPrintResult(t *testing.T) {
	res, err := Simulate(input("100", "90", "100"))
	require.NoError(t, err)

	var buf bytes.Buffer
	PrintResult(&buf, res)
	out := buf.String()
	assert.Contains(t, out, "Symbol:        AAPL")
	assert.Contains(t, out, "Trades:        2")
	assert.Contains(t, out, "Net P/L:       69.86")
	assert.Contains(t, out, "Buy and Hold")
}

func TestStats(t *testing.T) {
	assert.Equal(t, []float64{0.1, -0.5}, dailyReturns([]float64{100, 110, 55}))
	assert.Nil(t, dailyReturns([]float64{1}))
	assert.InDelta(t, 25, maxDrawdownPct([]float64{100, 120, 90, 130}), 1e-9)
	assert.Zero(t, stdev([]float64{1}))
	assert.InDelta(t, 1, stdev([]float64{1, 2, 3}), 1e-12)
	assert.Zero(t, sharpe([]float64{0.01, 0.01}))

	x := []float64{0.01, -0.02, 0.015, 0.005}
	y := make([]float64, len(x))
	for i := range x {
		y[i] = 2*x[i] + 0.001
	}
	alpha, beta := regress(y, x)
	assert.InDelta(t, 2, beta, 1e-9)
	assert.InDelta(t, 0.252, alpha, 1e-9)

	bench := []float64{0, 0, 0}
	assert.InDelta(t, 1.0, informationRatio([]float64{0.01, 0, 0.02}, bench), 1e-12)
	assert.InDelta(t, 1.0, informationRatio([]float64{0.02, 0.01, 0.03}, []float64{0.01, 0.01, 0.01}), 1e-12)
	assert.Zero(t, informationRatio([]float64{0.01, 0.01}, []float64{0, 0}))
	assert.Zero(t, informationRatio(nil, nil))
}
