// Package backtest replays a historical price series through the same
// trigger, guardrail and execution logic the live engine uses, against a
// private position, and compares the outcome with buy-and-hold.
package backtest

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/volbalance/dividend"
	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/policy"
	"github.com/rustyeddy/volbalance/position"
	"github.com/rustyeddy/volbalance/risk"
	"github.com/rustyeddy/volbalance/sim"
)

var ErrInvalidInput = errors.New("invalid simulation input")

// positionID names the forked position inside a run.
const positionID = "backtest"

type Input struct {
	Symbol             string                 `json:"symbol"`
	Series             []market.Quote         `json:"series"`
	InitialCash        decimal.Decimal        `json:"initial_cash"`
	InitialQty         decimal.Decimal        `json:"initial_qty"`
	OrderPolicy        policy.OrderPolicy     `json:"order_policy"`
	Guardrails         policy.Guardrails      `json:"guardrails"`
	Dividends          []market.DividendEvent `json:"dividends"`
	WithholdingTaxRate float64                `json:"withholding_tax_rate"`
}

func (in Input) validate() error {
	if len(in.Series) == 0 {
		return fmt.Errorf("%w: empty price series", ErrInvalidInput)
	}
	if in.InitialCash.IsNegative() || in.InitialQty.IsNegative() {
		return fmt.Errorf("%w: initial cash and qty must be >= 0", ErrInvalidInput)
	}
	if in.InitialCash.IsZero() && in.InitialQty.IsZero() {
		return fmt.Errorf("%w: no initial capital", ErrInvalidInput)
	}
	if in.WithholdingTaxRate < 0 || in.WithholdingTaxRate >= 1 {
		return fmt.Errorf("%w: withholding_tax_rate must be in [0,1)", ErrInvalidInput)
	}
	for i, q := range in.Series {
		if !q.Price.IsPositive() {
			return fmt.Errorf("%w: series[%d] price must be positive", ErrInvalidInput, i)
		}
	}
	if err := in.OrderPolicy.Validate(); err != nil {
		return err
	}
	return in.Guardrails.Validate()
}

// Metrics are the risk/return figures for one strategy.
type Metrics struct {
	StartValue     decimal.Decimal `json:"start_value"`
	EndValue       decimal.Decimal `json:"end_value"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	ReturnPct      float64         `json:"return_pct"`
	Volatility     float64         `json:"volatility"`
	Sharpe         float64         `json:"sharpe"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct"`
}

// Comparison measures the algorithm against buy-and-hold.
type Comparison struct {
	ExcessReturnPct  float64 `json:"excess_return_pct"`
	Alpha            float64 `json:"alpha"`
	Beta             float64 `json:"beta"`
	InformationRatio float64 `json:"information_ratio"`
}

// Day is the closing state of both strategies on one trading day.
type Day struct {
	Date            time.Time       `json:"date"`
	Price           decimal.Decimal `json:"price"`
	AlgorithmValue  decimal.Decimal `json:"algorithm_value"`
	BuyHoldValue    decimal.Decimal `json:"buy_hold_value"`
	AlgorithmReturn float64         `json:"algorithm_return"`
	BuyHoldReturn   float64         `json:"buy_hold_return"`
}

type Result struct {
	Symbol     string     `json:"symbol"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	Algorithm  Metrics    `json:"algorithm"`
	BuyHold    Metrics    `json:"buy_hold"`
	Comparison Comparison `json:"comparison"`

	Trades    []journal.Trade       `json:"trades"`
	Days      []Day                 `json:"days"`
	Dividends []dividend.Receivable `json:"dividends"`

	Evaluations int `json:"evaluations"`
	Blocked     int `json:"blocked"`
	EventCount  int `json:"event_count"`

	Final position.Position `json:"final_position"`
}

// holding is the buy-and-hold side of a run.
type holding struct {
	qty  decimal.Decimal
	cash decimal.Decimal
}

func (h holding) value(price decimal.Decimal) decimal.Decimal {
	return h.qty.Mul(price).Add(h.cash)
}

type run struct {
	in      Input
	pos     position.Position
	hold    holding
	res     Result
	pending []dividend.Receivable
	divs    []market.DividendEvent
	nextDiv int
	seq     int
}

// Simulate replays in and returns the result. It has no side effects and
// identical inputs give identical results.
func Simulate(in Input) (Result, error) {
	if err := in.validate(); err != nil {
		return Result{}, err
	}

	series := slices.Clone(in.Series)
	sort.SliceStable(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
	divs := slices.Clone(in.Dividends)
	sort.SliceStable(divs, func(i, j int) bool { return divs[i].ExDate.Before(divs[j].ExDate) })

	first := series[0]
	anchor := first.Price
	r := &run{
		in:   in,
		divs: divs,
		pos: position.Position{
			ID:                 positionID,
			AssetSymbol:        in.Symbol,
			Qty:                in.InitialQty,
			Cash:               in.InitialCash,
			AnchorPrice:        &anchor,
			Status:             position.StatusRunning,
			WithholdingTaxRate: in.WithholdingTaxRate,
			OrderPolicy:        in.OrderPolicy,
			Guardrails:         in.Guardrails,
			CreatedAt:          first.Timestamp,
			UpdatedAt:          first.Timestamp,
		},
	}

	initial := r.pos.TotalValue(first.Price)
	bhQty := initial.Div(first.Price).Truncate(8)
	r.hold = holding{qty: bhQty, cash: initial.Sub(bhQty.Mul(first.Price))}

	// Dividends that went ex before the series starts are not replayed.
	for r.nextDiv < len(divs) && market.Day(divs[r.nextDiv].ExDate).Before(market.Day(first.Timestamp)) {
		r.nextDiv++
	}

	r.res = Result{
		Symbol: in.Symbol,
		Start:  first.Timestamp,
		End:    series[len(series)-1].Timestamp,
		Trades: []journal.Trade{},
	}

	for i, q := range series {
		if q.Symbol == "" {
			q.Symbol = in.Symbol
		}
		if err := r.step(q); err != nil {
			return Result{}, err
		}
		last := i == len(series)-1 || !market.Day(series[i+1].Timestamp).Equal(market.Day(q.Timestamp))
		if last {
			r.closeDay(q)
		}
	}

	r.finish(initial)
	return r.res, nil
}

func (r *run) step(q market.Quote) error {
	if err := r.dividends(q.Timestamp); err != nil {
		return err
	}

	p := risk.Evaluate(r.pos, q)
	p = risk.Validate(r.pos, p, r.pos.Guardrails, r.ordersOn(q.Timestamp))
	r.res.Evaluations++
	r.res.EventCount++
	if p.GuardrailBlockReason != "" {
		r.res.Blocked++
	}
	if !p.Actionable() {
		return nil
	}

	r.seq++
	next, trade, err := sim.Apply(r.pos, p, q.Timestamp, fmt.Sprintf("bt-%06d", r.seq))
	if err != nil {
		return fmt.Errorf("backtest at %s: %w", q.Timestamp.Format(time.RFC3339), err)
	}
	r.pos = next
	r.res.Trades = append(r.res.Trades, trade)
	return nil
}

func (r *run) ordersOn(at time.Time) int {
	day := market.Day(at)
	n := 0
	for i := len(r.res.Trades) - 1; i >= 0; i-- {
		if !market.Day(r.res.Trades[i].Timestamp).Equal(day) {
			break
		}
		n++
	}
	return n
}

// dividends records receivables for every dividend that has gone ex by at
// and pays the ones that have come due. Buy-and-hold collects the same
// dividends on its own shares.
func (r *run) dividends(at time.Time) error {
	for r.nextDiv < len(r.divs) && !market.Day(at).Before(market.Day(r.divs[r.nextDiv].ExDate)) {
		ev := r.divs[r.nextDiv]
		r.nextDiv++
		if !ev.DPS.IsPositive() {
			return fmt.Errorf("%w: dividend on %s has non-positive dps", ErrInvalidInput, ev.ExDate.Format(time.DateOnly))
		}
		if ev.PayDate.IsZero() {
			ev.PayDate = ev.ExDate
		}

		if r.pos.Qty.IsPositive() {
			r.seq++
			rec := dividend.NewReceivable(fmt.Sprintf("bt-%06d", r.seq), r.pos, ev, at)
			r.pending = append(r.pending, rec)
			r.res.EventCount++
		}
		if r.hold.qty.IsPositive() {
			bh := dividend.NewReceivable("", position.Position{Qty: r.hold.qty, WithholdingTaxRate: r.in.WithholdingTaxRate}, ev, at)
			r.hold.cash = r.hold.cash.Add(bh.NetAmount)
		}
	}

	kept := r.pending[:0]
	for _, rec := range r.pending {
		if !rec.Due(at) {
			kept = append(kept, rec)
			continue
		}
		var paid dividend.Receivable
		r.pos, paid = dividend.Credit(r.pos, rec, at)
		r.res.Dividends = append(r.res.Dividends, paid)
		r.res.EventCount++
	}
	r.pending = kept
	return nil
}

func (r *run) closeDay(q market.Quote) {
	r.res.Days = append(r.res.Days, Day{
		Date:           market.Day(q.Timestamp),
		Price:          q.Price,
		AlgorithmValue: r.pos.TotalValue(q.Price),
		BuyHoldValue:   r.hold.value(q.Price),
	})
}

func (r *run) finish(initial decimal.Decimal) {
	r.res.Dividends = append(r.res.Dividends, r.pending...)
	if r.res.Dividends == nil {
		r.res.Dividends = []dividend.Receivable{}
	}
	r.res.Final = r.pos

	algo := make([]float64, len(r.res.Days))
	bh := make([]float64, len(r.res.Days))
	for i, d := range r.res.Days {
		algo[i] = d.AlgorithmValue.InexactFloat64()
		bh[i] = d.BuyHoldValue.InexactFloat64()
	}
	algoRet, bhRet := dailyReturns(algo), dailyReturns(bh)
	for i := 1; i < len(r.res.Days); i++ {
		r.res.Days[i].AlgorithmReturn = finite(algoRet[i-1])
		r.res.Days[i].BuyHoldReturn = finite(bhRet[i-1])
	}

	r.res.Algorithm = strategyMetrics(initial, r.res.Days[len(r.res.Days)-1].AlgorithmValue, algo, algoRet)
	r.res.BuyHold = strategyMetrics(initial, r.res.Days[len(r.res.Days)-1].BuyHoldValue, bh, bhRet)

	alpha, beta := regress(algoRet, bhRet)
	r.res.Comparison = Comparison{
		ExcessReturnPct:  finite(r.res.Algorithm.ReturnPct - r.res.BuyHold.ReturnPct),
		Alpha:            finite(alpha),
		Beta:             finite(beta),
		InformationRatio: finite(informationRatio(algoRet, bhRet)),
	}
}

func strategyMetrics(start, end decimal.Decimal, values, returns []float64) Metrics {
	m := Metrics{
		StartValue:     start,
		EndValue:       end,
		TotalPnL:       end.Sub(start),
		Volatility:     finite(annualVolatility(returns)),
		Sharpe:         finite(sharpe(returns)),
		MaxDrawdownPct: finite(maxDrawdownPct(values)),
	}
	if start.IsPositive() {
		m.ReturnPct = finite(m.TotalPnL.Div(start).InexactFloat64() * 100)
	}
	return m
}
