package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/volbalance/internal/logger"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/observability"
	"github.com/rustyeddy/volbalance/policy"
)

// Request describes a simulation over a date range of feed data.
type Request struct {
	Ticker             string              `json:"ticker"`
	StartDate          time.Time           `json:"start_date"`
	EndDate            time.Time           `json:"end_date"`
	InitialCash        decimal.Decimal     `json:"initial_cash"`
	InitialQty         decimal.Decimal     `json:"initial_qty"`
	OrderPolicy        *policy.OrderPolicy `json:"order_policy,omitempty"`
	Guardrails         *policy.Guardrails  `json:"guardrails,omitempty"`
	WithholdingTaxRate float64             `json:"withholding_tax_rate"`
}

// Runner loads history from a feed and simulates it. Runs share no state
// and may execute concurrently.
type Runner struct {
	Feed       market.Feed
	Policy     policy.OrderPolicy
	Guardrails policy.Guardrails
	Log        *zap.Logger
	Metrics    *observability.Metrics
}

// Input resolves req against the feed. EndDate is inclusive.
func (r *Runner) Input(ctx context.Context, req Request) (Input, error) {
	if r.Feed == nil {
		return Input{}, fmt.Errorf("backtest: Feed is required")
	}
	if req.Ticker == "" {
		return Input{}, fmt.Errorf("%w: ticker is required", ErrInvalidInput)
	}
	if !req.EndDate.IsZero() && req.EndDate.Before(req.StartDate) {
		return Input{}, fmt.Errorf("%w: end_date before start_date", ErrInvalidInput)
	}

	end := req.EndDate
	if !end.IsZero() {
		end = market.Day(end).AddDate(0, 0, 1)
	}
	series, err := r.Feed.GetHistoricalSeries(ctx, req.Ticker, req.StartDate, end)
	if err != nil {
		return Input{}, fmt.Errorf("load %s history: %w", req.Ticker, err)
	}
	if len(series) == 0 {
		return Input{}, fmt.Errorf("%w: no %s prices between %s and %s", ErrInvalidInput, req.Ticker,
			req.StartDate.Format(time.DateOnly), req.EndDate.Format(time.DateOnly))
	}

	var divs []market.DividendEvent
	if src, ok := r.Feed.(market.DividendSource); ok {
		divs, err = src.GetDividends(ctx, req.Ticker, req.StartDate, end)
		if err != nil {
			return Input{}, fmt.Errorf("load %s dividends: %w", req.Ticker, err)
		}
	}

	in := Input{
		Symbol:             req.Ticker,
		Series:             series,
		InitialCash:        req.InitialCash,
		InitialQty:         req.InitialQty,
		OrderPolicy:        r.Policy,
		Guardrails:         r.Guardrails,
		Dividends:          divs,
		WithholdingTaxRate: req.WithholdingTaxRate,
	}
	if req.OrderPolicy != nil {
		in.OrderPolicy = *req.OrderPolicy
	}
	if req.Guardrails != nil {
		in.Guardrails = *req.Guardrails
	}
	return in, nil
}

// Run resolves req and simulates it.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	in, err := r.Input(ctx, req)
	if err == nil {
		var res Result
		res, err = Simulate(in)
		if err == nil {
			r.Metrics.ObserveSimulation(time.Since(start), nil)
			r.log().Info("simulation complete",
				zap.String("symbol", req.Ticker),
				zap.Int("points", len(in.Series)),
				zap.Int("trades", len(res.Trades)),
				zap.Float64("return_pct", res.Algorithm.ReturnPct),
				zap.Float64("buy_hold_return_pct", res.BuyHold.ReturnPct))
			return res, nil
		}
	}
	r.Metrics.ObserveSimulation(time.Since(start), err)
	r.log().Warn("simulation failed", zap.String("symbol", req.Ticker), zap.Error(err))
	return Result{}, err
}

func (r *Runner) log() *zap.Logger { return logger.OrNop(r.Log) }
