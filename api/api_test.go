package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/volbalance/backtest"
	"github.com/rustyeddy/volbalance/dividend"
	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/observability"
	"github.com/rustyeddy/volbalance/policy"
	"github.com/rustyeddy/volbalance/position"
	"github.com/rustyeddy/volbalance/risk"
	"github.com/rustyeddy/volbalance/sim"
	"github.com/rustyeddy/volbalance/store"
	"github.com/rustyeddy/volbalance/worker"
)

var at = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	srv   *httptest.Server
	store *store.Memory
	feed  *market.MemoryFeed
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := store.NewMemory()
	clock := func() time.Time { return at }
	engine := sim.NewEngine(s, sim.WithClock(clock))
	divs := dividend.NewManager(s, engine.Locks(), nil, nil)
	divs.SetClock(clock)
	feed := market.NewMemoryFeed()
	defaults := sim.Defaults{OrderPolicy: policy.DefaultOrderPolicy(), Guardrails: policy.DefaultGuardrails(), WithholdingTaxRate: 0.25}

	api := New(Deps{
		Engine:    engine,
		Dividends: divs,
		Worker:    worker.New(engine, divs, feed, worker.Config{Interval: time.Hour}, nil, nil),
		Feed:      feed,
		Runner:    &backtest.Runner{Feed: feed, Policy: defaults.OrderPolicy, Guardrails: defaults.Guardrails},
		Metrics:   observability.NewMetrics("test"),
		Defaults:  defaults,
	})
	api.now = clock

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	anchor := d("100")
	require.NoError(t, s.CreatePosition(context.Background(), position.Position{
		ID:                 "pos_1",
		AssetSymbol:        "AAPL",
		Qty:                d("100"),
		Cash:               d("10000"),
		AnchorPrice:        &anchor,
		Status:             position.StatusRunning,
		WithholdingTaxRate: 0.25,
		OrderPolicy:        policy.DefaultOrderPolicy(),
		Guardrails:         policy.DefaultGuardrails(),
		CreatedAt:          at,
	}))
	return fixture{srv: srv, store: s, feed: feed}
}

func (f fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestGetPosition(t *testing.T) {
	f := newFixture(t)

	var p position.Position
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/position/pos_1", "", &p))
	assert.Equal(t, "AAPL", p.AssetSymbol)
	assert.True(t, p.Qty.Equal(d("100")))

	var e errorBody
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/position/nope", "", &e))
	assert.Contains(t, e.Error, "not found")
}

func TestCreateAndListPositions(t *testing.T) {
	f := newFixture(t)

	var p position.Position
	code := f.do(t, "POST", "/positions", `{"asset_symbol":"MSFT","qty":"10","cash":"5000","anchor_price":"400"}`, &p)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, position.StatusReady, p.Status)
	assert.Equal(t, 0.25, p.WithholdingTaxRate)
	assert.Equal(t, policy.DefaultGuardrails(), p.Guardrails)

	var list []position.Position
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/positions?status=ready", "", &list))
	require.Len(t, list, 1)
	assert.Equal(t, "MSFT", list[0].AssetSymbol)

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/positions", `{"asset_symbol":"X","qty":"-1","cash":"0"}`, &e))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/positions", `{not json`, &e))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/positions?status=bogus", "", &e))
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)

	var p risk.OrderProposal
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/position/pos_1/evaluate?price=97", "", &p))
	assert.Equal(t, risk.ActionBuy, p.Action)

	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/position/pos_1/evaluate?price=98.50", "", &p))
	assert.Equal(t, risk.ActionHold, p.Action)

	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/position/pos_1/evaluate?price=90&session=extended", "", &p))
	assert.False(t, p.Validation.Valid)
	assert.Contains(t, p.Validation.Rejections, risk.ReasonAfterHours)

	trades, err := f.store.ListTrades(context.Background(), "pos_1")
	require.NoError(t, err)
	assert.Empty(t, trades)

	events, err := f.store.ListEvents(context.Background(), "pos_1", journal.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/position/pos_1/evaluate?price=abc", "", &e))
	assert.Equal(t, http.StatusBadGateway, f.do(t, "POST", "/position/pos_1/evaluate", "", &e))

	f.feed.Set(market.NewQuote("AAPL", d("105"), at))
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/position/pos_1/evaluate", "", &p))
	assert.Equal(t, risk.ActionSell, p.Action)
}

func TestAutoSize(t *testing.T) {
	f := newFixture(t)

	var out sim.Outcome
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/position/pos_1/auto-size?price=90", "", &out))
	require.NotNil(t, out.Trade)
	assert.True(t, out.Position.Qty.Equal(d("107")))

	var trades []journal.Trade
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/position/pos_1/trades", "", &trades))
	assert.Len(t, trades, 1)

	resp, err := http.Get(f.srv.URL + "/position/pos_1/trades?format=csv")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Equal(t, 2, strings.Count(string(body), "\n"))
}

func TestAnchorAndBaseline(t *testing.T) {
	f := newFixture(t)

	var p position.Position
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/position/pos_1/anchor", `{"price":"95"}`, &p))
	assert.True(t, p.AnchorPrice.Equal(d("95")))

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/position/pos_1/anchor", `{}`, &e))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/position/pos_1/anchor", `{"price":"-1"}`, &e))

	var b position.Baseline
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/position/pos_1/baseline/reset", `{"price":"100"}`, &b))
	assert.True(t, b.Price.Equal(d("100")))
	assert.True(t, b.Qty.Equal(d("100")))

	var c sim.Cockpit
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/position/pos_1/cockpit?price=110", "", &c))
	require.NotNil(t, c.Baseline)
	require.NotNil(t, c.Drift.PositionDeltaAbs)
	assert.True(t, c.Drift.PositionDeltaAbs.Equal(d("1000")))
	require.NotNil(t, c.Guardrails.WithinBounds)
	assert.True(t, *c.Guardrails.WithinBounds)

	// no price and an empty feed: cockpit still answers
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/position/pos_1/cockpit", "", &c))
	assert.Nil(t, c.Quote)

	var events []journal.Event
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/position/pos_1/events?types=anchor_reset,BASELINE_RESET", "", &events))
	require.Len(t, events, 2)
	assert.Equal(t, journal.EventAnchorReset, events[0].EvaluationType)
	assert.Equal(t, journal.EventBaselineReset, events[1].EvaluationType)

	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/position/pos_1/events?limit=1", "", &events))
	assert.Len(t, events, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/position/pos_1/events?limit=x", "", &e))
}

func TestConfigAndStatus(t *testing.T) {
	f := newFixture(t)

	var p position.Position
	assert.Equal(t, http.StatusOK, f.do(t, "PUT", "/position/pos_1/config", `{"guardrails":{"min_stock_alloc_pct":30,"max_stock_alloc_pct":70,"max_orders_per_day":3,"trim_mode":"boundary"}}`, &p))
	assert.Equal(t, 70.0, p.Guardrails.MaxStockAllocPct)

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, "PUT", "/position/pos_1/config", `{"guardrails":{"min_stock_alloc_pct":80,"max_stock_alloc_pct":70,"max_orders_per_day":3}}`, &e))

	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/position/pos_1/status", `{"status":"paused"}`, &p))
	assert.Equal(t, position.StatusPaused, p.Status)
	assert.Equal(t, http.StatusConflict, f.do(t, "POST", "/position/pos_1/status", `{"status":"ERROR"}`, &e))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/position/pos_1/status", `{"status":"nope"}`, &e))
}

func TestDividendRoutes(t *testing.T) {
	f := newFixture(t)

	var r dividend.Receivable
	assert.Equal(t, http.StatusCreated, f.do(t, "POST", "/position/pos_1/dividends/ex", `{"ex_date":"2024-03-04","pay_date":"2024-03-20","dps":"0.50"}`, &r))
	assert.True(t, r.NetAmount.Equal(d("37.50")))
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/position/pos_1/dividends/ex", `{"ex_date":"2024-03-04","pay_date":"2024-03-20","dps":"0.50"}`, &r))

	var list []dividend.Receivable
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/position/pos_1/dividends", "", &list))
	require.Len(t, list, 1)

	var paid dividend.Receivable
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/dividends/"+r.ID+"/pay", "", &paid))
	assert.Equal(t, dividend.StatusPaid, paid.Status)
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/dividends/"+r.ID+"/pay", "", &paid))

	var p position.Position
	f.do(t, "GET", "/position/pos_1", "", &p)
	assert.True(t, p.Cash.Equal(d("10037.50")))

	var e errorBody
	assert.Equal(t, http.StatusNotFound, f.do(t, "POST", "/dividends/div_nope/pay", "", &e))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/position/pos_1/dividends/ex", `{"ex_date":"soon","dps":"1"}`, &e))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/position/pos_1/dividends/ex", `{"ex_date":"2024-03-04","dps":"0"}`, &e))
	assert.Contains(t, e.Error, "invalid dividend event")
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/position/pos_1/dividends/ex", `{"ex_date":"2024-03-04","pay_date":"2024-03-01","dps":"0.50"}`, &e))
	assert.Contains(t, e.Error, "pay date")
}

func TestStatusForDividendErrors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("ex: %w", dividend.ErrInvalidDividend)))
	assert.Equal(t, http.StatusBadRequest, statusFor(dividend.ErrNoShares))
	assert.Equal(t, http.StatusNotFound, statusFor(dividend.ErrNotFound))
}

func TestWorkerRoutes(t *testing.T) {
	f := newFixture(t)

	var st worker.Status
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/worker/status", "", &st))
	assert.False(t, st.Enabled)

	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/worker/enable", `{"enabled":true}`, &st))
	assert.True(t, st.Enabled)
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/worker/enable", `{"enabled":false}`, &st))
	assert.False(t, st.Enabled)

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/worker/enable", `{}`, &e))
}

func TestSimulation(t *testing.T) {
	f := newFixture(t)
	for i, p := range []string{"100", "90", "100"} {
		f.feed.Set(market.NewQuote("SPY", d(p), time.Date(2024, 1, 2+i, 20, 0, 0, 0, time.UTC)))
	}

	var res backtest.Result
	code := f.do(t, "POST", "/simulation", `{"ticker":"SPY","start_date":"2024-01-01","end_date":"2024-01-31","initial_cash":"10000","initial_qty":"100"}`, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, res.Trades, 2)
	assert.Len(t, res.Days, 3)

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/simulation", `{"ticker":"QQQ","initial_cash":"1"}`, &e))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/simulation", `{"ticker":"SPY","start_date":"yesterday"}`, &e))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	var body map[string]string
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/healthz", "", &body))
	assert.Equal(t, "ok", body["status"])

	f.do(t, "POST", "/position/pos_1/evaluate?price=97", "", nil)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")
}
