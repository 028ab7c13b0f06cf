package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/volbalance/backtest"
	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/policy"
	"github.com/rustyeddy/volbalance/position"
	"github.com/rustyeddy/volbalance/sim"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var in sim.NewPosition
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Engine.Create(r.Context(), in, s.Defaults)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	var f position.Filter
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := position.ParseStatus(v)
		if err != nil {
			s.writeError(w, r, badRequest("%v", err))
			return
		}
		f.Status = st
	}
	f.Symbol = r.URL.Query().Get("symbol")

	list, err := s.Engine.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []position.Position{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// quote builds the quote for pos from ?price= (and optional ?session=),
// falling back to the price feed.
func (s *Server) quote(ctx context.Context, r *http.Request, pos position.Position) (market.Quote, error) {
	q := r.URL.Query()
	if v := q.Get("price"); v != "" {
		price, err := decimal.NewFromString(v)
		if err != nil {
			return market.Quote{}, badRequest("price %q: %v", v, err)
		}
		if !price.IsPositive() {
			return market.Quote{}, badRequest("price must be positive")
		}
		session, err := market.ParseSession(q.Get("session"))
		if err != nil {
			return market.Quote{}, badRequest("%v", err)
		}
		mq := market.NewQuote(pos.AssetSymbol, price, s.now())
		mq.Session = session
		return mq, nil
	}
	return s.feedQuote(ctx, pos.AssetSymbol)
}

func (s *Server) feedQuote(ctx context.Context, symbol string) (market.Quote, error) {
	if s.Feed == nil {
		return market.Quote{}, badRequest("price is required")
	}
	qctx, cancel := context.WithTimeout(ctx, s.QuoteTimeout)
	defer cancel()
	mq, err := s.Feed.GetQuote(qctx, symbol)
	if err != nil {
		return market.Quote{}, fmt.Errorf("%w: %v", errFeed, err)
	}
	if err := mq.Validate(); err != nil {
		return market.Quote{}, fmt.Errorf("%w: %v", errFeed, err)
	}
	return mq, nil
}

// withQuote loads the position named in the path and resolves its quote.
func (s *Server) withQuote(w http.ResponseWriter, r *http.Request, fn func(position.Position, market.Quote)) {
	pos, err := s.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.quote(r.Context(), r, pos)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fn(pos, q)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	s.withQuote(w, r, func(pos position.Position, q market.Quote) {
		p, err := s.Engine.Evaluate(r.Context(), pos.ID, q)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
}

func (s *Server) handleAutoSize(w http.ResponseWriter, r *http.Request) {
	s.withQuote(w, r, func(pos position.Position, q market.Quote) {
		out, err := s.Engine.Process(r.Context(), pos.ID, q)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
}

type priceBody struct {
	Price *decimal.Decimal `json:"price"`
}

func (s *Server) handleSetAnchor(w http.ResponseWriter, r *http.Request) {
	var body priceBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Price == nil {
		s.writeError(w, r, badRequest("price is required"))
		return
	}
	p, err := s.Engine.SetAnchor(r.Context(), r.PathValue("id"), *body.Price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleResetBaseline(w http.ResponseWriter, r *http.Request) {
	var body priceBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var q market.Quote
	if body.Price != nil {
		q = market.NewQuote(pos.AssetSymbol, *body.Price, s.now())
	} else if q, err = s.quote(r.Context(), r, pos); err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.Engine.ResetBaseline(r.Context(), pos.ID, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.Engine.Events(r.Context(), r.PathValue("id"), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func eventFilter(r *http.Request) (journal.EventFilter, error) {
	var f journal.EventFilter
	q := r.URL.Query()
	if v := q.Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			f.Types = append(f.Types, journal.EventType(strings.ToUpper(strings.TrimSpace(t))))
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return f, badRequest("since: %v", err)
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, badRequest("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

// parseDate accepts RFC 3339 timestamps and plain dates.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// handleCockpit uses ?price= when given, else the feed. A feed failure
// still returns the price-independent part of the view.
func (s *Server) handleCockpit(w http.ResponseWriter, r *http.Request) {
	pos, err := s.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var qp *market.Quote
	if q, err := s.quote(r.Context(), r, pos); err == nil {
		qp = &q
	} else if statusFor(err) == http.StatusBadRequest && r.URL.Query().Get("price") != "" {
		s.writeError(w, r, err)
		return
	}

	c, err := s.Engine.Cockpit(r.Context(), pos.ID, qp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var u sim.ConfigUpdate
	if err := decode(r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Engine.UpdateConfig(r.Context(), r.PathValue("id"), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := position.ParseStatus(body.Status)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	p, err := s.Engine.SetStatus(r.Context(), r.PathValue("id"), st)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleTrades answers JSON, or CSV with ?format=csv.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.Engine.Trades(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		if err := journal.WriteTradesCSV(w, trades); err != nil {
			s.writeError(w, r, err)
		}
		return
	}
	if trades == nil {
		trades = []journal.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleListDividends(w http.ResponseWriter, r *http.Request) {
	if s.Dividends == nil {
		s.writeError(w, r, fmt.Errorf("dividends: %w", errUnavailable))
		return
	}
	list, err := s.Dividends.List(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type exDividendBody struct {
	ExDate  string          `json:"ex_date"`
	PayDate string          `json:"pay_date"`
	DPS     decimal.Decimal `json:"dps"`
}

func (s *Server) handleExDividend(w http.ResponseWriter, r *http.Request) {
	if s.Dividends == nil {
		s.writeError(w, r, fmt.Errorf("dividends: %w", errUnavailable))
		return
	}
	var body exDividendBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ex, err := parseDate(body.ExDate)
	if err != nil {
		s.writeError(w, r, badRequest("ex_date: %v", err))
		return
	}
	ev := market.DividendEvent{ExDate: ex, DPS: body.DPS}
	if body.PayDate != "" {
		if ev.PayDate, err = parseDate(body.PayDate); err != nil {
			s.writeError(w, r, badRequest("pay_date: %v", err))
			return
		}
	}

	rec, created, err := s.Dividends.ProcessExDividend(r.Context(), r.PathValue("id"), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, rec)
}

func (s *Server) handlePayDividend(w http.ResponseWriter, r *http.Request) {
	if s.Dividends == nil {
		s.writeError(w, r, fmt.Errorf("dividends: %w", errUnavailable))
		return
	}
	rec, err := s.Dividends.ProcessPayment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleWorkerEnable(w http.ResponseWriter, r *http.Request) {
	if s.Worker == nil {
		s.writeError(w, r, fmt.Errorf("worker: %w", errUnavailable))
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Enabled == nil {
		s.writeError(w, r, badRequest("enabled is required"))
		return
	}
	s.Worker.SetEnabled(*body.Enabled)
	writeJSON(w, http.StatusOK, s.Worker.Status())
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if s.Worker == nil {
		s.writeError(w, r, fmt.Errorf("worker: %w", errUnavailable))
		return
	}
	writeJSON(w, http.StatusOK, s.Worker.Status())
}

type simulationBody struct {
	Ticker             string              `json:"ticker"`
	StartDate          string              `json:"start_date"`
	EndDate            string              `json:"end_date"`
	InitialCash        decimal.Decimal     `json:"initial_cash"`
	InitialQty         decimal.Decimal     `json:"initial_qty"`
	OrderPolicy        *policy.OrderPolicy `json:"order_policy"`
	Guardrails         *policy.Guardrails  `json:"guardrails"`
	WithholdingTaxRate float64             `json:"withholding_tax_rate"`
}

func (b simulationBody) request() (backtest.Request, error) {
	req := backtest.Request{
		Ticker:             b.Ticker,
		InitialCash:        b.InitialCash,
		InitialQty:         b.InitialQty,
		OrderPolicy:        b.OrderPolicy,
		Guardrails:         b.Guardrails,
		WithholdingTaxRate: b.WithholdingTaxRate,
	}
	var err error
	if b.StartDate != "" {
		if req.StartDate, err = parseDate(b.StartDate); err != nil {
			return req, badRequest("start_date: %v", err)
		}
	}
	if b.EndDate != "" {
		if req.EndDate, err = parseDate(b.EndDate); err != nil {
			return req, badRequest("end_date: %v", err)
		}
	}
	return req, nil
}

func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	if s.Runner == nil {
		s.writeError(w, r, fmt.Errorf("simulation: %w", errUnavailable))
		return
	}
	var body simulationBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.request()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Runner.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
