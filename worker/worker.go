// Package worker runs the periodic trading cycle over RUNNING positions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/volbalance/dividend"
	"github.com/rustyeddy/volbalance/internal/logger"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/observability"
	"github.com/rustyeddy/volbalance/position"
	"github.com/rustyeddy/volbalance/sim"
)

// Config controls cycle cadence and per-call timeouts.
type Config struct {
	Interval       time.Duration
	MaxConcurrency int
	QuoteTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.QuoteTimeout <= 0 {
		c.QuoteTimeout = 10 * time.Second
	}
	return c
}

// CycleResult summarizes one pass over the running positions.
type CycleResult struct {
	Positions int           `json:"positions"`
	Evaluated int           `json:"evaluated"`
	Executed  int           `json:"executed"`
	Blocked   int           `json:"blocked"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration_ns"`
}

// Status is the worker state reported to operators.
type Status struct {
	Enabled         bool         `json:"enabled"`
	IntervalSeconds float64      `json:"interval_seconds"`
	LastCycleTime   *time.Time   `json:"last_cycle_time"`
	LastCycleResult *CycleResult `json:"last_cycle_result"`
}

// Worker owns the DISABLED/ENABLED state machine and the cycle loop.
type Worker struct {
	engine    *sim.Engine
	dividends *dividend.Manager
	feed      market.Feed
	cfg       Config
	log       *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	cycleMu sync.Mutex

	mu        sync.Mutex
	enabled   bool
	stop      chan struct{}
	done      chan struct{}
	lastTime  *time.Time
	lastCycle *CycleResult
}

// New builds a disabled worker. dividends may be nil to skip the dividend
// step.
func New(engine *sim.Engine, dividends *dividend.Manager, feed market.Feed, cfg Config, log *zap.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		engine:    engine,
		dividends: dividends,
		feed:      feed,
		cfg:       cfg.withDefaults(),
		log:       logger.OrNop(log),
		metrics:   metrics,
		now:       time.Now,
	}
}

// SetClock replaces the worker's time source.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

// Enable starts the cycle loop. The first cycle runs immediately.
// Enabling an enabled worker does nothing.
func (w *Worker) Enable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enabled {
		return
	}
	w.enabled = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stop, w.done)

	w.metrics.SetWorkerEnabled(true)
	w.log.Info("worker enabled", zap.Duration("interval", w.cfg.Interval))
}

// Disable stops the loop and waits for an in-flight cycle to finish.
func (w *Worker) Disable() {
	w.mu.Lock()
	if !w.enabled {
		w.mu.Unlock()
		return
	}
	w.enabled = false
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)
	<-done

	w.metrics.SetWorkerEnabled(false)
	w.log.Info("worker disabled")
}

// SetEnabled is Enable or Disable.
func (w *Worker) SetEnabled(on bool) {
	if on {
		w.Enable()
		return
	}
	w.Disable()
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Enabled:         w.enabled,
		IntervalSeconds: w.cfg.Interval.Seconds(),
	}
	if w.lastTime != nil {
		t := *w.lastTime
		s.LastCycleTime = &t
	}
	if w.lastCycle != nil {
		r := *w.lastCycle
		s.LastCycleResult = &r
	}
	return s
}

func (w *Worker) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	// Cycles are not cancelled by Disable; it waits for them instead.
	ctx := context.WithoutCancel(context.Background())
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Error("worker cycle failed", zap.Error(err))
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single cycle synchronously. Failures on one position are
// counted and logged; only a failure to list positions is returned.
func (w *Worker) RunOnce(ctx context.Context) (CycleResult, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	start := time.Now()
	positions, err := w.engine.List(ctx, position.Filter{Status: position.StatusRunning})
	if err != nil {
		return CycleResult{}, fmt.Errorf("list running positions: %w", err)
	}

	var evaluated, executed, blocked, failed atomic.Int64
	now := w.now()

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.MaxConcurrency)
	for _, pos := range positions {
		g.Go(func() error {
			r := w.processPosition(ctx, pos, now)
			if r.evaluated {
				evaluated.Add(1)
			}
			if r.executed {
				executed.Add(1)
			}
			if r.blocked {
				blocked.Add(1)
			}
			failed.Add(int64(r.errors))
			return nil
		})
	}
	_ = g.Wait()

	res := CycleResult{
		Positions: len(positions),
		Evaluated: int(evaluated.Load()),
		Executed:  int(executed.Load()),
		Blocked:   int(blocked.Load()),
		Errors:    int(failed.Load()),
		Duration:  time.Since(start),
	}

	w.mu.Lock()
	w.lastTime = &now
	w.lastCycle = &res
	w.mu.Unlock()

	w.metrics.ObserveCycle(res.Duration, res.Positions)
	w.log.Debug("worker cycle",
		zap.Int("positions", res.Positions),
		zap.Int("executed", res.Executed),
		zap.Int("blocked", res.Blocked),
		zap.Int("errors", res.Errors),
		zap.Duration("duration", res.Duration))
	return res, nil
}

type positionResult struct {
	evaluated bool
	executed  bool
	blocked   bool
	errors    int
}

func (w *Worker) processPosition(ctx context.Context, pos position.Position, now time.Time) positionResult {
	var r positionResult

	q, err := w.quote(ctx, pos.AssetSymbol)
	if err != nil {
		r.errors++
		w.log.Warn("price feed error",
			zap.String("position_id", pos.ID),
			zap.String("symbol", pos.AssetSymbol),
			zap.Error(err))
		if err := w.engine.RecordFeedError(ctx, pos, err); err != nil {
			w.log.Error("record feed error", zap.String("position_id", pos.ID), zap.Error(err))
		}
	} else {
		out, err := w.engine.Process(ctx, pos.ID, q)
		switch {
		case errors.Is(err, sim.ErrHalted):
			w.log.Debug("position halted", zap.String("position_id", pos.ID))
		case err != nil:
			r.errors++
			w.log.Error("process position",
				zap.String("position_id", pos.ID),
				zap.String("symbol", pos.AssetSymbol),
				zap.Error(err))
		default:
			r.evaluated = true
			r.executed = out.Executed()
			r.blocked = out.Proposal.GuardrailBlockReason != ""
		}
	}

	r.errors += w.processDividends(ctx, pos, now)
	return r
}

func (w *Worker) quote(ctx context.Context, symbol string) (market.Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, w.cfg.QuoteTimeout)
	defer cancel()
	q, err := w.feed.GetQuote(qctx, symbol)
	if err != nil {
		return market.Quote{}, err
	}
	if err := q.Validate(); err != nil {
		return market.Quote{}, err
	}
	return q, nil
}

// processDividends records receivables for dividends going ex today and pays
// the ones that have come due. It returns the number of failures.
func (w *Worker) processDividends(ctx context.Context, pos position.Position, now time.Time) int {
	if w.dividends == nil {
		return 0
	}
	failures := 0
	today := market.DateIn(now, w.engine.Location())

	if src, ok := w.feed.(market.DividendSource); ok {
		qctx, cancel := context.WithTimeout(ctx, w.cfg.QuoteTimeout)
		events, err := src.GetDividends(qctx, pos.AssetSymbol, today, today.AddDate(0, 0, 1))
		cancel()
		if err != nil {
			failures++
			w.log.Warn("dividend calendar", zap.String("symbol", pos.AssetSymbol), zap.Error(err))
		}
		for _, ev := range events {
			_, _, err := w.dividends.ProcessExDividend(ctx, pos.ID, ev)
			if err != nil && !errors.Is(err, dividend.ErrNoShares) {
				failures++
				w.log.Error("ex-dividend", zap.String("position_id", pos.ID), zap.Error(err))
			}
		}
	}

	if _, err := w.dividends.PayDue(ctx, pos.ID, today); err != nil {
		failures++
		w.log.Error("pay dividends", zap.String("position_id", pos.ID), zap.Error(err))
	}
	return failures
}
