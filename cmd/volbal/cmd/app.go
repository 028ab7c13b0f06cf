package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/volbalance/backtest"
	"github.com/rustyeddy/volbalance/config"
	"github.com/rustyeddy/volbalance/dividend"
	"github.com/rustyeddy/volbalance/internal/logger"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/observability"
	"github.com/rustyeddy/volbalance/sim"
	"github.com/rustyeddy/volbalance/store"
	"github.com/rustyeddy/volbalance/worker"
)

// app is the wired service graph built from a Config.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	metrics   *observability.Metrics
	store     store.Store
	feed      market.Feed
	engine    *sim.Engine
	dividends *dividend.Manager
	worker    *worker.Worker
	runner    *backtest.Runner
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	feed, err := openFeed(cfg.Feed)
	if err != nil {
		st.Close()
		return nil, err
	}

	loc, err := cfg.Worker.Location()
	if err != nil {
		st.Close()
		return nil, err
	}
	quoteTimeout, err := cfg.Worker.QuoteTimeoutDuration()
	if err != nil {
		st.Close()
		return nil, err
	}
	storeTimeout, err := cfg.Worker.StoreTimeoutDuration()
	if err != nil {
		st.Close()
		return nil, err
	}

	metrics := observability.NewMetrics(cfg.Metrics.Namespace)
	engine := sim.NewEngine(st,
		sim.WithLogger(log.Named("engine")),
		sim.WithMetrics(metrics),
		sim.WithLocation(loc),
		sim.WithStoreTimeout(storeTimeout))
	divs := dividend.NewManager(st, engine.Locks(), log.Named("dividend"), metrics)
	divs.SetStoreTimeout(storeTimeout)

	w := worker.New(engine, divs, feed, worker.Config{
		Interval:       cfg.Worker.Interval(),
		MaxConcurrency: cfg.Worker.MaxConcurrency,
		QuoteTimeout:   quoteTimeout,
	}, log.Named("worker"), metrics)

	return &app{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		store:     st,
		feed:      feed,
		engine:    engine,
		dividends: divs,
		worker:    w,
		runner: &backtest.Runner{
			Feed:       feed,
			Policy:     cfg.Defaults.OrderPolicy,
			Guardrails: cfg.Defaults.Guardrails,
			Log:        log.Named("backtest"),
			Metrics:    metrics,
		},
	}, nil
}

func (a *app) defaults() sim.Defaults {
	return sim.Defaults{
		OrderPolicy:        a.cfg.Defaults.OrderPolicy,
		Guardrails:         a.cfg.Defaults.Guardrails,
		WithholdingTaxRate: a.cfg.Defaults.WithholdingTaxRate,
	}
}

func (a *app) Close() error {
	a.worker.Disable()
	_ = a.log.Sync()
	return a.store.Close()
}

func openStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Type {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		s, err := store.NewSQLite(ctx, c.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store type %q", c.Type)
}

func openFeed(c config.FeedConfig) (market.Feed, error) {
	switch c.Type {
	case "memory":
		return market.NewMemoryFeed(), nil
	case "csv":
		return market.NewCSVFeed(c.DataDir)
	}
	return nil, fmt.Errorf("unknown feed type %q", c.Type)
}
