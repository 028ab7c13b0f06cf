package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/volbalance/drift"
	"github.com/rustyeddy/volbalance/internal/id"
	"github.com/rustyeddy/volbalance/internal/keylock"
	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/observability"
	"github.com/rustyeddy/volbalance/policy"
	"github.com/rustyeddy/volbalance/position"
	"github.com/rustyeddy/volbalance/risk"
)

var (
	ErrHalted            = errors.New("position is halted in ERROR status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the persistence the engine writes through.
type Store interface {
	position.Store
	journal.Journal
	CommitExecution(ctx context.Context, pos position.Position, t journal.Trade, e journal.Event) error
	CommitUpdate(ctx context.Context, pos position.Position, e journal.Event) error
	CommitBaselineReset(ctx context.Context, pos position.Position, b position.Baseline, e journal.Event) error
}

// Engine runs evaluate, validate and execute for one position at a time.
// Every mutating method holds the position's lock for its whole duration.
type Engine struct {
	store        Store
	locks        *keylock.Map
	log          *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	loc          *time.Location
	storeTimeout time.Duration
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLocks shares per-position locks with other components.
func WithLocks(l *keylock.Map) Option {
	return func(e *Engine) {
		if l != nil {
			e.locks = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the time zone whose midnight starts a trading day for
// the daily order cap.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithStoreTimeout bounds every store call. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) { e.storeTimeout = d }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		locks: &keylock.Map{},
		log:   zap.NewNop(),
		now:   time.Now,
		loc:   time.UTC,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Locks returns the per-position lock map the engine serializes on.
func (e *Engine) Locks() *keylock.Map { return e.locks }

// Location is the time zone that defines a trading day.
func (e *Engine) Location() *time.Location { return e.loc }

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.storeTimeout)
}

// Outcome is the result of processing one quote for one position.
type Outcome struct {
	Position position.Position  `json:"position"`
	Proposal risk.OrderProposal `json:"proposal"`
	Trade    *journal.Trade     `json:"trade,omitempty"`
	Drift    drift.Drift        `json:"drift"`
}

// Executed reports whether a trade was applied.
func (o Outcome) Executed() bool { return o.Trade != nil }

// NewPosition is the input for creating a position. Nil policy or
// guardrails take the engine-wide defaults passed to Create.
type NewPosition struct {
	AssetSymbol        string              `json:"asset_symbol"`
	Qty                decimal.Decimal     `json:"qty"`
	Cash               decimal.Decimal     `json:"cash"`
	AnchorPrice        *decimal.Decimal    `json:"anchor_price"`
	WithholdingTaxRate *float64            `json:"withholding_tax_rate"`
	OrderPolicy        *policy.OrderPolicy `json:"order_policy"`
	Guardrails         *policy.Guardrails  `json:"guardrails"`
}

// Defaults fill in the parts of a NewPosition the caller left out.
type Defaults struct {
	OrderPolicy        policy.OrderPolicy
	Guardrails         policy.Guardrails
	WithholdingTaxRate float64
}

// Create validates and stores a new position in READY status.
func (e *Engine) Create(ctx context.Context, in NewPosition, def Defaults) (position.Position, error) {
	now := e.now()
	p := position.Position{
		ID:                 id.NewWithPrefix(id.Position),
		AssetSymbol:        in.AssetSymbol,
		Qty:                in.Qty,
		Cash:               in.Cash,
		AnchorPrice:        in.AnchorPrice,
		Status:             position.StatusReady,
		WithholdingTaxRate: def.WithholdingTaxRate,
		OrderPolicy:        def.OrderPolicy,
		Guardrails:         def.Guardrails,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.WithholdingTaxRate != nil {
		p.WithholdingTaxRate = *in.WithholdingTaxRate
	}
	if in.OrderPolicy != nil {
		p.OrderPolicy = *in.OrderPolicy
	}
	if in.Guardrails != nil {
		p.Guardrails = *in.Guardrails
	}
	if err := p.Validate(); err != nil {
		return position.Position{}, err
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.CreatePosition(sctx, p); err != nil {
		return position.Position{}, err
	}
	e.log.Info("position created", zap.String("position_id", p.ID), zap.String("symbol", p.AssetSymbol))
	return p, nil
}

func (e *Engine) Get(ctx context.Context, positionID string) (position.Position, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.GetPosition(sctx, positionID)
}

func (e *Engine) List(ctx context.Context, f position.Filter) ([]position.Position, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.ListPositions(sctx, f)
}

func (e *Engine) Events(ctx context.Context, positionID string, f journal.EventFilter) ([]journal.Event, error) {
	if _, err := e.Get(ctx, positionID); err != nil {
		return nil, err
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.ListEvents(sctx, positionID, f)
}

func (e *Engine) Trades(ctx context.Context, positionID string) ([]journal.Trade, error) {
	if _, err := e.Get(ctx, positionID); err != nil {
		return nil, err
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.ListTrades(sctx, positionID)
}

// ordersToday counts trades since the start of the current trading day.
func (e *Engine) ordersToday(ctx context.Context, positionID string, now time.Time) (int, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.store.CountTradesSince(sctx, positionID, market.DayIn(now, e.loc))
	if err != nil {
		return 0, fmt.Errorf("count orders today: %w", err)
	}
	return n, nil
}

func (e *Engine) propose(ctx context.Context, pos position.Position, q market.Quote, now time.Time) (risk.OrderProposal, int, error) {
	today, err := e.ordersToday(ctx, pos.ID, now)
	if err != nil {
		return risk.OrderProposal{}, 0, err
	}
	p := risk.Evaluate(pos, q)
	p = risk.Validate(pos, p, pos.Guardrails, today)
	e.metrics.ObserveEvaluation(string(p.Action))
	e.metrics.ObserveGuardrailBlock(p.GuardrailBlockReason)
	return p, today, nil
}

// Evaluate returns the proposal the position would act on at q without
// executing it. The evaluation is recorded on the timeline.
func (e *Engine) Evaluate(ctx context.Context, positionID string, q market.Quote) (risk.OrderProposal, error) {
	unlock := e.locks.Lock(positionID)
	defer unlock()

	pos, err := e.Get(ctx, positionID)
	if err != nil {
		return risk.OrderProposal{}, err
	}
	now := e.now()
	p, today, err := e.propose(ctx, pos, q, now)
	if err != nil {
		return risk.OrderProposal{}, err
	}
	if err := e.record(ctx, proposalEvent(pos, q, p, today, now, journal.EventEvaluation)); err != nil {
		return p, err
	}
	e.log.Debug("evaluated",
		zap.String("position_id", pos.ID),
		zap.String("action", string(p.Action)),
		zap.String("reason", p.ActionReason))
	return p, nil
}

// Process evaluates q for the position and executes the result when it is
// actionable. A refused execution that would break the cash or quantity
// invariant puts the position into ERROR and returns the violation.
func (e *Engine) Process(ctx context.Context, positionID string, q market.Quote) (Outcome, error) {
	unlock := e.locks.Lock(positionID)
	defer unlock()

	pos, err := e.Get(ctx, positionID)
	if err != nil {
		return Outcome{}, err
	}
	if pos.Status == position.StatusError {
		return Outcome{Position: pos}, fmt.Errorf("%w: %s", ErrHalted, pos.ID)
	}

	now := e.now()
	p, today, err := e.propose(ctx, pos, q, now)
	if err != nil {
		return Outcome{Position: pos}, err
	}
	out := Outcome{Position: pos, Proposal: p}

	if !p.Actionable() {
		ev := proposalEvent(pos, q, p, today, now, journal.EventEvaluation)
		out.Drift, err = e.drift(ctx, pos, q)
		if err != nil {
			return out, err
		}
		ev.Outputs["drift"] = driftOutputs(out.Drift)
		if err := e.record(ctx, ev); err != nil {
			return out, err
		}
		e.log.Debug("no trade",
			zap.String("position_id", pos.ID),
			zap.String("action", string(p.Action)),
			zap.String("reason", p.ActionReason),
			zap.String("guardrail", p.GuardrailBlockReason))
		return out, nil
	}

	next, trade, err := Apply(pos, p, now, id.NewWithPrefix(id.Trade))
	if err != nil {
		return out, e.halt(ctx, pos, q, p, now, err)
	}

	out.Drift, err = e.drift(ctx, next, q)
	if err != nil {
		return out, err
	}
	ev := proposalEvent(pos, q, p, today, now, journal.EventExecution)
	ev.Outputs["trade_id"] = trade.ID
	ev.Outputs["cash_after"] = trade.CashAfter.String()
	ev.Outputs["shares_after"] = trade.SharesAfter.String()
	ev.Outputs["drift"] = driftOutputs(out.Drift)

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.CommitExecution(sctx, next, trade, ev); err != nil {
		return out, fmt.Errorf("commit execution for %s: %w", pos.ID, err)
	}

	e.metrics.ObserveExecution(trade.Side)
	e.log.Info("executed",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.AssetSymbol),
		zap.String("action", trade.Side),
		zap.Stringer("qty", trade.Qty),
		zap.Stringer("price", trade.Price),
		zap.Stringer("cash_after", trade.CashAfter))

	out.Position = next
	out.Trade = &trade
	return out, nil
}

// halt records an invariant violation and moves the position to ERROR.
// The returned error wraps cause.
func (e *Engine) halt(ctx context.Context, pos position.Position, q market.Quote, p risk.OrderProposal, now time.Time, cause error) error {
	e.metrics.ObserveInvariantViolation()
	e.log.Error("invariant violation, halting position",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.AssetSymbol),
		zap.String("action", string(p.Action)),
		zap.Error(cause))

	ev := proposalEvent(pos, q, p, 0, now, journal.EventInvariantViolation)
	ev.ActionReason = cause.Error()
	halted := pos.Clone()
	halted.Status = position.StatusError
	halted.UpdatedAt = now

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.CommitUpdate(sctx, halted, ev); err != nil {
		return errors.Join(cause, fmt.Errorf("record violation: %w", err))
	}
	return cause
}

func (e *Engine) drift(ctx context.Context, pos position.Position, q market.Quote) (drift.Drift, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	b, err := e.store.GetBaseline(sctx, pos.ID)
	if err != nil {
		return drift.Drift{}, fmt.Errorf("get baseline: %w", err)
	}
	return drift.Compute(pos, b, q), nil
}

func (e *Engine) record(ctx context.Context, ev journal.Event) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.RecordEvent(sctx, ev); err != nil {
		return fmt.Errorf("record %s event: %w", ev.EvaluationType, err)
	}
	return nil
}

// RecordFeedError appends a FEED_ERROR event for a failed quote fetch.
func (e *Engine) RecordFeedError(ctx context.Context, pos position.Position, cause error) error {
	e.metrics.ObserveFeedError(pos.AssetSymbol)
	return e.record(ctx, journal.Event{
		ID:             id.NewWithPrefix(id.Event),
		PositionID:     pos.ID,
		Timestamp:      e.now(),
		EvaluationType: journal.EventFeedError,
		Inputs:         map[string]any{"symbol": pos.AssetSymbol},
		Action:         string(risk.ActionHold),
		ActionReason:   cause.Error(),
	})
}

// SetAnchor moves the anchor price the trigger measures against.
func (e *Engine) SetAnchor(ctx context.Context, positionID string, price decimal.Decimal) (position.Position, error) {
	if !price.IsPositive() {
		return position.Position{}, fmt.Errorf("%w: anchor price must be positive", position.ErrInvalid)
	}
	return e.update(ctx, positionID, func(p *position.Position, ev *journal.Event) error {
		old := "null"
		if p.AnchorPrice != nil {
			old = p.AnchorPrice.String()
		}
		p.AnchorPrice = &price
		ev.EvaluationType = journal.EventAnchorReset
		ev.Inputs = map[string]any{"previous_anchor": old}
		ev.Outputs = map[string]any{"anchor_price": price.String()}
		ev.ActionReason = "anchor set to " + price.String()
		return nil
	})
}

// ConfigUpdate replaces any non-nil part of a position's configuration.
type ConfigUpdate struct {
	OrderPolicy        *policy.OrderPolicy `json:"order_policy"`
	Guardrails         *policy.Guardrails  `json:"guardrails"`
	WithholdingTaxRate *float64            `json:"withholding_tax_rate"`
}

// UpdateConfig validates and applies u. Nothing is written if the result
// is invalid.
func (e *Engine) UpdateConfig(ctx context.Context, positionID string, u ConfigUpdate) (position.Position, error) {
	return e.update(ctx, positionID, func(p *position.Position, ev *journal.Event) error {
		changed := []string{}
		if u.OrderPolicy != nil {
			p.OrderPolicy = *u.OrderPolicy
			changed = append(changed, "order_policy")
		}
		if u.Guardrails != nil {
			p.Guardrails = *u.Guardrails
			changed = append(changed, "guardrails")
		}
		if u.WithholdingTaxRate != nil {
			p.WithholdingTaxRate = *u.WithholdingTaxRate
			changed = append(changed, "withholding_tax_rate")
		}
		if err := p.Validate(); err != nil {
			return err
		}
		ev.EvaluationType = journal.EventConfigUpdate
		ev.Outputs = map[string]any{"changed": changed}
		ev.ActionReason = "configuration updated"
		return nil
	})
}

// SetStatus moves a position through its lifecycle. ERROR is only entered
// by the engine itself.
func (e *Engine) SetStatus(ctx context.Context, positionID string, to position.Status) (position.Position, error) {
	if to == position.StatusError {
		return position.Position{}, fmt.Errorf("%w: ERROR is set by the engine", ErrInvalidTransition)
	}
	return e.update(ctx, positionID, func(p *position.Position, ev *journal.Event) error {
		from := p.Status
		if !position.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if to == position.StatusRunning && p.AnchorPrice == nil {
			return fmt.Errorf("%w: cannot run without an anchor", position.ErrNoAnchor)
		}
		p.Status = to
		ev.EvaluationType = journal.EventStatusChange
		ev.Inputs = map[string]any{"from": string(from)}
		ev.Outputs = map[string]any{"to": string(to)}
		ev.ActionReason = fmt.Sprintf("status %s -> %s", from, to)
		return nil
	})
}

func (e *Engine) update(ctx context.Context, positionID string, fn func(*position.Position, *journal.Event) error) (position.Position, error) {
	return e.updateWith(ctx, positionID, fn, e.store.CommitUpdate)
}

// updateWith is update with a caller-supplied commit, for changes that
// write more than the position and its event.
func (e *Engine) updateWith(ctx context.Context, positionID string, fn func(*position.Position, *journal.Event) error,
	commit func(context.Context, position.Position, journal.Event) error) (position.Position, error) {
	unlock := e.locks.Lock(positionID)
	defer unlock()

	pos, err := e.Get(ctx, positionID)
	if err != nil {
		return position.Position{}, err
	}
	now := e.now()
	next := pos.Clone()
	ev := journal.Event{
		ID:         id.NewWithPrefix(id.Event),
		PositionID: pos.ID,
		Timestamp:  now,
		Action:     string(risk.ActionHold),
	}
	if err := fn(&next, &ev); err != nil {
		return position.Position{}, err
	}
	next.UpdatedAt = now

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := commit(sctx, next, ev); err != nil {
		return position.Position{}, fmt.Errorf("update %s: %w", pos.ID, err)
	}
	e.log.Info("position updated",
		zap.String("position_id", pos.ID),
		zap.String("event", string(ev.EvaluationType)),
		zap.String("reason", ev.ActionReason))
	return next, nil
}

// ResetBaseline snapshots the position at q as its new baseline and moves
// the anchor to the same price.
func (e *Engine) ResetBaseline(ctx context.Context, positionID string, q market.Quote) (position.Baseline, error) {
	if !q.Price.IsPositive() {
		return position.Baseline{}, fmt.Errorf("%w: baseline price must be positive", position.ErrInvalid)
	}
	var b position.Baseline
	reset := func(p *position.Position, ev *journal.Event) error {
		b = drift.Reset(*p, q.Price, ev.Timestamp)
		price := q.Price
		p.AnchorPrice = &price
		ev.EvaluationType = journal.EventBaselineReset
		ev.Outputs = map[string]any{
			"qty":   b.Qty.String(),
			"price": b.Price.String(),
			"cash":  b.Cash.String(),
		}
		ev.ActionReason = "baseline reset at " + q.Price.String()
		return nil
	}
	commit := func(ctx context.Context, p position.Position, ev journal.Event) error {
		return e.store.CommitBaselineReset(ctx, p, b, ev)
	}
	_, err := e.updateWith(ctx, positionID, reset, commit)
	if err != nil {
		return position.Baseline{}, err
	}
	return b, nil
}
