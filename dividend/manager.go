package dividend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/volbalance/internal/id"
	"github.com/rustyeddy/volbalance/internal/keylock"
	"github.com/rustyeddy/volbalance/internal/logger"
	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/observability"
	"github.com/rustyeddy/volbalance/position"
)

// Backend is what the manager reads positions from and writes through.
type Backend interface {
	Store
	GetPosition(ctx context.Context, id string) (position.Position, error)
}

// Manager runs the NONE -> PENDING -> PAID lifecycle. Work for a position
// is serialized on the same locks the execution engine uses.
type Manager struct {
	store   Backend
	locks   *keylock.Map
	log     *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	timeout time.Duration
}

func NewManager(store Backend, locks *keylock.Map, log *zap.Logger, metrics *observability.Metrics) *Manager {
	if locks == nil {
		locks = &keylock.Map{}
	}
	return &Manager{store: store, locks: locks, log: logger.OrNop(log), metrics: metrics, now: time.Now}
}

// SetClock replaces the manager's time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetStoreTimeout bounds every store call. Zero means no bound.
func (m *Manager) SetStoreTimeout(d time.Duration) { m.timeout = d }

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Manager) getPosition(ctx context.Context, positionID string) (position.Position, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.store.GetPosition(sctx, positionID)
}

func (m *Manager) getReceivable(ctx context.Context, receivableID string) (Receivable, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.store.GetReceivable(sctx, receivableID)
}

func (m *Manager) findReceivable(ctx context.Context, positionID string, exDate time.Time) (Receivable, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.store.FindReceivable(sctx, positionID, exDate)
}

func (m *Manager) listReceivables(ctx context.Context, positionID string) ([]Receivable, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.store.ListReceivables(sctx, positionID)
}

// ProcessExDividend creates the receivable for ev if the position has none
// for that ex-date yet. created is false when an existing receivable is
// returned instead.
func (m *Manager) ProcessExDividend(ctx context.Context, positionID string, ev market.DividendEvent) (r Receivable, created bool, err error) {
	if !ev.DPS.IsPositive() {
		return Receivable{}, false, fmt.Errorf("%w: dividend per share must be positive, got %s", ErrInvalidDividend, ev.DPS)
	}
	if ev.PayDate.IsZero() {
		ev.PayDate = ev.ExDate
	}
	if market.Day(ev.PayDate).Before(market.Day(ev.ExDate)) {
		return Receivable{}, false, fmt.Errorf("%w: pay date %s before ex-date %s", ErrInvalidDividend,
			ev.PayDate.Format(time.DateOnly), ev.ExDate.Format(time.DateOnly))
	}

	unlock := m.locks.Lock(positionID)
	defer unlock()

	existing, err := m.findReceivable(ctx, positionID, ev.ExDate)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Receivable{}, false, err
	}

	pos, err := m.getPosition(ctx, positionID)
	if err != nil {
		return Receivable{}, false, err
	}
	if !pos.Qty.IsPositive() {
		return Receivable{}, false, fmt.Errorf("%w: %s", ErrNoShares, positionID)
	}

	now := m.now()
	r = NewReceivable(id.NewWithPrefix(id.Receivable), pos, ev, now)
	e := journal.Event{
		ID:             id.NewWithPrefix(id.Event),
		PositionID:     pos.ID,
		Timestamp:      now,
		EvaluationType: journal.EventDividendEx,
		Inputs: map[string]any{
			"ex_date":              r.ExDate.Format(time.DateOnly),
			"pay_date":             r.PayDate.Format(time.DateOnly),
			"dps":                  r.DPS.String(),
			"qty":                  r.QtyAtExDate.String(),
			"withholding_tax_rate": pos.WithholdingTaxRate,
		},
		Outputs: map[string]any{
			"receivable_id":          r.ID,
			"gross_amount":           r.GrossAmount.String(),
			"withholding_tax_amount": r.WithholdingTaxAmount.String(),
			"net_amount":             r.NetAmount.String(),
		},
		Action:       "DIVIDEND",
		ActionReason: "ex-dividend " + r.ExDate.Format(time.DateOnly),
	}

	sctx, cancel := m.storeCtx(ctx)
	err = m.store.CreateExDividend(sctx, r, e)
	cancel()
	if errors.Is(err, ErrDuplicate) {
		existing, ferr := m.findReceivable(ctx, positionID, ev.ExDate)
		return existing, false, ferr
	}
	if err != nil {
		return Receivable{}, false, fmt.Errorf("create receivable: %w", err)
	}

	m.metrics.ObserveDividend("ex")
	m.log.Info("dividend receivable created",
		zap.String("position_id", pos.ID),
		zap.String("receivable_id", r.ID),
		zap.Stringer("net", r.NetAmount))
	return r, true, nil
}

// ProcessPayment credits a pending receivable's net amount to its
// position's cash. Paying an already PAID receivable is a no-op.
func (m *Manager) ProcessPayment(ctx context.Context, receivableID string) (Receivable, error) {
	r, err := m.getReceivable(ctx, receivableID)
	if err != nil {
		return Receivable{}, err
	}

	unlock := m.locks.Lock(r.PositionID)
	defer unlock()
	return m.payLocked(ctx, receivableID)
}

func (m *Manager) payLocked(ctx context.Context, receivableID string) (Receivable, error) {
	r, err := m.getReceivable(ctx, receivableID)
	if err != nil {
		return Receivable{}, err
	}
	if r.Status == StatusPaid {
		return r, nil
	}

	pos, err := m.getPosition(ctx, r.PositionID)
	if err != nil {
		return Receivable{}, err
	}
	now := m.now()
	paidPos, paid := Credit(pos, r, now)
	e := journal.Event{
		ID:             id.NewWithPrefix(id.Event),
		PositionID:     pos.ID,
		Timestamp:      now,
		EvaluationType: journal.EventDividendPaid,
		Inputs: map[string]any{
			"receivable_id": r.ID,
			"cash_before":   pos.Cash.String(),
		},
		Outputs: map[string]any{
			"net_amount": r.NetAmount.String(),
			"cash_after": paidPos.Cash.String(),
		},
		Action:       "DIVIDEND",
		ActionReason: "dividend paid for ex-date " + r.ExDate.Format(time.DateOnly),
	}

	sctx, cancel := m.storeCtx(ctx)
	err = m.store.CommitPayment(sctx, paidPos, paid, e)
	cancel()
	if errors.Is(err, ErrAlreadyPaid) {
		return m.getReceivable(ctx, receivableID)
	}
	if err != nil {
		return Receivable{}, fmt.Errorf("commit payment %s: %w", r.ID, err)
	}

	m.metrics.ObserveDividend("paid")
	m.log.Info("dividend paid",
		zap.String("position_id", pos.ID),
		zap.String("receivable_id", r.ID),
		zap.Stringer("net", r.NetAmount),
		zap.Stringer("cash_after", paidPos.Cash))
	return paid, nil
}

// PayDue pays every pending receivable of the position whose pay date has
// arrived by now.
func (m *Manager) PayDue(ctx context.Context, positionID string, now time.Time) ([]Receivable, error) {
	unlock := m.locks.Lock(positionID)
	defer unlock()

	list, err := m.listReceivables(ctx, positionID)
	if err != nil {
		return nil, err
	}
	var paid []Receivable
	for _, r := range list {
		if !r.Due(now) {
			continue
		}
		p, err := m.payLocked(ctx, r.ID)
		if err != nil {
			return paid, err
		}
		paid = append(paid, p)
	}
	return paid, nil
}

func (m *Manager) List(ctx context.Context, positionID string) ([]Receivable, error) {
	if _, err := m.getPosition(ctx, positionID); err != nil {
		return nil, err
	}
	return m.listReceivables(ctx, positionID)
}
