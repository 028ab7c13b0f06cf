package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rustyeddy/volbalance/dividend"
	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/position"
)

// Memory is a Store held in process memory. Values are copied in and out.
type Memory struct {
	mu          sync.RWMutex
	positions   map[string]position.Position
	baselines   map[string]position.Baseline
	trades      map[string][]journal.Trade
	events      map[string][]journal.Event
	receivables map[string]dividend.Receivable
}

func NewMemory() *Memory {
	return &Memory{
		positions:   make(map[string]position.Position),
		baselines:   make(map[string]position.Baseline),
		trades:      make(map[string][]journal.Trade),
		events:      make(map[string][]journal.Event),
		receivables: make(map[string]dividend.Receivable),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreatePosition(ctx context.Context, p position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; ok {
		return fmt.Errorf("%w: %s", position.ErrExists, p.ID)
	}
	m.positions[p.ID] = p.Clone()
	return nil
}

func (m *Memory) GetPosition(ctx context.Context, id string) (position.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return position.Position{}, fmt.Errorf("%w: %s", position.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (m *Memory) ListPositions(ctx context.Context, f position.Filter) ([]position.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]position.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if f.Match(p) {
			out = append(out, p.Clone())
		}
	}
	slices.SortFunc(out, func(a, b position.Position) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) UpdatePosition(ctx context.Context, p position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(p)
}

func (m *Memory) updateLocked(p position.Position) error {
	if _, ok := m.positions[p.ID]; !ok {
		return fmt.Errorf("%w: %s", position.ErrNotFound, p.ID)
	}
	m.positions[p.ID] = p.Clone()
	return nil
}

func (m *Memory) SaveBaseline(ctx context.Context, b position.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[b.PositionID]; !ok {
		return fmt.Errorf("%w: %s", position.ErrNotFound, b.PositionID)
	}
	m.baselines[b.PositionID] = b
	return nil
}

func (m *Memory) GetBaseline(ctx context.Context, positionID string) (*position.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[positionID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) RecordTrade(ctx context.Context, t journal.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.PositionID] = append(m.trades[t.PositionID], t)
	return nil
}

func (m *Memory) RecordEvent(ctx context.Context, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.PositionID] = append(m.events[e.PositionID], e)
	return nil
}

func (m *Memory) ListTrades(ctx context.Context, positionID string) ([]journal.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.trades[positionID])
	slices.SortStableFunc(out, func(a, b journal.Trade) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}

func (m *Memory) ListEvents(ctx context.Context, positionID string, f journal.EventFilter) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events[positionID] {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b journal.Event) int { return a.Timestamp.Compare(b.Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (m *Memory) CountTradesSince(ctx context.Context, positionID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.trades[positionID] {
		if !t.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CommitExecution(ctx context.Context, pos position.Position, t journal.Trade, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateLocked(pos); err != nil {
		return err
	}
	m.trades[t.PositionID] = append(m.trades[t.PositionID], t)
	m.events[e.PositionID] = append(m.events[e.PositionID], e)
	return nil
}

func (m *Memory) CommitUpdate(ctx context.Context, pos position.Position, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateLocked(pos); err != nil {
		return err
	}
	m.events[e.PositionID] = append(m.events[e.PositionID], e)
	return nil
}

func (m *Memory) CommitBaselineReset(ctx context.Context, pos position.Position, b position.Baseline, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateLocked(pos); err != nil {
		return err
	}
	m.baselines[b.PositionID] = b
	m.events[e.PositionID] = append(m.events[e.PositionID], e)
	return nil
}

func (m *Memory) GetReceivable(ctx context.Context, id string) (dividend.Receivable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receivables[id]
	if !ok {
		return dividend.Receivable{}, fmt.Errorf("%w: %s", dividend.ErrNotFound, id)
	}
	return r, nil
}

func (m *Memory) FindReceivable(ctx context.Context, positionID string, exDate time.Time) (dividend.Receivable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.findLocked(positionID, exDate); ok {
		return r, nil
	}
	return dividend.Receivable{}, fmt.Errorf("%w: %s ex %s", dividend.ErrNotFound, positionID, exDate.Format(time.DateOnly))
}

func (m *Memory) findLocked(positionID string, exDate time.Time) (dividend.Receivable, bool) {
	day := market.Day(exDate)
	for _, r := range m.receivables {
		if r.PositionID == positionID && r.ExDate.Equal(day) {
			return r, true
		}
	}
	return dividend.Receivable{}, false
}

func (m *Memory) ListReceivables(ctx context.Context, positionID string) ([]dividend.Receivable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []dividend.Receivable
	for _, r := range m.receivables {
		if r.PositionID == positionID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b dividend.Receivable) int { return a.ExDate.Compare(b.ExDate) })
	return out, nil
}

func (m *Memory) CreateExDividend(ctx context.Context, r dividend.Receivable, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[r.PositionID]; !ok {
		return fmt.Errorf("%w: %s", position.ErrNotFound, r.PositionID)
	}
	if _, ok := m.findLocked(r.PositionID, r.ExDate); ok {
		return dividend.ErrDuplicate
	}
	if _, ok := m.receivables[r.ID]; ok {
		return dividend.ErrDuplicate
	}
	m.receivables[r.ID] = r
	m.events[e.PositionID] = append(m.events[e.PositionID], e)
	return nil
}

func (m *Memory) CommitPayment(ctx context.Context, pos position.Position, r dividend.Receivable, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.receivables[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", dividend.ErrNotFound, r.ID)
	}
	if cur.Status == dividend.StatusPaid {
		return dividend.ErrAlreadyPaid
	}
	if err := m.updateLocked(pos); err != nil {
		return err
	}
	m.receivables[r.ID] = r
	m.events[e.PositionID] = append(m.events[e.PositionID], e)
	return nil
}
