// Package store implements position, journal and dividend persistence in
// memory and on SQLite. Both backends give the same guarantees: multi-record
// writes (execution, payment, position-with-event) are all-or-nothing.
package store

import (
	"context"
	"time"

	"github.com/rustyeddy/volbalance/dividend"
	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/position"
)

// Store is everything the engine needs from persistence.
type Store interface {
	position.Store
	journal.Journal
	dividend.Store

	// CommitExecution updates the position and appends the trade and its
	// event atomically.
	CommitExecution(ctx context.Context, pos position.Position, t journal.Trade, e journal.Event) error
	// CommitUpdate updates the position and appends e atomically.
	CommitUpdate(ctx context.Context, pos position.Position, e journal.Event) error
	// CommitBaselineReset replaces the baseline, updates the position and
	// appends e atomically.
	CommitBaselineReset(ctx context.Context, pos position.Position, b position.Baseline, e journal.Event) error
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)

func toNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNS(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
