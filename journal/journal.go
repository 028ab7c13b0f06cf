// Package journal defines the append-only records the engine writes: trades
// and timeline events.
package journal

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one executed order. Immutable once written.
type Trade struct {
	ID          string          `json:"id"`
	PositionID  string          `json:"position_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Side        string          `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	Commission  decimal.Decimal `json:"commission"`
	CashAfter   decimal.Decimal `json:"cash_after"`
	SharesAfter decimal.Decimal `json:"shares_after"`
}

// EventType classifies a timeline entry.
type EventType string

const (
	EventEvaluation         EventType = "EVALUATION"
	EventExecution          EventType = "EXECUTION"
	EventDividendEx         EventType = "DIVIDEND_EX"
	EventDividendPaid       EventType = "DIVIDEND_PAID"
	EventAnchorReset        EventType = "ANCHOR_RESET"
	EventBaselineReset      EventType = "BASELINE_RESET"
	EventFeedError          EventType = "FEED_ERROR"
	EventInvariantViolation EventType = "INVARIANT_VIOLATION"
	EventConfigUpdate       EventType = "CONFIG_UPDATE"
	EventStatusChange       EventType = "STATUS_CHANGE"
)

// Event is an audit record on a position's timeline.
type Event struct {
	ID                   string         `json:"id"`
	PositionID           string         `json:"position_id"`
	Timestamp            time.Time      `json:"timestamp"`
	EvaluationType       EventType      `json:"evaluation_type"`
	Inputs               map[string]any `json:"inputs,omitempty"`
	Outputs              map[string]any `json:"outputs,omitempty"`
	Action               string         `json:"action"`
	ActionReason         string         `json:"action_reason"`
	GuardrailBlockReason string         `json:"guardrail_block_reason,omitempty"`
}

// EventFilter narrows ListEvents. Zero value matches everything; Limit keeps
// the most recent events.
type EventFilter struct {
	Types []EventType
	Since time.Time
	Limit int
}

func (f EventFilter) Match(e Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.EvaluationType) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Journal stores trades and events. Lists are in timestamp order, oldest first.
type Journal interface {
	RecordTrade(ctx context.Context, t Trade) error
	RecordEvent(ctx context.Context, e Event) error
	ListTrades(ctx context.Context, positionID string) ([]Trade, error)
	ListEvents(ctx context.Context, positionID string, f EventFilter) ([]Event, error)
	// CountTradesSince counts trades for a position at or after since.
	CountTradesSince(ctx context.Context, positionID string, since time.Time) (int, error)
}
