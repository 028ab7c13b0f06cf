// Package dividend tracks dividend receivables per position from ex-date to
// payment.
package dividend

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/position"
)

var (
	ErrNotFound  = errors.New("dividend receivable not found")
	ErrDuplicate = errors.New("dividend receivable already exists for ex-date")
	ErrNoShares  = errors.New("no shares held at ex-date")
	// ErrInvalidDividend rejects events with a non-positive DPS or a pay
	// date before the ex-date.
	ErrInvalidDividend = errors.New("invalid dividend event")
	// ErrAlreadyPaid is returned by stores when a payment races a
	// previous one; callers treat it as a no-op.
	ErrAlreadyPaid = errors.New("dividend receivable already paid")
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
)

// Receivable is cash owed to a position for shares held on an ex-date.
// There is at most one per (PositionID, ExDate).
type Receivable struct {
	ID                   string          `json:"id"`
	PositionID           string          `json:"position_id"`
	ExDate               time.Time       `json:"ex_date"`
	PayDate              time.Time       `json:"pay_date"`
	DPS                  decimal.Decimal `json:"dps"`
	QtyAtExDate          decimal.Decimal `json:"qty_at_ex_date"`
	GrossAmount          decimal.Decimal `json:"gross_amount"`
	WithholdingTaxAmount decimal.Decimal `json:"withholding_tax_amount"`
	NetAmount            decimal.Decimal `json:"net_amount"`
	Status               Status          `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
	PaidAt               *time.Time      `json:"paid_at,omitempty"`
}

// Store persists receivables. CreateExDividend and CommitPayment write the
// receivable, position and event in one transaction.
type Store interface {
	GetReceivable(ctx context.Context, id string) (Receivable, error)
	// FindReceivable returns ErrNotFound when the position has no
	// receivable for exDate.
	FindReceivable(ctx context.Context, positionID string, exDate time.Time) (Receivable, error)
	ListReceivables(ctx context.Context, positionID string) ([]Receivable, error)

	// CreateExDividend returns ErrDuplicate if (position, ex-date) exists.
	CreateExDividend(ctx context.Context, r Receivable, e journal.Event) error
	CommitPayment(ctx context.Context, pos position.Position, r Receivable, e journal.Event) error
}

var cents = int32(2)

// NewReceivable computes the amounts owed on ev for the shares pos holds.
// Amounts are rounded to cents half-up; net is gross less withholding.
func NewReceivable(id string, pos position.Position, ev market.DividendEvent, at time.Time) Receivable {
	gross := pos.Qty.Mul(ev.DPS).Round(cents)
	tax := gross.Mul(decimal.NewFromFloat(pos.WithholdingTaxRate)).Round(cents)
	return Receivable{
		ID:                   id,
		PositionID:           pos.ID,
		ExDate:               market.Day(ev.ExDate),
		PayDate:              market.Day(ev.PayDate),
		DPS:                  ev.DPS,
		QtyAtExDate:          pos.Qty,
		GrossAmount:          gross,
		WithholdingTaxAmount: tax,
		NetAmount:            gross.Sub(tax),
		Status:               StatusPending,
		CreatedAt:            at,
	}
}

// Credit returns pos and r after paying r. Paying a PAID receivable
// changes nothing.
func Credit(pos position.Position, r Receivable, at time.Time) (position.Position, Receivable) {
	if r.Status == StatusPaid {
		return pos, r
	}
	pos.Cash = pos.Cash.Add(r.NetAmount)
	pos.UpdatedAt = at
	r.Status = StatusPaid
	paid := at
	r.PaidAt = &paid
	return pos, r
}

// Due reports whether r is pending and its pay date has arrived.
func (r Receivable) Due(now time.Time) bool {
	return r.Status == StatusPending && !market.Day(now).Before(r.PayDate)
}
