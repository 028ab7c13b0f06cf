// Package position holds the canonical state of a tradable position and the
// store contract that persists it.
package position

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/volbalance/policy"
)

var (
	ErrNotFound = errors.New("position not found")
	ErrExists   = errors.New("position already exists")
	ErrNoAnchor = errors.New("anchor price not set")
	ErrInvalid  = errors.New("invalid position")
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusReady   Status = "READY"
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
	StatusError   Status = "ERROR"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusReady, StatusRunning, StatusPaused, StatusError:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// CanTransition reports whether an operator may move a position from one
// status to another. ERROR is entered by the engine only and left only
// back to READY once the operator has looked at it.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusReady:
		return to == StatusRunning || to == StatusPaused
	case StatusRunning:
		return to == StatusPaused || to == StatusReady
	case StatusPaused:
		return to == StatusRunning || to == StatusReady
	case StatusError:
		return to == StatusReady
	}
	return false
}

// Position is one asset traded against a cash balance.
type Position struct {
	ID          string           `json:"id"`
	AssetSymbol string           `json:"asset_symbol"`
	Qty         decimal.Decimal  `json:"qty"`
	Cash        decimal.Decimal  `json:"cash"`
	AnchorPrice *decimal.Decimal `json:"anchor_price"`
	Status      Status           `json:"status"`

	WithholdingTaxRate float64 `json:"withholding_tax_rate"`

	OrderPolicy policy.OrderPolicy `json:"order_policy"`
	Guardrails  policy.Guardrails  `json:"guardrails"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the invariants that hold for every stored position.
func (p Position) Validate() error {
	if p.AssetSymbol == "" {
		return fmt.Errorf("%w: asset_symbol is required", ErrInvalid)
	}
	if p.Qty.IsNegative() {
		return fmt.Errorf("%w: qty must be >= 0, got %s", ErrInvalid, p.Qty)
	}
	if p.Cash.IsNegative() {
		return fmt.Errorf("%w: cash must be >= 0, got %s", ErrInvalid, p.Cash)
	}
	if p.AnchorPrice != nil && !p.AnchorPrice.IsPositive() {
		return fmt.Errorf("%w: anchor_price must be positive", ErrInvalid)
	}
	if p.WithholdingTaxRate < 0 || p.WithholdingTaxRate >= 1 {
		return fmt.Errorf("%w: withholding_tax_rate must be in [0,1)", ErrInvalid)
	}
	if _, err := ParseStatus(string(p.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := p.OrderPolicy.Validate(); err != nil {
		return err
	}
	return p.Guardrails.Validate()
}

// StockValue is qty × price.
func (p Position) StockValue(price decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(price)
}

// TotalValue is stock value plus cash.
func (p Position) TotalValue(price decimal.Decimal) decimal.Decimal {
	return p.StockValue(price).Add(p.Cash)
}

// StockPct is the stock share of total value in percent, 0 when empty.
func (p Position) StockPct(price decimal.Decimal) float64 {
	total := p.TotalValue(price)
	if !total.IsPositive() {
		return 0
	}
	return p.StockValue(price).Div(total).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// Clone returns a copy that shares no pointers with p.
func (p Position) Clone() Position {
	if p.AnchorPrice != nil {
		a := *p.AnchorPrice
		p.AnchorPrice = &a
	}
	return p
}

// Baseline is a snapshot that drift is measured against.
type Baseline struct {
	PositionID        string          `json:"position_id"`
	BaselineTimestamp time.Time       `json:"baseline_timestamp"`
	Qty               decimal.Decimal `json:"qty"`
	Price             decimal.Decimal `json:"price"`
	Cash              decimal.Decimal `json:"cash"`
}
