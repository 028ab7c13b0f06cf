package position

import "context"

// Filter narrows List. Zero value lists everything.
type Filter struct {
	Status Status
	Symbol string
}

func (f Filter) Match(p Position) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Symbol != "" && p.AssetSymbol != f.Symbol {
		return false
	}
	return true
}

// Store persists positions and their baselines.
// Get returns ErrNotFound for unknown ids; GetBaseline returns (nil, nil)
// when the position has no baseline.
type Store interface {
	CreatePosition(ctx context.Context, p Position) error
	GetPosition(ctx context.Context, id string) (Position, error)
	ListPositions(ctx context.Context, f Filter) ([]Position, error)
	UpdatePosition(ctx context.Context, p Position) error

	SaveBaseline(ctx context.Context, b Baseline) error
	GetBaseline(ctx context.Context, positionID string) (*Baseline, error)
}
