package policy

import "fmt"

// TrimMode picks where an order that breaches an allocation bound is
// trimmed to.
type TrimMode string

const (
	// TrimToBoundary keeps the largest order that lands exactly on the bound.
	TrimToBoundary TrimMode = "boundary"
	// TrimBuffered stops TrimBufferPct short of the bound, inside the band.
	TrimBuffered TrimMode = "buffered"
)

// Guardrails bound the stock share of a position, in percent of total value,
// and the number of orders per trading day.
type Guardrails struct {
	MinStockAllocPct float64 `json:"min_stock_alloc_pct" yaml:"min_stock_alloc_pct"`
	MaxStockAllocPct float64 `json:"max_stock_alloc_pct" yaml:"max_stock_alloc_pct"`
	MaxOrdersPerDay  int     `json:"max_orders_per_day" yaml:"max_orders_per_day"`

	TrimMode      TrimMode `json:"trim_mode,omitempty" yaml:"trim_mode,omitempty"`
	TrimBufferPct float64  `json:"trim_buffer_pct,omitempty" yaml:"trim_buffer_pct,omitempty"`
}

func DefaultGuardrails() Guardrails {
	return Guardrails{
		MinStockAllocPct: 25,
		MaxStockAllocPct: 75,
		MaxOrdersPerDay:  5,
		TrimMode:         TrimToBoundary,
	}
}

func (g Guardrails) Validate() error {
	if g.MinStockAllocPct < 0 || g.MinStockAllocPct > 100 {
		return fmt.Errorf("%w: min_stock_alloc_pct must be in [0,100], got %g", ErrInvalidGuardrails, g.MinStockAllocPct)
	}
	if g.MaxStockAllocPct < 0 || g.MaxStockAllocPct > 100 {
		return fmt.Errorf("%w: max_stock_alloc_pct must be in [0,100], got %g", ErrInvalidGuardrails, g.MaxStockAllocPct)
	}
	if g.MinStockAllocPct > g.MaxStockAllocPct {
		return fmt.Errorf("%w: min_stock_alloc_pct %g > max_stock_alloc_pct %g", ErrInvalidGuardrails, g.MinStockAllocPct, g.MaxStockAllocPct)
	}
	if g.MaxOrdersPerDay <= 0 {
		return fmt.Errorf("%w: max_orders_per_day must be > 0, got %d", ErrInvalidGuardrails, g.MaxOrdersPerDay)
	}
	switch g.TrimMode {
	case "", TrimToBoundary:
	case TrimBuffered:
		if g.TrimBufferPct < 0 || g.TrimBufferPct >= 50 {
			return fmt.Errorf("%w: trim_buffer_pct must be in [0,50), got %g", ErrInvalidGuardrails, g.TrimBufferPct)
		}
	default:
		return fmt.Errorf("%w: trim_mode must be boundary or buffered, got %q", ErrInvalidGuardrails, g.TrimMode)
	}
	return nil
}

// Bounds returns the allocation band trimming aims for, in percent. In
// buffered mode the band is narrowed by TrimBufferPct on each side, never
// past its midpoint.
func (g Guardrails) Bounds() (lo, hi float64) {
	lo, hi = g.MinStockAllocPct, g.MaxStockAllocPct
	if g.TrimMode != TrimBuffered || g.TrimBufferPct <= 0 {
		return lo, hi
	}
	mid := (lo + hi) / 2
	lo = min(lo+g.TrimBufferPct, mid)
	hi = max(hi-g.TrimBufferPct, mid)
	return lo, hi
}
