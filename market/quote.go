package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Session is the trading session a quote was taken in.
type Session string

const (
	SessionRegular  Session = "REGULAR"
	SessionExtended Session = "EXTENDED"
	SessionClosed   Session = "CLOSED"
)

// ParseSession accepts the session names case-insensitively.
// An empty string is treated as REGULAR.
func ParseSession(s string) (Session, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(SessionRegular):
		return SessionRegular, nil
	case string(SessionExtended), "PRE", "POST":
		return SessionExtended, nil
	case string(SessionClosed):
		return SessionClosed, nil
	}
	return "", fmt.Errorf("unknown session %q", s)
}

// Quote is a point-in-time price for one symbol. Quotes are transient: the
// engine keeps only what one evaluation needs.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Session   Session         `json:"session"`
	Timestamp time.Time       `json:"timestamp"`

	Bid decimal.Decimal `json:"bid,omitempty"`
	Ask decimal.Decimal `json:"ask,omitempty"`

	OHLCV *Candle `json:"ohlcv,omitempty"`
}

// Validate reports whether q can be evaluated.
func (q Quote) Validate() error {
	if q.Symbol == "" {
		return fmt.Errorf("quote: symbol is required")
	}
	if !q.Price.IsPositive() {
		return fmt.Errorf("quote %s: price must be positive, got %s", q.Symbol, q.Price)
	}
	return nil
}

// Mid returns the bid/ask midpoint, or Price when either side is missing.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Price
}

// NewQuote builds a REGULAR-session quote at price.
func NewQuote(symbol string, price decimal.Decimal, at time.Time) Quote {
	return Quote{
		Symbol:    symbol,
		Price:     price,
		Session:   SessionRegular,
		Timestamp: at,
	}
}
