package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoQuote is returned when a feed has nothing for the requested symbol.
var ErrNoQuote = errors.New("no quote")

// Feed is the pull interface to the price feed collaborator.
type Feed interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	// GetHistoricalSeries returns quotes with start <= Timestamp < end,
	// ordered by timestamp. A zero start or end leaves that side open.
	GetHistoricalSeries(ctx context.Context, symbol string, start, end time.Time) ([]Quote, error)
}

// DividendEvent is one dividend announcement for a symbol.
type DividendEvent struct {
	Symbol  string          `json:"symbol"`
	ExDate  time.Time       `json:"ex_date"`
	PayDate time.Time       `json:"pay_date"`
	DPS     decimal.Decimal `json:"dps"`
}

// DividendSource is optionally implemented by feeds that also publish
// dividend calendars.
type DividendSource interface {
	GetDividends(ctx context.Context, symbol string, start, end time.Time) ([]DividendEvent, error)
}

// Day truncates t to midnight UTC. Dividend dates and daily order caps are
// keyed by calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayIn truncates t to midnight in loc.
func DayIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// DateIn is the calendar date of t in loc, keyed like Day as midnight UTC.
func DateIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
