package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryFeed is an in-process Feed and DividendSource. Quotes are pushed
// with Set; history accumulates in arrival order per symbol.
type MemoryFeed struct {
	mu        sync.RWMutex
	latest    map[string]Quote
	history   map[string][]Quote
	dividends map[string][]DividendEvent
	errs      map[string]error
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		latest:    make(map[string]Quote),
		history:   make(map[string][]Quote),
		dividends: make(map[string][]DividendEvent),
		errs:      make(map[string]error),
	}
}

// Set records q as the latest quote for its symbol and appends it to history.
func (f *MemoryFeed) Set(q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[q.Symbol] = q
	f.history[q.Symbol] = append(f.history[q.Symbol], q)
}

// Load replaces the history of symbol with series and makes its last
// element the latest quote.
func (f *MemoryFeed) Load(symbol string, series []Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]Quote(nil), series...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Timestamp.Before(cp[j].Timestamp) })
	f.history[symbol] = cp
	if len(cp) > 0 {
		f.latest[symbol] = cp[len(cp)-1]
	}
}

// AddDividend registers a dividend announcement.
func (f *MemoryFeed) AddDividend(ev DividendEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dividends[ev.Symbol] = append(f.dividends[ev.Symbol], ev)
}

// FailWith makes GetQuote for symbol return err until cleared with nil.
func (f *MemoryFeed) FailWith(symbol string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, symbol)
		return
	}
	f.errs[symbol] = err
}

func (f *MemoryFeed) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.errs[symbol]; err != nil {
		return Quote{}, err
	}
	q, ok := f.latest[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrNoQuote)
	}
	return q, nil
}

func (f *MemoryFeed) GetHistoricalSeries(ctx context.Context, symbol string, start, end time.Time) ([]Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Quote
	for _, q := range f.history[symbol] {
		if inRange(q.Timestamp, start, end) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *MemoryFeed) GetDividends(ctx context.Context, symbol string, start, end time.Time) ([]DividendEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []DividendEvent
	for _, ev := range f.dividends[symbol] {
		if inRange(ev.ExDate, start, end) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExDate.Before(out[j].ExDate) })
	return out, nil
}
