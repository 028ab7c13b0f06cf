package market

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CSVFeed serves quotes from a directory of daily bar files:
//
//	<dir>/<SYMBOL>.csv            time,open,high,low,close,volume[,session]
//	<dir>/<SYMBOL>_dividends.csv  ex_date,pay_date,dps
//
// time is RFC3339 or YYYY-MM-DD. A header row whose first column is "time"
// (or "ex_date") is skipped, as are empty and short rows. The latest quote
// for a symbol is its last bar by time.
type CSVFeed struct {
	dir string
}

func NewCSVFeed(dir string) (*CSVFeed, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("csv feed: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("csv feed: %s is not a directory", dir)
	}
	return &CSVFeed{dir: dir}, nil
}

func (f *CSVFeed) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	series, err := f.GetHistoricalSeries(ctx, symbol, time.Time{}, time.Time{})
	if err != nil {
		return Quote{}, err
	}
	if len(series) == 0 {
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrNoQuote)
	}
	return series[len(series)-1], nil
}

func (f *CSVFeed) GetHistoricalSeries(ctx context.Context, symbol string, start, end time.Time) ([]Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := readCSV(filepath.Join(f.dir, symbol+".csv"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoQuote)
	}
	if err != nil {
		return nil, err
	}

	var out []Quote
	for i, row := range rows {
		q, ok, err := parseBarRow(symbol, row)
		if err != nil {
			return nil, fmt.Errorf("%s.csv row %d: %w", symbol, i+1, err)
		}
		if !ok || !inRange(q.Timestamp, start, end) {
			continue
		}
		out = append(out, q)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *CSVFeed) GetDividends(ctx context.Context, symbol string, start, end time.Time) ([]DividendEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := readCSV(filepath.Join(f.dir, symbol+"_dividends.csv"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []DividendEvent
	for i, row := range rows {
		ev, ok, err := parseDividendRow(symbol, row)
		if err != nil {
			return nil, fmt.Errorf("%s_dividends.csv row %d: %w", symbol, i+1, err)
		}
		if !ok || !inRange(ev.ExDate, start, end) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExDate.Before(out[j].ExDate) })
	return out, nil
}

func readCSV(path string) ([][]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var rows [][]string
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		if len(row) == 0 {
			continue
		}
		if first {
			first = false
			h := strings.ToLower(strings.TrimSpace(row[0]))
			if h == "time" || h == "date" || h == "ex_date" {
				continue
			}
		}
		rows = append(rows, row)
	}
}

func parseBarRow(symbol string, row []string) (Quote, bool, error) {
	// Need at least: time,open,high,low,close
	if len(row) < 5 {
		return Quote{}, false, nil
	}
	ts := strings.TrimSpace(row[0])
	if ts == "" {
		return Quote{}, false, nil
	}
	t, err := parseTime(ts)
	if err != nil {
		return Quote{}, false, err
	}

	var px [4]decimal.Decimal
	for i := range px {
		v, err := decimal.NewFromString(strings.TrimSpace(row[i+1]))
		if err != nil {
			return Quote{}, false, fmt.Errorf("bad price %q: %w", row[i+1], err)
		}
		px[i] = v
	}

	var vol int64
	if len(row) > 5 && strings.TrimSpace(row[5]) != "" {
		vol, err = strconv.ParseInt(strings.TrimSpace(row[5]), 10, 64)
		if err != nil {
			return Quote{}, false, fmt.Errorf("bad volume %q: %w", row[5], err)
		}
	}

	session := SessionRegular
	if len(row) > 6 {
		session, err = ParseSession(row[6])
		if err != nil {
			return Quote{}, false, err
		}
	}

	return Quote{
		Symbol:    symbol,
		Price:     px[3],
		Session:   session,
		Timestamp: t,
		OHLCV: &Candle{
			Open:   px[0],
			High:   px[1],
			Low:    px[2],
			Close:  px[3],
			Volume: vol,
		},
	}, true, nil
}

func parseDividendRow(symbol string, row []string) (DividendEvent, bool, error) {
	if len(row) < 3 {
		return DividendEvent{}, false, nil
	}
	ex, err := parseTime(strings.TrimSpace(row[0]))
	if err != nil {
		return DividendEvent{}, false, err
	}
	pay, err := parseTime(strings.TrimSpace(row[1]))
	if err != nil {
		return DividendEvent{}, false, err
	}
	dps, err := decimal.NewFromString(strings.TrimSpace(row[2]))
	if err != nil {
		return DividendEvent{}, false, fmt.Errorf("bad dps %q: %w", row[2], err)
	}
	return DividendEvent{Symbol: symbol, ExDate: ex, PayDate: pay, DPS: dps}, true, nil
}

// parseTime accepts RFC3339, RFC3339Nano or a bare date (UTC midnight).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q", s)
	}
	return t, nil
}
