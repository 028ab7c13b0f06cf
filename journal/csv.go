package journal

import (
	"encoding/csv"
	"io"
	"time"
)

var tradeHeader = []string{"id", "position_id", "timestamp", "side", "qty", "price", "commission", "cash_after", "shares_after"}

// WriteTradesCSV writes a header row and one row per trade.
func WriteTradesCSV(w io.Writer, trades []Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		err := cw.Write([]string{
			t.ID,
			t.PositionID,
			t.Timestamp.UTC().Format(time.RFC3339),
			t.Side,
			t.Qty.String(),
			t.Price.String(),
			t.Commission.StringFixed(4),
			t.CashAfter.StringFixed(2),
			t.SharesAfter.String(),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
