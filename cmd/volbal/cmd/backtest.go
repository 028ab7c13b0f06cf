package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/volbalance/backtest"
	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/observability"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Simulate the strategy over historical daily bars",
	Long: `Backtest replays <data>/<TICKER>.csv (and <TICKER>_dividends.csv when
present) through the trigger, guardrail and execution logic and compares the
result with buying and holding.

Example:
  volbal backtest --data ./data --ticker AAPL --start 2023-01-01 --end 2023-12-31 --cash 10000`,
	RunE: runBacktest,
}

var (
	btDataDir     string
	btTicker      string
	btStart       string
	btEnd         string
	btCash        string
	btQty         string
	btWithholding float64
	btTradesCSV   string
	btJSON        bool
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	backtestCmd.Flags().StringVarP(&btDataDir, "data", "d", "", "directory of <TICKER>.csv bar files (default feed.data_dir)")
	backtestCmd.Flags().StringVarP(&btTicker, "ticker", "t", "", "symbol to simulate (required)")
	backtestCmd.Flags().StringVar(&btStart, "start", "", "first date, YYYY-MM-DD")
	backtestCmd.Flags().StringVar(&btEnd, "end", "", "last date, YYYY-MM-DD (inclusive)")
	backtestCmd.Flags().StringVar(&btCash, "cash", "10000", "initial cash")
	backtestCmd.Flags().StringVar(&btQty, "qty", "0", "initial share quantity")
	backtestCmd.Flags().Float64Var(&btWithholding, "withholding", -1, "dividend withholding tax rate (default defaults.withholding_tax_rate)")
	backtestCmd.Flags().StringVar(&btTradesCSV, "trades-csv", "", "write the trade log to this CSV file")
	backtestCmd.Flags().BoolVar(&btJSON, "json", false, "print the full result as JSON")

	backtestCmd.MarkFlagRequired("ticker")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := btDataDir
	if dir == "" {
		dir = cfg.Feed.DataDir
	}
	feed, err := market.NewCSVFeed(dir)
	if err != nil {
		return err
	}

	req := backtest.Request{Ticker: btTicker, WithholdingTaxRate: cfg.Defaults.WithholdingTaxRate}
	if btWithholding >= 0 {
		req.WithholdingTaxRate = btWithholding
	}
	if req.InitialCash, err = decimal.NewFromString(btCash); err != nil {
		return fmt.Errorf("--cash: %w", err)
	}
	if req.InitialQty, err = decimal.NewFromString(btQty); err != nil {
		return fmt.Errorf("--qty: %w", err)
	}
	if btStart != "" {
		if req.StartDate, err = time.Parse(time.DateOnly, btStart); err != nil {
			return fmt.Errorf("--start: %w", err)
		}
	}
	if btEnd != "" {
		if req.EndDate, err = time.Parse(time.DateOnly, btEnd); err != nil {
			return fmt.Errorf("--end: %w", err)
		}
	}

	runner := &backtest.Runner{
		Feed:       feed,
		Policy:     cfg.Defaults.OrderPolicy,
		Guardrails: cfg.Defaults.Guardrails,
		Metrics:    observability.NewMetrics(cfg.Metrics.Namespace),
	}
	res, err := runner.Run(cmdContext(cmd), req)
	if err != nil {
		return fmt.Errorf("backtest: %w", err)
	}

	out := cmd.OutOrStdout()
	if btJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		backtest.PrintResult(out, res)
	}

	if btTradesCSV != "" {
		f, err := os.Create(btTradesCSV)
		if err != nil {
			return fmt.Errorf("create trades csv: %w", err)
		}
		defer f.Close()
		if err := journal.WriteTradesCSV(f, res.Trades); err != nil {
			return fmt.Errorf("write trades csv: %w", err)
		}
		if !btJSON {
			fmt.Fprintf(out, "Trade log:     %s\n", btTradesCSV)
		}
	}
	return nil
}
