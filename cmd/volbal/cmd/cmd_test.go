package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/volbalance/config"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/policy"
	"github.com/rustyeddy/volbalance/position"
	"github.com/rustyeddy/volbalance/sim"
	"github.com/rustyeddy/volbalance/store"
)

// run executes the root command with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cfgFile, envFile = "", ""
	btDataDir, btTicker, btStart, btEnd = "", "", "", ""
	btCash, btQty, btWithholding = "10000", "0", -1
	btTradesCSV, btJSON = "", false
	journalStatus, journalTypes, journalLimit = "", nil, 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "volbal version "+version+"\n", out)
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volbal.yaml")

	out, err := run(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Created default configuration")
	assert.FileExists(t, path)

	out, err = run(t, "config", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")
	assert.Contains(t, out, "Store: sqlite")
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))

	_, err := run(t, "config", "validate", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func writeBars(t *testing.T, dir string) {
	t.Helper()
	bars := `time,open,high,low,close,volume
2024-01-02,100,100,100,100,1000
2024-01-03,90,90,90,90,1000
2024-01-04,100,100,100,100,1000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AAPL.csv"), []byte(bars), 0o644))
}

func TestBacktestCommand(t *testing.T) {
	dir := t.TempDir()
	writeBars(t, dir)
	tradesPath := filepath.Join(dir, "trades.csv")

	out, err := run(t, "backtest", "--data", dir, "--ticker", "AAPL",
		"--cash", "5000", "--qty", "50", "--trades-csv", tradesPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Simulation Result")
	assert.Contains(t, out, "Symbol:        AAPL")
	assert.Contains(t, out, "Trading Days:  3")
	assert.Contains(t, out, "Trade log:")

	raw, err := os.ReadFile(tradesPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Equal(t, "id,position_id,timestamp,side,qty,price,commission,cash_after,shares_after", lines[0])
	assert.Greater(t, len(lines), 1)
}

func TestBacktestCommandJSON(t *testing.T) {
	dir := t.TempDir()
	writeBars(t, dir)

	out, err := run(t, "backtest", "--data", dir, "--ticker", "AAPL",
		"--start", "2024-01-03", "--end", "2024-01-04", "--json")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Len(t, res["days"], 2)
}

func TestBacktestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	writeBars(t, dir)

	_, err := run(t, "backtest", "--data", dir, "--ticker", "AAPL", "--cash", "lots")
	assert.ErrorContains(t, err, "--cash")

	_, err = run(t, "backtest", "--data", dir, "--ticker", "AAPL", "--start", "01/02/2024")
	assert.ErrorContains(t, err, "--start")

	_, err = run(t, "backtest", "--data", dir, "--ticker", "NOPE")
	assert.Error(t, err)
}

func TestJournalCommands(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Store.DBPath = filepath.Join(dir, "volbal.db")
	cfgPath := filepath.Join(dir, "volbal.yaml")
	require.NoError(t, cfg.SaveToFile(cfgPath))

	at := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	st, err := store.NewSQLite(ctx, cfg.Store.DBPath)
	require.NoError(t, err)
	anchor := decimal.NewFromInt(100)
	require.NoError(t, st.CreatePosition(ctx, position.Position{
		ID:          "pos_aapl",
		AssetSymbol: "AAPL",
		Qty:         decimal.NewFromInt(100),
		Cash:        decimal.NewFromInt(10000),
		AnchorPrice: &anchor,
		Status:      position.StatusRunning,
		OrderPolicy: policy.DefaultOrderPolicy(),
		Guardrails:  policy.DefaultGuardrails(),
		CreatedAt:   at,
	}))
	e := sim.NewEngine(st, sim.WithClock(func() time.Time { return at }))
	outcome, err := e.Process(ctx, "pos_aapl", market.NewQuote("AAPL", decimal.NewFromInt(90), at))
	require.NoError(t, err)
	require.NotNil(t, outcome.Trade)
	require.NoError(t, st.Close())

	out, err := run(t, "journal", "positions", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "pos_aapl")
	assert.Contains(t, out, "AAPL")

	out, err = run(t, "journal", "trades", "pos_aapl", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, outcome.Trade.ID)
	assert.Contains(t, out, "BUY")

	out, err = run(t, "journal", "events", "pos_aapl", "-c", cfgPath, "--type", "EXECUTION")
	require.NoError(t, err)
	assert.Contains(t, out, "EXECUTION")
	assert.NotContains(t, out, "EVALUATION")

	_, err = run(t, "journal", "trades", "pos_missing", "-c", cfgPath)
	assert.ErrorIs(t, err, position.ErrNotFound)
}

func TestNewAppRejectsBadTimeouts(t *testing.T) {
	base := func() *config.Config {
		cfg := config.Default()
		cfg.Store.Type = "memory"
		cfg.Feed.Type = "memory"
		return cfg
	}

	cfg := base()
	cfg.Worker.QuoteTimeout = "soon"
	_, err := newApp(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.quote_timeout")

	cfg = base()
	cfg.Worker.StoreTimeout = "-1s"
	_, err = newApp(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.store_timeout")

	a, err := newApp(context.Background(), base())
	require.NoError(t, err)
	assert.NoError(t, a.Close())
}
