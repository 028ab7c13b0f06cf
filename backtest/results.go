package backtest

import (
	"fmt"
	"io"
	"time"
)

// PrintResult writes a text summary of res.
func PrintResult(w io.Writer, res Result) {
	fmt.Fprintln(w, "==================================================")
	fmt.Fprintln(w, " Simulation Result")
	fmt.Fprintln(w, "==================================================")

	fmt.Fprintf(w, "Symbol:        %s\n", res.Symbol)
	fmt.Fprintf(w, "Start:         %s\n", res.Start.Format(time.DateOnly))
	fmt.Fprintf(w, "End:           %s\n", res.End.Format(time.DateOnly))
	fmt.Fprintf(w, "Trading Days:  %d\n", len(res.Days))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Activity")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Evaluations:   %d\n", res.Evaluations)
	fmt.Fprintf(w, "Trades:        %d\n", len(res.Trades))
	fmt.Fprintf(w, "Blocked:       %d\n", res.Blocked)
	fmt.Fprintf(w, "Dividends:     %d\n", len(res.Dividends))

	printMetrics(w, "Algorithm", res.Algorithm)
	printMetrics(w, "Buy and Hold", res.BuyHold)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Comparison")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Excess Return: %.2f%%\n", res.Comparison.ExcessReturnPct)
	fmt.Fprintf(w, "Alpha:         %.4f\n", res.Comparison.Alpha)
	fmt.Fprintf(w, "Beta:          %.4f\n", res.Comparison.Beta)
	fmt.Fprintf(w, "Info Ratio:    %.4f\n", res.Comparison.InformationRatio)

	fmt.Fprintln(w)
}

func printMetrics(w io.Writer, title string, m Metrics) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Start Value:   %s\n", m.StartValue.StringFixed(2))
	fmt.Fprintf(w, "End Value:     %s\n", m.EndValue.StringFixed(2))
	fmt.Fprintf(w, "Net P/L:       %s\n", m.TotalPnL.StringFixed(2))
	fmt.Fprintf(w, "Return:        %.2f%%\n", m.ReturnPct)
	fmt.Fprintf(w, "Volatility:    %.4f\n", m.Volatility)
	fmt.Fprintf(w, "Sharpe:        %.4f\n", m.Sharpe)
	if m.MaxDrawdownPct > 0 {
		fmt.Fprintf(w, "Max Drawdown:  %.2f%%\n", m.MaxDrawdownPct)
	}
}
