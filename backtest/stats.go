package backtest

import "math"

// tradingDays annualises daily statistics.
const tradingDays = 252

// dailyReturns returns v[i]/v[i-1]-1. A zero previous value yields 0.
func dailyReturns(v []float64) []float64 {
	if len(v) < 2 {
		return nil
	}
	out := make([]float64, len(v)-1)
	for i := 1; i < len(v); i++ {
		if v[i-1] != 0 {
			out[i-1] = v[i]/v[i-1] - 1
		}
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// stdev is the sample standard deviation.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func annualVolatility(returns []float64) float64 {
	return stdev(returns) * math.Sqrt(tradingDays)
}

// sharpe is the annualised mean/stdev of daily returns with a zero
// risk-free rate.
func sharpe(returns []float64) float64 {
	sd := stdev(returns)
	if sd == 0 {
		return 0
	}
	return mean(returns) / sd * math.Sqrt(tradingDays)
}

// maxDrawdownPct is the largest peak-to-trough decline in percent.
func maxDrawdownPct(values []float64) float64 {
	var peak, worst float64
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst * 100
}

// regress fits y = alpha + beta*x by ordinary least squares. alpha is
// annualised. A flat x gives beta 0.
func regress(y, x []float64) (alpha, beta float64) {
	n := min(len(x), len(y))
	if n == 0 {
		return 0, 0
	}
	x, y = x[:n], y[:n]
	mx, my := mean(x), mean(y)
	var cov, vx float64
	for i := range n {
		cov += (x[i] - mx) * (y[i] - my)
		vx += (x[i] - mx) * (x[i] - mx)
	}
	if vx != 0 {
		beta = cov / vx
	}
	alpha = (my - beta*mx) * tradingDays
	return alpha, beta
}

// informationRatio is mean/stdev of the daily excess returns a-b, not
// annualised. Zero when the excess has no spread.
func informationRatio(a, b []float64) float64 {
	n := min(len(a), len(b))
	excess := make([]float64, n)
	for i := range n {
		excess[i] = a[i] - b[i]
	}
	sd := stdev(excess)
	if sd == 0 {
		return 0
	}
	return mean(excess) / sd
}

// finite maps NaN and ±Inf to 0 so results always encode.
func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
