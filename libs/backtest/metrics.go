package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	tradingDaysPerYear = 252
	maxProfitFactor    = 9999.99
)

// EquityPoint is one timestamped sample of an equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
}

// Metrics is the complete set of performance metrics for a backtest run.
// Monetary values use Decimal; ratios use float64, matching the rest of
// the risk and indicator layers.
type Metrics struct {
	TotalReturn       decimal.Decimal
	TotalReturnPct    decimal.Decimal
	TotalTrades       int
	WinningTrades     int
	LosingTrades      int
	WinRate           float64
	ProfitFactor      float64
	SharpeRatio       float64
	MaxDrawdown       float64
	MaxDrawdownPct    float64
	AvgWin            decimal.Decimal
	AvgLoss           decimal.Decimal
	LargestWin        decimal.Decimal
	LargestLoss       decimal.Decimal
	AvgTradeDuration  int64
	FinalEquity       decimal.Decimal
}

// ComputeMetrics derives the full metrics set from a completed trade
// ledger plus two equity samplings: dailyEquity (one point per trading
// day, used for the Sharpe ratio) and equityCurve (one point per candle,
// used for max drawdown).
func ComputeMetrics(trades []Trade, dailyEquity, equityCurve []EquityPoint, initialCapital decimal.Decimal) Metrics {
	var winners, losers []Trade
	for _, t := range trades {
		if t.PnL.GreaterThan(decimal.Zero) {
			winners = append(winners, t)
		} else if t.PnL.LessThan(decimal.Zero) {
			losers = append(losers, t)
		}
	}

	finalEquity := initialCapital
	for _, t := range trades {
		finalEquity = finalEquity.Add(t.PnL)
	}

	var totalReturn, totalReturnPct decimal.Decimal
	if initialCapital.GreaterThan(decimal.Zero) {
		totalReturn = finalEquity.Sub(initialCapital)
		totalReturnPct = totalReturn.Div(initialCapital).Mul(decimal.NewFromInt(100))
	}

	winRate := 0.0
	if len(trades) > 0 {
		winRate = float64(len(winners)) / float64(len(trades))
	}

	avgWin, largestWin := avgAndMax(winners)
	avgLoss, largestLoss := avgAndMin(losers)

	var totalDuration int64
	for _, t := range trades {
		totalDuration += t.DurationSeconds
	}
	avgDuration := int64(0)
	if len(trades) > 0 {
		avgDuration = totalDuration / int64(len(trades))
	}

	maxDD := computeMaxDrawdown(equityCurve)

	return Metrics{
		TotalReturn: totalReturn, TotalReturnPct: totalReturnPct,
		TotalTrades: len(trades), WinningTrades: len(winners), LosingTrades: len(losers),
		WinRate: winRate, ProfitFactor: computeProfitFactor(winners, losers),
		SharpeRatio: computeSharpe(dailyEquity, initialCapital),
		MaxDrawdown: maxDD, MaxDrawdownPct: maxDD * 100.0,
		AvgWin: avgWin, AvgLoss: avgLoss, LargestWin: largestWin, LargestLoss: largestLoss,
		AvgTradeDuration: avgDuration, FinalEquity: finalEquity,
	}
}

func avgAndMax(trades []Trade) (avg, max decimal.Decimal) {
	if len(trades) == 0 {
		return decimal.Zero, decimal.Zero
	}
	sum := decimal.Zero
	max = trades[0].PnL
	for _, t := range trades {
		sum = sum.Add(t.PnL)
		if t.PnL.GreaterThan(max) {
			max = t.PnL
		}
	}
	return sum.Div(decimal.NewFromInt(int64(len(trades)))), max
}

func avgAndMin(trades []Trade) (avg, min decimal.Decimal) {
	if len(trades) == 0 {
		return decimal.Zero, decimal.Zero
	}
	sum := decimal.Zero
	min = trades[0].PnL
	for _, t := range trades {
		sum = sum.Add(t.PnL)
		if t.PnL.LessThan(min) {
			min = t.PnL
		}
	}
	return sum.Div(decimal.NewFromInt(int64(len(trades)))), min
}

// computeProfitFactor returns gross profit / gross loss, capped at
// maxProfitFactor rather than infinity when there are no losses.
func computeProfitFactor(winners, losers []Trade) float64 {
	grossProfit := decimal.Zero
	for _, t := range winners {
		grossProfit = grossProfit.Add(t.PnL)
	}
	grossLoss := decimal.Zero
	for _, t := range losers {
		grossLoss = grossLoss.Add(t.PnL)
	}
	grossLoss = grossLoss.Abs()

	if grossProfit.IsZero() && grossLoss.IsZero() {
		return 0.0
	}
	if grossLoss.IsZero() {
		return maxProfitFactor
	}
	f, _ := grossProfit.Div(grossLoss).Float64()
	return f
}

// computeSharpe is the annualized Sharpe ratio from daily equity snapshots,
// using sample standard deviation (ddof=1) and a zero risk-free rate.
// Returns 0 with fewer than two usable daily returns.
func computeSharpe(dailyEquity []EquityPoint, initialCapital decimal.Decimal) float64 {
	if len(dailyEquity) < 2 {
		return 0.0
	}

	values := make([]float64, 0, len(dailyEquity)+1)
	v, _ := initialCapital.Float64()
	values = append(values, v)
	for _, p := range dailyEquity {
		f, _ := p.Equity.Float64()
		values = append(values, f)
	}

	var returns []float64
	for i := 1; i < len(values); i++ {
		prev := values[i-1]
		if prev == 0 {
			returns = append(returns, 0.0)
			continue
		}
		returns = append(returns, (values[i]-prev)/prev)
	}

	n := len(returns)
	if n < 2 {
		return 0.0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(n - 1)
	std := math.Sqrt(variance)
	if std == 0.0 {
		return 0.0
	}

	return (mean / std) * math.Sqrt(float64(tradingDaysPerYear))
}

// computeMaxDrawdown walks the per-candle equity curve tracking a
// high-water mark, returning the largest fractional drop from peak.
func computeMaxDrawdown(equityCurve []EquityPoint) float64 {
	if len(equityCurve) == 0 {
		return 0.0
	}

	peak := decimal.Zero
	maxDD := 0.0
	for _, p := range equityCurve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if peak.GreaterThan(decimal.Zero) {
			dd, _ := peak.Sub(p.Equity).Div(peak).Float64()
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
