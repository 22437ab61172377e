package backtest

import (
	"math"

	"github.com/nofx-labs/futuresupervisor/ledger"
)

// barsPerYear approximates how many bars of tf occur in a year, used
// to annualize the Sharpe ratio. Falls back to hourly cadence for an
// unrecognized timeframe rather than failing the whole computation.
func barsPerYear(tf string) float64 {
	const hoursPerYear = 365 * 24
	switch tf {
	case "1m":
		return hoursPerYear * 60
	case "5m":
		return hoursPerYear * 12
	case "15m":
		return hoursPerYear * 4
	case "30m":
		return hoursPerYear * 2
	case "1h":
		return hoursPerYear
	case "4h":
		return hoursPerYear / 4
	case "1d":
		return 365
	default:
		return hoursPerYear
	}
}

// computeStats derives the statistics persisted alongside a completed
// backtest from its equity curve and simulated trade log.
func computeStats(initialBalance float64, equity []ledger.EquityPoint, trades []ledger.Trade, timeframe string) ledger.BacktestStats {
	if len(equity) == 0 || initialBalance == 0 {
		return ledger.BacktestStats{}
	}

	final := equity[len(equity)-1].Equity
	totalReturn := (final - initialBalance) / initialBalance * 100

	maxDrawdown := 0.0
	peak := equity[0].Equity
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (equity[i].Equity-prev)/prev)
	}
	sharpe := 0.0
	if len(returns) > 1 {
		mean := 0.0
		for _, r := range returns {
			mean += r
		}
		mean /= float64(len(returns))
		variance := 0.0
		for _, r := range returns {
			d := r - mean
			variance += d * d
		}
		variance /= float64(len(returns))
		if stdDev := math.Sqrt(variance); stdDev > 0 {
			sharpe = (mean / stdDev) * math.Sqrt(barsPerYear(timeframe))
		}
	}

	var (
		wins, losses       int
		grossWin, grossLoss float64
	)
	for _, t := range trades {
		if t.RealizedPnL == nil {
			continue
		}
		pnl := *t.RealizedPnL
		switch {
		case pnl > 0:
			wins++
			grossWin += pnl
		case pnl < 0:
			losses++
			grossLoss += -pnl
		}
	}
	winRate := 0.0
	if closed := wins + losses; closed > 0 {
		winRate = float64(wins) / float64(closed) * 100
	}
	profitFactor := 0.0
	if grossLoss > 0 {
		profitFactor = grossWin / grossLoss
	}
	meanWin, meanLoss := 0.0, 0.0
	if wins > 0 {
		meanWin = grossWin / float64(wins)
	}
	if losses > 0 {
		meanLoss = grossLoss / float64(losses)
	}

	return ledger.BacktestStats{
		TotalReturn:  totalReturn,
		WinRate:      winRate,
		MaxDrawdown:  maxDrawdown * 100,
		SharpeRatio:  sharpe,
		ProfitFactor: profitFactor,
		MeanWin:      meanWin,
		MeanLoss:     meanLoss,
	}
}
