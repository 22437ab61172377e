package market

import "math"

// EMA computes the exponential moving average of the closing prices,
// seeding the recursion with the simple average of the first period
// bars.
func EMA(bars []Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += bars[i].Close
	}
	ema := sum / float64(period)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(bars); i++ {
		ema = (bars[i].Close-ema)*multiplier + ema
	}
	return ema
}

// MACD returns EMA(12) - EMA(26) of the closing prices.
func MACD(bars []Bar) float64 {
	if len(bars) < 26 {
		return 0
	}
	return EMA(bars, 12) - EMA(bars, 26)
}

// RSI computes the Wilder-smoothed relative strength index.
func RSI(bars []Bar, period int) float64 {
	if len(bars) <= period || period <= 0 {
		return 0
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			avgGain = (avgGain*float64(period-1) + change) / float64(period)
			avgLoss = (avgLoss * float64(period-1)) / float64(period)
		} else {
			avgGain = (avgGain * float64(period-1)) / float64(period)
			avgLoss = (avgLoss*float64(period-1) + (-change)) / float64(period)
		}
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ATR computes the Wilder-smoothed average true range.
func ATR(bars []Bar, period int) float64 {
	if len(bars) <= period || period <= 0 {
		return 0
	}

	trs := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		high, low, prevClose := bars[i].High, bars[i].Low, bars[i-1].Close
		tr1 := high - low
		tr2 := math.Abs(high - prevClose)
		tr3 := math.Abs(low - prevClose)
		trs[i] = math.Max(tr1, math.Max(tr2, tr3))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

// SMA is the simple average of the last period closes.
func SMA(bars []Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	start := len(bars) - period
	for i := start; i < len(bars); i++ {
		sum += bars[i].Close
	}
	return sum / float64(period)
}

// StdDev is the population standard deviation of the last period closes.
func StdDev(bars []Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}
	mean := SMA(bars, period)
	start := len(bars) - period
	variance := 0.0
	for i := start; i < len(bars); i++ {
		d := bars[i].Close - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(period))
}

// BollingerPosition returns %B: where the current close sits between
// the lower and upper bands, 0 at the lower band, 1 at the upper band.
// Returns NaN when there isn't enough data to compute a band.
func BollingerPosition(bars []Bar, period int, stdDevMultiplier float64) float64 {
	if len(bars) < period {
		return math.NaN()
	}
	middle := SMA(bars, period)
	dev := StdDev(bars, period)
	upper := middle + stdDevMultiplier*dev
	lower := middle - stdDevMultiplier*dev
	width := upper - lower
	if width == 0 {
		return 0.5
	}
	current := bars[len(bars)-1].Close
	return (current - lower) / width
}

// EfficiencyRatio is Kaufman's ER: |net change| / sum(|each change|)
// over the trailing period, in [0, 1]. Returns NaN when there isn't
// enough data.
func EfficiencyRatio(bars []Bar, period int) float64 {
	if len(bars) <= period {
		return math.NaN()
	}
	startIdx := len(bars) - period - 1
	endIdx := len(bars) - 1

	direction := math.Abs(bars[endIdx].Close - bars[startIdx].Close)
	volatility := 0.0
	for i := startIdx + 1; i <= endIdx; i++ {
		volatility += math.Abs(bars[i].Close - bars[i-1].Close)
	}
	if volatility == 0 {
		return 0
	}
	er := direction / volatility
	if er > 1 {
		er = 1
	}
	return er
}

// PctChange returns the percent change from `ago` bars back to the
// latest close. Returns 0 when the series is too short or the
// reference price is zero.
func PctChange(bars []Bar, ago int) float64 {
	if len(bars) <= ago || ago <= 0 {
		return 0
	}
	latest := bars[len(bars)-1].Close
	ref := bars[len(bars)-1-ago].Close
	if ref == 0 {
		return 0
	}
	return ((latest - ref) / ref) * 100
}
