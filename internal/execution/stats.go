package execution

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/okastakis/skopos/internal/domain"
)

const tradingDaysPerYear = 252

// RealizedVolatility computes the annualized standard deviation of
// daily log returns. Returns 0 when fewer than three bars are given.
func RealizedVolatility(bars []domain.Bar) float64 {
	if len(bars) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return 0
	}

	return stat.StdDev(returns, nil) * math.Sqrt(tradingDaysPerYear)
}

// AverageTrueRange computes the ATR over the given daily bars. Returns
// 0 when there are not enough bars for the period.
func AverageTrueRange(bars []domain.Bar, period int) float64 {
	if len(bars) <= period {
		return 0
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
	}

	atr := talib.Atr(high, low, closes, period)
	return atr[len(atr)-1]
}
