package detect

import (
	"errors"
	"math"

	"github.com/montanaflynn/stats"

	"trade-alerts/internal/market"
)

var errNotEnoughData = errors.New("not enough data")

func closes(bars []market.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// meanStdev returns the mean and population standard deviation of close.
func meanStdev(bars []market.Candle) (float64, float64, error) {
	if len(bars) == 0 {
		return 0, 0, errNotEnoughData
	}
	data := stats.Float64Data(closes(bars))
	mean, err := stats.Mean(data)
	if err != nil {
		return 0, 0, err
	}
	sd, err := stats.StandardDeviationPopulation(data)
	if err != nil {
		return 0, 0, err
	}
	return mean, sd, nil
}

func trueRange(c market.Candle, prevClose float64, hasPrev bool) float64 {
	tr := c.High - c.Low
	if !hasPrev {
		return tr
	}
	return math.Max(tr, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
}

// averageTrueRange is the simple mean of the last period true ranges in bars.
// The candle preceding the period supplies the first previous close when present.
func averageTrueRange(bars []market.Candle, period int) (float64, error) {
	if period <= 0 || len(bars) < period {
		return 0, errNotEnoughData
	}
	start := len(bars) - period
	sum := 0.0
	for i := start; i < len(bars); i++ {
		if i == 0 {
			sum += trueRange(bars[i], 0, false)
			continue
		}
		sum += trueRange(bars[i], bars[i-1].Close, true)
	}
	return sum / float64(period), nil
}

// rsiSeries returns Wilder RSI aligned with bars; entries before period are NaN.
// A flat run with no gains or losses reads 50.
func rsiSeries(bars []market.Candle, period int) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(bars) < period+1 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	switch {
	case avgGain == 0 && avgLoss == 0:
		return 50
	case avgLoss == 0:
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
