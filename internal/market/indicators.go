package market

import (
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
)

func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func lastFromChan(ch <-chan float64) (float64, bool) {
	var last float64
	ok := false
	for v := range ch {
		last = v
		ok = true
	}
	return last, ok
}

// RSI returns the latest Relative Strength Index over period.
func RSI(closes []float64, period int) (float64, bool) {
	if period < 1 || len(closes) <= period {
		return 0, false
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	return lastFromChan(rsi.Compute(sliceToChan(closes)))
}

// SMA returns the latest simple moving average over period.
func SMA(closes []float64, period int) (float64, bool) {
	if period < 1 || len(closes) < period {
		return 0, false
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	return lastFromChan(sma.Compute(sliceToChan(closes)))
}

// ATR returns the latest average true range over period, Wilder
// smoothed. Computed by hand: the batch shape here (three parallel
// slices, one terminal value) does not fit the streaming indicator
// API.
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	n := len(closes)
	if period < 1 || n < period+1 || len(highs) != n || len(lows) != n {
		return 0, false
	}

	trs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		tr := highs[i] - lows[i]
		if d := abs(highs[i] - closes[i-1]); d > tr {
			tr = d
		}
		if d := abs(lows[i] - closes[i-1]); d > tr {
			tr = d
		}
		trs = append(trs, tr)
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr, true
}

// Ret returns the percent change over the last n bars.
func Ret(closes []float64, n int) float64 {
	if n < 1 || len(closes) <= n {
		return 0
	}
	base := closes[len(closes)-1-n]
	if base == 0 {
		return 0
	}
	return (closes[len(closes)-1]/base - 1) * 100
}

// VolRatio returns the last volume over the average of the last n.
func VolRatio(volumes []float64, n int) float64 {
	if n < 1 || len(volumes) < n {
		return 0
	}
	sum := 0.0
	for _, v := range volumes[len(volumes)-n:] {
		sum += v
	}
	avg := sum / float64(n)
	if avg == 0 {
		return 0
	}
	return volumes[len(volumes)-1] / avg
}

// RangePct returns the high-low range of the last n bars as a percent
// of the low.
func RangePct(highs, lows []float64, n int) float64 {
	if n < 1 || len(highs) < n || len(lows) < n {
		return 0
	}
	hi := highs[len(highs)-n]
	lo := lows[len(lows)-n]
	for _, v := range highs[len(highs)-n:] {
		if v > hi {
			hi = v
		}
	}
	for _, v := range lows[len(lows)-n:] {
		if v < lo {
			lo = v
		}
	}
	if lo <= 0 {
		return 0
	}
	return (hi - lo) / lo * 100
}

// TrendLabel classifies the moving-average posture with a small band
// so a flat tape is not whipsawed into up/down.
func TrendLabel(sma20, sma60 float64) string {
	if sma20 == 0 || sma60 == 0 {
		return "flat"
	}
	switch {
	case sma20 > sma60*1.001:
		return "up"
	case sma20 < sma60*0.999:
		return "down"
	default:
		return "flat"
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
