package decision

import (
	"github.com/paperarena/arena/internal/market"
)

// ComputeFeatures derives the candidate features from intraday and
// daily frames. Missing history leaves the affected fields zero.
func ComputeFeatures(symbol string, intraday, daily []market.Frame, positionShares int64) Features {
	f := Features{Symbol: symbol, Trend: "flat", PositionShares: positionShares}

	closes := make([]float64, len(intraday))
	vols := make([]float64, len(intraday))
	for i, fr := range intraday {
		closes[i] = fr.Close
		vols[i] = fr.Volume
	}
	if len(closes) > 0 {
		f.LastClose = closes[len(closes)-1]
	}
	f.Ret5 = market.Ret(closes, 5)
	f.Ret20 = market.Ret(closes, 20)
	f.VolRatio20 = market.VolRatio(vols, 20)
	if rsi, ok := market.RSI(closes, 14); ok {
		f.RSI14 = rsi
	}

	dCloses := make([]float64, len(daily))
	dHighs := make([]float64, len(daily))
	dLows := make([]float64, len(daily))
	for i, fr := range daily {
		dCloses[i] = fr.Close
		dHighs[i] = fr.High
		dLows[i] = fr.Low
	}
	if sma, ok := market.SMA(dCloses, 20); ok {
		f.SMA20 = sma
	}
	if sma, ok := market.SMA(dCloses, 60); ok {
		f.SMA60 = sma
	}
	if atr, ok := market.ATR(dHighs, dLows, dCloses, 14); ok {
		f.ATR14 = atr
	}
	f.Range20dPct = market.RangePct(dHighs, dLows, 20)
	f.Trend = market.TrendLabel(f.SMA20, f.SMA60)
	if f.LastClose == 0 && len(dCloses) > 0 {
		f.LastClose = dCloses[len(dCloses)-1]
	}
	return f
}
