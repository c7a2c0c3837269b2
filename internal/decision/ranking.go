package decision

import (
	"sort"

	"github.com/paperarena/arena/internal/registry"
)

// Score rates one candidate for a trading style. Holding a position
// adds a small stickiness bonus so the loop revisits open symbols.
func Score(style string, f Features) float64 {
	var score float64
	switch style {
	case registry.StyleMeanReversion:
		score = -1.0*f.Ret5 - 0.35*f.Ret20
		if f.RSI14 > 0 && f.RSI14 <= 45 {
			score += 0.35
		}
		if f.RSI14 >= 70 {
			score -= 0.25
		}
		if f.Trend == "down" {
			score -= 0.12
		}
	case registry.StyleEventDriven:
		score = 0.8*f.Ret5 + 0.6*f.Ret20 + 0.22*maxf(0, f.VolRatio20-1)
		if f.Trend == "up" {
			score += 0.12
		}
		if f.Trend == "down" {
			score -= 0.12
		}
	case registry.StyleMacroSwing:
		score = 1.3*f.Ret20 + 0.35*f.Ret5
		if f.Trend == "up" {
			score += 0.24
		}
		if f.Trend == "down" {
			score -= 0.22
		}
	default: // momentum and balanced share the momentum_trend score
		score = 1.0*f.Ret20 + 0.8*f.Ret5 + 0.12*maxf(0, f.VolRatio20-1)
		if f.Trend == "up" {
			score += 0.2
		}
		if f.Trend == "down" {
			score -= 0.18
		}
	}
	if f.PositionShares > 0 {
		score += 0.05
	}
	return score
}

// Rank scores and sorts candidates descending, stable on ties.
func Rank(style string, candidates []Features) []Features {
	out := append([]Features(nil), candidates...)
	for i := range out {
		out[i].Score = Score(style, out[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
