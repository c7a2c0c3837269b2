// Package bets is the viewer betting ledger: daily per-market pools,
// crowd-weighted odds over live returns, the freeze-at-cutoff rule, and
// idempotent end-of-day settlement into viewer credits.
package bets

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// Entry is one trader's line in the odds table.
type Entry struct {
	TraderID       string  `json:"trader_id"`
	TraderName     string  `json:"trader_name"`
	DailyReturnPct float64 `json:"daily_return_pct"`
	Odds           float64 `json:"odds"`
	PoolAmount     int64   `json:"pool_amount"`
	PoolTickets    int     `json:"pool_tickets"`
}

// computeOdds derives decimal odds from returns plus crowd weighting.
// perf_score grows exponentially with the clamped return; a bigger
// crowd share raises the implied probability and thus lowers the odds.
func computeOdds(entries []Entry, houseEdge float64) []Entry {
	if len(entries) == 0 {
		return entries
	}
	if houseEdge <= 0 || houseEdge >= 1 {
		houseEdge = 0.08
	}

	totalStake := decimal.Zero
	for _, e := range entries {
		totalStake = totalStake.Add(decimal.NewFromInt(e.PoolAmount))
	}

	weighted := make([]float64, len(entries))
	var sum float64
	for i, e := range entries {
		ret := e.DailyReturnPct
		if ret > 20 {
			ret = 20
		} else if ret < -20 {
			ret = -20
		}
		perf := math.Exp(ret / 8)
		crowdShare := 0.0
		if totalStake.IsPositive() {
			share, _ := decimal.NewFromInt(e.PoolAmount).Div(totalStake).Float64()
			crowdShare = share
		}
		weighted[i] = perf * (1 + 0.75*crowdShare)
		sum += weighted[i]
	}

	for i := range entries {
		prob := weighted[i] / sum
		if prob < 0.02 {
			prob = 0.02
		}
		odds := (1 - houseEdge) / prob
		if odds < 1.05 {
			odds = 1.05
		} else if odds > 30 {
			odds = 30
		}
		entries[i].Odds = round2(odds)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].DailyReturnPct != entries[j].DailyReturnPct {
			return entries[i].DailyReturnPct > entries[j].DailyReturnPct
		}
		return entries[i].Odds > entries[j].Odds
	})
	return entries
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
