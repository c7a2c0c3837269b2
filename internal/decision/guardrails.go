package decision

import "fmt"

// EnforceLimits clamps an LLM proposal to the portfolio limits. The
// returned log lines explain every adjustment; a proposal clamped to
// nothing degrades to HOLD.
func EnforceLimits(dc *Context, p Proposal) (Proposal, []string) {
	var log []string
	if p.Action != ActionBuy {
		return p, nil
	}
	price := dc.Selected.LastClose
	if price <= 0 {
		return p, nil
	}
	equity := dc.Account.TotalEquity
	limits := dc.Limits

	if limits.MaxPositionCount > 0 && dc.Positions[p.Symbol] == 0 && dc.Account.PositionCount >= limits.MaxPositionCount {
		log = append(log, fmt.Sprintf("max_position_count %d reached, forcing HOLD", limits.MaxPositionCount))
		p.Action = ActionHold
		p.Quantity = 0
		return p, log
	}

	maxNotional := float64(p.Quantity) * price

	if limits.MaxSymbolConcentrationPct > 0 && equity > 0 {
		held := float64(dc.Positions[p.Symbol]) * price
		room := equity*limits.MaxSymbolConcentrationPct/100 - held
		if room < maxNotional {
			maxNotional = room
			log = append(log, fmt.Sprintf("clamped by max_symbol_concentration_pct %.1f", limits.MaxSymbolConcentrationPct))
		}
	}
	if limits.MinCashReservePct > 0 && equity > 0 {
		spendable := dc.Account.AvailableBalance - equity*limits.MinCashReservePct/100
		if spendable < maxNotional {
			maxNotional = spendable
			log = append(log, fmt.Sprintf("clamped by min_cash_reserve_pct %.1f", limits.MinCashReservePct))
		}
	}
	if limits.TurnoverThrottlePct > 0 && equity > 0 {
		throttle := equity * limits.TurnoverThrottlePct / 100
		if throttle < maxNotional {
			maxNotional = throttle
			log = append(log, fmt.Sprintf("clamped by turnover_throttle_pct %.1f", limits.TurnoverThrottlePct))
		}
	}

	qty := int64(maxNotional / price)
	if qty < p.Quantity {
		p.Quantity = qty
	}
	if p.Quantity <= 0 {
		log = append(log, "quantity clamped to zero, forcing HOLD")
		p.Action = ActionHold
		p.Quantity = 0
	}
	return p, log
}
