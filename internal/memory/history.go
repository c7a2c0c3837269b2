package memory

// TradeStats aggregates closed-trade performance.
type TradeStats struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRatePct  float64 `json:"win_rate_pct"`
	RealizedPnL float64 `json:"realized_pnl"`
	TotalFees   float64 `json:"total_fees"`
}

// PositionsHistory is the /api/positions/history payload.
type PositionsHistory struct {
	ClosedTrades []ClosedTrade         `json:"closed_trades"`
	TradeEvents  []TradeEvent          `json:"trade_events"`
	Stats        TradeStats            `json:"stats"`
	BySymbol     map[string]TradeStats `json:"by_symbol"`
	ByDirection  map[string]TradeStats `json:"by_direction"`
}

// History returns the trader's closed positions and trade events with
// aggregate stats, newest first, capped to limit entries each.
func (s *Store) History(traderID string, limit int) PositionsHistory {
	snap := s.Get(traderID)

	closed := reverseClosed(snap.ClosedTrades)
	events := reverseEvents(snap.TradeEvents)
	if limit > 0 {
		if len(closed) > limit {
			closed = closed[:limit]
		}
		if len(events) > limit {
			events = events[:limit]
		}
	}

	out := PositionsHistory{
		ClosedTrades: closed,
		TradeEvents:  events,
		BySymbol:     map[string]TradeStats{},
		ByDirection:  map[string]TradeStats{},
	}
	for _, t := range snap.ClosedTrades {
		out.Stats = accumulate(out.Stats, t)
		out.BySymbol[t.Symbol] = accumulate(out.BySymbol[t.Symbol], t)
		out.ByDirection[t.Side] = accumulate(out.ByDirection[t.Side], t)
	}
	out.Stats = finalize(out.Stats)
	for k, v := range out.BySymbol {
		out.BySymbol[k] = finalize(v)
	}
	for k, v := range out.ByDirection {
		out.ByDirection[k] = finalize(v)
	}
	return out
}

func accumulate(st TradeStats, t ClosedTrade) TradeStats {
	st.Trades++
	if t.RealizedPnL > 0 {
		st.Wins++
	} else if t.RealizedPnL < 0 {
		st.Losses++
	}
	st.RealizedPnL = round2(st.RealizedPnL + t.RealizedPnL)
	st.TotalFees = round2(st.TotalFees + t.Fee)
	return st
}

func finalize(st TradeStats) TradeStats {
	if st.Trades > 0 {
		st.WinRatePct = round2(float64(st.Wins) / float64(st.Trades) * 100)
	}
	return st
}

func reverseClosed(in []ClosedTrade) []ClosedTrade {
	out := make([]ClosedTrade, len(in))
	for i, t := range in {
		out[len(in)-1-i] = t
	}
	return out
}

func reverseEvents(in []TradeEvent) []TradeEvent {
	out := make([]TradeEvent, len(in))
	for i, t := range in {
		out[len(in)-1-i] = t
	}
	return out
}
