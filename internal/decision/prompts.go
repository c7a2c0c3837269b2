package decision

import (
	"fmt"
	"strings"
)

// systemPrompt fixes the decider's role and output contract.
const systemPrompt = `You are an autonomous paper trader. Decide one action for the selected symbol.
Respond with a single JSON object and nothing else:
{"action":"BUY|SELL|HOLD","symbol":"...","quantity":<integer shares>,"confidence":<0..1>,"reasoning":"<one sentence, max 200 chars>"}
Respect the portfolio limits given in the input. Never invent symbols.`

// devSystemPrompt is the compressed variant used by the token saver.
const devSystemPrompt = `Paper trader. Reply one JSON: {"action":"BUY|SELL|HOLD","symbol","quantity","confidence","reasoning"}.`

// BuildPrompts renders the system and input prompt for a context.
// tokenSaver compresses both to cut cost during development.
func BuildPrompts(dc *Context, tokenSaver bool) (string, string) {
	var b strings.Builder

	fmt.Fprintf(&b, "Trader: %s style=%s risk=%s market=%s\n",
		dc.Trader.TraderName, dc.Trader.TradingStyle, dc.Trader.RiskProfile, dc.Trader.ExchangeID)
	fmt.Fprintf(&b, "Cycle %d. Selected symbol: %s (close %.2f)\n", dc.CycleNumber, dc.Symbol, dc.Selected.LastClose)
	fmt.Fprintf(&b, "Account: equity=%.2f cash=%.2f positions=%d daily_pnl=%.2f\n",
		dc.Account.TotalEquity, dc.Account.AvailableBalance, dc.Account.PositionCount, dc.Account.DailyPnL)
	fmt.Fprintf(&b, "Limits: max_positions=%d max_concentration=%.1f%% min_cash=%.1f%% turnover=%.1f%%\n",
		dc.Limits.MaxPositionCount, dc.Limits.MaxSymbolConcentrationPct, dc.Limits.MinCashReservePct, dc.Limits.TurnoverThrottlePct)

	f := dc.Selected
	fmt.Fprintf(&b, "Features %s: ret5=%.2f%% ret20=%.2f%% rsi=%.1f vol_ratio=%.2f trend=%s atr=%.3f range20d=%.2f%% held=%d\n",
		f.Symbol, f.Ret5, f.Ret20, f.RSI14, f.VolRatio20, f.Trend, f.ATR14, f.Range20dPct, f.PositionShares)

	if !tokenSaver {
		b.WriteString("Other candidates by score:\n")
		limit := len(dc.Candidates)
		if limit > 6 {
			limit = 6
		}
		for _, c := range dc.Candidates[:limit] {
			fmt.Fprintf(&b, "  %s score=%.3f ret5=%.2f%% rsi=%.1f trend=%s held=%d\n",
				c.Symbol, c.Score, c.Ret5, c.RSI14, c.Trend, c.PositionShares)
		}
		if len(dc.Positions) > 0 {
			b.WriteString("Open positions:\n")
			for sym, shares := range dc.Positions {
				fmt.Fprintf(&b, "  %s x%d\n", sym, shares)
			}
		}
	}
	fmt.Fprintf(&b, "Data readiness: %s", dc.Readiness.Level)
	if dc.Readiness.Detail != "" {
		fmt.Fprintf(&b, " (%s)", dc.Readiness.Detail)
	}
	b.WriteString("\nDecide now.")

	sys := systemPrompt
	if tokenSaver {
		sys = devSystemPrompt
	}
	return sys, b.String()
}
