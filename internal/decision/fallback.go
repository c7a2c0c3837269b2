package decision

import (
	"fmt"
	"time"
)

// FallbackHold is the deterministic decision used when the LLM is
// disabled or failed: HOLD with a rationale derived from the features
// so the room still visibly ticks.
func FallbackHold(dc *Context) *Record {
	f := dc.Selected
	reasoning := fmt.Sprintf("5m ret %+.1f%%, RSI %.0f → 观望", f.Ret5, f.RSI14)
	if f.RSI14 == 0 {
		reasoning = fmt.Sprintf("5m ret %+.1f%%, trend %s → 观望", f.Ret5, f.Trend)
	}

	now := dc.Now
	return &Record{
		Timestamp:      now.UTC().Format(time.RFC3339),
		CycleNumber:    dc.CycleNumber,
		Symbol:         dc.Symbol,
		Action:         ActionHold,
		Confidence:     0.5,
		Reasoning:      ClampReasoning(reasoning),
		DecisionSource: SourceFallback,
		Decisions: []Leg{{
			Symbol: dc.Symbol,
			Action: ActionHold,
		}},
		SavedTSMs: now.UnixMilli(),
	}
}
