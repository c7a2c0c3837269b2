package decision

import (
	"fmt"
	"time"
)

// ReadinessThresholds configure the gate. Opening-phase mode relaxes
// the intraday minimum during the first minutes of a session.
type ReadinessThresholds struct {
	MinIntradayOK       int
	MinIntradayWarn     int
	MinDaily            int
	FreshWarnMs         int64
	FreshErrorMs        int64
	OpeningPhaseEnabled bool
	OpeningMinIntraday  int
}

// EvaluateReadiness grades the data behind the selected symbol.
// latestIntradayTSMs of zero means no intraday frame exists at all.
func EvaluateReadiness(th ReadinessThresholds, intradayFrames, dailyFrames int, latestIntradayTSMs int64, now time.Time, openingPhase bool) Readiness {
	r := Readiness{
		Level:          ReadinessOK,
		IntradayFrames: intradayFrames,
		DailyFrames:    dailyFrames,
		OpeningPhase:   openingPhase,
	}
	if latestIntradayTSMs > 0 {
		r.LatestIntradayAgeMs = now.UnixMilli() - latestIntradayTSMs
	}

	minIntraday := th.MinIntradayOK
	if th.OpeningPhaseEnabled && openingPhase && th.OpeningMinIntraday < minIntraday {
		minIntraday = th.OpeningMinIntraday
	}

	switch {
	case intradayFrames == 0 || latestIntradayTSMs == 0:
		r.Level = ReadinessError
		r.Detail = "no intraday frames"
	case r.LatestIntradayAgeMs > th.FreshErrorMs:
		r.Level = ReadinessError
		r.Detail = fmt.Sprintf("latest intraday frame is %dms old", r.LatestIntradayAgeMs)
	case intradayFrames < th.MinIntradayWarn:
		r.Level = ReadinessError
		r.Detail = fmt.Sprintf("only %d intraday frames", intradayFrames)
	case dailyFrames < th.MinDaily:
		r.Level = ReadinessWarn
		r.Detail = fmt.Sprintf("only %d daily frames", dailyFrames)
	case r.LatestIntradayAgeMs > th.FreshWarnMs:
		r.Level = ReadinessWarn
		r.Detail = fmt.Sprintf("latest intraday frame is %dms old", r.LatestIntradayAgeMs)
	case intradayFrames < minIntraday:
		r.Level = ReadinessWarn
		r.Detail = fmt.Sprintf("%d intraday frames below minimum %d", intradayFrames, minIntraday)
	}
	return r
}

// SyntheticHold builds the forced HOLD attached when readiness is
// ERROR. The LLM must not be called for such a context.
func SyntheticHold(symbol string, cycle int64, r Readiness, now time.Time) *Record {
	return &Record{
		Timestamp:      now.UTC().Format(time.RFC3339),
		CycleNumber:    cycle,
		Symbol:         symbol,
		Action:         ActionHold,
		Confidence:     0.51,
		Reasoning:      ClampReasoning(fmt.Sprintf("data readiness ERROR: %s", r.Detail)),
		DecisionSource: SourceReadinessGate,
		SavedTSMs:      now.UnixMilli(),
	}
}
