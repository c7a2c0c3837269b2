package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var readinessTh = ReadinessThresholds{
	MinIntradayOK:       30,
	MinIntradayWarn:     5,
	MinDaily:            20,
	FreshWarnMs:         180_000,
	FreshErrorMs:        900_000,
	OpeningPhaseEnabled: true,
	OpeningMinIntraday:  3,
}

func TestEvaluateReadinessLevels(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Minute).UnixMilli()

	r := EvaluateReadiness(readinessTh, 60, 30, fresh, now, false)
	assert.Equal(t, ReadinessOK, r.Level)
	assert.Empty(t, r.Detail)

	// No intraday data at all.
	r = EvaluateReadiness(readinessTh, 0, 30, 0, now, false)
	assert.Equal(t, ReadinessError, r.Level)

	// Intraday feed went silent past the error window.
	stale := now.Add(-20 * time.Minute).UnixMilli()
	r = EvaluateReadiness(readinessTh, 60, 30, stale, now, false)
	assert.Equal(t, ReadinessError, r.Level)
	assert.Greater(t, r.LatestIntradayAgeMs, readinessTh.FreshErrorMs)

	// Below the hard intraday minimum.
	r = EvaluateReadiness(readinessTh, 3, 30, fresh, now, false)
	assert.Equal(t, ReadinessError, r.Level)

	// Thin daily history only warns.
	r = EvaluateReadiness(readinessTh, 60, 10, fresh, now, false)
	assert.Equal(t, ReadinessWarn, r.Level)

	// Aging intraday inside the warn window.
	aging := now.Add(-5 * time.Minute).UnixMilli()
	r = EvaluateReadiness(readinessTh, 60, 30, aging, now, false)
	assert.Equal(t, ReadinessWarn, r.Level)

	// Between warn and OK intraday minimums.
	r = EvaluateReadiness(readinessTh, 10, 30, fresh, now, false)
	assert.Equal(t, ReadinessWarn, r.Level)
}

func TestEvaluateReadinessOpeningPhaseRelaxesMinimum(t *testing.T) {
	now := time.Date(2026, 3, 2, 1, 35, 0, 0, time.UTC)
	fresh := now.Add(-30 * time.Second).UnixMilli()

	// 10 frames would warn mid-session but pass right after the open.
	r := EvaluateReadiness(readinessTh, 10, 30, fresh, now, true)
	assert.Equal(t, ReadinessOK, r.Level)
	assert.True(t, r.OpeningPhase)

	r = EvaluateReadiness(readinessTh, 10, 30, fresh, now, false)
	assert.Equal(t, ReadinessWarn, r.Level)
}

func TestSyntheticHold(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	r := Readiness{Level: ReadinessError, Detail: "no intraday frames"}

	rec := SyntheticHold("600519.SH", 7, r, now)
	assert.Equal(t, ActionHold, rec.Action)
	assert.Equal(t, int64(7), rec.CycleNumber)
	assert.Equal(t, SourceReadinessGate, rec.DecisionSource)
	assert.Contains(t, rec.Reasoning, "no intraday frames")
	assert.Equal(t, 0.51, rec.Confidence)
}

func TestClampReasoning(t *testing.T) {
	long := make([]rune, 300)
	for i := range long {
		long[i] = '观'
	}
	assert.Len(t, []rune(ClampReasoning(string(long))), 200)
	assert.Equal(t, "short", ClampReasoning("short"))
}
