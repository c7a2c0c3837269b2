package market

import (
	"hash/fnv"
	"math"
	"time"

	"github.com/paperarena/arena/internal/clock"
)

// mockProvider generates a deterministic synthetic walk per symbol so
// development without feeds still produces plausible bars.
type mockProvider struct {
	clk clock.Clock
}

func newMockProvider(clk clock.Clock) *mockProvider {
	return &mockProvider{clk: clk}
}

func (m *mockProvider) GetFrames(symbol, interval string, limit int) []Frame {
	if limit <= 0 {
		limit = 180
	}
	step := intervalDuration(interval)

	seed := fnv.New32a()
	seed.Write([]byte(symbol))
	base := 20 + float64(seed.Sum32()%2000)/10

	end := m.clk.Now().Truncate(step)
	frames := make([]Frame, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		start := end.Add(-time.Duration(i) * step)
		phase := float64(start.Unix()/int64(step.Seconds())) + float64(seed.Sum32()%97)
		drift := math.Sin(phase/9) * base * 0.004
		wave := math.Sin(phase/31) * base * 0.01
		open := base + wave
		cl := open + drift
		hi := math.Max(open, cl) * 1.002
		lo := math.Min(open, cl) * 0.998
		vol := 1_000 + 400*math.Abs(math.Sin(phase/5))
		frames = append(frames, Frame{
			Symbol:   symbol,
			Interval: interval,
			Window: Window{
				StartTSMs: start.UnixMilli(),
				EndTSMs:   start.Add(step).UnixMilli(),
			},
			Open:        round2(open),
			High:        round2(hi),
			Low:         round2(lo),
			Close:       round2(cl),
			Volume:      math.Round(vol),
			QuoteVolume: math.Round(vol * cl),
			Partial:     i == 0,
		})
	}
	return frames
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1d":
		return 24 * time.Hour
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	default:
		return time.Minute
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
