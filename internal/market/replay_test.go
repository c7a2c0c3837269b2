package market

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/clock"
)

func testFrame(symbol, interval string, startMs int64, close float64) Frame {
	return Frame{
		Symbol:   symbol,
		Interval: interval,
		Window:   Window{StartTSMs: startMs, EndTSMs: startMs + 60_000},
		Open:     close - 0.5,
		High:     close + 0.5,
		Low:      close - 1,
		Close:    close,
		Volume:   1000,
	}
}

func writeSnapshot(t *testing.T, path string, snap liveSnapshot) {
	t.Helper()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func replayFixtureDir(t *testing.T) (string, []int64) {
	t.Helper()
	dir := t.TempDir()
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, cst).UnixMilli()
	var timeline []int64
	var frames []Frame
	for i := int64(0); i < 5; i++ {
		ts := base + i*60_000
		timeline = append(timeline, ts)
		frames = append(frames, testFrame("600519.SH", "1m", ts, 100+float64(i)))
	}
	// A second series plus a daily bar that must not extend the timeline.
	frames = append(frames, testFrame("000001.SZ", "1m", base, 10))
	frames = append(frames, testFrame("600519.SH", "1d", base-86_400_000, 99))
	writeSnapshot(t, filepath.Join(dir, "day1.json"), liveSnapshot{Frames: frames})
	return dir, timeline
}

func newTestReplay(t *testing.T, warmup int) (*ReplayEngine, []int64) {
	t.Helper()
	dir, timeline := replayFixtureDir(t)
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	e := NewReplayEngine(ReplayOptions{
		Speed:      60,
		WarmupBars: warmup,
		Calendar:   NewCalendar(MarketCN),
		Clock:      clk,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, e.LoadDirectory(dir))
	return e, timeline
}

func TestReplayLoadStartsAtWarmup(t *testing.T) {
	e, timeline := newTestReplay(t, 2)

	st := e.Status()
	assert.Equal(t, 5, st.TotalBars)
	assert.Equal(t, 2, st.Cursor)
	assert.Equal(t, timeline[2], st.BarTSMs)
	assert.Equal(t, "2026-03-02", st.DayKey)
}

func TestReplayGetFramesBoundedByCursor(t *testing.T) {
	e, _ := newTestReplay(t, 2)

	frames := e.GetFrames("600519.SH", "1m", 10)
	require.Len(t, frames, 3)
	assert.Equal(t, 102.0, frames[2].Close)

	// limit takes the tail.
	frames = e.GetFrames("600519.SH", "1m", 2)
	require.Len(t, frames, 2)
	assert.Equal(t, 101.0, frames[0].Close)

	assert.Empty(t, e.GetFrames("unknown", "1m", 10))
}

func TestReplayStepAdvancesAndStopsAtEnd(t *testing.T) {
	e, _ := newTestReplay(t, 0)

	var advanced []int
	e.OnAdvance(func(bars int) { advanced = append(advanced, bars) })

	require.NoError(t, e.Step(3))
	assert.Equal(t, 3, e.Status().Cursor)
	assert.Equal(t, []int{3}, advanced)

	// The last step clips at the final bar and halts playback.
	require.NoError(t, e.Step(5))
	st := e.Status()
	assert.Equal(t, 4, st.Cursor)
	assert.False(t, st.Running)
	assert.Equal(t, []int{3, 1}, advanced)
}

func TestReplayLoopWrapsToWarmup(t *testing.T) {
	e, _ := newTestReplay(t, 1)
	e.SetLoop(true)

	require.NoError(t, e.Step(10))
	st := e.Status()
	assert.True(t, st.Loop)
	// 3 forward moves reach the end, then wraps restart at the warmup bar.
	assert.GreaterOrEqual(t, st.Cursor, 1)
	assert.Less(t, st.Cursor, 5)
}

func TestReplayControlValidation(t *testing.T) {
	e, _ := newTestReplay(t, 0)

	assert.Equal(t, "invalid_action", apierr.Code(e.Step(0), "x"))
	assert.Equal(t, "invalid_speed", apierr.Code(e.SetSpeed(0), "x"))
	assert.Equal(t, "invalid_speed", apierr.Code(e.SetSpeed(200_000), "x"))
	assert.Equal(t, "invalid_cursor_index", apierr.Code(e.SetCursor(-1), "x"))
	assert.Equal(t, "invalid_cursor_index", apierr.Code(e.SetCursor(5), "x"))

	require.NoError(t, e.SetCursor(4))
	assert.Equal(t, 4, e.Status().Cursor)
	require.NoError(t, e.SetSpeed(120))
	assert.Equal(t, 120.0, e.Status().Speed)
}

func TestReplayPauseResume(t *testing.T) {
	e, _ := newTestReplay(t, 0)

	e.Resume()
	assert.True(t, e.Status().Running)
	e.Pause()
	assert.False(t, e.Status().Running)
	// The kill switch path pauses through ClearPending.
	e.Resume()
	e.ClearPending()
	assert.False(t, e.Status().Running)
}

func TestReplayLoadDirectoryErrors(t *testing.T) {
	e := NewReplayEngine(ReplayOptions{Clock: clock.NewFake(time.Now()), Logger: zerolog.Nop()})
	assert.Error(t, e.LoadDirectory(t.TempDir()))

	// Snapshots without 1m bars cannot build a timeline.
	dir := t.TempDir()
	writeSnapshot(t, filepath.Join(dir, "daily.json"), liveSnapshot{
		Frames: []Frame{testFrame("600519.SH", "1d", 1_000_000, 100)},
	})
	assert.Error(t, e.LoadDirectory(dir))
}
