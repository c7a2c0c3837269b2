package market

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/clock"
)

// ReplayStatus is the externally visible playback state.
type ReplayStatus struct {
	Running    bool    `json:"running"`
	Cursor     int     `json:"cursor"`
	TotalBars  int     `json:"total_bars"`
	Speed      float64 `json:"speed"`
	Loop       bool    `json:"loop"`
	WarmupBars int     `json:"warmup_bars"`
	TickMs     int64   `json:"tick_ms"`
	BarTSMs    int64   `json:"bar_ts_ms"`
	DayKey     string  `json:"day_key"`
}

// ReplayEngine plays recorded frames behind a moving time cursor. One
// simulated minute advances per tick; the tick interval derives from
// the speed factor so speed 60 plays one simulated minute per second.
type ReplayEngine struct {
	mu       sync.Mutex
	frames   map[frameKey][]Frame
	timeline []int64
	cursor   int

	speed      float64
	loop       bool
	running    bool
	warmupBars int
	tickMs     int64

	onAdvance func(bars int)
	stopCh    chan struct{}
	clk       clock.Clock
	cal       *Calendar
	log       zerolog.Logger
}

// ReplayOptions configures a replay engine.
type ReplayOptions struct {
	Speed      float64
	WarmupBars int
	TickMs     int64
	Loop       bool
	Calendar   *Calendar
	Clock      clock.Clock
	Logger     zerolog.Logger
}

// NewReplayEngine builds an engine with no frames loaded.
func NewReplayEngine(opts ReplayOptions) *ReplayEngine {
	if opts.Speed <= 0 {
		opts.Speed = 60
	}
	if opts.TickMs <= 0 {
		opts.TickMs = 1_000
	}
	if opts.Calendar == nil {
		opts.Calendar = NewCalendar(MarketCN)
	}
	return &ReplayEngine{
		frames:     map[frameKey][]Frame{},
		speed:      opts.Speed,
		loop:       opts.Loop,
		warmupBars: opts.WarmupBars,
		tickMs:     opts.TickMs,
		clk:        opts.Clock,
		cal:        opts.Calendar,
		log:        opts.Logger.With().Str("component", "replay").Logger(),
	}
}

// OnAdvance registers the bar-advance hook. Called outside the engine
// lock with the number of bars just advanced.
func (e *ReplayEngine) OnAdvance(fn func(bars int)) {
	e.mu.Lock()
	e.onAdvance = fn
	e.mu.Unlock()
}

// LoadDirectory reads every *.json snapshot under dir and rebuilds the
// playback timeline from the union of 1m frames.
func (e *ReplayEngine) LoadDirectory(dir string) error {
	entries, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("replay frames glob: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("replay frames dir %s has no snapshot files", dir)
	}
	sort.Strings(entries)

	frames := map[frameKey][]Frame{}
	for _, path := range entries {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("replay frames read %s: %w", path, err)
		}
		var snap liveSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("replay frames parse %s: %w", path, err)
		}
		for _, f := range snap.Frames {
			k := frameKey{symbol: f.Symbol, interval: f.Interval}
			frames[k] = append(frames[k], f)
		}
	}

	tsSet := map[int64]bool{}
	for k, fs := range frames {
		sort.Slice(fs, func(i, j int) bool { return fs[i].Window.StartTSMs < fs[j].Window.StartTSMs })
		frames[k] = fs
		if k.interval == "1m" {
			for _, f := range fs {
				tsSet[f.Window.StartTSMs] = true
			}
		}
	}
	timeline := make([]int64, 0, len(tsSet))
	for ts := range tsSet {
		timeline = append(timeline, ts)
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i] < timeline[j] })
	if len(timeline) == 0 {
		return fmt.Errorf("replay frames dir %s has no 1m bars", dir)
	}

	e.mu.Lock()
	e.frames = frames
	e.timeline = timeline
	e.cursor = e.warmupBars
	if e.cursor >= len(timeline) {
		e.cursor = len(timeline) - 1
	}
	e.mu.Unlock()

	e.log.Info().
		Int("bars", len(timeline)).
		Int("series", len(frames)).
		Str("dir", dir).
		Msg("Replay frames loaded")
	return nil
}

// Start runs the tick loop until ctx is done or Stop is called. The
// engine starts in the running state.
func (e *ReplayEngine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()
		return
	}
	e.stopCh = make(chan struct{})
	e.running = true
	stop := e.stopCh
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-e.clk.After(e.tickInterval()):
				e.mu.Lock()
				running := e.running
				e.mu.Unlock()
				if running {
					e.advance(1)
				}
			}
		}
	}()
}

// Stop terminates the tick loop.
func (e *ReplayEngine) Stop() {
	e.mu.Lock()
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	e.running = false
	e.mu.Unlock()
}

// Pause halts playback without terminating the loop.
func (e *ReplayEngine) Pause() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// Resume continues playback.
func (e *ReplayEngine) Resume() {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
}

// Step advances n bars immediately, regardless of the running state.
func (e *ReplayEngine) Step(n int) error {
	if n < 1 {
		return apierr.BadRequest("invalid_action", fmt.Sprintf("step count must be >= 1, got %d", n))
	}
	e.advance(n)
	return nil
}

// SetSpeed changes the playback speed factor.
func (e *ReplayEngine) SetSpeed(speed float64) error {
	if speed <= 0 || speed > 100_000 {
		return apierr.BadRequest("invalid_speed", fmt.Sprintf("speed %v out of range", speed))
	}
	e.mu.Lock()
	e.speed = speed
	e.mu.Unlock()
	return nil
}

// SetCursor jumps the playback cursor to a bar index.
func (e *ReplayEngine) SetCursor(idx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx < 0 || idx >= len(e.timeline) {
		return apierr.BadRequest("invalid_cursor_index", fmt.Sprintf("cursor %d out of [0,%d)", idx, len(e.timeline)))
	}
	e.cursor = idx
	return nil
}

// SetLoop toggles wrap-around playback.
func (e *ReplayEngine) SetLoop(loop bool) {
	e.mu.Lock()
	e.loop = loop
	e.mu.Unlock()
}

// ClearPending is a hook point for the kill switch: playback pauses
// and the dispatch queue owner clears its backlog.
func (e *ReplayEngine) ClearPending() {
	e.Pause()
}

// Status snapshots the playback state.
func (e *ReplayEngine) Status() ReplayStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := ReplayStatus{
		Running:    e.running,
		Cursor:     e.cursor,
		TotalBars:  len(e.timeline),
		Speed:      e.speed,
		Loop:       e.loop,
		WarmupBars: e.warmupBars,
		TickMs:     e.tickMs,
	}
	if e.cursor < len(e.timeline) {
		st.BarTSMs = e.timeline[e.cursor]
		st.DayKey = e.cal.DayKey(time.UnixMilli(st.BarTSMs))
	}
	return st
}

// GetFrames returns at most limit frames for (symbol, interval) whose
// windows start at or before the cursor bar.
func (e *ReplayEngine) GetFrames(symbol, interval string, limit int) []Frame {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.timeline) == 0 {
		return nil
	}
	cutoff := e.timeline[e.cursor]
	all := e.frames[frameKey{symbol: symbol, interval: interval}]
	upto := all
	for i, f := range all {
		if f.Window.StartTSMs > cutoff {
			upto = all[:i]
			break
		}
	}
	return TailFrames(upto, limit)
}

func (e *ReplayEngine) tickInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms := int64(60_000 / e.speed)
	if ms < e.tickMs {
		ms = e.tickMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *ReplayEngine) advance(n int) {
	e.mu.Lock()
	if len(e.timeline) == 0 {
		e.mu.Unlock()
		return
	}
	moved := 0
	for i := 0; i < n; i++ {
		if e.cursor >= len(e.timeline)-1 {
			if e.loop {
				e.cursor = e.warmupBars
				moved++
				continue
			}
			e.running = false
			break
		}
		e.cursor++
		moved++
	}
	fn := e.onAdvance
	e.mu.Unlock()

	if moved > 0 && fn != nil {
		fn(moved)
	}
}
