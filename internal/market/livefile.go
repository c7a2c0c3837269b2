package market

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/metrics"
)

// LiveFileStatus describes the health of one live snapshot file.
type LiveFileStatus struct {
	FilePath           string         `json:"file_path"`
	LastLoadTSMs       int64          `json:"last_load_ts_ms"`
	LastMtimeMs        int64          `json:"last_mtime_ms"`
	FrameCount         int            `json:"frame_count"`
	SymbolsPerInterval map[string]int `json:"symbols_per_interval"`
	LastError          string         `json:"last_error,omitempty"`
	Stale              bool           `json:"stale"`
}

// liveSnapshot is the on-disk schema written by the feed producer.
type liveSnapshot struct {
	GeneratedTSMs int64        `json:"generated_ts_ms"`
	Market        string       `json:"market,omitempty"`
	Symbols       []SymbolInfo `json:"symbols,omitempty"`
	Frames        []Frame      `json:"frames"`
}

type frameKey struct {
	symbol   string
	interval string
}

// LiveFileProvider holds a cached parse of one JSON snapshot file and
// refreshes it on read when the refresh interval elapsed or the file
// mtime moved. A failed parse keeps the previous parse intact.
type LiveFileProvider struct {
	mu         sync.Mutex
	market     Market
	path       string
	refresh    time.Duration
	staleAfter time.Duration
	clk        clock.Clock
	log        zerolog.Logger

	frames     map[frameKey][]Frame
	symbols    []SymbolInfo
	frameCount int
	perInt     map[string]int
	lastLoad   time.Time
	lastMtime  time.Time
	lastErr    error
}

// NewLiveFileProvider creates a provider for one market's snapshot file.
func NewLiveFileProvider(market Market, path string, refresh, staleAfter time.Duration, clk clock.Clock, log zerolog.Logger) *LiveFileProvider {
	if path == "" {
		return nil
	}
	return &LiveFileProvider{
		market:     market,
		path:       path,
		refresh:    refresh,
		staleAfter: staleAfter,
		clk:        clk,
		log:        log.With().Str("component", "live_file").Str("market", string(market)).Logger(),
		frames:     map[frameKey][]Frame{},
		perInt:     map[string]int{},
	}
}

// Market returns the market this file feeds.
func (p *LiveFileProvider) Market() Market {
	return p.market
}

// GetFrames returns at most limit frames for (symbol, interval) in
// ascending window order, refreshing the parse first when due.
func (p *LiveFileProvider) GetFrames(symbol, interval string, limit int) ([]Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshLocked()
	if p.lastLoad.IsZero() && p.lastErr != nil {
		return nil, p.lastErr
	}
	frames := p.frames[frameKey{symbol: symbol, interval: interval}]
	return TailFrames(frames, limit), nil
}

// Symbols returns the snapshot's symbol metadata.
func (p *LiveFileProvider) Symbols() []SymbolInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	out := make([]SymbolInfo, len(p.symbols))
	copy(out, p.symbols)
	return out
}

// Status reports the provider health without forcing a refresh beyond
// the regular read path.
func (p *LiveFileProvider) Status() LiveFileStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshLocked()

	status := LiveFileStatus{
		FilePath:           p.path,
		FrameCount:         p.frameCount,
		SymbolsPerInterval: map[string]int{},
		Stale:              p.staleLocked(),
	}
	for k, v := range p.perInt {
		status.SymbolsPerInterval[k] = v
	}
	if !p.lastLoad.IsZero() {
		status.LastLoadTSMs = p.lastLoad.UnixMilli()
	}
	if !p.lastMtime.IsZero() {
		status.LastMtimeMs = p.lastMtime.UnixMilli()
	}
	if p.lastErr != nil {
		status.LastError = p.lastErr.Error()
	}
	return status
}

// Healthy reports whether the last parse succeeded and is not stale.
// The adapter refuses to serve from an unhealthy provider in strict
// live mode.
func (p *LiveFileProvider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	return p.lastErr == nil && !p.lastLoad.IsZero() && !p.staleLocked()
}

// Fresh reports whether the feed producer is still writing: the file
// mtime must be within the stale window. The session gate pauses
// traders of this market when freshness is lost.
func (p *LiveFileProvider) Fresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	if p.lastErr != nil || p.lastMtime.IsZero() {
		return false
	}
	return p.clk.Since(p.lastMtime) <= p.staleAfter
}

// LatestFrameTSMs returns the newest intraday window start across all
// symbols, used by the readiness gate.
func (p *LiveFileProvider) LatestFrameTSMs(interval string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()

	var latest int64
	for k, frames := range p.frames {
		if k.interval != interval || len(frames) == 0 {
			continue
		}
		if ts := frames[len(frames)-1].Window.StartTSMs; ts > latest {
			latest = ts
		}
	}
	return latest
}

func (p *LiveFileProvider) staleLocked() bool {
	if p.lastLoad.IsZero() {
		return true
	}
	return p.clk.Since(p.lastLoad) > p.staleAfter
}

// refreshLocked re-reads the file when the refresh interval elapsed or
// the mtime moved. Any failure records lastErr and keeps the previous
// parse.
func (p *LiveFileProvider) refreshLocked() {
	now := p.clk.Now()
	if !p.lastLoad.IsZero() && now.Sub(p.lastLoad) < p.refresh {
		return
	}

	info, err := os.Stat(p.path)
	if err != nil {
		p.lastErr = err
		metrics.LiveFileRefreshTotal.WithLabelValues(string(p.market), "read_error").Inc()
		return
	}
	if !p.lastLoad.IsZero() && info.ModTime().Equal(p.lastMtime) {
		// Unchanged file still counts as a fresh load: the producer is
		// simply between updates.
		p.lastLoad = now
		p.lastErr = nil
		metrics.LiveFileRefreshTotal.WithLabelValues(string(p.market), "unchanged").Inc()
		return
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		p.lastErr = err
		metrics.LiveFileRefreshTotal.WithLabelValues(string(p.market), "read_error").Inc()
		return
	}

	var snap liveSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		p.lastErr = err
		metrics.LiveFileRefreshTotal.WithLabelValues(string(p.market), "parse_error").Inc()
		p.log.Warn().Err(err).Str("path", p.path).Msg("Live file parse failed, keeping previous snapshot")
		return
	}

	frames := map[frameKey][]Frame{}
	perInt := map[string]int{}
	seen := map[frameKey]bool{}
	for _, f := range snap.Frames {
		k := frameKey{symbol: f.Symbol, interval: f.Interval}
		frames[k] = append(frames[k], f)
		if !seen[k] {
			seen[k] = true
			perInt[f.Interval]++
		}
	}
	for k := range frames {
		sort.Slice(frames[k], func(i, j int) bool {
			return frames[k][i].Window.StartTSMs < frames[k][j].Window.StartTSMs
		})
	}

	p.frames = frames
	p.symbols = snap.Symbols
	p.frameCount = len(snap.Frames)
	p.perInt = perInt
	p.lastMtime = info.ModTime()
	p.lastLoad = now
	p.lastErr = nil
	metrics.LiveFileRefreshTotal.WithLabelValues(string(p.market), "ok").Inc()

	p.log.Debug().
		Int("frames", p.frameCount).
		Int("intervals", len(perInt)).
		Msg("Live file reloaded")
}
