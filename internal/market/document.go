package market

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
)

// NewsBurst marks a high-priority headline that escalates the
// proactive chat cadence while fresh.
type NewsBurst struct {
	TSMs     int64  `json:"ts_ms"`
	Priority int    `json:"priority"`
	Title    string `json:"title"`
}

// NewsDigest is the externally produced headline summary consumed by
// chat and packet composition.
type NewsDigest struct {
	GeneratedTSMs int64      `json:"generated_ts_ms"`
	Titles        []string   `json:"titles"`
	Categories    []string   `json:"categories"`
	CasualTopics  []string   `json:"casual_topics"`
	Burst         *NewsBurst `json:"burst,omitempty"`
}

// Breadth counts the day's advancers and decliners.
type Breadth struct {
	Advancers int `json:"advancers"`
	Decliners int `json:"decliners"`
	Flat      int `json:"flat"`
}

// MarketOverview is the externally produced market brief.
type MarketOverview struct {
	GeneratedTSMs int64    `json:"generated_ts_ms"`
	Brief         string   `json:"brief"`
	Breadth       *Breadth `json:"breadth,omitempty"`
}

// docFile caches one out-of-band JSON document with mtime-aware
// refresh, same contract as the live frame file: parse failures keep
// the previous document.
type docFile struct {
	mu        sync.Mutex
	path      string
	refresh   time.Duration
	clk       clock.Clock
	log       zerolog.Logger
	raw       []byte
	lastLoad  time.Time
	lastMtime time.Time
}

func newDocFile(path string, refresh time.Duration, clk clock.Clock, log zerolog.Logger) *docFile {
	if path == "" {
		return nil
	}
	return &docFile{path: path, refresh: refresh, clk: clk, log: log}
}

func (d *docFile) current() []byte {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.Now()
	if !d.lastLoad.IsZero() && now.Sub(d.lastLoad) < d.refresh {
		return d.raw
	}
	info, err := os.Stat(d.path)
	if err != nil {
		return d.raw
	}
	if !d.lastLoad.IsZero() && info.ModTime().Equal(d.lastMtime) {
		d.lastLoad = now
		return d.raw
	}
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return d.raw
	}
	if !json.Valid(raw) {
		d.log.Warn().Str("path", d.path).Msg("Document file is not valid JSON, keeping previous")
		return d.raw
	}
	d.raw = raw
	d.lastMtime = info.ModTime()
	d.lastLoad = now
	return d.raw
}

// NewsProvider serves the cached news digest document.
type NewsProvider struct {
	file *docFile
}

// NewNewsProvider watches a news digest file. Empty path disables it.
func NewNewsProvider(path string, refresh time.Duration, clk clock.Clock, log zerolog.Logger) *NewsProvider {
	file := newDocFile(path, refresh, clk, log.With().Str("component", "news_digest").Logger())
	if file == nil {
		return nil
	}
	return &NewsProvider{file: file}
}

// Current returns the latest digest, or false when none is available.
func (p *NewsProvider) Current() (*NewsDigest, bool) {
	if p == nil {
		return nil, false
	}
	raw := p.file.current()
	if raw == nil {
		return nil, false
	}
	var digest NewsDigest
	if err := json.Unmarshal(raw, &digest); err != nil {
		return nil, false
	}
	return &digest, true
}

// OverviewProvider serves the cached market overview document.
type OverviewProvider struct {
	file *docFile
}

// NewOverviewProvider watches a market overview file. Empty path
// disables it.
func NewOverviewProvider(path string, refresh time.Duration, clk clock.Clock, log zerolog.Logger) *OverviewProvider {
	file := newDocFile(path, refresh, clk, log.With().Str("component", "market_overview").Logger())
	if file == nil {
		return nil
	}
	return &OverviewProvider{file: file}
}

// Current returns the latest overview, or false when none is available.
func (p *OverviewProvider) Current() (*MarketOverview, bool) {
	if p == nil {
		return nil, false
	}
	raw := p.file.current()
	if raw == nil {
		return nil, false
	}
	var overview MarketOverview
	if err := json.Unmarshal(raw, &overview); err != nil {
		return nil, false
	}
	return &overview, true
}
