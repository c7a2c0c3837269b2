package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/market"
	"github.com/paperarena/arena/internal/registry"
)

// GateOptions configure the session gate.
type GateOptions struct {
	CheckMs int64
	// RequireFreshLive makes live-mode traders wait out a stale feed.
	// Off, the gate checks session hours only.
	RequireFreshLive bool
	Registry         *registry.Registry
	Scheduler        *Scheduler
	Adapter          *market.Adapter
	Kill             *KillSwitch
	Clock            clock.Clock
	Logger           zerolog.Logger
}

// marketGate is the gate's cached view of one market.
type marketGate struct {
	SessionOpen bool `json:"session_is_open"`
	LiveFresh   bool `json:"live_fresh_ok"`
}

// SessionGate decides which running traders may actually cycle: a
// trader runs only while its market session is open and, in live mode,
// the feed file is fresh. Replay and mock modes keep both flags true so
// replays can run around the clock.
type SessionGate struct {
	mu        sync.Mutex
	opts      GateOptions
	calendars map[market.Market]*market.Calendar
	view      map[market.Market]marketGate
	log       zerolog.Logger
}

// NewSessionGate builds the gate. Call Run to start the check loop.
func NewSessionGate(opts GateOptions) *SessionGate {
	if opts.CheckMs <= 0 {
		opts.CheckMs = 15_000
	}
	calendars := map[market.Market]*market.Calendar{}
	view := map[market.Market]marketGate{}
	for _, m := range market.Markets() {
		calendars[m] = market.NewCalendar(m)
		view[m] = marketGate{}
	}
	return &SessionGate{
		opts:      opts,
		calendars: calendars,
		view:      view,
		log:       opts.Logger.With().Str("component", "session_gate").Logger(),
	}
}

// Snapshot reports the gate flags for one market. The scheduler stamps
// these into each decision context.
func (g *SessionGate) Snapshot(m market.Market) (sessionOpen, liveFresh bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.view[m]
	return v.SessionOpen, v.LiveFresh
}

// View returns the full per-market gate state for the status endpoint.
func (g *SessionGate) View() map[string]map[string]bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string]map[string]bool{}
	for m, v := range g.view {
		out[string(m)] = map[string]bool{
			"session_is_open": v.SessionOpen,
			"live_fresh_ok":   v.LiveFresh,
		}
	}
	return out
}

// Run evaluates the gate every check interval until ctx is done. The
// first evaluation happens immediately so the scheduler never starts
// with an empty view.
func (g *SessionGate) Run(ctx context.Context) {
	g.Check()
	interval := time.Duration(g.opts.CheckMs) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.opts.Clock.After(interval):
			g.Check()
		}
	}
}

// Check recomputes the per-market flags, pushes the allowed trader set
// into the scheduler, and drives auto-pause and auto-resume.
func (g *SessionGate) Check() {
	now := g.opts.Clock.Now()
	liveMode := g.opts.Adapter.Mode() == market.ModeLiveFile

	g.mu.Lock()
	for m, cal := range g.calendars {
		open := cal.IsOpen(now)
		fresh := true
		if liveMode && g.opts.RequireFreshLive {
			p := g.opts.Adapter.LiveProvider(m)
			fresh = p != nil && p.Fresh()
		}
		prev := g.view[m]
		if prev.SessionOpen != open || prev.LiveFresh != fresh {
			g.log.Info().
				Str("market", string(m)).
				Bool("session_is_open", open).
				Bool("live_fresh_ok", fresh).
				Msg("Session gate changed")
		}
		g.view[m] = marketGate{SessionOpen: open, LiveFresh: fresh}
	}
	view := g.view
	g.mu.Unlock()

	// In replay and mock modes every registered-running trader runs.
	var allowed []registry.Trader
	for _, t := range g.opts.Registry.Running() {
		if !liveMode {
			allowed = append(allowed, t)
			continue
		}
		v := view[market.MarketForExchange(t.ExchangeID)]
		if v.SessionOpen && v.LiveFresh {
			allowed = append(allowed, t)
		}
	}
	g.opts.Scheduler.SetActiveTraders(allowed)

	if len(allowed) == 0 {
		g.opts.Scheduler.AutoPause()
		return
	}
	if !g.opts.Kill.Active() {
		g.opts.Scheduler.AutoResume()
	}
}
