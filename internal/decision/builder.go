package decision

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/market"
	"github.com/paperarena/arena/internal/registry"
)

// FrameSource is the slice of the market adapter the builder consumes.
type FrameSource interface {
	GetFrames(ctx context.Context, symbol, interval string, limit int) (market.Batch, error)
	LiveProvider(m market.Market) *market.LiveFileProvider
	Mode() string
	StrictLive() bool
}

// BuilderOptions configure the context builder.
type BuilderOptions struct {
	CandidateLimit   int
	StrictSymbolLoop bool
	Limits           PortfolioLimits
	Readiness        ReadinessThresholds
	OpeningMinutes   int
	PoolUnion        func() []string
	Clock            clock.Clock
	Logger           zerolog.Logger
}

// Builder assembles one decision context per trader per cycle.
type Builder struct {
	frames    FrameSource
	calendars map[market.Market]*market.Calendar
	opts      BuilderOptions
	log       zerolog.Logger
}

// NewBuilder wires a context builder over the frame source.
func NewBuilder(frames FrameSource, opts BuilderOptions) *Builder {
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 12
	}
	calendars := map[market.Market]*market.Calendar{}
	for _, m := range market.Markets() {
		calendars[m] = market.NewCalendar(m)
	}
	return &Builder{
		frames:    frames,
		calendars: calendars,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "context_builder").Logger(),
	}
}

// Calendar returns the session calendar for a market.
func (b *Builder) Calendar(m market.Market) *market.Calendar {
	return b.calendars[m]
}

// BuildContext selects the cycle's symbol for the trader and composes
// the context the decider consumes. Session-gate flags are stamped in
// by the caller's gate snapshot.
func (b *Builder) BuildContext(ctx context.Context, trader registry.Trader, cycle int64, account AccountBrief, positions map[string]int64, sessionOpen, liveFresh bool) (*Context, error) {
	now := b.opts.Clock.Now()
	mkt := market.MarketForExchange(trader.ExchangeID)
	cal := b.calendars[mkt]

	pool := trader.StockPool
	if len(pool) == 0 && b.opts.PoolUnion != nil {
		pool = b.opts.PoolUnion()
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("trader %s has no stock pool", trader.TraderID)
	}
	if len(pool) > b.opts.CandidateLimit {
		pool = pool[:b.opts.CandidateLimit]
	}

	intradayBySym := map[string][]market.Frame{}
	dailyBySym := map[string][]market.Frame{}
	var candidates []Features
	for _, sym := range pool {
		if b.frames.StrictLive() {
			if p := b.frames.LiveProvider(market.MarketForSymbol(sym)); p == nil || !p.Healthy() {
				continue
			}
		}
		intraday, err := b.fetch(ctx, sym, "1m", 180)
		if err != nil {
			continue
		}
		daily, err := b.fetch(ctx, sym, "1d", 180)
		if err != nil {
			daily = nil
		}
		if len(intraday) == 0 && len(daily) == 0 {
			continue
		}
		intradayBySym[sym] = intraday
		dailyBySym[sym] = daily
		candidates = append(candidates, ComputeFeatures(sym, intraday, daily, positions[sym]))
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate symbols with data for trader %s", trader.TraderID)
	}

	ranked := Rank(trader.TradingStyle, candidates)
	selected := b.selectSymbol(trader, cycle, pool, ranked)

	openingPhase := cal.InOpeningPhase(now, b.opts.OpeningMinutes)
	intraday := intradayBySym[selected.Symbol]
	var latestTS int64
	if len(intraday) > 0 {
		latestTS = intraday[len(intraday)-1].Window.StartTSMs
	}
	readiness := EvaluateReadiness(b.opts.Readiness, len(intraday), len(dailyBySym[selected.Symbol]), latestTS, now, openingPhase)

	dc := &Context{
		Trader:      trader,
		CycleNumber: cycle,
		Now:         now,
		Symbol:      selected.Symbol,
		Selected:    selected,
		Candidates:  ranked,
		Account:     account,
		Positions:   positions,
		Limits:      b.opts.Limits,
		Readiness:   readiness,
		SessionOpen: sessionOpen,
		LiveFresh:   liveFresh,
		DataMode:    b.frames.Mode(),
	}
	if readiness.Level == ReadinessError {
		dc.Synthetic = SyntheticHold(selected.Symbol, cycle, readiness, now)
	}
	return dc, nil
}

// selectSymbol applies the strict symbol loop: the loop index picks the
// symbol deterministically when it survived filtering, otherwise the
// rank leader serves. The loop guarantees long-run pool coverage.
func (b *Builder) selectSymbol(trader registry.Trader, cycle int64, pool []string, ranked []Features) Features {
	if !b.opts.StrictSymbolLoop || len(pool) == 0 {
		return ranked[0]
	}
	h := fnv.New32a()
	h.Write([]byte(trader.TraderID))
	idx := (int64(h.Sum32()) + cycle) % int64(len(pool))
	loopSym := pool[idx]
	for _, f := range ranked {
		if f.Symbol == loopSym {
			return f
		}
	}
	return ranked[0]
}

func (b *Builder) fetch(ctx context.Context, symbol, interval string, limit int) ([]market.Frame, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	batch, err := b.frames.GetFrames(fetchCtx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	return batch.Frames, nil
}
