// Package app assembles the server: every subsystem is constructed
// here with explicit dependencies and handed to the API layer as one
// container. Nothing in the tree holds package-level state.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/audit"
	"github.com/paperarena/arena/internal/bets"
	"github.com/paperarena/arena/internal/chat"
	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/config"
	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/market"
	"github.com/paperarena/arena/internal/memory"
	"github.com/paperarena/arena/internal/metrics"
	"github.com/paperarena/arena/internal/mirror"
	"github.com/paperarena/arena/internal/registry"
	"github.com/paperarena/arena/internal/rooms"
	"github.com/paperarena/arena/internal/runtime"
	"github.com/paperarena/arena/internal/tts"
)

// Runtime is the dependency container. Handlers and tests receive this
// instead of reaching for globals.
type Runtime struct {
	Cfg       *config.Config
	Clock     clock.Clock
	Log       zerolog.Logger
	StartedAt time.Time

	Registry *registry.Registry
	Adapter  *market.Adapter
	Replay   *market.ReplayEngine
	News     *market.NewsProvider
	Overview *market.OverviewProvider
	Cache    *market.QuoteCache

	Books   *memory.Store
	Builder *decision.Builder
	Decider decision.Decider

	DecisionLog  *audit.DecisionLog
	AuditStore   *audit.AuditStore
	ControlAudit *audit.ControlAudit

	Kill      *runtime.KillSwitch
	Scheduler *runtime.Scheduler
	Gate      *runtime.SessionGate

	Bus         *rooms.Bus
	Chat        *chat.Service
	Proactive   *chat.ProactiveEngine
	Narrator    *chat.Narrator
	Bets        *bets.Ledger
	TTS         *tts.Dispatcher
	TTSProfiles *tts.ProfileStore
	Mirror      *mirror.Publisher
	Metrics     *metrics.Server
}

// New wires the whole server. Strict-live misconfiguration fails here
// with a machine-readable reason so boot aborts before anything binds.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	clk := clock.NewSystem()
	dataDir := cfg.Data.Dir
	if dataDir == "" {
		dataDir = "data"
	}

	rt := &Runtime{
		Cfg:       cfg,
		Clock:     clk,
		Log:       log,
		StartedAt: clk.Now(),
	}

	if cfg.Strict.LiveMode && cfg.Runtime.DataMode != market.ModeLiveFile {
		return nil, fmt.Errorf("strict_live_mode_requires_runtime_data_mode_live_file")
	}

	live, err := buildLiveProviders(cfg, clk, log)
	if err != nil {
		return nil, err
	}

	if cfg.Runtime.DataMode == market.ModeReplay {
		rt.Replay = market.NewReplayEngine(market.ReplayOptions{
			Speed:      cfg.Replay.Speed,
			WarmupBars: cfg.Replay.WarmupBars,
			TickMs:     cfg.Replay.TickMs,
			Loop:       cfg.Replay.Loop,
			Calendar:   market.NewCalendar(market.MarketCN),
			Clock:      clk,
			Logger:     log,
		})
		if cfg.Replay.FramesDir != "" {
			if err := rt.Replay.LoadDirectory(cfg.Replay.FramesDir); err != nil {
				return nil, fmt.Errorf("load replay frames: %w", err)
			}
		}
	}

	var upstream *market.UpstreamProvider
	if cfg.Runtime.DataMode == market.ModeUpstream {
		if cfg.Redis.URL != "" {
			cache, err := market.NewQuoteCache(cfg.Redis.URL, time.Duration(cfg.Market.CacheTTLMs)*time.Millisecond)
			if err != nil {
				log.Warn().Err(err).Msg("Redis unavailable, quote caching disabled")
			} else {
				rt.Cache = cache
			}
		}
		upstream = market.NewUpstreamProvider(
			cfg.Market.UpstreamURL,
			time.Duration(cfg.Market.UpstreamTimeoutMs)*time.Millisecond,
			rt.Cache, log)
	}

	rt.Adapter = market.NewAdapter(cfg.Runtime.DataMode, cfg.Strict.LiveMode, live, rt.Replay, upstream, clk, log)

	docRefresh := 5 * time.Second
	rt.News = market.NewNewsProvider(cfg.Live.NewsDigestPath, docRefresh, clk, log)
	rt.Overview = market.NewOverviewProvider(cfg.Live.MarketOverviewPath, docRefresh, clk, log)

	manifestDir := cfg.Agent.ManifestDir
	if manifestDir == "" {
		manifestDir = filepath.Join(dataDir, "agents", "manifests")
	}
	rt.Registry = registry.New(manifestDir, filepath.Join(dataDir, "agents", "registry.json"), log)

	rt.Books = memory.NewStore(filepath.Join(dataDir, "memory"), cfg.Agent.InitialBalance, clk, log)

	client := decision.NewChatClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, log)
	rt.Decider = decision.NewLLMDecider(client,
		cfg.Agent.OpenAIModel,
		cfg.Agent.LLMMaxOutputTokens,
		time.Duration(cfg.Agent.LLMTimeoutMs)*time.Millisecond,
		cfg.Agent.DevTokenSaver, log)

	rt.Builder = decision.NewBuilder(rt.Adapter, decision.BuilderOptions{
		CandidateLimit:   cfg.Agent.CandidateSymbolLimit,
		StrictSymbolLoop: cfg.Agent.StrictSymbolLoop,
		Limits: decision.PortfolioLimits{
			MaxPositionCount:          cfg.Agent.PortfolioMaxPositionCount,
			MaxSymbolConcentrationPct: cfg.Agent.PortfolioMaxSymbolConcentrationPct,
			MinCashReservePct:         cfg.Agent.PortfolioMinCashReservePct,
			TurnoverThrottlePct:       cfg.Agent.PortfolioTurnoverThrottlePct,
		},
		Readiness: decision.ReadinessThresholds{
			MinIntradayOK:       cfg.Data.ReadinessMinIntradayOK,
			MinIntradayWarn:     cfg.Data.ReadinessMinIntradayWarn,
			MinDaily:            cfg.Data.ReadinessMinDaily,
			FreshWarnMs:         cfg.Data.ReadinessFreshWarnMs,
			FreshErrorMs:        cfg.Data.ReadinessFreshErrorMs,
			OpeningPhaseEnabled: cfg.Opening.PhaseEnabled,
			OpeningMinIntraday:  cfg.Opening.PhaseMinIntraday,
		},
		OpeningMinutes: cfg.Opening.PhaseMinutes,
		PoolUnion:      rt.Registry.PoolUnion,
		Clock:          clk,
		Logger:         log,
	})

	rt.Kill = runtime.NewKillSwitch(filepath.Join(dataDir, "runtime", "kill-switch.json"), clk, log)
	rt.DecisionLog = audit.NewDecisionLog(filepath.Join(dataDir, "decisions"), log)
	rt.AuditStore = audit.NewAuditStore(filepath.Join(dataDir, "audit", "decision_audit"), log)
	rt.ControlAudit = audit.NewControlAudit(ctx, filepath.Join(dataDir, "audit", "control"), cfg.Audit.DatabaseURL, clk, log)

	rt.Scheduler = runtime.NewScheduler(runtime.SchedulerOptions{
		Builder: rt.Builder,
		Decider: rt.Decider,
		Books:   rt.Books,
		Kill:    rt.Kill,
		Gate: func(m market.Market) (bool, bool) {
			if rt.Gate == nil {
				return true, true
			}
			return rt.Gate.Snapshot(m)
		},
		OnDecision: func(trader registry.Trader, rec *decision.Record, aud *decision.AuditRecord) {
			rt.onDecision(trader, rec, aud)
		},
		NewsBurstActive: func() bool {
			digest, ok := rt.News.Current()
			return ok && digest.Burst != nil
		},
		CycleMs:           cfg.Agent.RuntimeCycleMs,
		DecisionEveryBars: cfg.Agent.DecisionEveryBars,
		CommissionRate:    cfg.Agent.CommissionRate,
		LotSize:           cfg.Agent.LotSize,
		Clock:             clk,
		Logger:            log,
	})

	rt.Gate = runtime.NewSessionGate(runtime.GateOptions{
		CheckMs:          cfg.Agent.SessionGuardCheckMs,
		RequireFreshLive: cfg.Agent.SessionGuardRequireFreshLiveData,
		Registry:         rt.Registry,
		Scheduler:        rt.Scheduler,
		Adapter:          rt.Adapter,
		Kill:             rt.Kill,
		Clock:            clk,
		Logger:           log,
	})

	rt.Bus = rooms.NewBus(rt.BuildPacket, rooms.BusOptions{
		BufferCap: cfg.Room.EventsBufferSize,
		BufferTTL: time.Duration(cfg.Room.EventsBufferTTLMs) * time.Millisecond,
		Keepalive: time.Duration(cfg.Room.EventsKeepaliveMs) * time.Millisecond,
	}, clk, log)

	chatStore := chat.NewStore(filepath.Join(dataDir, "chat"), clk, log)
	rt.Chat = chat.NewService(chatStore, rt.Registry, client, cfg.Chat, clk, log)
	rt.Chat.OnAppend(func(roomID string, msg chat.Message) {
		rt.Bus.Publish(roomID, rooms.EventChatPublicAppend, msg)
	})
	rt.Narrator = chat.NewNarrator(rt.Chat, cfg.Chat, clk, log)
	rt.Proactive = chat.NewProactiveEngine(rt.Chat, rt.Registry, rt.News, rt.Bus.Subscribers,
		func(traderID string) (decision.Action, string) {
			if ring := rt.Scheduler.DecisionRing(traderID, 1); len(ring) > 0 {
				return ring[0].Action, ring[0].Symbol
			}
			return decision.ActionHold, ""
		}, cfg.Chat, clk, log)

	rt.Bets = bets.NewLedger(filepath.Join(dataDir, "bets", "ledger.json"), rt.Registry, rt.Books, cfg.Bets, clk, log)

	rt.TTSProfiles = tts.NewProfileStore(filepath.Join(dataDir, "chat", "tts_profiles.json"), cfg.Chat, log)
	rt.TTS = tts.NewDispatcher(cfg.Chat, cfg.OpenAI.APIKey, rt.TTSProfiles, log)

	pub, err := mirror.Connect(cfg.NATS.URL, log)
	if err != nil {
		log.Warn().Err(err).Msg("NATS mirror unavailable, continuing without it")
	} else {
		rt.Mirror = pub
	}
	rt.Bets.OnSettlement(func(m market.Market, dayKey string, settlement map[string]bets.SettledBet) {
		rt.Mirror.Settlement(string(m), dayKey, settlement)
	})

	if cfg.Metrics.Enabled {
		rt.Metrics = metrics.NewServer(cfg.Metrics.Port, log)
	}

	// Kill switch engagement drops pending replay steps and pauses
	// playback; the scheduler loops check the switch themselves.
	rt.Kill.OnChange(func(active bool) {
		if active {
			rt.Scheduler.ClearQueue()
			if rt.Replay != nil {
				rt.Replay.Pause()
			}
		}
	})

	if rt.Replay != nil {
		rt.Replay.OnAdvance(rt.Scheduler.OnBarsAdvanced)
	}
	return rt, nil
}

// buildLiveProviders constructs the per-market live file providers and
// enforces strict-live path checks at boot.
func buildLiveProviders(cfg *config.Config, clk clock.Clock, log zerolog.Logger) (map[market.Market]*market.LiveFileProvider, error) {
	paths := map[market.Market]string{
		market.MarketCN: cfg.Live.FramesPathCN,
		market.MarketUS: cfg.Live.FramesPathUS,
	}
	out := map[market.Market]*market.LiveFileProvider{}
	for m, path := range paths {
		if path == "" {
			continue
		}
		if cfg.Strict.LiveMode {
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("live_frames_path_%s_unreadable:%s", m, path)
			}
		}
		out[m] = market.NewLiveFileProvider(m, path,
			time.Duration(cfg.Live.RefreshMs)*time.Millisecond,
			time.Duration(cfg.Live.StaleAfterMs)*time.Millisecond,
			clk, log)
	}
	if cfg.Strict.LiveMode && len(out) == 0 {
		return nil, fmt.Errorf("strict_live_mode_requires_live_frames_path")
	}
	return out, nil
}

// onDecision is the per-decision fan-out: persistence, room event,
// narration, and the optional NATS mirror.
func (rt *Runtime) onDecision(trader registry.Trader, rec *decision.Record, aud *decision.AuditRecord) {
	mkt := market.MarketForExchange(trader.ExchangeID)
	dayKey := rt.Builder.Calendar(mkt).DayKey(rt.Clock.Now())

	if err := rt.DecisionLog.Append(trader.TraderID, dayKey, rec); err != nil {
		rt.Log.Warn().Err(err).Str("trader_id", trader.TraderID).Msg("Decision log append failed")
	}
	if err := rt.AuditStore.Append(trader.TraderID, dayKey, aud); err != nil {
		rt.Log.Warn().Err(err).Str("trader_id", trader.TraderID).Msg("Decision audit append failed")
	}

	rt.Bus.Publish(trader.TraderID, rooms.EventDecision, rec)
	rt.Narrator.OnDecision(trader, rec)
	rt.Mirror.Decision(trader.TraderID, rec)
}

// Run starts every background loop and blocks until ctx ends.
func (rt *Runtime) Run(ctx context.Context) {
	if rt.Metrics != nil {
		if err := rt.Metrics.Start(); err != nil {
			rt.Log.Error().Err(err).Msg("Metrics server failed to start")
		}
	}

	rt.Scheduler.Run(ctx)
	if rt.Cfg.Agent.SessionGuardEnabled {
		go rt.Gate.Run(ctx)
	} else {
		go rt.runWithoutGuard(ctx)
	}
	go rt.Proactive.Run(ctx)
	go rt.Bets.Run(ctx)
	go rt.collectLoop(ctx)
	if rt.Replay != nil {
		rt.Replay.Start(ctx)
	}

	<-ctx.Done()
	rt.shutdown()
}

// runWithoutGuard keeps the scheduler fed when the session guard is
// disabled: every running trader is always allowed.
func (rt *Runtime) runWithoutGuard(ctx context.Context) {
	for {
		rt.Scheduler.SetActiveTraders(rt.Registry.Running())
		if len(rt.Registry.Running()) > 0 && !rt.Kill.Active() {
			rt.Scheduler.AutoResume()
		}
		select {
		case <-ctx.Done():
			return
		case <-rt.Clock.After(5 * time.Second):
		}
	}
}

func (rt *Runtime) collectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rt.Clock.After(time.Minute):
			rt.Bus.Collect()
		}
	}
}

func (rt *Runtime) shutdown() {
	rt.Bus.Shutdown()
	if rt.Replay != nil {
		rt.Replay.Stop()
	}
	rt.Mirror.Close()
	if rt.Cache != nil {
		if err := rt.Cache.Close(); err != nil {
			rt.Log.Warn().Err(err).Msg("Quote cache close failed")
		}
	}
	if rt.Metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Metrics.Shutdown(shutdownCtx); err != nil {
			rt.Log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	rt.Log.Info().Msg("Runtime stopped")
}
