package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/config"
	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/market"
	"github.com/paperarena/arena/internal/registry"
)

// SubscriberCount reports a room's live SSE subscribers.
type SubscriberCount func(roomID string) int

// LastAction reports the trader's latest decision action and symbol,
// HOLD with empty symbol before the first cycle.
type LastAction func(traderID string) (decision.Action, string)

// roomCadence is the in-memory cadence state of one room. Nothing
// persists across restarts.
type roomCadence struct {
	lastTickMs      int64
	lastEmitMs      int64
	burstUntilMs    int64
	cooldownUntilMs int64
	dedup           dedupState
}

// ProactiveEngine emits unprompted agent chatter on a per-room cadence,
// escalating while a fresh high-priority news burst holds.
type ProactiveEngine struct {
	svc      *Service
	registry *registry.Registry
	news     *market.NewsProvider
	subs     SubscriberCount
	lastAct  LastAction
	cfg      config.ChatConfig
	clk      clock.Clock
	log      zerolog.Logger

	mu     sync.Mutex
	cursor int
	state  map[string]*roomCadence
}

// NewProactiveEngine wires the emitter. news and subs may be nil for
// tests; a nil subs treats every room as watched.
func NewProactiveEngine(svc *Service, reg *registry.Registry, news *market.NewsProvider, subs SubscriberCount, lastAct LastAction, cfg config.ChatConfig, clk clock.Clock, log zerolog.Logger) *ProactiveEngine {
	return &ProactiveEngine{
		svc:      svc,
		registry: reg,
		news:     news,
		subs:     subs,
		lastAct:  lastAct,
		cfg:      cfg,
		clk:      clk,
		log:      log.With().Str("component", "chat_proactive").Logger(),
		state:    map[string]*roomCadence{},
	}
}

// Run ticks until ctx is done.
func (e *ProactiveEngine) Run(ctx context.Context) {
	tick := time.Duration(e.cfg.ProactiveViewerTickMs) * time.Millisecond
	if tick <= 0 {
		tick = 2 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clk.After(tick):
			e.Tick(ctx)
		}
	}
}

// Tick visits up to rooms_per_interval rooms round-robin and lets each
// emit if its cadence allows.
func (e *ProactiveEngine) Tick(ctx context.Context) {
	running := e.registry.Running()
	if len(running) == 0 {
		return
	}
	perTick := e.cfg.ProactiveRoomsPerInterval
	if perTick <= 0 {
		perTick = 2
	}
	now := e.clk.Now().UnixMilli()

	visited := 0
	for i := 0; i < len(running) && visited < perTick; i++ {
		e.mu.Lock()
		trader := running[e.cursor%len(running)]
		e.cursor++
		e.mu.Unlock()

		if !e.eligible(trader, now) {
			continue
		}
		visited++
		e.visit(ctx, trader, now)
	}
}

// eligible applies the skip rules: per-room tick spacing, and audience
// (a room with no subscribers and no recent public activity is quiet).
func (e *ProactiveEngine) eligible(trader registry.Trader, nowMs int64) bool {
	st := e.roomState(trader.TraderID)

	e.mu.Lock()
	minGap := e.cfg.ProactiveMinRoomIntervalMs
	if minGap <= 0 {
		minGap = 6_000
	}
	if st.lastTickMs != 0 && nowMs-st.lastTickMs < minGap {
		e.mu.Unlock()
		return false
	}
	st.lastTickMs = nowMs
	e.mu.Unlock()

	if e.subs != nil && e.subs(trader.TraderID) == 0 {
		window := e.cfg.ActivityWindowMs
		if window <= 0 {
			window = 120_000
		}
		last := e.svc.LastPublicActivity(trader.TraderID)
		if last == 0 || nowMs-last > window {
			return false
		}
	}
	return true
}

func (e *ProactiveEngine) roomState(roomID string) *roomCadence {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[roomID]
	if !ok {
		st = &roomCadence{}
		e.state[roomID] = st
	}
	return st
}

// visit computes the room's cadence interval and emits when due.
func (e *ProactiveEngine) visit(ctx context.Context, trader registry.Trader, nowMs int64) {
	st := e.roomState(trader.TraderID)
	interval := e.intervalFor(st, nowMs)

	e.mu.Lock()
	due := st.lastEmitMs == 0 || nowMs-st.lastEmitMs >= interval
	e.mu.Unlock()
	if !due {
		return
	}

	text, tone, source := e.generate(ctx, trader, st)
	if text == "" {
		return
	}
	if _, err := e.svc.AppendAgent(trader, KindProactive, text, tone, source); err != nil {
		e.log.Warn().Err(err).Str("room_id", trader.TraderID).Msg("Proactive append failed")
		return
	}
	e.mu.Lock()
	st.lastEmitMs = nowMs
	st.dedup.record(text)
	e.mu.Unlock()
}

// intervalFor picks the default or burst interval. A fresh qualifying
// news burst outside cooldown opens a burst window; when the window
// ends, cooldown begins.
func (e *ProactiveEngine) intervalFor(st *roomCadence, nowMs int64) int64 {
	interval := e.cfg.ProactiveIntervalMs
	if interval <= 0 {
		interval = 18_000
	}
	burstInterval := e.cfg.ProactiveBurstIntervalMs
	if burstInterval <= 0 {
		burstInterval = 9_000
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st.burstUntilMs > nowMs {
		return burstInterval
	}
	if st.burstUntilMs != 0 && st.cooldownUntilMs == 0 {
		st.cooldownUntilMs = st.burstUntilMs + e.cfg.ProactiveCooldownMs
		st.burstUntilMs = 0
	}
	if st.cooldownUntilMs > nowMs {
		return interval
	}
	st.cooldownUntilMs = 0

	if burst := e.freshBurst(nowMs); burst != nil {
		st.burstUntilMs = nowMs + e.cfg.ProactiveBurstDurationMs
		return burstInterval
	}
	return interval
}

func (e *ProactiveEngine) freshBurst(nowMs int64) *market.NewsBurst {
	if e.news == nil {
		return nil
	}
	digest, ok := e.news.Current()
	if !ok || digest.Burst == nil {
		return nil
	}
	fresh := e.cfg.NewsBurstFreshMs
	if fresh <= 0 {
		fresh = 300_000
	}
	if nowMs-digest.Burst.TSMs > fresh {
		return nil
	}
	if digest.Burst.Priority < e.cfg.NewsBurstMinPriority {
		return nil
	}
	return digest.Burst
}

// generate produces one proactive text, preferring the LLM and falling
// back to deterministic templates. Candidates that repeat a recent
// opener stem get up to three rerolls, a repeated normalized key gets
// one, and day-part-inconsistent texts are swapped for a casual line.
func (e *ProactiveEngine) generate(ctx context.Context, trader registry.Trader, st *roomCadence) (text, tone, source string) {
	action, symbol := decision.ActionHold, ""
	if e.lastAct != nil {
		action, symbol = e.lastAct(trader.TraderID)
	}
	now := e.clk.Now()

	source = GenFallback
	if e.cfg.LLMEnabled && e.svc.client.Enabled() {
		if out, err := e.svc.completeLLM(ctx, proactiveSystemPrompt(trader), e.proactiveInput(trader, action, symbol)); err == nil && out != "" {
			text, source = out, GenLLM
			tone = toneFor(action, trader.RiskProfile)
		}
	}
	salt := saltOf(trader.TraderID, strconv.FormatInt(now.UnixMilli(), 10))
	if text == "" {
		text, tone = fallbackProactive(action, trader.RiskProfile, symbol, salt)
	}

	e.mu.Lock()
	for attempt := 0; attempt < 3 && st.dedup.stemSeen(openerStem(text)); attempt++ {
		text, tone = fallbackProactive(action, trader.RiskProfile, symbol, salt+uint32(attempt)+1)
	}
	if st.dedup.keySeen(dedupKey(text)) {
		text, tone = fallbackProactive(action, trader.RiskProfile, symbol, salt+7)
		source = GenFallback
	}
	e.mu.Unlock()

	if !timeTextAllowed(text, now) {
		text = timeCasualFallback(now, salt)
		tone = ToneNeutral
		source = GenFallback
	}
	if tone == "" {
		tone = toneFor(action, trader.RiskProfile)
	}
	return text, tone, source
}

func proactiveSystemPrompt(trader registry.Trader) string {
	return fmt.Sprintf(
		"你是模拟炒股直播间的AI交易员%s。主动向观众说一句简短的盘面观察或闲聊，中文，一到两句话，口语化，不重复之前说过的话。",
		trader.TraderName)
}

func (e *ProactiveEngine) proactiveInput(trader registry.Trader, action decision.Action, symbol string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "最近动作: %s", action)
	if symbol != "" {
		fmt.Fprintf(&b, " 标的: %s", symbol)
	}
	if e.news != nil {
		if digest, ok := e.news.Current(); ok {
			if len(digest.Titles) > 0 {
				fmt.Fprintf(&b, "\n新闻: %s", strings.Join(digest.Titles[:min(3, len(digest.Titles))], "; "))
			}
			if len(digest.CasualTopics) > 0 {
				fmt.Fprintf(&b, "\n话题: %s", strings.Join(digest.CasualTopics[:min(2, len(digest.CasualTopics))], "; "))
			}
		}
	}
	return b.String()
}
