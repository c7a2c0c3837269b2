package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/market"
	"github.com/paperarena/arena/internal/memory"
	"github.com/paperarena/arena/internal/metrics"
	"github.com/paperarena/arena/internal/registry"
)

const decisionRingCap = 120

// GateSnapshotFn reports the session gate's current view of a market.
type GateSnapshotFn func(m market.Market) (sessionOpen, liveFresh bool)

// DecisionHook runs synchronously after each dispatched decision.
type DecisionHook func(trader registry.Trader, rec *decision.Record, aud *decision.AuditRecord)

// SchedulerOptions wire the scheduler's collaborators.
type SchedulerOptions struct {
	Builder           *decision.Builder
	Decider           decision.Decider
	Books             *memory.Store
	Kill              *KillSwitch
	Gate              GateSnapshotFn
	OnDecision        DecisionHook
	NewsBurstActive   func() bool
	CycleMs           int64
	DecisionEveryBars int
	CommissionRate    float64
	LotSize           int64
	Clock             clock.Clock
	Logger            zerolog.Logger
}

// Metrics are the scheduler's cycle counters.
type Metrics struct {
	TotalCycles      int64 `json:"totalCycles"`
	SuccessfulCycles int64 `json:"successfulCycles"`
	FailedCycles     int64 `json:"failedCycles"`
}

// Status is the externally visible runtime state.
type Status struct {
	Running             bool           `json:"running"`
	ManualPause         bool           `json:"manual_pause"`
	AutoPausedAtMs      int64          `json:"auto_paused_at_ms,omitempty"`
	KillSwitchActive    bool           `json:"kill_switch_active"`
	CycleMs             int64          `json:"cycle_ms"`
	DecisionEveryBars   int            `json:"decision_every_bars"`
	InFlight            bool           `json:"in_flight"`
	LastCycleStartedMs  int64          `json:"last_cycle_started_ms,omitempty"`
	LastCycleCompleteMs int64          `json:"last_cycle_completed_ms,omitempty"`
	Traders             []TraderStatus `json:"traders"`
	CallCount           map[string]int `json:"call_count"`
	Metrics             Metrics        `json:"metrics"`
}

// TraderStatus is one trader's runtime view.
type TraderStatus struct {
	TraderID   string `json:"trader_id"`
	TraderName string `json:"trader_name"`
	IsRunning  bool   `json:"is_running"`
	CallCount  int    `json:"call_count"`
	ExchangeID string `json:"exchange_id"`
}

// Scheduler drives one decision cycle per active trader, on a timer in
// live mode or per simulated bars in replay mode. StepOnce never
// overlaps itself; a second call while one runs is dropped.
type Scheduler struct {
	mu   sync.Mutex
	opts SchedulerOptions
	log  zerolog.Logger

	running     bool
	manualPause bool
	autoPaused  int64
	inFlight    bool
	lastStart   int64
	lastDone    int64

	traders   []registry.Trader
	callCount map[string]int
	cycleSeq  map[string]int64
	ring      map[string][]decision.Record
	metrics   Metrics

	pendingBars int
	queue       chan struct{}
	loopStop    chan struct{}
}

// NewScheduler builds the scheduler. Start begins paused until the
// session gate pushes an allowed trader set.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.CycleMs <= 0 {
		opts.CycleMs = 60_000
	}
	if opts.DecisionEveryBars <= 0 {
		opts.DecisionEveryBars = 1
	}
	return &Scheduler{
		opts:      opts,
		log:       opts.Logger.With().Str("component", "agent_runtime").Logger(),
		callCount: map[string]int{},
		cycleSeq:  map[string]int64{},
		ring:      map[string][]decision.Record{},
		queue:     make(chan struct{}, 64),
	}
}

// Run starts the timer loop and the replay dispatch worker until ctx
// is done.
func (s *Scheduler) Run(ctx context.Context) {
	go s.timerLoop(ctx)
	go s.dispatchLoop(ctx)
}

func (s *Scheduler) timerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.opts.Clock.After(s.cycleInterval()):
			s.mu.Lock()
			ok := s.running && !s.inFlight
			s.mu.Unlock()
			if ok && !s.opts.Kill.Active() {
				s.StepOnce(ctx)
			}
		}
	}
}

// dispatchLoop drains replay-driven decision steps serially so cycles
// never overlap.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue:
			if s.opts.Kill.Active() {
				continue
			}
			s.mu.Lock()
			ok := s.running
			s.mu.Unlock()
			if ok {
				s.StepOnce(ctx)
			}
		}
	}
}

func (s *Scheduler) cycleInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.opts.CycleMs) * time.Millisecond
}

// OnBarsAdvanced enqueues one decision step per N simulated bars. The
// replay engine calls this from its tick.
func (s *Scheduler) OnBarsAdvanced(bars int) {
	s.mu.Lock()
	s.pendingBars += bars
	n := s.opts.DecisionEveryBars
	steps := 0
	for s.pendingBars >= n {
		s.pendingBars -= n
		steps++
	}
	s.mu.Unlock()

	for i := 0; i < steps; i++ {
		select {
		case s.queue <- struct{}{}:
		default:
			// Backlogged queue: the runtime is behind, drop the step.
		}
	}
}

// ClearQueue drops all pending replay steps (kill switch engagement).
func (s *Scheduler) ClearQueue() {
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

// SetActiveTraders replaces the allowed trader set. The session gate
// owns this list.
func (s *Scheduler) SetActiveTraders(traders []registry.Trader) {
	s.mu.Lock()
	s.traders = traders
	s.mu.Unlock()
}

// AutoPause pauses the loop because the gate allows no trader.
func (s *Scheduler) AutoPause() {
	s.mu.Lock()
	if s.running {
		s.running = false
		s.autoPaused = s.opts.Clock.Now().UnixMilli()
	}
	s.mu.Unlock()
}

// AutoResume resumes after an auto-pause unless manually paused or
// killed.
func (s *Scheduler) AutoResume() {
	if s.opts.Kill.Active() {
		return
	}
	s.mu.Lock()
	if !s.manualPause && !s.running {
		s.running = true
		s.autoPaused = 0
	}
	s.mu.Unlock()
}

// Pause is the manual operator pause.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.manualPause = true
	s.running = false
	s.mu.Unlock()
}

// Resume lifts a manual pause. It fails while the kill switch holds
// and when the gate currently allows no trader.
func (s *Scheduler) Resume() error {
	if s.opts.Kill.Active() {
		return apierr.Locked("kill_switch_active", "kill switch is active")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.traders) == 0 {
		return apierr.Conflict("invalid_action", "session gate allows no trader to run")
	}
	s.manualPause = false
	s.running = true
	s.autoPaused = 0
	return nil
}

// Step executes one immediate cycle regardless of the timer.
func (s *Scheduler) Step(ctx context.Context) error {
	if s.opts.Kill.Active() {
		return apierr.Locked("kill_switch_active", "kill switch is active")
	}
	s.StepOnce(ctx)
	return nil
}

// SetCycleMs changes the live-mode cycle period.
func (s *Scheduler) SetCycleMs(ms int64) error {
	if ms < 1_000 || ms > 3_600_000 {
		return apierr.BadRequest("invalid_cycle_ms", fmt.Sprintf("cycle_ms %d out of [1000, 3600000]", ms))
	}
	s.mu.Lock()
	s.opts.CycleMs = ms
	s.mu.Unlock()
	return nil
}

// SetDecisionEveryBars changes the replay decision cadence.
func (s *Scheduler) SetDecisionEveryBars(n int) error {
	if n < 1 || n > 10_000 {
		return apierr.BadRequest("invalid_decision_every_bars", fmt.Sprintf("decision_every_bars %d out of [1, 10000]", n))
	}
	s.mu.Lock()
	s.opts.DecisionEveryBars = n
	s.mu.Unlock()
	return nil
}

// StepOnce runs one decision cycle over the active traders. A second
// concurrent call is dropped, not queued. Per-trader failures are
// recorded and never halt the loop.
func (s *Scheduler) StepOnce(ctx context.Context) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.lastStart = s.opts.Clock.Now().UnixMilli()
	traders := append([]registry.Trader(nil), s.traders...)
	s.mu.Unlock()

	start := s.opts.Clock.Now()
	for _, trader := range traders {
		if err := s.runCycle(ctx, trader); err != nil {
			s.mu.Lock()
			s.metrics.TotalCycles++
			s.metrics.FailedCycles++
			s.mu.Unlock()
			metrics.RecordCycle(false)
			s.log.Error().Err(err).Str("trader_id", trader.TraderID).Msg("Decision cycle failed")
			continue
		}
		s.mu.Lock()
		s.metrics.TotalCycles++
		s.metrics.SuccessfulCycles++
		s.mu.Unlock()
		metrics.RecordCycle(true)
	}
	metrics.CycleDuration.Observe(float64(s.opts.Clock.Since(start).Milliseconds()))

	s.mu.Lock()
	s.inFlight = false
	s.lastDone = s.opts.Clock.Now().UnixMilli()
	s.mu.Unlock()
}

// runCycle executes one trader's full decision cycle.
func (s *Scheduler) runCycle(ctx context.Context, trader registry.Trader) error {
	s.mu.Lock()
	s.cycleSeq[trader.TraderID]++
	cycle := s.cycleSeq[trader.TraderID]
	s.mu.Unlock()

	mkt := market.MarketForExchange(trader.ExchangeID)
	sessionOpen, liveFresh := true, true
	if s.opts.Gate != nil {
		sessionOpen, liveFresh = s.opts.Gate(mkt)
	}

	account := s.opts.Books.AccountOf(trader.TraderID)
	brief := decision.AccountBrief{
		TotalEquity:      account.TotalEquity,
		AvailableBalance: account.AvailableBalance,
		PositionCount:    account.PositionCount,
		DailyPnL:         account.DailyPnL,
	}
	positions := s.opts.Books.PositionShares(trader.TraderID)

	dc, err := s.opts.Builder.BuildContext(ctx, trader, cycle, brief, positions, sessionOpen, liveFresh)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	var rec *decision.Record
	switch {
	case dc.Synthetic != nil:
		rec = dc.Synthetic
	case s.opts.Decider != nil:
		rec, err = s.opts.Decider.Decide(ctx, dc)
		if err != nil {
			s.log.Warn().Err(err).Str("trader_id", trader.TraderID).Msg("LLM decide failed, using fallback HOLD")
			rec = decision.FallbackHold(dc)
		}
	default:
		rec = decision.FallbackHold(dc)
	}

	cal := s.opts.Builder.Calendar(mkt)
	now := s.opts.Clock.Now()
	marks := map[string]float64{}
	for _, c := range dc.Candidates {
		if c.LastClose > 0 {
			marks[c.Symbol] = c.LastClose
		}
	}

	result, err := s.opts.Books.ApplyDecision(memory.ApplyInput{
		TraderID:       trader.TraderID,
		Record:         rec,
		Price:          dc.Selected.LastClose,
		Marks:          marks,
		DayKey:         cal.DayKey(now),
		TPlusOne:       mkt == market.MarketCN,
		CommissionRate: s.opts.CommissionRate,
		LotSize:        s.opts.LotSize,
		Now:            now,
	})
	if err != nil {
		return fmt.Errorf("apply decision: %w", err)
	}
	if result.Reason == "t_plus_one_block" {
		rec.Action = decision.ActionHold
		rec.Reasoning = decision.ClampReasoning("t_plus_one_block: " + rec.Reasoning)
	}
	metrics.RecordDecision(string(rec.Action))

	aud := s.buildAudit(trader, dc, rec, result, now)

	s.mu.Lock()
	s.callCount[trader.TraderID]++
	ring := append(s.ring[trader.TraderID], *rec)
	if len(ring) > decisionRingCap {
		ring = ring[len(ring)-decisionRingCap:]
	}
	s.ring[trader.TraderID] = ring
	s.mu.Unlock()

	if s.opts.OnDecision != nil {
		s.opts.OnDecision(trader, rec, aud)
	}
	return nil
}

func (s *Scheduler) buildAudit(trader registry.Trader, dc *decision.Context, rec *decision.Record, result memory.ExecResult, now time.Time) *decision.AuditRecord {
	aud := &decision.AuditRecord{
		Timestamp:              rec.Timestamp,
		CycleNumber:            rec.CycleNumber,
		TraderID:               trader.TraderID,
		Symbol:                 rec.Symbol,
		Action:                 rec.Action,
		Readiness:              dc.Readiness,
		SessionOpen:            dc.SessionOpen,
		LiveFresh:              dc.LiveFresh,
		ForcedHold:             rec.DecisionSource == decision.SourceReadinessGate || result.Reason == "t_plus_one_block",
		OrderExecuted:          result.Executed,
		PositionSharesOnSymbol: dc.Positions[rec.Symbol],
		SavedTSMs:              now.UnixMilli(),
	}
	if s.opts.NewsBurstActive != nil {
		aud.NewsBurstActive = s.opts.NewsBurstActive()
	}
	if rec.Action == decision.ActionHold {
		if aud.PositionSharesOnSymbol > 0 {
			aud.HoldSemantics = decision.HoldKeepExisting
		} else {
			aud.HoldSemantics = decision.HoldNoPositionNoOrder
		}
	}
	return aud
}

// DecisionRing returns the newest-first in-memory ring of one trader.
func (s *Scheduler) DecisionRing(traderID string, limit int) []decision.Record {
	s.mu.Lock()
	ring := append([]decision.Record(nil), s.ring[traderID]...)
	s.mu.Unlock()
	// Ring is stored oldest first; flip.
	for i, j := 0, len(ring)-1; i < j; i, j = i+1, j-1 {
		ring[i], ring[j] = ring[j], ring[i]
	}
	if limit > 0 && len(ring) > limit {
		ring = ring[:limit]
	}
	return ring
}

// Status snapshots the runtime state for the status endpoint.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:             s.running,
		ManualPause:         s.manualPause,
		AutoPausedAtMs:      s.autoPaused,
		KillSwitchActive:    s.opts.Kill.Active(),
		CycleMs:             s.opts.CycleMs,
		DecisionEveryBars:   s.opts.DecisionEveryBars,
		InFlight:            s.inFlight,
		LastCycleStartedMs:  s.lastStart,
		LastCycleCompleteMs: s.lastDone,
		CallCount:           map[string]int{},
		Metrics:             s.metrics,
	}
	for id, n := range s.callCount {
		st.CallCount[id] = n
	}
	for _, t := range s.traders {
		st.Traders = append(st.Traders, TraderStatus{
			TraderID:   t.TraderID,
			TraderName: t.TraderName,
			IsRunning:  s.running,
			CallCount:  s.callCount[t.TraderID],
			ExchangeID: t.ExchangeID,
		})
	}
	return st
}

// RuntimeMetrics returns the cycle counters.
func (s *Scheduler) RuntimeMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// ActiveTraders returns the current gate-allowed trader list.
func (s *Scheduler) ActiveTraders() []registry.Trader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]registry.Trader(nil), s.traders...)
}
