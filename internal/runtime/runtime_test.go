package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/market"
	"github.com/paperarena/arena/internal/memory"
	"github.com/paperarena/arena/internal/registry"
)

// cnMorning is 10:30 Shanghai time on a Monday, mid continuous session.
func cnMorning() time.Time {
	return time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC)
}

// stubFrames serves synthetic bars ending staleness ago, so tests can
// steer the readiness gate without touching real providers.
type stubFrames struct {
	clk       clock.Clock
	staleness time.Duration
}

func (s *stubFrames) GetFrames(ctx context.Context, symbol, interval string, limit int) (market.Batch, error) {
	end := s.clk.Now().Add(-s.staleness).UnixMilli()
	step := int64(60_000)
	count := 30
	if interval == "1d" {
		step = 86_400_000
		count = 10
	}
	frames := make([]market.Frame, 0, count)
	for i := count - 1; i >= 0; i-- {
		start := end - int64(i)*step
		frames = append(frames, market.Frame{
			Symbol:   symbol,
			Interval: interval,
			Window:   market.Window{StartTSMs: start, EndTSMs: start + step},
			Open:     100, High: 101, Low: 99, Close: 100,
			Volume: 1_000,
		})
	}
	return market.Batch{Frames: frames, Mode: "mock", Provider: "mock"}, nil
}

func (s *stubFrames) LiveProvider(m market.Market) *market.LiveFileProvider { return nil }
func (s *stubFrames) Mode() string                                          { return market.ModeMock }
func (s *stubFrames) StrictLive() bool                                      { return false }

type stubDecider struct {
	calls atomic.Int64
	fail  bool
}

func (d *stubDecider) Decide(ctx context.Context, dc *decision.Context) (*decision.Record, error) {
	d.calls.Add(1)
	if d.fail {
		return nil, fmt.Errorf("model unavailable")
	}
	return &decision.Record{
		Timestamp:      dc.Now.UTC().Format(time.RFC3339),
		CycleNumber:    dc.CycleNumber,
		Symbol:         dc.Symbol,
		Action:         decision.ActionBuy,
		Quantity:       100,
		Confidence:     0.8,
		Reasoning:      "突破买入",
		DecisionSource: decision.SourceLLM,
		SavedTSMs:      dc.Now.UnixMilli(),
	}, nil
}

func testTrader() registry.Trader {
	return registry.Trader{
		TraderID:     "t_001",
		TraderName:   "阿尔法",
		ExchangeID:   "SSE",
		TradingStyle: "momentum",
		StockPool:    []string{"600519.SH"},
	}
}

type schedulerFixture struct {
	sched   *Scheduler
	decider *stubDecider
	books   *memory.Store
	kill    *KillSwitch
	clk     *clock.Fake
	hooked  []*decision.AuditRecord
}

func newSchedulerFixture(t *testing.T, staleness time.Duration) *schedulerFixture {
	t.Helper()
	clk := clock.NewFake(cnMorning())
	books := memory.NewStore(t.TempDir(), 1_000_000, clk, zerolog.Nop())
	kill := NewKillSwitch(filepath.Join(t.TempDir(), "kill.json"), clk, zerolog.Nop())

	builder := decision.NewBuilder(&stubFrames{clk: clk, staleness: staleness}, decision.BuilderOptions{
		CandidateLimit: 12,
		Limits: decision.PortfolioLimits{
			MaxPositionCount:          5,
			MaxSymbolConcentrationPct: 50,
			MinCashReservePct:         5,
			TurnoverThrottlePct:       50,
		},
		Readiness: decision.ReadinessThresholds{
			MinIntradayOK:   5,
			MinIntradayWarn: 2,
			MinDaily:        5,
			FreshWarnMs:     300_000,
			FreshErrorMs:    900_000,
		},
		Clock:  clk,
		Logger: zerolog.Nop(),
	})

	fx := &schedulerFixture{decider: &stubDecider{}, books: books, kill: kill, clk: clk}
	fx.sched = NewScheduler(SchedulerOptions{
		Builder: builder,
		Decider: fx.decider,
		Books:   books,
		Kill:    kill,
		Gate:    func(m market.Market) (bool, bool) { return true, true },
		OnDecision: func(trader registry.Trader, rec *decision.Record, aud *decision.AuditRecord) {
			fx.hooked = append(fx.hooked, aud)
		},
		CycleMs:        60_000,
		CommissionRate: 0,
		LotSize:        100,
		Clock:          clk,
		Logger:         zerolog.Nop(),
	})
	fx.sched.SetActiveTraders([]registry.Trader{testTrader()})
	return fx
}

func TestStepOnceDispatchesDecision(t *testing.T) {
	fx := newSchedulerFixture(t, time.Minute)
	fx.sched.StepOnce(context.Background())

	assert.Equal(t, int64(1), fx.decider.calls.Load())

	ring := fx.sched.DecisionRing("t_001", 10)
	require.Len(t, ring, 1)
	assert.Equal(t, decision.ActionBuy, ring[0].Action)
	assert.Equal(t, int64(1), ring[0].CycleNumber)

	// The buy landed on the books.
	assert.Equal(t, int64(100), fx.books.PositionShares("t_001")["600519.SH"])

	m := fx.sched.RuntimeMetrics()
	assert.Equal(t, int64(1), m.TotalCycles)
	assert.Equal(t, int64(1), m.SuccessfulCycles)
	assert.Zero(t, m.FailedCycles)

	require.Len(t, fx.hooked, 1)
	aud := fx.hooked[0]
	assert.Equal(t, "t_001", aud.TraderID)
	assert.True(t, aud.SessionOpen)
	assert.True(t, aud.OrderExecuted)
	assert.Empty(t, aud.HoldSemantics)

	st := fx.sched.Status()
	assert.Equal(t, 1, st.CallCount["t_001"])
	require.Len(t, st.Traders, 1)
	assert.Equal(t, "阿尔法", st.Traders[0].TraderName)
}

func TestStepOnceFallsBackToHoldOnDeciderError(t *testing.T) {
	fx := newSchedulerFixture(t, time.Minute)
	fx.decider.fail = true
	fx.sched.StepOnce(context.Background())

	ring := fx.sched.DecisionRing("t_001", 10)
	require.Len(t, ring, 1)
	assert.Equal(t, decision.ActionHold, ring[0].Action)
	assert.Equal(t, decision.SourceFallback, ring[0].DecisionSource)

	// A fallback hold still counts as a completed cycle.
	assert.Equal(t, int64(1), fx.sched.RuntimeMetrics().SuccessfulCycles)

	require.Len(t, fx.hooked, 1)
	assert.Equal(t, decision.HoldNoPositionNoOrder, fx.hooked[0].HoldSemantics)
}

func TestStepOnceSyntheticHoldSkipsDecider(t *testing.T) {
	// Bars 20 minutes old trip the readiness gate's error window.
	fx := newSchedulerFixture(t, 20*time.Minute)
	fx.sched.StepOnce(context.Background())

	assert.Zero(t, fx.decider.calls.Load())
	ring := fx.sched.DecisionRing("t_001", 10)
	require.Len(t, ring, 1)
	assert.Equal(t, decision.ActionHold, ring[0].Action)
	assert.Equal(t, decision.SourceReadinessGate, ring[0].DecisionSource)

	require.Len(t, fx.hooked, 1)
	assert.True(t, fx.hooked[0].ForcedHold)
}

func TestStepBlockedByKillSwitch(t *testing.T) {
	fx := newSchedulerFixture(t, time.Minute)
	require.NoError(t, fx.kill.Activate("manual stop", "ops"))

	err := fx.sched.Step(context.Background())
	assert.Equal(t, "kill_switch_active", apierr.Code(err, "x"))
	assert.Zero(t, fx.decider.calls.Load())

	assert.Equal(t, "kill_switch_active", apierr.Code(fx.sched.Resume(), "x"))
}

func TestPauseResumeLifecycle(t *testing.T) {
	fx := newSchedulerFixture(t, time.Minute)

	// Resume with traders present succeeds.
	require.NoError(t, fx.sched.Resume())
	assert.True(t, fx.sched.Status().Running)

	// Manual pause sticks through auto-resume.
	fx.sched.Pause()
	fx.sched.AutoResume()
	st := fx.sched.Status()
	assert.False(t, st.Running)
	assert.True(t, st.ManualPause)

	require.NoError(t, fx.sched.Resume())
	assert.True(t, fx.sched.Status().Running)

	// Auto-pause yields to auto-resume.
	fx.sched.AutoPause()
	assert.False(t, fx.sched.Status().Running)
	fx.sched.AutoResume()
	assert.True(t, fx.sched.Status().Running)

	// An empty gate set refuses manual resume.
	fx.sched.Pause()
	fx.sched.SetActiveTraders(nil)
	assert.Equal(t, "invalid_action", apierr.Code(fx.sched.Resume(), "x"))
}

func TestSetCycleMsValidation(t *testing.T) {
	fx := newSchedulerFixture(t, time.Minute)

	assert.Equal(t, "invalid_cycle_ms", apierr.Code(fx.sched.SetCycleMs(500), "x"))
	assert.Equal(t, "invalid_cycle_ms", apierr.Code(fx.sched.SetCycleMs(4_000_000), "x"))
	require.NoError(t, fx.sched.SetCycleMs(5_000))
	assert.Equal(t, int64(5_000), fx.sched.Status().CycleMs)

	assert.Equal(t, "invalid_decision_every_bars", apierr.Code(fx.sched.SetDecisionEveryBars(0), "x"))
	require.NoError(t, fx.sched.SetDecisionEveryBars(5))
	assert.Equal(t, 5, fx.sched.Status().DecisionEveryBars)
}

func TestOnBarsAdvancedQueuesSteps(t *testing.T) {
	fx := newSchedulerFixture(t, time.Minute)
	require.NoError(t, fx.sched.SetDecisionEveryBars(2))

	// Five bars at every-2 cadence yield two steps and one carried bar.
	fx.sched.OnBarsAdvanced(5)
	assert.Equal(t, 2, len(fx.sched.queue))
	assert.Equal(t, 1, fx.sched.pendingBars)

	fx.sched.OnBarsAdvanced(1)
	assert.Equal(t, 3, len(fx.sched.queue))
	assert.Zero(t, fx.sched.pendingBars)

	fx.sched.ClearQueue()
	assert.Zero(t, len(fx.sched.queue))
}

func TestKillSwitchPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kill.json")
	clk := clock.NewFake(cnMorning())

	k := NewKillSwitch(path, clk, zerolog.Nop())
	assert.False(t, k.Active())

	var changes []bool
	k.OnChange(func(active bool) { changes = append(changes, active) })
	require.NoError(t, k.Activate("replay runaway", "ops"))
	assert.True(t, k.Active())
	assert.Equal(t, []bool{true}, changes)

	st := k.State()
	assert.Equal(t, "replay runaway", st.Reason)
	assert.Equal(t, "ops", st.ActivatedBy)
	assert.Equal(t, "2026-03-02T02:30:00Z", st.ActivatedAt)

	k2 := NewKillSwitch(path, clk, zerolog.Nop())
	assert.True(t, k2.Active())

	require.NoError(t, k2.Deactivate("ops"))
	assert.False(t, k2.Active())
	assert.Equal(t, "ops", k2.State().DeactivatedBy)

	k3 := NewKillSwitch(path, clk, zerolog.Nop())
	assert.False(t, k3.Active())
}

func TestKillSwitchCorruptStateStartsInactive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kill.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	k := NewKillSwitch(path, clock.NewFake(cnMorning()), zerolog.Nop())
	assert.False(t, k.Active())
}

func writeGateManifest(t *testing.T, dir, traderID, exchange string) {
	t.Helper()
	body := "schema_version: \"1.0.0\"\n" +
		"trader_id: " + traderID + "\n" +
		"trader_name: Trader " + traderID + "\n" +
		"exchange_id: " + exchange + "\n" +
		"trading_style: momentum\n" +
		"stock_pool: [\"600519.SH\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, traderID+".yaml"), []byte(body), 0o644))
}

func newGateFixture(t *testing.T, mode string) (*SessionGate, *Scheduler, *registry.Registry, *KillSwitch, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(cnMorning())
	manifests := t.TempDir()
	writeGateManifest(t, manifests, "t_001", "SSE")
	reg := registry.New(manifests, filepath.Join(t.TempDir(), "registry.json"), zerolog.Nop())
	require.NoError(t, reg.Register("t_001"))
	require.NoError(t, reg.Start("t_001"))

	kill := NewKillSwitch(filepath.Join(t.TempDir(), "kill.json"), clk, zerolog.Nop())
	sched := NewScheduler(SchedulerOptions{
		Kill:   kill,
		Clock:  clk,
		Logger: zerolog.Nop(),
	})
	adapter := market.NewAdapter(mode, false, nil, nil, nil, clk, zerolog.Nop())
	gate := NewSessionGate(GateOptions{
		RequireFreshLive: true,
		Registry:         reg,
		Scheduler:        sched,
		Adapter:          adapter,
		Kill:             kill,
		Clock:            clk,
		Logger:           zerolog.Nop(),
	})
	return gate, sched, reg, kill, clk
}

func TestSessionGateMockModeRunsAllTraders(t *testing.T) {
	gate, sched, reg, _, _ := newGateFixture(t, market.ModeMock)

	gate.Check()
	require.Len(t, sched.ActiveTraders(), 1)
	assert.True(t, sched.Status().Running)

	// Mid-morning Shanghai is open; New York is not.
	open, fresh := gate.Snapshot(market.MarketCN)
	assert.True(t, open)
	assert.True(t, fresh)
	open, _ = gate.Snapshot(market.MarketUS)
	assert.False(t, open)

	view := gate.View()
	require.Contains(t, view, "CN-A")
	assert.True(t, view["CN-A"]["session_is_open"])
	assert.False(t, view["US"]["session_is_open"])

	// Stopping the only trader auto-pauses the loop.
	require.NoError(t, reg.Stop("t_001"))
	gate.Check()
	assert.Empty(t, sched.ActiveTraders())
	assert.False(t, sched.Status().Running)
}

func TestSessionGateLiveModeFiltersClosedMarkets(t *testing.T) {
	gate, sched, _, _, clk := newGateFixture(t, market.ModeLiveFile)

	// No live provider means the feed is never fresh.
	gate.Check()
	assert.Empty(t, sched.ActiveTraders())
	assert.False(t, sched.Status().Running)

	// Weekend: closed regardless of freshness.
	clk.Set(time.Date(2026, 3, 7, 2, 30, 0, 0, time.UTC))
	gate.Check()
	open, _ := gate.Snapshot(market.MarketCN)
	assert.False(t, open)
}

func TestSessionGateFreshnessRequirementToggle(t *testing.T) {
	gate, sched, _, _, _ := newGateFixture(t, market.ModeLiveFile)

	// Requirement on: the missing live feed blocks the trader even
	// though Shanghai is open.
	gate.Check()
	assert.Empty(t, sched.ActiveTraders())

	// Requirement off: session hours alone decide.
	opts := gate.opts
	opts.RequireFreshLive = false
	relaxed := NewSessionGate(opts)
	relaxed.Check()
	require.Len(t, sched.ActiveTraders(), 1)
	assert.True(t, sched.Status().Running)
	_, fresh := relaxed.Snapshot(market.MarketCN)
	assert.True(t, fresh)
}

func TestSessionGateHonorsKillSwitch(t *testing.T) {
	gate, sched, _, kill, _ := newGateFixture(t, market.ModeMock)
	require.NoError(t, kill.Activate("incident", "ops"))

	gate.Check()
	// Traders are allowed but the kill switch blocks auto-resume.
	require.Len(t, sched.ActiveTraders(), 1)
	assert.False(t, sched.Status().Running)
}
