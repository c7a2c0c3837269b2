package memory

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/decision"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	return NewStore(t.TempDir(), 100_000, clk, zerolog.Nop()), clk
}

func apply(t *testing.T, s *Store, clk *clock.Fake, action decision.Action, symbol string, qty int64, price float64, tPlusOne bool, dayKey string) ExecResult {
	t.Helper()
	rec := &decision.Record{
		Timestamp:   clk.Now().UTC().Format(time.RFC3339),
		Symbol:      symbol,
		Action:      action,
		Quantity:    qty,
		Reasoning:   "test",
		DecisionSource: decision.SourceLLM,
	}
	res, err := s.ApplyDecision(ApplyInput{
		TraderID:       "t_001",
		Record:         rec,
		Price:          price,
		DayKey:         dayKey,
		TPlusOne:       tPlusOne,
		CommissionRate: 0.001,
		LotSize:        100,
		Now:            clk.Now(),
	})
	require.NoError(t, err)
	return res
}

func TestBuySellEquityInvariant(t *testing.T) {
	s, clk := newTestStore(t)

	res := apply(t, s, clk, decision.ActionBuy, "600519.SH", 200, 100.0, false, "2026-03-02")
	require.True(t, res.Executed)

	account := s.AccountOf("t_001")
	positions := s.PositionsOf("t_001")
	require.Len(t, positions, 1)
	assert.Equal(t, int64(200), positions[0].Shares)

	marketValue := float64(positions[0].Shares) * positions[0].MarkPrice
	assert.InDelta(t, account.TotalEquity, account.AvailableBalance+marketValue, 0.01)

	clk.Advance(time.Minute)
	res = apply(t, s, clk, decision.ActionSell, "600519.SH", 200, 110.0, false, "2026-03-02")
	require.True(t, res.Executed)
	assert.Greater(t, res.Realized, 0.0)

	account = s.AccountOf("t_001")
	assert.Empty(t, s.PositionsOf("t_001"))
	assert.InDelta(t, account.TotalEquity, account.AvailableBalance, 0.01)

	// Realized pnl minus fees reconciles with equity drift.
	assert.InDelta(t, account.TotalEquity-account.InitialBalance, account.TotalPnL, 0.01)
}

func TestBuyRoundsToLotSize(t *testing.T) {
	s, clk := newTestStore(t)

	res := apply(t, s, clk, decision.ActionBuy, "600519.SH", 250, 100.0, false, "2026-03-02")
	require.True(t, res.Executed)
	assert.Equal(t, int64(200), s.PositionsOf("t_001")[0].Shares)

	res = apply(t, s, clk, decision.ActionBuy, "600519.SH", 50, 100.0, false, "2026-03-02")
	assert.False(t, res.Executed)
	assert.Equal(t, "quantity_below_lot_size", res.Reason)
}

func TestBuyInsufficientCash(t *testing.T) {
	s, clk := newTestStore(t)
	res := apply(t, s, clk, decision.ActionBuy, "600519.SH", 10_000, 100.0, false, "2026-03-02")
	assert.False(t, res.Executed)
	assert.Equal(t, "insufficient_cash", res.Reason)
	assert.Equal(t, 100_000.0, s.AccountOf("t_001").AvailableBalance)
}

func TestTPlusOneBlocksSameDaySell(t *testing.T) {
	s, clk := newTestStore(t)

	res := apply(t, s, clk, decision.ActionBuy, "600519.SH", 100, 50.0, true, "2026-03-02")
	require.True(t, res.Executed)

	res = apply(t, s, clk, decision.ActionSell, "600519.SH", 100, 55.0, true, "2026-03-02")
	assert.False(t, res.Executed)
	assert.Equal(t, "t_plus_one_block", res.Reason)

	// Next trading day the lot becomes sellable.
	clk.Advance(24 * time.Hour)
	res = apply(t, s, clk, decision.ActionSell, "600519.SH", 100, 55.0, true, "2026-03-03")
	assert.True(t, res.Executed)
}

func TestSellFIFOAcrossLots(t *testing.T) {
	s, clk := newTestStore(t)

	apply(t, s, clk, decision.ActionBuy, "000001.SZ", 100, 10.0, false, "2026-03-02")
	clk.Advance(time.Minute)
	apply(t, s, clk, decision.ActionBuy, "000001.SZ", 100, 20.0, false, "2026-03-02")
	clk.Advance(time.Minute)

	// 150 rounds down to one full lot; the oldest lot is consumed first.
	res := apply(t, s, clk, decision.ActionSell, "000001.SZ", 150, 30.0, false, "2026-03-02")
	require.True(t, res.Executed)

	positions := s.PositionsOf("t_001")
	require.Len(t, positions, 1)
	assert.Equal(t, int64(100), positions[0].Shares)
	require.Len(t, positions[0].Lots, 1)
	assert.Equal(t, 20.0, positions[0].Lots[0].EntryPrice)

	hist := s.History("t_001", 0)
	require.Len(t, hist.ClosedTrades, 1)
	assert.Equal(t, 10.0, hist.ClosedTrades[0].EntryPrice)
}

func TestShortNotSupported(t *testing.T) {
	s, clk := newTestStore(t)
	res := apply(t, s, clk, decision.ActionShort, "600519.SH", 100, 50.0, false, "2026-03-02")
	assert.False(t, res.Executed)
	assert.Equal(t, "short_not_supported", res.Reason)
}

func TestDayRollWritesJournal(t *testing.T) {
	s, clk := newTestStore(t)

	apply(t, s, clk, decision.ActionBuy, "600519.SH", 100, 100.0, false, "2026-03-02")
	clk.Advance(24 * time.Hour)
	apply(t, s, clk, decision.ActionHold, "600519.SH", 0, 0, false, "2026-03-03")

	snap := s.Get("t_001")
	require.Len(t, snap.Journal, 1)
	assert.Equal(t, "2026-03-02", snap.Journal[0].DayKey)
	assert.Equal(t, 1, snap.Journal[0].Trades)
	assert.Equal(t, "2026-03-03", snap.DayKey)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	s := NewStore(dir, 100_000, clk, zerolog.Nop())

	rec := &decision.Record{Symbol: "600519.SH", Action: decision.ActionBuy, Quantity: 100}
	_, err := s.ApplyDecision(ApplyInput{
		TraderID: "t_001", Record: rec, Price: 100.0,
		DayKey: "2026-03-02", CommissionRate: 0.001, LotSize: 100, Now: clk.Now(),
	})
	require.NoError(t, err)
	before := s.Get("t_001")

	// A fresh store over the same directory reloads identical state.
	s2 := NewStore(dir, 100_000, clk, zerolog.Nop())
	after := s2.Get("t_001")
	assert.Equal(t, before.Account, after.Account)
	assert.Equal(t, before.DayKey, after.DayKey)
	require.Contains(t, after.Holdings, "600519.SH")
	assert.Equal(t, before.Holdings["600519.SH"].Shares, after.Holdings["600519.SH"].Shares)
	assert.Len(t, after.RecentActions, 1)
}

func TestDailyReturnPct(t *testing.T) {
	s, clk := newTestStore(t)
	apply(t, s, clk, decision.ActionHold, "", 0, 0, false, "2026-03-02")
	assert.InDelta(t, 0.0, s.DailyReturnPct("t_001"), 0.0001)
}

func TestResetTraderScopes(t *testing.T) {
	s, clk := newTestStore(t)
	apply(t, s, clk, decision.ActionBuy, "600519.SH", 100, 100.0, false, "2026-03-02")

	require.NoError(t, s.ResetTrader("t_001", ResetScopes{ResetPositions: true}))
	assert.Empty(t, s.PositionsOf("t_001"))
	account := s.AccountOf("t_001")
	assert.InDelta(t, account.TotalEquity, account.AvailableBalance, 0.01)
	// Stats survive a positions-only reset.
	assert.NotEmpty(t, s.Get("t_001").TradeEvents)

	require.NoError(t, s.ResetTrader("t_001", ResetScopes{ResetMemory: true, ResetPositions: true, ResetStats: true}))
	snap := s.Get("t_001")
	assert.Empty(t, snap.TradeEvents)
	assert.Empty(t, snap.EquityCurve)
	assert.Equal(t, 100_000.0, snap.Account.TotalEquity)
}

func TestFactoryReset(t *testing.T) {
	s, clk := newTestStore(t)
	apply(t, s, clk, decision.ActionBuy, "600519.SH", 100, 100.0, false, "2026-03-02")
	require.NoError(t, s.FactoryReset())
	assert.Equal(t, 100_000.0, s.AccountOf("t_001").TotalEquity)
	assert.Empty(t, s.PositionsOf("t_001"))
}

func TestResetScopesAny(t *testing.T) {
	assert.False(t, ResetScopes{}.Any())
	assert.True(t, ResetScopes{ResetStats: true}.Any())
}
