package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitsContext() *Context {
	return &Context{
		Symbol:   "600519.SH",
		Selected: Features{Symbol: "600519.SH", LastClose: 100},
		Account: AccountBrief{
			TotalEquity:      100_000,
			AvailableBalance: 100_000,
			PositionCount:    0,
		},
		Positions: map[string]int64{},
		Limits: PortfolioLimits{
			MaxPositionCount:          5,
			MaxSymbolConcentrationPct: 20,
			MinCashReservePct:         10,
			TurnoverThrottlePct:       25,
		},
	}
}

func TestEnforceLimitsPassesThroughNonBuy(t *testing.T) {
	dc := limitsContext()
	p := Proposal{Action: ActionSell, Symbol: "600519.SH", Quantity: 100_000}
	out, log := EnforceLimits(dc, p)
	assert.Equal(t, p, out)
	assert.Empty(t, log)
}

func TestEnforceLimitsConcentrationClamp(t *testing.T) {
	dc := limitsContext()
	// 20% of 100k equity allows at most 20k notional = 200 shares.
	out, log := EnforceLimits(dc, Proposal{Action: ActionBuy, Symbol: "600519.SH", Quantity: 500})
	assert.Equal(t, ActionBuy, out.Action)
	assert.Equal(t, int64(200), out.Quantity)
	require.NotEmpty(t, log)
	assert.Contains(t, log[0], "max_symbol_concentration_pct")
}

func TestEnforceLimitsCountsExistingExposure(t *testing.T) {
	dc := limitsContext()
	dc.Positions["600519.SH"] = 150
	dc.Account.PositionCount = 1
	// 15k already held against the 20k cap leaves 50 shares of room.
	out, _ := EnforceLimits(dc, Proposal{Action: ActionBuy, Symbol: "600519.SH", Quantity: 500})
	assert.Equal(t, int64(50), out.Quantity)
}

func TestEnforceLimitsCashReserve(t *testing.T) {
	dc := limitsContext()
	dc.Limits.MaxSymbolConcentrationPct = 0
	dc.Limits.TurnoverThrottlePct = 0
	dc.Account.AvailableBalance = 12_000
	// Spendable is 12k minus the 10k reserve.
	out, log := EnforceLimits(dc, Proposal{Action: ActionBuy, Symbol: "600519.SH", Quantity: 500})
	assert.Equal(t, int64(20), out.Quantity)
	require.NotEmpty(t, log)
	assert.Contains(t, log[0], "min_cash_reserve_pct")
}

func TestEnforceLimitsMaxPositionsForcesHold(t *testing.T) {
	dc := limitsContext()
	dc.Account.PositionCount = 5
	out, log := EnforceLimits(dc, Proposal{Action: ActionBuy, Symbol: "600519.SH", Quantity: 100})
	assert.Equal(t, ActionHold, out.Action)
	assert.Zero(t, out.Quantity)
	require.NotEmpty(t, log)
	assert.Contains(t, log[0], "max_position_count")

	// Adding to an existing position is not a new slot.
	dc.Positions["600519.SH"] = 100
	out, _ = EnforceLimits(dc, Proposal{Action: ActionBuy, Symbol: "600519.SH", Quantity: 100})
	assert.Equal(t, ActionBuy, out.Action)
}

func TestEnforceLimitsClampToZeroDegradesToHold(t *testing.T) {
	dc := limitsContext()
	dc.Limits.MaxSymbolConcentrationPct = 0
	dc.Limits.TurnoverThrottlePct = 0
	dc.Account.AvailableBalance = 5_000 // under the 10k reserve
	out, log := EnforceLimits(dc, Proposal{Action: ActionBuy, Symbol: "600519.SH", Quantity: 100})
	assert.Equal(t, ActionHold, out.Action)
	assert.Zero(t, out.Quantity)
	assert.Contains(t, log[len(log)-1], "forcing HOLD")
}
