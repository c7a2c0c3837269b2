// Package memory owns each trader's simulated book: account, holdings
// with FIFO lots, trade history, equity curve and daily journal, with
// atomic per-trader persistence.
package memory

import "github.com/paperarena/arena/internal/decision"

// Account is the cash and equity state of one trader.
type Account struct {
	InitialBalance   float64 `json:"initial_balance"`
	TotalEquity      float64 `json:"total_equity"`
	AvailableBalance float64 `json:"available_balance"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
	PositionCount    int     `json:"position_count"`
	DailyPnL         float64 `json:"daily_pnl"`
	TotalPnL         float64 `json:"total_pnl"`
	TotalPnLPct      float64 `json:"total_pnl_pct"`
}

// Lot is one open entry, consumed FIFO on sells. EntryDayKey drives
// the CN-A T+1 constraint.
type Lot struct {
	EntryOrderID      string  `json:"entry_order_id"`
	EntryTime         string  `json:"entry_time"`
	EntryTSMs         int64   `json:"entry_ts_ms"`
	EntryDayKey       string  `json:"entry_day_key"`
	EntryPrice        float64 `json:"entry_price"`
	EntryQty          int64   `json:"entry_qty"`
	EntryFeeRemaining float64 `json:"entry_fee_remaining"`
}

// Holding is the aggregate position of one symbol.
type Holding struct {
	Symbol    string  `json:"symbol"`
	Shares    int64   `json:"shares"`
	AvgCost   float64 `json:"avg_cost"`
	MarkPrice float64 `json:"mark_price"`
	Lots      []Lot   `json:"open_lots"`
}

// TradeEvent records one executed order with its post-trade state.
type TradeEvent struct {
	TSMs                 int64   `json:"ts_ms"`
	Symbol               string  `json:"symbol"`
	Side                 string  `json:"side"`
	Quantity             int64   `json:"quantity"`
	Price                float64 `json:"price"`
	Fee                  float64 `json:"fee"`
	CashAfter            float64 `json:"cash_after"`
	TotalEquityAfter     float64 `json:"total_equity_after"`
	PositionAfterQty     int64   `json:"position_after_qty"`
	PositionAfterAvgCost float64 `json:"position_after_avg_cost"`
	PositionAfterMark    float64 `json:"position_after_mark"`
}

// ClosedTrade is one fully closed lot with realized P&L net of fees.
type ClosedTrade struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	EntryTime   string  `json:"entry_time"`
	ExitTime    string  `json:"exit_time"`
	Quantity    int64   `json:"quantity"`
	EntryPrice  float64 `json:"entry_price"`
	ExitPrice   float64 `json:"exit_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Fee         float64 `json:"fee"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	TSMs        int64   `json:"ts_ms"`
	TotalEquity float64 `json:"total_equity"`
	DayKey      string  `json:"day_key"`
}

// JournalEntry closes one trading day.
type JournalEntry struct {
	DayKey      string  `json:"day_key"`
	OpenEquity  float64 `json:"open_equity"`
	CloseEquity float64 `json:"close_equity"`
	DailyPnL    float64 `json:"daily_pnl"`
	Trades      int     `json:"trades"`
}

// Snapshot is the full persisted state of one trader.
type Snapshot struct {
	TraderID      string              `json:"trader_id"`
	Account       Account             `json:"account"`
	Holdings      map[string]*Holding `json:"holdings"`
	RecentActions []decision.Record   `json:"recent_actions"`
	TradeEvents   []TradeEvent        `json:"trade_events"`
	ClosedTrades  []ClosedTrade       `json:"closed_trades"`
	EquityCurve   []EquityPoint       `json:"equity_curve"`
	Journal       []JournalEntry      `json:"journal"`
	DayKey        string              `json:"day_key"`
	DayOpenEquity float64             `json:"day_open_equity"`
	DayTrades     int                 `json:"day_trades"`
	UpdatedTSMs   int64               `json:"updated_ts_ms"`
}

// ExecResult is what applying one decision to the book produced.
type ExecResult struct {
	Executed bool    `json:"executed"`
	Reason   string  `json:"reason,omitempty"`
	Fee      float64 `json:"fee,omitempty"`
	Realized float64 `json:"realized,omitempty"`
}

// Bounds on the in-memory histories.
const (
	recentActionsCap = 64
	tradeEventsCap   = 500
	closedTradesCap  = 1000
	equityCurveCap   = 10_000
)
