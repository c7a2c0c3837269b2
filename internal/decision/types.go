// Package decision builds per-cycle market contexts for traders, ranks
// candidate symbols, gates on data readiness, and produces the final
// decision via the LLM or a deterministic fallback.
package decision

import (
	"time"

	"github.com/paperarena/arena/internal/market"
	"github.com/paperarena/arena/internal/registry"
)

// Action is what a decision tells the book to do.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionShort Action = "SHORT"
	ActionHold  Action = "HOLD"
)

// Decision sources.
const (
	SourceLLM           = "llm"
	SourceFallback      = "fallback"
	SourceReadinessGate = "readiness_gate"
)

// LLMMeta carries the prompt material of an LLM-backed decision.
// Synthesized records leave these empty; consumers treat them as
// optional.
type LLMMeta struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
	InputPrompt  string `json:"input_prompt,omitempty"`
	CoTTrace     string `json:"cot_trace,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Leg is one per-symbol detail of a decision.
type Leg struct {
	Symbol     string  `json:"symbol"`
	Action     Action  `json:"action"`
	Quantity   int64   `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Record is one immutable decision. It is appended to the daily JSONL
// log and mirrored into the in-memory ring.
type Record struct {
	Timestamp      string   `json:"timestamp"`
	CycleNumber    int64    `json:"cycle_number"`
	Symbol         string   `json:"symbol"`
	Action         Action   `json:"action"`
	Quantity       int64    `json:"quantity"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
	DecisionSource string   `json:"decision_source"`
	Executed       bool     `json:"executed"`
	LLMMeta        *LLMMeta `json:"llm_meta,omitempty"`
	Decisions      []Leg    `json:"decisions,omitempty"`
	ExecutionLog   []string `json:"execution_log,omitempty"`
	SavedTSMs      int64    `json:"saved_ts_ms"`
}

// Hold semantics recorded in the audit trail.
const (
	HoldNoPositionNoOrder = "no_position_no_order"
	HoldKeepExisting      = "keep_existing_position"
)

// AuditRecord snapshots the gates around one decision for the audit
// log, parallel to the decision Record.
type AuditRecord struct {
	Timestamp              string          `json:"timestamp"`
	CycleNumber            int64           `json:"cycle_number"`
	TraderID               string          `json:"trader_id"`
	Symbol                 string          `json:"symbol"`
	Action                 Action          `json:"action"`
	Readiness              Readiness       `json:"readiness"`
	SessionOpen            bool            `json:"session_open"`
	LiveFresh              bool            `json:"live_fresh"`
	NewsBurstActive        bool            `json:"news_burst_active"`
	Breadth                *market.Breadth `json:"breadth,omitempty"`
	ForcedHold             bool            `json:"forced_hold"`
	OrderExecuted          bool            `json:"order_executed"`
	PositionSharesOnSymbol int64           `json:"position_shares_on_symbol"`
	HoldSemantics          string          `json:"hold_semantics,omitempty"`
	SavedTSMs              int64           `json:"saved_ts_ms"`
}

// ReadinessLevel grades the data quality behind a decision.
type ReadinessLevel string

const (
	ReadinessOK    ReadinessLevel = "OK"
	ReadinessWarn  ReadinessLevel = "WARN"
	ReadinessError ReadinessLevel = "ERROR"
)

// Readiness is the gate result for one selected symbol.
type Readiness struct {
	Level               ReadinessLevel `json:"level"`
	IntradayFrames      int            `json:"intraday_frames"`
	DailyFrames         int            `json:"daily_frames"`
	LatestIntradayAgeMs int64          `json:"latest_intraday_age_ms"`
	OpeningPhase        bool           `json:"opening_phase,omitempty"`
	Detail              string         `json:"detail,omitempty"`
}

// Features are the per-candidate indicator values fed into ranking and
// the prompt.
type Features struct {
	Symbol         string  `json:"symbol"`
	Ret5           float64 `json:"ret_5"`
	Ret20          float64 `json:"ret_20"`
	ATR14          float64 `json:"atr_14"`
	VolRatio20     float64 `json:"vol_ratio_20"`
	RSI14          float64 `json:"rsi_14"`
	SMA20          float64 `json:"sma_20"`
	SMA60          float64 `json:"sma_60"`
	Range20dPct    float64 `json:"range_20d_pct"`
	Trend          string  `json:"trend"`
	PositionShares int64   `json:"position_shares"`
	LastClose      float64 `json:"last_close"`
	Score          float64 `json:"score"`
}

// AccountBrief is the slice of account state the builder and guardrails
// need. The runtime copies it out of the memory store.
type AccountBrief struct {
	TotalEquity      float64 `json:"total_equity"`
	AvailableBalance float64 `json:"available_balance"`
	PositionCount    int     `json:"position_count"`
	DailyPnL         float64 `json:"daily_pnl"`
}

// PortfolioLimits bound what the LLM output may do to the book.
type PortfolioLimits struct {
	MaxPositionCount          int     `json:"max_position_count"`
	MaxSymbolConcentrationPct float64 `json:"max_symbol_concentration_pct"`
	MinCashReservePct         float64 `json:"min_cash_reserve_pct"`
	TurnoverThrottlePct       float64 `json:"turnover_throttle_pct"`
}

// Context is everything one decision cycle needs: the selected symbol,
// its candidates and features, account state, limits, and the gate
// snapshots. When readiness is ERROR, Synthetic holds the forced HOLD
// and the LLM must not be called.
type Context struct {
	Trader      registry.Trader  `json:"trader"`
	CycleNumber int64            `json:"cycle_number"`
	Now         time.Time        `json:"-"`
	Symbol      string           `json:"symbol"`
	Selected    Features         `json:"selected"`
	Candidates  []Features       `json:"candidates"`
	Account     AccountBrief     `json:"account"`
	Positions   map[string]int64 `json:"positions"`
	Limits      PortfolioLimits  `json:"limits"`
	Readiness   Readiness        `json:"readiness"`
	SessionOpen bool             `json:"session_open"`
	LiveFresh   bool             `json:"live_fresh"`
	DataMode    string           `json:"data_mode"`
	Synthetic   *Record          `json:"synthetic,omitempty"`
}

// Proposal is the raw decision parsed from the LLM before guardrails.
type Proposal struct {
	Action     Action  `json:"action"`
	Symbol     string  `json:"symbol"`
	Quantity   int64   `json:"quantity"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ClampReasoning bounds reasoning text to the record limit.
func ClampReasoning(s string) string {
	const maxLen = 200
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
