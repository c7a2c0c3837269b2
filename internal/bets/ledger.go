package bets

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/config"
	"github.com/paperarena/arena/internal/market"
	"github.com/paperarena/arena/internal/metrics"
	"github.com/paperarena/arena/internal/registry"
)

const ledgerSchemaVersion = "bets.ledger.v2"

// Settlement states of one day.
const (
	SettlementPending = "pending"
	SettlementSettled = "settled"
)

// ReturnsSource reports a trader's current daily return percentage.
type ReturnsSource interface {
	DailyReturnPct(traderID string) float64
}

// SettlementHook observes completed settlements (the NATS mirror).
type SettlementHook func(m market.Market, dayKey string, settlement map[string]SettledBet)

// Pool is one trader's stake pool for a day. Amounts are whole credit
// units carried as decimals so transfers never lose precision.
type Pool struct {
	Amount  decimal.Decimal `json:"amount"`
	Tickets int             `json:"tickets"`
}

// UserBet is one session's active bet.
type UserBet struct {
	TraderID    string `json:"trader_id"`
	StakeAmount int64  `json:"stake_amount"`
	PlacedTSMs  int64  `json:"placed_ts_ms"`
}

// SettledBet is one session's settlement outcome.
type SettledBet struct {
	TraderID string  `json:"trader_id"`
	Stake    int64   `json:"stake_amount"`
	Odds     float64 `json:"settled_odds"`
	Won      bool    `json:"won"`
	Payout   int64   `json:"payout"`
}

// DayState is one market's betting book for one trading day.
type DayState struct {
	StateID          string                `json:"state_id"`
	Market           market.Market         `json:"market"`
	DayKey           string                `json:"day_key"`
	Pools            map[string]*Pool      `json:"pools"`
	UserBets         map[string]*UserBet   `json:"user_bets"`
	FreezeReturns    map[string]float64    `json:"freeze_returns_by_trader,omitempty"`
	FreezeTSMs       int64                 `json:"freeze_ts_ms,omitempty"`
	SettlementStatus string                `json:"settlement_status"`
	Settlement       map[string]SettledBet `json:"settlement,omitempty"`
}

// CreditRecord is one viewer's running score.
type CreditRecord struct {
	UserNickname  string `json:"user_nickname,omitempty"`
	CreditPoints  int64  `json:"credit_points"`
	SettledBets   int    `json:"settled_bets"`
	WinCount      int    `json:"win_count"`
	LastAwardTSMs int64  `json:"last_award_ts_ms,omitempty"`
	UpdatedTSMs   int64  `json:"updated_ts_ms"`
}

type ledgerDoc struct {
	SchemaVersion    string                   `json:"schema_version"`
	Days             map[string]*DayState     `json:"days"`
	CreditsBySession map[string]*CreditRecord `json:"credits_by_session"`
}

// MarketView is the odds-table response for one market day.
type MarketView struct {
	Market           string      `json:"market"`
	DayKey           string      `json:"day_key"`
	Entries          []Entry     `json:"entries"`
	TotalStake       int64       `json:"total_stake"`
	OddsUpdateActive bool        `json:"odds_update_active"`
	FreezeTSMs       int64       `json:"freeze_ts_ms,omitempty"`
	SettlementStatus string      `json:"settlement_status"`
	UserBet          *UserBet    `json:"user_bet,omitempty"`
	UserSettlement   *SettledBet `json:"user_settlement,omitempty"`
}

// Ledger is the whole betting book: one JSON document, one lock,
// tmp+rename persistence as the last step of every mutation.
type Ledger struct {
	mu        sync.Mutex
	path      string
	doc       ledgerDoc
	registry  *registry.Registry
	returns   ReturnsSource
	calendars map[market.Market]*market.Calendar
	onSettle  SettlementHook
	cfg       config.BetsConfig
	clk       clock.Clock
	log       zerolog.Logger
}

// NewLedger loads or initializes the ledger document at path.
func NewLedger(path string, reg *registry.Registry, returns ReturnsSource, cfg config.BetsConfig, clk clock.Clock, log zerolog.Logger) *Ledger {
	l := &Ledger{
		path:      path,
		registry:  reg,
		returns:   returns,
		calendars: map[market.Market]*market.Calendar{},
		cfg:       cfg,
		clk:       clk,
		log:       log.With().Str("component", "bets_ledger").Logger(),
	}
	for _, m := range market.Markets() {
		l.calendars[m] = market.NewCalendar(m)
	}
	l.doc = ledgerDoc{
		SchemaVersion:    ledgerSchemaVersion,
		Days:             map[string]*DayState{},
		CreditsBySession: map[string]*CreditRecord{},
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		var doc ledgerDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			l.log.Warn().Err(err).Msg("Ledger file unreadable, starting fresh")
		} else {
			if doc.Days == nil {
				doc.Days = map[string]*DayState{}
			}
			if doc.CreditsBySession == nil {
				doc.CreditsBySession = map[string]*CreditRecord{}
			}
			doc.SchemaVersion = ledgerSchemaVersion
			l.doc = doc
		}
	}
	return l
}

// OnSettlement registers the settlement observer.
func (l *Ledger) OnSettlement(fn SettlementHook) {
	l.mu.Lock()
	l.onSettle = fn
	l.mu.Unlock()
}

func stateID(m market.Market, dayKey string) string {
	return fmt.Sprintf("%s::%s", m, dayKey)
}

// dayLocked returns today's state for the market, creating it on first
// touch and applying the freeze rule.
func (l *Ledger) dayLocked(m market.Market, now time.Time) *DayState {
	dayKey := l.calendars[m].DayKey(now)
	id := stateID(m, dayKey)
	ds, ok := l.doc.Days[id]
	if !ok {
		ds = &DayState{
			StateID:          id,
			Market:           m,
			DayKey:           dayKey,
			Pools:            map[string]*Pool{},
			UserBets:         map[string]*UserBet{},
			SettlementStatus: SettlementPending,
		}
		l.doc.Days[id] = ds
	}
	// A freeze must hit disk the moment it is taken, whichever path
	// crossed the cutoff first, or a restart would re-freeze at live
	// returns.
	if l.maybeFreezeLocked(ds, now) {
		if err := l.saveLocked(); err != nil {
			l.log.Warn().Err(err).Str("state_id", ds.StateID).Msg("Ledger freeze persist failed")
		}
	}
	return ds
}

// maybeFreezeLocked snapshots live returns once the cutoff passes,
// reporting whether this call took the freeze.
func (l *Ledger) maybeFreezeLocked(ds *DayState, now time.Time) bool {
	if ds.FreezeTSMs != 0 {
		return false
	}
	cutoff := l.calendars[ds.Market].CutoffTime(now)
	if now.Before(cutoff) {
		return false
	}
	ds.FreezeReturns = map[string]float64{}
	for _, t := range l.marketTraders(ds.Market) {
		ds.FreezeReturns[t.TraderID] = l.returns.DailyReturnPct(t.TraderID)
	}
	ds.FreezeTSMs = now.UnixMilli()
	l.log.Info().Str("state_id", ds.StateID).Msg("Betting odds frozen at cutoff")
	return true
}

func (l *Ledger) marketTraders(m market.Market) []registry.Trader {
	var out []registry.Trader
	for _, t := range l.registry.Registered() {
		if market.MarketForExchange(t.ExchangeID) == m {
			out = append(out, t)
		}
	}
	return out
}

// Market builds the odds table for a market, frozen after cutoff.
func (l *Ledger) Market(m market.Market, traderID, session string) MarketView {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	ds := l.dayLocked(m, now)

	// Odds are always priced over the full lobby; a trader_id query
	// only subsets the response afterwards.
	var entries []Entry
	var totalStake int64
	for _, t := range l.marketTraders(m) {
		ret := l.returns.DailyReturnPct(t.TraderID)
		if ds.FreezeTSMs != 0 {
			if frozen, ok := ds.FreezeReturns[t.TraderID]; ok {
				ret = frozen
			}
		}
		e := Entry{TraderID: t.TraderID, TraderName: t.TraderName, DailyReturnPct: ret}
		if p, ok := ds.Pools[t.TraderID]; ok {
			e.PoolAmount = p.Amount.IntPart()
			e.PoolTickets = p.Tickets
		}
		totalStake += e.PoolAmount
		entries = append(entries, e)
	}
	entries = computeOdds(entries, l.cfg.HouseEdge)
	if traderID != "" {
		filtered := make([]Entry, 0, 1)
		for _, e := range entries {
			if e.TraderID == traderID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	view := MarketView{
		Market:           string(m),
		DayKey:           ds.DayKey,
		Entries:          entries,
		TotalStake:       totalStake,
		OddsUpdateActive: ds.FreezeTSMs == 0,
		FreezeTSMs:       ds.FreezeTSMs,
		SettlementStatus: ds.SettlementStatus,
	}
	if session != "" {
		if bet, ok := ds.UserBets[session]; ok {
			b := *bet
			view.UserBet = &b
		}
		if s, ok := ds.Settlement[session]; ok {
			view.UserSettlement = &s
		}
	}
	return view
}

// Place records or switches one session's bet for today. A switch
// debits the previous pool and credits the new one in the same save.
func (l *Ledger) Place(m market.Market, session, nickname, traderID string, stake int64) (*UserBet, error) {
	if session == "" {
		return nil, apierr.BadRequest("invalid_user_session_id", "user_session_id is required")
	}
	trader, err := l.registry.Get(traderID)
	if err != nil || market.MarketForExchange(trader.ExchangeID) != m || !l.registry.IsRegistered(traderID) {
		return nil, apierr.Conflict("trader_not_available_for_bet", fmt.Sprintf("trader %s not available for betting in %s", traderID, m))
	}
	if stake < l.stakeMin() {
		stake = l.stakeMin()
	}
	if stake > l.stakeMax() {
		stake = l.stakeMax()
	}

	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	ds := l.dayLocked(m, now)
	if ds.FreezeTSMs != 0 || ds.SettlementStatus == SettlementSettled {
		return nil, apierr.Conflict("betting_closed_before_market_close_30m", "betting closes 30 minutes before market close")
	}

	if prev, ok := ds.UserBets[session]; ok {
		if p, exists := ds.Pools[prev.TraderID]; exists {
			p.Amount = p.Amount.Sub(decimal.NewFromInt(prev.StakeAmount))
			p.Tickets--
		}
	}
	pool, ok := ds.Pools[traderID]
	if !ok {
		pool = &Pool{Amount: decimal.Zero}
		ds.Pools[traderID] = pool
	}
	pool.Amount = pool.Amount.Add(decimal.NewFromInt(stake))
	pool.Tickets++

	bet := &UserBet{TraderID: traderID, StakeAmount: stake, PlacedTSMs: now.UnixMilli()}
	ds.UserBets[session] = bet

	if nickname != "" {
		cr := l.creditLocked(session)
		cr.UserNickname = nickname
		cr.UpdatedTSMs = now.UnixMilli()
	}

	if err := l.saveLocked(); err != nil {
		return nil, fmt.Errorf("persist ledger: %w", err)
	}
	metrics.BetsPlacedTotal.WithLabelValues(string(m)).Inc()
	out := *bet
	return &out, nil
}

func (l *Ledger) stakeMin() int64 {
	if l.cfg.StakeMin > 0 {
		return l.cfg.StakeMin
	}
	return 1
}

func (l *Ledger) stakeMax() int64 {
	if l.cfg.StakeMax > 0 {
		return l.cfg.StakeMax
	}
	return 100_000
}

func (l *Ledger) creditLocked(session string) *CreditRecord {
	cr, ok := l.doc.CreditsBySession[session]
	if !ok {
		cr = &CreditRecord{}
		l.doc.CreditsBySession[session] = cr
	}
	return cr
}

// Credits returns one session's credit record.
func (l *Ledger) Credits(session string) CreditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cr, ok := l.doc.CreditsBySession[session]; ok {
		return *cr
	}
	return CreditRecord{}
}

// Settle closes today's book for the market. Winners are the traders
// holding the maximum live daily return; each winning bet pays
// max(1, round(stake × odds)). A settled day is a no-op.
func (l *Ledger) Settle(m market.Market) error {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	ds := l.dayLocked(m, now)
	if ds.SettlementStatus == SettlementSettled {
		return nil
	}

	var entries []Entry
	for _, t := range l.marketTraders(m) {
		e := Entry{TraderID: t.TraderID, DailyReturnPct: l.returns.DailyReturnPct(t.TraderID)}
		if p, ok := ds.Pools[t.TraderID]; ok {
			e.PoolAmount = p.Amount.IntPart()
			e.PoolTickets = p.Tickets
		}
		entries = append(entries, e)
	}
	entries = computeOdds(entries, l.cfg.HouseEdge)

	winners := map[string]float64{}
	if len(entries) > 0 {
		best := entries[0].DailyReturnPct
		for _, e := range entries {
			if e.DailyReturnPct == best {
				winners[e.TraderID] = e.Odds
			}
		}
	}

	ds.Settlement = map[string]SettledBet{}
	for session, bet := range ds.UserBets {
		cr := l.creditLocked(session)
		cr.SettledBets++
		cr.UpdatedTSMs = now.UnixMilli()

		sb := SettledBet{TraderID: bet.TraderID, Stake: bet.StakeAmount}
		if odds, won := winners[bet.TraderID]; won {
			payout := int64(math.Round(float64(bet.StakeAmount) * odds))
			if payout < 1 {
				payout = 1
			}
			sb.Odds = odds
			sb.Won = true
			sb.Payout = payout
			cr.CreditPoints += payout
			cr.WinCount++
			cr.LastAwardTSMs = now.UnixMilli()
		}
		ds.Settlement[session] = sb
	}
	ds.SettlementStatus = SettlementSettled

	if err := l.saveLocked(); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	metrics.SettlementsTotal.WithLabelValues(string(m)).Inc()
	l.log.Info().Str("state_id", ds.StateID).Int("bets", len(ds.UserBets)).Msg("Betting day settled")

	if l.onSettle != nil {
		settlement := make(map[string]SettledBet, len(ds.Settlement))
		for k, v := range ds.Settlement {
			settlement[k] = v
		}
		go l.onSettle(m, ds.DayKey, settlement)
	}
	return nil
}

// Run drives the freeze and settlement clock until ctx is done.
func (l *Ledger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clk.After(time.Minute):
			l.sweep()
		}
	}
}

// sweep freezes books past cutoff and settles books past close.
func (l *Ledger) sweep() {
	now := l.clk.Now()
	for m, cal := range l.calendars {
		if !cal.IsTradingDay(now) {
			continue
		}
		l.mu.Lock()
		ds := l.dayLocked(m, now)
		settled := ds.SettlementStatus == SettlementSettled
		hasBets := len(ds.UserBets) > 0
		l.mu.Unlock()

		if !settled && hasBets && now.After(cal.CloseTime(now)) {
			if err := l.Settle(m); err != nil {
				l.log.Error().Err(err).Str("market", string(m)).Msg("Settlement failed")
			}
		}
	}
}

func (l *Ledger) saveLocked() error {
	raw, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir ledger dir: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}
