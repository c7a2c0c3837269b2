package memory

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/paperarena/arena/internal/decision"
)

// ApplyInput carries everything one book application needs.
type ApplyInput struct {
	TraderID string
	Record   *decision.Record
	// Price is the execution price for the decision's symbol.
	Price float64
	// Marks refreshes mark prices for any held symbol.
	Marks map[string]float64
	// DayKey is the market-local trading day; a change finalizes the
	// previous day's journal entry.
	DayKey string
	// TPlusOne blocks selling lots opened today (CN-A rule).
	TPlusOne       bool
	CommissionRate float64
	LotSize        int64
	Now            time.Time
}

// ApplyDecision applies one decision to the trader's book and records
// the snapshot: recent-actions ring, trade events, closed trades,
// equity curve and daily journal, then persists. The record's Executed
// flag and ExecutionLog are updated in place.
func (s *Store) ApplyDecision(in ApplyInput) (ExecResult, error) {
	lock, snap := s.traderLock(in.TraderID)
	lock.Lock()
	defer lock.Unlock()

	s.rollDayLocked(snap, in.DayKey)
	s.applyMarksLocked(snap, in.Marks)

	result := s.executeLocked(snap, in)
	in.Record.Executed = result.Executed
	if result.Reason != "" {
		in.Record.ExecutionLog = append(in.Record.ExecutionLog, result.Reason)
	}

	s.recomputeAccountLocked(snap)

	snap.RecentActions = append(snap.RecentActions, *in.Record)
	if len(snap.RecentActions) > recentActionsCap {
		snap.RecentActions = snap.RecentActions[len(snap.RecentActions)-recentActionsCap:]
	}
	snap.EquityCurve = append(snap.EquityCurve, EquityPoint{
		TSMs:        in.Now.UnixMilli(),
		TotalEquity: snap.Account.TotalEquity,
		DayKey:      in.DayKey,
	})
	if len(snap.EquityCurve) > equityCurveCap {
		snap.EquityCurve = snap.EquityCurve[len(snap.EquityCurve)-equityCurveCap:]
	}

	if err := s.saveLocked(snap); err != nil {
		return result, err
	}
	return result, nil
}

// rollDayLocked finalizes the journal when the trading day changed.
func (s *Store) rollDayLocked(snap *Snapshot, dayKey string) {
	if dayKey == "" || snap.DayKey == dayKey {
		return
	}
	if snap.DayKey != "" {
		snap.Journal = append(snap.Journal, JournalEntry{
			DayKey:      snap.DayKey,
			OpenEquity:  round2(snap.DayOpenEquity),
			CloseEquity: round2(snap.Account.TotalEquity),
			DailyPnL:    round2(snap.Account.TotalEquity - snap.DayOpenEquity),
			Trades:      snap.DayTrades,
		})
	}
	snap.DayKey = dayKey
	snap.DayOpenEquity = snap.Account.TotalEquity
	snap.DayTrades = 0
}

func (s *Store) applyMarksLocked(snap *Snapshot, marks map[string]float64) {
	for sym, price := range marks {
		if h, ok := snap.Holdings[sym]; ok && price > 0 {
			h.MarkPrice = price
		}
	}
}

func (s *Store) executeLocked(snap *Snapshot, in ApplyInput) ExecResult {
	rec := in.Record
	switch rec.Action {
	case decision.ActionBuy:
		return s.buyLocked(snap, in)
	case decision.ActionSell:
		return s.sellLocked(snap, in)
	case decision.ActionShort:
		return ExecResult{Executed: false, Reason: "short_not_supported"}
	default:
		return ExecResult{Executed: false}
	}
}

func (s *Store) buyLocked(snap *Snapshot, in ApplyInput) ExecResult {
	rec := in.Record
	if in.Price <= 0 {
		return ExecResult{Executed: false, Reason: "no_price"}
	}
	qty := rec.Quantity
	if in.LotSize > 1 {
		qty = qty / in.LotSize * in.LotSize
	}
	if qty <= 0 {
		return ExecResult{Executed: false, Reason: "quantity_below_lot_size"}
	}

	notional := float64(qty) * in.Price
	fee := maxf(0, notional*in.CommissionRate)
	if notional+fee > snap.Account.AvailableBalance {
		return ExecResult{Executed: false, Reason: "insufficient_cash"}
	}

	snap.Account.AvailableBalance = round2(snap.Account.AvailableBalance - notional - fee)

	h := snap.Holdings[rec.Symbol]
	if h == nil {
		h = &Holding{Symbol: rec.Symbol}
		snap.Holdings[rec.Symbol] = h
	}
	costBefore := h.AvgCost * float64(h.Shares)
	h.Shares += qty
	h.AvgCost = round4((costBefore + notional + fee) / float64(h.Shares))
	h.MarkPrice = in.Price
	h.Lots = append(h.Lots, Lot{
		EntryOrderID:      uuid.NewString(),
		EntryTime:         in.Now.UTC().Format(time.RFC3339),
		EntryTSMs:         in.Now.UnixMilli(),
		EntryDayKey:       in.DayKey,
		EntryPrice:        in.Price,
		EntryQty:          qty,
		EntryFeeRemaining: fee,
	})

	s.appendTradeEventLocked(snap, in, "BUY", qty, fee)
	return ExecResult{Executed: true, Fee: fee}
}

func (s *Store) sellLocked(snap *Snapshot, in ApplyInput) ExecResult {
	rec := in.Record
	h := snap.Holdings[rec.Symbol]
	if h == nil || h.Shares <= 0 {
		return ExecResult{Executed: false, Reason: "no_position"}
	}
	if in.Price <= 0 {
		return ExecResult{Executed: false, Reason: "no_price"}
	}

	sellable := h.Shares
	if in.TPlusOne {
		sellable = 0
		for _, lot := range h.Lots {
			if lot.EntryDayKey != in.DayKey {
				sellable += lot.EntryQty
			}
		}
		if sellable == 0 {
			return ExecResult{Executed: false, Reason: "t_plus_one_block"}
		}
	}

	qty := rec.Quantity
	if qty > sellable {
		qty = sellable
	}
	if in.LotSize > 1 && qty < h.Shares {
		qty = qty / in.LotSize * in.LotSize
	}
	if qty <= 0 {
		return ExecResult{Executed: false, Reason: "quantity_below_lot_size"}
	}

	notional := float64(qty) * in.Price
	exitFee := maxf(0, notional*in.CommissionRate)
	realized := 0.0
	remaining := qty

	lots := h.Lots[:0]
	for _, lot := range h.Lots {
		if remaining == 0 {
			lots = append(lots, lot)
			continue
		}
		if in.TPlusOne && lot.EntryDayKey == in.DayKey {
			lots = append(lots, lot)
			continue
		}
		take := lot.EntryQty
		if take > remaining {
			take = remaining
		}
		frac := float64(take) / float64(lot.EntryQty)
		entryFeeShare := lot.EntryFeeRemaining * frac
		exitFeeShare := exitFee * float64(take) / float64(qty)
		pnl := (in.Price-lot.EntryPrice)*float64(take) - entryFeeShare - exitFeeShare
		realized += pnl

		snap.ClosedTrades = append(snap.ClosedTrades, ClosedTrade{
			Symbol:      rec.Symbol,
			Side:        "long",
			EntryTime:   lot.EntryTime,
			ExitTime:    in.Now.UTC().Format(time.RFC3339),
			Quantity:    take,
			EntryPrice:  lot.EntryPrice,
			ExitPrice:   in.Price,
			RealizedPnL: round2(pnl),
			Fee:         round2(entryFeeShare + exitFeeShare),
		})

		lot.EntryQty -= take
		lot.EntryFeeRemaining -= entryFeeShare
		remaining -= take
		if lot.EntryQty > 0 {
			lots = append(lots, lot)
		}
	}
	h.Lots = lots
	if len(snap.ClosedTrades) > closedTradesCap {
		snap.ClosedTrades = snap.ClosedTrades[len(snap.ClosedTrades)-closedTradesCap:]
	}

	h.Shares -= qty
	h.MarkPrice = in.Price
	if h.Shares == 0 {
		h.AvgCost = 0
	}
	snap.Account.AvailableBalance = round2(snap.Account.AvailableBalance + notional - exitFee)

	s.appendTradeEventLocked(snap, in, "SELL", qty, exitFee)
	return ExecResult{Executed: true, Fee: exitFee, Realized: round2(realized)}
}

func (s *Store) appendTradeEventLocked(snap *Snapshot, in ApplyInput, side string, qty int64, fee float64) {
	snap.DayTrades++
	h := snap.Holdings[in.Record.Symbol]
	s.recomputeAccountLocked(snap)
	ev := TradeEvent{
		TSMs:      in.Now.UnixMilli(),
		Symbol:    in.Record.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     in.Price,
		Fee:       round2(fee),
		CashAfter: snap.Account.AvailableBalance,
	}
	ev.TotalEquityAfter = snap.Account.TotalEquity
	if h != nil {
		ev.PositionAfterQty = h.Shares
		ev.PositionAfterAvgCost = h.AvgCost
		ev.PositionAfterMark = h.MarkPrice
	}
	snap.TradeEvents = append(snap.TradeEvents, ev)
	if len(snap.TradeEvents) > tradeEventsCap {
		snap.TradeEvents = snap.TradeEvents[len(snap.TradeEvents)-tradeEventsCap:]
	}
}

// recomputeAccountLocked re-derives every account aggregate from the
// holdings and cash so the equity invariant always holds.
func (s *Store) recomputeAccountLocked(snap *Snapshot) {
	positions := 0
	marketValue := 0.0
	unrealized := 0.0
	for sym, h := range snap.Holdings {
		if h.Shares <= 0 {
			delete(snap.Holdings, sym)
			continue
		}
		positions++
		marketValue += float64(h.Shares) * h.MarkPrice
		unrealized += float64(h.Shares) * (h.MarkPrice - h.AvgCost)
	}
	snap.Account.PositionCount = positions
	snap.Account.UnrealizedProfit = round2(unrealized)
	snap.Account.TotalEquity = round2(snap.Account.AvailableBalance + marketValue)
	snap.Account.TotalPnL = round2(snap.Account.TotalEquity - snap.Account.InitialBalance)
	if snap.Account.InitialBalance > 0 {
		snap.Account.TotalPnLPct = round4(snap.Account.TotalPnL / snap.Account.InitialBalance * 100)
	}
	snap.Account.DailyPnL = round2(snap.Account.TotalEquity - snap.DayOpenEquity)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func round4(x float64) float64 {
	return math.Round(x*10_000) / 10_000
}

// String implements a compact description for logs.
func (r ExecResult) String() string {
	if r.Executed {
		return fmt.Sprintf("executed fee=%.2f realized=%.2f", r.Fee, r.Realized)
	}
	if r.Reason == "" {
		return "not_executed"
	}
	return "not_executed:" + r.Reason
}
