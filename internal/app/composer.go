package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/market"
	"github.com/paperarena/arena/internal/memory"
	"github.com/paperarena/arena/internal/registry"
	"github.com/paperarena/arena/internal/rooms"
)

const chatPreviewLen = 30

// TimeContext stamps the packet with the room's market clock.
type TimeContext struct {
	NowTSMs      int64  `json:"now_ts_ms"`
	Market       string `json:"market"`
	DayKey       string `json:"day_key"`
	SessionPhase string `json:"session_phase"`
	SessionOpen  bool   `json:"session_open"`
}

// RoomContext is the market-side half of a stream packet.
type RoomContext struct {
	MarketOverviewBrief string              `json:"market_overview_brief,omitempty"`
	Breadth             *market.Breadth     `json:"breadth,omitempty"`
	NewsTitles          []string            `json:"news_titles,omitempty"`
	NewsCategories      []string            `json:"news_categories,omitempty"`
	CasualTopics        []string            `json:"casual_topics,omitempty"`
	NewsBurst           *market.NewsBurst   `json:"news_burst,omitempty"`
	SymbolBrief         *decision.Features  `json:"symbol_brief,omitempty"`
	SymbolHistory       string              `json:"symbol_history_summary,omitempty"`
	Readiness           *decision.Readiness `json:"data_readiness,omitempty"`
	Time                TimeContext         `json:"time_context"`
}

// StreamPacket is the composite room snapshot broadcast on the SSE
// stream and served by the stream-packet endpoint.
type StreamPacket struct {
	Trader             registry.Trader        `json:"trader"`
	Room               RoomContext            `json:"room_context"`
	Account            memory.Account         `json:"account"`
	Positions          []memory.Holding       `json:"positions"`
	DecisionsLatest    []decision.Record      `json:"decisions_latest"`
	DecisionLatest     *decision.Record       `json:"decision_latest,omitempty"`
	PublicChatPreview  []chatPreviewEntry     `json:"public_chat_preview"`
	DecisionAudit      *decision.AuditRecord  `json:"decision_audit_preview,omitempty"`
	ProviderStatus     map[string]any         `json:"provider_status"`
	GeneratedTSMs      int64                  `json:"generated_ts_ms"`
}

type chatPreviewEntry struct {
	SenderType  string `json:"sender_type"`
	SenderName  string `json:"sender_name"`
	Text        string `json:"text"`
	CreatedTSMs int64  `json:"created_ts_ms"`
	Kind        string `json:"agent_message_kind,omitempty"`
}

// TrimTo bounds the decision list for a joiner with a smaller limit.
func (p *StreamPacket) TrimTo(decisionLimit int) rooms.Packet {
	if decisionLimit <= 0 || len(p.DecisionsLatest) <= decisionLimit {
		return p
	}
	out := *p
	out.DecisionsLatest = p.DecisionsLatest[:decisionLimit]
	return &out
}

// BuildPacket composes one room's stream packet. It is the rooms bus's
// PacketBuilder.
func (rt *Runtime) BuildPacket(ctx context.Context, roomID string, decisionLimit int) (rooms.Packet, error) {
	trader, err := rt.Registry.Get(roomID)
	if err != nil {
		return nil, err
	}
	if decisionLimit <= 0 {
		decisionLimit = 20
	}
	now := rt.Clock.Now()
	mkt := market.MarketForExchange(trader.ExchangeID)
	cal := rt.Builder.Calendar(mkt)

	pkt := &StreamPacket{
		Trader:        trader,
		Account:       rt.Books.AccountOf(trader.TraderID),
		Positions:     rt.Books.PositionsOf(trader.TraderID),
		GeneratedTSMs: now.UnixMilli(),
	}

	pkt.DecisionsLatest = rt.LatestDecisions(trader.TraderID, decisionLimit)
	if len(pkt.DecisionsLatest) > 0 {
		latest := pkt.DecisionsLatest[0]
		pkt.DecisionLatest = &latest
	}

	pkt.Room = rt.roomContext(ctx, trader, pkt.DecisionLatest)
	pkt.Room.Time = TimeContext{
		NowTSMs:      now.UnixMilli(),
		Market:       string(mkt),
		DayKey:       cal.DayKey(now),
		SessionPhase: string(cal.Phase(now)),
		SessionOpen:  cal.IsOpen(now),
	}

	for _, m := range rt.Chat.Store().ListPublic(trader.TraderID, chatPreviewLen, 0) {
		pkt.PublicChatPreview = append(pkt.PublicChatPreview, chatPreviewEntry{
			SenderType:  m.SenderType,
			SenderName:  m.SenderName,
			Text:        m.Text,
			CreatedTSMs: m.CreatedTSMs,
			Kind:        m.AgentMessageKind,
		})
	}

	// The audit preview only rides along when it demonstrably belongs
	// to the latest decision.
	if pkt.DecisionLatest != nil {
		if audits := rt.AuditStore.ListLatest(trader.TraderID, 1); len(audits) > 0 {
			aud := audits[0]
			if aud.Timestamp == pkt.DecisionLatest.Timestamp || aud.CycleNumber == pkt.DecisionLatest.CycleNumber {
				pkt.DecisionAudit = &aud
			}
		}
	}

	pkt.ProviderStatus = map[string]any{
		"data_mode":   rt.Adapter.Mode(),
		"strict_live": rt.Adapter.StrictLive(),
		"live_files":  rt.Adapter.ProviderStatus(),
	}
	return pkt, nil
}

// LatestDecisions merges the in-memory ring with the persisted log,
// de-duplicated by (timestamp, cycle, payload), newest first.
func (rt *Runtime) LatestDecisions(traderID string, limit int) []decision.Record {
	ring := rt.Scheduler.DecisionRing(traderID, limit)
	seen := map[string]struct{}{}
	out := make([]decision.Record, 0, limit)
	for _, rec := range ring {
		seen[decisionKey(rec)] = struct{}{}
		out = append(out, rec)
	}
	if len(out) < limit {
		for _, rec := range rt.DecisionLog.ListLatest(traderID, limit) {
			if _, dup := seen[decisionKey(rec)]; dup {
				continue
			}
			seen[decisionKey(rec)] = struct{}{}
			out = append(out, rec)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// decisionKey identifies a record by timestamp, cycle and full payload
// so two distinct records sharing a timestamp never collapse.
func decisionKey(rec decision.Record) string {
	payload, _ := json.Marshal(rec)
	return fmt.Sprintf("%s|%d|%s", rec.Timestamp, rec.CycleNumber, payload)
}

// roomContext assembles the market side of the packet: overview, news,
// the selected symbol's brief and history, and the data readiness the
// latest audit recorded.
func (rt *Runtime) roomContext(ctx context.Context, trader registry.Trader, latest *decision.Record) RoomContext {
	var rc RoomContext
	if overview, ok := rt.Overview.Current(); ok {
		rc.MarketOverviewBrief = overview.Brief
		rc.Breadth = overview.Breadth
	}
	if digest, ok := rt.News.Current(); ok {
		rc.NewsTitles = digest.Titles
		rc.NewsCategories = digest.Categories
		rc.CasualTopics = digest.CasualTopics
		rc.NewsBurst = digest.Burst
	}
	if latest != nil && latest.Symbol != "" {
		rc.SymbolBrief = rt.symbolBrief(ctx, latest.Symbol, trader.TraderID)
		rc.SymbolHistory = rt.symbolHistory(trader.TraderID, latest.Symbol)
	}
	if audits := rt.AuditStore.ListLatest(trader.TraderID, 1); len(audits) > 0 {
		r := audits[0].Readiness
		rc.Readiness = &r
	}
	return rc
}

func (rt *Runtime) symbolBrief(ctx context.Context, symbol, traderID string) *decision.Features {
	fetchCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	intraday, err := rt.Adapter.GetFrames(fetchCtx, symbol, "1m", 120)
	if err != nil {
		return nil
	}
	daily, _ := rt.Adapter.GetFrames(fetchCtx, symbol, "1d", 120)
	shares := rt.Books.PositionShares(traderID)[symbol]
	f := decision.ComputeFeatures(symbol, intraday.Frames, daily.Frames, shares)
	return &f
}

func (rt *Runtime) symbolHistory(traderID, symbol string) string {
	hist := rt.Books.History(traderID, 0)
	st, ok := hist.BySymbol[symbol]
	if !ok || st.Trades == 0 {
		return ""
	}
	return fmt.Sprintf("%s: %d trades, %.0f%% win rate, %.2f realized", symbol, st.Trades, st.WinRatePct, st.RealizedPnL)
}
