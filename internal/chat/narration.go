package chat

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/config"
	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/registry"
)

// Narrator turns dispatched decisions into at most one public message
// per room per interval. Trades narrate more often than holds, and
// conservative traders speak less.
type Narrator struct {
	svc *Service
	cfg config.ChatConfig
	clk clock.Clock
	log zerolog.Logger

	mu         sync.Mutex
	lastEmitMs map[string]int64
}

// NewNarrator wires the decision narrator.
func NewNarrator(svc *Service, cfg config.ChatConfig, clk clock.Clock, log zerolog.Logger) *Narrator {
	return &Narrator{
		svc:        svc,
		cfg:        cfg,
		clk:        clk,
		log:        log.With().Str("component", "chat_narration").Logger(),
		lastEmitMs: map[string]int64{},
	}
}

// OnDecision is the runtime's decision hook entry point.
func (n *Narrator) OnDecision(trader registry.Trader, rec *decision.Record) {
	now := n.clk.Now().UnixMilli()
	interval := n.intervalFor(trader, rec)

	n.mu.Lock()
	last := n.lastEmitMs[trader.TraderID]
	if last != 0 && now-last < interval {
		n.mu.Unlock()
		return
	}
	n.lastEmitMs[trader.TraderID] = now
	n.mu.Unlock()

	text := narrationText(rec)
	tone := toneFor(rec.Action, trader.RiskProfile)
	if _, err := n.svc.AppendAgent(trader, KindNarration, text, tone, GenFallback); err != nil {
		n.log.Warn().Err(err).Str("room_id", trader.TraderID).Msg("Narration append failed")
	}
}

func (n *Narrator) intervalFor(trader registry.Trader, rec *decision.Record) int64 {
	var interval int64
	if rec.Action == decision.ActionHold {
		interval = n.cfg.NarrationMinIntervalHoldMs
		if interval <= 0 {
			interval = 45_000
		}
	} else {
		interval = n.cfg.NarrationMinIntervalTradeMs
		if interval <= 0 {
			interval = 20_000
		}
	}
	if trader.RiskProfile == registry.RiskConservative {
		interval = interval * 3 / 2
	}
	return interval
}

// narrationText prefers the decision's own reasoning and falls back to
// a template naming the action, symbol and confidence.
func narrationText(rec *decision.Record) string {
	if reasoning := strings.TrimSpace(rec.Reasoning); reasoning != "" {
		switch rec.Action {
		case decision.ActionBuy:
			return fmt.Sprintf("买入%s %d股：%s", rec.Symbol, rec.Quantity, reasoning)
		case decision.ActionSell:
			return fmt.Sprintf("卖出%s %d股：%s", rec.Symbol, rec.Quantity, reasoning)
		default:
			return fmt.Sprintf("%s暂时观望：%s", rec.Symbol, reasoning)
		}
	}
	return fmt.Sprintf("本轮对%s的判断是%s，信心%.0f%%。", rec.Symbol, actionLabel(rec.Action), rec.Confidence*100)
}

func actionLabel(a decision.Action) string {
	switch a {
	case decision.ActionBuy:
		return "买入"
	case decision.ActionSell:
		return "卖出"
	case decision.ActionShort:
		return "做空"
	default:
		return "观望"
	}
}
