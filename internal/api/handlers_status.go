package api

import (
	"sort"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/market"
	"github.com/paperarena/arena/internal/memory"
	"github.com/paperarena/arena/internal/registry"
)

func (s *Server) handleHealth(c *gin.Context) {
	now := s.rt.Clock.Now()
	ok(c, gin.H{
		"status":    "ok",
		"app":       s.rt.Cfg.App.Name,
		"uptime_s":  int64(now.Sub(s.rt.StartedAt).Seconds()),
		"now_ts_ms": now.UnixMilli(),
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	cfg := s.rt.Cfg
	ok(c, gin.H{
		"data_mode":              cfg.Runtime.DataMode,
		"strict_live_mode":       cfg.Strict.LiveMode,
		"session_guard_enabled":  cfg.Agent.SessionGuardEnabled,
		"chat_llm_enabled":       cfg.Chat.LLMEnabled,
		"tts_enabled":            cfg.Chat.TTSEnabled,
		"bets_house_edge":        cfg.Bets.HouseEdge,
		"bets_stake_min":         cfg.Bets.StakeMin,
		"bets_stake_max":         cfg.Bets.StakeMax,
		"metrics_enabled":        cfg.Metrics.Enabled,
		"control_token_required": cfg.Control.APIToken != "",
	})
}

func (s *Server) handleTraders(c *gin.Context) {
	ok(c, gin.H{"traders": s.rt.Registry.Registered()})
}

type competitionEntry struct {
	Trader      registry.Trader `json:"trader"`
	Account     memory.Account  `json:"account"`
	IsRunning   bool            `json:"is_running"`
	DailyRetPct float64         `json:"daily_return_pct"`
}

func (s *Server) handleCompetition(c *gin.Context) {
	entries := s.competitionEntries()
	resp := gin.H{"entries": entries}
	if s.rt.Replay != nil {
		resp["replay_day"] = s.rt.Replay.Status().DayKey
	}
	ok(c, resp)
}

func (s *Server) handleTopTraders(c *gin.Context) {
	entries := s.competitionEntries()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Account.TotalPnLPct > entries[j].Account.TotalPnLPct
	})
	if len(entries) > 3 {
		entries = entries[:3]
	}
	ok(c, gin.H{"top_traders": entries})
}

func (s *Server) competitionEntries() []competitionEntry {
	running := map[string]bool{}
	for _, t := range s.rt.Registry.Running() {
		running[t.TraderID] = true
	}
	var entries []competitionEntry
	for _, t := range s.rt.Registry.Registered() {
		entries = append(entries, competitionEntry{
			Trader:      t,
			Account:     s.rt.Books.AccountOf(t.TraderID),
			IsRunning:   running[t.TraderID],
			DailyRetPct: s.rt.Books.DailyReturnPct(t.TraderID),
		})
	}
	return entries
}

func (s *Server) traderParam(c *gin.Context) (registry.Trader, bool) {
	id := c.Query("trader_id")
	if id == "" {
		fail(c, apierr.BadRequest("invalid_trader_id", "trader_id is required"), "invalid_trader_id")
		return registry.Trader{}, false
	}
	trader, err := s.rt.Registry.Get(id)
	if err != nil {
		fail(c, err, "trader_not_found")
		return registry.Trader{}, false
	}
	return trader, true
}

func (s *Server) handleStatus(c *gin.Context) {
	trader, okTrader := s.traderParam(c)
	if !okTrader {
		return
	}
	mkt := market.MarketForExchange(trader.ExchangeID)
	sessionOpen, liveFresh := s.rt.Gate.Snapshot(mkt)
	ok(c, gin.H{
		"trader":       trader,
		"account":      s.rt.Books.AccountOf(trader.TraderID),
		"positions":    s.rt.Books.PositionsOf(trader.TraderID),
		"market":       string(mkt),
		"session_open": sessionOpen,
		"live_fresh":   liveFresh,
	})
}

func (s *Server) handleAccount(c *gin.Context) {
	trader, okTrader := s.traderParam(c)
	if !okTrader {
		return
	}
	ok(c, s.rt.Books.AccountOf(trader.TraderID))
}

func (s *Server) handlePositions(c *gin.Context) {
	trader, okTrader := s.traderParam(c)
	if !okTrader {
		return
	}
	ok(c, gin.H{"positions": s.rt.Books.PositionsOf(trader.TraderID)})
}

func (s *Server) handleStatistics(c *gin.Context) {
	totalPositions := 0
	for _, t := range s.rt.Registry.Registered() {
		totalPositions += s.rt.Books.AccountOf(t.TraderID).PositionCount
	}
	ok(c, gin.H{
		"runtime":         s.rt.Scheduler.RuntimeMetrics(),
		"total_positions": totalPositions,
		"trader_count":    len(s.rt.Registry.Registered()),
		"running_count":   len(s.rt.Registry.Running()),
	})
}

func (s *Server) handleEquityHistory(c *gin.Context) {
	trader, okTrader := s.traderParam(c)
	if !okTrader {
		return
	}
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	ok(c, gin.H{
		"trader_id": trader.TraderID,
		"points":    s.rt.Books.EquityHistory(trader.TraderID, hours),
	})
}

func (s *Server) handleEquityHistoryBatch(c *gin.Context) {
	var body struct {
		TraderIDs []string `json:"trader_ids"`
		Hours     int      `json:"hours"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.BadRequest("invalid_trader_id", "trader_ids body required"), "invalid_trader_id")
		return
	}
	if body.Hours <= 0 {
		body.Hours = 24
	}
	var mu sync.Mutex
	out := map[string][]memory.EquityPoint{}
	g, _ := errgroup.WithContext(c.Request.Context())
	g.SetLimit(4)
	for _, id := range body.TraderIDs {
		if !s.rt.Registry.IsRegistered(id) {
			continue
		}
		g.Go(func() error {
			points := s.rt.Books.EquityHistory(id, body.Hours)
			mu.Lock()
			out[id] = points
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	ok(c, gin.H{"histories": out})
}

func (s *Server) handlePositionsHistory(c *gin.Context) {
	trader, okTrader := s.traderParam(c)
	if !okTrader {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	ok(c, s.rt.Books.History(trader.TraderID, limit))
}

// handleSymbols is deliberately unwrapped: clients consume the bare
// {symbols: [...]} shape.
func (s *Server) handleSymbols(c *gin.Context) {
	mkt := market.MarketCN
	if ex := c.Query("exchange"); ex != "" {
		mkt = market.MarketForExchange(ex)
	} else if id := c.Query("trader_id"); id != "" {
		trader, err := s.rt.Registry.Get(id)
		if err != nil {
			fail(c, err, "trader_not_found")
			return
		}
		mkt = market.MarketForExchange(trader.ExchangeID)
	}
	symbols := s.rt.Adapter.Symbols(mkt)
	if symbols == nil {
		symbols = []market.SymbolInfo{}
	}
	c.JSON(200, gin.H{"symbols": symbols})
}
