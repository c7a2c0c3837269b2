package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/market"
)

func frameQuery(c *gin.Context) (symbol, interval string, limit int, err error) {
	symbol = c.Query("symbol")
	if symbol == "" {
		return "", "", 0, apierr.BadRequest("symbol_required", "symbol is required")
	}
	interval = c.DefaultQuery("interval", "1m")
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "120"))
	if limit <= 0 || limit > 1000 {
		limit = 120
	}
	return symbol, interval, limit, nil
}

func (s *Server) handleMarketFrames(c *gin.Context) {
	symbol, interval, limit, err := frameQuery(c)
	if err != nil {
		fail(c, err, "market_proxy_error")
		return
	}
	batch, err := s.rt.Adapter.GetFrames(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		fail(c, err, "market_proxy_error")
		return
	}
	ok(c, batch)
}

func (s *Server) handleKlines(c *gin.Context) {
	symbol, interval, limit, err := frameQuery(c)
	if err != nil {
		fail(c, err, "market_proxy_error")
		return
	}
	klines, err := s.rt.Adapter.GetKlines(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		fail(c, err, "market_proxy_error")
		return
	}
	ok(c, gin.H{"symbol": symbol, "interval": interval, "klines": klines})
}

// handleMarketStream pushes frames over SSE at the configured poll
// cadence: one ready event, then a frames event per poll.
func (s *Server) handleMarketStream(c *gin.Context) {
	symbol, interval, limit, err := frameQuery(c)
	if err != nil {
		fail(c, err, "market_proxy_error")
		return
	}
	flusher, canFlush := c.Writer.(interface{ Flush() })
	if !canFlush {
		fail(c, apierr.Internal("market_proxy_error", "streaming unsupported"), "market_proxy_error")
		return
	}
	sseHeaders(c)

	pollMs := s.rt.Cfg.Market.StreamPollMs
	if pollMs <= 0 {
		pollMs = 5_000
	}
	writeEvent := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent("ready", gin.H{"symbol": symbol, "interval": interval, "poll_ms": pollMs}) {
		return
	}
	ctx := c.Request.Context()
	for {
		batch, err := s.rt.Adapter.GetFrames(ctx, symbol, interval, limit)
		if err != nil {
			writeEvent("error", gin.H{"code": apierr.Code(err, "market_proxy_error")})
		} else if !writeEvent("frames", batch) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.rt.Clock.After(time.Duration(pollMs) * time.Millisecond):
		}
	}
}

// handleMarketContext is a debug view of the decision context builder.
func (s *Server) handleMarketContext(c *gin.Context) {
	trader, okTrader := s.traderParam(c)
	if !okTrader {
		return
	}
	mkt := market.MarketForExchange(trader.ExchangeID)
	sessionOpen, liveFresh := s.rt.Gate.Snapshot(mkt)
	account := s.rt.Books.AccountOf(trader.TraderID)
	brief := decision.AccountBrief{
		TotalEquity:      account.TotalEquity,
		AvailableBalance: account.AvailableBalance,
		PositionCount:    account.PositionCount,
		DailyPnL:         account.DailyPnL,
	}
	dctx, err := s.rt.Builder.BuildContext(c.Request.Context(), trader, 0, brief,
		s.rt.Books.PositionShares(trader.TraderID), sessionOpen, liveFresh)
	if err != nil {
		fail(c, err, "market_proxy_error")
		return
	}
	ok(c, dctx)
}

func (s *Server) handleLivePreflight(c *gin.Context) {
	statuses := s.rt.Adapter.ProviderStatus()
	allOK := len(statuses) > 0
	details := map[string]any{}
	for m, st := range statuses {
		provider := s.rt.Adapter.LiveProvider(market.Market(m))
		healthy := provider != nil && provider.Healthy()
		fresh := provider != nil && provider.Fresh()
		if !healthy || !fresh {
			allOK = false
		}
		details[m] = gin.H{"status": st, "healthy": healthy, "fresh": fresh}
	}
	ok(c, gin.H{
		"ok":        allOK,
		"data_mode": s.rt.Adapter.Mode(),
		"providers": details,
	})
}

func (s *Server) handleRuntimeStatus(c *gin.Context) {
	ok(c, gin.H{
		"scheduler":   s.rt.Scheduler.Status(),
		"gate":        s.rt.Gate.View(),
		"kill_switch": s.rt.Kill.State(),
		"data_mode":   s.rt.Adapter.Mode(),
	})
}

func (s *Server) handleReplayStatus(c *gin.Context) {
	if s.rt.Replay == nil {
		ok(c, gin.H{"enabled": false})
		return
	}
	status := s.rt.Replay.Status()
	ok(c, gin.H{"enabled": true, "status": status})
}
