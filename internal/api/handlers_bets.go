package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/market"
)

func betsMarketParam(raw string) (market.Market, error) {
	switch strings.ToLower(raw) {
	case "", "cn":
		return market.MarketCN, nil
	case "us":
		return market.MarketUS, nil
	default:
		return "", apierr.BadRequest("invalid_action", "market must be cn or us")
	}
}

func (s *Server) handleBetsMarket(c *gin.Context) {
	mkt, err := betsMarketParam(c.Query("market"))
	if err != nil {
		fail(c, err, "bets_market_failed")
		return
	}
	view := s.rt.Bets.Market(mkt, c.Query("trader_id"), c.Query("user_session_id"))
	ok(c, view)
}

func (s *Server) handleBetsCredits(c *gin.Context) {
	session := c.Query("user_session_id")
	if session == "" {
		fail(c, apierr.BadRequest("invalid_user_session_id", "user_session_id is required"), "invalid_user_session_id")
		return
	}
	ok(c, gin.H{
		"user_session_id": session,
		"credits":         s.rt.Bets.Credits(session),
	})
}

type betsPlaceBody struct {
	Market        string `json:"market"`
	UserSessionID string `json:"user_session_id"`
	UserNickname  string `json:"user_nickname"`
	TraderID      string `json:"trader_id"`
	StakeAmount   int64  `json:"stake_amount"`
}

func (s *Server) handleBetsPlace(c *gin.Context) {
	var body betsPlaceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.BadRequest("invalid_user_session_id", "bet body required"), "bets_place_failed")
		return
	}
	mkt, err := betsMarketParam(body.Market)
	if err != nil {
		fail(c, err, "bets_place_failed")
		return
	}
	bet, err := s.rt.Bets.Place(mkt, body.UserSessionID, body.UserNickname, body.TraderID, body.StakeAmount)
	if err != nil {
		fail(c, err, "bets_place_failed")
		return
	}
	ok(c, gin.H{
		"bet":    bet,
		"market": s.rt.Bets.Market(mkt, body.TraderID, body.UserSessionID),
	})
}
