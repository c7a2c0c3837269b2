package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/audit"
)

func (s *Server) handleDecisionsLatest(c *gin.Context) {
	trader, okTrader := s.traderParam(c)
	if !okTrader {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	ok(c, gin.H{
		"trader_id": trader.TraderID,
		"decisions": s.rt.LatestDecisions(trader.TraderID, limit),
	})
}

func (s *Server) handleDecisionAudit(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.rt.Registry.Get(id); err != nil {
		fail(c, err, "trader_not_found")
		return
	}

	if dayKey := c.Query("day_key"); dayKey != "" {
		if !audit.ValidDayKey(dayKey) {
			fail(c, apierr.BadRequest("invalid_day_key", "day_key must be YYYY-MM-DD"), "invalid_day_key")
			return
		}
		records, err := s.rt.AuditStore.ListDay(id, dayKey)
		if err != nil {
			fail(c, err, "decision_audit_day_failed")
			return
		}
		ok(c, gin.H{"trader_id": id, "day_key": dayKey, "records": records})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	ok(c, gin.H{
		"trader_id": id,
		"records":   s.rt.AuditStore.ListLatest(id, limit),
	})
}
