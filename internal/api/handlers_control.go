package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/memory"
)

type runtimeControlBody struct {
	Action            string `json:"action"`
	CycleMs           int64  `json:"cycle_ms"`
	DecisionEveryBars int    `json:"decision_every_bars"`
}

func (s *Server) handleRuntimeControl(c *gin.Context) {
	var body runtimeControlBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.BadRequest("invalid_action", "action body required"), "invalid_action")
		return
	}

	var err error
	switch body.Action {
	case "pause":
		s.rt.Scheduler.Pause()
	case "resume":
		err = s.rt.Scheduler.Resume()
	case "step":
		err = s.rt.Scheduler.Step(c.Request.Context())
	case "set_cycle_ms":
		err = s.rt.Scheduler.SetCycleMs(body.CycleMs)
	case "set_decision_every_bars":
		err = s.rt.Scheduler.SetDecisionEveryBars(body.DecisionEveryBars)
	default:
		err = apierr.BadRequest("invalid_action", fmt.Sprintf("unknown action %q", body.Action))
	}
	if err != nil {
		fail(c, err, "invalid_action")
		return
	}
	ok(c, gin.H{"runtime": s.rt.Scheduler.Status()})
}

type killSwitchBody struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) handleKillSwitch(c *gin.Context) {
	var body killSwitchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.BadRequest("invalid_action", "action body required"), "invalid_action")
		return
	}

	var err error
	switch body.Action {
	case "activate":
		err = s.rt.Kill.Activate(body.Reason, body.Actor)
	case "deactivate":
		err = s.rt.Kill.Deactivate(body.Actor)
	default:
		err = apierr.BadRequest("invalid_action", fmt.Sprintf("unknown action %q", body.Action))
	}
	if err != nil {
		fail(c, err, "invalid_action")
		return
	}
	ok(c, s.rt.Kill.State())
}

type replayControlBody struct {
	Action      string   `json:"action"`
	Bars        int      `json:"bars"`
	Speed       *float64 `json:"speed"`
	CursorIndex *int     `json:"cursor_index"`
	Loop        *bool    `json:"loop"`
}

func (s *Server) handleReplayControl(c *gin.Context) {
	if s.rt.Replay == nil {
		fail(c, apierr.Conflict("invalid_action", "replay engine not active in this data mode"), "invalid_action")
		return
	}
	if s.rt.Kill.Active() {
		fail(c, apierr.Locked("kill_switch_active", "kill switch is active"), "kill_switch_active")
		return
	}
	var body replayControlBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.BadRequest("invalid_action", "action body required"), "invalid_action")
		return
	}

	var err error
	switch body.Action {
	case "pause":
		s.rt.Replay.Pause()
	case "resume":
		s.rt.Replay.Resume()
	case "step":
		bars := body.Bars
		if bars <= 0 {
			bars = 1
		}
		err = s.rt.Replay.Step(bars)
	case "set_speed":
		if body.Speed == nil {
			err = apierr.BadRequest("invalid_speed", "speed is required")
		} else {
			err = s.rt.Replay.SetSpeed(*body.Speed)
		}
	case "set_cursor":
		if body.CursorIndex == nil {
			err = apierr.BadRequest("invalid_cursor_index", "cursor_index is required")
		} else {
			err = s.rt.Replay.SetCursor(*body.CursorIndex)
		}
	case "set_loop":
		if body.Loop == nil {
			err = apierr.BadRequest("invalid_loop", "loop is required")
		} else {
			s.rt.Replay.SetLoop(*body.Loop)
		}
	default:
		err = apierr.BadRequest("invalid_action", fmt.Sprintf("unknown action %q", body.Action))
	}
	if err != nil {
		fail(c, err, "invalid_action")
		return
	}
	ok(c, s.rt.Replay.Status())
}

func (s *Server) handleFactoryReset(c *gin.Context) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Confirm != "RESET" {
		fail(c, apierr.BadRequest("reset_confirmation_required", `confirm must be "RESET"`), "reset_confirmation_required")
		return
	}
	if err := s.rt.Books.FactoryReset(); err != nil {
		fail(c, err, "factory_reset_failed")
		return
	}
	ok(c, gin.H{"reset": true})
}

type resetAgentBody struct {
	TraderID       string `json:"trader_id"`
	Confirm        string `json:"confirm"`
	ResetMemory    bool   `json:"resetMemory"`
	ResetPositions bool   `json:"resetPositions"`
	ResetStats     bool   `json:"resetStats"`
}

func (s *Server) handleResetAgent(c *gin.Context) {
	var body resetAgentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.BadRequest("reset_confirmation_required", "body required"), "reset_confirmation_required")
		return
	}
	if body.TraderID == "" || body.Confirm != body.TraderID {
		fail(c, apierr.BadRequest("reset_confirmation_required", "confirm must repeat the trader id"), "reset_confirmation_required")
		return
	}
	scopes := memory.ResetScopes{
		ResetMemory:    body.ResetMemory,
		ResetPositions: body.ResetPositions,
		ResetStats:     body.ResetStats,
	}
	if !scopes.Any() {
		fail(c, apierr.BadRequest("no_reset_scope_selected", "select at least one reset scope"), "no_reset_scope_selected")
		return
	}
	if err := s.rt.Books.ResetTrader(body.TraderID, scopes); err != nil {
		fail(c, err, "reset_agent_failed")
		return
	}
	ok(c, gin.H{"trader_id": body.TraderID, "reset": true})
}
