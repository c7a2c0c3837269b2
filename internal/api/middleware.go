package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/audit"
)

// controlToken gates mutating routes. The token may arrive in the
// X-Control-Token header, an Authorization bearer, or a control_token
// body field; comparison is constant-time. Every gate decision is
// audited. With no token configured the gate is open but still audited.
func (s *Server) controlToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := s.rt.Cfg.Control.APIToken
		ev := audit.ControlEvent{
			Action: c.Request.Method + " " + c.FullPath(),
			IP:     c.ClientIP(),
			Target: c.Param("id"),
		}

		if configured == "" {
			ev.Result = "allowed"
			s.rt.ControlAudit.Record(c.Request.Context(), ev)
			c.Next()
			return
		}

		presented, actor := extractToken(c)
		ev.Actor = actor
		if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
			ev.Result = "denied"
			ev.Error = "unauthorized_control_token"
			s.rt.ControlAudit.Record(c.Request.Context(), ev)
			fail(c, apierr.Unauthorized("unauthorized_control_token", "control token missing or wrong"), "unauthorized_control_token")
			c.Abort()
			return
		}
		ev.Result = "allowed"
		s.rt.ControlAudit.Record(c.Request.Context(), ev)
		c.Next()
	}
}

// extractToken pulls the presented token from the request without
// consuming the body for downstream binds.
func extractToken(c *gin.Context) (token, actor string) {
	if t := c.GetHeader("X-Control-Token"); t != "" {
		return t, "header"
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), "bearer"
	}
	if c.Request.Body == nil {
		return "", ""
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	var body struct {
		ControlToken string `json:"control_token"`
		Actor        string `json:"actor"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", ""
	}
	return body.ControlToken, body.Actor
}
