package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paperarena/arena/internal/rooms"
)

func (s *Server) handleStreamPacket(c *gin.Context) {
	roomID := c.Param("roomId")
	limit, _ := strconv.Atoi(c.DefaultQuery("decision_limit", "20"))
	pkt, err := s.rt.Bus.BuildPacket(c.Request.Context(), roomID, limit)
	if err != nil {
		fail(c, err, "stream_packet_failed")
		return
	}
	ok(c, pkt)
}

// handleRoomEvents is the per-room SSE stream: connected comment,
// Last-Event-ID replay, initial stream_packet, then live events until
// the client goes away.
func (s *Server) handleRoomEvents(c *gin.Context) {
	roomID := c.Param("roomId")
	if _, err := s.rt.Registry.Get(roomID); err != nil {
		fail(c, err, "room_not_found")
		return
	}

	opts := rooms.SubscribeOptions{}
	if v, err := strconv.Atoi(c.Query("decision_limit")); err == nil && v > 0 {
		opts.DecisionLimit = v
	}
	if v, err := strconv.ParseInt(c.Query("interval_ms"), 10, 64); err == nil && v > 0 {
		opts.Interval = time.Duration(v) * time.Millisecond
	}
	if v, err := strconv.ParseInt(c.GetHeader("Last-Event-ID"), 10, 64); err == nil && v > 0 {
		opts.LastEventID = v
	}

	sseHeaders(c)
	if err := s.rt.Bus.Serve(c.Request.Context(), roomID, c.Writer, opts); err != nil {
		s.log.Warn().Err(err).Str("room_id", roomID).Msg("Room event stream ended with error")
	}
}
