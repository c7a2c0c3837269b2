package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/chat"
	"github.com/paperarena/arena/internal/tts"
)

func (s *Server) handleChatBootstrap(c *gin.Context) {
	var body struct {
		Nickname string `json:"user_nickname"`
	}
	_ = c.ShouldBindJSON(&body)
	ok(c, gin.H{
		"user_session_id": uuid.NewString(),
		"user_nickname":   body.Nickname,
		"created_ts_ms":   s.rt.Clock.Now().UnixMilli(),
	})
}

func chatListQuery(c *gin.Context) (limit int, beforeTSMs int64) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	beforeTSMs, _ = strconv.ParseInt(c.Query("before_ts_ms"), 10, 64)
	return limit, beforeTSMs
}

func (s *Server) handleChatPublic(c *gin.Context) {
	roomID := c.Param("roomId")
	if _, err := s.rt.Registry.Get(roomID); err != nil {
		fail(c, err, "room_not_found")
		return
	}
	limit, before := chatListQuery(c)
	msgs := s.rt.Chat.Store().ListPublic(roomID, limit, before)
	if msgs == nil {
		msgs = []chat.Message{}
	}
	ok(c, gin.H{"room_id": roomID, "messages": msgs})
}

func (s *Server) handleChatPrivate(c *gin.Context) {
	roomID := c.Param("roomId")
	if _, err := s.rt.Registry.Get(roomID); err != nil {
		fail(c, err, "room_not_found")
		return
	}
	session := c.Query("user_session_id")
	if session == "" {
		fail(c, apierr.BadRequest("invalid_user_session_id", "user_session_id is required"), "invalid_user_session_id")
		return
	}
	limit, before := chatListQuery(c)
	msgs := s.rt.Chat.Store().ListPrivate(roomID, session, limit, before)
	if msgs == nil {
		msgs = []chat.Message{}
	}
	ok(c, gin.H{"room_id": roomID, "messages": msgs})
}

type chatPostBody struct {
	UserSessionID string `json:"user_session_id"`
	UserNickname  string `json:"user_nickname"`
	Visibility    string `json:"visibility"`
	Text          string `json:"text"`
}

func (s *Server) handleChatPost(c *gin.Context) {
	var body chatPostBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.BadRequest("text_required", "message body required"), "text_required")
		return
	}
	if body.Visibility == "" {
		body.Visibility = chat.VisibilityPublic
	}
	msg, err := s.rt.Chat.PostMessage(c.Request.Context(), c.Param("roomId"),
		body.UserSessionID, body.UserNickname, body.Visibility, body.Text)
	if err != nil {
		fail(c, err, "chat_post_failed")
		return
	}
	ok(c, msg)
}

func (s *Server) handleTTSConfig(c *gin.Context) {
	cfg := s.rt.Cfg.Chat
	ok(c, gin.H{
		"enabled":           s.rt.TTS.Enabled(),
		"provider":          cfg.TTSProvider,
		"fallback_provider": cfg.TTSFallbackProvider,
		"max_chars":         cfg.TTSMaxChars,
		"defaults":          s.rt.TTSProfiles.Defaults(),
	})
}

func (s *Server) handleTTSProfileGet(c *gin.Context) {
	roomID := c.Query("room_id")
	if roomID == "" {
		ok(c, gin.H{"defaults": s.rt.TTSProfiles.Defaults()})
		return
	}
	ok(c, gin.H{
		"room_id":   roomID,
		"effective": s.rt.TTSProfiles.For(roomID),
		"override":  s.rt.TTSProfiles.Raw(roomID),
	})
}

type ttsProfileBody struct {
	RoomID           string  `json:"room_id"`
	Voice            string  `json:"voice"`
	Speed            float64 `json:"speed"`
	Provider         string  `json:"provider"`
	FallbackProvider string  `json:"fallback_provider"`
}

func (s *Server) handleTTSProfileSet(c *gin.Context) {
	var body ttsProfileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.BadRequest("room_id_required", "profile body required"), "room_id_required")
		return
	}
	err := s.rt.TTSProfiles.Set(body.RoomID, tts.Profile{
		Voice:            body.Voice,
		Speed:            body.Speed,
		Provider:         body.Provider,
		FallbackProvider: body.FallbackProvider,
	})
	if err != nil {
		fail(c, err, "room_id_required")
		return
	}
	ok(c, gin.H{"room_id": body.RoomID, "effective": s.rt.TTSProfiles.For(body.RoomID)})
}

func (s *Server) handleTTSProfileDelete(c *gin.Context) {
	roomID := c.Query("room_id")
	if roomID == "" {
		var body struct {
			RoomID string `json:"room_id"`
		}
		_ = c.ShouldBindJSON(&body)
		roomID = body.RoomID
	}
	if err := s.rt.TTSProfiles.Delete(roomID); err != nil {
		fail(c, err, "room_id_required")
		return
	}
	ok(c, gin.H{"room_id": roomID, "deleted": true})
}

type ttsSpeakBody struct {
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
	Tone   string `json:"tone"`
}

// handleTTSSpeak returns raw audio bytes, not the JSON envelope.
func (s *Server) handleTTSSpeak(c *gin.Context) {
	var body ttsSpeakBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.BadRequest("text_required", "text body required"), "text_required")
		return
	}
	audio, err := s.rt.TTS.Speak(c.Request.Context(), body.RoomID, body.Text, body.Tone)
	if err != nil {
		fail(c, err, "chat_tts_dispatch_failed")
		return
	}
	c.Header("X-TTS-Provider", audio.Provider)
	c.Data(200, audio.ContentType, audio.Bytes)
}
