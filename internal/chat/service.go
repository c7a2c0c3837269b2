package chat

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/config"
	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/metrics"
	"github.com/paperarena/arena/internal/registry"
)

// AppendHook receives every public append so the room event bus can
// fan it out without the chat package importing the bus.
type AppendHook func(roomID string, msg Message)

// Service is the chat append path: validation, rate limiting, file
// persistence, and agent replies to public user messages.
type Service struct {
	store    *Store
	registry *registry.Registry
	client   *decision.ChatClient
	cfg      config.ChatConfig
	clk      clock.Clock
	log      zerolog.Logger
	onAppend AppendHook

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastPublic map[string]int64

	// llmSem bounds concurrent chat LLM calls; full means fallback.
	llmSem chan struct{}
	rng    *rand.Rand
}

// NewService wires the chat service. client may lack credentials, in
// which case every generation uses the deterministic fallback.
func NewService(store *Store, reg *registry.Registry, client *decision.ChatClient, cfg config.ChatConfig, clk clock.Clock, log zerolog.Logger) *Service {
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 2
	}
	return &Service{
		store:      store,
		registry:   reg,
		client:     client,
		cfg:        cfg,
		clk:        clk,
		log:        log.With().Str("component", "chat_service").Logger(),
		limiters:   map[string]*rate.Limiter{},
		lastPublic: map[string]int64{},
		llmSem:     make(chan struct{}, maxConc),
		rng:        rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// OnAppend registers the public-append fan-out hook.
func (s *Service) OnAppend(fn AppendHook) {
	s.onAppend = fn
}

// Store exposes the file store for read endpoints.
func (s *Service) Store() *Store {
	return s.store
}

// LastPublicActivity reports the last public append of a room in epoch
// milliseconds, zero when none happened since boot.
func (s *Service) LastPublicActivity(roomID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPublic[roomID]
}

// limiter returns the per-(room, session) rate limiter, creating it on
// first use. Burst equals the per-minute budget so a fresh session may
// use its whole window at once, and the N+1'th post inside 60s fails.
func (s *Service) limiter(roomID, session string) *rate.Limiter {
	n := s.cfg.RateLimitPerMin
	if n <= 0 {
		n = 6
	}
	key := roomID + "|" + session
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
		s.limiters[key] = lim
	}
	return lim
}

// PostMessage validates and appends one user message. Public user
// messages schedule an asynchronous agent reply.
func (s *Service) PostMessage(ctx context.Context, roomID, session, nickname, visibility, text string) (Message, error) {
	trader, err := s.registry.Get(roomID)
	if err != nil {
		return Message{}, apierr.NotFound("room_not_found", fmt.Sprintf("room %s not found", roomID))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, apierr.BadRequest("text_required", "text is required")
	}
	maxLen := s.cfg.MaxTextLen
	if maxLen <= 0 {
		maxLen = 600
	}
	if len([]rune(text)) > maxLen {
		return Message{}, apierr.BadRequest("text_too_long", fmt.Sprintf("text exceeds %d characters", maxLen))
	}
	if session == "" {
		return Message{}, apierr.BadRequest("invalid_user_session_id", "user_session_id is required")
	}
	switch visibility {
	case VisibilityPublic, VisibilityPrivate:
	default:
		return Message{}, apierr.BadRequest("invalid_action", fmt.Sprintf("unknown visibility %q", visibility))
	}
	if !s.limiter(roomID, session).Allow() {
		metrics.ChatRateLimitedTotal.Inc()
		return Message{}, apierr.TooManyRequests("rate_limited", "too many messages, slow down")
	}

	if nickname == "" {
		nickname = "游客" + session[:min(4, len(session))]
	}
	msg := Message{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		Visibility:    visibility,
		SenderType:    SenderUser,
		SenderID:      session,
		SenderName:    nickname,
		Text:          text,
		CreatedTSMs:   s.clk.Now().UnixMilli(),
		UserSessionID: session,
		UserNickname:  nickname,
	}
	if visibility == VisibilityPublic {
		err = s.store.AppendPublic(msg)
	} else {
		err = s.store.AppendPrivate(msg)
	}
	if err != nil {
		return Message{}, fmt.Errorf("persist chat message: %w", err)
	}
	metrics.ChatMessagesTotal.WithLabelValues(SenderUser, "post").Inc()

	if visibility == VisibilityPublic {
		s.notePublic(roomID, msg)
		go s.reply(context.WithoutCancel(ctx), trader, msg)
	}
	return msg, nil
}

func (s *Service) notePublic(roomID string, msg Message) {
	s.mu.Lock()
	s.lastPublic[roomID] = msg.CreatedTSMs
	s.mu.Unlock()
	if s.onAppend != nil {
		s.onAppend(roomID, msg)
	}
}

// reply generates the agent's answer to a public user message.
func (s *Service) reply(ctx context.Context, trader registry.Trader, userMsg Message) {
	text, source := s.generateReply(ctx, trader, userMsg.Text)
	if text == "" {
		return
	}
	msg := Message{
		ID:               uuid.NewString(),
		RoomID:           userMsg.RoomID,
		Visibility:       VisibilityPublic,
		SenderType:       SenderAgent,
		SenderID:         trader.TraderID,
		SenderName:       trader.TraderName,
		Text:             text,
		CreatedTSMs:      s.clk.Now().UnixMilli(),
		AgentMessageKind: KindReply,
		GenerationSource: source,
		GenerationTone:   toneFor(decision.ActionHold, trader.RiskProfile),
	}
	if err := s.store.AppendPublic(msg); err != nil {
		s.log.Warn().Err(err).Str("room_id", msg.RoomID).Msg("Agent reply persist failed")
		return
	}
	metrics.ChatMessagesTotal.WithLabelValues(SenderAgent, KindReply).Inc()
	s.notePublic(msg.RoomID, msg)
}

func (s *Service) generateReply(ctx context.Context, trader registry.Trader, userText string) (text, source string) {
	s.mu.Lock()
	plain := s.rng.Float64() < s.cfg.PublicPlainReplyRate
	s.mu.Unlock()

	if !plain && s.cfg.LLMEnabled && s.client.Enabled() {
		if out, err := s.completeLLM(ctx, replySystemPrompt(trader), userText); err == nil && out != "" {
			return out, GenLLM
		}
	}
	salt := saltOf(trader.TraderID, userText)
	return fallbackReply(trader, salt), GenFallback
}

// completeLLM runs one bounded chat completion; a full semaphore is a
// skip, not a wait.
func (s *Service) completeLLM(ctx context.Context, system, user string) (string, error) {
	select {
	case s.llmSem <- struct{}{}:
	default:
		return "", fmt.Errorf("chat llm concurrency exhausted")
	}
	defer func() { <-s.llmSem }()

	timeout := time.Duration(s.cfg.LLMTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	out, err := s.client.Complete(ctx, s.cfg.OpenAIModel, system, user, 180, timeout)
	if err != nil {
		outcome := "error"
		if apierr.Code(err, "") == "llm_timeout" {
			outcome = "timeout"
		}
		metrics.RecordLLMCall("chat", outcome)
		return "", err
	}
	metrics.RecordLLMCall("chat", "ok")
	out = strings.TrimSpace(out)
	maxLen := s.cfg.MaxTextLen
	if maxLen <= 0 {
		maxLen = 600
	}
	runes := []rune(out)
	if len(runes) > maxLen {
		out = string(runes[:maxLen])
	}
	return out, nil
}

// AppendAgent persists and fans out one agent-authored public message.
// The proactive engine and the narrator go through here.
func (s *Service) AppendAgent(trader registry.Trader, kind, text, tone, source string) (Message, error) {
	msg := Message{
		ID:               uuid.NewString(),
		RoomID:           trader.TraderID,
		Visibility:       VisibilityPublic,
		SenderType:       SenderAgent,
		SenderID:         trader.TraderID,
		SenderName:       trader.TraderName,
		Text:             text,
		CreatedTSMs:      s.clk.Now().UnixMilli(),
		AgentMessageKind: kind,
		GenerationSource: source,
		GenerationTone:   tone,
	}
	if err := s.store.AppendPublic(msg); err != nil {
		return Message{}, err
	}
	metrics.ChatMessagesTotal.WithLabelValues(SenderAgent, kind).Inc()
	s.notePublic(msg.RoomID, msg)
	return msg, nil
}

func replySystemPrompt(trader registry.Trader) string {
	return fmt.Sprintf(
		"你是模拟炒股直播间的AI交易员%s，策略为%s，风格%s。用中文简短回复观众的提问，不超过两句话，不给出真实投资建议。",
		trader.TraderName, trader.StrategyName, trader.TradingStyle)
}

var replyTemplates = []string{
	"谢谢关注，我会按既定策略操作，大家理性看盘。",
	"这个问题不错，稍后我会在决策里体现我的看法。",
	"盘中以纪律为先，具体逻辑可以看我的决策记录。",
	"收到，观察中，有信号我会第一时间操作。",
}

func fallbackReply(trader registry.Trader, salt uint32) string {
	return replyTemplates[int(salt)%len(replyTemplates)]
}
