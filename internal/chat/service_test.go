package chat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/config"
	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/registry"
)

func newServiceRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	manifests := t.TempDir()
	doc := "schema_version: \"1.0.0\"\n" +
		"trader_id: t_001\n" +
		"trader_name: 阿尔法\n" +
		"ai_model: test-model\n" +
		"exchange_id: SSE\n" +
		"strategy_name: momentum-breakout\n"
	require.NoError(t, os.WriteFile(filepath.Join(manifests, "t_001.yaml"), []byte(doc), 0o644))
	reg := registry.New(manifests, filepath.Join(t.TempDir(), "registry.json"), zerolog.Nop())
	require.NoError(t, reg.Register("t_001"))
	return reg
}

func newTestService(t *testing.T, cfg config.ChatConfig) (*Service, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	store := NewStore(t.TempDir(), clk, zerolog.Nop())
	client := decision.NewChatClient("", "", zerolog.Nop())
	return NewService(store, newServiceRegistry(t), client, cfg, clk, zerolog.Nop()), clk
}

func TestPostMessageValidation(t *testing.T) {
	svc, _ := newTestService(t, config.ChatConfig{MaxTextLen: 10})
	ctx := context.Background()

	_, err := svc.PostMessage(ctx, "t_missing", "sess", "nick", VisibilityPublic, "hi")
	assert.Equal(t, "room_not_found", apierr.Code(err, "x"))

	_, err = svc.PostMessage(ctx, "t_001", "sess", "nick", VisibilityPublic, "   ")
	assert.Equal(t, "text_required", apierr.Code(err, "x"))

	_, err = svc.PostMessage(ctx, "t_001", "sess", "nick", VisibilityPublic, "这条消息明显超过了十个字符的限制")
	assert.Equal(t, "text_too_long", apierr.Code(err, "x"))

	_, err = svc.PostMessage(ctx, "t_001", "", "nick", VisibilityPublic, "hi")
	assert.Equal(t, "invalid_user_session_id", apierr.Code(err, "x"))

	_, err = svc.PostMessage(ctx, "t_001", "sess", "nick", "broadcast", "hi")
	assert.Equal(t, "invalid_action", apierr.Code(err, "x"))
}

func TestPostMessageRateLimit(t *testing.T) {
	svc, _ := newTestService(t, config.ChatConfig{RateLimitPerMin: 2})
	ctx := context.Background()

	// Private messages never trigger replies, keeping counts exact.
	for i := 0; i < 2; i++ {
		_, err := svc.PostMessage(ctx, "t_001", "sess_a", "nick", VisibilityPrivate, "问题")
		require.NoError(t, err)
	}
	_, err := svc.PostMessage(ctx, "t_001", "sess_a", "nick", VisibilityPrivate, "问题")
	assert.Equal(t, "rate_limited", apierr.Code(err, "x"))

	// Another session has its own budget.
	_, err = svc.PostMessage(ctx, "t_001", "sess_b", "nick", VisibilityPrivate, "问题")
	assert.NoError(t, err)
}

func TestPostPublicTriggersAgentReply(t *testing.T) {
	// Plain-reply rate 1.0 forces the deterministic fallback path.
	svc, _ := newTestService(t, config.ChatConfig{RateLimitPerMin: 10, PublicPlainReplyRate: 1.0})

	msg, err := svc.PostMessage(context.Background(), "t_001", "sess_a", "小明", VisibilityPublic, "今天怎么操作")
	require.NoError(t, err)
	assert.Equal(t, SenderUser, msg.SenderType)
	assert.Equal(t, "小明", msg.SenderName)
	assert.NotZero(t, svc.LastPublicActivity("t_001"))

	require.Eventually(t, func() bool {
		return len(svc.Store().ListPublic("t_001", 10, 0)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs := svc.Store().ListPublic("t_001", 10, 0)
	reply := msgs[1]
	assert.Equal(t, SenderAgent, reply.SenderType)
	assert.Equal(t, KindReply, reply.AgentMessageKind)
	assert.Equal(t, GenFallback, reply.GenerationSource)
	assert.Equal(t, "阿尔法", reply.SenderName)
	assert.NotEmpty(t, reply.Text)
}

func TestPostPrivateStaysPrivate(t *testing.T) {
	svc, _ := newTestService(t, config.ChatConfig{RateLimitPerMin: 10})

	_, err := svc.PostMessage(context.Background(), "t_001", "sess_a", "nick", VisibilityPrivate, "悄悄问一句")
	require.NoError(t, err)

	assert.Empty(t, svc.Store().ListPublic("t_001", 10, 0))
	assert.Len(t, svc.Store().ListPrivate("t_001", "sess_a", 10, 0), 1)
	assert.Zero(t, svc.LastPublicActivity("t_001"))
}

func TestPostMessageDefaultNickname(t *testing.T) {
	svc, _ := newTestService(t, config.ChatConfig{RateLimitPerMin: 10})

	msg, err := svc.PostMessage(context.Background(), "t_001", "abcd1234", "", VisibilityPrivate, "hi")
	require.NoError(t, err)
	assert.Equal(t, "游客abcd", msg.SenderName)
}

func TestAppendAgentFansOut(t *testing.T) {
	svc, _ := newTestService(t, config.ChatConfig{})

	var hookRoom string
	var hookMsg Message
	svc.OnAppend(func(roomID string, m Message) {
		hookRoom = roomID
		hookMsg = m
	})

	trader, err := svc.registry.Get("t_001")
	require.NoError(t, err)
	msg, err := svc.AppendAgent(trader, KindProactive, "盘面安静，继续观察。", ToneCalm, GenFallback)
	require.NoError(t, err)

	assert.Equal(t, "t_001", hookRoom)
	assert.Equal(t, msg.ID, hookMsg.ID)
	assert.Equal(t, KindProactive, msg.AgentMessageKind)
	assert.Len(t, svc.Store().ListPublic("t_001", 10, 0), 1)
}
