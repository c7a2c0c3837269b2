package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/config"
)

func TestCompactTextStripsTickersAndNumbers(t *testing.T) {
	assert.Equal(t, "买入 股", CompactText("买入 600519.SH 100 股", 300))
	assert.Equal(t, "is up", CompactText("AAPL is up", 300))
	assert.Equal(t, "拉升", CompactText("sh600519 拉升", 300))
	assert.Equal(t, "涨幅 很强", CompactText("涨幅 3.2% 很强", 300))
	assert.Equal(t, "", CompactText("600519.SH 100", 300))

	// Rune-safe truncation.
	assert.Equal(t, "涨涨涨", CompactText("涨涨涨涨涨", 3))
	// Whitespace collapses to single spaces.
	assert.Equal(t, "a b", CompactText("  a \n b  ", 300))
}

func TestLooksLikeTicker(t *testing.T) {
	assert.True(t, looksLikeTicker("600519.SH"))
	assert.True(t, looksLikeTicker("000001.SZ,"))
	assert.True(t, looksLikeTicker("sh600519"))
	assert.True(t, looksLikeTicker("AAPL"))
	assert.False(t, looksLikeTicker("观望"))
	assert.False(t, looksLikeTicker("hello"))
	// Short uppercase words are treated as symbols on purpose.
	assert.True(t, looksLikeTicker("OK"))
}

func newProfileStore(t *testing.T) (*ProfileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.json")
	cfg := config.ChatConfig{
		TTSOpenAIVoice:      "alloy",
		TTSSpeed:            1.0,
		TTSProvider:         ProviderOpenAI,
		TTSFallbackProvider: ProviderSelfhosted,
	}
	return NewProfileStore(path, cfg, zerolog.Nop()), path
}

func TestProfileStoreResolveAndOverride(t *testing.T) {
	s, _ := newProfileStore(t)

	// No override resolves to the defaults.
	p := s.For("r_001")
	assert.Equal(t, "alloy", p.Voice)
	assert.Equal(t, 1.0, p.Speed)
	assert.Equal(t, ProviderOpenAI, p.Provider)

	require.NoError(t, s.Set("r_001", Profile{Voice: "nova", Speed: 1.5}))
	p = s.For("r_001")
	assert.Equal(t, "nova", p.Voice)
	assert.Equal(t, 1.5, p.Speed)
	// Empty fields still inherit.
	assert.Equal(t, ProviderOpenAI, p.Provider)

	// Raw exposes only the stored override.
	raw := s.Raw("r_001")
	assert.Equal(t, "nova", raw.Voice)
	assert.Empty(t, raw.Provider)

	require.NoError(t, s.Delete("r_001"))
	assert.Equal(t, "alloy", s.For("r_001").Voice)
	// Deleting a missing override is a no-op.
	require.NoError(t, s.Delete("r_001"))
}

func TestProfileStoreValidation(t *testing.T) {
	s, _ := newProfileStore(t)

	assert.Equal(t, "room_id_required", apierr.Code(s.Set("", Profile{}), "x"))
	assert.Equal(t, "room_id_required", apierr.Code(s.Delete(""), "x"))
	assert.Equal(t, "provider_required", apierr.Code(s.Set("r", Profile{Provider: "espeak"}), "x"))
	assert.Equal(t, "invalid_fallback_provider", apierr.Code(s.Set("r", Profile{FallbackProvider: "espeak"}), "x"))
	assert.Equal(t, "invalid_speed", apierr.Code(s.Set("r", Profile{Speed: 3.0}), "x"))
	assert.Equal(t, "invalid_speed", apierr.Code(s.Set("r", Profile{Speed: 0.1}), "x"))
}

func TestProfileStorePersistsAcrossRestart(t *testing.T) {
	s, path := newProfileStore(t)
	require.NoError(t, s.Set("r_001", Profile{Voice: "nova"}))

	cfg := config.ChatConfig{TTSOpenAIVoice: "alloy", TTSSpeed: 1.0}
	s2 := NewProfileStore(path, cfg, zerolog.Nop())
	assert.Equal(t, "nova", s2.Raw("r_001").Voice)
}

func TestProfileStoreCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	s := NewProfileStore(path, config.ChatConfig{}, zerolog.Nop())
	assert.Empty(t, s.Raw("r_001"))
}

func ttsServer(t *testing.T, hits *atomic.Int64, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/synthesize", r.URL.Path)
		if status != http.StatusOK {
			http.Error(w, "down", status)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("RIFFdata"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDispatcher(t *testing.T, cfg config.ChatConfig) *Dispatcher {
	t.Helper()
	profiles := NewProfileStore(filepath.Join(t.TempDir(), "profiles.json"), cfg, zerolog.Nop())
	return NewDispatcher(cfg, "", profiles, zerolog.Nop())
}

func TestDispatcherSpeak(t *testing.T) {
	var hits atomic.Int64
	srv := ttsServer(t, &hits, http.StatusOK)
	d := newDispatcher(t, config.ChatConfig{
		TTSEnabled:       true,
		TTSProvider:      ProviderSelfhosted,
		TTSSelfhostedURL: srv.URL,
		TTSSpeed:         1.0,
	})

	audio, err := d.Speak(context.Background(), "r_001", "主力 资金 进场 了", "excited")
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFdata"), audio.Bytes)
	assert.Equal(t, "audio/wav", audio.ContentType)
	assert.Equal(t, ProviderSelfhosted, audio.Provider)
	assert.Equal(t, int64(1), hits.Load())
}

func TestDispatcherSpeakFallsThroughMissingPrimary(t *testing.T) {
	var hits atomic.Int64
	srv := ttsServer(t, &hits, http.StatusOK)
	// Primary openai is configured but has no key, so only the
	// selfhosted fallback exists.
	d := newDispatcher(t, config.ChatConfig{
		TTSEnabled:          true,
		TTSProvider:         ProviderOpenAI,
		TTSFallbackProvider: ProviderSelfhosted,
		TTSSelfhostedURL:    srv.URL,
	})

	audio, err := d.Speak(context.Background(), "r_001", "主力 资金 进场", "")
	require.NoError(t, err)
	assert.Equal(t, ProviderSelfhosted, audio.Provider)
}

func TestDispatcherSpeakErrors(t *testing.T) {
	d := newDispatcher(t, config.ChatConfig{})
	_, err := d.Speak(context.Background(), "r_001", "text", "")
	assert.Equal(t, "tts_disabled", apierr.Code(err, "x"))
	assert.False(t, d.Enabled())

	var hits atomic.Int64
	srv := ttsServer(t, &hits, http.StatusOK)
	d = newDispatcher(t, config.ChatConfig{
		TTSEnabled:       true,
		TTSProvider:      ProviderSelfhosted,
		TTSSelfhostedURL: srv.URL,
	})

	// All tokens strip away, nothing left to speak.
	_, err = d.Speak(context.Background(), "r_001", "600519.SH 100", "")
	assert.Equal(t, "text_required", apierr.Code(err, "x"))
	assert.Zero(t, hits.Load())
}

func TestDispatcherSpeakProviderFailure(t *testing.T) {
	var hits atomic.Int64
	srv := ttsServer(t, &hits, http.StatusInternalServerError)
	d := newDispatcher(t, config.ChatConfig{
		TTSEnabled:       true,
		TTSProvider:      ProviderSelfhosted,
		TTSSelfhostedURL: srv.URL,
	})

	_, err := d.Speak(context.Background(), "r_001", "主力 进场", "")
	assert.Equal(t, "tts_failed", apierr.Code(err, "x"))
	assert.Equal(t, int64(1), hits.Load())
}

func TestSelfhostedBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int64
	srv := ttsServer(t, &hits, http.StatusServiceUnavailable)
	p := newSelfhostedProvider(config.ChatConfig{TTSSelfhostedURL: srv.URL}, zerolog.Nop())

	req := Request{Text: "主力 进场", Speed: 1.0}
	for i := 0; i < 3; i++ {
		_, err := p.Synthesize(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, int64(3), hits.Load())

	// The open breaker fails fast without touching the wire.
	_, err := p.Synthesize(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, int64(3), hits.Load())
}

func TestKnownProvider(t *testing.T) {
	assert.True(t, KnownProvider(ProviderOpenAI))
	assert.True(t, KnownProvider(ProviderSelfhosted))
	assert.False(t, KnownProvider("espeak"))
}
