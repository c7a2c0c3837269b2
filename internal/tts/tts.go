// Package tts routes narration text through speech providers with
// automatic fallback, and keeps per-room voice profile overrides.
package tts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/config"
	"github.com/paperarena/arena/internal/metrics"
)

// Provider names.
const (
	ProviderOpenAI     = "openai"
	ProviderSelfhosted = "selfhosted"
)

// Audio is one synthesized clip.
type Audio struct {
	Bytes       []byte
	ContentType string
	Provider    string
}

// Request is one synthesis request after profile resolution.
type Request struct {
	Text  string
	Voice string
	Speed float64
	Tone  string
}

// Provider synthesizes speech for one backend.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (*Audio, error)
}

// Dispatcher resolves the per-room profile, compacts the text, and
// walks the provider list until one succeeds.
type Dispatcher struct {
	providers map[string]Provider
	profiles  *ProfileStore
	cfg       config.ChatConfig
	log       zerolog.Logger
}

// NewDispatcher wires the dispatcher with the configured providers.
func NewDispatcher(cfg config.ChatConfig, openAIKey string, profiles *ProfileStore, log zerolog.Logger) *Dispatcher {
	logger := log.With().Str("component", "tts_dispatcher").Logger()
	providers := map[string]Provider{}
	if openAIKey != "" {
		providers[ProviderOpenAI] = newOpenAIProvider(openAIKey, cfg, logger)
	}
	if cfg.TTSSelfhostedURL != "" {
		providers[ProviderSelfhosted] = newSelfhostedProvider(cfg, logger)
	}
	return &Dispatcher{
		providers: providers,
		profiles:  profiles,
		cfg:       cfg,
		log:       logger,
	}
}

// Enabled reports whether synthesis is possible at all.
func (d *Dispatcher) Enabled() bool {
	return d.cfg.TTSEnabled && len(d.providers) > 0
}

// KnownProvider reports whether name maps to a configured backend type.
func KnownProvider(name string) bool {
	return name == ProviderOpenAI || name == ProviderSelfhosted
}

// Speak synthesizes text for a room, honoring the room's profile and
// falling through the provider chain on failure.
func (d *Dispatcher) Speak(ctx context.Context, roomID, text, tone string) (*Audio, error) {
	if !d.Enabled() {
		return nil, apierr.Unavailable("tts_disabled", "tts is not enabled")
	}
	profile := d.profiles.For(roomID)
	req := Request{
		Text:  CompactText(text, d.maxChars()),
		Voice: profile.Voice,
		Speed: profile.Speed,
		Tone:  tone,
	}
	if req.Text == "" {
		return nil, apierr.BadRequest("text_required", "text is required")
	}

	var lastErr error
	for _, name := range d.chain(profile) {
		p, ok := d.providers[name]
		if !ok {
			continue
		}
		audio, err := p.Synthesize(ctx, req)
		if err != nil {
			metrics.TTSDispatchTotal.WithLabelValues(name, "error").Inc()
			d.log.Warn().Err(err).Str("provider", name).Str("room_id", roomID).Msg("TTS provider failed, trying next")
			lastErr = err
			continue
		}
		metrics.TTSDispatchTotal.WithLabelValues(name, "ok").Inc()
		return audio, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no tts provider configured")
	}
	return nil, apierr.Unavailable("tts_failed", lastErr.Error())
}

// chain is the provider order: requested first, fallback second,
// deduplicated.
func (d *Dispatcher) chain(p Profile) []string {
	primary := p.Provider
	if primary == "" {
		primary = d.cfg.TTSProvider
	}
	fallback := p.FallbackProvider
	if fallback == "" {
		fallback = d.cfg.TTSFallbackProvider
	}
	if fallback == "" || fallback == primary {
		return []string{primary}
	}
	return []string{primary, fallback}
}

func (d *Dispatcher) maxChars() int {
	if d.cfg.TTSMaxChars > 0 {
		return d.cfg.TTSMaxChars
	}
	return 300
}

// CompactText collapses the text to a single bounded line and strips
// tokens that read badly aloud: ticker symbols and bare numbers.
func CompactText(text string, maxChars int) string {
	fields := strings.Fields(text)
	var kept []string
	for _, f := range fields {
		if looksLikeTicker(f) || looksLikeNumber(f) {
			continue
		}
		kept = append(kept, f)
	}
	out := strings.Join(kept, " ")
	runes := []rune(out)
	if len(runes) > maxChars {
		out = string(runes[:maxChars])
	}
	return strings.TrimSpace(out)
}

// looksLikeTicker matches exchange-style symbols such as 600519.SH,
// AAPL, or sh600519.
func looksLikeTicker(tok string) bool {
	t := strings.Trim(tok, ",.;:()")
	if i := strings.IndexByte(t, '.'); i > 0 {
		head, tail := t[:i], t[i+1:]
		if allDigits(head) && len(tail) == 2 && allUpper(tail) {
			return true
		}
	}
	if len(t) >= 8 && (strings.HasPrefix(t, "sh") || strings.HasPrefix(t, "sz")) && allDigits(t[2:]) {
		return true
	}
	if len(t) >= 2 && len(t) <= 5 && allUpper(t) {
		return true
	}
	return false
}

func looksLikeNumber(tok string) bool {
	t := strings.Trim(tok, ",.;:()%+-")
	if t == "" {
		return false
	}
	for _, r := range t {
		if (r < '0' || r > '9') && r != '.' && r != ',' {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func allUpper(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// openAIProvider speaks through the OpenAI audio endpoint.
type openAIProvider struct {
	client *resty.Client
	model  string
	voice  string
	log    zerolog.Logger
}

func newOpenAIProvider(apiKey string, cfg config.ChatConfig, log zerolog.Logger) *openAIProvider {
	timeout := time.Duration(cfg.TTSTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &openAIProvider{
		client: resty.New().
			SetBaseURL("https://api.openai.com").
			SetTimeout(timeout).
			SetAuthToken(apiKey),
		model: cfg.TTSOpenAIModel,
		voice: cfg.TTSOpenAIVoice,
		log:   log,
	}
}

func (p *openAIProvider) Name() string { return ProviderOpenAI }

func (p *openAIProvider) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"model":           p.model,
			"voice":           voice,
			"input":           req.Text,
			"response_format": "mp3",
			"speed":           speed,
		}).
		Post("/v1/audio/speech")
	if err != nil {
		return nil, fmt.Errorf("openai tts request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("openai tts status %d", resp.StatusCode())
	}
	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return &Audio{Bytes: resp.Body(), ContentType: contentType, Provider: ProviderOpenAI}, nil
}

// selfhostedProvider speaks through an internal endpoint with its own
// payload shape, behind a circuit breaker so a dead box fails fast.
type selfhostedProvider struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	speed   float64
	log     zerolog.Logger
}

func newSelfhostedProvider(cfg config.ChatConfig, log zerolog.Logger) *selfhostedProvider {
	timeout := time.Duration(cfg.TTSTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tts_selfhosted",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
	return &selfhostedProvider{
		client:  resty.New().SetBaseURL(cfg.TTSSelfhostedURL).SetTimeout(timeout),
		breaker: breaker,
		speed:   cfg.TTSSpeed,
		log:     log,
	}
}

func (p *selfhostedProvider) Name() string { return ProviderSelfhosted }

func (p *selfhostedProvider) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	speed := req.Speed
	if speed <= 0 {
		speed = p.speed
	}
	if speed <= 0 {
		speed = 1.0
	}
	out, err := p.breaker.Execute(func() (interface{}, error) {
		resp, err := p.client.R().
			SetContext(ctx).
			SetBody(map[string]any{
				"text":    req.Text,
				"speaker": req.Voice,
				"rate":    speed,
				"emotion": req.Tone,
			}).
			Post("/synthesize")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("selfhosted tts status %d", resp.StatusCode())
		}
		contentType := resp.Header().Get("Content-Type")
		if contentType == "" {
			contentType = "audio/wav"
		}
		return &Audio{Bytes: resp.Body(), ContentType: contentType, Provider: ProviderSelfhosted}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Audio), nil
}
