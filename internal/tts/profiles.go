package tts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/config"
)

// Profile is one room's voice override. Empty fields inherit the
// global defaults.
type Profile struct {
	Voice            string  `json:"voice,omitempty"`
	Speed            float64 `json:"speed,omitempty"`
	Provider         string  `json:"provider,omitempty"`
	FallbackProvider string  `json:"fallback_provider,omitempty"`
}

// ProfileStore persists per-room profiles as one JSON document with
// tmp+rename writes.
type ProfileStore struct {
	mu       sync.Mutex
	path     string
	profiles map[string]Profile
	defaults Profile
	log      zerolog.Logger
}

// NewProfileStore loads profiles from path; a missing file starts
// empty.
func NewProfileStore(path string, cfg config.ChatConfig, log zerolog.Logger) *ProfileStore {
	s := &ProfileStore{
		path:     path,
		profiles: map[string]Profile{},
		defaults: Profile{
			Voice:            cfg.TTSOpenAIVoice,
			Speed:            cfg.TTSSpeed,
			Provider:         cfg.TTSProvider,
			FallbackProvider: cfg.TTSFallbackProvider,
		},
		log: log.With().Str("component", "tts_profiles").Logger(),
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(raw, &s.profiles); err != nil {
			s.log.Warn().Err(err).Msg("TTS profile file unreadable, starting empty")
			s.profiles = map[string]Profile{}
		}
	}
	return s
}

// Defaults returns the global profile.
func (s *ProfileStore) Defaults() Profile {
	return s.defaults
}

// For resolves the effective profile for a room, filling empty fields
// from the defaults.
func (s *ProfileStore) For(roomID string) Profile {
	s.mu.Lock()
	p := s.profiles[roomID]
	s.mu.Unlock()

	if p.Voice == "" {
		p.Voice = s.defaults.Voice
	}
	if p.Speed <= 0 {
		p.Speed = s.defaults.Speed
	}
	if p.Provider == "" {
		p.Provider = s.defaults.Provider
	}
	if p.FallbackProvider == "" {
		p.FallbackProvider = s.defaults.FallbackProvider
	}
	return p
}

// Raw returns the stored (unresolved) override for a room.
func (s *ProfileStore) Raw(roomID string) Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[roomID]
}

// Set validates and persists one room's override.
func (s *ProfileStore) Set(roomID string, p Profile) error {
	if roomID == "" {
		return apierr.BadRequest("room_id_required", "room_id is required")
	}
	if p.Provider != "" && !KnownProvider(p.Provider) {
		return apierr.BadRequest("provider_required", fmt.Sprintf("unknown provider %q", p.Provider))
	}
	if p.FallbackProvider != "" && !KnownProvider(p.FallbackProvider) {
		return apierr.BadRequest("invalid_fallback_provider", fmt.Sprintf("unknown fallback provider %q", p.FallbackProvider))
	}
	if p.Speed != 0 && (p.Speed < 0.5 || p.Speed > 2.0) {
		return apierr.BadRequest("invalid_speed", "speed must be within [0.5, 2.0]")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[roomID] = p
	return s.saveLocked()
}

// Delete removes a room's override, reverting it to the defaults.
func (s *ProfileStore) Delete(roomID string) error {
	if roomID == "" {
		return apierr.BadRequest("room_id_required", "room_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[roomID]; !ok {
		return nil
	}
	delete(s.profiles, roomID)
	return s.saveLocked()
}

func (s *ProfileStore) saveLocked() error {
	raw, err := json.MarshalIndent(s.profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tts profiles: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir tts profile dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write tts profiles: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename tts profiles: %w", err)
	}
	return nil
}
