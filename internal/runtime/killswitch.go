// Package runtime drives the agent decision loop: a gated scheduler
// over the active traders, the session gate that pauses them when the
// market is closed or the feed is stale, and the persistent kill
// switch.
package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/metrics"
)

// KillSwitchState is the persisted kill-switch document.
type KillSwitchState struct {
	Active        bool   `json:"active"`
	Reason        string `json:"reason,omitempty"`
	ActivatedAt   string `json:"activated_at,omitempty"`
	ActivatedBy   string `json:"activated_by,omitempty"`
	DeactivatedAt string `json:"deactivated_at,omitempty"`
	DeactivatedBy string `json:"deactivated_by,omitempty"`
}

// KillSwitch is the global stop for the agent runtime and the replay
// engine, persisted across restarts.
type KillSwitch struct {
	mu       sync.Mutex
	path     string
	state    KillSwitchState
	clk      clock.Clock
	log      zerolog.Logger
	onChange func(active bool)
}

// NewKillSwitch loads the persisted state from path; a missing file
// starts inactive.
func NewKillSwitch(path string, clk clock.Clock, log zerolog.Logger) *KillSwitch {
	k := &KillSwitch{
		path: path,
		clk:  clk,
		log:  log.With().Str("component", "kill_switch").Logger(),
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(raw, &k.state); err != nil {
			k.log.Warn().Err(err).Msg("Kill switch state unreadable, starting inactive")
			k.state = KillSwitchState{}
		}
	}
	metrics.SetKillSwitch(k.state.Active)
	return k
}

// OnChange registers the activation callback, called outside the lock.
func (k *KillSwitch) OnChange(fn func(active bool)) {
	k.mu.Lock()
	k.onChange = fn
	k.mu.Unlock()
}

// Active reports whether the switch currently blocks all cycles.
func (k *KillSwitch) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state.Active
}

// State returns a copy of the persisted document.
func (k *KillSwitch) State() KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Activate engages the switch. Reason and actor go into the audit log
// line and the persisted document.
func (k *KillSwitch) Activate(reason, actor string) error {
	k.mu.Lock()
	k.state.Active = true
	k.state.Reason = reason
	k.state.ActivatedAt = k.clk.Now().UTC().Format(time.RFC3339)
	k.state.ActivatedBy = actor
	err := k.saveLocked()
	fn := k.onChange
	k.mu.Unlock()

	metrics.SetKillSwitch(true)
	k.log.Warn().Str("reason", reason).Str("actor", actor).Msg("Kill switch activated")
	if fn != nil {
		fn(true)
	}
	return err
}

// Deactivate releases the switch.
func (k *KillSwitch) Deactivate(actor string) error {
	k.mu.Lock()
	k.state.Active = false
	k.state.DeactivatedAt = k.clk.Now().UTC().Format(time.RFC3339)
	k.state.DeactivatedBy = actor
	err := k.saveLocked()
	fn := k.onChange
	k.mu.Unlock()

	metrics.SetKillSwitch(false)
	k.log.Info().Str("actor", actor).Msg("Kill switch deactivated")
	if fn != nil {
		fn(false)
	}
	return err
}

func (k *KillSwitch) saveLocked() error {
	raw, err := json.MarshalIndent(k.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal kill switch: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return fmt.Errorf("mkdir kill switch dir: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write kill switch: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return fmt.Errorf("rename kill switch: %w", err)
	}
	return nil
}
