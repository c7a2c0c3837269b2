// Package registry owns the set of available traders, loaded from
// on-disk YAML manifests, and the persisted registered/running state.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Trading styles a manifest may declare.
const (
	StyleMomentum      = "momentum"
	StyleMeanReversion = "mean_reversion"
	StyleEventDriven   = "event_driven"
	StyleMacroSwing    = "macro_swing"
	StyleBalanced      = "balanced"
)

// Risk profiles a manifest may declare.
const (
	RiskConservative = "conservative"
	RiskBalanced     = "balanced"
	RiskAggressive   = "aggressive"
)

// Trader status values.
const (
	StatusStopped = "stopped"
	StatusRunning = "running"
)

// Trader is one AI trader as declared by its manifest plus its
// registry status.
type Trader struct {
	TraderID     string            `json:"trader_id" yaml:"trader_id"`
	TraderName   string            `json:"trader_name" yaml:"trader_name"`
	AIModel      string            `json:"ai_model" yaml:"ai_model"`
	ExchangeID   string            `json:"exchange_id" yaml:"exchange_id"`
	StrategyName string            `json:"strategy_name" yaml:"strategy_name"`
	TradingStyle string            `json:"trading_style" yaml:"trading_style"`
	RiskProfile  string            `json:"risk_profile" yaml:"risk_profile"`
	StockPool    []string          `json:"stock_pool" yaml:"stock_pool"`
	Avatars      map[string]string `json:"avatars,omitempty" yaml:"avatars"`
	Status       string            `json:"status" yaml:"-"`
}

// manifest is the on-disk schema. schema_version gates forward
// compatibility; everything else maps onto Trader.
type manifest struct {
	SchemaVersion string `yaml:"schema_version"`
	Trader        `yaml:",inline"`
}

// manifestVersionRange accepts every 1.x manifest.
var manifestVersionRange = mustConstraint(">=1.0.0 <2.0.0")

func mustConstraint(rng string) *semver.Constraints {
	c, err := semver.NewConstraint(rng)
	if err != nil {
		panic(err)
	}
	return c
}

// loadManifests reads every *.yaml manifest under dir. Invalid files
// are skipped with a warning so one bad manifest never hides the rest.
func loadManifests(dir string, log zerolog.Logger) map[string]Trader {
	out := map[string]Trader{}
	patterns := []string{"*.yaml", "*.yml"}
	var paths []string
	for _, pat := range patterns {
		matches, _ := filepath.Glob(filepath.Join(dir, pat))
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	for _, path := range paths {
		trader, err := loadManifest(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping invalid trader manifest")
			continue
		}
		if _, dup := out[trader.TraderID]; dup {
			log.Warn().Str("trader_id", trader.TraderID).Str("path", path).Msg("Duplicate trader_id, keeping first manifest")
			continue
		}
		out[trader.TraderID] = trader
	}
	return out
}

func loadManifest(path string) (Trader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Trader{}, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Trader{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.SchemaVersion == "" {
		return Trader{}, fmt.Errorf("manifest %s: schema_version missing", path)
	}
	ver, err := semver.NewVersion(m.SchemaVersion)
	if err != nil {
		return Trader{}, fmt.Errorf("manifest %s: schema_version %q: %w", path, m.SchemaVersion, err)
	}
	if !manifestVersionRange.Check(ver) {
		return Trader{}, fmt.Errorf("manifest %s: schema_version %s outside supported range", path, m.SchemaVersion)
	}
	if m.TraderID == "" {
		return Trader{}, fmt.Errorf("manifest %s: trader_id missing", path)
	}
	if m.TradingStyle == "" {
		m.TradingStyle = StyleBalanced
	}
	if m.RiskProfile == "" {
		m.RiskProfile = RiskBalanced
	}
	m.Trader.Status = StatusStopped
	return m.Trader, nil
}
