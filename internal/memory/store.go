package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/decision"
)

// Store holds every trader's snapshot, serializing mutations per
// trader and persisting each snapshot with tmp+rename.
type Store struct {
	mu             sync.Mutex
	baseDir        string
	initialBalance float64
	clk            clock.Clock
	log            zerolog.Logger

	snapshots map[string]*Snapshot
	locks     map[string]*sync.Mutex
}

// NewStore creates the store rooted at baseDir. Existing snapshot
// files are loaded best-effort; corrupt files degrade to the default
// snapshot.
func NewStore(baseDir string, initialBalance float64, clk clock.Clock, log zerolog.Logger) *Store {
	return &Store{
		baseDir:        baseDir,
		initialBalance: initialBalance,
		clk:            clk,
		log:            log.With().Str("component", "memory").Logger(),
		snapshots:      map[string]*Snapshot{},
		locks:          map[string]*sync.Mutex{},
	}
}

func (s *Store) path(traderID string) string {
	return filepath.Join(s.baseDir, traderID+".json")
}

// traderLock returns the per-trader mutex, creating state on first use.
func (s *Store) traderLock(traderID string) (*sync.Mutex, *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[traderID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[traderID] = lock
		s.snapshots[traderID] = s.loadOrDefault(traderID)
	}
	return lock, s.snapshots[traderID]
}

func (s *Store) loadOrDefault(traderID string) *Snapshot {
	raw, err := os.ReadFile(s.path(traderID))
	if err == nil {
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err == nil && snap.TraderID == traderID {
			if snap.Holdings == nil {
				snap.Holdings = map[string]*Holding{}
			}
			return &snap
		}
		s.log.Warn().Str("trader_id", traderID).Msg("Snapshot file unreadable, starting from default")
	}
	return s.defaultSnapshot(traderID)
}

func (s *Store) defaultSnapshot(traderID string) *Snapshot {
	now := s.clk.Now()
	return &Snapshot{
		TraderID: traderID,
		Account: Account{
			InitialBalance:   s.initialBalance,
			TotalEquity:      s.initialBalance,
			AvailableBalance: s.initialBalance,
		},
		Holdings:      map[string]*Holding{},
		DayOpenEquity: s.initialBalance,
		UpdatedTSMs:   now.UnixMilli(),
	}
}

// saveLocked persists snap under its trader lock using tmp+rename.
func (s *Store) saveLocked(snap *Snapshot) error {
	snap.UpdatedTSMs = s.clk.Now().UnixMilli()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	path := s.path(snap.TraderID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Get returns a deep copy of the trader's snapshot.
func (s *Store) Get(traderID string) Snapshot {
	lock, snap := s.traderLock(traderID)
	lock.Lock()
	defer lock.Unlock()
	return copySnapshot(snap)
}

// AccountOf returns the trader's account state.
func (s *Store) AccountOf(traderID string) Account {
	return s.Get(traderID).Account
}

// PositionsOf returns the trader's holdings with shares > 0, sorted by
// symbol.
func (s *Store) PositionsOf(traderID string) []Holding {
	snap := s.Get(traderID)
	out := make([]Holding, 0, len(snap.Holdings))
	for _, h := range snap.Holdings {
		if h.Shares > 0 {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PositionShares returns shares per symbol for the context builder.
func (s *Store) PositionShares(traderID string) map[string]int64 {
	snap := s.Get(traderID)
	out := map[string]int64{}
	for sym, h := range snap.Holdings {
		if h.Shares > 0 {
			out[sym] = h.Shares
		}
	}
	return out
}

// EquityHistory returns equity points within the last hours.
func (s *Store) EquityHistory(traderID string, hours int) []EquityPoint {
	snap := s.Get(traderID)
	if hours <= 0 {
		return snap.EquityCurve
	}
	cutoff := s.clk.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	var out []EquityPoint
	for _, p := range snap.EquityCurve {
		if p.TSMs >= cutoff {
			out = append(out, p)
		}
	}
	return out
}

// DailyReturnPct returns today's return in percent against the day
// open equity.
func (s *Store) DailyReturnPct(traderID string) float64 {
	snap := s.Get(traderID)
	if snap.DayOpenEquity <= 0 {
		return 0
	}
	return (snap.Account.TotalEquity/snap.DayOpenEquity - 1) * 100
}

// ResetScopes selects what ResetTrader wipes.
type ResetScopes struct {
	ResetMemory    bool `json:"resetMemory"`
	ResetPositions bool `json:"resetPositions"`
	ResetStats     bool `json:"resetStats"`
}

// Any reports whether at least one scope is selected.
func (r ResetScopes) Any() bool {
	return r.ResetMemory || r.ResetPositions || r.ResetStats
}

// ResetTrader wipes the selected scopes of one trader. A full reset
// also re-zeros the equity curve.
func (s *Store) ResetTrader(traderID string, scopes ResetScopes) error {
	lock, snap := s.traderLock(traderID)
	lock.Lock()
	defer lock.Unlock()

	if scopes.ResetMemory {
		snap.RecentActions = nil
	}
	if scopes.ResetPositions {
		snap.Holdings = map[string]*Holding{}
		snap.Account.AvailableBalance = snap.Account.TotalEquity
		snap.Account.UnrealizedProfit = 0
		snap.Account.PositionCount = 0
	}
	if scopes.ResetStats {
		snap.TradeEvents = nil
		snap.ClosedTrades = nil
		snap.Journal = nil
		snap.Account = Account{
			InitialBalance:   s.initialBalance,
			TotalEquity:      s.initialBalance,
			AvailableBalance: s.initialBalance,
		}
		snap.Holdings = map[string]*Holding{}
		snap.DayOpenEquity = s.initialBalance
		snap.DayTrades = 0
	}
	if scopes.ResetMemory && scopes.ResetPositions && scopes.ResetStats {
		snap.EquityCurve = nil
	}
	return s.saveLocked(snap)
}

// FactoryReset wipes every trader the store has touched and removes
// their snapshot files.
func (s *Store) FactoryReset() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.ResetTrader(id, ResetScopes{ResetMemory: true, ResetPositions: true, ResetStats: true}); err != nil {
			return err
		}
	}
	entries, err := filepath.Glob(filepath.Join(s.baseDir, "*.json"))
	if err != nil {
		return nil
	}
	for _, path := range entries {
		_ = os.Remove(path)
	}
	return nil
}

func copySnapshot(snap *Snapshot) Snapshot {
	out := *snap
	out.Holdings = map[string]*Holding{}
	for sym, h := range snap.Holdings {
		hc := *h
		hc.Lots = append([]Lot(nil), h.Lots...)
		out.Holdings[sym] = &hc
	}
	out.RecentActions = append([]decision.Record(nil), snap.RecentActions...)
	out.TradeEvents = append([]TradeEvent(nil), snap.TradeEvents...)
	out.ClosedTrades = append([]ClosedTrade(nil), snap.ClosedTrades...)
	out.EquityCurve = append([]EquityPoint(nil), snap.EquityCurve...)
	out.Journal = append([]JournalEntry(nil), snap.Journal...)
	return out
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
