package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/decision"
)

var dayKeyRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidDayKey reports whether s is a YYYY-MM-DD day key.
func ValidDayKey(s string) bool {
	return dayKeyRe.MatchString(s)
}

// DecisionLog persists decisions as data/decisions/{trader}/{day}.jsonl.
type DecisionLog struct {
	baseDir string
	log     zerolog.Logger
}

// NewDecisionLog roots the store at baseDir.
func NewDecisionLog(baseDir string, log zerolog.Logger) *DecisionLog {
	return &DecisionLog{
		baseDir: baseDir,
		log:     log.With().Str("component", "decision_log").Logger(),
	}
}

func (l *DecisionLog) path(traderID, dayKey string) string {
	return filepath.Join(l.baseDir, traderID, dayKey+".jsonl")
}

// Append writes one decision to the trader's file for dayKey.
func (l *DecisionLog) Append(traderID, dayKey string, rec *decision.Record) error {
	return appendJSONL(l.path(traderID, dayKey), rec)
}

// ListLatest gathers up to limit records scanning day files newest
// first, then sorts by saved_ts_ms descending.
func (l *DecisionLog) ListLatest(traderID string, limit int) []decision.Record {
	if limit <= 0 {
		limit = 50
	}
	var out []decision.Record
	for _, path := range dayFiles(filepath.Join(l.baseDir, traderID)) {
		if len(out) >= limit {
			break
		}
		err := tailJSONL(path, limit-len(out), func(line []byte) bool {
			var rec decision.Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return false
			}
			out = append(out, rec)
			return true
		})
		if err != nil && !os.IsNotExist(err) {
			l.log.Warn().Err(err).Str("path", path).Msg("Decision log tail failed")
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SavedTSMs > out[j].SavedTSMs })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListDay returns every record of one day, oldest first.
func (l *DecisionLog) ListDay(traderID, dayKey string) ([]decision.Record, error) {
	if !ValidDayKey(dayKey) {
		return nil, fmt.Errorf("invalid day key %q", dayKey)
	}
	var out []decision.Record
	err := tailJSONL(l.path(traderID, dayKey), 0, func(line []byte) bool {
		var rec decision.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return false
		}
		out = append(out, rec)
		return true
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	// tailJSONL yields newest first; flip to file order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AuditStore persists decision audit records in the same daily layout
// under data/audit/decision_audit.
type AuditStore struct {
	baseDir string
	log     zerolog.Logger
}

// NewAuditStore roots the audit store at baseDir.
func NewAuditStore(baseDir string, log zerolog.Logger) *AuditStore {
	return &AuditStore{
		baseDir: baseDir,
		log:     log.With().Str("component", "decision_audit").Logger(),
	}
}

func (s *AuditStore) path(traderID, dayKey string) string {
	return filepath.Join(s.baseDir, traderID, dayKey+".jsonl")
}

// Append writes one audit record for dayKey.
func (s *AuditStore) Append(traderID, dayKey string, rec *decision.AuditRecord) error {
	return appendJSONL(s.path(traderID, dayKey), rec)
}

// ListLatest gathers up to limit audit records, newest first.
func (s *AuditStore) ListLatest(traderID string, limit int) []decision.AuditRecord {
	if limit <= 0 {
		limit = 50
	}
	var out []decision.AuditRecord
	for _, path := range dayFiles(filepath.Join(s.baseDir, traderID)) {
		if len(out) >= limit {
			break
		}
		err := tailJSONL(path, limit-len(out), func(line []byte) bool {
			var rec decision.AuditRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return false
			}
			out = append(out, rec)
			return true
		})
		if err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("Decision audit tail failed")
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SavedTSMs > out[j].SavedTSMs })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListDay returns one day's audit records, oldest first.
func (s *AuditStore) ListDay(traderID, dayKey string) ([]decision.AuditRecord, error) {
	if !ValidDayKey(dayKey) {
		return nil, fmt.Errorf("invalid day key %q", dayKey)
	}
	var out []decision.AuditRecord
	err := tailJSONL(s.path(traderID, dayKey), 0, func(line []byte) bool {
		var rec decision.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return false
		}
		out = append(out, rec)
		return true
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
