package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/decision"
)

func TestValidDayKey(t *testing.T) {
	assert.True(t, ValidDayKey("2026-03-02"))
	assert.False(t, ValidDayKey("2026-3-2"))
	assert.False(t, ValidDayKey("20260302"))
	assert.False(t, ValidDayKey("2026-03-02.jsonl"))
	assert.False(t, ValidDayKey("../2026-03-02"))
	assert.False(t, ValidDayKey(""))
}

func decisionRec(cycle int64, savedTSMs int64) *decision.Record {
	return &decision.Record{
		Timestamp:      time.UnixMilli(savedTSMs).UTC().Format(time.RFC3339),
		CycleNumber:    cycle,
		Symbol:         "600519.SH",
		Action:         decision.ActionHold,
		Confidence:     0.5,
		Reasoning:      "观望",
		DecisionSource: decision.SourceFallback,
		SavedTSMs:      savedTSMs,
	}
}

func TestDecisionLogAppendAndListDay(t *testing.T) {
	l := NewDecisionLog(t.TempDir(), zerolog.Nop())

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, l.Append("t_001", "2026-03-02", decisionRec(i, 1_000+i)))
	}

	recs, err := l.ListDay("t_001", "2026-03-02")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// File order, oldest first.
	assert.Equal(t, int64(1), recs[0].CycleNumber)
	assert.Equal(t, int64(3), recs[2].CycleNumber)

	_, err = l.ListDay("t_001", "not-a-day")
	assert.Error(t, err)

	recs, err = l.ListDay("t_001", "2026-03-03")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDecisionLogListLatestSpansDays(t *testing.T) {
	l := NewDecisionLog(t.TempDir(), zerolog.Nop())

	require.NoError(t, l.Append("t_001", "2026-03-02", decisionRec(1, 1_000)))
	require.NoError(t, l.Append("t_001", "2026-03-02", decisionRec(2, 2_000)))
	require.NoError(t, l.Append("t_001", "2026-03-03", decisionRec(3, 3_000)))

	recs := l.ListLatest("t_001", 2)
	require.Len(t, recs, 2)
	// Newest first, drawn from the newest day file down.
	assert.Equal(t, int64(3), recs[0].CycleNumber)
	assert.Equal(t, int64(2), recs[1].CycleNumber)

	// Zero limit falls back to the default and returns everything here.
	recs = l.ListLatest("t_001", 0)
	assert.Len(t, recs, 3)

	assert.Empty(t, l.ListLatest("t_missing", 10))
}

func TestDecisionLogSkipsPartialTailLine(t *testing.T) {
	dir := t.TempDir()
	l := NewDecisionLog(dir, zerolog.Nop())
	require.NoError(t, l.Append("t_001", "2026-03-02", decisionRec(1, 1_000)))
	require.NoError(t, l.Append("t_001", "2026-03-02", decisionRec(2, 2_000)))

	// A writer crash mid-record leaves a torn last line.
	path := filepath.Join(dir, "t_001", "2026-03-02.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"cycle_number":3,"symb`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs, err := l.ListDay("t_001", "2026-03-02")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	latest := l.ListLatest("t_001", 10)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(2), latest[0].CycleNumber)
}

func TestTailJSONLWindowsLargeFiles(t *testing.T) {
	// More than one 64KiB read window, with padding to push early
	// records out of the tail chunk.
	dir := t.TempDir()
	path := filepath.Join(dir, "big.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	pad := make([]byte, 500)
	for i := range pad {
		pad[i] = 'x'
	}
	for i := 0; i < 300; i++ {
		_, err = fmt.Fprintf(f, `{"n":%d,"pad":%q}`+"\n", i, pad)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	var got []int
	err = tailJSONL(path, 5, func(line []byte) bool {
		var rec struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(line, &rec))
		got = append(got, rec.N)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []int{299, 298, 297, 296, 295}, got)
}

func auditRec(cycle int64, savedTSMs int64) *decision.AuditRecord {
	return &decision.AuditRecord{
		Timestamp:   time.UnixMilli(savedTSMs).UTC().Format(time.RFC3339),
		CycleNumber: cycle,
		TraderID:    "t_001",
		Symbol:      "600519.SH",
		Action:      decision.ActionHold,
		ForcedHold:  true,
		SavedTSMs:   savedTSMs,
	}
}

func TestAuditStoreRoundTrip(t *testing.T) {
	s := NewAuditStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, s.Append("t_001", "2026-03-02", auditRec(1, 1_000)))
	require.NoError(t, s.Append("t_001", "2026-03-02", auditRec(2, 2_000)))

	day, err := s.ListDay("t_001", "2026-03-02")
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, int64(1), day[0].CycleNumber)
	assert.True(t, day[0].ForcedHold)

	latest := s.ListLatest("t_001", 1)
	require.Len(t, latest, 1)
	assert.Equal(t, int64(2), latest[0].CycleNumber)

	_, err = s.ListDay("t_001", "bad")
	assert.Error(t, err)
}

func TestControlAuditFileOnly(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	a := NewControlAuditWithDB(dir, nil, clk, zerolog.Nop())

	a.Record(context.Background(), ControlEvent{
		Action: "agents_start",
		Actor:  "ops",
		IP:     "10.0.0.1",
		Target: "t_001",
		Result: "allowed",
	})

	raw, err := os.ReadFile(filepath.Join(dir, "2026-03-02.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"action":"agents_start"`)
	assert.Contains(t, string(raw), `"result":"allowed"`)
	// Stamp defaults to the clock when the caller leaves it empty.
	assert.Contains(t, string(raw), `"ts":"2026-03-02T10:00:00Z"`)

	var nilAudit *ControlAudit
	nilAudit.Record(context.Background(), ControlEvent{Action: "noop"})
}

func TestControlAuditInsertsIntoDatabase(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	a := NewControlAuditWithDB(t.TempDir(), mock, clk, zerolog.Nop())

	mock.ExpectExec("INSERT INTO control_audit").
		WithArgs(clk.Now().UTC(), "kill_switch_engage", "ops", "10.0.0.1", "all", "allowed", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	a.Record(context.Background(), ControlEvent{
		Action: "kill_switch_engage",
		Actor:  "ops",
		IP:     "10.0.0.1",
		Target: "all",
		Result: "allowed",
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestControlAuditDatabaseFailureDegradesToFile(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	a := NewControlAuditWithDB(dir, mock, clk, zerolog.Nop())

	mock.ExpectExec("INSERT INTO control_audit").
		WithArgs(pgxmock.AnyArg(), "dev_reset", "ops", "", "bets", "denied", "").
		WillReturnError(fmt.Errorf("connection refused"))

	a.Record(context.Background(), ControlEvent{
		Action: "dev_reset",
		Actor:  "ops",
		Target: "bets",
		Result: "denied",
	})

	// The file trail still gets the event.
	raw, err := os.ReadFile(filepath.Join(dir, "2026-03-02.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"action":"dev_reset"`)
	require.NoError(t, mock.ExpectationsWereMet())
}
