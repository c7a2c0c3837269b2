package audit

import (
	"context"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
)

// ControlEvent is one control-gate decision: who tried what against
// which target and whether the gate let it through.
type ControlEvent struct {
	TS     string `json:"ts"`
	Action string `json:"action"`
	Actor  string `json:"actor"`
	IP     string `json:"ip"`
	Target string `json:"target"`
	Result string `json:"result"` // allowed, denied, error
	Error  string `json:"error,omitempty"`
}

// PgxIface is the pgx surface the sink uses, satisfied by pgxpool.Pool
// and pgxmock.
type PgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ControlAudit writes control events to daily JSONL files, always logs
// them, and optionally mirrors them into Postgres. A dead database
// degrades to file-only with a warning.
type ControlAudit struct {
	baseDir string
	db      PgxIface
	clk     clock.Clock
	log     zerolog.Logger
}

const controlTableDDL = `CREATE TABLE IF NOT EXISTS control_audit (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	action TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	target TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT ''
)`

// NewControlAudit builds the trail rooted at baseDir. databaseURL is
// optional; when set the sink owns its table DDL at boot.
func NewControlAudit(ctx context.Context, baseDir, databaseURL string, clk clock.Clock, log zerolog.Logger) *ControlAudit {
	a := &ControlAudit{
		baseDir: baseDir,
		clk:     clk,
		log:     log.With().Str("component", "control_audit").Logger(),
	}
	if databaseURL != "" {
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			a.log.Warn().Err(err).Msg("Control audit database unavailable, degrading to file-only")
		} else if _, err := pool.Exec(ctx, controlTableDDL); err != nil {
			a.log.Warn().Err(err).Msg("Control audit table create failed, degrading to file-only")
			pool.Close()
		} else {
			a.db = pool
		}
	}
	return a
}

// NewControlAuditWithDB wires an explicit pgx interface, used by tests.
func NewControlAuditWithDB(baseDir string, db PgxIface, clk clock.Clock, log zerolog.Logger) *ControlAudit {
	return &ControlAudit{
		baseDir: baseDir,
		db:      db,
		clk:     clk,
		log:     log.With().Str("component", "control_audit").Logger(),
	}
}

// Record appends one control event. File write failures and database
// failures only log; the gate decision itself already happened.
func (a *ControlAudit) Record(ctx context.Context, ev ControlEvent) {
	if a == nil {
		return
	}
	now := a.clk.Now()
	if ev.TS == "" {
		ev.TS = now.UTC().Format(time.RFC3339)
	}

	a.log.Info().
		Str("action", ev.Action).
		Str("actor", ev.Actor).
		Str("ip", ev.IP).
		Str("target", ev.Target).
		Str("result", ev.Result).
		Str("error", ev.Error).
		Msg("Control gate decision")

	path := filepath.Join(a.baseDir, now.UTC().Format("2006-01-02")+".jsonl")
	if err := appendJSONL(path, ev); err != nil {
		a.log.Warn().Err(err).Msg("Control audit file append failed")
	}

	if a.db != nil {
		insertCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := a.db.Exec(insertCtx,
			`INSERT INTO control_audit (ts, action, actor, ip, target, result, error) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			now.UTC(), ev.Action, ev.Actor, ev.IP, ev.Target, ev.Result, ev.Error)
		if err != nil {
			a.log.Warn().Err(err).Msg("Control audit database insert failed")
		}
	}
}
