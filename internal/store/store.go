// Package store persists action results, the safety audit trail and the
// cycle journal in SQLite. The control loop never reads from it; it exists
// for operators (cmd/inspect) and for replay fixture export.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/t031a5/controlcore/internal/logging"
	"github.com/t031a5/controlcore/internal/model"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS action_results (
	id              TEXT PRIMARY KEY,
	intent_ref      TEXT NOT NULL,
	kind            TEXT NOT NULL,
	actuator_group  TEXT,
	origin_cycle_id INTEGER NOT NULL,
	status          TEXT NOT NULL,
	reason          TEXT,
	detail          TEXT,
	discarded       INTEGER NOT NULL DEFAULT 0,
	completed_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_results_cycle ON action_results(origin_cycle_id);

CREATE TABLE IF NOT EXISTS safety_audit (
	id            TEXT PRIMARY KEY,
	from_state    TEXT NOT NULL,
	to_state      TEXT NOT NULL,
	reason        TEXT,
	triggered_by  TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cycle_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id          INTEGER NOT NULL,
	context_json      TEXT,
	dominant_modality TEXT,
	confidence        REAL NOT NULL,
	provider          TEXT,
	degraded          INTEGER NOT NULL,
	accepted          INTEGER NOT NULL,
	rejected          INTEGER NOT NULL,
	duration_ms       REAL NOT NULL,
	overrun           INTEGER NOT NULL,
	created_at        TEXT NOT NULL
);
`
// #endregion schema

// #region store-struct
// Store manages the controller journal in SQLite.
type Store struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}
// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion db-accessor

// #region record-result
// RecordResult persists one action result.
func (s *Store) RecordResult(r model.ActionResult) error {
	discarded := 0
	if r.Discarded {
		discarded = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO action_results (id, intent_ref, kind, actuator_group, origin_cycle_id, status, reason, detail, discarded, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), r.IntentRef, string(r.Kind), nullIfEmpty(string(r.Group)), int64(r.OriginCycleID),
		string(r.Status), nullIfEmpty(string(r.Reason)), nullIfEmpty(r.Detail), discarded,
		r.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert action result %s: %w", r.IntentRef, err)
	}
	return nil
}
// #endregion record-result

// #region recent-results
// RecentResults returns the most recent action results, newest first.
func (s *Store) RecentResults(limit int) ([]model.ActionResult, error) {
	rows, err := s.db.Query(
		`SELECT intent_ref, kind, actuator_group, origin_cycle_id, status, reason, detail, discarded, completed_at
		 FROM action_results ORDER BY completed_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []model.ActionResult
	for rows.Next() {
		var r model.ActionResult
		var kind, status, completed string
		var group, reason, detail sql.NullString
		var cycle int64
		var discarded int
		if err := rows.Scan(&r.IntentRef, &kind, &group, &cycle, &status, &reason, &detail, &discarded, &completed); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Kind = model.IntentKind(kind)
		r.Group = model.ActuatorGroup(group.String)
		r.OriginCycleID = uint64(cycle)
		r.Status = model.ResultStatus(status)
		r.Reason = model.RejectReason(reason.String)
		r.Detail = detail.String
		r.Discarded = discarded == 1
		r.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		out = append(out, r)
	}
	return out, rows.Err()
}
// #endregion recent-results

// #region safety-audit
// RecordTransition appends a safety transition to the audit table.
func (s *Store) RecordTransition(t TransitionRow) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO safety_audit (id, from_state, to_state, reason, triggered_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.From, t.To, nullIfEmpty(t.Reason), t.TriggeredBy, t.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// SafetyAudit returns the most recent transitions, newest first.
func (s *Store) SafetyAudit(limit int) ([]TransitionRow, error) {
	rows, err := s.db.Query(
		`SELECT id, from_state, to_state, reason, triggered_by, created_at
		 FROM safety_audit ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var t TransitionRow
		var reason sql.NullString
		var created string
		if err := rows.Scan(&t.ID, &t.From, &t.To, &reason, &t.TriggeredBy, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		t.Reason = reason.String
		t.At, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, t)
	}
	return out, rows.Err()
}
// #endregion safety-audit

// #region recent-cycles
// RecentCycles returns the last limit journaled cycles in chronological order.
func (s *Store) RecentCycles(limit int) ([]logging.CycleEntry, error) {
	rows, err := s.db.Query(
		`SELECT cycle_id, context_json, dominant_modality, confidence, provider, degraded,
		        accepted, rejected, duration_ms, overrun, created_at
		 FROM (SELECT * FROM cycle_log ORDER BY id DESC LIMIT ?) sub ORDER BY id ASC`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []logging.CycleEntry
	for rows.Next() {
		var e logging.CycleEntry
		var cycle int64
		var ctxJSON, dominant, provider sql.NullString
		var degraded, overrun int
		var durationMS float64
		var created string
		if err := rows.Scan(&cycle, &ctxJSON, &dominant, &e.Confidence, &provider, &degraded,
			&e.Accepted, &e.Rejected, &durationMS, &overrun, &created); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		e.CycleID = uint64(cycle)
		e.ContextJSON = ctxJSON.String
		e.DominantModality = dominant.String
		e.Provider = provider.String
		e.Degraded = degraded == 1
		e.Overrun = overrun == 1
		e.Duration = time.Duration(durationMS * float64(time.Millisecond))
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}
// #endregion recent-cycles

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
