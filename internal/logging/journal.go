package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region log-cycle

// LogCycle writes one cycle summary to the cycle_log table.
func LogCycle(db *sql.DB, entry CycleEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO cycle_log (cycle_id, context_json, dominant_modality, confidence, provider,
		                        degraded, accepted, rejected, duration_ms, overrun, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(entry.CycleID),
		nullIfEmpty(entry.ContextJSON),
		nullIfEmpty(entry.DominantModality),
		entry.Confidence,
		nullIfEmpty(entry.Provider),
		boolInt(entry.Degraded),
		entry.Accepted,
		entry.Rejected,
		float64(entry.Duration)/float64(time.Millisecond),
		boolInt(entry.Overrun),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log cycle %d: %w", entry.CycleID, err)
	}
	return nil
}

// #endregion log-cycle

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
