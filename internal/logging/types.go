package logging

import "time"

// #region cycle-entry

// CycleEntry is a single row in the cycle_log table.
type CycleEntry struct {
	CycleID          uint64
	ContextJSON      string // observations + fused summary, for replay export
	DominantModality string
	Confidence       float64
	Provider         string
	Degraded         bool
	Accepted         int
	Rejected         int
	Duration         time.Duration
	Overrun          bool
	CreatedAt        time.Time
}

// #endregion cycle-entry
