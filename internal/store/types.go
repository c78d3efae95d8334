package store

import "time"

// #region transition-row
// TransitionRow is a persisted safety state transition.
type TransitionRow struct {
	ID          string
	From        string
	To          string
	Reason      string
	TriggeredBy string
	At          time.Time
}

// #endregion transition-row
