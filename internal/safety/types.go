package safety

import (
	"errors"
	"time"
)

// ErrAckRequired is returned by Reset without an operator name.
var ErrAckRequired = errors.New("reset requires an operator acknowledgment")

// #region state

// State is the process-wide safety state.
type State int

const (
	Normal State = iota
	Halted
)

func (s State) String() string {
	if s == Halted {
		return "HALTED"
	}
	return "NORMAL"
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// #endregion state

// #region transition

// Transition is one audit-trail entry.
type Transition struct {
	ID          string    `json:"id"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggered_by"`
	At          time.Time `json:"at"`
}

// Ack is the explicit acknowledgment a reset requires.
type Ack struct {
	Operator string `json:"operator"`
	Note     string `json:"note,omitempty"`
}

// #endregion transition

// #region thresholds

// Thresholds configures the automatic triggers. Zero disables a trigger.
type Thresholds struct {
	// MinObstacleDistance in metres, read from telemetry obstacle_distance_m.
	MinObstacleDistance float64
	// BatteryCriticalPct, read from telemetry battery_pct.
	BatteryCriticalPct float64
	// WatchdogOverruns is the number of consecutive over-budget cycles that
	// trips the watchdog.
	WatchdogOverruns int
}

// Trigger sources recorded in TriggeredBy.
const (
	ByExternal  = "external"
	ByProximity = "proximity"
	ByBattery   = "battery"
	ByWatchdog  = "watchdog"
	ByStopFile  = "stop-file"
)

// #endregion thresholds
