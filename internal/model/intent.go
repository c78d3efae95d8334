package model

import (
	"encoding/json"
	"time"
)

// #region intent-kind

// IntentKind selects both the actuator that serves an intent and the
// authorization rule it is subject to.
type IntentKind string

const (
	// KindGesture is a bounded, named expressive motion.
	KindGesture IntentKind = "gesture"
	// KindPostureControl is a low-level platform-state transition
	// (power, torque, stance). Only the direct-control path may emit it.
	KindPostureControl IntentKind = "posture_control"
	KindLocomotion     IntentKind = "locomotion"
	KindSpeech         IntentKind = "speech"
	KindIndicator      IntentKind = "indicator"
)

// Kinds lists every known intent kind.
func Kinds() []IntentKind {
	return []IntentKind{KindGesture, KindPostureControl, KindLocomotion, KindSpeech, KindIndicator}
}

// Valid reports whether k is a known kind.
func (k IntentKind) Valid() bool {
	switch k {
	case KindGesture, KindPostureControl, KindLocomotion, KindSpeech, KindIndicator:
		return true
	}
	return false
}

// #endregion intent-kind

// #region origin

// Origin records which path produced an intent.
type Origin string

const (
	OriginConversational Origin = "conversational"
	OriginDirect         Origin = "direct"
)

// #endregion origin

// #region intent

// Intent is a proposed unit of actuation.
type Intent struct {
	ID                string         `json:"id"`
	Kind              IntentKind     `json:"kind"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	RequestedDuration time.Duration  `json:"requested_duration,omitempty"`
	// Priority overrides the per-kind default when non-zero.
	Priority      int    `json:"priority,omitempty"`
	OriginCycleID uint64 `json:"origin_cycle_id"`
	Origin        Origin `json:"origin"`
}

// Batch is the output of one reasoning decision.
type Batch struct {
	Intents  []Intent `json:"intents"`
	Provider string   `json:"provider,omitempty"`
}

// String returns a string parameter.
func (in Intent) String(key string) (string, bool) {
	v, ok := in.Parameters[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns a numeric parameter. Integers and json.Number are accepted.
func (in Intent) Float(key string) (float64, bool) {
	v, ok := in.Parameters[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Has reports whether a parameter is present at all.
func (in Intent) Has(key string) bool {
	_, ok := in.Parameters[key]
	return ok
}

// #endregion intent
