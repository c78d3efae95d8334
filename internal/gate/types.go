package gate

import (
	"time"

	"github.com/t031a5/controlcore/internal/model"
)

// #region gate-config
// Config holds the validator's limits.
type Config struct {
	// KindPriority ranks intents that compete for one actuator group within a
	// batch. Intent.Priority overrides it when non-zero.
	KindPriority map[model.IntentKind]int

	MaxSpeed          float64 // planar speed cap for locomotion, m/s
	MaxVX             float64
	MaxVY             float64
	MaxVYaw           float64 // rad/s
	MaxVolume         float64 // 0-100
	MaxSpeechDuration time.Duration
	// Gestures is the catalog of named gestures. Empty disables the check.
	Gestures []string
}

// DefaultConfig returns the shipped limits.
func DefaultConfig() Config {
	return Config{
		KindPriority: map[model.IntentKind]int{
			model.KindPostureControl: 100,
			model.KindLocomotion:     50,
			model.KindGesture:        30,
			model.KindSpeech:         20,
			model.KindIndicator:      10,
		},
		MaxSpeed:          0.5,
		MaxVX:             0.5,
		MaxVY:             0.3,
		MaxVYaw:           1.0,
		MaxVolume:         80,
		MaxSpeechDuration: 30 * time.Second,
	}
}

// #endregion gate-config

// #region decision
// Decision is the validator's split of one batch.
type Decision struct {
	Accepted []model.Intent
	// Rejected carries one result per discarded intent, with its reason code.
	Rejected []model.ActionResult
}

// #endregion decision
