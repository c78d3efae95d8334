package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/t031a5/controlcore/internal/config"
	"github.com/t031a5/controlcore/internal/fusion"
	"github.com/t031a5/controlcore/internal/gate"
	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/reasoning"
	"github.com/t031a5/controlcore/internal/safety"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Cycles          []FixtureCycle          `json:"cycles"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureCycle is one recorded cycle. When Intents is present it stands in
// for the reasoning provider's answer; otherwise the offline provider decides.
type FixtureCycle struct {
	CycleID      uint64              `json:"cycle_id"`
	Observations []model.Observation `json:"observations"`
	Intents      []FixtureIntent     `json:"intents,omitempty"`
}

// FixtureIntent mirrors model.Intent with a millisecond duration.
type FixtureIntent struct {
	ID                  string         `json:"id,omitempty"`
	Kind                string         `json:"kind"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	RequestedDurationMS int64          `json:"requested_duration_ms,omitempty"`
	Priority            int            `json:"priority,omitempty"`
}

// FixtureExpectedResult captures what the validator should decide for one cycle.
type FixtureExpectedResult struct {
	CycleID  uint64   `json:"cycle_id"`
	Accepted []string `json:"accepted"` // intent kinds, in batch order
	Rejected []string `json:"rejected"` // reject reasons, in batch order
	Halted   bool     `json:"halted,omitempty"`
}

// FixtureConfig holds the stage settings for a replay run. Empty fields fall
// back to the controller defaults.
type FixtureConfig struct {
	Strategy     string             `json:"strategy,omitempty"`
	Weights      map[string]float64 `json:"weights,omitempty"`
	Priority     []string           `json:"priority,omitempty"`
	Offline      map[string]any     `json:"offline,omitempty"`
	Gestures     []string           `json:"gestures,omitempty"`
	KindPriority map[string]int     `json:"kind_priority,omitempty"`
	// Routes maps intent kind to actuator group.
	Routes map[string]string `json:"routes,omitempty"`

	MinObstacleDistance float64 `json:"min_obstacle_distance_m,omitempty"`
	BatteryCriticalPct  float64 `json:"battery_critical_pct,omitempty"`
	HistoryWindow       int     `json:"history_window,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture writes f as indented JSON.
func WriteFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToIntent converts a FixtureIntent to a domain Intent.
func (fi FixtureIntent) ToIntent() model.Intent {
	return model.Intent{
		ID:                fi.ID,
		Kind:              model.IntentKind(fi.Kind),
		Parameters:        fi.Parameters,
		RequestedDuration: time.Duration(fi.RequestedDurationMS) * time.Millisecond,
		Priority:          fi.Priority,
	}
}

// FixtureConfigFrom captures the replay-relevant parts of a controller config.
func FixtureConfigFrom(cfg config.Config) FixtureConfig {
	fc := FixtureConfig{
		Strategy:            cfg.Fusion.Strategy,
		Weights:             cfg.Fusion.Weights,
		Priority:            cfg.Fusion.Priority,
		Gestures:            cfg.Gate.Gestures,
		KindPriority:        cfg.Gate.KindPriority,
		Routes:              map[string]string{},
		MinObstacleDistance: cfg.Safety.MinObstacleDistance,
		BatteryCriticalPct:  cfg.Safety.BatteryCriticalPct,
		HistoryWindow:       cfg.Reasoning.HistoryWindow,
	}
	for _, a := range cfg.Actuators {
		if !a.IsEnabled() {
			continue
		}
		for _, k := range a.Kinds {
			fc.Routes[k] = a.Group
		}
	}
	for _, p := range cfg.Reasoning.Providers {
		if p.Type == "offline" && p.IsEnabled() {
			fc.Offline = p.Options
			break
		}
	}
	return fc
}

// ToReplayConfig converts a FixtureConfig to a domain ReplayConfig.
func (fc FixtureConfig) ToReplayConfig() ReplayConfig {
	rc := DefaultReplayConfig()
	if fc.Strategy != "" {
		rc.Fusion.Strategy = fusion.Strategy(fc.Strategy)
	}
	if len(fc.Weights) > 0 {
		rc.Fusion.Weights = make(map[model.Modality]float64, len(fc.Weights))
		for m, w := range fc.Weights {
			rc.Fusion.Weights[model.Modality(m)] = w
		}
	}
	if len(fc.Priority) > 0 {
		rc.Fusion.Priority = nil
		for _, m := range fc.Priority {
			rc.Fusion.Priority = append(rc.Fusion.Priority, model.Modality(m))
		}
	}
	if fc.Offline != nil {
		rc.Offline = reasoning.OfflineOptionsFrom(fc.Offline)
	}
	if len(fc.Gestures) > 0 {
		rc.Gate.Gestures = fc.Gestures
	}
	if len(fc.KindPriority) > 0 {
		rc.Gate.KindPriority = make(map[model.IntentKind]int, len(fc.KindPriority))
		for k, p := range fc.KindPriority {
			rc.Gate.KindPriority[model.IntentKind(k)] = p
		}
	}
	if len(fc.Routes) > 0 {
		rc.Routes = make(map[model.IntentKind]model.ActuatorGroup, len(fc.Routes))
		for k, g := range fc.Routes {
			rc.Routes[model.IntentKind(k)] = model.ActuatorGroup(g)
		}
	}
	if fc.MinObstacleDistance > 0 {
		rc.Safety.MinObstacleDistance = fc.MinObstacleDistance
	}
	if fc.BatteryCriticalPct > 0 {
		rc.Safety.BatteryCriticalPct = fc.BatteryCriticalPct
	}
	if fc.HistoryWindow > 0 {
		rc.HistoryWindow = fc.HistoryWindow
	}
	return rc
}

// #endregion fixture-loader

// #region defaults

// DefaultReplayConfig mirrors the shipped controller defaults.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Fusion:  fusion.DefaultOptions(),
		Offline: reasoning.DefaultOfflineOptions(),
		Gate:    gate.DefaultConfig(),
		Routes: map[model.IntentKind]model.ActuatorGroup{
			model.KindGesture:        model.GroupLimbs,
			model.KindPostureControl: model.GroupLimbs,
			model.KindSpeech:         model.GroupVoice,
			model.KindIndicator:      model.GroupIndicators,
			model.KindLocomotion:     model.GroupBase,
		},
		Safety: safety.Thresholds{
			MinObstacleDistance: 0.5,
			BatteryCriticalPct:  10,
		},
		HistoryWindow: 16,
	}
}

// #endregion defaults
