// Package config loads the controller's YAML configuration document.
// Core packages never import it; the runtime assembly translates it into
// the typed option structs each component takes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// #region config

// Config is the full controller configuration.
type Config struct {
	Loop      LoopConfig       `yaml:"loop"`
	Logging   LoggingConfig    `yaml:"logging"`
	Store     StoreConfig      `yaml:"store"`
	Status    StatusConfig     `yaml:"status"`
	Sources   []SourceConfig   `yaml:"sources"`
	Fusion    FusionConfig     `yaml:"fusion"`
	Reasoning ReasoningConfig  `yaml:"reasoning"`
	Gate      GateConfig       `yaml:"gate"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Actuators []ActuatorConfig `yaml:"actuators"`
	Safety    SafetyConfig     `yaml:"safety"`
}

// LoopConfig drives the fixed-rate runtime loop.
type LoopConfig struct {
	FrequencyHz float64 `yaml:"frequency_hz"`
	// CollectBudget bounds input collection inside one cycle.
	// Zero means half the cycle period.
	CollectBudget time.Duration `yaml:"collect_budget"`
	HistorySize   int           `yaml:"history_size"`
	// StatusResults is the N in "last N action results" on the status surface.
	StatusResults int `yaml:"status_results"`
}

// Period returns the cycle period for the configured frequency.
func (l LoopConfig) Period() time.Duration {
	if l.FrequencyHz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / l.FrequencyHz)
}

// LoggingConfig selects the zap configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// StoreConfig locates the SQLite journal. Empty path disables persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// StatusConfig locates the HTTP status surface. Empty addr disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// SourceConfig describes one Input Source.
type SourceConfig struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"` // capability tag, e.g. "sim.audio"
	Modality string         `yaml:"modality"`
	Enabled  *bool          `yaml:"enabled"`
	Priority int            `yaml:"priority"`
	Timeout  time.Duration  `yaml:"timeout"`
	Options  map[string]any `yaml:"options"`
}

// IsEnabled defaults to true when the key is absent.
func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// FusionConfig configures the fusion engine.
type FusionConfig struct {
	Strategy string             `yaml:"strategy"` // weighted, concatenate, priority-only
	Weights  map[string]float64 `yaml:"weights"`
	Priority []string           `yaml:"priority"`
}

// ReasoningConfig configures the provider chain.
type ReasoningConfig struct {
	DegradeAfter          int              `yaml:"degrade_after"`
	UnavailableAfter      int              `yaml:"unavailable_after"`
	Cooldown              time.Duration    `yaml:"cooldown"`
	DegradedTimeoutFactor float64          `yaml:"degraded_timeout_factor"`
	SlowFraction          float64          `yaml:"slow_fraction"`
	HistoryWindow         int              `yaml:"history_window"`
	Providers             []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one reasoning backend.
type ProviderConfig struct {
	Name    string         `yaml:"name"`
	Type    string         `yaml:"type"` // offline, grpc
	Rank    int            `yaml:"rank"`
	Timeout time.Duration  `yaml:"timeout"`
	Enabled *bool          `yaml:"enabled"`
	Address string         `yaml:"address"`
	Options map[string]any `yaml:"options"`
}

// IsEnabled defaults to true when the key is absent.
func (p ProviderConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// GateConfig configures the intent validator.
type GateConfig struct {
	KindPriority      map[string]int `yaml:"kind_priority"`
	MaxSpeed          float64        `yaml:"max_speed"`
	MovementBounds    MovementBounds `yaml:"movement_bounds"`
	MaxVolume         float64        `yaml:"max_volume"`
	MaxSpeechDuration time.Duration  `yaml:"max_speech_duration"`
	Gestures          []string       `yaml:"gestures"`
}

// MovementBounds caps each locomotion axis. Zero disables the axis check.
type MovementBounds struct {
	MaxVX   float64 `yaml:"max_vx"`
	MaxVY   float64 `yaml:"max_vy"`
	MaxVYaw float64 `yaml:"max_vyaw"`
}

// DispatchConfig configures the action orchestrator.
type DispatchConfig struct {
	Policy    string        `yaml:"policy"` // queue, reject-busy
	QueueSize int           `yaml:"queue_size"`
	Grace     time.Duration `yaml:"grace"`
}

// ActuatorConfig describes one Actuator Module.
type ActuatorConfig struct {
	ID      string         `yaml:"id"`
	Type    string         `yaml:"type"` // capability tag, e.g. "sim.voice"
	Group   string         `yaml:"group"`
	Kinds   []string       `yaml:"kinds"`
	Enabled *bool          `yaml:"enabled"`
	Timeout time.Duration  `yaml:"timeout"`
	Options map[string]any `yaml:"options"`
}

// IsEnabled defaults to true when the key is absent.
func (a ActuatorConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// SafetyConfig holds the safety trigger thresholds.
type SafetyConfig struct {
	MinObstacleDistance float64 `yaml:"min_obstacle_distance_m"`
	BatteryCriticalPct  float64 `yaml:"battery_critical_pct"`
	WatchdogOverruns    int     `yaml:"watchdog_overruns"`
	StopFileDir         string  `yaml:"stop_file_dir"`
	StopFileName        string  `yaml:"stop_file_name"`
}

// #endregion config

// #region load

// Load reads path over Default(), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides deployment-specific fields from the environment.
func (c *Config) ApplyEnv() {
	c.Store.Path = envOr("CONTROLCORE_STORE", c.Store.Path)
	c.Logging.Level = envOr("CONTROLCORE_LOG_LEVEL", c.Logging.Level)
	c.Status.Addr = envOr("CONTROLCORE_STATUS_ADDR", c.Status.Addr)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion load
