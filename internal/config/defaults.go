package config

import "time"

// Default returns a configuration that runs entirely on simulated sources and
// actuators with the offline reasoning provider.
func Default() Config {
	return Config{
		Loop: LoopConfig{
			FrequencyHz:   10,
			HistorySize:   64,
			StatusResults: 20,
		},
		Logging: LoggingConfig{Level: "info"},
		Sources: []SourceConfig{
			{ID: "microphone", Type: "sim.audio", Modality: "audio", Priority: 30, Timeout: 40 * time.Millisecond},
			{ID: "camera", Type: "sim.vision", Modality: "vision", Priority: 20, Timeout: 40 * time.Millisecond},
			{ID: "platform", Type: "sim.telemetry", Modality: "telemetry", Priority: 10, Timeout: 20 * time.Millisecond},
		},
		Fusion: FusionConfig{
			Strategy: "weighted",
			Weights:  map[string]float64{"audio": 1.0, "vision": 0.8, "telemetry": 0.5},
			Priority: []string{"audio", "vision", "telemetry"},
		},
		Reasoning: ReasoningConfig{
			DegradeAfter:          3,
			UnavailableAfter:      3,
			Cooldown:              30 * time.Second,
			DegradedTimeoutFactor: 0.5,
			SlowFraction:          0.8,
			HistoryWindow:         16,
			Providers: []ProviderConfig{
				{Name: "offline", Type: "offline", Rank: 100, Timeout: 20 * time.Millisecond},
			},
		},
		Gate: GateConfig{
			KindPriority: map[string]int{
				"posture_control": 100,
				"locomotion":      50,
				"gesture":         30,
				"speech":          20,
				"indicator":       10,
			},
			MaxSpeed:          0.5,
			MovementBounds:    MovementBounds{MaxVX: 0.5, MaxVY: 0.3, MaxVYaw: 1.0},
			MaxVolume:         80,
			MaxSpeechDuration: 30 * time.Second,
		},
		Dispatch: DispatchConfig{Policy: "queue", QueueSize: 4, Grace: 500 * time.Millisecond},
		Actuators: []ActuatorConfig{
			{ID: "arms", Type: "sim.limbs", Group: "limbs", Kinds: []string{"gesture", "posture_control"}, Timeout: 5 * time.Second},
			{ID: "tts", Type: "sim.voice", Group: "voice", Kinds: []string{"speech"}, Timeout: 10 * time.Second},
			{ID: "leds", Type: "sim.indicator", Group: "indicator-lights", Kinds: []string{"indicator"}, Timeout: time.Second},
			{ID: "legs", Type: "sim.base", Group: "base-motion", Kinds: []string{"locomotion"}, Timeout: 5 * time.Second},
		},
		Safety: SafetyConfig{
			MinObstacleDistance: 0.5,
			BatteryCriticalPct:  10,
			WatchdogOverruns:    20,
			StopFileName:        "ESTOP",
		},
	}
}
