// Package sim provides simulated input sources and actuator modules so the
// controller runs without hardware. They register under sim.* capability tags.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/t031a5/controlcore/internal/collector"
	"github.com/t031a5/controlcore/internal/model"
)

// #region source

// Source replays a payload generator with optional latency and fault
// injection.
type Source struct {
	id         string
	modality   model.Modality
	latency    time.Duration
	failEvery  int
	confidence float64
	gen        func(poll int) (map[string]any, float64)

	mu    sync.Mutex
	polls int
}

func (s *Source) ID() string               { return s.id }
func (s *Source) Modality() model.Modality { return s.modality }

// Poll returns the next scripted observation.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (model.Observation, error) {
	s.mu.Lock()
	s.polls++
	n := s.polls
	s.mu.Unlock()

	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return model.Observation{}, ctx.Err()
		}
	}
	if s.failEvery > 0 && n%s.failEvery == 0 {
		return model.Observation{}, fmt.Errorf("%s: injected fault on poll %d", s.id, n)
	}
	payload, conf := s.gen(n)
	return model.Observation{
		SourceID:   s.id,
		Modality:   s.modality,
		Payload:    payload,
		Confidence: conf,
		CapturedAt: time.Now(),
		Metadata:   map[string]string{"sim": "true"},
	}, nil
}

func newSource(spec collector.Spec, m model.Modality, gen func(s *Source) func(int) (map[string]any, float64)) (*Source, error) {
	latency, err := optDuration(spec.Options, "latency", 0)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", spec.ID, err)
	}
	if spec.Modality != "" {
		m = spec.Modality
	}
	s := &Source{
		id:         spec.ID,
		modality:   m,
		latency:    latency,
		failEvery:  optInt(spec.Options, "fail_every", 0),
		confidence: optFloat(spec.Options, "confidence", 0.9),
	}
	s.gen = gen(s)
	return s, nil
}

// #endregion source

// #region generators

// NewAudio cycles through options.script as transcripts. Empty entries are
// silence, reported with low confidence.
func NewAudio(spec collector.Spec) (collector.Source, error) {
	script := optList(spec.Options, "script")
	return newSource(spec, model.ModalityAudio, func(s *Source) func(int) (map[string]any, float64) {
		return func(n int) (map[string]any, float64) {
			if len(script) == 0 {
				return map[string]any{"speaking": false}, 0.1
			}
			text, _ := script[(n-1)%len(script)].(string)
			if text == "" {
				return map[string]any{"speaking": false}, 0.1
			}
			return map[string]any{"speaking": true, "transcript": text}, s.confidence
		}
	})
}

// NewVision cycles through options.faces as visible face counts.
func NewVision(spec collector.Spec) (collector.Source, error) {
	faces := optList(spec.Options, "faces")
	return newSource(spec, model.ModalityVision, func(s *Source) func(int) (map[string]any, float64) {
		return func(n int) (map[string]any, float64) {
			count := 0
			if len(faces) > 0 {
				count = optInt(map[string]any{"v": faces[(n-1)%len(faces)]}, "v", 0)
			}
			return map[string]any{"faces": count}, s.confidence
		}
	})
}

// NewTelemetry drains a battery from options.battery_start by
// options.drain_per_poll and reports options.obstacle_distance_m.
func NewTelemetry(spec collector.Spec) (collector.Source, error) {
	start := optFloat(spec.Options, "battery_start", 100)
	drain := optFloat(spec.Options, "drain_per_poll", 0)
	distance := optFloat(spec.Options, "obstacle_distance_m", 5)
	return newSource(spec, model.ModalityTelemetry, func(s *Source) func(int) (map[string]any, float64) {
		return func(n int) (map[string]any, float64) {
			battery := start - drain*float64(n-1)
			if battery < 0 {
				battery = 0
			}
			return map[string]any{
				"battery_pct":         battery,
				"obstacle_distance_m": distance,
			}, 1.0
		}
	})
}

// #endregion generators
