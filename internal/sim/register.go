package sim

import (
	"github.com/t031a5/controlcore/internal/collector"
	"github.com/t031a5/controlcore/internal/orchestrator"
)

// Register adds every sim.* capability tag to the given registries.
func Register(sources *collector.Registry, actuators *orchestrator.Registry) error {
	for tag, f := range map[string]func(collector.Spec) (collector.Source, error){
		"sim.audio":     NewAudio,
		"sim.vision":    NewVision,
		"sim.telemetry": NewTelemetry,
	} {
		if err := sources.Register(tag, f); err != nil {
			return err
		}
	}
	for tag, f := range map[string]func(orchestrator.Spec) (orchestrator.Module, error){
		"sim.limbs":     NewLimbs,
		"sim.voice":     NewVoice,
		"sim.indicator": NewIndicator,
		"sim.base":      NewBase,
	} {
		if err := actuators.Register(tag, f); err != nil {
			return err
		}
	}
	return nil
}
