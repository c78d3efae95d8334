package fusion

import "github.com/t031a5/controlcore/internal/model"

// #region strategy

// Strategy names a summary merge algorithm.
type Strategy string

const (
	// StrategyWeighted blends numeric payload keys by weight×confidence and
	// takes non-numeric keys from the highest-scoring modality.
	StrategyWeighted Strategy = "weighted"
	// StrategyConcatenate keeps every payload, grouped by modality.
	StrategyConcatenate Strategy = "concatenate"
	// StrategyPriorityOnly keeps only the dominant modality's best payload.
	StrategyPriorityOnly Strategy = "priority-only"
)

// #endregion strategy

// #region options

// Options configures the fusion engine.
type Options struct {
	Strategy Strategy
	Weights  map[model.Modality]float64
	// Priority breaks score ties; earlier wins. Modalities not listed rank
	// after listed ones, then by name.
	Priority []model.Modality
	// DefaultWeight applies to modalities without a configured weight.
	DefaultWeight float64
}

// DefaultOptions returns the weighted strategy with unit weights and the
// audio > vision > telemetry tie-break.
func DefaultOptions() Options {
	return Options{
		Strategy:      StrategyWeighted,
		Priority:      model.DefaultModalityPriority(),
		DefaultWeight: 1.0,
	}
}

// #endregion options

// #region modality-score

// ModalityScore is one modality's contribution to a cycle.
type ModalityScore struct {
	Modality model.Modality
	// Best is the highest-confidence observation (first wins on equal confidence).
	Best   model.Observation
	All    []model.Observation
	Weight float64
	Score  float64 // Best.Confidence × Weight
}

// MergeFunc builds the fused summary from modality scores ranked best first.
// It must be deterministic for identical inputs.
type MergeFunc func(ranked []ModalityScore) map[string]any

// #endregion modality-score
