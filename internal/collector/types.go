package collector

import (
	"context"
	"errors"
	"time"

	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/registry"
)

// ErrSourceUnavailable marks a source that errored, timed out or produced an
// invalid observation. The source is skipped for the cycle.
var ErrSourceUnavailable = errors.New("source unavailable")

// #region source-interface

// Source is a pluggable producer of one modality's observations.
// Poll must honor ctx; timeout is the budget the collector granted this call.
type Source interface {
	ID() string
	Modality() model.Modality
	Poll(ctx context.Context, timeout time.Duration) (model.Observation, error)
}

// #endregion source-interface

// #region options

// SourceOptions are the per-source collection knobs.
type SourceOptions struct {
	// Priority orders observations: higher first, ties by registration order.
	Priority int
	Timeout  time.Duration
}

// Options configures a Collector.
type Options struct {
	// MaxParallel bounds concurrent polls; zero means one worker per source.
	MaxParallel int
	// OnFailure is called once per skipped source per cycle (metrics hook).
	OnFailure func(sourceID string)
}

// #endregion options

// #region health

// SourceHealth is the per-source counter set used for alerting.
type SourceHealth struct {
	Modality            model.Modality `json:"modality"`
	Polls               int            `json:"polls"`
	Failures            int            `json:"failures"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastError           string         `json:"last_error,omitempty"`
	LastSuccess         time.Time      `json:"last_success,omitempty"`
	LastLatency         time.Duration  `json:"last_latency"`
}

// #endregion health

// #region registry

// Spec is what a source factory receives from the assembled configuration.
type Spec struct {
	ID       string
	Modality model.Modality
	Options  map[string]any
}

// Registry maps capability tags ("sim.audio", ...) to source constructors.
type Registry = registry.Registry[Spec, Source]

// NewRegistry returns an empty source registry.
func NewRegistry() *Registry {
	return registry.New[Spec, Source]("source")
}

// #endregion registry
