package runtime

import (
	"errors"
	"time"

	"github.com/t031a5/controlcore/internal/collector"
	"github.com/t031a5/controlcore/internal/fusion"
	"github.com/t031a5/controlcore/internal/gate"
	"github.com/t031a5/controlcore/internal/history"
	"github.com/t031a5/controlcore/internal/metrics"
	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/orchestrator"
	"github.com/t031a5/controlcore/internal/reasoning"
	"github.com/t031a5/controlcore/internal/safety"
	"github.com/t031a5/controlcore/internal/store"
)

var (
	// ErrRunning is returned by Run when the loop is already being driven.
	ErrRunning = errors.New("loop already running")
	// ErrInvalidIntent wraps a privileged submission that failed parameter checks.
	ErrInvalidIntent = errors.New("invalid privileged intent")
)

// #region options

// Options drives the fixed-rate loop.
type Options struct {
	Period time.Duration
	// CollectBudget bounds collection inside a cycle. Zero means Period/2.
	CollectBudget time.Duration
	// HistoryWindow is how many recent results the reasoning chain sees.
	HistoryWindow int
	// StatusResults is how many results the status snapshot carries.
	StatusResults int
}

const (
	defaultHistoryWindow = 16
	defaultStatusResults = 20
	emaAlpha             = 0.1
	auditTail            = 10
)

// #endregion options

// #region components

// Components are the stages one cycle runs through. Store, Metrics and
// StopFile are optional.
type Components struct {
	Collector  *collector.Collector
	Fusion     *fusion.Engine
	Chain      *reasoning.Chain
	Gate       *gate.Gate
	Dispatcher *orchestrator.Dispatcher
	Safety     *safety.Monitor
	History    *history.History

	Store    *store.Store
	Metrics  *metrics.Metrics
	StopFile *safety.StopFileWatcher
}

// #endregion components

// #region report

// CycleReport summarises one cycle.
type CycleReport struct {
	CycleID          uint64              `json:"cycle_id"`
	Observations     int                 `json:"observations"`
	DominantModality model.Modality      `json:"dominant_modality,omitempty"`
	Confidence       float64             `json:"fusion_confidence"`
	Provider         string              `json:"provider,omitempty"`
	Attempts         []reasoning.Attempt `json:"attempts,omitempty"`
	Degraded         bool                `json:"degraded"`
	Accepted         int                 `json:"accepted"`
	Rejected         int                 `json:"rejected"`
	Duration         time.Duration       `json:"duration"`
	Overrun          bool                `json:"overrun"`
	Err              string              `json:"error,omitempty"`
	StartedAt        time.Time           `json:"started_at"`

	// Pending collects the results of this cycle's dispatched intents.
	Pending *orchestrator.Pending `json:"-"`
}

// Timing is the loop's running cycle-time view.
type Timing struct {
	TargetPeriod time.Duration `json:"target_period"`
	Last         time.Duration `json:"last"`
	// Average is an exponential moving average with alpha 0.1.
	Average  time.Duration `json:"average"`
	Max      time.Duration `json:"max"`
	Cycles   uint64        `json:"cycles"`
	Overruns uint64        `json:"overruns"`
	Degraded uint64        `json:"degraded"`
}

// Snapshot is the read-only status surface.
type Snapshot struct {
	Safety    safety.State                             `json:"safety_state"`
	Audit     []safety.Transition                      `json:"safety_audit"`
	Providers []reasoning.Descriptor                   `json:"providers"`
	Sources   map[string]collector.SourceHealth        `json:"sources"`
	Groups    map[model.ActuatorGroup]model.GroupState `json:"actuator_groups"`
	Results   []model.ActionResult                     `json:"recent_results"`
	Timing    Timing                                   `json:"timing"`
	LastCycle CycleReport                              `json:"last_cycle"`
}

// #endregion report
