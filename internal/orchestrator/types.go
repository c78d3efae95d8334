package orchestrator

// #region imports
import (
	"context"
	"errors"
	"time"

	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/registry"
)

// #endregion

var (
	// ErrNoActuator means no registered module serves the intent's kind.
	ErrNoActuator = errors.New("no actuator for intent kind")
	// ErrNotPrivileged means the intent cannot use the direct-control path.
	ErrNotPrivileged = errors.New("intent not permitted on the privileged path")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// #region module

// Module is an Actuator Module. Execute must honor ctx; timeout is the budget
// the dispatcher granted this call. The dispatcher fills IntentRef, Kind,
// Group, OriginCycleID and CompletedAt when the module leaves them empty.
type Module interface {
	ID() string
	Execute(ctx context.Context, in model.Intent, timeout time.Duration) model.ActionResult
}

// Canceller is implemented by modules that can abort an in-flight intent.
type Canceller interface {
	Cancel(intentRef string)
}

// #endregion

// #region safety-view

// SafetyState is the dispatcher's read-only view of the safety monitor.
type SafetyState interface {
	Halted() bool
}

// #endregion

// #region options

// Policy selects what happens to an intent aimed at a busy group.
type Policy string

const (
	// PolicyQueue waits in a bounded per-group queue.
	PolicyQueue Policy = "queue"
	// PolicyRejectBusy rejects immediately with reason busy.
	PolicyRejectBusy Policy = "reject-busy"
)

// Options configures a Dispatcher.
type Options struct {
	Policy Policy
	// QueueSize bounds intents waiting behind the in-flight one, per group.
	QueueSize int
	// Grace is added to RequestedDuration when that exceeds the module timeout.
	Grace time.Duration
	// OnResult receives every result the dispatcher produces, including its
	// own rejections. Called from worker goroutines.
	OnResult func(model.ActionResult)
}

// Binding attaches a module to a group and the kinds it serves.
type Binding struct {
	Module  Module
	Group   model.ActuatorGroup
	Kinds   []model.IntentKind
	Timeout time.Duration
}

// #endregion

// #region safing

var safingActions = map[string]bool{
	"relax":      true,
	"release":    true,
	"damp":       true,
	"stand_safe": true,
	"sit":        true,
}

// IsSafing reports whether in is a stance-safing command that may run while
// the robot is halted.
func IsSafing(in model.Intent) bool {
	if in.Kind != model.KindPostureControl {
		return false
	}
	action, _ := in.String("action")
	return safingActions[action]
}

// #endregion

// #region registry

// Spec is what a module factory receives from the assembled configuration.
type Spec struct {
	ID      string
	Group   model.ActuatorGroup
	Options map[string]any
}

// Registry maps capability tags ("sim.voice", ...) to module constructors.
type Registry = registry.Registry[Spec, Module]

// NewRegistry returns an empty actuator registry.
func NewRegistry() *Registry {
	return registry.New[Spec, Module]("actuator")
}

// #endregion
