package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/orchestrator"
)

// #region module

// Module pretends to actuate for the intent's requested duration, scaled by
// time_scale. Modules built with cancellable: true also implement
// orchestrator.Canceller.
type Module struct {
	id        string
	group     model.ActuatorGroup
	scale     float64
	minRun    time.Duration
	failEvery int

	mu      sync.Mutex
	runs    int
	aborts  map[string]chan struct{}
	history []string
}

// CancellableModule is a Module that supports abort.
type CancellableModule struct {
	*Module
}

// Cancel aborts the in-flight intent with the given ref, if any.
func (c *CancellableModule) Cancel(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.aborts[ref]; ok {
		close(ch)
		delete(c.aborts, ref)
	}
}

func (m *Module) ID() string { return m.id }

// Group is the actuator group the module was built for.
func (m *Module) Group() model.ActuatorGroup { return m.group }

// Execute blocks for the scaled duration or until ctx ends or the intent is
// cancelled.
func (m *Module) Execute(ctx context.Context, in model.Intent, _ time.Duration) model.ActionResult {
	m.mu.Lock()
	m.runs++
	n := m.runs
	abort := make(chan struct{})
	m.aborts[in.ID] = abort
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.aborts[in.ID] == abort {
			delete(m.aborts, in.ID)
		}
		m.mu.Unlock()
	}()

	if m.failEvery > 0 && n%m.failEvery == 0 {
		return model.ActionResult{Status: model.StatusFailed, Detail: fmt.Sprintf("%s: injected fault", m.id)}
	}

	run := time.Duration(float64(in.RequestedDuration) * m.scale)
	if run < m.minRun {
		run = m.minRun
	}
	t := time.NewTimer(run)
	defer t.Stop()
	select {
	case <-t.C:
	case <-abort:
		return model.ActionResult{Status: model.StatusFailed, Detail: "aborted"}
	case <-ctx.Done():
		return model.ActionResult{Status: model.StatusFailed, Detail: ctx.Err().Error()}
	}

	detail := describe(in)
	m.mu.Lock()
	m.history = append(m.history, detail)
	m.mu.Unlock()
	return model.ActionResult{Status: model.StatusOK, Detail: detail}
}

// Performed lists the details of completed intents, oldest first.
func (m *Module) Performed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}

func describe(in model.Intent) string {
	switch in.Kind {
	case model.KindGesture:
		name, _ := in.String("name")
		return "gesture " + name
	case model.KindPostureControl:
		action, _ := in.String("action")
		return "posture " + action
	case model.KindSpeech:
		text, _ := in.String("text")
		return fmt.Sprintf("said %q", text)
	case model.KindIndicator:
		color, _ := in.String("color")
		return "indicator " + color
	case model.KindLocomotion:
		vx, _ := in.Float("vx")
		vy, _ := in.Float("vy")
		vyaw, _ := in.Float("vyaw")
		return fmt.Sprintf("moved vx=%.2f vy=%.2f vyaw=%.2f for %s", vx, vy, vyaw, in.RequestedDuration)
	}
	return string(in.Kind)
}

// #endregion module

// #region constructors

func newModule(spec orchestrator.Spec, group model.ActuatorGroup, cancellable bool) (orchestrator.Module, error) {
	minRun, err := optDuration(spec.Options, "min_run", 10*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("actuator %s: %w", spec.ID, err)
	}
	if spec.Group != "" {
		group = spec.Group
	}
	m := &Module{
		id:        spec.ID,
		group:     group,
		scale:     optFloat(spec.Options, "time_scale", 1.0),
		minRun:    minRun,
		failEvery: optInt(spec.Options, "fail_every", 0),
		aborts:    map[string]chan struct{}{},
	}
	if optBool(spec.Options, "cancellable", cancellable) {
		return &CancellableModule{Module: m}, nil
	}
	return m, nil
}

// NewLimbs is the arm/gesture module; cancellable by default.
func NewLimbs(spec orchestrator.Spec) (orchestrator.Module, error) {
	return newModule(spec, model.GroupLimbs, true)
}

// NewVoice is the speech module. Speech synthesis cannot be interrupted.
func NewVoice(spec orchestrator.Spec) (orchestrator.Module, error) {
	return newModule(spec, model.GroupVoice, false)
}

// NewIndicator drives the indicator lights.
func NewIndicator(spec orchestrator.Spec) (orchestrator.Module, error) {
	return newModule(spec, model.GroupIndicators, false)
}

// NewBase is the locomotion module; cancellable by default.
func NewBase(spec orchestrator.Spec) (orchestrator.Module, error) {
	return newModule(spec, model.GroupBase, true)
}

// #endregion constructors
