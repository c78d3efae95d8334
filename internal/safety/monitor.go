// Package safety holds the process-wide halt state and the triggers that
// force it.
package safety

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/model"
)

// #region monitor

// MaxAuditEntries bounds the audit trail; the oldest transitions go first.
const MaxAuditEntries = 1000

// Monitor is the single owner of the safety state. It is created once and
// passed to every component that reads or trips it. Halted is a lock-free
// read; transitions and the audit trail share one mutex.
type Monitor struct {
	logger *zap.Logger
	th     Thresholds

	halted atomic.Bool

	mu       sync.Mutex
	audit    []Transition
	subs     []func(Transition)
	overruns int

	now func() time.Time
}

// NewMonitor starts in NORMAL.
func NewMonitor(logger *zap.Logger, th Thresholds) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{logger: logger, th: th, now: time.Now}
}

// Halted reports whether actuation is halted.
func (m *Monitor) Halted() bool { return m.halted.Load() }

// State returns the current state.
func (m *Monitor) State() State {
	if m.Halted() {
		return Halted
	}
	return Normal
}

// Subscribe registers fn for every transition. Subscribers run synchronously
// on the goroutine that caused the transition, after the state has changed.
func (m *Monitor) Subscribe(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Audit returns the retained transitions, oldest first.
func (m *Monitor) Audit() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.audit))
	copy(out, m.audit)
	return out
}

// #endregion monitor

// #region stop-reset

// Stop forces HALTED. It is idempotent: when already halted nothing changes,
// no audit entry is written and false is returned.
func (m *Monitor) Stop(reason, triggeredBy string) bool {
	m.mu.Lock()
	if m.halted.Load() {
		m.mu.Unlock()
		m.logger.Debug("stop ignored, already halted",
			zap.String("reason", reason),
			zap.String("triggered_by", triggeredBy))
		return false
	}
	m.halted.Store(true)
	tr := m.record(Normal, Halted, reason, triggeredBy)
	subs := append([]func(Transition){}, m.subs...)
	m.mu.Unlock()

	m.logger.Warn("safety halt",
		zap.String("reason", reason),
		zap.String("triggered_by", triggeredBy))
	for _, fn := range subs {
		fn(tr)
	}
	return true
}

// Reset returns to NORMAL. It needs an acknowledgment naming the operator;
// there is no time-based recovery. Resetting while NORMAL is a no-op.
func (m *Monitor) Reset(ack Ack) error {
	if ack.Operator == "" {
		return ErrAckRequired
	}
	m.mu.Lock()
	if !m.halted.Load() {
		m.mu.Unlock()
		return nil
	}
	reason := "manual reset"
	if ack.Note != "" {
		reason = "manual reset: " + ack.Note
	}
	tr := m.record(Halted, Normal, reason, "operator:"+ack.Operator)
	m.overruns = 0
	m.halted.Store(false)
	subs := append([]func(Transition){}, m.subs...)
	m.mu.Unlock()

	m.logger.Info("safety reset", zap.String("operator", ack.Operator))
	for _, fn := range subs {
		fn(tr)
	}
	return nil
}

func (m *Monitor) record(from, to State, reason, by string) Transition {
	tr := Transition{
		ID:          uuid.NewString(),
		From:        from,
		To:          to,
		Reason:      reason,
		TriggeredBy: by,
		At:          m.now(),
	}
	if len(m.audit) >= MaxAuditEntries {
		n := copy(m.audit, m.audit[len(m.audit)-MaxAuditEntries+1:])
		m.audit = m.audit[:n]
	}
	m.audit = append(m.audit, tr)
	return tr
}

// #endregion stop-reset

// #region triggers

// Inspect checks telemetry observations against the proximity and battery
// thresholds and for a hardware stop flag. It returns true if it tripped the
// monitor.
func (m *Monitor) Inspect(observations []model.Observation) bool {
	for _, o := range observations {
		if o.Modality != model.ModalityTelemetry {
			continue
		}
		if stop, ok := o.Payload["emergency_stop"].(bool); ok && stop {
			return m.Stop(fmt.Sprintf("emergency stop reported by %s", o.SourceID), ByExternal)
		}
		if d, ok := number(o.Payload["obstacle_distance_m"]); ok && m.th.MinObstacleDistance > 0 && d < m.th.MinObstacleDistance {
			return m.Stop(fmt.Sprintf("obstacle at %.2fm (min %.2fm)", d, m.th.MinObstacleDistance), ByProximity)
		}
		if b, ok := number(o.Payload["battery_pct"]); ok && m.th.BatteryCriticalPct > 0 && b <= m.th.BatteryCriticalPct {
			return m.Stop(fmt.Sprintf("battery at %.0f%% (critical %.0f%%)", b, m.th.BatteryCriticalPct), ByBattery)
		}
	}
	return false
}

// RecordCycle feeds the watchdog. Consecutive overruns at the threshold halt
// the robot; an on-time cycle clears the count.
func (m *Monitor) RecordCycle(overrun bool) bool {
	if m.th.WatchdogOverruns <= 0 {
		return false
	}
	m.mu.Lock()
	if !overrun {
		m.overruns = 0
		m.mu.Unlock()
		return false
	}
	m.overruns++
	n := m.overruns
	m.mu.Unlock()
	if n < m.th.WatchdogOverruns {
		return false
	}
	return m.Stop(fmt.Sprintf("cycle budget exceeded %d consecutive cycles", n), ByWatchdog)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// #endregion triggers
