// Package model holds the data shared by every stage of the control cycle:
// observations, the fused situational context, intents and action results.
package model

import "time"

// #region modality

// Modality names the kind of signal an Input Source produces.
type Modality string

const (
	ModalityAudio     Modality = "audio"
	ModalityVision    Modality = "vision"
	ModalityTelemetry Modality = "telemetry"
)

// DefaultModalityPriority is the tie-break order used when two modalities
// carry the same weighted score.
func DefaultModalityPriority() []Modality {
	return []Modality{ModalityAudio, ModalityVision, ModalityTelemetry}
}

// #endregion modality

// #region observation

// Observation is one Input Source's output for one cycle. Treat as immutable
// once returned by a source.
type Observation struct {
	SourceID   string            `json:"source_id"`
	Modality   Modality          `json:"modality"`
	Payload    map[string]any    `json:"payload,omitempty"`
	Confidence float64           `json:"confidence"`
	CapturedAt time.Time         `json:"captured_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// #endregion observation

// #region situational-context

// SituationalContext is the fused record for one cycle.
type SituationalContext struct {
	CycleID          uint64         `json:"cycle_id"`
	Observations     []Observation  `json:"observations"`
	Summary          map[string]any `json:"fused_summary"`
	Strategy         string         `json:"strategy"`
	DominantModality Modality       `json:"dominant_modality,omitempty"`
	Confidence       float64        `json:"fusion_confidence"`
	ProducedAt       time.Time      `json:"produced_at"`
}

// Empty reports whether the context carries no new information.
func (c SituationalContext) Empty() bool {
	return len(c.Observations) == 0
}

// #endregion situational-context

// #region actuator-group

// ActuatorGroup is an exclusivity domain: at most one intent in flight per group.
type ActuatorGroup string

const (
	GroupLimbs      ActuatorGroup = "limbs"
	GroupVoice      ActuatorGroup = "voice"
	GroupIndicators ActuatorGroup = "indicator-lights"
	GroupBase       ActuatorGroup = "base-motion"
)

// GroupState is the dispatch-side view of one actuator group.
type GroupState struct {
	Halted bool `json:"halted"`
	Busy   bool `json:"busy"`
	Queued int  `json:"queued"`
}

// ActuatorStates is what the validator needs to know about the actuators:
// which group serves each intent kind and the current state of every group.
type ActuatorStates struct {
	Routes map[IntentKind]ActuatorGroup
	Groups map[ActuatorGroup]GroupState
}

// GroupFor returns the group serving kind, if any actuator is registered for it.
func (s ActuatorStates) GroupFor(kind IntentKind) (ActuatorGroup, bool) {
	g, ok := s.Routes[kind]
	return g, ok
}

// #endregion actuator-group

// #region action-result

// ResultStatus is the outcome of one intent.
type ResultStatus string

const (
	StatusOK       ResultStatus = "ok"
	StatusFailed   ResultStatus = "failed"
	StatusRejected ResultStatus = "rejected"
	StatusTimedOut ResultStatus = "timed_out"
)

// RejectReason is the machine-readable code attached to every rejection.
type RejectReason string

const (
	ReasonConversationalPosture RejectReason = "conversational_posture"
	ReasonHalted                RejectReason = "halted"
	ReasonMalformed             RejectReason = "malformed"
	ReasonOutOfBounds           RejectReason = "out_of_bounds"
	ReasonUnknownGesture        RejectReason = "unknown_gesture"
	ReasonSuperseded            RejectReason = "superseded"
	ReasonUnroutable            RejectReason = "unroutable"
	ReasonBusy                  RejectReason = "busy"
	ReasonQueueFull             RejectReason = "queue_full"
	ReasonShutdown              RejectReason = "shutdown"
)

// ActionResult is produced by the orchestrator (or the validator, for
// rejections) and folded into history for the next reasoning call.
type ActionResult struct {
	IntentRef     string        `json:"intent_ref"`
	Kind          IntentKind    `json:"kind"`
	Group         ActuatorGroup `json:"group,omitempty"`
	OriginCycleID uint64        `json:"origin_cycle_id"`
	Status        ResultStatus  `json:"status"`
	Reason        RejectReason  `json:"reason,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	CompletedAt   time.Time     `json:"completed_at"`
	// Discarded results stay visible to observability but are withheld from
	// conversational history (in-flight work finished after a halt).
	Discarded bool `json:"discarded,omitempty"`
}

// Rejected builds a rejected result for intent.
func Rejected(in Intent, group ActuatorGroup, reason RejectReason, detail string, at time.Time) ActionResult {
	return ActionResult{
		IntentRef:     in.ID,
		Kind:          in.Kind,
		Group:         group,
		OriginCycleID: in.OriginCycleID,
		Status:        StatusRejected,
		Reason:        reason,
		Detail:        detail,
		CompletedAt:   at,
	}
}

// #endregion action-result
