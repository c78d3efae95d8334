// Package gate is the intent validator: it decides which intents of a batch
// may reach the actuators.
package gate

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/model"
)

// #region gate
// Gate validates intent batches against the current actuator states.
type Gate struct {
	config   Config
	gestures map[string]struct{}
	logger   *zap.Logger
	now      func() time.Time
}

// NewGate creates a gate with the given configuration.
func NewGate(logger *zap.Logger, config Config) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	var catalog map[string]struct{}
	if len(config.Gestures) > 0 {
		catalog = make(map[string]struct{}, len(config.Gestures))
		for _, g := range config.Gestures {
			catalog[g] = struct{}{}
		}
	}
	return &Gate{config: config, gestures: catalog, logger: logger, now: time.Now}
}

// Validate applies the rules in order, each to the intents that survived the
// previous one:
//  1. posture_control from the conversational path
//  2. no actuator serves the kind
//  3. the target group is halted
//  4. malformed or out-of-bounds parameters
//  5. several intents for one group: keep the highest priority, first wins ties
func (g *Gate) Validate(batch model.Batch, states model.ActuatorStates) Decision {
	now := g.now()
	d := Decision{Accepted: []model.Intent{}, Rejected: []model.ActionResult{}}

	type candidate struct {
		in    model.Intent
		group model.ActuatorGroup
	}
	var survivors []candidate

	for _, in := range batch.Intents {
		if in.Kind == model.KindPostureControl && in.Origin != model.OriginDirect {
			d.Rejected = append(d.Rejected, g.reject(in, "", model.ReasonConversationalPosture,
				"posture_control is reserved for the direct-control path", now))
			continue
		}
		group, ok := states.GroupFor(in.Kind)
		if !ok {
			d.Rejected = append(d.Rejected, g.reject(in, "", model.ReasonUnroutable,
				fmt.Sprintf("no actuator serves %s", in.Kind), now))
			continue
		}
		if states.Groups[group].Halted {
			d.Rejected = append(d.Rejected, g.reject(in, group, model.ReasonHalted,
				fmt.Sprintf("group %s halted", group), now))
			continue
		}
		if reason, detail, bad := g.Check(in); bad {
			d.Rejected = append(d.Rejected, g.reject(in, group, reason, detail, now))
			continue
		}
		survivors = append(survivors, candidate{in: in, group: group})
	}

	winner := map[model.ActuatorGroup]int{}
	for i, c := range survivors {
		w, seen := winner[c.group]
		if !seen || g.priority(c.in) > g.priority(survivors[w].in) {
			winner[c.group] = i
		}
	}
	for i, c := range survivors {
		w := winner[c.group]
		if w == i {
			d.Accepted = append(d.Accepted, c.in)
			continue
		}
		d.Rejected = append(d.Rejected, g.reject(c.in, c.group, model.ReasonSuperseded,
			fmt.Sprintf("superseded by %s %s", survivors[w].in.Kind, survivors[w].in.ID), now))
	}
	return d
}

func (g *Gate) reject(in model.Intent, group model.ActuatorGroup, reason model.RejectReason, detail string, now time.Time) model.ActionResult {
	g.logger.Debug("intent rejected",
		zap.String("intent", in.ID),
		zap.String("kind", string(in.Kind)),
		zap.String("reason", string(reason)),
		zap.String("detail", detail))
	return model.Rejected(in, group, reason, detail, now)
}

// priority is the intent's own priority, else its kind default.
func (g *Gate) priority(in model.Intent) int {
	if in.Priority != 0 {
		return in.Priority
	}
	return g.config.KindPriority[in.Kind]
}

// #endregion gate

// #region parameters

// Check validates one intent's parameters for its kind. It is also applied to
// privileged direct-control submissions.
func (g *Gate) Check(in model.Intent) (model.RejectReason, string, bool) {
	if in.RequestedDuration < 0 {
		return model.ReasonMalformed, "negative requested_duration", true
	}
	switch in.Kind {
	case model.KindGesture:
		name, ok := in.String("name")
		if !ok || name == "" {
			return model.ReasonMalformed, "gesture requires name", true
		}
		if g.gestures != nil {
			if _, known := g.gestures[name]; !known {
				return model.ReasonUnknownGesture, fmt.Sprintf("gesture %q not in catalog", name), true
			}
		}
	case model.KindPostureControl:
		if action, ok := in.String("action"); !ok || action == "" {
			return model.ReasonMalformed, "posture_control requires action", true
		}
	case model.KindLocomotion:
		return g.checkLocomotion(in)
	case model.KindSpeech:
		return g.checkSpeech(in)
	case model.KindIndicator:
		if color, ok := in.String("color"); !ok || color == "" {
			return model.ReasonMalformed, "indicator requires color", true
		}
	default:
		return model.ReasonMalformed, fmt.Sprintf("unknown kind %q", in.Kind), true
	}
	return "", "", false
}

func (g *Gate) checkLocomotion(in model.Intent) (model.RejectReason, string, bool) {
	axes := []struct {
		key   string
		limit float64
	}{{"vx", g.config.MaxVX}, {"vy", g.config.MaxVY}, {"vyaw", g.config.MaxVYaw}}

	vals := map[string]float64{}
	for _, a := range axes {
		if !in.Has(a.key) {
			continue
		}
		v, ok := in.Float(a.key)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return model.ReasonMalformed, fmt.Sprintf("locomotion %s is not a number", a.key), true
		}
		vals[a.key] = v
	}
	if len(vals) == 0 {
		return model.ReasonMalformed, "locomotion requires vx, vy or vyaw", true
	}
	if in.RequestedDuration <= 0 {
		return model.ReasonMalformed, "locomotion requires requested_duration", true
	}
	for _, a := range axes {
		if v, ok := vals[a.key]; ok && a.limit > 0 && math.Abs(v) > a.limit {
			return model.ReasonOutOfBounds, fmt.Sprintf("%s %.2f exceeds %.2f", a.key, v, a.limit), true
		}
	}
	if g.config.MaxSpeed > 0 {
		if speed := math.Hypot(vals["vx"], vals["vy"]); speed > g.config.MaxSpeed {
			return model.ReasonOutOfBounds, fmt.Sprintf("speed %.2f exceeds %.2f", speed, g.config.MaxSpeed), true
		}
	}
	return "", "", false
}

func (g *Gate) checkSpeech(in model.Intent) (model.RejectReason, string, bool) {
	if text, ok := in.String("text"); !ok || text == "" {
		return model.ReasonMalformed, "speech requires text", true
	}
	if in.Has("volume") {
		v, ok := in.Float("volume")
		if !ok || v < 0 {
			return model.ReasonMalformed, "speech volume must be a non-negative number", true
		}
		if g.config.MaxVolume > 0 && v > g.config.MaxVolume {
			return model.ReasonOutOfBounds, fmt.Sprintf("volume %.0f exceeds %.0f", v, g.config.MaxVolume), true
		}
	}
	if g.config.MaxSpeechDuration > 0 && in.RequestedDuration > g.config.MaxSpeechDuration {
		return model.ReasonOutOfBounds, fmt.Sprintf("speech duration %s exceeds %s", in.RequestedDuration, g.config.MaxSpeechDuration), true
	}
	return "", "", false
}

// #endregion parameters
