package gate

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/t031a5/controlcore/internal/model"
)

func allRoutes() model.ActuatorStates {
	return model.ActuatorStates{
		Routes: map[model.IntentKind]model.ActuatorGroup{
			model.KindGesture:        model.GroupLimbs,
			model.KindPostureControl: model.GroupLimbs,
			model.KindLocomotion:     model.GroupBase,
			model.KindSpeech:         model.GroupVoice,
			model.KindIndicator:      model.GroupIndicators,
		},
		Groups: map[model.ActuatorGroup]model.GroupState{},
	}
}

func gesture(id, name string, prio int) model.Intent {
	return model.Intent{ID: id, Kind: model.KindGesture, Parameters: map[string]any{"name": name}, Priority: prio, Origin: model.OriginConversational}
}

func reasons(d Decision) map[string]model.RejectReason {
	out := map[string]model.RejectReason{}
	for _, r := range d.Rejected {
		out[r.IntentRef] = r.Reason
	}
	return out
}

func TestSupersededKeepsHighestPriority(t *testing.T) {
	g := NewGate(nil, DefaultConfig())
	d := g.Validate(model.Batch{Intents: []model.Intent{
		gesture("low", "wave", 2),
		gesture("high", "nod", 5),
	}}, allRoutes())

	if len(d.Accepted) != 1 || d.Accepted[0].ID != "high" {
		t.Fatalf("expected only priority-5 accepted, got %+v", d.Accepted)
	}
	if got := reasons(d)["low"]; got != model.ReasonSuperseded {
		t.Fatalf("expected low superseded, got %q", got)
	}
	if d.Rejected[0].Group != model.GroupLimbs {
		t.Fatalf("expected rejection tagged with group, got %q", d.Rejected[0].Group)
	}
}

func TestSupersededTieKeepsFirst(t *testing.T) {
	g := NewGate(nil, DefaultConfig())
	d := g.Validate(model.Batch{Intents: []model.Intent{
		gesture("first", "wave", 0),
		gesture("second", "nod", 0),
	}}, allRoutes())
	if len(d.Accepted) != 1 || d.Accepted[0].ID != "first" {
		t.Fatalf("expected first accepted on tie, got %+v", d.Accepted)
	}
}

func TestKindPriorityAcrossSharedGroup(t *testing.T) {
	g := NewGate(nil, DefaultConfig())
	posture := model.Intent{ID: "p", Kind: model.KindPostureControl, Parameters: map[string]any{"action": "stand_safe"}, Origin: model.OriginDirect}
	d := g.Validate(model.Batch{Intents: []model.Intent{gesture("g", "wave", 0), posture}}, allRoutes())
	if len(d.Accepted) != 1 || d.Accepted[0].ID != "p" {
		t.Fatalf("expected posture_control to win the limbs group, got %+v", d.Accepted)
	}
}

func TestConversationalPostureControlRejected(t *testing.T) {
	g := NewGate(nil, DefaultConfig())
	in := model.Intent{ID: "x", Kind: model.KindPostureControl, Parameters: map[string]any{"action": "damp"}, Origin: model.OriginConversational}
	d := g.Validate(model.Batch{Intents: []model.Intent{in}}, allRoutes())
	if len(d.Accepted) != 0 {
		t.Fatalf("conversational posture_control accepted: %+v", d.Accepted)
	}
	if got := reasons(d)["x"]; got != model.ReasonConversationalPosture {
		t.Fatalf("expected conversational_posture, got %q", got)
	}

	// Missing origin is not the direct path either.
	in.Origin = ""
	d = g.Validate(model.Batch{Intents: []model.Intent{in}}, allRoutes())
	if len(d.Accepted) != 0 {
		t.Fatal("intent without origin must not pass as direct")
	}
}

func TestConversationalPostureControlNeverAccepted_Randomized(t *testing.T) {
	rng := rand.New(rand.NewSource(20240611))
	kinds := append(model.Kinds(), "teleport")
	origins := []model.Origin{model.OriginConversational, model.OriginDirect, ""}
	g := NewGate(nil, DefaultConfig())

	for round := 0; round < 500; round++ {
		states := allRoutes()
		if rng.Intn(4) == 0 {
			states.Groups[model.GroupLimbs] = model.GroupState{Halted: true}
		}
		n := rng.Intn(8)
		batch := model.Batch{}
		for i := 0; i < n; i++ {
			kind := kinds[rng.Intn(len(kinds))]
			params := map[string]any{"name": "wave", "action": "relax", "text": "hi", "color": "red", "vx": 0.1}
			if rng.Intn(3) == 0 {
				params = map[string]any{}
			}
			batch.Intents = append(batch.Intents, model.Intent{
				ID:                fmt.Sprintf("r%d-%d", round, i),
				Kind:              kind,
				Parameters:        params,
				RequestedDuration: time.Duration(rng.Intn(3)) * time.Second,
				Priority:          rng.Intn(5),
				Origin:            origins[rng.Intn(len(origins))],
			})
		}

		d := g.Validate(batch, states)
		if len(d.Accepted)+len(d.Rejected) != n {
			t.Fatalf("round %d: %d in, %d accepted + %d rejected", round, n, len(d.Accepted), len(d.Rejected))
		}
		perGroup := map[model.ActuatorGroup]int{}
		for _, in := range d.Accepted {
			if in.Kind == model.KindPostureControl && in.Origin != model.OriginDirect {
				t.Fatalf("round %d: conversational posture_control accepted: %+v", round, in)
			}
			group, _ := states.GroupFor(in.Kind)
			perGroup[group]++
			if perGroup[group] > 1 {
				t.Fatalf("round %d: two intents accepted for %s", round, group)
			}
		}
		rejected := reasons(d)
		for _, in := range batch.Intents {
			if in.Kind == model.KindPostureControl && in.Origin != model.OriginDirect {
				if rejected[in.ID] != model.ReasonConversationalPosture {
					t.Fatalf("round %d: %s rejected with %q", round, in.ID, rejected[in.ID])
				}
			}
		}
	}
}

func TestHaltedGroupRejected(t *testing.T) {
	states := allRoutes()
	states.Groups[model.GroupVoice] = model.GroupState{Halted: true}
	g := NewGate(nil, DefaultConfig())

	speech := model.Intent{ID: "s", Kind: model.KindSpeech, Parameters: map[string]any{"text": "hello"}}
	d := g.Validate(model.Batch{Intents: []model.Intent{speech, gesture("g", "wave", 0)}}, states)
	if got := reasons(d)["s"]; got != model.ReasonHalted {
		t.Fatalf("expected halted, got %q", got)
	}
	if len(d.Accepted) != 1 || d.Accepted[0].ID != "g" {
		t.Fatalf("other groups unaffected, got %+v", d.Accepted)
	}
}

func TestUnroutableKind(t *testing.T) {
	states := allRoutes()
	delete(states.Routes, model.KindLocomotion)
	g := NewGate(nil, DefaultConfig())
	in := model.Intent{ID: "walk", Kind: model.KindLocomotion, Parameters: map[string]any{"vx": 0.1}, RequestedDuration: time.Second}
	d := g.Validate(model.Batch{Intents: []model.Intent{in}}, states)
	if got := reasons(d)["walk"]; got != model.ReasonUnroutable {
		t.Fatalf("expected unroutable, got %q", got)
	}
}

func TestParameterChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gestures = []string{"wave", "nod"}
	g := NewGate(nil, cfg)

	tests := []struct {
		name string
		in   model.Intent
		want model.RejectReason
	}{
		{"gesture ok", gesture("", "nod", 0), ""},
		{"gesture missing name", model.Intent{Kind: model.KindGesture}, model.ReasonMalformed},
		{"gesture unknown", gesture("", "backflip", 0), model.ReasonUnknownGesture},
		{"posture missing action", model.Intent{Kind: model.KindPostureControl, Parameters: map[string]any{"action": ""}}, model.ReasonMalformed},
		{"indicator missing color", model.Intent{Kind: model.KindIndicator, Parameters: map[string]any{"mode": "blink"}}, model.ReasonMalformed},
		{"indicator ok", model.Intent{Kind: model.KindIndicator, Parameters: map[string]any{"color": "green"}}, ""},
		{"speech empty", model.Intent{Kind: model.KindSpeech, Parameters: map[string]any{"text": ""}}, model.ReasonMalformed},
		{"speech too loud", model.Intent{Kind: model.KindSpeech, Parameters: map[string]any{"text": "hi", "volume": 95}}, model.ReasonOutOfBounds},
		{"speech bad volume", model.Intent{Kind: model.KindSpeech, Parameters: map[string]any{"text": "hi", "volume": "loud"}}, model.ReasonMalformed},
		{"speech too long", model.Intent{Kind: model.KindSpeech, Parameters: map[string]any{"text": "hi"}, RequestedDuration: time.Minute}, model.ReasonOutOfBounds},
		{"speech ok", model.Intent{Kind: model.KindSpeech, Parameters: map[string]any{"text": "hi", "volume": 70.0}, RequestedDuration: 2 * time.Second}, ""},
		{"locomotion no axes", model.Intent{Kind: model.KindLocomotion, RequestedDuration: time.Second}, model.ReasonMalformed},
		{"locomotion no duration", model.Intent{Kind: model.KindLocomotion, Parameters: map[string]any{"vx": 0.1}}, model.ReasonMalformed},
		{"locomotion non numeric", model.Intent{Kind: model.KindLocomotion, Parameters: map[string]any{"vx": "fast"}, RequestedDuration: time.Second}, model.ReasonMalformed},
		{"locomotion vy bound", model.Intent{Kind: model.KindLocomotion, Parameters: map[string]any{"vy": -0.4}, RequestedDuration: time.Second}, model.ReasonOutOfBounds},
		{"locomotion speed", model.Intent{Kind: model.KindLocomotion, Parameters: map[string]any{"vx": 0.45, "vy": 0.25}, RequestedDuration: time.Second}, model.ReasonOutOfBounds},
		{"locomotion turn ok", model.Intent{Kind: model.KindLocomotion, Parameters: map[string]any{"vyaw": 0.8}, RequestedDuration: time.Second}, ""},
		{"negative duration", model.Intent{Kind: model.KindIndicator, Parameters: map[string]any{"color": "red"}, RequestedDuration: -time.Second}, model.ReasonMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reason, detail, bad := g.Check(tc.in)
			if tc.want == "" {
				if bad {
					t.Fatalf("expected valid, got %s: %s", reason, detail)
				}
				return
			}
			if !bad || reason != tc.want {
				t.Fatalf("expected %s, got %q (%s)", tc.want, reason, detail)
			}
		})
	}
}

func TestEmptyBatch(t *testing.T) {
	g := NewGate(nil, DefaultConfig())

	d := g.Validate(model.Batch{}, allRoutes())
	if d.Accepted == nil || d.Rejected == nil || len(d.Accepted)+len(d.Rejected) != 0 {
		t.Fatalf("empty batch should give empty, non-nil lists: %+v", d)
	}

	d = g.Validate(model.Batch{Intents: []model.Intent{{ID: "m", Kind: model.KindGesture}}}, allRoutes())
	if len(d.Rejected) != 1 || d.Rejected[0].Reason != model.ReasonMalformed {
		t.Fatalf("expected one malformed rejection, got %+v", d.Rejected)
	}
}
