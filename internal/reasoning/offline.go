package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/t031a5/controlcore/internal/model"
)

// #region offline

// OfflineOptions tunes the rule-based provider.
type OfflineOptions struct {
	ListeningColor  string
	GreetingGesture string
	// LowBatteryPct triggers a spoken battery warning. Zero disables it.
	LowBatteryPct float64
	Volume        float64
}

// DefaultOfflineOptions are the shipped rule parameters.
func DefaultOfflineOptions() OfflineOptions {
	return OfflineOptions{
		ListeningColor:  "blue",
		GreetingGesture: "wave",
		LowBatteryPct:   20,
		Volume:          60,
	}
}

// OfflineOptionsFrom reads overrides from a provider's options block.
func OfflineOptionsFrom(m map[string]any) OfflineOptions {
	o := DefaultOfflineOptions()
	if v, ok := m["listening_color"].(string); ok && v != "" {
		o.ListeningColor = v
	}
	if v, ok := m["greeting_gesture"].(string); ok && v != "" {
		o.GreetingGesture = v
	}
	if v, ok := toFloat(m["low_battery_pct"]); ok {
		o.LowBatteryPct = v
	}
	if v, ok := toFloat(m["volume"]); ok {
		o.Volume = v
	}
	return o
}

// Offline is a deterministic, local provider that always answers. It keeps
// the robot responsive when every remote reasoner is down. It only emits
// speech, indicator and gesture intents.
type Offline struct {
	name string
	opts OfflineOptions
}

// NewOffline creates the rule-based provider.
func NewOffline(name string, opts OfflineOptions) *Offline {
	if name == "" {
		name = "offline"
	}
	return &Offline{name: name, opts: opts}
}

func (o *Offline) Name() string { return o.name }

// Decide applies fixed rules to the fused summary:
//   - a transcript is acknowledged by speech and a listening indicator
//   - a low battery reading is announced
//   - a visible face with nothing said gets the greeting gesture, unless a
//     gesture already completed within the history window
func (o *Offline) Decide(ctx context.Context, sc model.SituationalContext, history []model.ActionResult) (model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, err
	}
	var intents []model.Intent

	transcript, _ := sc.Summary["transcript"].(string)
	transcript = strings.TrimSpace(transcript)
	if transcript != "" {
		intents = append(intents,
			model.Intent{
				Kind: model.KindIndicator,
				Parameters: map[string]any{
					"color": o.opts.ListeningColor,
					"mode":  "listening",
				},
				RequestedDuration: 2 * time.Second,
			},
			model.Intent{
				Kind: model.KindSpeech,
				Parameters: map[string]any{
					"text":   "I heard you say: " + transcript,
					"volume": o.opts.Volume,
				},
				RequestedDuration: speechDuration(transcript),
			})
	}

	if battery, ok := toFloat(sc.Summary["battery_pct"]); ok && o.opts.LowBatteryPct > 0 && battery < o.opts.LowBatteryPct && transcript == "" {
		intents = append(intents, model.Intent{
			Kind: model.KindSpeech,
			Parameters: map[string]any{
				"text":   fmt.Sprintf("My battery is at %.0f percent.", battery),
				"volume": o.opts.Volume,
			},
			RequestedDuration: 3 * time.Second,
		})
	}

	if faces, ok := toFloat(sc.Summary["faces"]); ok && faces > 0 && transcript == "" && o.opts.GreetingGesture != "" && !recentlyGestured(history) {
		intents = append(intents, model.Intent{
			Kind:              model.KindGesture,
			Parameters:        map[string]any{"name": o.opts.GreetingGesture},
			RequestedDuration: 2 * time.Second,
		})
	}

	if intents == nil {
		intents = []model.Intent{}
	}
	return model.Batch{Intents: intents}, nil
}

// recentlyGestured reports whether a gesture completed within the history window.
func recentlyGestured(history []model.ActionResult) bool {
	for _, r := range history {
		if r.Kind == model.KindGesture && r.Status == model.StatusOK {
			return true
		}
	}
	return false
}

// speechDuration is a rough speaking-time estimate: 150 words per minute.
func speechDuration(text string) time.Duration {
	words := len(strings.Fields(text)) + 5
	return time.Duration(words) * 400 * time.Millisecond
}

// #endregion offline

func toFloat(v any) (float64, bool) {
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
