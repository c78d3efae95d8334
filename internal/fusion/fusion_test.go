package fusion

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/model"
)

func obs(src string, m model.Modality, conf float64, payload map[string]any) model.Observation {
	return model.Observation{SourceID: src, Modality: m, Confidence: conf, Payload: payload, CapturedAt: time.Unix(100, 0)}
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(zap.NewNop(), opts)
	require.NoError(t, err)
	return e
}

func TestFuse_EmptyInputIsValidContext(t *testing.T) {
	e := newEngine(t, DefaultOptions())
	sc := e.Fuse(nil)
	assert.True(t, sc.Empty())
	assert.Equal(t, uint64(1), sc.CycleID)
	assert.Equal(t, 0.0, sc.Confidence)
	assert.Equal(t, model.Modality(""), sc.DominantModality)
	assert.NotNil(t, sc.Summary)
	assert.Equal(t, "weighted", sc.Strategy)
}

func TestFuse_CycleIDsStrictlyIncrease(t *testing.T) {
	e := newEngine(t, DefaultOptions())
	fixed := time.Unix(500, 0)
	calls := 0
	e.now = func() time.Time {
		calls++
		if calls == 2 {
			return fixed.Add(-time.Second) // clock stepped backwards
		}
		return fixed
	}

	var prev model.SituationalContext
	for i := 0; i < 5; i++ {
		sc := e.Fuse([]model.Observation{obs("mic", model.ModalityAudio, 0.5, nil)})
		if i > 0 {
			assert.Greater(t, sc.CycleID, prev.CycleID)
			assert.False(t, sc.ProducedAt.Before(prev.ProducedAt))
		}
		prev = sc
	}
	assert.Equal(t, uint64(5), e.LastCycleID())
}

func TestFuse_AudioBeatsVisionOnScore(t *testing.T) {
	opts := DefaultOptions()
	opts.Weights = map[model.Modality]float64{model.ModalityAudio: 1.0, model.ModalityVision: 0.8}
	e := newEngine(t, opts)

	sc := e.Fuse([]model.Observation{
		obs("cam", model.ModalityVision, 0.95, map[string]any{"faces": 1}),
		obs("mic", model.ModalityAudio, 0.9, map[string]any{"transcript": "hello"}),
	})
	// audio 0.9×1.0 = 0.90 beats vision 0.95×0.8 = 0.76
	assert.Equal(t, model.ModalityAudio, sc.DominantModality)
	assert.InDelta(t, (0.9*1.0+0.95*0.8)/1.8, sc.Confidence, 1e-9)
	assert.Equal(t, "hello", sc.Summary["transcript"])
	assert.Equal(t, 1.0, sc.Summary["faces"])
}

func TestFuse_TieBrokenByModalityPriority(t *testing.T) {
	e := newEngine(t, DefaultOptions())
	sc := e.Fuse([]model.Observation{
		obs("platform", model.ModalityTelemetry, 0.5, nil),
		obs("cam", model.ModalityVision, 0.5, nil),
	})
	assert.Equal(t, model.ModalityVision, sc.DominantModality)

	opts := DefaultOptions()
	opts.Priority = []model.Modality{model.ModalityTelemetry}
	e = newEngine(t, opts)
	sc = e.Fuse([]model.Observation{
		obs("cam", model.ModalityVision, 0.5, nil),
		obs("platform", model.ModalityTelemetry, 0.5, nil),
	})
	assert.Equal(t, model.ModalityTelemetry, sc.DominantModality)
}

func TestFuse_WeightedNumericBlend(t *testing.T) {
	opts := DefaultOptions()
	opts.Weights = map[model.Modality]float64{model.ModalityVision: 1.0, model.ModalityTelemetry: 0.5}
	e := newEngine(t, opts)

	sc := e.Fuse([]model.Observation{
		obs("cam", model.ModalityVision, 1.0, map[string]any{"distance_m": 2.0, "label": "person"}),
		obs("lidar", model.ModalityTelemetry, 1.0, map[string]any{"distance_m": 1.0, "label": "wall"}),
	})
	// (2.0×1.0 + 1.0×0.5) / 1.5
	assert.InDelta(t, 2.5/1.5, sc.Summary["distance_m"], 1e-9)
	assert.Equal(t, "person", sc.Summary["label"], "non-numeric key from the dominant modality")
}

func TestFuse_BestObservationPerModality(t *testing.T) {
	e := newEngine(t, DefaultOptions())
	sc := e.Fuse([]model.Observation{
		obs("mic-a", model.ModalityAudio, 0.4, map[string]any{"transcript": "mumble"}),
		obs("mic-b", model.ModalityAudio, 0.8, map[string]any{"transcript": "hi robot"}),
	})
	assert.Equal(t, "hi robot", sc.Summary["transcript"])
	assert.InDelta(t, 0.8, sc.Confidence, 1e-9)
	assert.Len(t, sc.Observations, 2, "all observations retained")
}

func TestFuse_Concatenate(t *testing.T) {
	opts := DefaultOptions()
	opts.Strategy = StrategyConcatenate
	e := newEngine(t, opts)

	sc := e.Fuse([]model.Observation{
		obs("mic-a", model.ModalityAudio, 0.4, map[string]any{"t": "a"}),
		obs("cam", model.ModalityVision, 0.9, map[string]any{"faces": 2}),
		obs("mic-b", model.ModalityAudio, 0.6, map[string]any{"t": "b"}),
	})
	want := map[string]any{
		"audio":  []map[string]any{{"t": "a"}, {"t": "b"}},
		"vision": []map[string]any{{"faces": 2}},
	}
	if diff := cmp.Diff(want, sc.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "concatenate", sc.Strategy)
}

func TestFuse_PriorityOnly(t *testing.T) {
	opts := DefaultOptions()
	opts.Strategy = StrategyPriorityOnly
	e := newEngine(t, opts)

	sc := e.Fuse([]model.Observation{
		obs("cam", model.ModalityVision, 0.9, map[string]any{"faces": 2}),
		obs("mic", model.ModalityAudio, 0.3, map[string]any{"transcript": "hm"}),
	})
	if diff := cmp.Diff(map[string]any{"faces": 2}, sc.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestFuse_DeterministicForIdenticalInputs(t *testing.T) {
	input := []model.Observation{
		obs("mic", model.ModalityAudio, 0.7, map[string]any{"transcript": "wave", "level": 3}),
		obs("cam", model.ModalityVision, 0.7, map[string]any{"level": 5, "faces": 1}),
		obs("platform", model.ModalityTelemetry, 0.9, map[string]any{"battery_pct": 80.0}),
	}
	at := time.Unix(42, 0)
	ea, eb := newEngine(t, DefaultOptions()), newEngine(t, DefaultOptions())
	ea.now = func() time.Time { return at }
	eb.now = func() time.Time { return at }
	a, b := ea.Fuse(input), eb.Fuse(input)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("fusion not deterministic (-a +b):\n%s", diff)
	}
}

func TestFuse_CustomMerge(t *testing.T) {
	e := newEngine(t, DefaultOptions()).WithMerge("count", func(ranked []ModalityScore) map[string]any {
		return map[string]any{"modalities": len(ranked)}
	})
	sc := e.Fuse([]model.Observation{obs("mic", model.ModalityAudio, 1, nil), obs("cam", model.ModalityVision, 1, nil)})
	assert.Equal(t, 2, sc.Summary["modalities"])
	assert.Equal(t, "count", sc.Strategy)
}

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New(nil, Options{Strategy: "majority-vote"})
	assert.Error(t, err)
}
