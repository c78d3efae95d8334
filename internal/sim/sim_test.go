package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t031a5/controlcore/internal/collector"
	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/orchestrator"
)

func poll(t *testing.T, s collector.Source) (model.Observation, error) {
	t.Helper()
	return s.Poll(context.Background(), time.Second)
}

func TestAudio_CyclesScript(t *testing.T) {
	s, err := NewAudio(collector.Spec{ID: "mic", Options: map[string]any{"script": []any{"hello", ""}}})
	require.NoError(t, err)
	assert.Equal(t, model.ModalityAudio, s.Modality())

	o, err := poll(t, s)
	require.NoError(t, err)
	assert.Equal(t, "hello", o.Payload["transcript"])
	assert.Equal(t, 0.9, o.Confidence)

	o, _ = poll(t, s)
	assert.NotContains(t, o.Payload, "transcript")
	assert.Equal(t, 0.1, o.Confidence)

	o, _ = poll(t, s)
	assert.Equal(t, "hello", o.Payload["transcript"])
}

func TestSource_FaultInjectionAndLatency(t *testing.T) {
	s, err := NewVision(collector.Spec{ID: "cam", Options: map[string]any{"fail_every": 2, "faces": []any{1, 2}, "latency": "30ms"}})
	require.NoError(t, err)

	o, err := poll(t, s)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Payload["faces"])
	_, err = poll(t, s)
	assert.ErrorContains(t, err, "injected fault")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = s.Poll(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = NewVision(collector.Spec{ID: "cam", Options: map[string]any{"latency": "soon"}})
	assert.Error(t, err)
}

func TestTelemetry_Drains(t *testing.T) {
	s, err := NewTelemetry(collector.Spec{ID: "platform", Options: map[string]any{"battery_start": 12.0, "drain_per_poll": 5, "obstacle_distance_m": 0.4}})
	require.NoError(t, err)
	var levels []any
	for i := 0; i < 4; i++ {
		o, err := poll(t, s)
		require.NoError(t, err)
		levels = append(levels, o.Payload["battery_pct"])
		assert.Equal(t, 0.4, o.Payload["obstacle_distance_m"])
	}
	assert.Equal(t, []any{12.0, 7.0, 2.0, 0.0}, levels)
}

func TestModule_ExecuteAndCancel(t *testing.T) {
	m, err := NewLimbs(orchestrator.Spec{ID: "arms", Options: map[string]any{"time_scale": 1.0}})
	require.NoError(t, err)
	c, ok := m.(orchestrator.Canceller)
	require.True(t, ok, "limbs are cancellable")

	r := m.Execute(context.Background(), model.Intent{ID: "g", Kind: model.KindGesture, Parameters: map[string]any{"name": "wave"}}, time.Second)
	assert.Equal(t, model.StatusOK, r.Status)
	assert.Equal(t, "gesture wave", r.Detail)

	done := make(chan model.ActionResult, 1)
	go func() {
		done <- m.Execute(context.Background(), model.Intent{ID: "long", Kind: model.KindGesture, RequestedDuration: time.Minute}, time.Minute)
	}()
	require.Eventually(t, func() bool {
		c.Cancel("long")
		select {
		case r = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.StatusFailed, r.Status)
	assert.Equal(t, "aborted", r.Detail)
}

func TestModule_VoiceIsNotCancellable(t *testing.T) {
	m, err := NewVoice(orchestrator.Spec{ID: "tts", Options: map[string]any{"time_scale": 0.0, "min_run": 0}})
	require.NoError(t, err)
	_, ok := m.(orchestrator.Canceller)
	assert.False(t, ok)

	r := m.Execute(context.Background(), model.Intent{ID: "s", Kind: model.KindSpeech, Parameters: map[string]any{"text": "hi"}, RequestedDuration: time.Hour}, time.Second)
	assert.Equal(t, `said "hi"`, r.Detail)
	assert.Equal(t, []string{`said "hi"`}, m.(*Module).Performed())
}

func TestRegister_AllTags(t *testing.T) {
	sources := collector.NewRegistry()
	actuators := orchestrator.NewRegistry()
	require.NoError(t, Register(sources, actuators))
	assert.Equal(t, []string{"sim.audio", "sim.telemetry", "sim.vision"}, sources.Tags())
	assert.Equal(t, []string{"sim.base", "sim.indicator", "sim.limbs", "sim.voice"}, actuators.Tags())
	assert.Error(t, Register(sources, actuators), "double registration")
}
