package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/metrics"
	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/orchestrator"
	"github.com/t031a5/controlcore/internal/runtime"
	"github.com/t031a5/controlcore/internal/safety"
)

// #region fake
type fakeController struct {
	mu        sync.Mutex
	halted    bool
	stops     []string
	submitted []model.Intent
	submitErr error
	pending   *orchestrator.Pending
}

func (f *fakeController) Status() runtime.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := safety.Normal
	if f.halted {
		st = safety.Halted
	}
	return runtime.Snapshot{
		Safety:  st,
		Results: []model.ActionResult{{IntentRef: "i-1", Kind: model.KindSpeech, Status: model.StatusOK}},
		Timing:  runtime.Timing{Cycles: 42},
	}
}

func (f *fakeController) Stop(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, reason)
	if f.halted {
		return false
	}
	f.halted = true
	return true
}

func (f *fakeController) Reset(ack safety.Ack) error {
	if ack.Operator == "" {
		return safety.ErrAckRequired
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halted = false
	return nil
}

func (f *fakeController) SubmitPrivileged(_ context.Context, in model.Intent) (*orchestrator.Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, in)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.pending, nil
}

func newServer(t *testing.T, ctrl Controller) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(zap.NewNop(), ctrl, metrics.New().Handler()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp, out
}

// #endregion fake

func TestStatus(t *testing.T) {
	srv := newServer(t, &fakeController{})

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Safety  string               `json:"safety_state"`
		Results []model.ActionResult `json:"recent_results"`
		Timing  struct {
			Cycles uint64 `json:"cycles"`
		} `json:"timing"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NORMAL", body.Safety)
	assert.Len(t, body.Results, 1)
	assert.Equal(t, uint64(42), body.Timing.Cycles)
}

func TestStatus_RejectsPost(t *testing.T) {
	srv := newServer(t, &fakeController{})
	resp, _ := post(t, srv.URL+"/status", "{}")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStop_IsIdempotent(t *testing.T) {
	ctrl := &fakeController{}
	srv := newServer(t, ctrl)

	resp, body := post(t, srv.URL+"/stop", `{"reason":"panel button"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, "HALTED", body["state"])

	resp, body = post(t, srv.URL+"/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["changed"])
	assert.Equal(t, []string{"panel button", "stop requested over http"}, ctrl.stops)
}

func TestReset(t *testing.T) {
	ctrl := &fakeController{halted: true}
	srv := newServer(t, ctrl)

	resp, _ := post(t, srv.URL+"/reset", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := post(t, srv.URL+"/reset", `{"operator":"kim","note":"area clear"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "NORMAL", body["state"])
}

func TestPrivileged_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{runtime.ErrInvalidIntent, http.StatusUnprocessableEntity},
		{orchestrator.ErrNotPrivileged, http.StatusForbidden},
		{orchestrator.ErrNoActuator, http.StatusNotFound},
		{orchestrator.ErrClosed, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			srv := newServer(t, &fakeController{submitErr: tc.err})
			resp, body := post(t, srv.URL+"/privileged", `{"kind":"gesture","parameters":{"name":"wave"}}`)
			assert.Equal(t, tc.code, resp.StatusCode)
			assert.Contains(t, body["error"], tc.err.Error())
		})
	}
}

func TestPrivileged_BuildsDirectIntent(t *testing.T) {
	ctrl := &fakeController{}
	srv := newServer(t, ctrl)

	resp, body := post(t, srv.URL+"/privileged", `{"kind":"posture_control","parameters":{"action":"relax"},"requested_duration_ms":1500}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["submitted"])

	require.Len(t, ctrl.submitted, 1)
	in := ctrl.submitted[0]
	assert.Equal(t, model.KindPostureControl, in.Kind)
	assert.Equal(t, model.OriginDirect, in.Origin)
	assert.Equal(t, int64(1500), in.RequestedDuration.Milliseconds())
	action, _ := in.String("action")
	assert.Equal(t, "relax", action)
}

func TestPrivileged_BadBody(t *testing.T) {
	srv := newServer(t, &fakeController{})
	resp, _ := post(t, srv.URL+"/privileged", `{"kind":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(t, &fakeController{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "controlcore_safety_halted")
}
