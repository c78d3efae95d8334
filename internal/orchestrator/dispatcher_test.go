package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// #region doubles
type haltFlag struct{ atomic.Bool }

func (h *haltFlag) Halted() bool { return h.Load() }

type stubModule struct {
	id        string
	delay     time.Duration
	ignoreCtx bool
	panicMsg  string

	inflight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	started  chan string

	mu    sync.Mutex
	order []string
}

func (m *stubModule) ID() string { return m.id }

func (m *stubModule) Execute(ctx context.Context, in model.Intent, _ time.Duration) model.ActionResult {
	n := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		prev := m.maxSeen.Load()
		if n <= prev || m.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	m.calls.Add(1)
	m.mu.Lock()
	m.order = append(m.order, in.ID)
	m.mu.Unlock()
	if m.started != nil {
		m.started <- in.ID
	}
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.delay > 0 {
		if m.ignoreCtx {
			time.Sleep(m.delay)
		} else {
			select {
			case <-time.After(m.delay):
			case <-ctx.Done():
				return model.ActionResult{Status: model.StatusFailed, Detail: ctx.Err().Error()}
			}
		}
	}
	return model.ActionResult{Status: model.StatusOK, Detail: "done " + in.ID}
}

func (m *stubModule) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

type cancelModule struct {
	*stubModule
	cmu       sync.Mutex
	cancelled []string
}

func (c *cancelModule) Cancel(ref string) {
	c.cmu.Lock()
	c.cancelled = append(c.cancelled, ref)
	c.cmu.Unlock()
}

func (c *cancelModule) cancels() []string {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	return append([]string(nil), c.cancelled...)
}

func intent(id string, kind model.IntentKind, params map[string]any) model.Intent {
	return model.Intent{ID: id, Kind: kind, Parameters: params, OriginCycleID: 1, Origin: model.OriginConversational}
}

func say(id string) model.Intent {
	return intent(id, model.KindSpeech, map[string]any{"text": id})
}

func newDispatcher(t *testing.T, safety SafetyState, opts Options, bindings ...Binding) *Dispatcher {
	t.Helper()
	d, err := New(zap.NewNop(), safety, opts, bindings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func waitAll(t *testing.T, p *Pending) []model.ActionResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := p.Wait(ctx)
	select {
	case <-p.Done():
	default:
		t.Fatalf("dispatch did not complete, have %d results", len(res))
	}
	return res
}

func byRef(results []model.ActionResult) map[string]model.ActionResult {
	out := map[string]model.ActionResult{}
	for _, r := range results {
		out[r.IntentRef] = r
	}
	return out
}

// #endregion doubles

func TestDispatch_AtMostOneInFlightPerGroup_Randomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	modules := map[model.ActuatorGroup]*stubModule{}
	var bindings []Binding
	groupKinds := map[model.ActuatorGroup][]model.IntentKind{
		model.GroupLimbs:      {model.KindGesture, model.KindPostureControl},
		model.GroupVoice:      {model.KindSpeech},
		model.GroupIndicators: {model.KindIndicator},
		model.GroupBase:       {model.KindLocomotion},
	}
	for g, kinds := range groupKinds {
		m := &stubModule{id: string(g), delay: 2 * time.Millisecond}
		modules[g] = m
		bindings = append(bindings, Binding{Module: m, Group: g, Kinds: kinds, Timeout: time.Second})
	}
	d := newDispatcher(t, &haltFlag{}, Options{Policy: PolicyQueue, QueueSize: 1000}, bindings...)

	kinds := model.Kinds()
	var wg sync.WaitGroup
	var pendings []*Pending
	var pmu sync.Mutex
	for w := 0; w < 4; w++ {
		batches := make([][]model.Intent, 10)
		for b := range batches {
			for i := 0; i < 1+rng.Intn(5); i++ {
				batches[b] = append(batches[b], intent(fmt.Sprintf("w%d-b%d-%d", w, b, i), kinds[rng.Intn(len(kinds))], nil))
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, b := range batches {
				p := d.Dispatch(context.Background(), b)
				pmu.Lock()
				pendings = append(pendings, p)
				pmu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, p := range pendings {
		for _, r := range waitAll(t, p) {
			assert.Equal(t, model.StatusOK, r.Status, r.Detail)
			total++
		}
	}
	var executed int32
	for g, m := range modules {
		assert.LessOrEqual(t, m.maxSeen.Load(), int32(1), "group %s ran concurrently", g)
		executed += m.calls.Load()
	}
	assert.Equal(t, int32(total), executed)
}

func TestDispatch_DifferentGroupsRunInParallel(t *testing.T) {
	voice := &stubModule{id: "tts", delay: 80 * time.Millisecond}
	leds := &stubModule{id: "leds", delay: 80 * time.Millisecond}
	d := newDispatcher(t, &haltFlag{}, Options{QueueSize: 4},
		Binding{Module: voice, Group: model.GroupVoice, Kinds: []model.IntentKind{model.KindSpeech}, Timeout: time.Second},
		Binding{Module: leds, Group: model.GroupIndicators, Kinds: []model.IntentKind{model.KindIndicator}, Timeout: time.Second})

	start := time.Now()
	p := d.Dispatch(context.Background(), []model.Intent{say("s"), intent("i", model.KindIndicator, nil)})
	assert.Len(t, waitAll(t, p), 2)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestDispatch_SubmissionOrderWithinGroup(t *testing.T) {
	voice := &stubModule{id: "tts", delay: 5 * time.Millisecond}
	d := newDispatcher(t, &haltFlag{}, Options{QueueSize: 8},
		Binding{Module: voice, Group: model.GroupVoice, Kinds: []model.IntentKind{model.KindSpeech}, Timeout: time.Second})

	p := d.Dispatch(context.Background(), []model.Intent{say("a"), say("b"), say("c")})
	waitAll(t, p)
	assert.Equal(t, []string{"a", "b", "c"}, voice.executed())
}

func TestDispatch_RejectBusyPolicy(t *testing.T) {
	voice := &stubModule{id: "tts", delay: 50 * time.Millisecond}
	d := newDispatcher(t, &haltFlag{}, Options{Policy: PolicyRejectBusy},
		Binding{Module: voice, Group: model.GroupVoice, Kinds: []model.IntentKind{model.KindSpeech}, Timeout: time.Second})

	res := byRef(waitAll(t, d.Dispatch(context.Background(), []model.Intent{say("first"), say("second")})))
	assert.Equal(t, model.StatusOK, res["first"].Status)
	assert.Equal(t, model.StatusRejected, res["second"].Status)
	assert.Equal(t, model.ReasonBusy, res["second"].Reason)
	assert.Equal(t, int32(1), voice.calls.Load())
}

func TestDispatch_QueueFull(t *testing.T) {
	voice := &stubModule{id: "tts", delay: 50 * time.Millisecond, started: make(chan string, 4)}
	d := newDispatcher(t, &haltFlag{}, Options{Policy: PolicyQueue, QueueSize: 1},
		Binding{Module: voice, Group: model.GroupVoice, Kinds: []model.IntentKind{model.KindSpeech}, Timeout: time.Second})

	p1 := d.Dispatch(context.Background(), []model.Intent{say("running")})
	<-voice.started
	p2 := d.Dispatch(context.Background(), []model.Intent{say("waiting"), say("overflow")})

	assert.Equal(t, model.StatusOK, waitAll(t, p1)[0].Status)
	res := byRef(waitAll(t, p2))
	assert.Equal(t, model.StatusOK, res["waiting"].Status)
	assert.Equal(t, model.ReasonQueueFull, res["overflow"].Reason)
}

func TestDispatch_HaltedRejectsWithoutInvokingActuators(t *testing.T) {
	halted := &haltFlag{}
	halted.Store(true)
	voice := &stubModule{id: "tts"}
	d := newDispatcher(t, halted, Options{QueueSize: 4},
		Binding{Module: voice, Group: model.GroupVoice, Kinds: []model.IntentKind{model.KindSpeech}, Timeout: time.Second})

	for _, r := range waitAll(t, d.Dispatch(context.Background(), []model.Intent{say("a"), say("b")})) {
		assert.Equal(t, model.StatusRejected, r.Status)
		assert.Equal(t, model.ReasonHalted, r.Reason)
		assert.Equal(t, uint64(1), r.OriginCycleID)
	}
	assert.Zero(t, voice.calls.Load())
	for _, s := range d.GroupStates() {
		assert.True(t, s.Halted)
	}
}

func TestDispatch_TimeoutWithoutCancellationIsFireAndForget(t *testing.T) {
	voice := &stubModule{id: "tts", delay: 100 * time.Millisecond, ignoreCtx: true}
	d := newDispatcher(t, &haltFlag{}, Options{QueueSize: 4},
		Binding{Module: voice, Group: model.GroupVoice, Kinds: []model.IntentKind{model.KindSpeech}, Timeout: 20 * time.Millisecond})

	res := waitAll(t, d.Dispatch(context.Background(), []model.Intent{say("long")}))
	require.Len(t, res, 1)
	assert.Equal(t, model.StatusTimedOut, res[0].Status)
	assert.Equal(t, "fire-and-forget timeout", res[0].Detail)
	assert.Equal(t, model.GroupVoice, res[0].Group)
	assert.Equal(t, int32(1), voice.calls.Load(), "not retried")
}

func TestDispatch_TimeoutWithCancellation(t *testing.T) {
	arms := &cancelModule{stubModule: &stubModule{id: "arms", delay: time.Second}}
	d := newDispatcher(t, &haltFlag{}, Options{QueueSize: 4},
		Binding{Module: arms, Group: model.GroupLimbs, Kinds: []model.IntentKind{model.KindGesture}, Timeout: 20 * time.Millisecond})

	res := waitAll(t, d.Dispatch(context.Background(), []model.Intent{intent("g", model.KindGesture, map[string]any{"name": "wave"})}))
	assert.Equal(t, model.StatusTimedOut, res[0].Status)
	assert.Equal(t, "cancelled after timeout", res[0].Detail)
	assert.Equal(t, []string{"g"}, arms.cancels())
}

func TestDispatch_RequestedDurationExtendsTimeout(t *testing.T) {
	base := &stubModule{id: "legs", delay: 60 * time.Millisecond, ignoreCtx: true}
	d := newDispatcher(t, &haltFlag{}, Options{QueueSize: 4, Grace: 50 * time.Millisecond},
		Binding{Module: base, Group: model.GroupBase, Kinds: []model.IntentKind{model.KindLocomotion}, Timeout: 10 * time.Millisecond})

	walk := intent("walk", model.KindLocomotion, map[string]any{"vx": 0.2})
	walk.RequestedDuration = 50 * time.Millisecond
	res := waitAll(t, d.Dispatch(context.Background(), []model.Intent{walk}))
	assert.Equal(t, model.StatusOK, res[0].Status)
}

func TestHalt_DrainsQueueAndCancelsInFlight(t *testing.T) {
	halted := &haltFlag{}
	arms := &cancelModule{stubModule: &stubModule{id: "arms", delay: 5 * time.Second, started: make(chan string, 4)}}
	var sunk atomic.Int32
	d := newDispatcher(t, halted, Options{QueueSize: 4, OnResult: func(model.ActionResult) { sunk.Add(1) }},
		Binding{Module: arms, Group: model.GroupLimbs, Kinds: []model.IntentKind{model.KindGesture}, Timeout: 10 * time.Second})

	p := d.Dispatch(context.Background(), []model.Intent{
		intent("g1", model.KindGesture, map[string]any{"name": "wave"}),
		intent("g2", model.KindGesture, map[string]any{"name": "nod"}),
		intent("g3", model.KindGesture, map[string]any{"name": "bow"}),
	})
	<-arms.started

	halted.Store(true)
	d.Halt()

	res := byRef(waitAll(t, p))
	for _, ref := range []string{"g2", "g3"} {
		assert.Equal(t, model.ReasonHalted, res[ref].Reason, ref)
		assert.False(t, res[ref].Discarded, ref)
	}
	assert.Equal(t, model.ReasonHalted, res["g1"].Reason)
	assert.True(t, res["g1"].Discarded, "in-flight result withheld from conversational history")
	assert.Equal(t, []string{"g1"}, arms.cancels())
	assert.Equal(t, int32(1), arms.calls.Load())
	assert.Equal(t, int32(3), sunk.Load())
}

func TestHalt_NonCancellableInFlightFinishesDiscarded(t *testing.T) {
	halted := &haltFlag{}
	voice := &stubModule{id: "tts", delay: 40 * time.Millisecond, started: make(chan string, 1)}
	d := newDispatcher(t, halted, Options{QueueSize: 4},
		Binding{Module: voice, Group: model.GroupVoice, Kinds: []model.IntentKind{model.KindSpeech}, Timeout: time.Second})

	p := d.Dispatch(context.Background(), []model.Intent{say("talking")})
	<-voice.started
	halted.Store(true)
	d.Halt()

	res := waitAll(t, p)
	assert.Equal(t, model.StatusOK, res[0].Status)
	assert.True(t, res[0].Discarded)
}

func TestSubmitPrivileged(t *testing.T) {
	halted := &haltFlag{}
	halted.Store(true)
	arms := &stubModule{id: "arms"}
	d := newDispatcher(t, halted, Options{QueueSize: 4},
		Binding{Module: arms, Group: model.GroupLimbs, Kinds: []model.IntentKind{model.KindGesture, model.KindPostureControl}, Timeout: time.Second})

	p, err := d.SubmitPrivileged(context.Background(), intent("relax", model.KindPostureControl, map[string]any{"action": "relax"}))
	require.NoError(t, err)
	res := waitAll(t, p)
	assert.Equal(t, model.StatusOK, res[0].Status)

	p, err = d.SubmitPrivileged(context.Background(), intent("stand", model.KindPostureControl, map[string]any{"action": "stand_up"}))
	require.NoError(t, err)
	res = waitAll(t, p)
	assert.Equal(t, model.ReasonHalted, res[0].Reason, "only safing actions pass while halted")

	_, err = d.SubmitPrivileged(context.Background(), intent("g", model.KindGesture, map[string]any{"name": "wave"}))
	assert.ErrorIs(t, err, ErrNotPrivileged)

	// The conversational path cannot use the safing exemption.
	res = waitAll(t, d.Dispatch(context.Background(), []model.Intent{intent("sneaky", model.KindPostureControl, map[string]any{"action": "relax"})}))
	assert.Equal(t, model.ReasonHalted, res[0].Reason)
	assert.Equal(t, []string{"relax"}, arms.executed())
}

func TestDispatch_UnroutableAndPanic(t *testing.T) {
	leds := &stubModule{id: "leds", panicMsg: "driver exploded"}
	d := newDispatcher(t, &haltFlag{}, Options{QueueSize: 4},
		Binding{Module: leds, Group: model.GroupIndicators, Kinds: []model.IntentKind{model.KindIndicator}, Timeout: time.Second})

	res := byRef(waitAll(t, d.Dispatch(context.Background(), []model.Intent{say("nobody"), intent("blink", model.KindIndicator, nil)})))
	assert.Equal(t, model.ReasonUnroutable, res["nobody"].Reason)
	assert.Equal(t, model.StatusFailed, res["blink"].Status)
	assert.Contains(t, res["blink"].Detail, "driver exploded")

	_, err := d.SubmitPrivileged(context.Background(), intent("p", model.KindPostureControl, map[string]any{"action": "relax"}))
	assert.ErrorIs(t, err, ErrNoActuator)
}

func TestClose_RejectsLaterWork(t *testing.T) {
	voice := &stubModule{id: "tts"}
	d, err := New(nil, &haltFlag{}, Options{}, []Binding{{Module: voice, Group: model.GroupVoice, Kinds: []model.IntentKind{model.KindSpeech}, Timeout: time.Second}})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	res := waitAll(t, d.Dispatch(context.Background(), []model.Intent{say("late")}))
	assert.Equal(t, model.ReasonShutdown, res[0].Reason)
}

func TestNew_Errors(t *testing.T) {
	m := &stubModule{id: "m"}
	_, err := New(nil, nil, Options{}, nil)
	assert.Error(t, err)
	_, err = New(nil, &haltFlag{}, Options{Policy: "drop-oldest"}, nil)
	assert.Error(t, err)
	_, err = New(nil, &haltFlag{}, Options{}, []Binding{
		{Module: m, Group: model.GroupVoice, Kinds: []model.IntentKind{model.KindSpeech}, Timeout: time.Second},
		{Module: &stubModule{id: "other"}, Group: model.GroupLimbs, Kinds: []model.IntentKind{model.KindSpeech}, Timeout: time.Second},
	})
	assert.Error(t, err)
	_, err = New(nil, &haltFlag{}, Options{}, []Binding{{Module: m, Group: model.GroupVoice}})
	assert.Error(t, err)
}

func TestStates_ReportsRoutes(t *testing.T) {
	d := newDispatcher(t, &haltFlag{}, Options{},
		Binding{Module: &stubModule{id: "arms"}, Group: model.GroupLimbs, Kinds: []model.IntentKind{model.KindGesture, model.KindPostureControl}, Timeout: time.Second})
	s := d.States()
	g, ok := s.GroupFor(model.KindPostureControl)
	assert.True(t, ok)
	assert.Equal(t, model.GroupLimbs, g)
	_, ok = s.GroupFor(model.KindSpeech)
	assert.False(t, ok)
	assert.Equal(t, []model.ActuatorGroup{model.GroupLimbs}, d.Groups())
}
