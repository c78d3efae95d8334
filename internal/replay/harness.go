// Package replay runs recorded cycles back through fusion, the reasoning
// chain and the validator, in memory and without actuators. Accepted intents
// are folded into history as if they had succeeded.
package replay

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/fusion"
	"github.com/t031a5/controlcore/internal/gate"
	"github.com/t031a5/controlcore/internal/history"
	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/reasoning"
	"github.com/t031a5/controlcore/internal/safety"
)

// #region types

// Cycle is one recorded cycle for replay.
type Cycle struct {
	ID           uint64
	Observations []model.Observation
	// Recorded, when non-nil, is returned instead of asking the offline provider.
	Recorded []model.Intent
}

// ReplayConfig bundles the stage settings for a replay run.
type ReplayConfig struct {
	Fusion        fusion.Options
	Offline       reasoning.OfflineOptions
	Gate          gate.Config
	Routes        map[model.IntentKind]model.ActuatorGroup
	Safety        safety.Thresholds
	HistoryWindow int
}

// Result captures the outcome of replaying one cycle.
type Result struct {
	CycleID  uint64 // as recorded
	Context  model.SituationalContext
	Recorded bool
	Degraded bool
	// Err explains a degraded decision, including each provider's failure.
	Err      string
	Halted   bool
	Accepted []model.Intent
	Rejected []model.ActionResult
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Cycles   int
	Accepted int
	Rejected int
	Degraded int
	Halted   bool
	ByReason map[model.RejectReason]int
}

// #endregion types

// #region scripted-provider

// scripted answers with the recorded batch when one is loaded and falls back
// to the offline rules otherwise.
type scripted struct {
	offline *reasoning.Offline

	mu       sync.Mutex
	recorded []model.Intent
	has      bool
}

func (s *scripted) Name() string { return "replay" }

func (s *scripted) load(intents []model.Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = intents
	s.has = intents != nil
}

func (s *scripted) Decide(ctx context.Context, sc model.SituationalContext, hist []model.ActionResult) (model.Batch, error) {
	s.mu.Lock()
	recorded, has := slices.Clone(s.recorded), s.has
	s.mu.Unlock()
	if has {
		return model.Batch{Intents: recorded}, nil
	}
	return s.offline.Decide(ctx, sc, hist)
}

// #endregion scripted-provider

// #region replay

// Replay feeds each cycle through safety inspection, fusion, the chain and
// the validator. It fails only when the configuration cannot be built.
func Replay(cfg ReplayConfig, cycles []Cycle) ([]Result, error) {
	logger := zap.NewNop()
	engine, err := fusion.New(logger, cfg.Fusion)
	if err != nil {
		return nil, fmt.Errorf("replay fusion: %w", err)
	}

	provider := &scripted{offline: reasoning.NewOffline("offline", cfg.Offline)}
	// Health stays healthy for the whole run.
	chain := reasoning.NewChain(logger, reasoning.Options{
		DegradeAfter:          math.MaxInt32,
		UnavailableAfter:      math.MaxInt32,
		Cooldown:              time.Nanosecond,
		DegradedTimeoutFactor: 1,
		SlowFraction:          1,
	})
	if err := chain.Add(provider, reasoning.ProviderOptions{Timeout: time.Second}); err != nil {
		return nil, err
	}
	validator := gate.NewGate(logger, cfg.Gate)
	monitor := safety.NewMonitor(logger, cfg.Safety)

	window := cfg.HistoryWindow
	if window <= 0 {
		window = 16
	}
	hist := history.New(max(window, 64))

	results := make([]Result, 0, len(cycles))
	for _, c := range cycles {
		monitor.Inspect(c.Observations)
		sc := engine.Fuse(c.Observations)

		provider.load(c.Recorded)
		decision, err := chain.Decide(context.Background(), sc, hist.Conversational(window))

		halted := monitor.Halted()
		v := validator.Validate(decision.Batch, statesFor(cfg.Routes, halted))
		hist.AddAll(v.Rejected)
		for _, in := range v.Accepted {
			hist.Add(model.ActionResult{
				IntentRef:     in.ID,
				Kind:          in.Kind,
				Group:         cfg.Routes[in.Kind],
				OriginCycleID: in.OriginCycleID,
				Status:        model.StatusOK,
				Detail:        "replayed",
				CompletedAt:   sc.ProducedAt,
			})
		}

		results = append(results, Result{
			CycleID:  c.ID,
			Context:  sc,
			Recorded: c.Recorded != nil,
			Degraded: decision.Degraded,
			Err:      decideError(decision, err),
			Halted:   halted,
			Accepted: v.Accepted,
			Rejected: v.Rejected,
		})
	}
	return results, nil
}

func decideError(d reasoning.Decision, err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, a := range d.Attempts {
		if a.Err != "" {
			msg += "; " + a.Provider + ": " + a.Err
		}
	}
	return msg
}

func statesFor(routes map[model.IntentKind]model.ActuatorGroup, halted bool) model.ActuatorStates {
	st := model.ActuatorStates{
		Routes: routes,
		Groups: make(map[model.ActuatorGroup]model.GroupState, len(routes)),
	}
	for _, g := range routes {
		st.Groups[g] = model.GroupState{Halted: halted}
	}
	return st
}

// #endregion replay

// #region compare

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result) Summary {
	s := Summary{Cycles: len(results), ByReason: map[model.RejectReason]int{}}
	for _, r := range results {
		s.Accepted += len(r.Accepted)
		s.Rejected += len(r.Rejected)
		if r.Degraded {
			s.Degraded++
		}
		if r.Halted {
			s.Halted = true
		}
		for _, rej := range r.Rejected {
			s.ByReason[rej.Reason]++
		}
	}
	return s
}

// Compare checks results against the fixture's expectations and returns one
// line per mismatch. An empty slice means the replay matched.
func Compare(results []Result, expected []FixtureExpectedResult) []string {
	var out []string
	if len(results) != len(expected) {
		out = append(out, fmt.Sprintf("expected %d cycles, got %d", len(expected), len(results)))
	}
	for i := 0; i < len(results) && i < len(expected); i++ {
		got, want := results[i], expected[i]
		if want.CycleID != 0 && got.CycleID != want.CycleID {
			out = append(out, fmt.Sprintf("cycle %d: expected cycle_id=%d, got %d", i, want.CycleID, got.CycleID))
		}
		if kinds := acceptedKinds(got); !slices.Equal(kinds, nonNil(want.Accepted)) {
			out = append(out, fmt.Sprintf("cycle %d: expected accepted=%v, got %v", got.CycleID, want.Accepted, kinds))
		}
		if rs := rejectReasons(got); !slices.Equal(rs, nonNil(want.Rejected)) {
			out = append(out, fmt.Sprintf("cycle %d: expected rejected=%v, got %v", got.CycleID, want.Rejected, rs))
		}
		if got.Halted != want.Halted {
			out = append(out, fmt.Sprintf("cycle %d: expected halted=%t, got %t", got.CycleID, want.Halted, got.Halted))
		}
	}
	return out
}

func acceptedKinds(r Result) []string {
	out := []string{}
	for _, in := range r.Accepted {
		out = append(out, string(in.Kind))
	}
	return out
}

func rejectReasons(r Result) []string {
	out := []string{}
	for _, rej := range r.Rejected {
		out = append(out, string(rej.Reason))
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// #endregion compare

// #region fixture-run

// ToCycles converts the fixture's recorded cycles to domain cycles.
func (f *Fixture) ToCycles() []Cycle {
	out := make([]Cycle, len(f.Cycles))
	for i, fc := range f.Cycles {
		c := Cycle{ID: fc.CycleID, Observations: fc.Observations}
		if fc.Intents != nil {
			c.Recorded = make([]model.Intent, len(fc.Intents))
			for j, fi := range fc.Intents {
				c.Recorded[j] = fi.ToIntent()
			}
		}
		out[i] = c
	}
	return out
}

// Run replays the fixture and compares against its expectations.
func (f *Fixture) Run() ([]Result, []string, error) {
	results, err := Replay(f.Config.ToReplayConfig(), f.ToCycles())
	if err != nil {
		return nil, nil, err
	}
	return results, Compare(results, f.ExpectedResults), nil
}

// #endregion fixture-run
