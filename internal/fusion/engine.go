// Package fusion combines one cycle's observations into a Situational Context.
package fusion

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/model"
)

// #region engine

// Engine is the fusion stage. It owns the cycle counter, so every context it
// produces has a strictly larger CycleID than the previous one.
type Engine struct {
	logger *zap.Logger
	opts   Options
	merge  MergeFunc
	rank   map[model.Modality]int

	mu           sync.Mutex
	cycle        uint64
	lastProduced time.Time

	now func() time.Time
}

// New builds an engine for opts.Strategy.
func New(logger *zap.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	merge, err := mergeFor(opts.Strategy)
	if err != nil {
		return nil, err
	}
	if opts.DefaultWeight <= 0 {
		opts.DefaultWeight = 1.0
	}
	if len(opts.Priority) == 0 {
		opts.Priority = model.DefaultModalityPriority()
	}
	rank := make(map[model.Modality]int, len(opts.Priority))
	for i, m := range opts.Priority {
		if _, dup := rank[m]; !dup {
			rank[m] = i
		}
	}
	return &Engine{logger: logger, opts: opts, merge: merge, rank: rank, now: time.Now}, nil
}

// WithMerge swaps in a custom merge algorithm under the given strategy name.
func (e *Engine) WithMerge(name Strategy, merge MergeFunc) *Engine {
	e.opts.Strategy = name
	e.merge = merge
	return e
}

func mergeFor(s Strategy) (MergeFunc, error) {
	switch s {
	case StrategyWeighted, "":
		return mergeWeighted, nil
	case StrategyConcatenate:
		return mergeConcatenate, nil
	case StrategyPriorityOnly:
		return mergePriorityOnly, nil
	}
	return nil, fmt.Errorf("unknown fusion strategy %q", s)
}

// #endregion engine

// #region fuse

// Fuse produces the next Situational Context. Zero observations yield a
// valid empty context with confidence 0.
func (e *Engine) Fuse(observations []model.Observation) model.SituationalContext {
	ranked := e.Rank(observations)

	var dominant model.Modality
	if len(ranked) > 0 {
		dominant = ranked[0].Modality
	}

	var weighted, weights float64
	for _, s := range ranked {
		weighted += s.Score
		weights += s.Weight
	}
	confidence := 0.0
	if weights > 0 {
		confidence = weighted / weights
	}

	summary := map[string]any{}
	if len(ranked) > 0 {
		summary = e.merge(ranked)
	}

	e.mu.Lock()
	e.cycle++
	id := e.cycle
	produced := e.now()
	if produced.Before(e.lastProduced) {
		produced = e.lastProduced
	}
	e.lastProduced = produced
	e.mu.Unlock()

	obs := make([]model.Observation, len(observations))
	copy(obs, observations)

	e.logger.Debug("fused",
		zap.Uint64("cycle", id),
		zap.Int("observations", len(obs)),
		zap.String("dominant", string(dominant)),
		zap.Float64("confidence", confidence))

	strategy := e.opts.Strategy
	if strategy == "" {
		strategy = StrategyWeighted
	}
	return model.SituationalContext{
		CycleID:          id,
		Observations:     obs,
		Summary:          summary,
		Strategy:         string(strategy),
		DominantModality: dominant,
		Confidence:       confidence,
		ProducedAt:       produced,
	}
}

// LastCycleID returns the id of the most recently produced context.
func (e *Engine) LastCycleID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycle
}

// #endregion fuse

// #region rank

// Rank groups observations by modality and orders the groups by weighted
// score, breaking ties by the configured modality priority.
func (e *Engine) Rank(observations []model.Observation) []ModalityScore {
	index := map[model.Modality]int{}
	var scores []ModalityScore
	for _, o := range observations {
		i, ok := index[o.Modality]
		if !ok {
			i = len(scores)
			index[o.Modality] = i
			scores = append(scores, ModalityScore{Modality: o.Modality, Best: o, Weight: e.weight(o.Modality)})
		}
		s := &scores[i]
		s.All = append(s.All, o)
		if o.Confidence > s.Best.Confidence {
			s.Best = o
		}
	}
	for i := range scores {
		scores[i].Score = scores[i].Best.Confidence * scores[i].Weight
	}

	sort.SliceStable(scores, func(a, b int) bool {
		if scores[a].Score != scores[b].Score {
			return scores[a].Score > scores[b].Score
		}
		ra, rb := e.priority(scores[a].Modality), e.priority(scores[b].Modality)
		if ra != rb {
			return ra < rb
		}
		return scores[a].Modality < scores[b].Modality
	})
	return scores
}

func (e *Engine) weight(m model.Modality) float64 {
	if w, ok := e.opts.Weights[m]; ok {
		return w
	}
	return e.opts.DefaultWeight
}

func (e *Engine) priority(m model.Modality) int {
	if r, ok := e.rank[m]; ok {
		return r
	}
	return len(e.rank)
}

// #endregion rank
