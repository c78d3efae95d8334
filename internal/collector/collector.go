// Package collector polls every enabled Input Source once per cycle, in
// parallel, under a shared deadline. A failing source is skipped, never fatal.
package collector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t031a5/controlcore/internal/model"
)

// #region collector-struct

// Collector gathers observations from registered sources.
type Collector struct {
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	sources []registered
	health  map[string]*SourceHealth

	now func() time.Time
}

type registered struct {
	src  Source
	opts SourceOptions
}

// New creates an empty collector.
func New(logger *zap.Logger, opts Options) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		logger: logger,
		opts:   opts,
		health: make(map[string]*SourceHealth),
		now:    time.Now,
	}
}

// #endregion collector-struct

// #region add

// Add registers a source. Registration order breaks priority ties.
func (c *Collector) Add(src Source, opts SourceOptions) error {
	if opts.Timeout <= 0 {
		return fmt.Errorf("source %s: timeout must be > 0", src.ID())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.health[src.ID()]; dup {
		return fmt.Errorf("source %s: already registered", src.ID())
	}
	c.sources = append(c.sources, registered{src: src, opts: opts})
	c.health[src.ID()] = &SourceHealth{Modality: src.Modality()}
	return nil
}

// Len returns the number of registered sources.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sources)
}

// #endregion add

// #region collect

// Collect polls all sources in parallel and returns the observations that
// arrived before their per-source timeout or the cycle deadline, ordered by
// source priority. It never fails: zero responding sources yields an empty
// slice, which downstream treats as "no new information".
func (c *Collector) Collect(ctx context.Context, deadline time.Time) []model.Observation {
	c.mu.Lock()
	srcs := append([]registered(nil), c.sources...)
	c.mu.Unlock()

	if len(srcs) == 0 {
		return []model.Observation{}
	}

	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	results := make([]*model.Observation, len(srcs))
	var g errgroup.Group
	if c.opts.MaxParallel > 0 {
		g.SetLimit(c.opts.MaxParallel)
	}
	for i, r := range srcs {
		g.Go(func() error {
			start := c.now()
			obs, err := c.pollOne(cctx, r)
			c.record(r.src, err, c.now().Sub(start))
			if err == nil {
				results[i] = &obs
			}
			// Failures are recorded, never propagated: one source must not
			// cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	type ranked struct {
		obs      model.Observation
		priority int
	}
	var got []ranked
	for i, r := range results {
		if r != nil {
			got = append(got, ranked{obs: *r, priority: srcs[i].opts.Priority})
		}
	}
	sort.SliceStable(got, func(a, b int) bool { return got[a].priority > got[b].priority })

	out := make([]model.Observation, len(got))
	for i, r := range got {
		out[i] = r.obs
	}
	if len(out) == 0 {
		c.logger.Warn("no input source responded this cycle", zap.Int("sources", len(srcs)))
	}
	return out
}

// pollOne runs a single poll bounded by min(source timeout, cycle deadline).
// A source that ignores its context is abandoned when the budget expires.
func (c *Collector) pollOne(ctx context.Context, r registered) (model.Observation, error) {
	id := r.src.ID()
	timeout := r.opts.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	if timeout <= 0 {
		return model.Observation{}, fmt.Errorf("%w: %s: cycle deadline exhausted", ErrSourceUnavailable, id)
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type pollResult struct {
		obs model.Observation
		err error
	}
	ch := make(chan pollResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- pollResult{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		obs, err := r.src.Poll(pctx, timeout)
		ch <- pollResult{obs, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return model.Observation{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, id, res.err)
		}
		return c.normalize(r.src, res.obs)
	case <-pctx.Done():
		return model.Observation{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, id, pctx.Err())
	}
}

// normalize fills identity fields the source left empty and rejects
// out-of-range confidence.
func (c *Collector) normalize(src Source, obs model.Observation) (model.Observation, error) {
	if math.IsNaN(obs.Confidence) || obs.Confidence < 0 || obs.Confidence > 1 {
		return model.Observation{}, fmt.Errorf("%w: %s: confidence %v outside [0,1]", ErrSourceUnavailable, src.ID(), obs.Confidence)
	}
	if obs.SourceID == "" {
		obs.SourceID = src.ID()
	}
	if obs.Modality == "" {
		obs.Modality = src.Modality()
	}
	if obs.CapturedAt.IsZero() {
		obs.CapturedAt = c.now()
	}
	return obs, nil
}

// #endregion collect

// #region health

func (c *Collector) record(src Source, err error, latency time.Duration) {
	c.mu.Lock()
	h := c.health[src.ID()]
	h.Polls++
	h.LastLatency = latency
	firstFailure := false
	if err != nil {
		h.Failures++
		h.ConsecutiveFailures++
		h.LastError = err.Error()
		firstFailure = h.ConsecutiveFailures == 1
	} else {
		if h.ConsecutiveFailures > 0 {
			c.logger.Info("source recovered", zap.String("source", src.ID()), zap.Int("after_failures", h.ConsecutiveFailures))
		}
		h.ConsecutiveFailures = 0
		h.LastSuccess = c.now()
	}
	streak := h.ConsecutiveFailures
	c.mu.Unlock()

	if err == nil {
		return
	}
	if c.opts.OnFailure != nil {
		c.opts.OnFailure(src.ID())
	}
	if firstFailure {
		c.logger.Warn("source skipped", zap.String("source", src.ID()), zap.Error(err))
	} else {
		c.logger.Debug("source still failing", zap.String("source", src.ID()), zap.Int("streak", streak), zap.Error(err))
	}
}

// Health returns a copy of the per-source counters.
func (c *Collector) Health() map[string]SourceHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]SourceHealth, len(c.health))
	for id, h := range c.health {
		out[id] = *h
	}
	return out
}

// #endregion health
