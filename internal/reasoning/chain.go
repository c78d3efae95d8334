// Package reasoning implements the ordered reasoning-provider chain with
// per-provider timeouts and health tracking.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/model"
)

// #region chain

type entry struct {
	provider Provider
	desc     Descriptor
	order    int
}

// Chain tries providers strictly in rank order, one at a time.
type Chain struct {
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	entries []*entry

	now func() time.Time
}

// NewChain creates an empty chain.
func NewChain(logger *zap.Logger, opts Options) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DegradeAfter <= 0 {
		opts.DegradeAfter = 1
	}
	if opts.UnavailableAfter <= 0 {
		opts.UnavailableAfter = 1
	}
	if opts.DegradedTimeoutFactor <= 0 || opts.DegradedTimeoutFactor > 1 {
		opts.DegradedTimeoutFactor = 1
	}
	return &Chain{logger: logger, opts: opts, now: time.Now}
}

// Add places p in the chain. Equal ranks keep insertion order.
func (c *Chain) Add(p Provider, po ProviderOptions) error {
	if po.Timeout <= 0 {
		return fmt.Errorf("provider %s: timeout must be positive", p.Name())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.desc.Name == p.Name() {
			return fmt.Errorf("provider %s: already in chain", p.Name())
		}
	}
	c.entries = append(c.entries, &entry{
		provider: p,
		desc:     Descriptor{Name: p.Name(), Rank: po.Rank, Timeout: po.Timeout},
		order:    len(c.entries),
	})
	sort.SliceStable(c.entries, func(i, j int) bool {
		if c.entries[i].desc.Rank != c.entries[j].desc.Rank {
			return c.entries[i].desc.Rank < c.entries[j].desc.Rank
		}
		return c.entries[i].order < c.entries[j].order
	})
	return nil
}

// Descriptors returns a snapshot of every provider's bookkeeping, in rank order.
func (c *Chain) Descriptors() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Descriptor, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.desc
	}
	return out
}

// Close releases providers that hold connections.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, e := range c.entries {
		if cl, ok := e.provider.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close provider %s: %w", e.desc.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// #endregion chain

// #region decide

// Decide asks providers in rank order and returns the first valid batch.
// When every provider fails the decision carries an empty batch, is flagged
// degraded, and the error is ErrChainExhausted.
func (c *Chain) Decide(ctx context.Context, sc model.SituationalContext, history []model.ActionResult) (Decision, error) {
	c.mu.Lock()
	order := make([]*entry, len(c.entries))
	copy(order, c.entries)
	c.mu.Unlock()

	var d Decision
	for _, e := range order {
		if err := ctx.Err(); err != nil {
			return emptyDecision(d.Attempts), fmt.Errorf("decide cycle %d: %w", sc.CycleID, err)
		}

		timeout, probe, skip := c.admit(e)
		if skip {
			d.Attempts = append(d.Attempts, Attempt{Provider: e.desc.Name, Outcome: "skipped"})
			continue
		}

		start := time.Now()
		batch, err := c.call(ctx, e.provider, timeout, sc, history)
		latency := time.Since(start)

		if err == nil {
			err = validateBatch(batch)
		}
		if err != nil && ctx.Err() != nil {
			// Shutdown, not the provider's fault.
			return emptyDecision(d.Attempts), fmt.Errorf("decide cycle %d: %w", sc.CycleID, ctx.Err())
		}

		outcome := c.settle(e, timeout, probe, latency, err)
		a := Attempt{Provider: e.desc.Name, Outcome: outcome, Latency: latency}
		if err != nil {
			a.Err = err.Error()
			d.Attempts = append(d.Attempts, a)
			continue
		}
		d.Attempts = append(d.Attempts, a)
		d.Batch = stamp(batch, e.desc.Name, sc.CycleID)
		return d, nil
	}

	c.logger.Warn("chain exhausted",
		zap.Uint64("cycle", sc.CycleID),
		zap.Int("providers", len(order)))
	return emptyDecision(d.Attempts), ErrChainExhausted
}

func emptyDecision(attempts []Attempt) Decision {
	return Decision{Batch: model.Batch{Intents: []model.Intent{}}, Degraded: true, Attempts: attempts}
}

// call runs one provider under its own budget. A provider that ignores ctx
// is abandoned once the budget expires; its late answer is dropped.
func (c *Chain) call(ctx context.Context, p Provider, timeout time.Duration, sc model.SituationalContext, history []model.ActionResult) (model.Batch, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		batch model.Batch
		err   error
	}
	ch := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- answer{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		b, err := p.Decide(cctx, sc, history)
		ch <- answer{b, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			if errors.Is(a.err, context.DeadlineExceeded) && cctx.Err() != nil {
				return model.Batch{}, fmt.Errorf("%s: %w", p.Name(), ErrProviderTimeout)
			}
			return model.Batch{}, fmt.Errorf("%s: %w: %v", p.Name(), ErrProviderError, a.err)
		}
		return a.batch, nil
	case <-cctx.Done():
		return model.Batch{}, fmt.Errorf("%s after %s: %w", p.Name(), timeout, ErrProviderTimeout)
	}
}

// #endregion decide

// #region health-transitions

// admit decides whether e is tried this cycle and with which budget.
func (c *Chain) admit(e *entry) (timeout time.Duration, probe, skip bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.desc.Health {
	case Unavailable:
		if c.now().Sub(e.desc.UnavailableSince) < c.opts.Cooldown {
			return 0, false, true
		}
		return e.desc.Timeout, true, false
	case Degraded:
		t := time.Duration(float64(e.desc.Timeout) * c.opts.DegradedTimeoutFactor)
		if t <= 0 {
			t = e.desc.Timeout
		}
		return t, false, false
	}
	return e.desc.Timeout, false, false
}

// settle applies the outcome of one call to e's descriptor and returns the
// outcome label.
func (c *Chain) settle(e *entry, timeout time.Duration, probe bool, latency time.Duration, err error) string {
	c.mu.Lock()
	d := &e.desc
	before := d.Health
	d.Calls++
	d.LastLatency = latency

	var outcome string
	switch {
	case err == nil && probe:
		outcome = "ok"
		c.markHealthy(d)
	case err == nil && c.slow(latency, timeout):
		outcome = "slow"
		d.ConsecutiveBad++
		d.ConsecutiveFailures = 0
		if d.Health == Healthy && d.ConsecutiveBad >= c.opts.DegradeAfter {
			d.Health = Degraded
		}
	case err == nil:
		outcome = "ok"
		c.markHealthy(d)
	default:
		outcome = failureOutcome(err, probe)
		d.LastError = err.Error()
		d.ConsecutiveBad++
		d.ConsecutiveFailures++
		switch d.Health {
		case Healthy:
			if d.ConsecutiveBad >= c.opts.DegradeAfter {
				d.Health = Degraded
				d.ConsecutiveFailures = 0
			}
		case Degraded:
			if d.ConsecutiveFailures >= c.opts.UnavailableAfter {
				d.Health = Unavailable
				d.UnavailableSince = c.now()
			}
		case Unavailable:
			// failed probe restarts the cool-down
			d.UnavailableSince = c.now()
		}
	}
	after := d.Health
	name := d.Name
	c.mu.Unlock()

	if c.opts.OnCall != nil {
		c.opts.OnCall(name, outcome)
	}
	if after != before {
		c.logger.Warn("provider health changed",
			zap.String("provider", name),
			zap.Stringer("from", before),
			zap.Stringer("to", after),
			zap.Error(err))
		if c.opts.OnHealth != nil {
			c.opts.OnHealth(name, after)
		}
	} else if err != nil {
		c.logger.Debug("provider failed",
			zap.String("provider", name),
			zap.String("outcome", outcome),
			zap.Error(err))
	}
	return outcome
}

func (c *Chain) markHealthy(d *Descriptor) {
	d.Health = Healthy
	d.ConsecutiveBad = 0
	d.ConsecutiveFailures = 0
	d.LastError = ""
	d.UnavailableSince = time.Time{}
}

func (c *Chain) slow(latency, timeout time.Duration) bool {
	if c.opts.SlowFraction <= 0 || c.opts.SlowFraction >= 1 {
		return false
	}
	return latency > time.Duration(float64(timeout)*c.opts.SlowFraction)
}

func failureOutcome(err error, probe bool) string {
	switch {
	case probe:
		return "probe_failed"
	case errors.Is(err, ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidBatch):
		return "invalid"
	}
	return "error"
}

// #endregion health-transitions

// #region batch

func validateBatch(b model.Batch) error {
	for i, in := range b.Intents {
		if !in.Kind.Valid() {
			return fmt.Errorf("%w: intent %d has unknown kind %q", ErrInvalidBatch, i, in.Kind)
		}
		if in.RequestedDuration < 0 {
			return fmt.Errorf("%w: intent %d has negative duration", ErrInvalidBatch, i)
		}
	}
	return nil
}

// stamp marks every intent as conversational and ties it to its cycle.
// Providers cannot claim the direct-control origin.
func stamp(b model.Batch, provider string, cycle uint64) model.Batch {
	out := model.Batch{Provider: provider, Intents: make([]model.Intent, len(b.Intents))}
	for i, in := range b.Intents {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		in.Origin = model.OriginConversational
		in.OriginCycleID = cycle
		out.Intents[i] = in
	}
	return out
}

// #endregion batch
