package orchestrator

import (
	"context"
	"sync"

	"github.com/t031a5/controlcore/internal/model"
)

// Pending collects the results of one dispatch as they complete.
type Pending struct {
	mu        sync.Mutex
	results   []model.ActionResult
	remaining int
	done      chan struct{}
}

func newPending(n int) *Pending {
	p := &Pending{remaining: n, done: make(chan struct{}), results: make([]model.ActionResult, 0, n)}
	if n == 0 {
		close(p.done)
	}
	return p
}

func (p *Pending) add(r model.ActionResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remaining == 0 {
		return
	}
	p.results = append(p.results, r)
	p.remaining--
	if p.remaining == 0 {
		close(p.done)
	}
}

// Done is closed once every intent has a result.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Results returns the results collected so far, in completion order.
func (p *Pending) Results() []model.ActionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.ActionResult, len(p.results))
	copy(out, p.results)
	return out
}

// Wait blocks until every result is in or ctx ends, and returns what it has.
func (p *Pending) Wait(ctx context.Context) []model.ActionResult {
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return p.Results()
}
