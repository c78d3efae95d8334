// Package orchestrator dispatches validated intents to actuator modules,
// one at a time per actuator group.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/model"
)

// #region dispatcher

type route struct {
	module  Module
	worker  *groupWorker
	timeout time.Duration
}

// Dispatcher owns one worker goroutine per actuator group. Groups run in
// parallel; within a group intents run strictly in submission order.
type Dispatcher struct {
	logger *zap.Logger
	opts   Options
	safety SafetyState

	routes  map[model.IntentKind]route
	workers map[model.ActuatorGroup]*groupWorker

	closed atomic.Bool
	wg     sync.WaitGroup
	now    func() time.Time
}

// New starts a dispatcher for the given bindings. A kind may be bound once.
func New(logger *zap.Logger, safety SafetyState, opts Options, bindings []Binding) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if safety == nil {
		return nil, fmt.Errorf("dispatcher requires a safety state")
	}
	switch opts.Policy {
	case "":
		opts.Policy = PolicyQueue
	case PolicyQueue, PolicyRejectBusy:
	default:
		return nil, fmt.Errorf("unknown dispatch policy %q", opts.Policy)
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}

	d := &Dispatcher{
		logger:  logger,
		opts:    opts,
		safety:  safety,
		routes:  map[model.IntentKind]route{},
		workers: map[model.ActuatorGroup]*groupWorker{},
		now:     time.Now,
	}
	for _, b := range bindings {
		if b.Module == nil || b.Group == "" {
			return nil, fmt.Errorf("binding needs a module and a group")
		}
		if b.Timeout <= 0 {
			return nil, fmt.Errorf("actuator %s: timeout must be positive", b.Module.ID())
		}
		w, ok := d.workers[b.Group]
		if !ok {
			w = &groupWorker{d: d, group: b.Group, queue: make(chan *job, opts.QueueSize+1)}
			d.workers[b.Group] = w
		}
		w.modules = append(w.modules, b.Module)
		for _, k := range b.Kinds {
			if prev, dup := d.routes[k]; dup {
				return nil, fmt.Errorf("kind %s bound to both %s and %s", k, prev.module.ID(), b.Module.ID())
			}
			d.routes[k] = route{module: b.Module, worker: w, timeout: b.Timeout}
		}
	}
	for _, w := range d.workers {
		d.wg.Add(1)
		go w.loop()
	}
	return d, nil
}

// States reports routing and per-group state for the validator.
func (d *Dispatcher) States() model.ActuatorStates {
	routes := make(map[model.IntentKind]model.ActuatorGroup, len(d.routes))
	for k, r := range d.routes {
		routes[k] = r.worker.group
	}
	return model.ActuatorStates{Routes: routes, Groups: d.GroupStates()}
}

// GroupStates returns a snapshot of every group.
func (d *Dispatcher) GroupStates() map[model.ActuatorGroup]model.GroupState {
	halted := d.safety.Halted()
	out := make(map[model.ActuatorGroup]model.GroupState, len(d.workers))
	for g, w := range d.workers {
		w.mu.Lock()
		out[g] = model.GroupState{Halted: halted, Busy: w.busy, Queued: w.queued}
		w.mu.Unlock()
	}
	return out
}

// Groups lists the configured groups in name order.
func (d *Dispatcher) Groups() []model.ActuatorGroup {
	out := make([]model.ActuatorGroup, 0, len(d.workers))
	for g := range d.workers {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// #endregion dispatcher

// #region dispatch

// Dispatch submits intents in order and returns immediately. The returned
// Pending completes when every intent has a result.
func (d *Dispatcher) Dispatch(ctx context.Context, intents []model.Intent) *Pending {
	p := newPending(len(intents))
	for _, in := range intents {
		d.submit(ctx, in, false, p)
	}
	return p
}

// SubmitPrivileged is the direct-control path. Only posture_control intents
// are accepted; while halted only safing actions run, anything else is
// rejected with reason halted.
func (d *Dispatcher) SubmitPrivileged(ctx context.Context, in model.Intent) (*Pending, error) {
	if in.Kind != model.KindPostureControl {
		return nil, fmt.Errorf("%w: kind %s", ErrNotPrivileged, in.Kind)
	}
	if _, ok := d.routes[in.Kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoActuator, in.Kind)
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}
	in.Origin = model.OriginDirect
	p := newPending(1)
	d.submit(ctx, in, true, p)
	return p, nil
}

func (d *Dispatcher) submit(ctx context.Context, in model.Intent, privileged bool, p *Pending) {
	r, ok := d.routes[in.Kind]
	if !ok {
		d.finish(p, model.Rejected(in, "", model.ReasonUnroutable, ErrNoActuator.Error(), d.now()))
		return
	}
	group := r.worker.group
	if d.closed.Load() {
		d.finish(p, model.Rejected(in, group, model.ReasonShutdown, ErrClosed.Error(), d.now()))
		return
	}
	if d.safety.Halted() && !(privileged && IsSafing(in)) {
		d.finish(p, model.Rejected(in, group, model.ReasonHalted, "safety halt", d.now()))
		return
	}

	j := &job{ctx: ctx, in: in, route: r, privileged: privileged, pending: p}
	if rej, ok := r.worker.enqueue(j); !ok {
		d.finish(p, model.Rejected(in, group, rej, fmt.Sprintf("group %s %s", group, rej), d.now()))
	}
}

// enqueue admits j under the dispatch policy. The send never blocks: the
// channel holds QueueSize+1 and admission keeps queued+busy within that.
func (w *groupWorker) enqueue(j *job) (model.RejectReason, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return model.ReasonShutdown, false
	}
	occupied := w.queued
	if w.busy {
		occupied++
	}
	switch {
	case w.d.opts.Policy == PolicyRejectBusy && occupied > 0:
		return model.ReasonBusy, false
	case occupied > w.d.opts.QueueSize:
		return model.ReasonQueueFull, false
	}
	w.queued++
	w.queue <- j
	return "", true
}

// finish delivers a result to the sink and the caller's Pending.
func (d *Dispatcher) finish(p *Pending, r model.ActionResult) {
	if r.Status == model.StatusRejected {
		d.logger.Debug("dispatch rejected",
			zap.String("intent", r.IntentRef),
			zap.String("group", string(r.Group)),
			zap.String("reason", string(r.Reason)))
	}
	if d.opts.OnResult != nil {
		d.opts.OnResult(r)
	}
	if p != nil {
		p.add(r)
	}
}

// #endregion dispatch

// #region halt

// Halt pre-empts every group: queued intents are rejected at once, in-flight
// intents are cancelled where the module supports it, and results that still
// arrive for pre-halt work are marked Discarded. The caller flips the safety
// state before calling Halt.
func (d *Dispatcher) Halt() {
	for _, w := range d.workers {
		w.halt()
	}
}

// #endregion halt

// #region close

// Close stops accepting work, rejects anything still queued with reason
// shutdown and waits for in-flight intents to return.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, w := range d.workers {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	}
	d.wg.Wait()
	return nil
}

// #endregion close
