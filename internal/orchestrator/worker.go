package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/model"
)

type job struct {
	ctx        context.Context
	in         model.Intent
	route      route
	privileged bool
	pending    *Pending
}

// #region group-worker

// groupWorker serializes one actuator group. busy covers the whole execution,
// including a timed-out call the module has not returned from yet.
type groupWorker struct {
	d       *Dispatcher
	group   model.ActuatorGroup
	modules []Module
	queue   chan *job

	mu      sync.Mutex
	busy    bool
	queued  int
	closed  bool
	epoch   uint64
	current *job
	cancel  context.CancelFunc
	// haltCancelled is set when a halt aborted the current intent.
	haltCancelled bool
}

func (w *groupWorker) loop() {
	defer w.d.wg.Done()
	for j := range w.queue {
		w.mu.Lock()
		w.queued--
		if w.closed {
			w.mu.Unlock()
			w.d.finish(j.pending, model.Rejected(j.in, w.group, model.ReasonShutdown, ErrClosed.Error(), w.d.now()))
			continue
		}
		// Safety is re-read before every start, not only at submission.
		if w.d.safety.Halted() && !(j.privileged && IsSafing(j.in)) {
			w.mu.Unlock()
			w.d.finish(j.pending, model.Rejected(j.in, w.group, model.ReasonHalted, "safety halt", w.d.now()))
			continue
		}
		timeout := w.d.timeoutFor(j)
		parent := j.ctx
		if parent == nil {
			parent = context.Background()
		}
		// The submitter's cancellation does not abort actuation; the intent
		// runs under its own budget.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
		w.busy = true
		w.current = j
		w.cancel = cancel
		epoch := w.epoch
		w.mu.Unlock()

		res, late := w.execute(ctx, j, timeout)
		cancel()

		w.mu.Lock()
		if w.epoch != epoch {
			res.Discarded = true
			if w.haltCancelled {
				res.Status = model.StatusRejected
				res.Reason = model.ReasonHalted
				res.Detail = "cancelled by safety halt"
			}
		}
		w.mu.Unlock()
		w.d.finish(j.pending, res)

		if late != nil {
			// Timed out without returning: the group stays busy until it does.
			r := <-late
			w.d.logger.Debug("late completion",
				zap.String("intent", j.in.ID),
				zap.String("group", string(w.group)),
				zap.String("status", string(r.Status)))
		}

		w.mu.Lock()
		w.haltCancelled = false
		w.busy = false
		w.current = nil
		w.cancel = nil
		w.mu.Unlock()
	}
}

// execute runs one intent. On timeout the result is timed_out at once and
// late is the channel the module will still answer on.
func (w *groupWorker) execute(ctx context.Context, j *job, timeout time.Duration) (res model.ActionResult, late <-chan model.ActionResult) {
	mod := j.route.module
	done := make(chan model.ActionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.ActionResult{Status: model.StatusFailed, Detail: fmt.Sprintf("actuator panic: %v", r)}
			}
		}()
		done <- mod.Execute(ctx, j.in, timeout)
	}()

	returned, timedOut := false, false
	select {
	case res = <-done:
		returned = true
		if res.Status == "" {
			res.Status = model.StatusOK
		}
		timedOut = ctx.Err() != nil && res.Status != model.StatusOK
	case <-ctx.Done():
		timedOut = true
	}

	if timedOut {
		res = model.ActionResult{Status: model.StatusTimedOut, Detail: "fire-and-forget timeout"}
		if c, ok := mod.(Canceller); ok {
			w.mu.Lock()
			byHalt := w.haltCancelled
			w.mu.Unlock()
			if !byHalt {
				c.Cancel(j.in.ID)
			}
			res.Detail = "cancelled after timeout"
		}
		w.d.logger.Warn("actuator timeout",
			zap.String("actuator", mod.ID()),
			zap.String("intent", j.in.ID),
			zap.Duration("timeout", timeout))
		if !returned {
			late = done
		}
	}

	res.IntentRef = j.in.ID
	res.Kind = j.in.Kind
	res.Group = w.group
	res.OriginCycleID = j.in.OriginCycleID
	if res.CompletedAt.IsZero() {
		res.CompletedAt = w.d.now()
	}
	return res, late
}

// halt drains the queue and cancels the in-flight intent if possible.
func (w *groupWorker) halt() {
	w.mu.Lock()
	w.epoch++
	var drained []*job
drain:
	for {
		select {
		case j, ok := <-w.queue:
			if !ok {
				break drain
			}
			w.queued--
			drained = append(drained, j)
		default:
			break drain
		}
	}
	current, cancel := w.current, w.cancel
	w.mu.Unlock()

	for _, j := range drained {
		if j.privileged && IsSafing(j.in) {
			// Safing commands survive the halt that they are meant to follow.
			w.requeue(j)
			continue
		}
		w.d.finish(j.pending, model.Rejected(j.in, w.group, model.ReasonHalted, "cancelled by safety halt", w.d.now()))
	}
	if current != nil && !(current.privileged && IsSafing(current.in)) {
		if c, ok := current.route.module.(Canceller); ok {
			w.mu.Lock()
			still := w.current == current
			if still {
				w.haltCancelled = true
			}
			w.mu.Unlock()
			if still {
				c.Cancel(current.in.ID)
				cancel()
			}
		}
	}
}

func (w *groupWorker) requeue(j *job) {
	w.mu.Lock()
	reason := model.ReasonShutdown
	if !w.closed {
		select {
		case w.queue <- j:
			w.queued++
			w.mu.Unlock()
			return
		default:
			reason = model.ReasonQueueFull
		}
	}
	w.mu.Unlock()
	w.d.finish(j.pending, model.Rejected(j.in, w.group, reason, "requeue after halt failed", w.d.now()))
}

// #endregion group-worker

// timeoutFor extends the module timeout for time-boxed intents.
func (d *Dispatcher) timeoutFor(j *job) time.Duration {
	t := j.route.timeout
	if want := j.in.RequestedDuration + d.opts.Grace; j.in.RequestedDuration > 0 && want > t {
		t = want
	}
	return t
}
