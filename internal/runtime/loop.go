// Package runtime drives the control cycle at a fixed rate: collect, fuse,
// decide, validate, dispatch, fold results. A failing cycle is logged and
// counted; only shutdown or a startup failure ends the loop.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t031a5/controlcore/internal/logging"
	"github.com/t031a5/controlcore/internal/metrics"
	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/orchestrator"
	"github.com/t031a5/controlcore/internal/safety"
	"github.com/t031a5/controlcore/internal/store"
)

// #region loop-struct

// Loop owns one assembled pipeline.
type Loop struct {
	logger  *zap.Logger
	c       Components
	results *Results
	opts    Options

	overrunLog  rate.Sometimes
	degradedLog rate.Sometimes

	running atomic.Bool
	closed  atomic.Bool

	mu     sync.Mutex
	timing Timing
	last   CycleReport

	closers []func() error
}

// New wires the components into a loop. results must be the sink the
// dispatcher was built with, so validator and dispatcher results land in
// the same history.
func New(logger *zap.Logger, c Components, results *Results, opts Options) (*Loop, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case c.Collector == nil, c.Fusion == nil, c.Chain == nil, c.Gate == nil,
		c.Dispatcher == nil, c.Safety == nil, c.History == nil:
		return nil, errors.New("runtime: missing component")
	case results == nil:
		return nil, errors.New("runtime: missing result sink")
	case opts.Period <= 0:
		return nil, fmt.Errorf("runtime: period must be > 0, got %s", opts.Period)
	}
	if opts.CollectBudget <= 0 || opts.CollectBudget > opts.Period {
		opts.CollectBudget = opts.Period / 2
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.StatusResults <= 0 {
		opts.StatusResults = defaultStatusResults
	}

	l := &Loop{
		logger:      logger,
		c:           c,
		results:     results,
		opts:        opts,
		overrunLog:  rate.Sometimes{Interval: 5 * time.Second},
		degradedLog: rate.Sometimes{Interval: 5 * time.Second},
		timing:      Timing{TargetPeriod: opts.Period},
	}
	c.Safety.Subscribe(l.onTransition)
	if c.Metrics != nil {
		c.Metrics.SetHalted(c.Safety.Halted())
	}
	return l, nil
}

// onTransition fans a safety transition out to dispatch, metrics and the audit table.
func (l *Loop) onTransition(t safety.Transition) {
	if t.To == safety.Halted {
		l.c.Dispatcher.Halt()
	}
	if l.c.Metrics != nil {
		l.c.Metrics.SetHalted(t.To == safety.Halted)
	}
	if l.c.Store != nil {
		err := l.c.Store.RecordTransition(store.TransitionRow{
			ID:          t.ID,
			From:        t.From.String(),
			To:          t.To.String(),
			Reason:      t.Reason,
			TriggeredBy: t.TriggeredBy,
			At:          t.At,
		})
		if err != nil {
			l.logger.Warn("persist safety transition", zap.Error(err))
		}
	}
}

// #endregion loop-struct

// #region run

// Run drives cycles until ctx is cancelled. It returns nil on shutdown and
// an error only when the loop cannot start.
func (l *Loop) Run(ctx context.Context) error {
	if l.closed.Load() {
		return orchestrator.ErrClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	if l.c.StopFile != nil {
		if err := l.c.StopFile.Start(ctx); err != nil {
			return fmt.Errorf("start stop-file watcher: %w", err)
		}
		defer l.c.StopFile.Stop()
	}

	l.logger.Info("loop started", zap.Duration("period", l.opts.Period))
	for {
		if ctx.Err() != nil {
			l.logger.Info("loop stopped")
			return nil
		}
		start := time.Now()
		report := l.RunCycle(ctx)
		remaining := l.opts.Period - time.Since(start)
		if remaining <= 0 {
			l.overrunLog.Do(func() {
				l.logger.Warn("cycle overrun",
					zap.Uint64("cycle", report.CycleID),
					zap.Duration("duration", report.Duration),
					zap.Duration("period", l.opts.Period))
			})
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// #endregion run

// #region cycle

// RunCycle runs one cycle and returns its report. Dispatch is not awaited:
// report.Pending completes when the actuators finish. A panic in any stage
// is recovered and the cycle counted as degraded.
func (l *Loop) RunCycle(ctx context.Context) (report CycleReport) {
	start := time.Now()
	report.StartedAt = start
	var sc model.SituationalContext

	defer func() {
		if r := recover(); r != nil {
			report.Degraded = true
			report.Err = fmt.Sprintf("panic: %v", r)
			l.logger.Error("cycle panicked",
				zap.Uint64("cycle", report.CycleID),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
		report.Duration = time.Since(start)
		report.Overrun = report.Duration > l.opts.Period
		l.finish(report, sc)
	}()

	observations := l.c.Collector.Collect(ctx, start.Add(l.opts.CollectBudget))
	l.c.Safety.Inspect(observations)

	sc = l.c.Fusion.Fuse(observations)
	report.CycleID = sc.CycleID
	report.Observations = len(sc.Observations)
	report.DominantModality = sc.DominantModality
	report.Confidence = sc.Confidence

	decision, err := l.c.Chain.Decide(ctx, sc, l.c.History.Conversational(l.opts.HistoryWindow))
	report.Provider = decision.Batch.Provider
	report.Attempts = decision.Attempts
	report.Degraded = decision.Degraded
	if err != nil {
		report.Err = err.Error()
		l.degradedLog.Do(func() {
			l.logger.Warn("degraded cycle", zap.Uint64("cycle", sc.CycleID), zap.Error(err))
		})
	}

	validated := l.c.Gate.Validate(decision.Batch, l.c.Dispatcher.States())
	l.results.RecordAll(validated.Rejected)
	report.Accepted = len(validated.Accepted)
	report.Rejected = len(validated.Rejected)

	report.Pending = l.c.Dispatcher.Dispatch(ctx, validated.Accepted)
	return report
}

// finish runs after every cycle, panicking or not.
func (l *Loop) finish(report CycleReport, sc model.SituationalContext) {
	l.c.Safety.RecordCycle(report.Overrun)

	if l.c.Metrics != nil {
		l.c.Metrics.ObserveCycle(report.Duration, report.Degraded, report.Overrun)
	}

	l.mu.Lock()
	t := &l.timing
	t.Cycles++
	t.Last = report.Duration
	if t.Cycles == 1 {
		t.Average = report.Duration
	} else {
		t.Average = time.Duration(emaAlpha*float64(report.Duration) + (1-emaAlpha)*float64(t.Average))
	}
	if report.Duration > t.Max {
		t.Max = report.Duration
	}
	if report.Overrun {
		t.Overruns++
	}
	if report.Degraded {
		t.Degraded++
	}
	l.last = report
	l.mu.Unlock()

	l.logger.Debug("cycle",
		zap.Uint64("cycle", report.CycleID),
		zap.Int("observations", report.Observations),
		zap.String("provider", report.Provider),
		zap.Int("accepted", report.Accepted),
		zap.Int("rejected", report.Rejected),
		zap.Duration("duration", report.Duration))

	if l.c.Store == nil {
		return
	}
	ctxJSON, err := json.Marshal(sc)
	if err != nil {
		l.logger.Warn("encode cycle context", zap.Error(err))
	}
	err = logging.LogCycle(l.c.Store.DB(), logging.CycleEntry{
		CycleID:          report.CycleID,
		ContextJSON:      string(ctxJSON),
		DominantModality: string(report.DominantModality),
		Confidence:       report.Confidence,
		Provider:         report.Provider,
		Degraded:         report.Degraded,
		Accepted:         report.Accepted,
		Rejected:         report.Rejected,
		Duration:         report.Duration,
		Overrun:          report.Overrun,
	})
	if err != nil {
		l.logger.Warn("journal cycle", zap.Error(err))
	}
}

// #endregion cycle

// #region status

// Status returns the current snapshot.
func (l *Loop) Status() Snapshot {
	audit := l.c.Safety.Audit()
	if len(audit) > auditTail {
		audit = audit[len(audit)-auditTail:]
	}
	l.mu.Lock()
	timing, last := l.timing, l.last
	l.mu.Unlock()

	return Snapshot{
		Safety:    l.c.Safety.State(),
		Audit:     audit,
		Providers: l.c.Chain.Descriptors(),
		Sources:   l.c.Collector.Health(),
		Groups:    l.c.Dispatcher.GroupStates(),
		Results:   l.c.History.Recent(l.opts.StatusResults),
		Timing:    timing,
		LastCycle: last,
	}
}

// #endregion status

// #region operator

// SubmitPrivileged sends a direct-control intent past the conversational
// validator. Parameters are still checked; a failed check is recorded as a
// rejection and returned as ErrInvalidIntent.
func (l *Loop) SubmitPrivileged(ctx context.Context, in model.Intent) (*orchestrator.Pending, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	in.Origin = model.OriginDirect
	if in.OriginCycleID == 0 {
		in.OriginCycleID = l.c.Fusion.LastCycleID()
	}
	if reason, detail, bad := l.c.Gate.Check(in); bad {
		group, _ := l.c.Dispatcher.States().GroupFor(in.Kind)
		l.results.Record(model.Rejected(in, group, reason, detail, time.Now()))
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidIntent, reason, detail)
	}
	return l.c.Dispatcher.SubmitPrivileged(ctx, in)
}

// Stop forces HALTED. Repeated calls are no-ops and return false.
func (l *Loop) Stop(reason string) bool {
	if reason == "" {
		reason = "external stop"
	}
	return l.c.Safety.Stop(reason, safety.ByExternal)
}

// Reset returns to NORMAL after an operator acknowledgment.
func (l *Loop) Reset(ack safety.Ack) error {
	return l.c.Safety.Reset(ack)
}

// Halted reports the safety state.
func (l *Loop) Halted() bool { return l.c.Safety.Halted() }

// Metrics returns the loop's collectors, or nil.
func (l *Loop) Metrics() *metrics.Metrics { return l.c.Metrics }

// #endregion operator

// #region close

// Close stops the stop-file watcher and dispatch, then releases providers
// and the store. Call it after Run has returned.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.c.StopFile != nil {
		l.c.StopFile.Stop()
	}
	errs := []error{l.c.Dispatcher.Close(), l.c.Chain.Close()}
	for i := len(l.closers) - 1; i >= 0; i-- {
		errs = append(errs, l.closers[i]())
	}
	return errors.Join(errs...)
}

// #endregion close
