package runtime

import (
	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/history"
	"github.com/t031a5/controlcore/internal/metrics"
	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/store"
)

// #region results

// Results folds every action result, whether from the validator or the
// dispatcher, into history, the journal and metrics. Record is safe for
// concurrent use.
type Results struct {
	logger  *zap.Logger
	history *history.History
	store   *store.Store
	metrics *metrics.Metrics
}

// NewResults builds a sink. st and m may be nil.
func NewResults(logger *zap.Logger, h *history.History, st *store.Store, m *metrics.Metrics) *Results {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Results{logger: logger, history: h, store: st, metrics: m}
}

// Record folds one result.
func (r *Results) Record(res model.ActionResult) {
	r.history.Add(res)
	if r.metrics != nil {
		r.metrics.Result(string(res.Group), string(res.Status))
		if res.Status == model.StatusRejected {
			r.metrics.Rejected(string(res.Reason))
		}
	}
	if r.store != nil {
		if err := r.store.RecordResult(res); err != nil {
			r.logger.Warn("persist result", zap.String("intent", res.IntentRef), zap.Error(err))
		}
	}
}

// RecordAll folds results in order.
func (r *Results) RecordAll(rs []model.ActionResult) {
	for _, res := range rs {
		r.Record(res)
	}
}

// #endregion results
