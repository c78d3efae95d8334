// Package statusapi serves the operator HTTP surface: a read-only status
// snapshot, Prometheus metrics, the stop signal, reset and the direct-control
// path.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/orchestrator"
	"github.com/t031a5/controlcore/internal/runtime"
	"github.com/t031a5/controlcore/internal/safety"
)

// #region controller

// Controller is the part of the runtime the HTTP surface drives.
type Controller interface {
	Status() runtime.Snapshot
	Stop(reason string) bool
	Reset(ack safety.Ack) error
	SubmitPrivileged(ctx context.Context, in model.Intent) (*orchestrator.Pending, error)
}

// #endregion controller

// #region server

// Server routes HTTP requests to a Controller.
type Server struct {
	logger  *zap.Logger
	ctrl    Controller
	metrics http.Handler
	// WaitLimit bounds how long a privileged request with wait=true blocks.
	WaitLimit time.Duration
}

// New builds a server. metrics may be nil, in which case /metrics is 404.
func New(logger *zap.Logger, ctrl Controller, metrics http.Handler) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, ctrl: ctrl, metrics: metrics, WaitLimit: 10 * time.Second}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/privileged", s.handlePrivileged)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return s.withLogging(mux)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status surface listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

// #endregion server

// #region handlers

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req stopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "stop requested over http"
	}
	changed := s.ctrl.Stop(req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"state": safety.Halted, "changed": changed})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ack safety.Ack
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ctrl.Reset(ack); err != nil {
		if errors.Is(err, safety.ErrAckRequired) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.ctrl.Status().Safety})
}

type privilegedRequest struct {
	ID                  string         `json:"id"`
	Kind                string         `json:"kind"`
	Parameters          map[string]any `json:"parameters"`
	RequestedDurationMS int64          `json:"requested_duration_ms"`
	Priority            int            `json:"priority"`
	Wait                bool           `json:"wait"`
}

type privilegedResponse struct {
	Submitted bool                 `json:"submitted"`
	Results   []model.ActionResult `json:"results,omitempty"`
}

func (s *Server) handlePrivileged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req privilegedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	in := model.Intent{
		ID:                req.ID,
		Kind:              model.IntentKind(req.Kind),
		Parameters:        req.Parameters,
		RequestedDuration: time.Duration(req.RequestedDurationMS) * time.Millisecond,
		Priority:          req.Priority,
		Origin:            model.OriginDirect,
	}

	// Dispatch outlives the request unless the caller waits for it.
	pending, err := s.ctrl.SubmitPrivileged(context.WithoutCancel(r.Context()), in)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, privilegedResponse{Submitted: true})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.WaitLimit)
	defer cancel()
	results := pending.Wait(ctx)
	if ctx.Err() != nil {
		writeJSON(w, http.StatusAccepted, privilegedResponse{Submitted: true})
		return
	}
	writeJSON(w, http.StatusOK, privilegedResponse{Submitted: true, Results: results})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runtime.ErrInvalidIntent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrNotPrivileged):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrNoActuator):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// #endregion handlers

// #region helpers

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.logger.Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)))
	})
}

// #endregion helpers
