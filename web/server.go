// Package web is the loopback control surface the orchestration layer uses
// to bind a container launch to a capture: /start before the sandboxed
// process launches, /stop after the run completes or times out, /health for
// operational monitoring.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/filetrace/kernel-collector/capture"
	"github.com/filetrace/kernel-collector/session"
)

// Collector is the capture engine surface the handlers drive.
type Collector interface {
	StartCapture(analysisID, outputDir, targetExe string) error
	TryStopCapture(analysisID string) bool
	Diagnostics() session.Diagnostics
}

type startRequest struct {
	AnalysisID string `json:"analysis_id"`
	OutputDir  string `json:"output_dir"`
	TargetExe  string `json:"target_exe"`
}

type stopRequest struct {
	AnalysisID string `json:"analysis_id"`
}

// Server serves the control API.
type Server struct {
	collector Collector
	logger    *zap.Logger
	srv       *http.Server
}

// NewServer builds the control server. The listen address should stay on
// loopback; there is no authentication on this surface.
func NewServer(addr string, collector Collector, logger *zap.Logger) *Server {
	s := &Server{
		collector: collector,
		logger:    logger.Named("web"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.logged(s.handleHealth))
	mux.HandleFunc("POST /start", s.logged(s.handleStart))
	mux.HandleFunc("POST /stop", s.logged(s.handleStop))
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the control API.
func (s *Server) ListenAndServe() error {
	s.logger.Info("control surface listening", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) logged(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"diag":   s.collector.Diagnostics(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch {
	case req.AnalysisID == "":
		writeError(w, http.StatusBadRequest, "analysis_id is required")
		return
	case req.OutputDir == "":
		writeError(w, http.StatusBadRequest, "output_dir is required")
		return
	case req.TargetExe == "":
		writeError(w, http.StatusBadRequest, "target_exe is required")
		return
	}

	if err := s.collector.StartCapture(req.AnalysisID, req.OutputDir, req.TargetExe); err != nil {
		s.logger.Error("start capture failed", zap.String("analysis_id", req.AnalysisID), zap.Error(err))
		if errors.Is(err, capture.ErrDuplicateCapture) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AnalysisID == "" {
		writeError(w, http.StatusBadRequest, "analysis_id is required")
		return
	}

	if s.collector.TryStopCapture(req.AnalysisID) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "already_stopped"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
