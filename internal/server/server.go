// Package server exposes registered workflows over HTTP: synchronous runs,
// live event streams over SSE, and resumption of suspended runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/loom-run/loom/internal/config"
	"github.com/loom-run/loom/internal/engine"
	"github.com/loom-run/loom/internal/events"
	"github.com/loom-run/loom/internal/types"
	"github.com/loom-run/loom/pkg/version"
)

// Server hosts the workflow HTTP API.
type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	telemetry engine.Telemetry
	bus       events.Bus
	workflows *WorkflowRegistry
	runs      *RunRegistry
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTelemetry sets the telemetry wired into every run the server creates.
func WithTelemetry(t engine.Telemetry) Option {
	return func(s *Server) { s.telemetry = t }
}

// WithBus sets the event bus runs publish into. Without one, events flow
// only to per-request SSE streams.
func WithBus(bus events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// New creates a Server around the given workflow registry.
func New(cfg config.Config, workflows *WorkflowRegistry, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    slog.Default(),
		workflows: workflows,
		runs:      NewRunRegistry(cfg.Engine.RunRetention),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases server-held resources.
func (s *Server) Close() {
	s.runs.Close()
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /workflows/{id}/run", s.handleRun)
	mux.HandleFunc("POST /workflows/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /runs/{runId}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{runId}/resume", s.handleResume)
	return mux
}

// ListenAndServe blocks serving the API until ctx is cancelled, then shuts
// down gracefully within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// RunRequest is the body of the run and stream endpoints.
type RunRequest struct {
	Input    any            `json:"input"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Info())
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.workflows.IDs()})
}

// handleRun executes a workflow synchronously and returns its RunResult.
// A run suspended on human input is reported with status waiting_human; the
// caller resumes it through the resume endpoint.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	wf := s.workflows.Get(r.PathValue("id"))
	if wf == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown workflow %q", r.PathValue("id")))
		return
	}

	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run := s.newRun(wf, req)
	entry := s.runs.Add(run)

	result, err := run.Start(r.Context(), req.Input)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	entry.setResult(result)
	writeJSON(w, http.StatusOK, result)
}

// handleGetRun reports the latest known result of a run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	entry, err := s.lookupRun(r.PathValue("runId"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	result := entry.result()
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":      entry.run.ID(),
			"workflow_id": entry.run.WorkflowID(),
			"status":      entry.run.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleResume feeds human input into a suspended run.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	entry, err := s.lookupRun(r.PathValue("runId"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var req engine.ResumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := entry.run.ResumeWithHumanInput(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if engine.HasCode(err, engine.ErrCodeResume) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	entry.setResult(result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) lookupRun(raw string) (*runEntry, error) {
	id, err := types.ParseID(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q", raw)
	}
	entry := s.runs.Get(id)
	if entry == nil {
		return nil, fmt.Errorf("unknown run %q", raw)
	}
	return entry, nil
}

// newRun creates a run wired to the server's telemetry and event bus.
func (s *Server) newRun(wf *engine.Workflow, req RunRequest) *engine.Run {
	var opts []engine.RunOption
	if req.Metadata != nil {
		opts = append(opts, engine.WithRunMetadata(req.Metadata))
	}
	if s.telemetry != nil {
		opts = append(opts, engine.WithRunTelemetry(s.telemetry))
	}
	if s.bus != nil {
		bus := s.bus
		opts = append(opts, engine.WithWatcher(func(ev engine.Event) {
			_ = bus.Publish(context.Background(), ev)
		}))
	}
	return wf.NewRun(opts...)
}

// decodeBody parses the JSON request body into dst. An empty body leaves
// dst at its zero value.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
