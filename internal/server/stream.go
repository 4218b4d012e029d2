package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loom-run/loom/internal/engine"
)

// handleStream starts a run and streams its events as server-sent events.
// Frame layout:
//
//	event: run        one frame, the run id, sent before execution begins
//	event: <type>     one frame per engine event, e.g. step:start
//	event: result     the RunResult; once for a suspension, once when the
//	                  run reaches a terminal status
//
// The connection stays open across a human suspension: the suspension is
// reported with a waiting_human result frame, and events keep flowing once
// the run is resumed through the resume endpoint.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	wf := s.workflows.Get(r.PathValue("id"))
	if wf == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown workflow %q", r.PathValue("id")))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming is not supported by this connection"))
		return
	}

	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run := s.newRun(wf, req)
	entry := s.runs.Add(run)

	eventsCh, resultCh, err := run.Stream(r.Context(), req.Input)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, flusher, "run", map[string]any{
		"run_id":      run.ID(),
		"workflow_id": run.WorkflowID(),
	})

	var reported *engine.RunResult
	for eventsCh != nil || resultCh != nil {
		select {
		case ev, open := <-eventsCh:
			if !open {
				eventsCh = nil
				continue
			}
			writeSSE(w, flusher, ev.Type.String(), ev)

		case result, open := <-resultCh:
			if !open {
				resultCh = nil
				continue
			}
			entry.setResult(result)
			reported = result
			writeSSE(w, flusher, "result", result)

		case <-r.Context().Done():
			return
		}
	}

	// The event channel closed at a terminal status. When the run suspended
	// and was resumed elsewhere, the terminal result came from the resume
	// call; report it as the closing frame.
	if final := entry.result(); final != nil && final != reported && final.Status.IsTerminal() {
		writeSSE(w, flusher, "result", final)
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
