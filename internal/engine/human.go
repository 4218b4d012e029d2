package engine

import (
	"context"
	"time"

	"github.com/loom-run/loom/internal/types"
)

// pendingHuman is the suspended state of a run at a Human step: the step,
// its built request, the snapshot slot that will be patched on resume, and
// the occurrence it was recorded under.
type pendingHuman struct {
	step       *Step
	request    *HumanRequest
	snapshot   *Snapshot
	occurrence int
	task       *PendingHumanTask
}

// suspendForHuman runs the Human step's request builder, records a
// waiting_human snapshot, and hands the run back to the caller. No handler
// runs; the run does nothing further until ResumeWithHumanInput.
func (r *Run) suspendForHuman(ctx context.Context, step *Step, sc *StepContext, occurrence int, startedAt time.Time, stepCtx context.Context) *RunResult {
	validatedIn, req, err := step.executeHumanRequest(ctx, sc, r.currentValue)
	if err != nil {
		engErr := asEngineError(step.id, err)
		r.appendSnapshot(&Snapshot{
			StepID:     step.id,
			Status:     StepStatusFailed,
			Input:      r.currentValue,
			Error:      engErr,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
			Occurrence: occurrence,
		})
		r.telemetry.RecordStepError(stepCtx, step.id, engErr)
		r.emit(EventStepError, step.id, map[string]any{"error": engErr.Error()})
		return r.finalizeFailed(engErr)
	}

	snap := &Snapshot{
		StepID:     step.id,
		Status:     StepStatusWaitingHuman,
		Input:      validatedIn,
		StartedAt:  startedAt,
		Occurrence: occurrence,
	}
	r.appendSnapshot(snap)

	task := &PendingHumanTask{
		RunID:       r.id,
		WorkflowID:  r.workflow.id,
		StepID:      step.id,
		Form:        req.Form,
		RequestedAt: time.Now(),
	}

	r.mu.Lock()
	r.status = StatusWaitingHuman
	r.pending = &pendingHuman{
		step:       step,
		request:    req,
		snapshot:   snap,
		occurrence: occurrence,
		task:       task,
	}
	r.mu.Unlock()

	r.telemetry.RecordHumanRequest(stepCtx, step.id, req.Form)
	r.telemetry.MarkWaitingForHuman(stepCtx, step.id)
	r.emit(EventHumanRequested, step.id, map[string]any{"form": req.Form, "payload": req.Payload})
	r.logger.InfoContext(ctx, "run suspended awaiting human input",
		"run_id", r.id,
		"step_id", step.id,
	)

	result := r.buildResult()
	result.Pending = task
	return result
}

// ResumeRequest carries the external input that resumes a suspended run.
// RunID is optional; when set it must match the run being resumed.
type ResumeRequest struct {
	RunID  types.ID `json:"run_id,omitempty"`
	StepID string   `json:"step_id"`
	Data   any      `json:"data"`
}

// ResumeWithHumanInput feeds external input into the pending Human step and
// re-enters the main loop from the step's resolved next. A suspension can
// be resumed at most once: once the request passes validation the pending
// record is claimed and cleared in the same critical section, so a
// concurrent resume call loses the claim and gets a resume error.
// Mismatched or absent suspensions are rejected with a resume error and
// leave the pending state untouched; anything after the claim is a
// workflow-domain outcome reported inside the RunResult.
func (r *Run) ResumeWithHumanInput(ctx context.Context, req ResumeRequest) (*RunResult, error) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil, newResumeError("run has not been started")
	}
	if r.pending == nil {
		r.mu.Unlock()
		return nil, newResumeError("run has no pending human step")
	}
	if !req.RunID.IsZero() && req.RunID != r.id {
		r.mu.Unlock()
		return nil, newResumeError("run id " + req.RunID.String() + " does not match this run")
	}
	pending := r.pending
	if req.StepID != pending.step.id {
		r.mu.Unlock()
		return nil, newResumeError("step id " + quoteID(req.StepID) + " does not match pending step " + quoteID(pending.step.id))
	}
	r.pending = nil
	r.status = StatusRunning
	r.mu.Unlock()

	step := pending.step
	cctx := r.composeContext(ctx)
	sc := &StepContext{run: r, stepID: step.id}

	output, err := step.parseHumanResponse(req.Data)

	var branchID, nextID string
	if err == nil {
		branchID, nextID, err = r.resolveTransition(cctx, r.workflow.graph, step,
			&Transition{Input: pending.snapshot.Input, Output: output, Step: sc})
	}

	if err != nil {
		engErr := asEngineError(step.id, err)
		pending.snapshot.Status = StepStatusFailed
		pending.snapshot.Error = engErr
		pending.snapshot.FinishedAt = time.Now()
		r.emit(EventStepError, step.id, map[string]any{"error": engErr.Error()})
		return r.finalizeFailed(engErr), nil
	}

	// Patch the waiting snapshot in place rather than appending: the
	// suspension and its completion are one attempt.
	pending.snapshot.Status = StepStatusSuccess
	pending.snapshot.Output = output
	pending.snapshot.FinishedAt = time.Now()
	pending.snapshot.BranchID = branchID
	pending.snapshot.NextID = nextID

	r.mu.Lock()
	r.history[step.id] = StepIO{Input: pending.snapshot.Input, Output: output}
	r.mu.Unlock()

	r.telemetry.RecordHumanCompletion(r.telCtx, step.id)
	if branchID != "" {
		r.emit(EventStepBranch, step.id, map[string]any{"branch": branchID, "target": nextID})
	}
	r.emit(EventHumanCompleted, step.id, map[string]any{"output": output})
	r.logger.InfoContext(cctx, "run resumed with human input",
		"run_id", r.id,
		"step_id", step.id,
	)

	r.currentValue = output
	r.currentStepID = nextID
	return r.loop(cctx), nil
}
