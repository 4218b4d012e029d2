package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loom-run/loom/internal/schema"
	"github.com/loom-run/loom/internal/types"
)

// Run is one mutable execution instance over a workflow's graph. It owns
// the step loop, event emission, cancellation composition, and the
// suspension/resumption state. The loop is single-writer: sequential steps
// never interleave, and the only concurrency inside a run is the joined
// fan-out of a concurrent-group step.
type Run struct {
	workflow  *Workflow
	id        types.ID
	telemetry Telemetry
	logger    *slog.Logger

	mu      sync.Mutex
	status  Status
	started bool

	currentStepID string
	currentValue  any

	snapshots   map[string][]*Snapshot
	occurrences map[string]int
	history     map[string]StepIO

	metadataSeed map[string]any
	metadata     *Metadata
	contextSeed  any
	contextValue any
	store        *Store

	watchers []Watcher
	stream   *eventStream

	pending *pendingHuman

	cancelled atomic.Bool
	cancelFn  context.CancelFunc

	startedAt  time.Time
	finishedAt time.Time
	telCtx     context.Context

	doneCh   chan struct{}
	doneOnce sync.Once
}

// ID returns the run id.
func (r *Run) ID() types.ID { return r.id }

// WorkflowID returns the owning workflow's id.
func (r *Run) WorkflowID() string { return r.workflow.id }

// Status returns the run's current lifecycle state.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) contextVal() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contextValue
}

func (r *Run) setContextVal(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contextValue = v
}

// PendingHuman returns the suspension descriptor while the run is waiting
// on human input, or nil.
func (r *Run) PendingHuman() *PendingHumanTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil
	}
	return r.pending.task
}

// Watch registers a synchronous event callback. Watchers added after the
// run started miss earlier events.
func (r *Run) Watch(w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, w)
}

// Cancel trips the run's internal side of the composed cancellation token.
// Cancellation is cooperative: it is observed before each loop iteration
// and threaded into new child work, but in-flight handlers are never
// forcibly terminated.
func (r *Run) Cancel() {
	r.cancelled.Store(true)
	r.mu.Lock()
	cancel := r.cancelFn
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start drives the run to its next stopping point: a terminal status or a
// Human-step suspension. Workflow-domain failures are reported inside the
// RunResult; the returned error is non-nil only for caller misuse, such as
// starting the same run twice.
func (r *Run) Start(ctx context.Context, input any) (*RunResult, error) {
	if err := r.begin(); err != nil {
		return nil, err
	}
	return r.execute(ctx, input), nil
}

// Stream is Start plus a live event feed. The events channel receives every
// event of the run in causal order and is closed exactly when the run
// reaches a non-waiting terminal status; after a Human suspension it stays
// open across the resume. The result channel yields this call's RunResult
// (possibly waiting_human) and is then closed. Cancelling ctx abandons the
// stream without affecting the run's own cancellation token; callers who
// want to cancel the run use Cancel or an externally cancelled Start
// context.
func (r *Run) Stream(ctx context.Context, input any) (<-chan Event, <-chan *RunResult, error) {
	if err := r.begin(); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	r.stream = newEventStream()
	s := r.stream
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.abandon()
		case <-r.doneCh:
		}
	}()

	resultCh := make(chan *RunResult, 1)
	go func() {
		defer close(resultCh)
		resultCh <- r.execute(ctx, input)
	}()

	return s.out, resultCh, nil
}

// begin transitions created -> running exactly once.
func (r *Run) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return newExecutionError("", "run "+r.id.String()+" already started", nil)
	}
	r.started = true
	r.status = StatusRunning
	r.startedAt = time.Now()
	r.metadata = newMetadata(r.metadataSeed)
	r.contextValue = r.contextSeed
	return nil
}

// execute validates the input and enters the main loop. begin must have
// succeeded first.
func (r *Run) execute(ctx context.Context, input any) *RunResult {
	cctx := r.composeContext(ctx)

	r.telCtx = r.telemetry.StartWorkflow(cctx, r.workflow.id, r.id)
	r.logger.InfoContext(cctx, "workflow run starting",
		"workflow_id", r.workflow.id,
		"run_id", r.id,
	)
	r.emit(EventWorkflowStart, "", map[string]any{"input": input})

	validated, err := schema.Validate(r.workflow.inputSchema, input)
	if err != nil {
		return r.finalizeFailed(newSchemaError("workflow "+quoteID(r.workflow.id)+" input", err))
	}

	r.currentValue = validated
	r.currentStepID = r.workflow.graph.entryID
	return r.loop(cctx)
}

// composeContext derives the composed cancellation token for this entry
// into the loop: the caller's context plus the run's internal controller.
// Either side tripping cancels the composed context.
func (r *Run) composeContext(ctx context.Context) context.Context {
	cctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelFn = cancel
	r.mu.Unlock()
	if r.cancelled.Load() {
		cancel()
	}
	return cctx
}

// loop walks the graph one step at a time until a terminal status or a
// Human suspension.
func (r *Run) loop(ctx context.Context) *RunResult {
	for {
		if r.cancelled.Load() || ctx.Err() != nil {
			return r.finalizeCancelled(ctx.Err())
		}
		if r.currentStepID == "" {
			return r.finalizeOutput(ctx)
		}

		step := r.workflow.graph.steps[r.currentStepID]
		if step == nil {
			return r.finalizeFailed(newExecutionError(r.currentStepID, "unknown step id", nil))
		}

		occurrence := r.occurrences[step.id] + 1
		r.occurrences[step.id] = occurrence

		sc := &StepContext{run: r, stepID: step.id}
		stepCtx := r.telemetry.StartStep(r.telCtx, step.id, occurrence)
		startedAt := time.Now()

		r.logger.DebugContext(ctx, "step starting",
			"run_id", r.id,
			"step_id", step.id,
			"kind", step.kind,
			"occurrence", occurrence,
		)
		r.emit(EventStepStart, step.id, map[string]any{"input": r.currentValue})

		if step.kind == KindHuman {
			return r.suspendForHuman(ctx, step, sc, occurrence, startedAt, stepCtx)
		}

		var validatedIn, output any
		err := r.telemetry.RunWithStepContext(stepCtx, step.id, func(c context.Context) error {
			var execErr error
			validatedIn, output, execErr = r.executeStep(c, step, sc, r.currentValue)
			return execErr
		})

		var branchID, nextID string
		if err == nil {
			branchID, nextID, err = r.resolveTransition(ctx, r.workflow.graph, step,
				&Transition{Input: validatedIn, Output: output, Step: sc})
		}

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
			r.logger.ErrorContext(ctx, "step failed",
				"run_id", r.id,
				"step_id", step.id,
				"error", engErr,
			)
			if HasCode(engErr, ErrCodeAborted) {
				return r.finalizeCancelled(engErr.Cause)
			}
			return r.finalizeFailed(engErr)
		}

		r.appendSnapshot(&Snapshot{
			StepID:     step.id,
			Status:     StepStatusSuccess,
			Input:      validatedIn,
			Output:     output,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
			Occurrence: occurrence,
			BranchID:   branchID,
			NextID:     nextID,
		})
		r.history[step.id] = StepIO{Input: validatedIn, Output: output}
		r.telemetry.RecordStepSuccess(stepCtx, step.id)

		if branchID != "" {
			r.emit(EventStepBranch, step.id, map[string]any{"branch": branchID, "target": nextID})
		}
		r.emit(EventStepSuccess, step.id, map[string]any{"output": output})

		r.currentValue = output
		r.currentStepID = nextID
	}
}

// resolveTransition decides what runs next: a resolved branch target wins
// over a generic next result, which wins over the graph's default-next.
func (r *Run) resolveTransition(ctx context.Context, g *Graph, step *Step, t *Transition) (branchID, nextID string, err error) {
	if step.branchFunc != nil {
		branchID, err = step.branchFunc(ctx, t)
		if err != nil {
			return "", "", asEngineError(step.id, err)
		}
		if branchID != "" {
			targets, ok := g.branchLookup[step.id]
			if !ok {
				return "", "", newBranchError(step.id, "step resolved branch "+quoteID(branchID)+" but has no branch map")
			}
			target, ok := targets[branchID]
			if !ok {
				return "", "", newBranchError(step.id, "resolved branch "+quoteID(branchID)+" has no configured target")
			}
			return branchID, target, nil
		}
	}

	next := step.next
	if next == "" && step.nextFunc != nil {
		next, err = step.nextFunc(ctx, t)
		if err != nil {
			return "", "", asEngineError(step.id, err)
		}
	}
	if next != "" {
		if _, ok := g.steps[next]; !ok {
			return "", "", newExecutionError(step.id, "resolved next "+quoteID(next)+" is not in the graph", nil)
		}
		return "", next, nil
	}

	nextID, _ = g.defaultNext(step.id)
	return "", nextID, nil
}

func (r *Run) appendSnapshot(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[snap.StepID] = append(r.snapshots[snap.StepID], snap)
}

// finalizeOutput runs the finalize transform and output validation on the
// last produced value; their success or failure is the run's terminal
// outcome.
func (r *Run) finalizeOutput(ctx context.Context) *RunResult {
	output := r.currentValue
	if r.workflow.finalize != nil {
		transformed, err := r.workflow.finalize(ctx, output)
		if err != nil {
			return r.finalizeFailed(asEngineError("", err))
		}
		output = transformed
	}

	validated, err := schema.Validate(r.workflow.outputSchema, output)
	if err != nil {
		return r.finalizeFailed(newSchemaError("workflow "+quoteID(r.workflow.id)+" output", err))
	}

	r.setTerminal(StatusSuccess)
	result := r.buildResult()
	result.Output = validated

	r.emit(EventWorkflowSuccess, "", map[string]any{"output": validated})
	r.logger.InfoContext(ctx, "workflow run succeeded",
		"workflow_id", r.workflow.id,
		"run_id", r.id,
		"duration", result.FinishedAt.Sub(result.StartedAt),
	)
	r.finishTerminal(result)
	return result
}

func (r *Run) finalizeFailed(err *Error) *RunResult {
	r.setTerminal(StatusFailed)
	result := r.buildResult()
	result.Error = err

	r.emit(EventWorkflowError, "", map[string]any{"error": err.Error()})
	r.logger.Error("workflow run failed",
		"workflow_id", r.workflow.id,
		"run_id", r.id,
		"error", err,
	)
	r.finishTerminal(result)
	return result
}

func (r *Run) finalizeCancelled(cause error) *RunResult {
	r.setTerminal(StatusCancelled)
	result := r.buildResult()
	result.Error = newAbortError(cause)

	r.emit(EventWorkflowCancelled, "", nil)
	r.logger.Warn("workflow run cancelled",
		"workflow_id", r.workflow.id,
		"run_id", r.id,
	)
	r.finishTerminal(result)
	return result
}

func (r *Run) setTerminal(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.finishedAt = time.Now()
}

// finishTerminal closes out a non-waiting terminal status: the telemetry
// workflow span ends and the event stream, if any, is closed.
func (r *Run) finishTerminal(result *RunResult) {
	r.telemetry.FinishWorkflow(r.telCtx, result)
	r.doneOnce.Do(func() { close(r.doneCh) })
	r.mu.Lock()
	s := r.stream
	r.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// buildResult assembles the RunResult for the current state. Snapshot
// slices are shared with the run, which no longer mutates them once a
// terminal status is set; the waiting_human pending snapshot is the one
// deliberate exception, patched in place on resume.
func (r *Run) buildResult() *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := make(map[string][]*Snapshot, len(r.snapshots))
	for id, snaps := range r.snapshots {
		steps[id] = snaps
	}

	var md map[string]any
	if r.metadata != nil {
		md = r.metadata.Snapshot()
	}

	return &RunResult{
		WorkflowID: r.workflow.id,
		RunID:      r.id,
		Status:     r.status,
		Steps:      steps,
		Metadata:   md,
		Context:    r.contextValue,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
}

// emit delivers an event to every watcher and the active stream, in loop
// order.
func (r *Run) emit(typ EventType, stepID string, payload any) {
	var md map[string]any
	if r.metadata != nil {
		md = r.metadata.Snapshot()
	}
	ev := Event{
		Type:       typ,
		WorkflowID: r.workflow.id,
		RunID:      r.id,
		StepID:     stepID,
		Timestamp:  time.Now(),
		Metadata:   md,
		Payload:    payload,
	}

	r.mu.Lock()
	watchers := make([]Watcher, len(r.watchers))
	copy(watchers, r.watchers)
	s := r.stream
	r.mu.Unlock()

	for _, w := range watchers {
		w(ev)
	}
	if s != nil {
		s.push(ev)
	}
}
