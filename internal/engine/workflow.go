package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loom-run/loom/internal/types"
)

// Workflow is an immutable definition: a compiled Graph plus input/output
// validation, default metadata, an optional base context value, a telemetry
// policy, and a finalize transform applied to the last step output before
// output validation. One Workflow is a factory for any number of Runs.
type Workflow struct {
	id          string
	description string
	graph       *Graph

	inputSchema  any
	outputSchema any

	defaultMetadata map[string]any
	baseContext     any
	finalize        func(ctx context.Context, output any) (any, error)

	telemetry Telemetry
	logger    *slog.Logger
}

// ID returns the workflow id.
func (w *Workflow) ID() string { return w.id }

// Description returns the workflow description.
func (w *Workflow) Description() string { return w.description }

// Graph returns the compiled step topology.
func (w *Workflow) Graph() *Graph { return w.graph }

// NewRun creates one execution instance over the workflow's graph. The run
// is single-use: it walks the graph once, possibly suspending on a Human
// step, and becomes immutable once a terminal status is produced.
func (w *Workflow) NewRun(opts ...RunOption) *Run {
	r := &Run{
		workflow:    w,
		id:          types.NewID(),
		status:      StatusCreated,
		telemetry:   w.telemetry,
		logger:      w.logger,
		snapshots:   make(map[string][]*Snapshot),
		occurrences: make(map[string]int),
		history:     make(map[string]StepIO),
		store:       NewStore(),
		doneCh:      make(chan struct{}),
	}
	r.metadataSeed = w.defaultMetadata
	r.contextSeed = w.baseContext

	for _, opt := range opts {
		opt(r)
	}
	if r.telemetry == nil {
		r.telemetry = NoopTelemetry{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// RunOption configures a Run at creation time.
type RunOption func(*Run)

// WithRunMetadata overrides the workflow's default metadata for this run.
// The map is deep-copied when the run starts; the caller's map is never
// aliased.
func WithRunMetadata(md map[string]any) RunOption {
	return func(r *Run) { r.metadataSeed = md }
}

// WithRunContext overrides the workflow's base context value for this run.
func WithRunContext(v any) RunOption {
	return func(r *Run) { r.contextSeed = v }
}

// WithRunTelemetry overrides the workflow's telemetry policy for this run.
func WithRunTelemetry(t Telemetry) RunOption {
	return func(r *Run) {
		if t != nil {
			r.telemetry = t
		}
	}
}

// WithWatcher registers a synchronous event callback for this run.
func WithWatcher(w Watcher) RunOption {
	return func(r *Run) { r.watchers = append(r.watchers, w) }
}

// WithRunLogger overrides the logger for this run.
func WithRunLogger(logger *slog.Logger) RunOption {
	return func(r *Run) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WorkflowBuilder constructs a Workflow with a fluent API. Errors
// accumulate while building and are reported together at Build time.
type WorkflowBuilder struct {
	wf    *Workflow
	graph *GraphBuilder
	errs  []error
}

// NewWorkflow creates a builder for a workflow with the given id.
func NewWorkflow(id string) *WorkflowBuilder {
	return &WorkflowBuilder{
		wf:    &Workflow{id: id},
		graph: NewGraph(),
	}
}

// WithDescription sets the workflow description.
func (b *WorkflowBuilder) WithDescription(d string) *WorkflowBuilder {
	b.wf.description = d
	return b
}

// WithInputSchema attaches a Schema Contract value validated against the
// run input before the first step executes.
func (b *WorkflowBuilder) WithInputSchema(v any) *WorkflowBuilder {
	b.wf.inputSchema = v
	return b
}

// WithOutputSchema attaches a Schema Contract value validated against the
// finalized run output.
func (b *WorkflowBuilder) WithOutputSchema(v any) *WorkflowBuilder {
	b.wf.outputSchema = v
	return b
}

// WithDefaultMetadata sets the metadata every run starts from. Each run
// deep-copies it; runs never share metadata state.
func (b *WorkflowBuilder) WithDefaultMetadata(md map[string]any) *WorkflowBuilder {
	b.wf.defaultMetadata = md
	return b
}

// WithContext sets the base context value handed to each run.
func (b *WorkflowBuilder) WithContext(v any) *WorkflowBuilder {
	b.wf.baseContext = v
	return b
}

// WithFinalize sets the transform applied to the final step output before
// output validation.
func (b *WorkflowBuilder) WithFinalize(fn func(ctx context.Context, output any) (any, error)) *WorkflowBuilder {
	b.wf.finalize = fn
	return b
}

// WithTelemetry sets the telemetry collaborator for runs of this workflow.
// Without one, all telemetry calls are no-ops.
func (b *WorkflowBuilder) WithTelemetry(t Telemetry) *WorkflowBuilder {
	b.wf.telemetry = t
	return b
}

// WithLogger sets the structured logger for runs of this workflow.
func (b *WorkflowBuilder) WithLogger(logger *slog.Logger) *WorkflowBuilder {
	b.wf.logger = logger
	return b
}

// Then appends a step to the workflow's linear sequence.
func (b *WorkflowBuilder) Then(step *Step) *WorkflowBuilder {
	b.graph.Then(step)
	return b
}

// Branch appends a branch group: a condition step plus named branch
// targets.
func (b *WorkflowBuilder) Branch(condition *Step, targets map[string]*Step) *WorkflowBuilder {
	b.graph.Branch(condition, targets)
	return b
}

// Build compiles the graph and returns the immutable workflow, or every
// accumulated error.
func (b *WorkflowBuilder) Build() (*Workflow, error) {
	if b.wf.id == "" {
		b.errs = append(b.errs, fmt.Errorf("workflow must have an id"))
	}

	graph, err := b.graph.Build()
	if err != nil {
		b.errs = append(b.errs, err)
	}

	if len(b.errs) > 0 {
		return nil, fmt.Errorf("workflow %q validation failed with %d error(s): %v", b.wf.id, len(b.errs), b.errs)
	}

	b.wf.graph = graph
	return b.wf, nil
}
