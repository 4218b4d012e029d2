package engine

import (
	"context"
	"log/slog"

	"github.com/loom-run/loom/internal/schema"
	"github.com/loom-run/loom/internal/types"
)

// StepKind tags the execution behavior of a step. All variants share one
// contract (execute, resolve-next, resolve-branch); the run loop dispatches
// on the tag.
type StepKind string

const (
	KindPlain      StepKind = "plain"
	KindHuman      StepKind = "human"
	KindConcurrent StepKind = "concurrent"
	KindLoop       StepKind = "loop"
)

// Handler is caller-supplied step logic. It receives the composed
// cancellation context, the step's run-scoped context, and the validated
// input, and returns the step output or an error. Handlers may block; the
// engine never forcibly terminates them.
type Handler func(ctx context.Context, sc *StepContext, input any) (any, error)

// Transition carries what next/branch resolvers may inspect after a step
// completes.
type Transition struct {
	Input  any
	Output any
	Step   *StepContext
}

// NextFunc dynamically resolves the id of the next step. Returning "" defers
// to the graph's default-next computation.
type NextFunc func(ctx context.Context, t *Transition) (string, error)

// BranchFunc resolves a branch id for a condition step. Returning "" means
// the outcome is not a conditional one.
type BranchFunc func(ctx context.Context, t *Transition) (string, error)

// HumanRequest is what a Human step prepares for the outside actor: the
// form the actor fills in plus any payload the host wants alongside it.
type HumanRequest struct {
	Form    any `json:"form,omitempty"`
	Payload any `json:"payload,omitempty"`
}

// RequestBuilder prepares the human request for a Human step. It runs in
// place of a handler and never produces the step's output itself.
type RequestBuilder func(ctx context.Context, sc *StepContext, input any) (*HumanRequest, error)

// ResponseParser converts raw resume data into the Human step's output.
type ResponseParser func(data any) (any, error)

// LoopState is what an IterativeLoop condition sees before each iteration.
type LoopState struct {
	Input      any
	LastOutput any
	Iteration  int
	Context    any
}

// LoopCondition decides whether another iteration runs.
type LoopCondition func(ctx context.Context, st *LoopState) (bool, error)

// FailureStrategy selects how a concurrent group reacts to child failure.
type FailureStrategy string

const (
	// FailFast rejects the group on the first child failure and signals
	// cancellation to the remaining in-flight children.
	FailFast FailureStrategy = "fail-fast"

	// WaitAll lets every child run to completion and fails afterwards if
	// any of them failed, naming every failing branch.
	WaitAll FailureStrategy = "wait-all"
)

// groupMember is one named child of a concurrent group: either a bare
// handler or a compiled sub-graph, never both.
type groupMember struct {
	handler Handler
	graph   *Graph
}

// Step is the unit of work in a graph. Construct steps with NewStep,
// NewHumanStep, NewConcurrentStep, NewConcurrentGraphStep, or NewLoopStep
// and refine them with the chainable With* setters before handing them to a
// workflow builder. Steps are read-only once their graph is compiled.
type Step struct {
	id          string
	kind        StepKind
	description string

	inputSchema  any
	outputSchema any

	handler    Handler
	next       string
	nextFunc   NextFunc
	branchFunc BranchFunc

	// Human variant
	buildRequest  RequestBuilder
	parseResponse ResponseParser

	// Concurrent variant
	members   map[string]groupMember
	aggregate func(outputs map[string]any) (any, error)
	strategy  FailureStrategy

	// Loop variant
	condition     LoopCondition
	body          *Step
	maxIterations int
	loopInput     func(st *LoopState) any
	collect       func(results []any, last any) (any, error)
}

// NewStep creates a plain step executing handler.
func NewStep(id string, handler Handler) *Step {
	return &Step{id: id, kind: KindPlain, handler: handler}
}

// NewHumanStep creates a step that suspends the run awaiting external
// input. build prepares the request shown to the actor; parse converts the
// raw resume data into the step's output.
func NewHumanStep(id string, build RequestBuilder, parse ResponseParser) *Step {
	return &Step{id: id, kind: KindHuman, buildRequest: build, parseResponse: parse}
}

// NewConcurrentStep creates a concurrent group of named handler children.
// Handler-only groups always behave fail-fast.
func NewConcurrentStep(id string, children map[string]Handler) *Step {
	members := make(map[string]groupMember, len(children))
	for name, h := range children {
		members[name] = groupMember{handler: h}
	}
	return &Step{id: id, kind: KindConcurrent, members: members, strategy: FailFast}
}

// NewConcurrentGraphStep creates a concurrent group whose named children
// are compiled sub-graphs, with a configurable failure strategy.
func NewConcurrentGraphStep(id string, branches map[string]*Graph, strategy FailureStrategy) *Step {
	members := make(map[string]groupMember, len(branches))
	for name, g := range branches {
		members[name] = groupMember{graph: g}
	}
	if strategy == "" {
		strategy = FailFast
	}
	return &Step{id: id, kind: KindConcurrent, members: members, strategy: strategy}
}

// NewLoopStep creates an iterative loop around body, bounded by
// maxIterations. Hitting the bound with the condition still true fails the
// run; it is never a normal stop.
func NewLoopStep(id string, condition LoopCondition, body *Step, maxIterations int) *Step {
	return &Step{id: id, kind: KindLoop, condition: condition, body: body, maxIterations: maxIterations}
}

// ID returns the step id.
func (s *Step) ID() string { return s.id }

// Kind returns the step's variant tag.
func (s *Step) Kind() StepKind { return s.kind }

// Description returns the optional step description.
func (s *Step) Description() string { return s.description }

// WithDescription sets the step description.
func (s *Step) WithDescription(d string) *Step {
	s.description = d
	return s
}

// WithInputSchema attaches a Schema Contract value validated against the
// step input before the handler runs.
func (s *Step) WithInputSchema(v any) *Step {
	s.inputSchema = v
	return s
}

// WithOutputSchema attaches a Schema Contract value validated against the
// handler output.
func (s *Step) WithOutputSchema(v any) *Step {
	s.outputSchema = v
	return s
}

// WithNext pins the step's successor to a literal step id.
func (s *Step) WithNext(id string) *Step {
	s.next = id
	return s
}

// WithNextFunc resolves the successor dynamically after the step completes.
func (s *Step) WithNextFunc(fn NextFunc) *Step {
	s.nextFunc = fn
	return s
}

// WithBranchFunc makes the step a condition step: the resolver picks one of
// the branch targets configured for it in the graph.
func (s *Step) WithBranchFunc(fn BranchFunc) *Step {
	s.branchFunc = fn
	return s
}

// WithAggregate transforms a concurrent group's branch-to-output record
// into the step output. Without it the record itself is the output.
func (s *Step) WithAggregate(fn func(outputs map[string]any) (any, error)) *Step {
	s.aggregate = fn
	return s
}

// WithCollect folds a loop's accumulated results into the step output.
// Without it the output is a {lastResult, allResults} envelope.
func (s *Step) WithCollect(fn func(results []any, last any) (any, error)) *Step {
	s.collect = fn
	return s
}

// WithLoopInput computes each iteration's body input explicitly. Without it
// iteration 0 receives the loop input and later iterations receive the
// previous output.
func (s *Step) WithLoopInput(fn func(st *LoopState) any) *Step {
	s.loopInput = fn
	return s
}

// validate checks the variant-specific configuration at graph compile time.
func (s *Step) validate() *Error {
	if s.id == "" {
		return newExecutionError("", "step must have an id", nil)
	}
	switch s.kind {
	case KindPlain:
		if s.handler == nil {
			return newExecutionError(s.id, "plain step must have a handler", nil)
		}
	case KindHuman:
		if s.buildRequest == nil || s.parseResponse == nil {
			return newExecutionError(s.id, "human step must have a request builder and a response parser", nil)
		}
	case KindConcurrent:
		if len(s.members) == 0 {
			return newExecutionError(s.id, "concurrent step must have at least one child", nil)
		}
		if s.strategy != FailFast && s.strategy != WaitAll {
			return newExecutionError(s.id, "concurrent step has unknown failure strategy "+string(s.strategy), nil)
		}
	case KindLoop:
		if s.condition == nil || s.body == nil {
			return newExecutionError(s.id, "loop step must have a condition and a body", nil)
		}
		if s.maxIterations <= 0 {
			return newExecutionError(s.id, "loop step must have a positive maxIterations", nil)
		}
		if err := s.body.validate(); err != nil {
			return err
		}
	default:
		return newExecutionError(s.id, "unknown step kind "+string(s.kind), nil)
	}
	return nil
}

// StepContext is the run-scoped view handed to handlers, resolvers, and
// request builders: metadata getters/setters, the shared store, the history
// of prior steps, and an emit hook for user-level custom events.
type StepContext struct {
	run    *Run
	stepID string
}

// WorkflowID returns the owning workflow's id.
func (sc *StepContext) WorkflowID() string { return sc.run.workflow.id }

// RunID returns the run's id.
func (sc *StepContext) RunID() types.ID { return sc.run.id }

// StepID returns the id of the step being executed.
func (sc *StepContext) StepID() string { return sc.stepID }

// Metadata returns the run's mutable metadata.
func (sc *StepContext) Metadata() *Metadata { return sc.run.metadata }

// Store returns the run-scoped key/value store.
func (sc *StepContext) Store() *Store { return sc.run.store }

// Context returns the run's mutable context value.
func (sc *StepContext) Context() any { return sc.run.contextVal() }

// SetContext replaces the run's mutable context value. Like the store,
// the context value is shared by every child of a concurrent-group
// fan-out; concurrent writers racing on the same value is the caller's
// hazard to manage even though the slot itself is mutex-guarded.
func (sc *StepContext) SetContext(v any) { sc.run.setContextVal(v) }

// History returns the last recorded input/output per step id, keyed by id.
// The returned map is a copy; the pairs themselves are shared.
func (sc *StepContext) History() map[string]StepIO {
	out := make(map[string]StepIO, len(sc.run.history))
	for k, v := range sc.run.history {
		out[k] = v
	}
	return out
}

// Emit publishes a user-level custom event attributed to this step.
func (sc *StepContext) Emit(name string, payload any) {
	sc.run.emit(EventStepCustom, sc.stepID, map[string]any{"name": name, "data": payload})
}

// Logger returns the run's structured logger.
func (sc *StepContext) Logger() *slog.Logger { return sc.run.logger }

// executeStep is the shared execution contract: validate input, dispatch on
// the variant tag, validate output. It returns the validated input and
// output so the caller can snapshot them.
func (r *Run) executeStep(ctx context.Context, step *Step, sc *StepContext, input any) (validatedIn, validatedOut any, err error) {
	validatedIn, err = schema.Validate(step.inputSchema, input)
	if err != nil {
		return nil, nil, newSchemaError("step "+quoteID(step.id)+" input", err)
	}

	var output any
	switch step.kind {
	case KindPlain:
		output, err = step.handler(ctx, sc, validatedIn)
	case KindConcurrent:
		output, err = r.executeConcurrent(ctx, step, sc, validatedIn)
	case KindLoop:
		output, err = r.executeLoop(ctx, step, sc, validatedIn)
	default:
		err = newExecutionError(step.id, "step kind "+string(step.kind)+" cannot execute here", nil)
	}
	if err != nil {
		return validatedIn, nil, err
	}

	validatedOut, err = schema.Validate(step.outputSchema, output)
	if err != nil {
		return validatedIn, nil, newSchemaError("step "+quoteID(step.id)+" output", err)
	}
	return validatedIn, validatedOut, nil
}

// executeHumanRequest runs the Human step's preparation logic: validate the
// input, build the request. No handler is ever involved.
func (s *Step) executeHumanRequest(ctx context.Context, sc *StepContext, input any) (validatedIn any, req *HumanRequest, err error) {
	validatedIn, err = schema.Validate(s.inputSchema, input)
	if err != nil {
		return nil, nil, newSchemaError("step "+quoteID(s.id)+" input", err)
	}
	req, err = s.buildRequest(ctx, sc, validatedIn)
	if err != nil {
		return validatedIn, nil, asEngineError(s.id, err)
	}
	if req == nil {
		return validatedIn, nil, newExecutionError(s.id, "human step produced a nil request", nil)
	}
	return validatedIn, req, nil
}

// parseHumanResponse converts raw resume data into the step's output and
// validates it against the output schema.
func (s *Step) parseHumanResponse(data any) (any, error) {
	output, err := s.parseResponse(data)
	if err != nil {
		return nil, newSchemaError("step "+quoteID(s.id)+" response", err)
	}
	validated, err := schema.Validate(s.outputSchema, output)
	if err != nil {
		return nil, newSchemaError("step "+quoteID(s.id)+" output", err)
	}
	return validated, nil
}

func quoteID(id string) string {
	return "`" + id + "`"
}
